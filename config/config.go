// Package config provides configuration loading and management for v2icoord.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/v2icoord/registry"
)

// Config represents the complete v2icoord configuration
type Config struct {
	Registry  registry.Config `yaml:"registry"`
	Engine    EngineConfig    `yaml:"engine"`
	Routing   RoutingConfig   `yaml:"routing"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	NATS      NATSConfig      `yaml:"nats"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// EngineConfig sizes the in-memory state
type EngineConfig struct {
	// LogCapacity is the number of communication log entries kept (default: 1000)
	LogCapacity int `yaml:"log_capacity"`
	// GrantHistory is the number of finished grants kept for lookup
	GrantHistory int `yaml:"grant_history"`
	// AlertHistory is the number of recent alerts kept
	AlertHistory int `yaml:"alert_history"`
	// Seed makes attribute assignment reproducible
	Seed uint64 `yaml:"seed"`
}

// RoutingConfig configures the grid route resolver
type RoutingConfig struct {
	// CellDegrees is the spacing between grid intersections
	CellDegrees float64 `yaml:"cell_degrees"`
	// MaxIntersections truncates long routes
	MaxIntersections int `yaml:"max_intersections"`
}

// DeliveryConfig configures the per-vehicle alert delivery breaker
type DeliveryConfig struct {
	// FailureThreshold is the consecutive failures before a vehicle is skipped
	FailureThreshold int `yaml:"failure_threshold"`
	// RecoveryTimeout is how long a failing vehicle is skipped
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
	// StoreDir holds embedded JetStream data (empty = temp dir)
	StoreDir string `yaml:"store_dir"`
	// SubjectPrefix prefixes the gateway request subjects
	SubjectPrefix string `yaml:"subject_prefix"`
	// Archive persists vehicles and alerts in JetStream KV
	Archive bool `yaml:"archive"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Addr is the listen address (empty = disabled)
	Addr string `yaml:"addr"`
}

// DashboardConfig configures the websocket dashboard feed
type DashboardConfig struct {
	// Addr is the listen address (empty = disabled)
	Addr string `yaml:"addr"`
	// MaxConnections caps concurrent connections
	MaxConnections int `yaml:"max_connections"`
	// SnapshotEntries is the log tail included in snapshots
	SnapshotEntries int `yaml:"snapshot_entries"`
}

// LoggingConfig configures the slog handler
type LoggingConfig struct {
	// Level is debug, info, warn or error
	Level string `yaml:"level"`
	// Format is text or json
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Registry: registry.DefaultConfig(),
		Engine: EngineConfig{
			LogCapacity:  1000,
			GrantHistory: 10000,
			AlertHistory: 256,
			Seed:         1,
		},
		Routing: RoutingConfig{
			CellDegrees:      0.005,
			MaxIntersections: 32,
		},
		Delivery: DeliveryConfig{
			FailureThreshold: 3,
			RecoveryTimeout:  30 * time.Second,
		},
		NATS: NATSConfig{
			URL:           "",
			Embedded:      true,
			SubjectPrefix: "v2i",
			Archive:       true,
		},
		Metrics: MetricsConfig{
			Addr: ":9464",
		},
		Dashboard: DashboardConfig{
			Addr:            ":8088",
			MaxConnections:  64,
			SnapshotEntries: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	for name, r := range map[string]registry.Range{
		"registry.emergency_bandwidth_mbps": c.Registry.EmergencyBandwidth,
		"registry.standard_bandwidth_mbps":  c.Registry.StandardBandwidth,
		"registry.emergency_latency_ms":     c.Registry.EmergencyLatency,
		"registry.standard_latency_ms":      c.Registry.StandardLatency,
		"registry.signal_strength_dbm":      c.Registry.SignalStrength,
	} {
		if r.Min > r.Max {
			return fmt.Errorf("%s: min %d exceeds max %d", name, r.Min, r.Max)
		}
	}
	if c.Registry.V2VRangeMeters <= 0 {
		return fmt.Errorf("registry.v2v_range_meters must be positive")
	}
	if c.Engine.LogCapacity <= 0 {
		return fmt.Errorf("engine.log_capacity must be positive")
	}
	if c.Routing.CellDegrees <= 0 || c.Routing.CellDegrees > 1 {
		return fmt.Errorf("routing.cell_degrees must be in (0, 1]")
	}
	if c.Routing.MaxIntersections <= 0 {
		return fmt.Errorf("routing.max_intersections must be positive")
	}
	if c.Delivery.FailureThreshold <= 0 {
		return fmt.Errorf("delivery.failure_threshold must be positive")
	}
	if c.Delivery.RecoveryTimeout <= 0 {
		return fmt.Errorf("delivery.recovery_timeout must be positive")
	}
	if c.NATS.SubjectPrefix == "" || strings.ContainsAny(c.NATS.SubjectPrefix, " *>") {
		return fmt.Errorf("nats.subject_prefix must be a non-empty subject without wildcards")
	}
	if c.Dashboard.Addr != "" && c.Dashboard.MaxConnections <= 0 {
		return fmt.Errorf("dashboard.max_connections must be positive")
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// ParseLevel converts a logging.level value to a slog.Level
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := config.MergeFile(path); err != nil {
		return nil, err
	}
	return config, nil
}

// MergeFile overlays the YAML file at path onto c.
func (c *Config) MergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return c.MergeYAML(data)
}

// MergeYAML overlays a YAML document onto c. Only keys present in the
// document change, so an explicit "" or false overrides the layer below.
// On error c is left untouched.
func (c *Config) MergeYAML(data []byte) error {
	next := *c
	if err := yaml.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	var layer struct {
		NATS struct {
			URL      *string `yaml:"url"`
			Embedded *bool   `yaml:"embedded"`
		} `yaml:"nats"`
	}
	if err := yaml.Unmarshal(data, &layer); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	// Naming an external server implies leaving the embedded one off
	if layer.NATS.URL != nil && *layer.NATS.URL != "" && layer.NATS.Embedded == nil {
		next.NATS.Embedded = false
	}

	*c = next
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
