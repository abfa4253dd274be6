package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c360studio/v2icoord/registry"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Engine.LogCapacity != 1000 {
		t.Errorf("expected log capacity 1000, got %d", cfg.Engine.LogCapacity)
	}
	if cfg.Registry.V2VRangeMeters != 300 {
		t.Errorf("expected v2v range 300, got %f", cfg.Registry.V2VRangeMeters)
	}
	if cfg.Routing.CellDegrees != 0.005 {
		t.Errorf("expected cell 0.005, got %f", cfg.Routing.CellDegrees)
	}
	if !cfg.NATS.Embedded {
		t.Error("expected embedded NATS by default")
	}
	if !cfg.NATS.Archive {
		t.Error("expected archive enabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "inverted bandwidth range",
			modify:  func(c *Config) { c.Registry.EmergencyBandwidth = registry.Range{Min: 300, Max: 200} },
			wantErr: true,
		},
		{
			name:    "single value range",
			modify:  func(c *Config) { c.Registry.StandardLatency = registry.Range{Min: 20, Max: 20} },
			wantErr: false,
		},
		{
			name:    "zero v2v range",
			modify:  func(c *Config) { c.Registry.V2VRangeMeters = 0 },
			wantErr: true,
		},
		{
			name:    "zero log capacity",
			modify:  func(c *Config) { c.Engine.LogCapacity = 0 },
			wantErr: true,
		},
		{
			name:    "wildcard subject prefix",
			modify:  func(c *Config) { c.NATS.SubjectPrefix = "v2i.>" },
			wantErr: true,
		},
		{
			name:    "cell too large",
			modify:  func(c *Config) { c.Routing.CellDegrees = 2 },
			wantErr: true,
		},
		{
			name:    "no intersections",
			modify:  func(c *Config) { c.Routing.MaxIntersections = 0 },
			wantErr: true,
		},
		{
			name:    "zero failure threshold",
			modify:  func(c *Config) { c.Delivery.FailureThreshold = 0 },
			wantErr: true,
		},
		{
			name:    "zero recovery timeout",
			modify:  func(c *Config) { c.Delivery.RecoveryTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "dashboard without connection cap",
			modify:  func(c *Config) { c.Dashboard.MaxConnections = 0 },
			wantErr: true,
		},
		{
			name: "disabled dashboard ignores cap",
			modify: func(c *Config) {
				c.Dashboard.Addr = ""
				c.Dashboard.MaxConnections = 0
			},
			wantErr: false,
		},
		{
			name:    "unknown level",
			modify:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: true,
		},
		{
			name:    "unknown format",
			modify:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":  slog.LevelDebug,
		"INFO":   slog.LevelInfo,
		" warn ": slog.LevelWarn,
		"error":  slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil {
			t.Errorf("ParseLevel(%q) error = %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
registry:
  emergency_bandwidth_mbps:
    min: 250
    max: 260
  v2v_range_meters: 150
engine:
  log_capacity: 50
routing:
  cell_degrees: 0.01
delivery:
  recovery_timeout: 2m
nats:
  url: "nats://test:4222"
logging:
  level: debug
  format: json
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Registry.EmergencyBandwidth != (registry.Range{Min: 250, Max: 260}) {
		t.Errorf("expected bandwidth 250-260, got %+v", cfg.Registry.EmergencyBandwidth)
	}
	if cfg.Registry.StandardBandwidth != (registry.Range{Min: 50, Max: 150}) {
		t.Errorf("expected default standard bandwidth, got %+v", cfg.Registry.StandardBandwidth)
	}
	if cfg.Registry.V2VRangeMeters != 150 {
		t.Errorf("expected v2v range 150, got %f", cfg.Registry.V2VRangeMeters)
	}
	if cfg.Engine.LogCapacity != 50 {
		t.Errorf("expected log capacity 50, got %d", cfg.Engine.LogCapacity)
	}
	if cfg.Engine.GrantHistory != 10000 {
		t.Errorf("expected default grant history, got %d", cfg.Engine.GrantHistory)
	}
	if cfg.Routing.CellDegrees != 0.01 {
		t.Errorf("expected cell 0.01, got %f", cfg.Routing.CellDegrees)
	}
	if cfg.Delivery.RecoveryTimeout != 2*time.Minute {
		t.Errorf("expected recovery timeout 2m, got %v", cfg.Delivery.RecoveryTimeout)
	}
	if cfg.Delivery.FailureThreshold != 3 {
		t.Errorf("expected default failure threshold, got %d", cfg.Delivery.FailureThreshold)
	}
	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected json format, got %s", cfg.Logging.Format)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestMergeYAML(t *testing.T) {
	base := DefaultConfig()

	first := `
registry:
  signal_strength_dbm:
    min: -80
    max: -60
engine:
  seed: 42
nats:
  url: "nats://remote:4222"
  archive: false
metrics:
  addr: ""
logging:
  level: warn
`
	if err := base.MergeYAML([]byte(first)); err != nil {
		t.Fatalf("MergeYAML() error = %v", err)
	}
	if base.Registry.SignalStrength != (registry.Range{Min: -80, Max: -60}) {
		t.Errorf("expected signal -80..-60, got %+v", base.Registry.SignalStrength)
	}
	// Unset keys keep the value below
	if base.Registry.EmergencyLatency != (registry.Range{Min: 5, Max: 15}) {
		t.Errorf("expected default emergency latency, got %+v", base.Registry.EmergencyLatency)
	}
	if base.Engine.Seed != 42 || base.Engine.LogCapacity != 1000 {
		t.Errorf("unexpected engine config %+v", base.Engine)
	}
	if base.NATS.URL != "nats://remote:4222" || base.NATS.Embedded {
		t.Errorf("expected external NATS, got %+v", base.NATS)
	}
	if base.NATS.Archive {
		t.Error("expected archive disabled")
	}
	if base.Metrics.Addr != "" {
		t.Errorf("expected metrics disabled, got %q", base.Metrics.Addr)
	}
	if base.Dashboard.Addr != ":8088" {
		t.Errorf("expected default dashboard addr, got %q", base.Dashboard.Addr)
	}

	// A later layer that does not mention a key leaves it alone
	if err := base.MergeYAML([]byte("logging:\n  format: json\n")); err != nil {
		t.Fatalf("MergeYAML() error = %v", err)
	}
	if base.NATS.Archive {
		t.Error("later layer re-enabled archive")
	}
	if base.Metrics.Addr != "" {
		t.Errorf("later layer restored metrics addr %q", base.Metrics.Addr)
	}
	if base.Logging.Level != "warn" || base.Logging.Format != "json" {
		t.Errorf("unexpected logging config %+v", base.Logging)
	}

	// An explicit embedded flag wins over the url implication
	if err := base.MergeYAML([]byte("nats:\n  url: nats://other:4222\n  embedded: true\n")); err != nil {
		t.Fatalf("MergeYAML() error = %v", err)
	}
	if !base.NATS.Embedded {
		t.Error("expected embedded to stay on when set explicitly")
	}

	before := *base
	if err := base.MergeYAML([]byte("engine: [not, a, map]")); err == nil {
		t.Error("expected parse error")
	}
	if *base != before {
		t.Error("failed merge changed config")
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Engine.Seed = 7
	cfg.Dashboard.Addr = ""
	cfg.Delivery.RecoveryTimeout = 45 * time.Second

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Engine.Seed != 7 {
		t.Errorf("expected seed 7, got %d", loaded.Engine.Seed)
	}
	if loaded.Delivery.RecoveryTimeout != 45*time.Second {
		t.Errorf("expected recovery timeout 45s, got %v", loaded.Delivery.RecoveryTimeout)
	}
	if loaded.Dashboard.Addr != "" {
		t.Errorf("expected dashboard disabled, got %q", loaded.Dashboard.Addr)
	}
}

func TestLoaderExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v2i.yaml")
	if err := os.WriteFile(path, []byte("engine:\n  seed: 99\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := NewLoader(nil).Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.Seed != 99 {
		t.Errorf("expected seed 99, got %d", cfg.Engine.Seed)
	}

	if _, err := NewLoader(nil).Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing explicit file")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"V2ICOORD_NATS_URL":      "nats://broker:4222",
		"V2ICOORD_NATS_ARCHIVE":  "false",
		"V2ICOORD_LOG_LEVEL":     "debug",
		"V2ICOORD_METRICS_ADDR":  "",
		"V2ICOORD_UNRELATED_KEY": "ignored",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	cfg.NATS.Archive = true
	cfg.Metrics.Addr = ":9090"
	if err := applyEnv(cfg, lookup); err != nil {
		t.Fatalf("applyEnv() error = %v", err)
	}
	if cfg.NATS.URL != "nats://broker:4222" {
		t.Errorf("expected NATS URL override, got %s", cfg.NATS.URL)
	}
	if cfg.NATS.Archive {
		t.Error("expected archive disabled by environment")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Metrics.Addr != "" {
		t.Errorf("expected empty metrics addr to disable metrics, got %q", cfg.Metrics.Addr)
	}

	env["V2ICOORD_NATS_EMBEDDED"] = "maybe"
	if err := applyEnv(DefaultConfig(), lookup); err == nil {
		t.Error("expected error for non-boolean flag")
	}
}

func TestLoaderEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v2i.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("V2ICOORD_LOG_LEVEL", "error")

	cfg, err := NewLoader(nil).Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("expected environment level error, got %s", cfg.Logging.Level)
	}
}

func TestLoaderEmptyAddrsDisableListeners(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v2i.yaml")
	content := "metrics:\n  addr: \"\"\ndashboard:\n  addr: \"\"\nnats:\n  archive: false\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := NewLoader(nil).Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Metrics.Addr != "" {
		t.Errorf("expected metrics disabled, got %q", cfg.Metrics.Addr)
	}
	if cfg.Dashboard.Addr != "" {
		t.Errorf("expected dashboard disabled, got %q", cfg.Dashboard.Addr)
	}
	if cfg.NATS.Archive {
		t.Error("expected archive disabled")
	}
}

func TestLoaderRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v2i.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  format: xml\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := NewLoader(nil).Load(path); err == nil {
		t.Error("expected validation error")
	}
}

func TestWatcherReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v2i.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: info\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	changes := make(chan *Config, 4)
	w, err := NewWatcher(WatcherConfig{
		Path:          path,
		OnChange:      func(c *Config) { changes <- c },
		DebounceDelay: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Invalid content is ignored
	if err := os.WriteFile(path, []byte("logging:\n  format: xml\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for reloaded := false; !reloaded; {
		select {
		case cfg := <-changes:
			if cfg.Logging.Format != "text" {
				t.Errorf("invalid config was applied: %+v", cfg.Logging)
			}
			reloaded = cfg.Logging.Level == "debug"
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestNewWatcherRequiresPath(t *testing.T) {
	if _, err := NewWatcher(WatcherConfig{}); err == nil {
		t.Error("expected error for empty path")
	}
}
