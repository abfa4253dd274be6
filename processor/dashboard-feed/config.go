package dashboardfeed

import (
	"fmt"
	"time"
)

// Config holds configuration for the dashboard feed.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `json:"addr" yaml:"addr"`

	// MaxConnections caps concurrent connections, websocket or not.
	MaxConnections int `json:"max_connections" yaml:"max_connections"`

	// SnapshotEntries is the default log tail in snapshots.
	SnapshotEntries int `json:"snapshot_entries" yaml:"snapshot_entries"`

	// ClientBuffer is the number of queued messages per client before
	// entries are dropped for that client.
	ClientBuffer int `json:"client_buffer" yaml:"client_buffer"`

	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8088",
		MaxConnections:  64,
		SnapshotEntries: 100,
		ClientBuffer:    128,
		WriteTimeout:    5 * time.Second,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive")
	}
	if c.SnapshotEntries < 0 {
		return fmt.Errorf("snapshot_entries must not be negative")
	}
	if c.ClientBuffer <= 0 {
		return fmt.Errorf("client_buffer must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be positive")
	}
	return nil
}
