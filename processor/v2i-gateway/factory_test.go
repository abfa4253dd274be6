package v2igateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/v2icoord/engine"
)

// mockRegistry implements RegistryInterface for testing.
type mockRegistry struct {
	registered bool
	lastConfig component.RegistrationConfig
	returnErr  error
}

func (m *mockRegistry) RegisterWithConfig(cfg component.RegistrationConfig) error {
	m.registered = true
	m.lastConfig = cfg
	return m.returnErr
}

func TestRegister(t *testing.T) {
	eng := engine.New(engine.DefaultConfig())

	t.Run("successful registration", func(t *testing.T) {
		registry := &mockRegistry{}
		if err := Register(registry, eng); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !registry.registered {
			t.Fatal("expected registry.RegisterWithConfig to be called")
		}

		cfg := registry.lastConfig
		if cfg.Name != "v2i-gateway" {
			t.Errorf("expected Name 'v2i-gateway', got %s", cfg.Name)
		}
		if cfg.Type != "processor" {
			t.Errorf("expected Type 'processor', got %s", cfg.Type)
		}
		if cfg.Protocol != "v2i" {
			t.Errorf("expected Protocol 'v2i', got %s", cfg.Protocol)
		}
		if cfg.Factory == nil {
			t.Fatal("expected Factory to be set")
		}
		if cfg.Schema.Properties == nil {
			t.Error("expected Schema to have Properties")
		}

		comp, err := cfg.Factory(json.RawMessage(`{"subject_prefix":"city"}`), component.Dependencies{Logger: slog.Default()})
		if err != nil {
			t.Fatalf("factory error: %v", err)
		}
		if comp.Meta().Name != "v2i-gateway" {
			t.Errorf("expected component name 'v2i-gateway', got %s", comp.Meta().Name)
		}
		if got := len(comp.InputPorts()); got != len(operations) {
			t.Errorf("expected %d input ports, got %d", len(operations), got)
		}
	})

	t.Run("nil registry returns error", func(t *testing.T) {
		if err := Register(nil, eng); err == nil {
			t.Error("expected error for nil registry")
		}
	})

	t.Run("nil engine returns error", func(t *testing.T) {
		if err := Register(&mockRegistry{}, nil); err == nil {
			t.Error("expected error for nil engine")
		}
	})

	t.Run("registry error is returned", func(t *testing.T) {
		registry := &mockRegistry{returnErr: errors.New("duplicate")}
		if err := Register(registry, eng); err == nil {
			t.Error("expected registry error to be returned")
		}
	})
}
