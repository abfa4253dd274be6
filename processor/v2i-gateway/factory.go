package v2igateway

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/v2icoord/engine"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Factory returns a component factory bound to eng.
func Factory(eng *engine.Engine, opts ...Option) func(json.RawMessage, component.Dependencies) (component.Discoverable, error) {
	return func(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
		return NewComponent(rawConfig, deps, eng, opts...)
	}
}

// Register registers the v2i-gateway processor with the given registry.
func Register(registry RegistryInterface, eng *engine.Engine, opts ...Option) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	if eng == nil {
		return fmt.Errorf("engine cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "v2i-gateway",
		Factory:     Factory(eng, opts...),
		Schema:      gatewaySchema,
		Type:        "processor",
		Protocol:    "v2i",
		Domain:      "traffic",
		Description: "Request/reply gateway for V2I coordination",
		Version:     "1.0.0",
	})
}
