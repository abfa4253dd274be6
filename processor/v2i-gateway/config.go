package v2igateway

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/v2icoord/prediction"
	"github.com/c360studio/v2icoord/transport"
)

// gatewaySchema defines the configuration schema.
var gatewaySchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// operations lists every request the gateway serves. Input port names must
// be one of these.
var operations = []string{
	SubjectVehicleRegister,
	SubjectVehicleLocation,
	SubjectVehicleTelemetry,
	SubjectVehicleGet,
	SubjectVehicleComplete,
	SubjectV2VStatus,
	SubjectPriorityRequest,
	SubjectPriorityRelease,
	SubjectPriorityActive,
	SubjectAlertBroadcast,
	SubjectFlowOptimize,
	SubjectTrafficPredict,
	SubjectTrafficPattern,
	SubjectLogQuery,
}

// Config holds configuration for the V2I gateway.
type Config struct {
	Ports         *component.PortConfig `json:"ports" schema:"type:ports,description:Port configuration,category:basic"`
	SubjectPrefix string                `json:"subject_prefix" schema:"type:string,description:Prefix for the default request subjects,category:basic,default:v2i"`
	PatternHours  int                   `json:"pattern_hours" schema:"type:integer,description:Hours used when a pattern request omits hours_ahead,category:basic,default:24"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Ports:         DefaultPorts("v2i"),
		SubjectPrefix: "v2i",
		PatternHours:  24,
	}
}

// DefaultPorts builds one request/reply input per operation under prefix,
// plus the alert delivery output.
func DefaultPorts(prefix string) *component.PortConfig {
	inputs := make([]component.PortDefinition, 0, len(operations))
	for _, op := range operations {
		inputs = append(inputs, component.PortDefinition{
			Name:        op,
			Type:        "nats",
			Subject:     prefix + "." + op,
			Required:    true,
			Description: "Request/reply subject for " + op,
		})
	}
	return &component.PortConfig{
		Inputs: inputs,
		Outputs: []component.PortDefinition{
			{
				Name:        "alerts",
				Type:        "nats",
				Subject:     transport.AlertSubject(">"),
				Required:    false,
				Description: "Per-vehicle alert delivery",
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.SubjectPrefix == "" {
		return fmt.Errorf("subject_prefix is required")
	}
	if strings.ContainsAny(c.SubjectPrefix, " *>") {
		return fmt.Errorf("subject_prefix %q must not contain spaces or wildcards", c.SubjectPrefix)
	}
	if c.PatternHours <= 0 || c.PatternHours > prediction.MaxPatternHours {
		return fmt.Errorf("pattern_hours must be between 1 and %d", prediction.MaxPatternHours)
	}
	if c.Ports == nil {
		return nil
	}
	seen := make(map[string]bool, len(c.Ports.Inputs))
	for _, in := range c.Ports.Inputs {
		if !slices.Contains(operations, in.Name) {
			return fmt.Errorf("input port %q is not a gateway operation", in.Name)
		}
		if in.Subject == "" || strings.ContainsAny(in.Subject, " *>") {
			return fmt.Errorf("input port %q needs a concrete subject, got %q", in.Name, in.Subject)
		}
		if seen[in.Subject] {
			return fmt.Errorf("subject %q bound to more than one input port", in.Subject)
		}
		seen[in.Subject] = true
	}
	return nil
}
