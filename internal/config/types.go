package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML support for strings like "250ms".
type Duration time.Duration

// UnmarshalYAML parses either a duration string or a plain integer
// (interpreted as nanoseconds, matching time.Duration's representation).
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode && value.ShortTag() == "!!int" {
		var n int64
		if err := value.Decode(&n); err != nil {
			return fmt.Errorf("invalid duration value: %w", err)
		}
		*d = Duration(n)
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level configuration structure for levelctl.
type Config struct {
	Orchestrator OrchestratorSettings `yaml:"orchestrator"`
	Services     []ServiceDefinition  `yaml:"services"`
}

// OrchestratorSettings tune the run-level engine and logging.
type OrchestratorSettings struct {
	MaxThreads    int      `yaml:"maxThreads"`              // workers per level; 0 = single-thread cooperative
	UseThreads    bool     `yaml:"useThreads"`              // run drivers on a worker pool
	CancelTimeout Duration `yaml:"cancelTimeout,omitempty"` // hard-cancel deadline
	InitialLevel  int      `yaml:"initialLevel,omitempty"`  // level the system starts at
	DefaultLevel  int      `yaml:"defaultLevel,omitempty"`  // level "run" ascends to when --level is not given
	LogLevel      string   `yaml:"logLevel,omitempty"`      // debug, info, warn, error
	LogFormat     string   `yaml:"logFormat,omitempty"`     // console or json
}

// ServiceDefinition describes one simulated service in the topology.
type ServiceDefinition struct {
	Name      string   `yaml:"name"`
	Level     int      `yaml:"level"`
	DependsOn []string `yaml:"dependsOn,omitempty"`

	// StartDelay and StopDelay simulate slow activation and teardown.
	StartDelay Duration `yaml:"startDelay,omitempty"`
	StopDelay  Duration `yaml:"stopDelay,omitempty"`

	// FailStart makes activation fail, for demonstrating error recovery.
	FailStart bool `yaml:"failStart,omitempty"`
}
