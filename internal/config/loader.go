package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads the configuration from path, layered over the defaults.
// An empty path returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the topology for duplicate names, unknown dependencies,
// and dependency cycles.
func (c Config) Validate() error {
	byName := make(map[string]ServiceDefinition, len(c.Services))
	for _, svc := range c.Services {
		if svc.Name == "" {
			return fmt.Errorf("service with empty name")
		}
		if _, dup := byName[svc.Name]; dup {
			return fmt.Errorf("duplicate service name %q", svc.Name)
		}
		byName[svc.Name] = svc
	}

	for _, svc := range c.Services {
		for _, dep := range svc.DependsOn {
			if _, ok := byName[dep]; !ok {
				return fmt.Errorf("service %q depends on unknown service %q", svc.Name, dep)
			}
		}
	}

	// Cycle check: a blocking activation chain that loops would deadlock
	// the engine, so reject it up front.
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(byName))
	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case grey:
			return fmt.Errorf("dependency cycle involving service %q", name)
		case black:
			return nil
		}
		color[name] = grey
		for _, dep := range byName[name].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}
	for name := range byName {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}
