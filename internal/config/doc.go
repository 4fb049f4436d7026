// Package config defines the YAML configuration for the levelctl CLI: the
// orchestrator settings and the service topology (which services exist, at
// which level each one starts, and what it depends on).
package config
