package config

// DefaultConfig returns the built-in configuration: a threaded engine with
// a small worker pool and no services. Loaded files overlay these values.
func DefaultConfig() Config {
	return Config{
		Orchestrator: OrchestratorSettings{
			MaxThreads:   4,
			UseThreads:   true,
			DefaultLevel: 1,
			LogLevel:     "info",
			LogFormat:    "console",
		},
	}
}
