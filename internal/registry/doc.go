// Package registry is the in-process service container the run-level
// engine drives. It holds descriptors for registered services, binds them
// to lazily activated instances through scope contexts, and resolves
// dependencies between services during activation.
//
// The registry itself knows nothing about run levels. Services declare a
// scope; instance caching and teardown for a scope is delegated to the
// ScopeContext bound for it. The run-level engine binds itself as the
// context for ScopeRunLevel, which is how it tracks in-flight activations,
// activation order, and hard cancellation.
//
// # Registration
//
//	reg := registry.New()
//	reg.Register(registry.ServiceSpec{
//	    Name:      "cache",
//	    Scope:     registry.ScopeRunLevel,
//	    Level:     2,
//	    DependsOn: []string{"database"},
//	    Start: func(actx registry.ActivationContext) (any, error) {
//	        db, err := actx.Resolve("database")
//	        ...
//	    },
//	    Stop: func(instance any) error { ... },
//	})
//
// Activation failures use two recognizable sentinels: ErrWouldBlock (a
// non-blocking activation ran into a dependency being built on another
// worker) and ErrWasCancelled (the activation was aborted by a hard
// cancel). Both remain detectable through wrapping and through MultiError
// aggregation via errors.Is.
package registry
