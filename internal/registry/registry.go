package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"levelctl/pkg/logging"
)

// Registry holds all registered services and the scope contexts that
// manage their instances.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Handle
	ordered []*Handle
	scopes  map[string]ScopeContext
}

// New creates an empty registry with the built-in singleton scope bound.
func New() *Registry {
	r := &Registry{
		byName: make(map[string]*Handle),
		scopes: make(map[string]ScopeContext),
	}
	r.scopes[ScopeSingleton] = newSingletonContext()
	return r
}

// Register adds a service. Names must be unique; dependencies may be
// registered in any order and are checked at activation time.
func (r *Registry) Register(spec ServiceSpec) (*Descriptor, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("service name must not be empty")
	}
	if spec.Start == nil {
		return nil, fmt.Errorf("service %s has no start function", spec.Name)
	}
	if spec.Scope == "" {
		spec.Scope = ScopeRunLevel
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[spec.Name]; exists {
		return nil, fmt.Errorf("service %s is already registered", spec.Name)
	}

	d := &Descriptor{
		id:        uuid.New(),
		name:      spec.Name,
		scope:     spec.Scope,
		level:     spec.Level,
		dependsOn: append([]string(nil), spec.DependsOn...),
	}
	h := &Handle{reg: r, desc: d, spec: spec}
	r.byName[spec.Name] = h
	r.ordered = append(r.ordered, h)

	logging.Debug("Registry", "registered service %s (scope=%s level=%d id=%s)",
		spec.Name, spec.Scope, spec.Level, d.id)
	return d, nil
}

// BindScopeContext installs the instance manager for a scope, replacing
// any previous binding.
func (r *Registry) BindScopeContext(sc ScopeContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopes[sc.Scope()] = sc
}

// HandleByName returns the canonical handle for a service name.
func (r *Registry) HandleByName(name string) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotRegistered)
	}
	return h, nil
}

// HandlesAtLevel returns the handles of every run-level service declared
// at exactly the given level, in registration order.
func (r *Registry) HandlesAtLevel(level int) []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Handle
	for _, h := range r.ordered {
		if lvl, ok := h.desc.RunLevel(); ok && lvl == level {
			out = append(out, h)
		}
	}
	return out
}

// InjecteeDescriptors resolves a descriptor's declared dependencies to
// descriptors. Unknown names are skipped; they fail later, during
// activation, where the error can be attributed.
func (r *Registry) InjecteeDescriptors(d *Descriptor) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Descriptor
	for _, name := range d.dependsOn {
		if h, ok := r.byName[name]; ok {
			out = append(out, h.desc)
		}
	}
	return out
}

func (r *Registry) scopeContext(scope string) (ScopeContext, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sc, ok := r.scopes[scope]
	if !ok {
		return nil, fmt.Errorf("no scope context bound for scope %s", scope)
	}
	return sc, nil
}

func (r *Registry) activate(h *Handle, nonBlocking bool, ctx context.Context) (any, error) {
	sc, err := r.scopeContext(h.desc.scope)
	if err != nil {
		return nil, err
	}
	return sc.FindOrCreate(h, ActivationRequest{Ctx: ctx, NonBlocking: nonBlocking})
}

// ActivationContextFor builds the ActivationContext a scope context hands
// to a StartFunc.
func (r *Registry) ActivationContextFor(ctx context.Context, nonBlocking bool) ActivationContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return &activationContext{reg: r, ctx: ctx, nonBlocking: nonBlocking}
}

