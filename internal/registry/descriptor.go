package registry

import (
	"context"

	"github.com/google/uuid"
)

// Scope names understood by the registry. Additional scopes can be bound
// with BindScopeContext.
const (
	ScopeSingleton = "Singleton"
	ScopeRunLevel  = "RunLevel"
)

// StartFunc produces a service instance. It receives an ActivationContext
// through which dependencies are resolved; resolution inherits the
// caller's blocking mode, so a non-blocking activation propagates
// ErrWouldBlock out of nested lookups.
type StartFunc func(actx ActivationContext) (any, error)

// StopFunc tears a service instance down.
type StopFunc func(instance any) error

// ServiceSpec is the registration input for one service.
type ServiceSpec struct {
	Name      string
	Scope     string // defaults to ScopeRunLevel when Level participation is wanted
	Level     int    // meaningful only for ScopeRunLevel
	DependsOn []string
	Start     StartFunc
	Stop      StopFunc
}

// Descriptor is the identity token for a registered service. Descriptors
// are compared by pointer identity; the uuid exists for logging.
type Descriptor struct {
	id        uuid.UUID
	name      string
	scope     string
	level     int
	dependsOn []string
}

// ID returns the descriptor's unique id.
func (d *Descriptor) ID() uuid.UUID { return d.id }

// Name returns the registered service name.
func (d *Descriptor) Name() string { return d.name }

// Scope returns the scope tag.
func (d *Descriptor) Scope() string { return d.scope }

// RunLevel returns the declared level and whether the service participates
// in levelling (that is, whether it lives in the run-level scope).
func (d *Descriptor) RunLevel() (int, bool) {
	return d.level, d.scope == ScopeRunLevel
}

// ActivationContext is handed to StartFuncs and carries everything an
// activation may need: a context cancelled on hard cancel, and dependency
// resolution that preserves the activation's blocking mode.
type ActivationContext interface {
	// Context is cancelled when the activation is hard-cancelled. Start
	// functions performing slow work should honor it.
	Context() context.Context

	// Resolve activates (or fetches) the named service and returns its
	// instance.
	Resolve(name string) (any, error)
}

type activationContext struct {
	reg         *Registry
	ctx         context.Context
	nonBlocking bool
}

func (a *activationContext) Context() context.Context { return a.ctx }

func (a *activationContext) Resolve(name string) (any, error) {
	h, err := a.reg.HandleByName(name)
	if err != nil {
		return nil, err
	}
	return a.reg.activate(h, a.nonBlocking, a.ctx)
}
