package registry

import (
	"context"
	"fmt"
	"sync"
)

// ActivationRequest carries the per-call activation parameters into a
// scope context.
type ActivationRequest struct {
	Ctx         context.Context
	NonBlocking bool
}

// ScopeContext manages the instances of every descriptor in its scope.
type ScopeContext interface {
	// Scope names the scope this context manages.
	Scope() string

	// FindOrCreate returns the cached instance for the handle's
	// descriptor, creating it on first use.
	FindOrCreate(h *Handle, req ActivationRequest) (any, error)

	// ContainsKey reports whether an instance exists for the descriptor.
	ContainsKey(d *Descriptor) bool

	// DestroyOne tears down the descriptor's instance, if present.
	DestroyOne(d *Descriptor) error
}

type singletonEntry struct {
	instance any
	handle   *Handle
}

// singletonContext is the built-in context for ScopeSingleton. Creation is
// serialized per descriptor; there is no non-blocking mode for singletons.
type singletonContext struct {
	mu        sync.Mutex
	instances map[*Descriptor]singletonEntry
	creating  map[*Descriptor]chan struct{}
}

func newSingletonContext() *singletonContext {
	return &singletonContext{
		instances: make(map[*Descriptor]singletonEntry),
		creating:  make(map[*Descriptor]chan struct{}),
	}
}

func (s *singletonContext) Scope() string { return ScopeSingleton }

func (s *singletonContext) FindOrCreate(h *Handle, req ActivationRequest) (any, error) {
	d := h.Descriptor()
	for {
		s.mu.Lock()
		if entry, ok := s.instances[d]; ok {
			s.mu.Unlock()
			return entry.instance, nil
		}
		if ch, busy := s.creating[d]; busy {
			s.mu.Unlock()
			<-ch
			continue
		}
		ch := make(chan struct{})
		s.creating[d] = ch
		s.mu.Unlock()

		inst, err := h.Create(h.reg.ActivationContextFor(req.Ctx, false))

		s.mu.Lock()
		delete(s.creating, d)
		if err == nil {
			s.instances[d] = singletonEntry{instance: inst, handle: h}
		}
		close(ch)
		s.mu.Unlock()

		if err != nil {
			return nil, fmt.Errorf("creating singleton %s: %w", d.Name(), err)
		}
		return inst, nil
	}
}

func (s *singletonContext) ContainsKey(d *Descriptor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.instances[d]
	return ok
}

func (s *singletonContext) DestroyOne(d *Descriptor) error {
	s.mu.Lock()
	entry, ok := s.instances[d]
	delete(s.instances, d)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return entry.handle.Dispose(entry.instance)
}
