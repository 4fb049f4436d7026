package runlevel

import (
	"context"
	"fmt"
	"sync"

	"levelctl/internal/registry"
	"levelctl/pkg/logging"
)

// activationRecord tracks one in-flight activation. Waiters block on done;
// the creator fills instance/err before closing it.
type activationRecord struct {
	done          chan struct{}
	cancel        context.CancelFunc
	instance      any
	err           error
	hardCancelled bool
}

// Context is the process-wide orchestrator state. It doubles as the
// registry's scope context for run-level services, which is how it learns
// about every activation and destruction and can answer the would-block
// predicate.
//
// The context mutex is the outermost lock in the package: it is always
// acquired before any job or driver lock when both are needed.
type Context struct {
	mu      sync.Mutex
	reg     *registry.Registry
	metrics *metrics

	currentLevel int
	activeJob    *Job

	// wasCancelled poisons new activations once an in-flight ascent has
	// been cancelled.
	wasCancelled bool

	activating    map[*registry.Descriptor]*activationRecord
	instances     map[*registry.Descriptor]any
	creationOrder []*registry.Descriptor

	// recordedErrors holds the non-ignored failures seen since the last
	// level completed, so a failed service is not re-activated as a
	// dependency within the same level.
	recordedErrors map[*registry.Descriptor]error
}

func newContext(reg *registry.Registry, initialLevel int, m *metrics) *Context {
	return &Context{
		reg:            reg,
		metrics:        m,
		currentLevel:   initialLevel,
		activating:     make(map[*registry.Descriptor]*activationRecord),
		instances:      make(map[*registry.Descriptor]any),
		recordedErrors: make(map[*registry.Descriptor]error),
	}
}

// CurrentLevel returns the level the system is currently at.
func (c *Context) CurrentLevel() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLevel
}

// SetCurrentLevel records a newly achieved (or, during descent, about to
// be vacated) level. Only the active job's driver calls this.
func (c *Context) SetCurrentLevel(level int) {
	c.mu.Lock()
	c.currentLevel = level
	c.mu.Unlock()

	c.metrics.setCurrentLevel(level)
	logging.Debug("RunLevel", "current level is now %d", level)
}

// JobDone releases the single-job gate.
func (c *Context) JobDone() {
	c.mu.Lock()
	c.activeJob = nil
	c.mu.Unlock()
}

// WouldBlockRightNow reports whether some worker is currently inside the
// descriptor's activation.
func (c *Context) WouldBlockRightNow(d *registry.Descriptor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, busy := c.activating[d]
	return busy
}

// hardCancelOneLocked aborts the in-flight activation of d, if any. The
// context mutex must be held.
func (c *Context) hardCancelOneLocked(d *registry.Descriptor) {
	rec, busy := c.activating[d]
	if !busy || rec.hardCancelled {
		return
	}
	rec.hardCancelled = true
	rec.cancel()
	c.metrics.hardCancel("up")
	logging.Warn("RunLevel", "hard-cancelled activation of %s", d.Name())
}

// levelCancelledLocked marks the in-flight ascent as cancelled so that
// activations not yet started fail fast with a was-cancelled signal. The
// context mutex must be held.
func (c *Context) levelCancelledLocked() {
	c.wasCancelled = true
}

// RecordError remembers a non-ignored failure for the descriptor until the
// current level completes.
func (c *Context) RecordError(d *registry.Descriptor, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordedErrors[d] = err
}

// ClearErrors wipes the per-level failure record.
func (c *Context) ClearErrors() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearErrorsLocked()
}

func (c *Context) clearErrorsLocked() {
	c.recordedErrors = make(map[*registry.Descriptor]error)
}

// OrderedServicesAtLevel returns the active services declared at exactly
// the given level, most recently activated first. This is the destruction
// order for the level.
func (c *Context) OrderedServicesAtLevel(level int) []*registry.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*registry.Descriptor
	for i := len(c.creationOrder) - 1; i >= 0; i-- {
		d := c.creationOrder[i]
		if lvl, ok := d.RunLevel(); ok && lvl == level {
			out = append(out, d)
		}
	}
	return out
}

// Scope makes Context the registry's ScopeContext for run-level services.
func (c *Context) Scope() string { return registry.ScopeRunLevel }

// ContainsKey reports whether the descriptor has an active instance.
func (c *Context) ContainsKey(d *registry.Descriptor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.instances[d]
	return ok
}

// FindOrCreate returns the descriptor's instance, activating it on first
// use. When another worker is already activating the descriptor, the call
// either waits for that activation (blocking mode) or fails with the
// would-block signal (non-blocking mode).
func (c *Context) FindOrCreate(h *registry.Handle, req registry.ActivationRequest) (any, error) {
	d := h.Descriptor()
	for {
		c.mu.Lock()
		if inst, ok := c.instances[d]; ok {
			c.mu.Unlock()
			return inst, nil
		}
		if err, ok := c.recordedErrors[d]; ok {
			c.mu.Unlock()
			return nil, err
		}
		if c.wasCancelled {
			c.mu.Unlock()
			c.metrics.activation("cancelled")
			return nil, fmt.Errorf("activating %s: %w", d.Name(), registry.ErrWasCancelled)
		}

		if rec, busy := c.activating[d]; busy {
			if req.NonBlocking {
				c.mu.Unlock()
				c.metrics.activation("would_block")
				return nil, fmt.Errorf("activating %s: %w", d.Name(), registry.ErrWouldBlock)
			}
			c.mu.Unlock()
			<-rec.done
			if rec.err != nil {
				if registry.IsWouldBlock(rec.err) {
					// The creator deferred itself; retry, possibly
					// becoming the creator this time.
					continue
				}
				return nil, rec.err
			}
			// Instance is cached now; loop to pick it up.
			continue
		}

		// This worker becomes the creator.
		base := req.Ctx
		if base == nil {
			base = context.Background()
		}
		cctx, cancel := context.WithCancel(base)
		rec := &activationRecord{done: make(chan struct{}), cancel: cancel}
		c.activating[d] = rec
		c.mu.Unlock()

		inst, err := h.Create(c.reg.ActivationContextFor(cctx, req.NonBlocking))
		cancel()
		if err != nil {
			err = fmt.Errorf("activating %s: %w", d.Name(), err)
		}

		c.mu.Lock()
		if rec.hardCancelled {
			inst = nil
			err = fmt.Errorf("activating %s: %w", d.Name(), registry.ErrWasCancelled)
		}
		if err == nil {
			c.instances[d] = inst
			c.creationOrder = append(c.creationOrder, d)
		}
		rec.instance = inst
		rec.err = err
		delete(c.activating, d)
		close(rec.done)
		c.mu.Unlock()

		switch {
		case err == nil:
			c.metrics.activation("ok")
			logging.Debug("RunLevel", "activated %s", d.Name())
		case registry.IsWouldBlock(err):
			c.metrics.activation("would_block")
		case registry.IsWasCancelled(err):
			c.metrics.activation("cancelled")
		default:
			c.metrics.activation("error")
			logging.Error("RunLevel", err, "activation of %s failed", d.Name())
		}
		return inst, err
	}
}

// DestroyOne tears down the descriptor's instance, if present. The
// instance is unbound before its stop function runs, so a destruction that
// is later hard-cancelled cannot be destroyed twice.
func (c *Context) DestroyOne(d *registry.Descriptor) error {
	c.mu.Lock()
	inst, ok := c.instances[d]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.instances, d)
	for i, it := range c.creationOrder {
		if it == d {
			c.creationOrder = append(c.creationOrder[:i], c.creationOrder[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	h, err := c.reg.HandleByName(d.Name())
	if err != nil {
		return err
	}
	if err := h.Dispose(inst); err != nil {
		c.metrics.destruction("error")
		logging.Error("RunLevel", err, "destruction of %s failed", d.Name())
		return fmt.Errorf("destroying %s: %w", d.Name(), err)
	}
	c.metrics.destruction("ok")
	logging.Debug("RunLevel", "destroyed %s", d.Name())
	return nil
}
