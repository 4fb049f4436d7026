package registry

import (
	"context"
	"sync"
)

// Handle binds a descriptor to its lazily created instance slot. There is
// exactly one canonical handle per descriptor, so per-handle service data
// is visible to every holder.
type Handle struct {
	reg  *Registry
	desc *Descriptor
	spec ServiceSpec

	dataMu sync.Mutex
	data   any
}

// Descriptor returns the handle's descriptor.
func (h *Handle) Descriptor() *Descriptor { return h.desc }

// SetServiceData attaches per-call scratch data to the handle. The
// run-level engine stores the non-blocking hint here immediately before
// activation and clears it afterwards.
func (h *Handle) SetServiceData(v any) {
	h.dataMu.Lock()
	h.data = v
	h.dataMu.Unlock()
}

// ServiceData returns the current scratch data.
func (h *Handle) ServiceData() any {
	h.dataMu.Lock()
	defer h.dataMu.Unlock()
	return h.data
}

// Service activates the service (or returns the cached instance). The
// blocking mode is taken from the scratch data: a value of true means the
// activation must not wait on another worker's in-progress activation and
// reports ErrWouldBlock instead.
func (h *Handle) Service() (any, error) {
	nonBlocking, _ := h.ServiceData().(bool)
	return h.reg.activate(h, nonBlocking, context.Background())
}

// Destroy tears the instance down through the owning scope context. It is
// a no-op when no instance exists.
func (h *Handle) Destroy() error {
	sc, err := h.reg.scopeContext(h.desc.scope)
	if err != nil {
		return err
	}
	return sc.DestroyOne(h.desc)
}

// Create invokes the registered start function. Only scope contexts call
// this; everyone else goes through Service.
func (h *Handle) Create(actx ActivationContext) (any, error) {
	return h.spec.Start(actx)
}

// Dispose invokes the registered stop function, if any.
func (h *Handle) Dispose(instance any) error {
	if h.spec.Stop == nil {
		return nil
	}
	return h.spec.Stop(instance)
}
