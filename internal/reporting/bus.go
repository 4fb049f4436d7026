package reporting

import (
	"sync"

	"levelctl/pkg/logging"
)

// Bus fans events out to subscriber channels. Delivery is best-effort: a
// subscriber that stops draining its channel loses events rather than
// stalling the engine.
type Bus struct {
	mu          sync.Mutex
	subscribers []chan Event
	closed      bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel receiving all future events.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Report implements Reporter by broadcasting to every subscriber.
func (b *Bus) Report(ev Event) {
	b.mu.Lock()
	subs := make([]chan Event, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			logging.Warn("Reporting", "dropped %s event (subscriber channel full)", ev.Kind)
		}
	}
}

// Close closes all subscriber channels. Report after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
