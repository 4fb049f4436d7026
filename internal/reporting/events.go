// Package reporting carries run-level progress out of the engine and into
// human- or machine-facing surfaces. The CLI installs the listener bridge
// so every progress, cancellation, and error event reaches a Reporter.
package reporting

import (
	"time"
)

// EventKind classifies a run-level event.
type EventKind string

const (
	EventProgressStarted EventKind = "ProgressStarted"
	EventProgress        EventKind = "Progress"
	EventCancelled       EventKind = "Cancelled"
	EventError           EventKind = "Error"
)

// Event is one observation of the run-level engine.
type Event struct {
	Kind      EventKind
	Level     int
	Service   string // set for EventError when the failure is attributable
	Err       error  // set for EventError
	Timestamp time.Time
}

// Reporter consumes events.
type Reporter interface {
	Report(Event)
}
