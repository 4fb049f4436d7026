package reporting

import (
	"time"

	"levelctl/internal/runlevel"
)

// Bridge adapts a Reporter to the run-level listener interfaces so it can
// be registered directly on an orchestrator.
type Bridge struct {
	reporter Reporter
}

// NewBridge wraps a reporter.
func NewBridge(r Reporter) *Bridge {
	return &Bridge{reporter: r}
}

// OnProgressStarting implements runlevel.ProgressStartedListener.
func (b *Bridge) OnProgressStarting(_ *runlevel.Job, level int) {
	b.reporter.Report(Event{Kind: EventProgressStarted, Level: level, Timestamp: time.Now()})
}

// OnProgress implements runlevel.Listener.
func (b *Bridge) OnProgress(_ *runlevel.Job, level int) {
	b.reporter.Report(Event{Kind: EventProgress, Level: level, Timestamp: time.Now()})
}

// OnCancelled implements runlevel.Listener.
func (b *Bridge) OnCancelled(_ *runlevel.Job, level int) {
	b.reporter.Report(Event{Kind: EventCancelled, Level: level, Timestamp: time.Now()})
}

// OnError implements runlevel.Listener. The event is informational; the
// bridge never changes the error action.
func (b *Bridge) OnError(job *runlevel.Job, info *runlevel.ErrorInfo) {
	ev := Event{
		Kind:      EventError,
		Level:     job.ProposedLevel(),
		Err:       info.Err(),
		Timestamp: time.Now(),
	}
	if d := info.Descriptor(); d != nil {
		ev.Service = d.Name()
		if lvl, ok := d.RunLevel(); ok {
			ev.Level = lvl
		}
	}
	b.reporter.Report(ev)
}
