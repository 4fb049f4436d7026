package reporting

import (
	"levelctl/pkg/logging"
)

// ConsoleReporter renders events through the logging facade.
type ConsoleReporter struct{}

// NewConsoleReporter returns a reporter that logs every event.
func NewConsoleReporter() *ConsoleReporter {
	return &ConsoleReporter{}
}

// Report implements Reporter.
func (r *ConsoleReporter) Report(ev Event) {
	switch ev.Kind {
	case EventProgressStarted:
		logging.Info("Progress", "transition starting from level %d", ev.Level)
	case EventProgress:
		logging.Info("Progress", "reached level %d", ev.Level)
	case EventCancelled:
		logging.Warn("Progress", "transition cancelled, settled at level %d", ev.Level)
	case EventError:
		if ev.Service != "" {
			logging.Error("Progress", ev.Err, "service %s failed at level %d", ev.Service, ev.Level)
		} else {
			logging.Error("Progress", ev.Err, "failure at level %d", ev.Level)
		}
	}
}
