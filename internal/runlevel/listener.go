package runlevel

import (
	"sync"

	"levelctl/internal/registry"
	"levelctl/pkg/logging"
)

// ErrorAction is a listener's verdict on a reported failure.
type ErrorAction int

const (
	// ActionIgnore continues the transition as if the failure had not
	// happened.
	ActionIgnore ErrorAction = iota

	// ActionGoToNextLowerLevelAndStop aborts: during an ascent the job
	// descends back one level and stops; during a descent the current
	// level becomes the floor.
	ActionGoToNextLowerLevelAndStop
)

// ErrorInfo describes one activation or destruction failure to the error
// listeners. Listeners may change the action; once any listener has asked
// to stop, the stop verdict sticks regardless of later ignores.
type ErrorInfo struct {
	mu       sync.Mutex
	action   ErrorAction
	stopSeen bool
	err      error
	desc     *registry.Descriptor
}

func newErrorInfo(err error, action ErrorAction, desc *registry.Descriptor) *ErrorInfo {
	return &ErrorInfo{action: action, err: err, desc: desc}
}

// Action returns the effective action.
func (e *ErrorInfo) Action() ErrorAction {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopSeen {
		return ActionGoToNextLowerLevelAndStop
	}
	return e.action
}

// SetAction records the listener's verdict.
func (e *ErrorInfo) SetAction(a ErrorAction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.action = a
	if a == ActionGoToNextLowerLevelAndStop {
		e.stopSeen = true
	}
}

// Err returns the underlying failure.
func (e *ErrorInfo) Err() error { return e.err }

// Descriptor identifies the service that failed, or nil when the failure
// could not be attributed.
func (e *ErrorInfo) Descriptor() *registry.Descriptor { return e.desc }

// Listener observes a job's progress. Callbacks run serialized with
// respect to one another. ChangeProposedLevel may be called from OnProgress
// (and from ProgressStartedListener.OnProgressStarting), not from
// OnCancelled or OnError.
type Listener interface {
	// OnProgress is invoked after every level the job achieves.
	OnProgress(job *Job, level int)

	// OnCancelled is invoked once after a cancelled job has finished
	// winding down, with the level the system settled at.
	OnCancelled(job *Job, level int)

	// OnError is invoked for every activation or destruction failure.
	OnError(job *Job, info *ErrorInfo)
}

// ProgressStartedListener observes the start of a transition. Invoked with
// the level the system is at before the job moves.
type ProgressStartedListener interface {
	OnProgressStarting(job *Job, level int)
}

// Sorter reorders the services of one level before they are scheduled.
// Returning nil means no change. Sorters chain in registration order.
type Sorter interface {
	Sort(handles []*registry.Handle) []*registry.Handle
}

// ListenerFuncs adapts plain functions to the Listener interface. Nil
// fields are skipped.
type ListenerFuncs struct {
	Progress  func(job *Job, level int)
	Cancelled func(job *Job, level int)
	Error     func(job *Job, info *ErrorInfo)
}

func (l ListenerFuncs) OnProgress(job *Job, level int) {
	if l.Progress != nil {
		l.Progress(job, level)
	}
}

func (l ListenerFuncs) OnCancelled(job *Job, level int) {
	if l.Cancelled != nil {
		l.Cancelled(job, level)
	}
}

func (l ListenerFuncs) OnError(job *Job, info *ErrorInfo) {
	if l.Error != nil {
		l.Error(job, info)
	}
}

// guard runs a listener callback and swallows panics; a misbehaving
// listener must not take the transition down with it.
func guard(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("RunLevel", "%s callback panicked: %v", what, r)
		}
	}()
	fn()
}

// guardSort runs one sorter; panics and nil results mean "no change".
func guardSort(s Sorter, handles []*registry.Handle) (out []*registry.Handle) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("RunLevel", "sorter panicked: %v", r)
			out = nil
		}
	}()
	return s.Sort(handles)
}
