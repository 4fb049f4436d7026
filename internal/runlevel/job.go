package runlevel

import (
	"fmt"
	"sync"
	"time"

	"levelctl/internal/registry"
)

// driver is the direction-specific half of a job. The concrete type (up or
// down) is the job's direction; swapping the driver is how a repurpose
// flips direction.
type driver interface {
	// start kicks the driver off (on the dispatcher when threaded, on the
	// calling goroutine otherwise).
	start()

	// cancelLocked stops the driver. The context and job mutexes are held
	// by the caller.
	cancelLocked()

	// setGoingTo retargets the driver; with repurposed set the driver
	// winds down at the level it has already reached and reports the
	// repurpose to waiters instead of completing.
	setGoingTo(goingTo int, repurposed bool)

	// waitForResult blocks until the driver finishes, is repurposed, or
	// the timeout elapses (timeout <= 0 waits forever).
	waitForResult(timeout time.Duration) (finished bool, repurposed bool, err error)
}

// Job represents one in-flight run-level transition. Jobs are created by
// Submit; at most one job is live per Context.
type Job struct {
	eng *engine

	mu       sync.Mutex
	proposed int
	driver   driver
	done     bool
	cancelled bool
	inCallback bool

	// errMu serializes OnError dispatch, which can originate from
	// several workers at once. Progress and cancellation callbacks are
	// already single-threaded by construction.
	errMu sync.Mutex

	// Listener, progress-started and sorter sets are snapshotted at job
	// construction and held for the job's lifetime.
	listeners       []Listener
	progressStarted []ProgressStartedListener
	sorters         []Sorter
}

func newJob(eng *engine, proposed, current int,
	listeners []Listener, progressStarted []ProgressStartedListener, sorters []Sorter) *Job {
	j := &Job{
		eng:             eng,
		proposed:        proposed,
		listeners:       listeners,
		progressStarted: progressStarted,
		sorters:         sorters,
	}

	switch {
	case current == proposed:
		j.done = true
	case current < proposed:
		j.driver = newUpDriver(eng, j, proposed, current)
	default:
		j.driver = newDownDriver(eng, j, proposed, current)
	}
	return j
}

// ProposedLevel returns the job's current target level.
func (j *Job) ProposedLevel() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.proposed
}

// IsUp reports whether the job is currently ascending.
func (j *Job) IsUp() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, up := j.driver.(*upDriver)
	return up
}

// IsDown reports whether the job is currently descending.
func (j *Job) IsDown() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, down := j.driver.(*downDriver)
	return down
}

// IsDone reports whether the job has reached a terminal state.
func (j *Job) IsDone() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.done
}

// IsCancelled reports whether the job was cancelled.
func (j *Job) IsCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

func (j *Job) markDone() {
	j.mu.Lock()
	j.done = true
	j.mu.Unlock()
}

// Cancel requests that the job stop. It is idempotent and returns false
// when the job is already done or cancelled. Completion may lag the
// return of Cancel by up to the configured cancel timeout plus the time to
// tear down one stuck service.
func (j *Job) Cancel() bool {
	c := j.eng.ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.done || j.cancelled {
		return false
	}
	j.cancelled = true
	if j.driver != nil {
		j.driver.cancelLocked()
	}
	return true
}

// Wait blocks until the job completes. A timeout <= 0 waits forever.
//
// Wait returns nil on normal completion (including cancellation),
// ErrTimedOut when the timeout elapses first, ErrRepurposed when the job
// reversed direction underneath the waiter (re-query direction and wait
// again), or the aggregated activation failure when the job failed.
func (j *Job) Wait(timeout time.Duration) error {
	j.mu.Lock()
	d := j.driver
	j.mu.Unlock()

	if d == nil {
		// The job was a no-op: constructed already at the proposed level.
		return nil
	}

	finished, repurposed, err := d.waitForResult(timeout)
	switch {
	case repurposed:
		return ErrRepurposed
	case err != nil:
		j.markDone()
		return err
	case !finished:
		return ErrTimedOut
	}
	j.markDone()
	return nil
}

// ChangeProposedLevel re-targets the job. It may only be called from
// inside a progress or progress-started callback of this job; anywhere
// else it fails with ErrIllegalState. When the new target is on the other
// side of the current level the job is repurposed: the active driver winds
// down, waiters observe ErrRepurposed, and a fresh driver of the opposite
// direction takes over.
func (j *Job) ChangeProposedLevel(proposed int) (int, error) {
	c := j.eng.ctx
	var old int
	var fresh driver

	c.mu.Lock()
	j.mu.Lock()

	switch {
	case j.done:
		j.mu.Unlock()
		c.mu.Unlock()
		return 0, fmt.Errorf("%w: job is already complete", ErrIllegalState)
	case !j.inCallback:
		j.mu.Unlock()
		c.mu.Unlock()
		return 0, fmt.Errorf("%w: ChangeProposedLevel must be called from a listener callback", ErrIllegalState)
	}

	old = j.proposed
	current := c.currentLevel
	j.proposed = proposed

	switch d := j.driver.(type) {
	case *upDriver:
		if current <= proposed {
			d.setGoingTo(proposed, false)
		} else {
			d.setGoingTo(current, true)
			fresh = newDownDriver(j.eng, j, proposed, current)
			j.driver = fresh
		}
	case *downDriver:
		if current >= proposed {
			d.setGoingTo(proposed, false)
		} else {
			d.setGoingTo(current, true)
			fresh = newUpDriver(j.eng, j, proposed, current)
			j.driver = fresh
		}
	default:
		j.mu.Unlock()
		c.mu.Unlock()
		return 0, fmt.Errorf("%w: job has no active driver", ErrIllegalState)
	}

	j.mu.Unlock()
	c.mu.Unlock()

	if fresh != nil {
		fresh.start()
	}
	return old, nil
}

func (j *Job) setInCallback(v bool) {
	j.mu.Lock()
	j.inCallback = v
	j.mu.Unlock()
}

// invokeOnProgress dispatches OnProgress to every listener. Runs on the
// driver goroutine, outside all state locks.
func (j *Job) invokeOnProgress(level int) {
	j.setInCallback(true)
	defer j.setInCallback(false)
	for _, l := range j.listeners {
		l := l
		guard("progress", func() { l.OnProgress(j, level) })
	}
}

// invokeOnProgressStarting dispatches to the progress-started listeners.
func (j *Job) invokeOnProgressStarting(level int) {
	j.setInCallback(true)
	defer j.setInCallback(false)
	for _, l := range j.progressStarted {
		l := l
		guard("progress-started", func() { l.OnProgressStarting(j, level) })
	}
}

// invokeOnCancelled dispatches OnCancelled to every listener.
func (j *Job) invokeOnCancelled(level int) {
	for _, l := range j.listeners {
		l := l
		guard("cancelled", func() { l.OnCancelled(j, level) })
	}
}

// invokeOnError builds the ErrorInfo for a failure, dispatches it, and
// returns it so the caller can act on the effective action. Serialized
// across workers by errMu.
func (j *Job) invokeOnError(err error, action ErrorAction, desc *registry.Descriptor) *ErrorInfo {
	info := newErrorInfo(err, action, desc)
	j.errMu.Lock()
	defer j.errMu.Unlock()
	for _, l := range j.listeners {
		l := l
		guard("error", func() { l.OnError(j, info) })
	}
	return info
}
