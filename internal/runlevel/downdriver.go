package runlevel

import (
	"sync"
	"time"

	"levelctl/internal/registry"
	"levelctl/internal/sched"
	"levelctl/pkg/logging"
)

// downQueue is the per-level destruction queue. The destruction worker and
// the driver hand off through the condition variable; the hard-cancel
// watchdog trips hardCancelled when the queue stops shrinking.
type downQueue struct {
	mu            sync.Mutex
	cond          *sync.Cond
	items         []*registry.Descriptor
	pending       []destroyError
	hardCancelled bool
}

// destroyError is one destruction failure awaiting listener dispatch.
type destroyError struct {
	err  error
	desc *registry.Descriptor
}

func newDownQueue(items []*registry.Descriptor) *downQueue {
	q := &downQueue{items: items}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// downDriver walks the job downward one level at a time, destroying each
// level's services strictly serially in reverse activation order.
//
// A downDriver with a nil job is a cleanup descent synthesized by a failed
// or cancelled ascent: it suppresses listener callbacks and leaves the
// single-job gate to its originator.
type downDriver struct {
	eng *engine
	job *Job

	mu              sync.Mutex
	goingTo         int
	workingOn       int
	cancelled       bool
	done            bool
	repurposed      bool
	q               *downQueue
	hardCancelTimer *sched.Task

	finished   chan struct{}
	finishOnce sync.Once
}

func newDownDriver(eng *engine, job *Job, goingTo, current int) *downDriver {
	return &downDriver{
		eng:       eng,
		job:       job,
		goingTo:   goingTo,
		workingOn: current,
		finished:  make(chan struct{}),
	}
}

// newCleanupDown builds a futureless descent. It pretends to have gotten
// one level higher than achieved so that the partially started level is
// torn down too.
func newCleanupDown(eng *engine, goingTo int) *downDriver {
	return &downDriver{
		eng:       eng,
		goingTo:   goingTo,
		workingOn: eng.ctx.CurrentLevel() + 1,
		finished:  make(chan struct{}),
	}
}

func (d *downDriver) markFinished() {
	d.finishOnce.Do(func() { close(d.finished) })
}

func (d *downDriver) start() {
	if d.eng.useThreads {
		d.eng.dispatcher.Execute(d.run)
		return
	}
	d.run()
}

func (d *downDriver) setGoingTo(goingTo int, repurposed bool) {
	d.mu.Lock()
	d.goingTo = goingTo
	if repurposed {
		d.repurposed = true
	}
	d.mu.Unlock()
}

func (d *downDriver) cancelLocked() {
	d.mu.Lock()
	if d.cancelled {
		d.mu.Unlock()
		return
	}
	d.cancelled = true
	if d.done {
		d.mu.Unlock()
		return
	}
	q := d.q
	d.mu.Unlock()

	if q == nil {
		return
	}

	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	lastSize := len(q.items)
	q.mu.Unlock()

	// Fixed-delay watchdog: when two consecutive ticks observe the same
	// non-empty queue, the destruction worker is stuck and gets cut loose.
	task := d.eng.timer.ScheduleRepeating(d.eng.cancelTimeout, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		size := len(q.items)
		if size == 0 {
			return
		}
		if size == lastSize {
			q.hardCancelled = true
			d.eng.metrics.hardCancel("down")
			logging.Warn("RunLevel", "destruction queue stuck at %d item(s), hard-cancelling worker", size)
			q.cond.Signal()
		} else {
			lastSize = size
		}
	})

	d.mu.Lock()
	d.hardCancelTimer = task
	d.mu.Unlock()
}

func (d *downDriver) run() {
	for {
		d.mu.Lock()
		if d.workingOn <= d.goingTo {
			d.mu.Unlock()
			break
		}
		workingOn := d.workingOn
		localCancelled := d.cancelled
		d.mu.Unlock()

		hasFuture := d.job != nil

		if localCancelled {
			if hasFuture {
				d.job.invokeOnCancelled(workingOn)
			}
			d.eng.ctx.JobDone()
			d.mu.Lock()
			d.done = true
			d.mu.Unlock()
			if hasFuture {
				d.job.markDone()
			}
			d.markFinished()
			return
		}

		proceedingTo := workingOn - 1

		// The current level is defined as the level whose services are all
		// guaranteed started; the moment the first of them is about to be
		// destroyed, the system is officially one level lower.
		d.eng.ctx.SetCurrentLevel(proceedingTo)

		q := newDownQueue(d.eng.ctx.OrderedServicesAtLevel(workingOn))
		d.mu.Lock()
		d.q = q
		d.mu.Unlock()

		var errInfo *ErrorInfo

		q.mu.Lock()
		for {
			runner := &downQueueRunner{eng: d.eng, q: q}
			if d.eng.useThreads {
				d.eng.dispatcher.Execute(runner.run)
			} else {
				q.mu.Unlock()
				runner.run()
				q.mu.Lock()
			}

			for {
				for len(q.items) > 0 && len(q.pending) == 0 && !q.hardCancelled {
					q.cond.Wait()
				}

				if q.hardCancelled {
					runner.caput = true
				}

				for len(q.pending) > 0 {
					de := q.pending[0]
					q.pending = q.pending[1:]
					if !hasFuture {
						continue
					}
					q.mu.Unlock()
					errInfo = d.job.invokeOnError(de.err, ActionIgnore, de.desc)
					q.mu.Lock()
				}

				if len(q.items) == 0 || q.hardCancelled {
					q.hardCancelled = false
					break
				}
			}

			if len(q.items) == 0 {
				break
			}
		}
		q.mu.Unlock()

		d.mu.Lock()
		d.q = nil
		if d.hardCancelTimer != nil {
			d.hardCancelTimer.Cancel()
			d.hardCancelTimer = nil
		}
		d.mu.Unlock()

		if errInfo != nil && errInfo.Action() == ActionGoToNextLowerLevelAndStop {
			// Clamp the descent floor to the level just processed.
			d.mu.Lock()
			d.goingTo = workingOn
			d.mu.Unlock()
		}

		d.mu.Lock()
		d.workingOn--
		d.mu.Unlock()

		if hasFuture {
			d.job.invokeOnProgress(proceedingTo)
		}
	}

	if d.job == nil {
		// Cleanup descents neither notify nor release the gate; the
		// originating ascent does both.
		d.markFinished()
		return
	}

	d.mu.Lock()
	rep := d.repurposed
	if !rep {
		d.done = true
	}
	d.mu.Unlock()

	if !rep {
		d.eng.ctx.JobDone()
		d.job.markDone()
	}
	d.markFinished()
}

func (d *downDriver) waitForResult(timeout time.Duration) (bool, bool, error) {
	if timeout <= 0 {
		<-d.finished
	} else {
		select {
		case <-d.finished:
		case <-time.After(timeout):
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.repurposed {
		return false, true, nil
	}
	return d.done, false, nil
}

// downQueueRunner destroys queued services one at a time. caput is set by
// the driver when the watchdog fires; the runner then abandons the queue
// and a fresh runner takes over the remainder.
type downQueueRunner struct {
	eng   *engine
	q     *downQueue
	caput bool // guarded by q.mu
}

func (r *downQueueRunner) run() {
	q := r.q
	for {
		q.mu.Lock()
		if r.caput {
			q.mu.Unlock()
			return
		}
		if len(q.items) == 0 {
			q.cond.Signal()
			q.mu.Unlock()
			return
		}
		desc := q.items[0]
		q.mu.Unlock()

		err := r.eng.ctx.DestroyOne(desc)

		q.mu.Lock()
		if err != nil {
			q.pending = append(q.pending, destroyError{err: err, desc: desc})
			q.cond.Signal()
		}
		for i, it := range q.items {
			if it == desc {
				q.items = append(q.items[:i], q.items[i+1:]...)
				break
			}
		}
		q.mu.Unlock()
	}
}
