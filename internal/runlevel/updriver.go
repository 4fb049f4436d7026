package runlevel

import (
	"sync"
	"time"

	"levelctl/internal/registry"
	"levelctl/internal/sched"
	"levelctl/pkg/logging"
)

// upDriver walks the job upward one level at a time. Each level is handed
// to an upLevel worker pool; the driver advances when the pool reports the
// level complete.
type upDriver struct {
	eng *engine
	job *Job

	mu         sync.Mutex
	goingTo    int
	workingOn  int
	current    *upLevel
	cancelled  bool
	done       bool
	repurposed bool
	failure    *registry.MultiError

	finished   chan struct{}
	finishOnce sync.Once
}

func newUpDriver(eng *engine, job *Job, goingTo, current int) *upDriver {
	return &upDriver{
		eng:       eng,
		job:       job,
		goingTo:   goingTo,
		workingOn: current,
		finished:  make(chan struct{}),
	}
}

func (d *upDriver) markFinished() {
	d.finishOnce.Do(func() { close(d.finished) })
}

func (d *upDriver) start() {
	if d.eng.useThreads {
		d.advance()
		return
	}
	d.runInline()
}

// advance moves to the next level in threaded mode; the pool re-enters the
// driver through levelComplete when the level is done.
func (d *upDriver) advance() {
	d.mu.Lock()
	d.workingOn++
	if d.workingOn > d.goingTo {
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
		return
	}
	level := d.workingOn
	ul := newUpLevel(d, level)
	d.current = ul
	d.mu.Unlock()

	d.eng.dispatcher.Execute(ul.run)
}

// runInline drives the whole ascent on the calling goroutine.
func (d *upDriver) runInline() {
	for {
		d.mu.Lock()
		if d.done {
			d.mu.Unlock()
			return
		}
		d.workingOn++
		if d.workingOn > d.goingTo {
			d.mu.Unlock()
			break
		}
		level := d.workingOn
		ul := newUpLevel(d, level)
		d.current = ul
		d.mu.Unlock()

		ul.run()
	}

	d.mu.Lock()
	if d.done {
		d.mu.Unlock()
		return
	}
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

func (d *upDriver) setGoingTo(goingTo int, repurposed bool) {
	d.mu.Lock()
	d.goingTo = goingTo
	if repurposed {
		d.repurposed = true
	}
	d.mu.Unlock()
}

func (d *upDriver) cancelLocked() {
	d.mu.Lock()
	if d.cancelled {
		d.mu.Unlock()
		return
	}
	d.cancelled = true
	d.eng.ctx.levelCancelledLocked()
	ul := d.current
	d.mu.Unlock()

	if ul != nil {
		ul.cancel()
	}
}

// levelComplete is the pool's completion callback for one level.
func (d *upDriver) levelComplete(ul *upLevel, accumulated *registry.MultiError) {
	d.mu.Lock()
	if d.done {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	d.eng.ctx.ClearErrors()

	if accumulated != nil && !accumulated.Empty() {
		// Roll back to the last fully achieved level, then finish the job
		// with the accumulated failure. The achieved level is the one
		// below the level that failed.
		down := newCleanupDown(d.eng, ul.level-1)
		down.run()

		d.mu.Lock()
		d.done = true
		d.failure = accumulated
		d.mu.Unlock()

		d.eng.ctx.JobDone()
		d.job.markDone()
		d.markFinished()
		return
	}

	d.mu.Lock()
	wasCancelled := d.cancelled
	d.mu.Unlock()

	if wasCancelled {
		down := newCleanupDown(d.eng, ul.level-1)
		down.run()

		d.job.invokeOnCancelled(ul.level - 1)

		d.mu.Lock()
		d.done = true
		d.mu.Unlock()

		d.eng.ctx.JobDone()
		d.job.markDone()
		d.markFinished()
		return
	}

	d.eng.ctx.SetCurrentLevel(ul.level)
	d.job.invokeOnProgress(ul.level)

	if d.eng.useThreads {
		d.advance()
	}
}

func (d *upDriver) waitForResult(timeout time.Duration) (bool, bool, error) {
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
	if d.done {
		if d.failure != nil && !d.failure.Empty() {
			return true, false, d.failure
		}
		return true, false, nil
	}
	return false, false, nil
}

// upLevel starts every service of one level on a bounded worker pool.
type upLevel struct {
	d     *upDriver
	level int

	// mu guards completion accounting, the accumulated failure, and the
	// cancellation state.
	mu            sync.Mutex
	numJobs       int
	completed     int
	accumulated   *registry.MultiError
	cancelled     bool
	hardCancelled bool
	hardCanceller *sched.Task

	// queueMu guards the work queue and the running-worker accounting.
	queueMu     sync.Mutex
	queue       []*registry.Handle
	running     int
	outstanding map[*registry.Descriptor]*registry.Handle
}

func newUpLevel(d *upDriver, level int) *upLevel {
	return &upLevel{
		d:           d,
		level:       level,
		outstanding: make(map[*registry.Descriptor]*registry.Handle),
	}
}

func (ul *upLevel) run() {
	eng := ul.d.eng

	handles := eng.reg.HandlesAtLevel(ul.level)
	handles = ul.applySorters(handles)

	n := len(handles)
	ul.mu.Lock()
	ul.numJobs = n
	ul.mu.Unlock()

	if n == 0 {
		ul.d.levelComplete(ul, nil)
		return
	}

	logging.Debug("RunLevel", "starting %d service(s) at level %d", n, ul.level)

	ul.queueMu.Lock()
	ul.queue = handles
	ul.queueMu.Unlock()

	runners := n
	if eng.maxThreads < runners {
		runners = eng.maxThreads
	}
	runners--
	if !eng.useThreads {
		runners = 0
	}

	for i := 0; i < runners; i++ {
		r := newQueueRunner(ul)
		eng.dispatcher.Execute(r.run)
	}

	// The calling goroutine is the final worker.
	newQueueRunner(ul).run()
}

func (ul *upLevel) applySorters(handles []*registry.Handle) []*registry.Handle {
	out := handles
	for _, s := range ul.d.job.sorters {
		if sorted := guardSort(s, out); sorted != nil {
			out = sorted
		}
	}
	return out
}

// cancel arms the hard-cancel timer; when it fires, every activation still
// outstanding is forcibly aborted.
func (ul *upLevel) cancel() {
	ul.mu.Lock()
	defer ul.mu.Unlock()
	if ul.cancelled {
		return
	}
	ul.cancelled = true
	if ul.numJobs > 0 && ul.completed >= ul.numJobs {
		// The level already completed; nothing left to hard-cancel.
		return
	}
	ul.hardCanceller = ul.d.eng.timer.Schedule(ul.d.eng.cancelTimeout, ul.hardCancel)
}

func (ul *upLevel) hardCancel() {
	c := ul.d.eng.ctx

	c.mu.Lock()
	ul.mu.Lock()
	ul.hardCancelled = true
	ul.mu.Unlock()

	ul.queueMu.Lock()
	poison := make([]*registry.Handle, 0, len(ul.outstanding))
	for _, h := range ul.outstanding {
		poison = append(poison, h)
	}
	ul.outstanding = make(map[*registry.Descriptor]*registry.Handle)
	ul.queueMu.Unlock()

	for _, h := range poison {
		c.hardCancelOneLocked(h.Descriptor())
	}
	c.mu.Unlock()

	ul.d.levelComplete(ul, nil)
}

// jobRunning and jobFinished are called with queueMu held.
func (ul *upLevel) jobRunning(h *registry.Handle) {
	ul.running++
	ul.outstanding[h.Descriptor()] = h
}

func (ul *upLevel) jobFinished(h *registry.Handle) {
	delete(ul.outstanding, h.Descriptor())
	ul.running--
}

// fail reports one activation failure through the listeners and
// accumulates it unless the effective action is to ignore.
func (ul *upLevel) fail(err error, desc *registry.Descriptor) {
	ul.mu.Lock()
	if ul.hardCancelled {
		ul.mu.Unlock()
		return
	}
	ul.mu.Unlock()

	info := ul.d.job.invokeOnError(err, ActionGoToNextLowerLevelAndStop, desc)
	if info.Action() == ActionIgnore {
		return
	}

	ul.d.eng.ctx.RecordError(desc, err)

	ul.mu.Lock()
	defer ul.mu.Unlock()
	if ul.hardCancelled {
		return
	}
	if ul.accumulated == nil {
		ul.accumulated = registry.NewMultiError()
	}
	ul.accumulated.Add(err)
}

func (ul *upLevel) jobComplete() {
	var acc *registry.MultiError
	complete := false

	ul.mu.Lock()
	if ul.hardCancelled {
		ul.mu.Unlock()
		return
	}
	ul.completed++
	if ul.completed >= ul.numJobs {
		complete = true
		acc = ul.accumulated
		if ul.hardCanceller != nil {
			ul.hardCanceller.Cancel()
			ul.hardCanceller = nil
		}
	}
	ul.mu.Unlock()

	if complete {
		ul.d.levelComplete(ul, acc)
	}
}

// queueRunner is one worker draining the level's queue. Each worker keeps
// its own set of services it has already had to defer, so a deferred
// service rotates to the back of the queue and other work is tried first.
type queueRunner struct {
	ul               *upLevel
	wouldHaveBlocked *registry.Handle
	alreadyTried     map[*registry.Descriptor]struct{}
}

func newQueueRunner(ul *upLevel) *queueRunner {
	return &queueRunner{ul: ul, alreadyTried: make(map[*registry.Descriptor]struct{})}
}

func (r *queueRunner) run() {
	ul := r.ul
	eng := ul.d.eng
	var runningHandle *registry.Handle

	for {
		var job *registry.Handle
		var block bool

		ul.queueMu.Lock()
		if runningHandle != nil {
			ul.jobFinished(runningHandle)
			runningHandle = nil
		}

		if r.wouldHaveBlocked != nil {
			r.alreadyTried[r.wouldHaveBlocked.Descriptor()] = struct{}{}
			ul.queue = append(ul.queue, r.wouldHaveBlocked)
			r.wouldHaveBlocked = nil
		}

		if len(ul.queue) == 0 {
			ul.queueMu.Unlock()
			return
		}

		if eng.maxThreads <= 0 {
			block = true
		} else {
			idle := eng.maxThreads - ul.running
			block = len(ul.queue) <= idle
		}

		if block {
			job = ul.queue[0]
			ul.queue = ul.queue[1:]
		} else {
			idx := -1
			for i, h := range ul.queue {
				if _, tried := r.alreadyTried[h.Descriptor()]; !tried {
					idx = i
					break
				}
			}
			if idx >= 0 {
				job = ul.queue[idx]
				ul.queue = append(ul.queue[:idx], ul.queue[idx+1:]...)
			} else {
				// Everything left is something this worker already
				// deferred; commit to the head and block on it.
				job = ul.queue[0]
				ul.queue = ul.queue[1:]
				block = true
			}
		}

		ul.jobRunning(job)
		runningHandle = job
		ul.queueMu.Unlock()

		r.oneJob(job, block)
	}
}

// oneJob activates a single service. In non-blocking mode the activation
// is preceded by an advisory would-block check; a blocked service is
// parked (not completed) and retried after rotation.
func (r *queueRunner) oneJob(h *registry.Handle, block bool) {
	ul := r.ul

	h.SetServiceData(!block)
	completed := true

	ul.mu.Lock()
	ok := !ul.cancelled && ul.accumulated == nil
	ul.mu.Unlock()

	if !block && r.wouldBlockRightNow(make(map[*registry.Descriptor]bool), h.Descriptor()) {
		r.wouldHaveBlocked = h
		completed = false
		ok = false
	}

	if ok {
		_, err := h.Service()
		if err != nil {
			switch {
			case !block && registry.IsWouldBlock(err):
				r.wouldHaveBlocked = h
				completed = false
			case registry.IsWasCancelled(err):
				// A hard-cancelled activation completes without error;
				// cancellation is reported through OnCancelled, not
				// OnError.
			default:
				ul.fail(err, h.Descriptor())
			}
		}
	}

	h.SetServiceData(nil)
	if completed {
		ul.jobComplete()
	}
}

// wouldBlockRightNow walks the descriptor and the run-level-scoped part of
// its transitive dependency closure, pruning cycles, and reports whether
// any of them is currently being activated by another worker. Advisory
// only: false negatives are caught by the activation itself reporting a
// would-block, false positives just defer the service.
func (r *queueRunner) wouldBlockRightNow(visited map[*registry.Descriptor]bool, d *registry.Descriptor) bool {
	if d == nil || visited[d] {
		return false
	}
	visited[d] = true

	eng := r.ul.d.eng
	if eng.ctx.WouldBlockRightNow(d) {
		return true
	}

	for _, dep := range eng.reg.InjecteeDescriptors(d) {
		if _, leveled := dep.RunLevel(); !leveled {
			continue
		}
		if r.wouldBlockRightNow(visited, dep) {
			return true
		}
	}
	return false
}
