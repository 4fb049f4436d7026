package runlevel

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"levelctl/internal/registry"
	"levelctl/internal/sched"
	"levelctl/pkg/logging"
)

// DefaultCancelTimeout bounds how long a cancel waits for in-flight work
// before hard-cancelling it.
const DefaultCancelTimeout = 5 * time.Second

// Config configures an Orchestrator.
type Config struct {
	// MaxThreads bounds the number of workers activating services of one
	// level in parallel. Zero or less selects single-thread cooperative
	// mode regardless of UseThreads.
	MaxThreads int

	// UseThreads runs drivers and workers on the dispatcher. When false
	// everything runs on the submitting goroutine.
	UseThreads bool

	// CancelTimeout is the hard-cancel deadline; zero selects
	// DefaultCancelTimeout.
	CancelTimeout time.Duration

	// InitialLevel is the level the system starts at.
	InitialLevel int

	// Metrics, when non-nil, receives the orchestrator's Prometheus
	// collectors.
	Metrics prometheus.Registerer
}

// engine bundles the collaborators every driver needs.
type engine struct {
	reg           *registry.Registry
	ctx           *Context
	dispatcher    sched.Dispatcher
	timer         *sched.Timer
	maxThreads    int
	useThreads    bool
	cancelTimeout time.Duration
	metrics       *metrics
}

// Orchestrator is the caller-facing surface: it owns the Context, accepts
// transition requests, and manages listener and sorter registration.
type Orchestrator struct {
	eng *engine

	mu              sync.RWMutex
	listeners       []Listener
	progressStarted []ProgressStartedListener
	sorters         []Sorter
}

// New creates an orchestrator over the given registry. The dispatcher and
// timer are borrowed, never shut down by the orchestrator. The
// orchestrator binds itself as the registry's run-level scope context.
func New(reg *registry.Registry, dispatcher sched.Dispatcher, timer *sched.Timer, cfg Config) *Orchestrator {
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = DefaultCancelTimeout
	}
	if timer == nil {
		timer = sched.NewTimer()
	}

	useThreads := cfg.UseThreads && cfg.MaxThreads > 0 && dispatcher != nil

	m := newMetrics(cfg.Metrics)
	ctx := newContext(reg, cfg.InitialLevel, m)
	eng := &engine{
		reg:           reg,
		ctx:           ctx,
		dispatcher:    dispatcher,
		timer:         timer,
		maxThreads:    cfg.MaxThreads,
		useThreads:    useThreads,
		cancelTimeout: cfg.CancelTimeout,
		metrics:       m,
	}
	m.setCurrentLevel(cfg.InitialLevel)

	reg.BindScopeContext(ctx)
	return &Orchestrator{eng: eng}
}

// Current returns the current run level.
func (o *Orchestrator) Current() int {
	return o.eng.ctx.CurrentLevel()
}

// RegisterListener adds a run-level listener. Listeners registered after a
// job was submitted are not seen by that job.
func (o *Orchestrator) RegisterListener(l Listener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, l)
}

// RegisterProgressStartedListener adds a listener for transition starts.
func (o *Orchestrator) RegisterProgressStartedListener(l ProgressStartedListener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progressStarted = append(o.progressStarted, l)
}

// RegisterSorter adds a sorter to the chain applied to each level's
// service list.
func (o *Orchestrator) RegisterSorter(s Sorter) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sorters = append(o.sorters, s)
}

// Submit asks for a transition to the proposed level. At most one job may
// be in flight; a second submission fails with ErrBusy. A submission to
// the current level yields an already-done job.
func (o *Orchestrator) Submit(proposed int) (*Job, error) {
	o.mu.RLock()
	listeners := append([]Listener(nil), o.listeners...)
	progressStarted := append([]ProgressStartedListener(nil), o.progressStarted...)
	sorters := append([]Sorter(nil), o.sorters...)
	o.mu.RUnlock()

	c := o.eng.ctx

	c.mu.Lock()
	if active := c.activeJob; active != nil && !active.IsDone() {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	current := c.currentLevel
	job := newJob(o.eng, proposed, current, listeners, progressStarted, sorters)
	c.activeJob = job
	c.wasCancelled = false
	c.clearErrorsLocked()
	c.mu.Unlock()

	switch {
	case proposed > current:
		o.eng.metrics.jobSubmitted("up")
	case proposed < current:
		o.eng.metrics.jobSubmitted("down")
	default:
		o.eng.metrics.jobSubmitted("noop")
	}

	logging.Info("RunLevel", "transition requested: level %d -> %d", current, proposed)

	j := job
	j.mu.Lock()
	d := j.driver
	j.mu.Unlock()

	if d == nil {
		// Already at the proposed level; release the gate immediately.
		c.JobDone()
		return job, nil
	}

	job.invokeOnProgressStarting(current)

	// A progress-started listener may have repurposed the job already, in
	// which case the replacement driver is running and this one is dead.
	j.mu.Lock()
	still := j.driver == d
	j.mu.Unlock()
	if still {
		d.start()
	}
	return job, nil
}
