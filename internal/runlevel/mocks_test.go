package runlevel

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"levelctl/internal/registry"
	"levelctl/internal/sched"
)

// recorder collects strings in the order they happen.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// eventListener records every callback it sees.
type eventListener struct {
	rec *recorder
}

func (l *eventListener) OnProgressStarting(_ *Job, level int) { l.rec.add("start:%d", level) }
func (l *eventListener) OnProgress(_ *Job, level int)         { l.rec.add("progress:%d", level) }
func (l *eventListener) OnCancelled(_ *Job, level int)        { l.rec.add("cancelled:%d", level) }
func (l *eventListener) OnError(_ *Job, info *ErrorInfo) {
	name := "?"
	if d := info.Descriptor(); d != nil {
		name = d.Name()
	}
	l.rec.add("error:%s", name)
}

// MockListener is a testify mock of the Listener interface.
type MockListener struct {
	mock.Mock
}

func (m *MockListener) OnProgress(job *Job, level int) {
	m.Called(job, level)
}

func (m *MockListener) OnCancelled(job *Job, level int) {
	m.Called(job, level)
}

func (m *MockListener) OnError(job *Job, info *ErrorInfo) {
	m.Called(job, info)
}

// reverseSorter flips a level's scheduling order.
type reverseSorter struct{}

func (reverseSorter) Sort(handles []*registry.Handle) []*registry.Handle {
	out := make([]*registry.Handle, len(handles))
	for i, h := range handles {
		out[len(handles)-1-i] = h
	}
	return out
}

// namedSorter orders a level's handles by an explicit name list; names not
// listed keep their relative position at the end.
type namedSorter struct {
	order []string
}

func (s namedSorter) Sort(handles []*registry.Handle) []*registry.Handle {
	byName := make(map[string]*registry.Handle, len(handles))
	for _, h := range handles {
		byName[h.Descriptor().Name()] = h
	}
	var out []*registry.Handle
	seen := make(map[string]bool)
	for _, name := range s.order {
		if h, ok := byName[name]; ok {
			out = append(out, h)
			seen[name] = true
		}
	}
	for _, h := range handles {
		if !seen[h.Descriptor().Name()] {
			out = append(out, h)
		}
	}
	return out
}

// svcOpts customizes a test service.
type svcOpts struct {
	deps       []string
	failStart  bool
	startDelay time.Duration
	start      func(actx registry.ActivationContext) error
	stop       func() error
}

// fixture wires a registry, dispatcher, and orchestrator for one test.
type fixture struct {
	t      *testing.T
	reg    *registry.Registry
	pool   *sched.Pool
	orch   *Orchestrator
	starts *recorder
	stops  *recorder
}

func newFixture(t *testing.T, threaded bool, maxThreads int, cancelTimeout time.Duration) *fixture {
	t.Helper()

	f := &fixture{
		t:      t,
		reg:    registry.New(),
		starts: &recorder{},
		stops:  &recorder{},
	}

	var disp sched.Dispatcher
	if threaded {
		f.pool = sched.NewPool(maxThreads + 3)
		t.Cleanup(f.pool.Stop)
		disp = f.pool
	}

	f.orch = New(f.reg, disp, sched.NewTimer(), Config{
		MaxThreads:    maxThreads,
		UseThreads:    threaded,
		CancelTimeout: cancelTimeout,
	})
	return f
}

func (f *fixture) addService(name string, level int, opts svcOpts) {
	f.t.Helper()

	_, err := f.reg.Register(registry.ServiceSpec{
		Name:      name,
		Scope:     registry.ScopeRunLevel,
		Level:     level,
		DependsOn: opts.deps,
		Start: func(actx registry.ActivationContext) (any, error) {
			for _, dep := range opts.deps {
				if _, err := actx.Resolve(dep); err != nil {
					return nil, err
				}
			}
			if opts.failStart {
				return nil, fmt.Errorf("%s refused to start", name)
			}
			if opts.startDelay > 0 {
				select {
				case <-time.After(opts.startDelay):
				case <-actx.Context().Done():
					return nil, actx.Context().Err()
				}
			}
			if opts.start != nil {
				if err := opts.start(actx); err != nil {
					return nil, err
				}
			}
			f.starts.add(name)
			return name, nil
		},
		Stop: func(any) error {
			if opts.stop != nil {
				if err := opts.stop(); err != nil {
					return err
				}
			}
			f.stops.add(name)
			return nil
		},
	})
	require.NoError(f.t, err)
}

// listen registers a fresh recording listener and returns its recorder.
func (f *fixture) listen() *recorder {
	rec := &recorder{}
	l := &eventListener{rec: rec}
	f.orch.RegisterListener(l)
	f.orch.RegisterProgressStartedListener(l)
	return rec
}

func (f *fixture) isActive(name string) bool {
	f.t.Helper()
	h, err := f.reg.HandleByName(name)
	require.NoError(f.t, err)
	return f.orch.eng.ctx.ContainsKey(h.Descriptor())
}

// await waits a job out, re-waiting across repurposes, and returns the
// terminal error (nil for success).
func (f *fixture) await(job *Job) error {
	f.t.Helper()
	for {
		err := job.Wait(10 * time.Second)
		switch err {
		case ErrRepurposed:
			continue
		case ErrTimedOut:
			f.t.Fatal("job did not complete in time")
			return err
		default:
			return err
		}
	}
}
