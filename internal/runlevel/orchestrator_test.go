package runlevel

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"levelctl/internal/registry"
)

// bothModes runs a scenario in threaded and single-thread cooperative mode;
// the two must produce identical observable behavior.
func bothModes(t *testing.T, maxThreads int, fn func(t *testing.T, f *fixture)) {
	t.Run("threaded", func(t *testing.T) {
		fn(t, newFixture(t, true, maxThreads, time.Second))
	})
	t.Run("cooperative", func(t *testing.T) {
		fn(t, newFixture(t, false, maxThreads, time.Second))
	})
}

func TestLinearAscent(t *testing.T) {
	bothModes(t, 2, func(t *testing.T, f *fixture) {
		f.addService("one", 1, svcOpts{})
		f.addService("two", 2, svcOpts{})
		f.addService("three", 3, svcOpts{})
		rec := f.listen()

		job, err := f.orch.Submit(3)
		require.NoError(t, err)
		require.NoError(t, f.await(job))

		assert.Equal(t, 3, f.orch.Current())
		assert.True(t, job.IsDone())
		assert.False(t, job.IsCancelled())
		assert.Equal(t, []string{"start:0", "progress:1", "progress:2", "progress:3"}, rec.all())
		assert.Equal(t, []string{"one", "two", "three"}, f.starts.all())
	})
}

func TestDescentDestroysInReverseActivationOrder(t *testing.T) {
	bothModes(t, 2, func(t *testing.T, f *fixture) {
		f.addService("a", 1, svcOpts{})
		f.addService("b", 1, svcOpts{})
		f.addService("c", 2, svcOpts{})
		rec := f.listen()

		job, err := f.orch.Submit(2)
		require.NoError(t, err)
		require.NoError(t, f.await(job))

		// Level 2 first, then level 1 in reverse activation order.
		wantStops := []string{"c"}
		for _, d := range f.orch.eng.ctx.OrderedServicesAtLevel(1) {
			wantStops = append(wantStops, d.Name())
		}

		job, err = f.orch.Submit(0)
		require.NoError(t, err)
		require.NoError(t, f.await(job))

		assert.Equal(t, 0, f.orch.Current())
		assert.False(t, f.isActive("a"))
		assert.False(t, f.isActive("b"))
		assert.False(t, f.isActive("c"))
		if diff := cmp.Diff(wantStops, f.stops.all()); diff != "" {
			t.Fatalf("unexpected stop order (-want +got):\n%s", diff)
		}

		assert.Equal(t, "progress:1", rec.all()[len(rec.all())-2])
		assert.Equal(t, "progress:0", rec.all()[len(rec.all())-1])
	})
}

func TestParallelWithinLevel(t *testing.T) {
	f := newFixture(t, true, 4, time.Second)

	const n = 4
	arrived := make(chan struct{}, n)
	allIn := make(chan struct{})
	go func() {
		for i := 0; i < n; i++ {
			<-arrived
		}
		close(allIn)
	}()

	for _, name := range []string{"w", "x", "y", "z"} {
		f.addService(name, 1, svcOpts{
			start: func(registry.ActivationContext) error {
				// Every worker must arrive before any may leave, which
				// only works when all four run concurrently.
				arrived <- struct{}{}
				<-allIn
				return nil
			},
		})
	}

	var startsAtProgress int
	f.orch.RegisterListener(ListenerFuncs{
		Progress: func(_ *Job, level int) {
			if level == 1 {
				startsAtProgress = f.starts.count()
			}
		},
	})

	job, err := f.orch.Submit(1)
	require.NoError(t, err)
	require.NoError(t, f.await(job))

	assert.Equal(t, 1, f.orch.Current())
	assert.Equal(t, n, startsAtProgress, "all activations complete before progress(1)")
}

func TestWouldBlockRotation(t *testing.T) {
	f := newFixture(t, true, 2, time.Second)

	var bActivating sync.Once
	bStarted := make(chan struct{})
	release := make(chan struct{})

	f.addService("b", 1, svcOpts{
		start: func(registry.ActivationContext) error {
			bActivating.Do(func() { close(bStarted) })
			<-release
			return nil
		},
	})
	f.addService("a", 1, svcOpts{deps: []string{"b"}})
	f.addService("c", 1, svcOpts{
		start: func(registry.ActivationContext) error {
			<-bStarted
			return nil
		},
	})
	f.orch.RegisterSorter(namedSorter{order: []string{"b", "a", "c"}})

	// c's completion is what releases b, so any schedule that ends with
	// [c b a] proves a was deferred around b's in-flight activation.
	go func() {
		<-bStarted
		for f.starts.count() == 0 {
			time.Sleep(time.Millisecond)
		}
		close(release)
	}()

	job, err := f.orch.Submit(1)
	require.NoError(t, err)
	require.NoError(t, f.await(job))

	assert.Equal(t, []string{"c", "b", "a"}, f.starts.all())
}

func TestAscentFailureRollsBack(t *testing.T) {
	bothModes(t, 2, func(t *testing.T, f *fixture) {
		f.addService("one", 1, svcOpts{})
		f.addService("two", 2, svcOpts{failStart: true})
		f.addService("three", 3, svcOpts{})
		rec := f.listen()

		job, err := f.orch.Submit(3)
		require.NoError(t, err)
		err = f.await(job)

		require.Error(t, err)
		var multi *registry.MultiError
		require.ErrorAs(t, err, &multi)
		assert.Len(t, multi.Errors(), 1)

		assert.Equal(t, 1, f.orch.Current())
		assert.True(t, f.isActive("one"))
		assert.False(t, f.isActive("three"))
		assert.NotContains(t, f.starts.all(), "three")
		assert.Contains(t, rec.all(), "error:two")
		assert.NotContains(t, rec.all(), "progress:2")
	})
}

func TestIgnoredFailureContinuesAscent(t *testing.T) {
	bothModes(t, 2, func(t *testing.T, f *fixture) {
		f.addService("one", 1, svcOpts{})
		f.addService("two", 2, svcOpts{failStart: true})
		f.addService("three", 3, svcOpts{})

		f.orch.RegisterListener(ListenerFuncs{
			Error: func(_ *Job, info *ErrorInfo) { info.SetAction(ActionIgnore) },
		})

		job, err := f.orch.Submit(3)
		require.NoError(t, err)
		require.NoError(t, f.await(job))

		assert.Equal(t, 3, f.orch.Current())
		assert.True(t, f.isActive("three"))
		assert.False(t, f.isActive("two"))
	})
}

func TestAnyStopVerdictBeatsIgnore(t *testing.T) {
	f := newFixture(t, false, 0, time.Second)
	f.addService("one", 1, svcOpts{})
	f.addService("two", 2, svcOpts{failStart: true})

	// One listener votes stop, another votes ignore afterwards; the stop
	// verdict must stick regardless of ordering.
	f.orch.RegisterListener(ListenerFuncs{
		Error: func(_ *Job, info *ErrorInfo) { info.SetAction(ActionGoToNextLowerLevelAndStop) },
	})
	f.orch.RegisterListener(ListenerFuncs{
		Error: func(_ *Job, info *ErrorInfo) { info.SetAction(ActionIgnore) },
	})

	job, err := f.orch.Submit(2)
	require.NoError(t, err)
	require.Error(t, f.await(job))
	assert.Equal(t, 1, f.orch.Current())
}

func TestRepurposeMidFlight(t *testing.T) {
	f := newFixture(t, true, 2, time.Second)
	for lvl := 1; lvl <= 5; lvl++ {
		f.addService(svcName(lvl), lvl, svcOpts{startDelay: 20 * time.Millisecond})
	}
	rec := f.listen()

	var once sync.Once
	f.orch.RegisterListener(ListenerFuncs{
		Progress: func(job *Job, level int) {
			if level == 2 {
				once.Do(func() {
					old, err := job.ChangeProposedLevel(0)
					assert.NoError(t, err)
					assert.Equal(t, 5, old)
				})
			}
		},
	})

	job, err := f.orch.Submit(5)
	require.NoError(t, err)

	err = job.Wait(10 * time.Second)
	require.ErrorIs(t, err, ErrRepurposed)
	assert.True(t, job.IsDown())

	require.NoError(t, f.await(job))
	assert.Equal(t, 0, f.orch.Current())
	assert.False(t, f.isActive(svcName(1)))
	assert.False(t, f.isActive(svcName(2)))

	// No ascent progress beyond level 2 after the reversal.
	assert.NotContains(t, rec.all(), "progress:3")
}

func TestRepurposeCooperativeMode(t *testing.T) {
	f := newFixture(t, false, 0, time.Second)
	for lvl := 1; lvl <= 5; lvl++ {
		f.addService(svcName(lvl), lvl, svcOpts{})
	}

	var once sync.Once
	f.orch.RegisterListener(ListenerFuncs{
		Progress: func(job *Job, level int) {
			if level == 2 {
				once.Do(func() {
					_, err := job.ChangeProposedLevel(0)
					assert.NoError(t, err)
				})
			}
		},
	})

	job, err := f.orch.Submit(5)
	require.NoError(t, err)
	require.NoError(t, f.await(job))

	assert.Equal(t, 0, f.orch.Current())
	assert.Equal(t, 2, f.stops.count())
}

func TestRetargetSameDirection(t *testing.T) {
	bothModes(t, 2, func(t *testing.T, f *fixture) {
		f.addService("one", 1, svcOpts{})
		f.addService("two", 2, svcOpts{})
		f.addService("three", 3, svcOpts{})

		var once sync.Once
		f.orch.RegisterListener(ListenerFuncs{
			Progress: func(job *Job, level int) {
				if level == 1 {
					once.Do(func() {
						old, err := job.ChangeProposedLevel(3)
						assert.NoError(t, err)
						assert.Equal(t, 2, old)
					})
				}
			},
		})

		job, err := f.orch.Submit(2)
		require.NoError(t, err)
		require.NoError(t, f.await(job))

		assert.Equal(t, 3, f.orch.Current())
		assert.True(t, f.isActive("three"))
	})
}

func TestChangeProposedLevelOutsideCallback(t *testing.T) {
	f := newFixture(t, true, 2, time.Second)
	f.addService("slow", 1, svcOpts{startDelay: 100 * time.Millisecond})

	job, err := f.orch.Submit(1)
	require.NoError(t, err)

	_, err = job.ChangeProposedLevel(2)
	assert.ErrorIs(t, err, ErrIllegalState)

	require.NoError(t, f.await(job))

	_, err = job.ChangeProposedLevel(2)
	assert.ErrorIs(t, err, ErrIllegalState)
}

func TestSingleJobGate(t *testing.T) {
	f := newFixture(t, true, 2, time.Second)
	f.addService("slow", 1, svcOpts{startDelay: 150 * time.Millisecond})

	job, err := f.orch.Submit(1)
	require.NoError(t, err)

	_, err = f.orch.Submit(0)
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, f.await(job))

	job2, err := f.orch.Submit(0)
	require.NoError(t, err)
	require.NoError(t, f.await(job2))
}

func TestSubmitToCurrentLevelIsNoop(t *testing.T) {
	f := newFixture(t, true, 2, time.Second)
	f.addService("one", 1, svcOpts{})

	job, err := f.orch.Submit(0)
	require.NoError(t, err)
	assert.True(t, job.IsDone())
	require.NoError(t, job.Wait(time.Second))
	assert.Zero(t, f.starts.count())

	// The gate is released immediately.
	job, err = f.orch.Submit(1)
	require.NoError(t, err)
	require.NoError(t, f.await(job))
	assert.Equal(t, 1, f.orch.Current())
}

func TestResubmitSameLevelActivatesNothing(t *testing.T) {
	bothModes(t, 2, func(t *testing.T, f *fixture) {
		f.addService("one", 1, svcOpts{})
		f.addService("two", 2, svcOpts{})

		job, err := f.orch.Submit(2)
		require.NoError(t, err)
		require.NoError(t, f.await(job))
		first := f.starts.count()

		job, err = f.orch.Submit(2)
		require.NoError(t, err)
		require.NoError(t, f.await(job))

		assert.Equal(t, 2, f.orch.Current())
		assert.Equal(t, first, f.starts.count(), "no new activations on resubmit")
	})
}

func TestCancelDuringAscent(t *testing.T) {
	f := newFixture(t, true, 2, 50*time.Millisecond)

	f.addService("one", 1, svcOpts{})
	stuck := make(chan struct{})
	entered := make(chan struct{})
	f.addService("two", 2, svcOpts{
		start: func(actx registry.ActivationContext) error {
			close(entered)
			select {
			case <-stuck:
				return nil
			case <-actx.Context().Done():
				return actx.Context().Err()
			}
		},
	})
	defer close(stuck)
	rec := f.listen()

	job, err := f.orch.Submit(2)
	require.NoError(t, err)

	<-entered

	// Cancel from two goroutines at once: exactly one wins, and the
	// listeners see exactly one cancellation.
	results := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		go func() { results <- job.Cancel() }()
	}
	wins := 0
	for i := 0; i < 2; i++ {
		if <-results {
			wins++
		}
	}
	assert.Equal(t, 1, wins)

	require.NoError(t, f.await(job))
	assert.True(t, job.IsCancelled())
	assert.Equal(t, 1, f.orch.Current())
	assert.True(t, f.isActive("one"))
	assert.False(t, f.isActive("two"))

	cancels := 0
	for _, ev := range rec.all() {
		if ev == "cancelled:1" {
			cancels++
		}
	}
	assert.Equal(t, 1, cancels)

	// Cancel after completion reports false.
	assert.False(t, job.Cancel())
}

func TestCancelThenResubmitRestoresLevel(t *testing.T) {
	f := newFixture(t, true, 2, 50*time.Millisecond)

	f.addService("one", 1, svcOpts{})
	f.addService("two", 2, svcOpts{startDelay: 80 * time.Millisecond})

	job, err := f.orch.Submit(2)
	require.NoError(t, err)
	job.Cancel()
	require.NoError(t, f.await(job))
	require.True(t, job.IsCancelled())

	job, err = f.orch.Submit(2)
	require.NoError(t, err)
	require.NoError(t, f.await(job))

	assert.Equal(t, 2, f.orch.Current())
	assert.True(t, f.isActive("one"))
	assert.True(t, f.isActive("two"))
}

func TestStuckDescentHardCancel(t *testing.T) {
	f := newFixture(t, true, 2, 40*time.Millisecond)

	f.addService("one", 1, svcOpts{})
	stuck := make(chan struct{})
	entered := make(chan struct{})
	f.addService("two", 2, svcOpts{
		stop: func() error {
			close(entered)
			<-stuck
			return nil
		},
	})
	defer close(stuck)
	rec := f.listen()

	job, err := f.orch.Submit(2)
	require.NoError(t, err)
	require.NoError(t, f.await(job))

	job, err = f.orch.Submit(0)
	require.NoError(t, err)

	<-entered
	assert.True(t, job.Cancel())

	require.NoError(t, f.await(job))
	assert.True(t, job.IsCancelled())
	assert.Contains(t, rec.all(), "cancelled:1")
	assert.Equal(t, 1, f.orch.Current())
	assert.True(t, f.isActive("one"))
}

func TestDestructionObservesDecrementedLevel(t *testing.T) {
	bothModes(t, 2, func(t *testing.T, f *fixture) {
		for lvl := 1; lvl <= 3; lvl++ {
			lvl := lvl
			f.addService(svcName(lvl), lvl, svcOpts{
				stop: func() error {
					// The level is vacated before its services are
					// destroyed.
					assert.Less(t, f.orch.Current(), lvl)
					return nil
				},
			})
		}

		job, err := f.orch.Submit(3)
		require.NoError(t, err)
		require.NoError(t, f.await(job))

		job, err = f.orch.Submit(0)
		require.NoError(t, err)
		require.NoError(t, f.await(job))
		assert.Equal(t, 3, f.stops.count())
	})
}

func TestSorterOrdersLevel(t *testing.T) {
	f := newFixture(t, false, 0, time.Second)
	f.addService("a", 1, svcOpts{})
	f.addService("b", 1, svcOpts{})
	f.addService("c", 1, svcOpts{})
	f.orch.RegisterSorter(reverseSorter{})

	job, err := f.orch.Submit(1)
	require.NoError(t, err)
	require.NoError(t, f.await(job))

	assert.Equal(t, []string{"c", "b", "a"}, f.starts.all())
}

func TestPanickingListenerIsSwallowed(t *testing.T) {
	f := newFixture(t, false, 0, time.Second)
	f.addService("one", 1, svcOpts{})

	f.orch.RegisterListener(ListenerFuncs{
		Progress: func(*Job, int) { panic("listener bug") },
	})
	rec := f.listen()

	job, err := f.orch.Submit(1)
	require.NoError(t, err)
	require.NoError(t, f.await(job))

	assert.Equal(t, 1, f.orch.Current())
	assert.Contains(t, rec.all(), "progress:1")
}

func TestMockListenerSeesEveryLevel(t *testing.T) {
	f := newFixture(t, false, 0, time.Second)
	f.addService("one", 1, svcOpts{})
	f.addService("two", 2, svcOpts{})

	ml := &MockListener{}
	ml.On("OnProgress", mock.Anything, 1).Return().Once()
	ml.On("OnProgress", mock.Anything, 2).Return().Once()
	f.orch.RegisterListener(ml)

	job, err := f.orch.Submit(2)
	require.NoError(t, err)
	require.NoError(t, f.await(job))

	ml.AssertExpectations(t)
}

func svcName(level int) string {
	return "svc-" + string(rune('0'+level))
}
