package runlevel

import "errors"

var (
	// ErrBusy is returned by Submit while another job is in flight.
	ErrBusy = errors.New("a run level transition is already in progress")

	// ErrIllegalState is returned when ChangeProposedLevel is called
	// outside a listener callback or on a completed job.
	ErrIllegalState = errors.New("illegal job state")

	// ErrRepurposed is returned from Wait when the job reversed direction
	// underneath the waiter. The waiter should re-query the direction and
	// wait again.
	ErrRepurposed = errors.New("job was repurposed")

	// ErrTimedOut is returned from Wait when the timeout elapses before
	// the job completes. It is not a permanent state.
	ErrTimedOut = errors.New("timed out waiting for run level job")
)
