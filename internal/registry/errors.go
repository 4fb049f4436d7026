package registry

import (
	"errors"
	"strings"
)

var (
	// ErrWouldBlock is reported when a non-blocking activation encounters
	// a dependency already being activated on another worker. It is an
	// internal scheduling signal, never a user-visible failure.
	ErrWouldBlock = errors.New("activation would block on an in-progress dependency")

	// ErrWasCancelled is reported when an activation was aborted by a
	// hard cancel.
	ErrWasCancelled = errors.New("activation was cancelled")

	// ErrNotRegistered is returned when a service name cannot be resolved.
	ErrNotRegistered = errors.New("service is not registered")
)

// MultiError aggregates several failures into one. The run-level engine
// collects all activation failures for a level into a single MultiError
// and reports it as the job result.
type MultiError struct {
	errs []error
}

// NewMultiError creates an aggregate from the given errors, skipping nils.
func NewMultiError(errs ...error) *MultiError {
	m := &MultiError{}
	for _, err := range errs {
		m.Add(err)
	}
	return m
}

// Add appends an error to the aggregate. nil is ignored.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.errs = append(m.errs, err)
	}
}

// Errors returns the underlying failures in the order they were added.
func (m *MultiError) Errors() []error {
	out := make([]error, len(m.errs))
	copy(out, m.errs)
	return out
}

// Empty reports whether no errors have been added.
func (m *MultiError) Empty() bool {
	return len(m.errs) == 0
}

func (m *MultiError) Error() string {
	switch len(m.errs) {
	case 0:
		return "no errors"
	case 1:
		return m.errs[0].Error()
	}
	var b strings.Builder
	b.WriteString("multiple errors:")
	for _, err := range m.errs {
		b.WriteString("\n\t")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap exposes the aggregated errors to errors.Is/errors.As so the
// sentinel checks below see through arbitrary nesting.
func (m *MultiError) Unwrap() []error {
	return m.errs
}

// IsWouldBlock reports whether err or anything it wraps is ErrWouldBlock.
func IsWouldBlock(err error) bool {
	return errors.Is(err, ErrWouldBlock)
}

// IsWasCancelled reports whether err or anything it wraps is ErrWasCancelled.
func IsWasCancelled(err error) bool {
	return errors.Is(err, ErrWasCancelled)
}
