package turn

import (
	"errors"
	"fmt"
)

var (
	// ErrTooFewRoles is returned by New when fewer than two steps are given.
	ErrTooFewRoles = errors.New("turn: at least two roles are required")

	// ErrNilStep is returned by New when any step function is nil.
	ErrNilStep = errors.New("turn: step function is nil")

	// ErrNegativeLimit is returned by New when limit < 0.
	ErrNegativeLimit = errors.New("turn: limit must be >= 0")

	// ErrAlreadyRun is returned by Run on reuse. A Scheduler is single-shot;
	// construct a fresh one per run.
	ErrAlreadyRun = errors.New("turn: scheduler already run")

	// ErrStalled is returned when WithStallTimeout is set and the sequence
	// made no progress for the configured duration.
	ErrStalled = errors.New("turn: sequence stalled")
)

// StepError wraps a failure returned by a participant's step function.
//
// A failing step does not halt the run: ownership still advances so peers
// are not deadlocked, and all StepErrors are surfaced from Run after the
// join barrier.
type StepError struct {
	Role int // role index of the failing participant
	Pos  int // sequence position at which the step ran
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("turn: role %d failed at position %d: %v", e.Role, e.Pos, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
