package turn

import "time"

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithPolling selects the best-effort polling mode: instead of blocking on
// the condition variable, a participant re-checks the turn marker under the
// lock and yields when it is not its turn.
//
// The emitted sequence is identical to the blocking mode, but there is no
// fairness guarantee on how long an individual participant spins between
// turns. Intended for comparison against the blocking mode, not for
// production use.
func WithPolling() Option {
	return func(s *Scheduler) { s.polling = true }
}

// WithStallTimeout aborts the run with ErrStalled when the sequence position
// has not advanced for d. This guards against a peer that stops taking its
// turns (the lock itself is never held across a wait, so a dead peer stalls
// the sequence rather than deadlocking the lock).
//
// d <= 0 disables the guard (the default).
func WithStallTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.stallAfter = d
		}
	}
}
