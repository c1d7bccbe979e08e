package turn

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"
)

// Step is one participant's action. It is called exactly once per owned
// turn with the 1-based global sequence position and the 0-based round
// number (how many full cycles the role has already completed).
//
// A non-nil error does not stop the run; see StepError.
type Step func(pos, round int) error

// Scheduler enforces strictly alternating execution of N roles over a
// shared step sequence 1..limit. It is single-shot: construct with New,
// call Run once.
//
// Multiple independent Schedulers may run concurrently; there is no
// package-level state.
type Scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	// Shared turn state, guarded by mu.
	pos      int       // next sequence position to execute, starts at 1
	owner    int       // role index allowed to act next
	abortErr error     // set once on cancellation or stall; sticky
	advanced time.Time // last time pos moved, read by the stall guard
	stepErrs []error
	ran      bool

	limit int
	steps []Step

	polling    bool
	stallAfter time.Duration
}

// New validates the run parameters and returns a ready Scheduler.
//
// limit is the terminal sequence position: exactly limit steps execute in
// total, round-robin over the roles in slice order. limit 0 means every
// role observes the terminal state immediately and Run returns without
// executing any step.
func New(limit int, steps []Step, opts ...Option) (*Scheduler, error) {
	if limit < 0 {
		return nil, ErrNegativeLimit
	}
	if len(steps) < 2 {
		return nil, ErrTooFewRoles
	}
	for _, fn := range steps {
		if fn == nil {
			return nil, ErrNilStep
		}
	}

	s := &Scheduler{
		pos:   1,
		owner: 0,
		limit: limit,
		steps: steps,
	}
	s.cond = sync.NewCond(&s.mu)
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Roles returns the number of participants.
func (s *Scheduler) Roles() int { return len(s.steps) }

// Limit returns the terminal sequence position.
func (s *Scheduler) Limit() int { return s.limit }

// Pos returns the current sequence position. After a clean run it equals
// limit+1.
func (s *Scheduler) Pos() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Run launches one goroutine per role and blocks until every one of them
// has observed the terminal state and exited.
//
// The returned error is nil on a clean run. Otherwise it aggregates, in
// order: the abort cause (ctx.Err() on cancellation, ErrStalled on a stall
// guard trip) and every StepError collected during the run. Cancellation
// and stalls wake all waiters; steps already executed are never rolled
// back, so the emitted prefix of the sequence remains valid.
func (s *Scheduler) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.ran {
		s.mu.Unlock()
		return ErrAlreadyRun
	}
	s.ran = true
	s.advanced = time.Now()
	s.mu.Unlock()

	done := make(chan struct{})
	var aux sync.WaitGroup

	aux.Add(1)
	go func() {
		defer aux.Done()
		select {
		case <-ctx.Done():
			s.abort(ctx.Err())
		case <-done:
		}
	}()

	if s.stallAfter > 0 {
		aux.Add(1)
		go func() {
			defer aux.Done()
			s.watchStall(done)
		}()
	}

	var wg sync.WaitGroup
	wg.Add(len(s.steps))
	for role := range s.steps {
		go func(role int) {
			defer wg.Done()
			if s.polling {
				s.spinLoop(role)
			} else {
				s.waitLoop(role)
			}
		}(role)
	}

	wg.Wait()
	close(done)
	aux.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abortErr == nil && len(s.stepErrs) == 0 {
		return nil
	}
	errs := make([]error, 0, 1+len(s.stepErrs))
	if s.abortErr != nil {
		errs = append(errs, s.abortErr)
	}
	errs = append(errs, s.stepErrs...)
	return errors.Join(errs...)
}

// waitLoop is the blocking participant loop. The wait condition is
// re-checked after every wake: a spurious or collective wake-up never lets
// a role act out of turn.
func (s *Scheduler) waitLoop(role int) {
	for {
		s.mu.Lock()
		for s.owner != role && s.pos <= s.limit && s.abortErr == nil {
			s.cond.Wait()
		}
		if s.abortErr != nil || s.pos > s.limit {
			s.mu.Unlock()
			return
		}
		s.actLocked(role)
		s.mu.Unlock()
	}
}

// spinLoop is the best-effort polling variant: no blocking wait, just
// re-check under the lock and yield. No fairness guarantee.
func (s *Scheduler) spinLoop(role int) {
	for {
		s.mu.Lock()
		if s.abortErr != nil || s.pos > s.limit {
			s.mu.Unlock()
			return
		}
		if s.owner != role {
			s.mu.Unlock()
			runtime.Gosched()
			continue
		}
		s.actLocked(role)
		s.mu.Unlock()
	}
}

// actLocked executes one owned step and hands the turn over. Caller holds
// mu and has verified ownership and a non-terminal position.
//
// The wake on the terminal transition (pos becoming limit+1) is a
// broadcast, so every blocked role exits, not just the next in line.
func (s *Scheduler) actLocked(role int) {
	pos := s.pos
	round := (pos - 1) / len(s.steps)

	// A panicking step would unwind with mu held and deadlock every peer;
	// convert it to a step failure instead.
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = s.steps[role](pos, round)
	}()

	s.pos++
	s.advanced = time.Now()
	s.owner = (role + 1) % len(s.steps)
	if err != nil {
		s.stepErrs = append(s.stepErrs, &StepError{Role: role, Pos: pos, Err: err})
	}
	s.cond.Broadcast()
}

func (s *Scheduler) abort(err error) {
	if err == nil {
		err = context.Canceled
	}
	s.mu.Lock()
	if s.abortErr == nil {
		s.abortErr = err
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// watchStall trips the run with ErrStalled when pos stops moving for
// stallAfter while the run is still live.
func (s *Scheduler) watchStall(done <-chan struct{}) {
	tick := s.stallAfter / 4
	if tick < time.Millisecond {
		tick = time.Millisecond
	}
	t := time.NewTicker(tick)
	defer t.Stop()

	for {
		select {
		case <-done:
			return
		case <-t.C:
			s.mu.Lock()
			live := s.abortErr == nil && s.pos <= s.limit
			stalled := live && time.Since(s.advanced) > s.stallAfter
			if stalled {
				s.abortErr = ErrStalled
				s.cond.Broadcast()
			}
			s.mu.Unlock()
			if stalled {
				return
			}
		}
	}
}
