// Package turn implements a strict round-robin turn-taking scheduler for
// N concurrent participants.
//
// A Scheduler owns a shared sequence position and a "whose turn" marker.
// Participants run as goroutines, each gated on the marker: the owning role
// executes exactly one step, advances the position by one, hands ownership
// to the next role, and wakes the others. The run ends once the position
// passes a fixed limit; every blocked participant is woken on that
// transition so the join barrier cannot deadlock.
//
// The default mode blocks waiters on a condition variable. WithPolling
// selects a best-effort variant that re-checks the marker under the lock in
// a yield loop instead of blocking; it makes no fairness guarantee and is
// provided for comparison and experimentation only.
package turn
