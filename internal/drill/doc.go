// Package drill executes configured turn-taking scenarios.
//
// A drill pairs a turn.Scheduler with concrete role emitters (numbers,
// alternating capital/lowercase letters, free text) and an output sink
// (console or file). The Service runs drills once at startup or on demand
// for the schedule service, publishes lifecycle events on the bus, and
// records run history.
package drill
