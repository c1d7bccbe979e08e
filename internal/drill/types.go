package drill

import (
	"errors"
	"time"
)

var (
	ErrUnknown     = errors.New("unknown drill")
	ErrOverlapSkip = errors.New("drill skipped: previous run still in progress")
	ErrStopped     = errors.New("drill service stopped")
)

// Mode selects the wait discipline of a drill's scheduler.
type Mode string

const (
	// ModeCond blocks waiters on a condition variable (the default).
	ModeCond Mode = "cond"
	// ModeSpin polls the turn marker under the lock. Best effort only:
	// the emitted sequence is identical but fairness is not guaranteed.
	ModeSpin Mode = "spin"
)

// EmitKind names what a role writes on each of its turns.
type EmitKind string

const (
	EmitNumber EmitKind = "number" // the sequence position
	EmitUpper  EmitKind = "upper"  // 'A' + round number
	EmitLower  EmitKind = "lower"  // 'a' + round number
	EmitText   EmitKind = "text"   // a fixed string
)

// SinkKind names where a drill writes its interleaved output.
type SinkKind string

const (
	SinkConsole SinkKind = "console"
	SinkFile    SinkKind = "file"
)

// Role is one participant of a drill.
type Role struct {
	Name   string
	Emit   EmitKind
	Format string // optional fmt override; see defaultFormat
	Text   string // EmitText only
}

// Definition is a validated, immutable drill description.
type Definition struct {
	Name  string
	Mode  Mode
	Limit int

	// Schedule is the raw trigger spec ("*/5 * * * *", "30s", "02:30").
	// Empty means the drill runs once at Service.Start.
	Schedule string

	// Timeout bounds one run; 0 disables.
	Timeout time.Duration
	// StallTimeout aborts a run whose sequence stops advancing; 0 disables.
	StallTimeout time.Duration

	Sink     SinkKind
	SinkPath string

	Roles []Role
}

// StepEvent is published on the bus for every executed step.
type StepEvent struct {
	Drill string `json:"drill"`
	Role  string `json:"role"`
	Pos   int    `json:"pos"`
	Round int    `json:"round"`
}

// RunEvent is published on the bus for drill run lifecycle events.
type RunEvent struct {
	Drill    string        `json:"drill"`
	Trigger  string        `json:"trigger"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	FinalPos int           `json:"final_pos"`
	Error    string        `json:"error,omitempty"`
}

// HistoryItem is the in-memory record of one run.
type HistoryItem struct {
	Drill    string
	Trigger  string
	Started  time.Time
	Duration time.Duration
	FinalPos int
	Error    string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Drills  []string
	Running int
	History []HistoryItem
}

// Config controls the drill service.
type Config struct {
	HistorySize int // bounded in-memory history; 0 applies a default
}
