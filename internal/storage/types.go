package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (append-only JSON Lines)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord captures one completed drill run.
// Keep it compact and schema-stable.
type RunRecord struct {
	At       time.Time `json:"at"`
	Drill    string    `json:"drill"`
	Mode     string    `json:"mode"`
	Trigger  string    `json:"trigger"` // "startup" | "schedule" | "manual"
	Roles    int       `json:"roles"`
	Limit    int       `json:"limit"`
	FinalPos int       `json:"final_pos"` // limit+1 on a clean run
	TookMS   int64     `json:"took_ms"`
	Error    string    `json:"error,omitempty"`
}
