package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Pprof   PprofConfig   `json:"pprof,omitempty"`

	// Schedule controls the cron/interval trigger service for recurring
	// drills. Drills without a schedule string run once at startup.
	Schedule ScheduleConfig `json:"schedule,omitempty"`

	// Storage persists drill run history. Nil means disabled.
	Storage *StorageConfig `json:"storage,omitempty"`

	Drills []DrillConfig `json:"drills"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

type ScheduleConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the optional persistence layer for run history.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./baton_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DrillConfig defines one named turn-taking scenario.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type DrillConfig struct {
	Name string `json:"name"`

	// Mode selects the wait discipline: "cond" (blocking, the default) or
	// "spin" (best-effort polling, no fairness guarantee).
	Mode string `json:"mode,omitempty"`

	// Limit is the total number of steps across all roles.
	Limit int `json:"limit"`

	// Schedule is a cron expression, interval duration or HH:MM string.
	// Empty means the drill runs once at startup.
	Schedule string `json:"schedule,omitempty"`

	// Timeout bounds a single run. "0s" or empty disables it.
	Timeout string `json:"timeout,omitempty"`

	// StallTimeout aborts a run whose sequence stops advancing.
	StallTimeout string `json:"stall_timeout,omitempty"`

	Sink  SinkConfig   `json:"sink,omitempty"`
	Roles []RoleConfig `json:"roles"`
}

// SinkConfig names where a drill writes its interleaved output.
type SinkConfig struct {
	Type string `json:"type,omitempty"` // "console" (default) | "file"
	Path string `json:"path,omitempty"` // file sink only
}

// RoleConfig describes one participant's emitter.
//
// Emit kinds:
//   - "number": the sequence position ("%d\n" unless Format overrides)
//   - "upper":  'A' + round number, one character per turn
//   - "lower":  'a' + round number
//   - "text":   the literal Text value
type RoleConfig struct {
	Name   string `json:"name,omitempty"`
	Emit   string `json:"emit"`
	Format string `json:"format,omitempty"`
	Text   string `json:"text,omitempty"`
}

// Validate normalizes and checks the config. It is called on initial load
// and by the reload validator before a new config is committed.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}

	seen := map[string]struct{}{}
	for i := range c.Drills {
		d := &c.Drills[i]
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return fmt.Errorf("drills[%d]: name is required", i)
		}
		d.Name = name
		if _, dup := seen[name]; dup {
			return fmt.Errorf("drills[%d]: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}

		switch strings.ToLower(strings.TrimSpace(d.Mode)) {
		case "", "cond":
			d.Mode = "cond"
		case "spin":
			d.Mode = "spin"
		default:
			return fmt.Errorf("drill %q: unknown mode %q (use \"cond\" or \"spin\")", name, d.Mode)
		}

		if d.Limit < 0 {
			return fmt.Errorf("drill %q: limit must be >= 0", name)
		}
		if len(d.Roles) < 2 {
			return fmt.Errorf("drill %q: at least two roles are required", name)
		}
		for j := range d.Roles {
			r := &d.Roles[j]
			switch strings.ToLower(strings.TrimSpace(r.Emit)) {
			case "number":
				r.Emit = "number"
			case "upper":
				r.Emit = "upper"
			case "lower":
				r.Emit = "lower"
			case "text":
				r.Emit = "text"
				if r.Text == "" {
					return fmt.Errorf("drill %q roles[%d]: emit \"text\" requires text", name, j)
				}
			default:
				return fmt.Errorf("drill %q roles[%d]: unknown emit %q", name, j, r.Emit)
			}
			if strings.TrimSpace(r.Name) == "" {
				r.Name = fmt.Sprintf("role%d", j)
			}
		}

		switch strings.ToLower(strings.TrimSpace(d.Sink.Type)) {
		case "", "console":
			d.Sink.Type = "console"
		case "file":
			d.Sink.Type = "file"
			if strings.TrimSpace(d.Sink.Path) == "" {
				return fmt.Errorf("drill %q: sink type \"file\" requires a path", name)
			}
		default:
			return fmt.Errorf("drill %q: unknown sink type %q", name, d.Sink.Type)
		}

		if _, err := ParseDurationField(fmt.Sprintf("drill %q timeout", name), d.Timeout); err != nil {
			return err
		}
		if _, err := ParseDurationField(fmt.Sprintf("drill %q stall_timeout", name), d.StallTimeout); err != nil {
			return err
		}
	}

	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}
