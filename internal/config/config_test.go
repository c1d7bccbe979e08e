package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const validJSON = `{
  "logging": {"level": "DEBUG", "console": true, "file": {"enabled": false, "path": ""}},
  "drills": [
    {
      "name": "letters",
      "limit": 6,
      "roles": [
        {"emit": "upper"},
        {"emit": "lower"}
      ]
    }
  ]
}`

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "config.json", validJSON)
	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Drills) != 1 {
		t.Fatalf("drills = %d, want 1", len(cfg.Drills))
	}
	d := cfg.Drills[0]
	if d.Mode != "cond" {
		t.Errorf("mode not defaulted: %q", d.Mode)
	}
	if d.Sink.Type != "console" {
		t.Errorf("sink not defaulted: %q", d.Sink.Type)
	}
	if d.Roles[0].Name != "role0" || d.Roles[1].Name != "role1" {
		t.Errorf("role names not defaulted: %+v", d.Roles)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "config.yaml", `
logging:
  level: INFO
  console: true
schedule:
  enabled: true
  timezone: UTC
drills:
  - name: numbers
    mode: spin
    limit: 10
    schedule: "30s"
    roles:
      - emit: number
      - emit: number
`)
	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Schedule.Enabled || cfg.Schedule.Timezone != "UTC" {
		t.Errorf("schedule = %+v", cfg.Schedule)
	}
	if cfg.Drills[0].Mode != "spin" || cfg.Drills[0].Schedule != "30s" {
		t.Errorf("drill = %+v", cfg.Drills[0])
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "config.json", `{"logging": {"level": "INFO"}, "drils": []}`)
	if _, err := NewConfigManager(path).Load(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	roles := func(emits ...string) []RoleConfig {
		out := make([]RoleConfig, len(emits))
		for i, e := range emits {
			out[i] = RoleConfig{Emit: e}
		}
		return out
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "ok", mutate: func(c *Config) {}},
		{
			name:    "missing name",
			mutate:  func(c *Config) { c.Drills[0].Name = " " },
			wantErr: "name is required",
		},
		{
			name: "duplicate name",
			mutate: func(c *Config) {
				c.Drills = append(c.Drills, c.Drills[0])
			},
			wantErr: "duplicate name",
		},
		{
			name:    "bad mode",
			mutate:  func(c *Config) { c.Drills[0].Mode = "busywait" },
			wantErr: "unknown mode",
		},
		{
			name:    "negative limit",
			mutate:  func(c *Config) { c.Drills[0].Limit = -1 },
			wantErr: "limit must be >= 0",
		},
		{
			name:    "single role",
			mutate:  func(c *Config) { c.Drills[0].Roles = roles("upper") },
			wantErr: "at least two roles",
		},
		{
			name:    "bad emit",
			mutate:  func(c *Config) { c.Drills[0].Roles = roles("upper", "emoji") },
			wantErr: "unknown emit",
		},
		{
			name: "text without text",
			mutate: func(c *Config) {
				c.Drills[0].Roles = []RoleConfig{{Emit: "text"}, {Emit: "number"}}
			},
			wantErr: "requires text",
		},
		{
			name:    "file sink without path",
			mutate:  func(c *Config) { c.Drills[0].Sink = SinkConfig{Type: "file"} },
			wantErr: "requires a path",
		},
		{
			name:    "bad timeout",
			mutate:  func(c *Config) { c.Drills[0].Timeout = "soon" },
			wantErr: "invalid duration",
		},
		{
			name: "bad storage busy_timeout",
			mutate: func(c *Config) {
				c.Storage = &StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "-1s"}
			},
			wantErr: "must be >= 0",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{
				Drills: []DrillConfig{{
					Name:  "letters",
					Limit: 6,
					Roles: roles("upper", "lower"),
				}},
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Logging: LoggingConfig{Level: "INFO", Console: true},
		Drills: []DrillConfig{
			{Name: "a", Limit: 2, Roles: []RoleConfig{{Emit: "upper"}, {Emit: "lower"}}},
		},
	}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "DEBUG", Console: true},
		Drills: []DrillConfig{
			{Name: "a", Limit: 4, Roles: []RoleConfig{{Emit: "upper"}, {Emit: "lower"}}},
			{Name: "b", Limit: 2, Roles: []RoleConfig{{Emit: "number"}, {Emit: "number"}}},
		},
	}

	sections, _, drills := SummarizeConfigChange(oldCfg, newCfg)
	want := map[string]bool{"logging": true, "drills": true}
	for _, s := range sections {
		delete(want, s)
	}
	if len(want) != 0 {
		t.Errorf("missing sections %v in %v", want, sections)
	}
	got := map[string]bool{}
	for _, d := range drills {
		got[d] = true
	}
	if !got["a"] || !got["b"] {
		t.Errorf("changed drills = %v, want a and b", drills)
	}
}
