package app

import (
	"fmt"
	"strings"
	"time"

	"baton/internal/config"
	"baton/internal/drill"
	"baton/internal/observability/pprof"
	"baton/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 1*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	return pprof.Config{
		Enabled:       cfg.Pprof.Enabled,
		Addr:          cfg.Pprof.Addr,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
	}
}

// mapDrillDefs converts validated drill configs into runtime definitions.
// Validate() has already normalized modes, emits, sinks, and role names.
func mapDrillDefs(cfg *config.Config) ([]drill.Definition, error) {
	defs := make([]drill.Definition, 0, len(cfg.Drills))
	for i := range cfg.Drills {
		d := &cfg.Drills[i]

		timeout, err := config.ParseDurationField(fmt.Sprintf("drill %q timeout", d.Name), d.Timeout)
		if err != nil {
			return nil, err
		}
		stall, err := config.ParseDurationField(fmt.Sprintf("drill %q stall_timeout", d.Name), d.StallTimeout)
		if err != nil {
			return nil, err
		}

		def := drill.Definition{
			Name:         d.Name,
			Mode:         drill.Mode(d.Mode),
			Limit:        d.Limit,
			Schedule:     strings.TrimSpace(d.Schedule),
			Timeout:      timeout,
			StallTimeout: stall,
			Sink:         drill.SinkKind(d.Sink.Type),
			SinkPath:     d.Sink.Path,
		}
		for _, r := range d.Roles {
			def.Roles = append(def.Roles, drill.Role{
				Name:   r.Name,
				Emit:   drill.EmitKind(r.Emit),
				Format: r.Format,
				Text:   r.Text,
			})
		}
		defs = append(defs, def)
	}
	return defs, nil
}
