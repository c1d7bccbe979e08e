package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"baton/internal/drill"
	logx "baton/pkg/logx"
)

func New(cfg Config, run RunFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		run: run,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		lastWarn: map[string]time.Time{},
	}
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	restart := s.c != nil && oldTZ != newTZ && !s.restarting
	if restart {
		s.restarting = true
	}
	s.mu.Unlock()

	if restart {
		// restart cron with the new location and re-register entries
		s.restart()
	}
}

// Start begins firing triggers for the registered entries.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	cur := s.cfg
	s.log.Debug("start requested", logx.Bool("enabled", cur.Enabled), logx.String("tz", strings.TrimSpace(cur.Timezone)))

	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	for i := range s.entries {
		if err := s.registerLocked(&s.entries[i]); err != nil {
			s.log.Error("trigger register failed",
				logx.String("drill", s.entries[i].name),
				logx.String("spec", s.entries[i].spec),
				logx.Err(err),
			)
		}
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("entries", len(s.entries)))
}

// Stop stops the cron runner and waits for in-flight triggered runs.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCtx = nil
	s.runCancel = nil
	for i := range s.entries {
		s.entries[i].entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		s.log.Warn("service stop timed out")
	}
}

// Rebuild replaces the entry set from the given definitions, keeping only
// drills that carry a schedule. Used at startup and on hot reload.
func (s *Service) Rebuild(defs []drill.Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.c != nil {
		for i := range s.entries {
			if s.entries[i].entryID != 0 {
				s.c.Remove(s.entries[i].entryID)
			}
		}
	}
	s.entries = s.entries[:0]

	for _, d := range defs {
		spec := strings.TrimSpace(d.Schedule)
		if spec == "" {
			continue
		}
		e := entry{name: d.Name, spec: spec}
		s.entries = append(s.entries, e)
	}
	if s.c == nil {
		return
	}
	for i := range s.entries {
		e := &s.entries[i]
		if err := s.registerLocked(e); err != nil {
			s.log.Error("trigger register failed", logx.String("drill", e.name), logx.String("spec", e.spec), logx.Err(err))
			continue
		}
		args := []logx.Field{logx.String("drill", e.name), logx.String("spec", e.spec)}
		if next := s.previewNextRunsLocked(e.spec, 3); next != "" {
			args = append(args, logx.String("next", next))
		}
		s.log.Debug("trigger registered", args...)
	}
}

// registerLocked normalizes the entry spec and adds it to the running cron.
// Call with s.mu held and s.c non-nil.
func (s *Service) registerLocked(e *entry) error {
	ps, err := ParseSchedule(e.spec)
	if err != nil {
		return err
	}

	name := e.name
	job := cron.FuncJob(func() { s.fire(name) })

	switch ps.Kind {
	case SpecInterval:
		// Interval triggers get a one-off startup spread so several drills on
		// the same interval don't all fire in the same instant after start.
		loc := s.loc
		if loc == nil {
			loc = time.Local
		}
		sched, jitter := makeIntervalScheduleWithSpread(ps.Every, time.Now().In(loc), name)
		e.startupSpread = jitter
		e.entryID = s.c.Schedule(sched, job)
		return nil
	case SpecCron:
		e.startupSpread = 0
		eid, err := s.c.AddJob(ps.Cron, job)
		if err != nil {
			return err
		}
		e.entryID = eid
		return nil
	default:
		return fmt.Errorf("unsupported schedule kind")
	}
}

// fire runs one triggered drill asynchronously so a slow run never blocks
// the cron goroutine and the other entries.
func (s *Service) fire(name string) {
	s.mu.Lock()
	ctx := s.runCtx
	run := s.run
	s.mu.Unlock()
	if ctx == nil || run == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := run(ctx, name)
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, drill.ErrStopped) {
			return
		}
		if errors.Is(err, drill.ErrOverlapSkip) {
			s.log.Debug("trigger skipped (previous run in flight)", logx.String("drill", name))
			return
		}
		s.reportRunError(name, err)
	}()
}

// reportRunError throttles repeated failure logs per drill to one per minute.
func (s *Service) reportRunError(name string, err error) {
	const every = time.Minute
	now := time.Now()
	s.wmu.Lock()
	last := s.lastWarn[name]
	quiet := now.Sub(last) < every
	if !quiet {
		s.lastWarn[name] = now
	}
	s.wmu.Unlock()
	if quiet {
		s.log.Debug("triggered run failed (throttled)", logx.String("drill", name), logx.Err(err))
		return
	}
	s.log.Warn("triggered run failed", logx.String("drill", name), logx.Err(err))
}

// restart swaps the cron runner for one in the currently configured
// timezone. The old runner must be stopped with s.mu released: its jobs
// call fire(), which takes s.mu, so Stop().Done() can only drain once the
// lock is free. Guarded by s.restarting; loops until the running timezone
// matches the config so a reconfigure during the swap is not lost.
func (s *Service) restart() {
	for {
		s.mu.Lock()
		old := s.c
		s.c = nil
		s.mu.Unlock()

		if old != nil {
			<-old.Stop().Done()
		}

		s.mu.Lock()
		if s.runCtx == nil || s.c != nil {
			// Stop (or a Stop/Start cycle) won the race; leave the current
			// runner alone.
			s.restarting = false
			s.mu.Unlock()
			return
		}
		tz := strings.TrimSpace(s.cfg.Timezone)
		loc := s.loadLocationLocked()
		s.loc = loc
		s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
		for i := range s.entries {
			if err := s.registerLocked(&s.entries[i]); err != nil {
				s.log.Error("trigger register failed", logx.String("drill", s.entries[i].name), logx.Err(err))
			}
		}
		s.c.Start()
		s.log.Info("service restarted", logx.String("tz", loc.String()), logx.Int("entries", len(s.entries)))
		if strings.TrimSpace(s.cfg.Timezone) == tz {
			s.restarting = false
			s.mu.Unlock()
			return
		}
		// timezone changed again while the swap was in flight
		s.mu.Unlock()
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked returns a short list of upcoming run times for the
// given spec. Debug-level helper; call with s.mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	ps, err := ParseSchedule(spec)
	if err != nil || ps.Kind != SpecCron {
		return ""
	}
	sched, err := s.parser.Parse(ps.Cron)
	if err != nil {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
