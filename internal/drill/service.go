package drill

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"baton/internal/eventbus"
	"baton/internal/storage"
	logx "baton/pkg/logx"
	"baton/pkg/turn"
)

// Service owns the configured drill definitions and executes runs.
//
// Runs triggered while a previous run of the same drill is still in flight
// are skipped, so a slow sink or a generous limit cannot pile up
// overlapping writers on one output file.
type Service struct {
	mu  sync.Mutex
	log logx.Logger
	bus eventbus.Bus
	cfg Config

	store storage.Store

	defs  map[string]Definition
	order []string

	inflight map[string]bool
	stopped  bool

	stopCh    chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		store:    store,
		defs:     map[string]Definition{},
		inflight: map[string]bool{},
	}
}

// Apply replaces the definition set. Safe during hot reload; in-flight runs
// finish under the definition they started with.
func (s *Service) Apply(defs []Definition) {
	m := make(map[string]Definition, len(defs))
	order := make([]string, 0, len(defs))
	for _, d := range defs {
		m[d.Name] = d
		order = append(order, d.Name)
	}
	s.mu.Lock()
	s.defs = m
	s.order = order
	s.mu.Unlock()
}

// Definitions returns the current definitions in declaration order.
func (s *Service) Definitions() []Definition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Definition, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.defs[name])
	}
	return out
}

// Start launches the startup pass: every drill without a schedule runs
// once, sequentially in declaration order, so their console output does not
// interleave across drills.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	runCtx := s.runCtx
	stopCh := s.stopCh
	startup := make([]string, 0, len(s.order))
	for _, name := range s.order {
		if strings.TrimSpace(s.defs[name].Schedule) == "" {
			startup = append(startup, name)
		}
	}
	s.mu.Unlock()

	s.log.Info("service started", logx.Int("drills", len(s.order)), logx.Int("startup_runs", len(startup)))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for _, name := range startup {
			select {
			case <-runCtx.Done():
				return
			case <-stopCh:
				return
			default:
			}
			if _, err := s.Run(runCtx, name, "startup"); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("startup drill failed", logx.String("drill", name), logx.Err(err))
			}
		}
	}()
}

// Stop cancels in-flight runs and waits for them (bounded by ctx).
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	s.stopped = true
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	cancel := s.runCancel
	s.stopCh = nil
	s.runCtx = nil
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
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
		s.log.Warn("service stop timed out; runs abandoned")
	}
}

// Run executes one drill synchronously and returns its history item.
// trigger is recorded verbatim ("startup", "schedule", "manual").
func (s *Service) Run(ctx context.Context, name, trigger string) (HistoryItem, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return HistoryItem{}, ErrStopped
	}
	def, ok := s.defs[name]
	if !ok {
		s.mu.Unlock()
		return HistoryItem{}, ErrUnknown
	}
	if s.inflight[name] {
		s.mu.Unlock()
		s.log.Debug("drill skipped (overlap)", logx.String("drill", name))
		return HistoryItem{}, ErrOverlapSkip
	}
	s.inflight[name] = true
	// Registered under the same lock section Stop uses to latch stopped,
	// so a run admitted here is always seen by Stop's wg.Wait.
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inflight, name)
		s.mu.Unlock()
		s.wg.Done()
	}()

	item := s.runOne(ctx, def, trigger)
	s.record(ctx, def, trigger, item)
	if item.Error != "" {
		return item, errors.New(item.Error)
	}
	return item, nil
}

func (s *Service) runOne(ctx context.Context, def Definition, trigger string) HistoryItem {
	started := time.Now()
	item := HistoryItem{Drill: def.Name, Trigger: trigger, Started: started}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "drill.started", Time: started, Data: RunEvent{
			Drill: def.Name, Trigger: trigger, Started: started,
		}})
	}
	s.log.Debug("drill.started",
		logx.String("drill", def.Name),
		logx.String("trigger", trigger),
		logx.String("mode", string(def.Mode)),
		logx.Int("limit", def.Limit),
		logx.Int("roles", len(def.Roles)),
	)

	w, closeSink, err := openSink(def)
	if err != nil {
		item.Error = "sink: " + err.Error()
		item.Duration = time.Since(started)
		return item
	}

	onStep := func(role Role, pos, round int) {
		if s.bus == nil {
			return
		}
		s.bus.Publish(eventbus.Event{Type: "drill.step", Data: StepEvent{
			Drill: def.Name, Role: role.Name, Pos: pos, Round: round,
		}})
	}

	var opts []turn.Option
	if def.Mode == ModeSpin {
		opts = append(opts, turn.WithPolling())
	}
	if def.StallTimeout > 0 {
		opts = append(opts, turn.WithStallTimeout(def.StallTimeout))
	}

	sch, err := turn.New(def.Limit, buildSteps(def, w, onStep), opts...)
	if err != nil {
		_ = closeSink()
		item.Error = err.Error()
		item.Duration = time.Since(started)
		return item
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if def.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, def.Timeout)
	}
	runErr := sch.Run(runCtx)
	if cancel != nil {
		cancel()
	}
	if cerr := closeSink(); cerr != nil && runErr == nil {
		runErr = cerr
	}

	item.Duration = time.Since(started)
	item.FinalPos = sch.Pos()
	if runErr != nil {
		item.Error = runErr.Error()
	}
	return item
}

func (s *Service) record(ctx context.Context, def Definition, trigger string, item HistoryItem) {
	historySize := s.cfg.HistorySize
	if historySize <= 0 {
		historySize = 200
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()

	evType := "drill.finished"
	if item.Error != "" {
		evType = "drill.failed"
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: evType, Time: time.Now(), Data: RunEvent{
			Drill: def.Name, Trigger: trigger, Started: item.Started,
			Duration: item.Duration, FinalPos: item.FinalPos, Error: item.Error,
		}})
	}
	if item.Error != "" {
		s.log.Warn("drill.failed",
			logx.String("drill", def.Name),
			logx.String("trigger", trigger),
			logx.Duration("dur", item.Duration),
			logx.Int("final_pos", item.FinalPos),
			logx.String("err", item.Error),
		)
	} else {
		s.log.Info("drill.finished",
			logx.String("drill", def.Name),
			logx.String("trigger", trigger),
			logx.Duration("dur", item.Duration),
			logx.Int("final_pos", item.FinalPos),
		)
	}

	if s.store != nil {
		rec := storage.RunRecord{
			At:       item.Started,
			Drill:    def.Name,
			Mode:     string(def.Mode),
			Trigger:  trigger,
			Roles:    len(def.Roles),
			Limit:    def.Limit,
			FinalPos: item.FinalPos,
			TookMS:   item.Duration.Milliseconds(),
			Error:    item.Error,
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		if err := s.store.AppendRun(sctx, rec); err != nil {
			s.log.Debug("run record append failed", logx.String("drill", def.Name), logx.Err(err))
		}
		cancel()
	}
}

// Snapshot returns a diagnostics view.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	drills := append([]string(nil), s.order...)
	running := 0
	for _, v := range s.inflight {
		if v {
			running++
		}
	}
	s.mu.Unlock()

	s.hmu.Lock()
	hist := make([]HistoryItem, len(s.history))
	copy(hist, s.history)
	s.hmu.Unlock()

	return Snapshot{Drills: drills, Running: running, History: hist}
}
