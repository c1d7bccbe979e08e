package drill

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"baton/internal/eventbus"
	logx "baton/pkg/logx"
)

// Observer mirrors drill.step events to the log. Steps can fire thousands
// of times per second on a spin drill, so the mirror is rate limited and
// reports how many events it dropped between allowed ones.
type Observer struct {
	log logx.Logger
	bus eventbus.Bus
	lim *rate.Limiter

	mu        sync.Mutex
	ch        <-chan eventbus.Event
	unsub     func()
	done      chan struct{}
	suppressed uint64
}

// NewObserver caps log output at perSec step lines per second (default 10).
func NewObserver(log logx.Logger, bus eventbus.Bus, perSec float64) *Observer {
	if perSec <= 0 {
		perSec = 10
	}
	return &Observer{
		log: log,
		bus: bus,
		lim: rate.NewLimiter(rate.Limit(perSec), int(perSec)+1),
	}
}

func (o *Observer) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done != nil || o.bus == nil {
		return
	}
	o.ch, o.unsub = o.bus.Subscribe(256)
	o.done = make(chan struct{})
	go o.loop(ctx, o.ch, o.done)
}

func (o *Observer) Stop(ctx context.Context) {
	o.mu.Lock()
	unsub, done := o.unsub, o.done
	o.ch, o.unsub, o.done = nil, nil, nil
	o.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (o *Observer) loop(ctx context.Context, ch <-chan eventbus.Event, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type != "drill.step" {
				continue
			}
			step, ok := ev.Data.(StepEvent)
			if !ok {
				continue
			}
			if !o.lim.AllowN(time.Now(), 1) {
				o.mu.Lock()
				o.suppressed++
				o.mu.Unlock()
				continue
			}
			o.mu.Lock()
			dropped := o.suppressed
			o.suppressed = 0
			o.mu.Unlock()
			fields := []logx.Field{
				logx.String("drill", step.Drill),
				logx.String("role", step.Role),
				logx.Int("pos", step.Pos),
				logx.Int("round", step.Round),
			}
			if dropped > 0 {
				fields = append(fields, logx.Uint64("suppressed", dropped))
			}
			o.log.Debug("drill.step", fields...)
		}
	}
}
