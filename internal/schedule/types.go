package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "baton/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
}

// RunFunc executes the named drill. The schedule service never runs drills
// itself; overlap handling and per-run timeouts live with the callee.
type RunFunc func(ctx context.Context, name string) error

type entry struct {
	name          string
	spec          string // cron spec or @every
	entryID       cron.EntryID
	startupSpread time.Duration // initial random delay for @every entries
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	run RunFunc

	parser  cron.Parser
	c       *cron.Cron
	entries []entry

	// restarting serializes timezone-driven cron swaps; the swap itself
	// runs with mu released (see restart).
	restarting bool

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	// Trigger error throttling: key is the drill name.
	wmu      sync.Mutex
	lastWarn map[string]time.Time
}

type EntryInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

type Snapshot struct {
	Enabled  bool
	Timezone string
	Entries  []EntryInfo
}
