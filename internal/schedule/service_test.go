package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"baton/internal/drill"
	logx "baton/pkg/logx"
)

func testDefs() []drill.Definition {
	return []drill.Definition{
		{Name: "numbers", Schedule: "interval:1h"},
		{Name: "letters", Schedule: "0 * * * *"},
		{Name: "adhoc"},
	}
}

func noopRun(context.Context, string) error { return nil }

func TestRebuildKeepsOnlyScheduledDrills(t *testing.T) {
	t.Parallel()
	svc := New(Config{Enabled: true}, noopRun, logx.Nop())
	svc.Rebuild(testDefs())

	snap := svc.Snapshot()
	if len(snap.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(snap.Entries))
	}
	for _, e := range snap.Entries {
		if e.Name == "adhoc" {
			t.Fatalf("unscheduled drill %q registered", e.Name)
		}
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	svc := New(Config{Enabled: true, Timezone: "UTC"}, noopRun, logx.Nop())
	svc.Rebuild(testDefs())
	svc.Start(context.Background())

	snap := svc.Snapshot()
	if snap.Timezone != "UTC" {
		t.Fatalf("timezone = %q, want UTC", snap.Timezone)
	}
	if len(snap.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(snap.Entries))
	}
	for _, e := range snap.Entries {
		if e.Next.IsZero() {
			t.Fatalf("entry %q has no next run after Start", e.Name)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svc.Stop(ctx)
	// Stop is idempotent.
	svc.Stop(ctx)
}

func TestFireRunsDrill(t *testing.T) {
	t.Parallel()
	ran := make(chan string, 1)
	svc := New(Config{Enabled: true}, func(_ context.Context, name string) error {
		select {
		case ran <- name:
		default:
		}
		return nil
	}, logx.Nop())
	svc.Rebuild(testDefs()[:1])
	svc.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(ctx)
	}()

	svc.fire("numbers")
	select {
	case name := <-ran:
		if name != "numbers" {
			t.Fatalf("ran %q, want numbers", name)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("trigger never ran the drill")
	}
}

func TestFireBeforeStartIsNoop(t *testing.T) {
	t.Parallel()
	var got atomic.Int64
	svc := New(Config{Enabled: true}, func(context.Context, string) error {
		got.Add(1)
		return nil
	}, logx.Nop())
	svc.Rebuild(testDefs()[:1])

	svc.fire("numbers")
	if n := got.Load(); n != 0 {
		t.Fatalf("run called %d times before Start", n)
	}
}

func TestApplyBeforeStartOnlyStoresConfig(t *testing.T) {
	t.Parallel()
	svc := New(Config{Enabled: false}, noopRun, logx.Nop())
	svc.Apply(Config{Enabled: true, Timezone: "UTC"})
	if !svc.Enabled() {
		t.Fatalf("Enabled() = false after Apply")
	}
	if snap := svc.Snapshot(); snap.Timezone != "UTC" {
		t.Fatalf("timezone = %q, want UTC", snap.Timezone)
	}
}

// A timezone change must go through while a trigger is mid-fire: the old
// cron runner can only drain once fire() gets the service mutex, so Apply
// may not hold it across the runner swap.
func TestApplyDuringTriggerFire(t *testing.T) {
	t.Parallel()
	svc := New(Config{Enabled: true, Timezone: "UTC"}, noopRun, logx.Nop())
	svc.Rebuild([]drill.Definition{{Name: "numbers", Schedule: "interval:1h"}})
	svc.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		svc.Stop(ctx)
	}()

	// A job on the live runner that, like every registered trigger, needs
	// the service mutex. The pause keeps it in flight long enough for
	// Apply to reach the runner swap first.
	entered := make(chan struct{})
	svc.mu.Lock()
	c := svc.c
	svc.mu.Unlock()
	if _, err := c.AddFunc("* * * * * *", func() {
		select {
		case entered <- struct{}{}:
		default:
		}
		time.Sleep(50 * time.Millisecond)
		svc.fire("numbers")
	}); err != nil {
		t.Fatalf("AddFunc: %v", err)
	}

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("injected trigger never fired")
	}

	done := make(chan struct{})
	go func() {
		svc.Apply(Config{Enabled: true, Timezone: "America/New_York"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("Apply blocked while a trigger was firing")
	}

	snap := svc.Snapshot()
	if snap.Timezone != "America/New_York" {
		t.Fatalf("timezone = %q after Apply", snap.Timezone)
	}
	if len(snap.Entries) != 1 || snap.Entries[0].Name != "numbers" {
		t.Fatalf("entries not re-registered after restart: %+v", snap.Entries)
	}
}
