package drill

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"baton/internal/eventbus"
	"baton/internal/storage"
	logx "baton/pkg/logx"
)

func TestLetterAt(t *testing.T) {
	t.Parallel()
	cases := []struct {
		base  rune
		round int
		want  rune
	}{
		{'A', 0, 'A'},
		{'A', 2, 'C'},
		{'a', 25, 'z'},
		{'a', 26, 'a'},
		{'A', 27, 'B'},
	}
	for _, tc := range cases {
		if got := letterAt(tc.base, tc.round); got != tc.want {
			t.Errorf("letterAt(%q, %d) = %q, want %q", tc.base, tc.round, got, tc.want)
		}
	}
}

func TestDefaultFormat(t *testing.T) {
	t.Parallel()
	cases := []struct {
		kind EmitKind
		want string
	}{
		{EmitNumber, "%d\n"},
		{EmitUpper, "%c"},
		{EmitLower, "%c"},
		{EmitText, "%s\n"},
	}
	for _, tc := range cases {
		if got := defaultFormat(tc.kind); got != tc.want {
			t.Errorf("defaultFormat(%s) = %q, want %q", tc.kind, got, tc.want)
		}
	}
}

type memStore struct {
	mu   sync.Mutex
	recs []storage.RunRecord
}

func (m *memStore) AppendRun(_ context.Context, rec storage.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memStore) ListRuns(_ context.Context, drill string, limit int) ([]storage.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.RunRecord(nil), m.recs...), nil
}

func (m *memStore) Close() error { return nil }

func letterDef(name, path string, limit int) Definition {
	return Definition{
		Name:     name,
		Mode:     ModeCond,
		Limit:    limit,
		Sink:     SinkFile,
		SinkPath: path,
		Roles: []Role{
			{Name: "upper", Emit: EmitUpper},
			{Name: "lower", Emit: EmitLower},
		},
	}
}

func TestRunWritesAlternatingLetters(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.txt")
	store := &memStore{}
	svc := New(Config{}, logx.Nop(), nil, store)
	svc.Apply([]Definition{letterDef("letters", path, 6)})

	item, err := svc.Run(context.Background(), "letters", "manual")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if item.FinalPos != 7 {
		t.Errorf("final pos = %d, want 7", item.FinalPos)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sink: %v", err)
	}
	if string(got) != "AaBbCc" {
		t.Errorf("sink = %q, want %q", got, "AaBbCc")
	}
	if len(store.recs) != 1 {
		t.Fatalf("run records = %d, want 1", len(store.recs))
	}
	rec := store.recs[0]
	if rec.Drill != "letters" || rec.Trigger != "manual" || rec.FinalPos != 7 || rec.Error != "" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestRunPublishesEvents(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.txt")
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	svc := New(Config{}, logx.Nop(), bus, nil)
	svc.Apply([]Definition{letterDef("ev", path, 4)})
	if _, err := svc.Run(context.Background(), "ev", "manual"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var started, steps, finished int
	deadline := time.After(2 * time.Second)
	for started == 0 || finished == 0 || steps < 4 {
		select {
		case ev := <-ch:
			switch ev.Type {
			case "drill.started":
				started++
			case "drill.step":
				steps++
			case "drill.finished":
				finished++
			case "drill.failed":
				t.Fatalf("unexpected failure event: %+v", ev.Data)
			}
		case <-deadline:
			t.Fatalf("timed out; started=%d steps=%d finished=%d", started, steps, finished)
		}
	}
}

func TestRunUnknownDrill(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, logx.Nop(), nil, nil)
	if _, err := svc.Run(context.Background(), "nope", "manual"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("err = %v, want ErrUnknown", err)
	}
}

func TestRunOverlapSkipped(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.txt")
	svc := New(Config{}, logx.Nop(), nil, nil)
	svc.Apply([]Definition{letterDef("busy", path, 4)})

	svc.mu.Lock()
	svc.inflight["busy"] = true
	svc.mu.Unlock()

	if _, err := svc.Run(context.Background(), "busy", "manual"); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("err = %v, want ErrOverlapSkip", err)
	}
}

func TestSnapshotHistoryBounded(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.txt")
	svc := New(Config{HistorySize: 3}, logx.Nop(), nil, nil)
	svc.Apply([]Definition{letterDef("h", path, 2)})

	for i := 0; i < 5; i++ {
		if _, err := svc.Run(context.Background(), "h", "manual"); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
	}
	snap := svc.Snapshot()
	if len(snap.History) != 3 {
		t.Errorf("history = %d items, want 3", len(snap.History))
	}
	if len(snap.Drills) != 1 || snap.Drills[0] != "h" {
		t.Errorf("drills = %v", snap.Drills)
	}
	if snap.Running != 0 {
		t.Errorf("running = %d, want 0", snap.Running)
	}
}

func TestStartRunsUnscheduledDrills(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	scheduled := letterDef("later", filepath.Join(dir, "c.txt"), 2)
	scheduled.Schedule = "interval:1h"

	svc := New(Config{}, logx.Nop(), nil, nil)
	svc.Apply([]Definition{letterDef("one", a, 2), letterDef("two", b, 2), scheduled})

	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	waitFor := func(path string) string {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if data, err := os.ReadFile(path); err == nil && len(data) == 2 {
				return string(data)
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("sink %s never written", path)
		return ""
	}
	if got := waitFor(a); got != "Aa" {
		t.Errorf("a = %q", got)
	}
	if got := waitFor(b); got != "Aa" {
		t.Errorf("b = %q", got)
	}
	svc.Stop(context.Background())
	if _, err := os.Stat(filepath.Join(dir, "c.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("scheduled drill ran at startup")
	}
}

func TestRunAfterStopRejected(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.txt")
	svc := New(Config{}, logx.Nop(), nil, nil)
	svc.Apply([]Definition{letterDef("late", path, 2)})
	svc.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svc.Stop(ctx)

	if _, err := svc.Run(context.Background(), "late", "schedule"); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestStopWithoutStartStillLatches(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.txt")
	svc := New(Config{}, logx.Nop(), nil, nil)
	svc.Apply([]Definition{letterDef("late", path, 2)})

	svc.Stop(context.Background())
	if _, err := svc.Run(context.Background(), "late", "manual"); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}
