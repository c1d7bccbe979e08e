package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "baton/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "baton_store")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func rec(drill string, pos int) RunRecord {
	return RunRecord{
		At:       time.Now(),
		Drill:    drill,
		Mode:     "cond",
		Trigger:  "manual",
		Roles:    2,
		Limit:    pos - 1,
		FinalPos: pos,
		TookMS:   3,
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", "None"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q) = %T, want nil", driver, st)
		}
	}
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestAppendAndListNewestFirst(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if err := st.AppendRun(ctx, rec("letters", i)); err != nil {
			t.Fatalf("AppendRun %d: %v", i, err)
		}
	}
	if err := st.AppendRun(ctx, rec("numbers", 9)); err != nil {
		t.Fatalf("AppendRun: %v", err)
	}

	got, err := st.ListRuns(ctx, "letters", 3)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListRuns = %d records, want 3", len(got))
	}
	for i, want := range []int{5, 4, 3} {
		if got[i].FinalPos != want {
			t.Errorf("got[%d].FinalPos = %d, want %d", i, got[i].FinalPos, want)
		}
		if got[i].Drill != "letters" {
			t.Errorf("got[%d].Drill = %q", i, got[i].Drill)
		}
	}

	all, err := st.ListRuns(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListRuns(all): %v", err)
	}
	if len(all) != 6 {
		t.Errorf("ListRuns(all) = %d records, want 6", len(all))
	}
	if all[0].Drill != "numbers" {
		t.Errorf("newest record = %q, want numbers", all[0].Drill)
	}
}

func TestListSkipsCorruptLines(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if err := st.AppendRun(ctx, rec("a", 1)); err != nil {
		t.Fatalf("AppendRun: %v", err)
	}

	// Simulate a torn write.
	journal := filepath.Join(dir, "store.runs.jsonl")
	f, err := os.OpenFile(journal, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if _, err := f.WriteString("{\"drill\": \"a\", \"final_p\n"); err != nil {
		t.Fatalf("write torn line: %v", err)
	}
	_ = f.Close()

	if err := st.AppendRun(ctx, rec("a", 2)); err != nil {
		t.Fatalf("AppendRun: %v", err)
	}
	got, err := st.ListRuns(ctx, "a", 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListRuns = %d records, want 2 (corrupt line skipped)", len(got))
	}
	_ = st.Close()
}

func TestAppendAfterClose(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.AppendRun(context.Background(), rec("a", 1)); err == nil {
		t.Fatal("expected error appending to closed store")
	}
}

func TestCompactSwapFailureClosesJournal(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	fs := st.(*fileStore)
	ctx := context.Background()

	// Grow the journal past the compaction threshold behind the store's
	// back, then kill its append handle so the swap's Close fails.
	f, err := os.OpenFile(fs.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	enc := json.NewEncoder(f)
	for i := 0; i < maxJournalRecords+1; i++ {
		if err := enc.Encode(rec("bulk", 3)); err != nil {
			t.Fatalf("seed journal: %v", err)
		}
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close seed handle: %v", err)
	}
	_ = fs.file.Close()

	fs.mu.Lock()
	err = fs.compactLocked()
	fs.mu.Unlock()
	if err == nil {
		t.Fatal("compact succeeded on a dead handle")
	}

	// The store must report itself closed, not write through the dead fd.
	if err := st.AppendRun(ctx, rec("after", 3)); err == nil || err.Error() != "run journal closed" {
		t.Fatalf("AppendRun after failed compact: %v", err)
	}
}
