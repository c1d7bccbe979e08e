package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "baton/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.runs.jsonl (append-only JSON Lines, one record per run)
//
// The journal is compacted once it grows past maxJournalRecords: the newest
// half is rewritten to a fresh file via rename.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	path    string
	file    *os.File
	appends int
}

const (
	maxJournalRecords = 10000
	defaultListLimit  = 100
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	runsPath := filepath.Join(dir, base) + ".runs.jsonl"

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{log: log, path: runsPath, file: f}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	if r.At.IsZero() {
		r.At = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("run journal closed")
	}
	if err := json.NewEncoder(s.file).Encode(r); err != nil {
		return err
	}
	s.appends++
	if s.appends%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("run journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) ListRuns(ctx context.Context, drill string, limit int) ([]RunRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = defaultListLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := readRunJournal(s.path)
	if err != nil {
		return nil, err
	}

	out := make([]RunRecord, 0, limit)
	// Journal is append-ordered; walk backwards for newest first.
	for i := len(recs) - 1; i >= 0 && len(out) < limit; i-- {
		if drill != "" && recs[i].Drill != drill {
			continue
		}
		out = append(out, recs[i])
	}
	return out, nil
}

func (s *fileStore) compactLocked() error {
	recs, err := readRunJournal(s.path)
	if err != nil {
		return err
	}
	if len(recs) <= maxJournalRecords {
		return nil
	}
	keep := recs[len(recs)-maxJournalRecords/2:]

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range keep {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}

	// Swap the journal under the lock; reopen the append handle. On any
	// failure past the Close, s.file must not keep the dead handle: nil
	// makes AppendRun report the journal as closed instead of EBADF.
	if err := s.file.Close(); err != nil {
		s.file = nil
		return err
	}
	s.file = nil
	if err := os.Rename(tmp, s.path); err != nil {
		s.file, _ = os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		return err
	}
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.file = nf
	return nil
}

func readRunJournal(path string) ([]RunRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []RunRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// Skip torn/corrupt lines rather than failing the whole read.
			continue
		}
		if r.Drill == "" {
			continue
		}
		out = append(out, r)
	}
	return out, sc.Err()
}
