package schedule

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tz := s.cfg.Timezone
	entries := make([]entry, len(s.entries))
	copy(entries, s.entries)
	c := s.c
	loc := s.loc
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	if tz == "" {
		tz = loc.String()
	}

	items := make([]EntryInfo, 0, len(entries))
	for _, e := range entries {
		it := EntryInfo{Name: e.name, Spec: e.spec}
		if c != nil && e.entryID != 0 {
			ce := c.Entry(e.entryID)
			it.Next = ce.Next
			it.Prev = ce.Prev
		}
		items = append(items, it)
	}

	return Snapshot{Enabled: enabled, Timezone: tz, Entries: items}
}
