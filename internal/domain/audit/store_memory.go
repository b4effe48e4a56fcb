package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ehr/phiaccess/pkg/pagination"
)

// MemoryStore keeps the log in process. Entries are copied on the way in and
// out so callers cannot mutate stored rows.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make([]*Entry, 0)}
}

func clone(e *Entry) *Entry {
	c := *e
	if e.ReviewDeadline != nil {
		d := *e.ReviewDeadline
		c.ReviewDeadline = &d
	}
	return &c
}

func (s *MemoryStore) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, clone(e))
	return nil
}

// sortNewestFirst orders by timestamp desc with audit id as tie-break.
func sortNewestFirst(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.After(entries[j].Timestamp)
		}
		return entries[i].AuditID > entries[j].AuditID
	})
}

func sortOldestFirst(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		return entries[i].AuditID < entries[j].AuditID
	})
}

func (s *MemoryStore) Query(_ context.Context, f Filter) ([]*Entry, int, int, error) {
	s.mu.RLock()
	total := len(s.entries)
	var filtered []*Entry
	for _, e := range s.entries {
		if f.Matches(e) {
			filtered = append(filtered, e)
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(filtered)

	p := pagination.Normalize(f.Limit, f.Offset, pagination.AuditDefaultLimit, pagination.AuditMaxLimit)
	start, end := p.Page(len(filtered))
	page := make([]*Entry, 0, end-start)
	for _, e := range filtered[start:end] {
		page = append(page, clone(e))
	}
	return page, len(filtered), total, nil
}

func (s *MemoryStore) Range(_ context.Context, from, to time.Time) ([]*Entry, error) {
	s.mu.RLock()
	var out []*Entry
	for _, e := range s.entries {
		if !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
			out = append(out, clone(e))
		}
	}
	s.mu.RUnlock()
	sortOldestFirst(out)
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := newStats()
	for _, e := range s.entries {
		st.add(e)
	}
	return st, nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
