package tracker

import (
	"context"
	"sync"
)

// MemoryStore keeps usage records in process. Used when no Postgres DSN
// is configured, and in tests.
type MemoryStore struct {
	mu   sync.RWMutex
	recs []*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.recs = append(s.recs, &cp)
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]*Record, error) {
	from, to := f.window()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, r := range s.recs {
		if r.CreatedAt.Before(from) || r.CreatedAt.After(to) {
			continue
		}
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		if f.ProjectID != "" && r.ProjectID != f.ProjectID {
			continue
		}
		if f.Provider != "" && r.Provider != f.Provider {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs)
}
