package vault

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"duck-adhoc/internal/domain"
)

var _ domain.ResultStore = (*MemoryStore)(nil)

// MemoryStore keeps results in process memory. All methods are safe for
// concurrent use; entries are lost on restart.
type MemoryStore struct {
	entries sync.Map // queryID -> *domain.StoredResult
	count   atomic.Int64
	bytes   atomic.Int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Put inserts or replaces the entry for r.QueryID.
func (s *MemoryStore) Put(_ context.Context, r *domain.StoredResult) error {
	cp := *r
	if old, loaded := s.entries.Swap(r.QueryID, &cp); loaded {
		s.untrack(old)
	}
	s.count.Add(1)
	s.bytes.Add(int64(len(cp.Data)))
	return nil
}

// Get returns the entry for queryID, expired or not.
func (s *MemoryStore) Get(_ context.Context, queryID string) (*domain.StoredResult, error) {
	v, ok := s.entries.Load(queryID)
	if !ok {
		return nil, &domain.ResultNotFoundError{QueryID: queryID}
	}
	cp := *v.(*domain.StoredResult)
	return &cp, nil
}

// Delete removes the entry for queryID if present.
func (s *MemoryStore) Delete(_ context.Context, queryID string) error {
	if old, loaded := s.entries.LoadAndDelete(queryID); loaded {
		s.untrack(old)
	}
	return nil
}

// DeleteIfExpired removes the entry for queryID if it is expired at now.
func (s *MemoryStore) DeleteIfExpired(_ context.Context, queryID string, now time.Time) (bool, error) {
	v, ok := s.entries.Load(queryID)
	if !ok || !v.(*domain.StoredResult).IsExpired(now) {
		return false, nil
	}
	if !s.entries.CompareAndDelete(queryID, v) {
		return false, nil
	}
	s.untrack(v)
	return true, nil
}

func (s *MemoryStore) untrack(v any) {
	s.count.Add(-1)
	s.bytes.Add(-int64(len(v.(*domain.StoredResult).Data)))
}

// SweepExpired removes every entry expired at now and returns how many it
// removed. An entry replaced during the sweep is left alone.
func (s *MemoryStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	evicted := 0
	var err error
	s.entries.Range(func(k, v any) bool {
		if err = ctx.Err(); err != nil {
			return false
		}
		if v.(*domain.StoredResult).IsExpired(now) && s.entries.CompareAndDelete(k, v) {
			s.untrack(v)
			evicted++
		}
		return true
	})
	return evicted, err
}

// Stats returns the entry count and total payload bytes.
func (s *MemoryStore) Stats() Stats {
	return Stats{Entries: int(s.count.Load()), Bytes: s.bytes.Load()}
}
