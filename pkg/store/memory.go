package store

import (
	"context"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

// MemoryStore keeps records in memory with a creation-ordered index.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	order   *btree.Map[string, string]
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		order:   btree.NewMap[string, string](32),
	}
}

func (s *MemoryStore) Save(ctx context.Context, record *Record) error {
	if err := checkRecord(record); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r := record.Clone()
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.records[r.TxID]; ok {
		// CreatedAt is fixed by the first save.
		r.CreatedAt = prev.CreatedAt
	}
	s.records[r.TxID] = r
	s.order.Set(orderKey(r), r.TxID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, txID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[txID]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*Record, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Record
	s.order.Scan(func(_ string, txID string) bool {
		if r := s.records[txID]; r != nil && filter.matches(r) {
			matched = append(matched, r)
		}
		return true
	})

	start, end := filter.window(len(matched))
	out := make([]*Record, 0, end-start)
	for _, r := range matched[start:end] {
		out = append(out, r.Clone())
	}
	return out, len(matched), nil
}

func (s *MemoryStore) Delete(_ context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[txID]
	if !ok {
		return ErrNotFound
	}
	s.order.Delete(orderKey(r))
	delete(s.records, txID)
	return nil
}
