package wal

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// MemoryWAL keeps entries in process memory.
type MemoryWAL struct {
	mu      sync.RWMutex
	entries map[string][]Entry
	closed  bool
}

// NewMemoryWAL creates an empty in-memory log.
func NewMemoryWAL() *MemoryWAL {
	return &MemoryWAL{entries: make(map[string][]Entry)}
}

func (w *MemoryWAL) Append(ctx context.Context, entry Entry) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validate(&entry); err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}
	entry.Sequence = uint64(len(w.entries[entry.TxID]) + 1)
	w.entries[entry.TxID] = append(w.entries[entry.TxID], entry)
	return entry.Sequence, nil
}

func (w *MemoryWAL) List(ctx context.Context, txID string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return slices.Clone(w.entries[txID]), nil
}

func (w *MemoryWAL) TxIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	ids := make([]string, 0, len(w.entries))
	for id := range w.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (w *MemoryWAL) Delete(_ context.Context, txID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, txID)
	return nil
}

func (w *MemoryWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}
