package abort

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Signal asks whichever node runs TxID to abort it.
type Signal struct {
	TxID   string    `json:"tx_id"`
	Reason string    `json:"reason,omitempty"`
	Origin string    `json:"origin,omitempty"`
	SentAt time.Time `json:"sent_at"`
}

// Bus distributes abort signals between coordinator instances.
type Bus interface {
	Publish(ctx context.Context, sig Signal) error
	// Subscribe returns every signal published after the call. The channel
	// is closed when ctx ends or the bus closes.
	Subscribe(ctx context.Context) (<-chan Signal, error)
	Healthy(ctx context.Context) bool
	Close() error
}

var (
	ErrBusClosed   = errors.New("abort bus is closed")
	ErrEmptyTxID   = errors.New("abort signal tx_id cannot be empty")
	defaultBufSize = 64
)

// LocalBus delivers signals between registries in one process.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[int]chan Signal
	nextID int
	closed bool
	stop   chan struct{}
}

// NewLocalBus creates an in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]chan Signal), stop: make(chan struct{})}
}

func (b *LocalBus) Publish(_ context.Context, sig Signal) error {
	if sig.TxID == "" {
		return ErrEmptyTxID
	}
	if sig.SentAt.IsZero() {
		sig.SentAt = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, ch := range b.subs {
		select {
		case ch <- sig:
		default:
			// Slow subscriber; the signal is dropped for it only.
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context) (<-chan Signal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Signal, defaultBufSize)
	b.subs[id] = ch

	go func() {
		select {
		case <-ctx.Done():
		case <-b.stop:
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}()
	return ch, nil
}

func (b *LocalBus) Healthy(context.Context) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.stop)
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
