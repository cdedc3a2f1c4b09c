package abort

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/txcoord/txcoord/pkg/logger"
)

var (
	// ErrNotFound is returned when aborting a transaction no one is running.
	ErrNotFound = errors.New("transaction not running")
	// ErrAlreadyRunning is returned when a transaction id is registered twice.
	ErrAlreadyRunning = errors.New("transaction already running")
)

// Registry maps running transactions to their cancellation tokens. Each
// coordinator owns one.
type Registry struct {
	id      string
	bus     Bus
	logger  logger.Logger
	metrics MetricsRecorder

	mu     sync.Mutex
	tokens map[string]*Token
}

// MetricsRecorder counts abort requests by route: "local" for a
// transaction running here, "bus" for one forwarded to peers and "peer" for
// one received from them.
type MetricsRecorder interface {
	RecordAbort(route, result string)
}

type nopMetrics struct{}

func (nopMetrics) RecordAbort(string, string) {}

// Option configures a Registry.
type Option func(*Registry)

// WithBus forwards aborts for unknown transactions to other coordinators.
func WithBus(b Bus) Option {
	return func(r *Registry) { r.bus = b }
}

func WithMetrics(m MetricsRecorder) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		id:      uuid.NewString(),
		logger:  logger.Global(),
		metrics: nopMetrics{},
		tokens:  make(map[string]*Token),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates the token for a transaction about to start.
func (r *Registry) Register(txID string) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tokens[txID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, txID)
	}
	t := NewToken(txID)
	r.tokens[txID] = t
	return t, nil
}

// Release forgets a finished transaction.
func (r *Registry) Release(txID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, txID)
}

// Lookup returns the token of a running transaction.
func (r *Registry) Lookup(txID string) (*Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[txID]
	return t, ok
}

// Active returns the ids of running transactions, sorted.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.tokens))
	for id := range r.tokens {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Cancel requests that txID abort. A transaction running here is flagged
// immediately. Otherwise the request is published on the bus, if any, for
// the coordinator that runs it; without a bus ErrNotFound is returned.
// Cancel never waits for the transaction to react.
func (r *Registry) Cancel(ctx context.Context, txID, reason string) error {
	if t, ok := r.Lookup(txID); ok {
		if t.Cancel(reason) {
			r.logger.Info("abort requested", "tx_id", txID, "reason", reason)
			r.metrics.RecordAbort("local", "applied")
		} else {
			r.metrics.RecordAbort("local", "duplicate")
		}
		return nil
	}
	if r.bus == nil {
		r.metrics.RecordAbort("local", "not_found")
		return fmt.Errorf("%w: %s", ErrNotFound, txID)
	}
	if err := r.bus.Publish(ctx, Signal{TxID: txID, Reason: reason, Origin: r.id}); err != nil {
		r.metrics.RecordAbort("bus", "error")
		return err
	}
	r.metrics.RecordAbort("bus", "published")
	return nil
}

// Listen applies abort signals from the bus until ctx ends. It returns
// immediately when the registry has no bus.
func (r *Registry) Listen(ctx context.Context) error {
	if r.bus == nil {
		return nil
	}
	signals, err := r.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			if sig.Origin == r.id {
				continue
			}
			if t, ok := r.Lookup(sig.TxID); ok && t.Cancel(sig.Reason) {
				r.logger.Info("abort received from peer", "tx_id", sig.TxID, "origin", sig.Origin)
				r.metrics.RecordAbort("peer", "applied")
			}
		}
	}
}
