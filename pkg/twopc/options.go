package twopc

import (
	"time"

	"github.com/txcoord/txcoord/pkg/abort"
	"github.com/txcoord/txcoord/pkg/invoker"
	"github.com/txcoord/txcoord/pkg/logger"
	"github.com/txcoord/txcoord/pkg/store"
	"github.com/txcoord/txcoord/pkg/txn"
	"github.com/txcoord/txcoord/pkg/wal"
)

// Option customizes a Coordinator.
type Option func(*Coordinator)

func WithInvoker(inv *invoker.Invoker) Option {
	return func(c *Coordinator) {
		if inv != nil {
			c.invoker = inv
		}
	}
}

// WithForwardPolicy sets the retry policy for prepare calls.
func WithForwardPolicy(p invoker.RetryPolicy) Option {
	return func(c *Coordinator) { c.forward = p }
}

// WithCompensationPolicy sets the retry policy for commit and rollback
// calls.
func WithCompensationPolicy(p invoker.RetryPolicy) Option {
	return func(c *Coordinator) { c.finalize = p }
}

// WithCallTimeout bounds every participant attempt.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithPrepareDeadline bounds the whole prepare phase. Votes not in by then
// count as no. Zero disables the bound.
func WithPrepareDeadline(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.prepareDeadline = d
		}
	}
}

func WithWAL(w wal.WAL) Option {
	return func(c *Coordinator) { c.wal = w }
}

func WithStore(s store.Store) Option {
	return func(c *Coordinator) { c.store = s }
}

func WithMetrics(m txn.MetricsRecorder) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithAbortRegistry(r *abort.Registry) Option {
	return func(c *Coordinator) {
		if r != nil {
			c.aborts = r
		}
	}
}

func WithEventSink(s txn.EventSink) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.events = s
		}
	}
}
