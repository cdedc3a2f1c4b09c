package saga

import (
	"time"

	"github.com/txcoord/txcoord/pkg/abort"
	"github.com/txcoord/txcoord/pkg/invoker"
	"github.com/txcoord/txcoord/pkg/logger"
	"github.com/txcoord/txcoord/pkg/store"
	"github.com/txcoord/txcoord/pkg/txn"
	"github.com/txcoord/txcoord/pkg/wal"
)

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

func WithInvoker(inv *invoker.Invoker) Option {
	return func(o *Orchestrator) {
		if inv != nil {
			o.invoker = inv
		}
	}
}

// WithForwardPolicy sets the retry policy for execute calls.
func WithForwardPolicy(p invoker.RetryPolicy) Option {
	return func(o *Orchestrator) { o.forward = p }
}

// WithCompensationPolicy sets the retry policy for compensate calls.
func WithCompensationPolicy(p invoker.RetryPolicy) Option {
	return func(o *Orchestrator) { o.compensation = p }
}

// WithStepTimeout bounds every participant attempt.
func WithStepTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.stepTimeout = d
		}
	}
}

// WithTransactionDeadline bounds the forward path of each saga. Zero, the
// default, means no overall bound. Compensation is not subject to it.
func WithTransactionDeadline(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.deadline = d
		}
	}
}

// WithMaxConcurrent caps how many steps of one level run at once.
func WithMaxConcurrent(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxConcurrent = n
		}
	}
}

func WithWAL(w wal.WAL) Option {
	return func(o *Orchestrator) { o.wal = w }
}

func WithStore(s store.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

func WithMetrics(m txn.MetricsRecorder) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithAbortRegistry shares an abort registry, for example with an HTTP
// handler or a Redis listener.
func WithAbortRegistry(r *abort.Registry) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.aborts = r
		}
	}
}

func WithEventSink(s txn.EventSink) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.events = s
		}
	}
}
