package invoker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/txcoord/txcoord/pkg/logger"
)

// Phase names the kind of participant call.
type Phase string

const (
	PhaseExecute    Phase = "execute"
	PhaseCompensate Phase = "compensate"
	PhasePrepare    Phase = "prepare"
	PhaseCommit     Phase = "commit"
	PhaseRollback   Phase = "rollback"
)

// Call describes one remote operation.
type Call struct {
	TxID      string
	Service   string
	Operation string
	Phase     Phase
	// Timeout bounds each attempt. Zero means no per-attempt bound.
	Timeout time.Duration
	Policy  RetryPolicy
	// Cancelled is consulted before every attempt. A true answer ends the
	// call with KindCancelled without contacting the participant again.
	Cancelled func() bool
	Fn        func(ctx context.Context) (bool, error)
}

// MetricsRecorder receives one observation per finished call.
type MetricsRecorder interface {
	RecordCall(service string, phase Phase, kind ErrorKind, attempts int, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordCall(string, Phase, ErrorKind, int, time.Duration) {}

// Invoker runs participant calls. It is safe for concurrent use.
type Invoker struct {
	logger  logger.Logger
	metrics MetricsRecorder
	limiter atomic.Pointer[serviceLimiter]
}

// Option configures an Invoker.
type Option func(*Invoker)

func WithLogger(l logger.Logger) Option {
	return func(i *Invoker) {
		if l != nil {
			i.logger = l
		}
	}
}

func WithMetrics(m MetricsRecorder) Option {
	return func(i *Invoker) {
		if m != nil {
			i.metrics = m
		}
	}
}

// WithRateLimits throttles calls per service name.
func WithRateLimits(limits map[string]RateLimit) Option {
	return func(i *Invoker) {
		if len(limits) > 0 {
			i.limiter.Store(newServiceLimiter(limits))
		}
	}
}

// SetRateLimits replaces the per-service limits. Calls already waiting on
// the old buckets finish against them.
func (i *Invoker) SetRateLimits(limits map[string]RateLimit) {
	if len(limits) == 0 {
		i.limiter.Store(nil)
		return
	}
	i.limiter.Store(newServiceLimiter(limits))
}

// New creates an Invoker.
func New(opts ...Option) *Invoker {
	i := &Invoker{
		logger:  logger.Global(),
		metrics: nopMetrics{},
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Invoke performs call.Fn until it answers, the retry budget runs out, or the
// call is cancelled. An explicit false is final. Errors and timeouts are
// retried unless marked with Permanent.
//
// A timed-out attempt is abandoned, not stopped: the participant may still
// apply it.
func (i *Invoker) Invoke(ctx context.Context, call Call) Result {
	start := time.Now()
	res := i.invoke(ctx, call)
	i.metrics.RecordCall(call.Service, call.Phase, res.Kind, res.Attempts, time.Since(start))
	return res
}

func (i *Invoker) invoke(ctx context.Context, call Call) Result {
	if call.Fn == nil {
		return Result{Kind: KindPermanent, Err: errors.New("no participant function")}
	}

	log := i.logger.With(
		"tx_id", call.TxID,
		"service", call.Service,
		"operation", call.Operation,
		"phase", string(call.Phase),
	)
	maxAttempts := call.Policy.attempts()
	schedule := call.Policy.newBackOff()

	var res Result
	for attempt := 1; ; attempt++ {
		if call.Cancelled != nil && call.Cancelled() {
			res.Kind = KindCancelled
			res.Err = context.Canceled
			return res
		}
		if err := ctx.Err(); err != nil {
			res.Kind = KindCancelled
			res.Err = err
			return res
		}
		if err := i.limiter.Load().wait(ctx, call.Service); err != nil {
			res.Kind = KindCancelled
			res.Err = err
			return res
		}

		res.Attempts = attempt
		ok, err := i.attempt(ctx, call)
		if err == nil {
			res.OK = ok
			res.Err = nil
			if ok {
				res.Kind = KindNone
			} else {
				res.Kind = KindRejected
			}
			return res
		}

		res.Err = err
		var panicErr *PanicError
		switch {
		case IsPermanent(err), errors.As(err, &panicErr):
			res.Kind = KindPermanent
			log.Warn("participant call failed permanently", "attempt", attempt, "error", err)
			return res
		case ctx.Err() != nil:
			res.Kind = KindCancelled
			return res
		case errors.Is(err, ErrAttemptTimeout):
			res.Kind = KindTimeout
		default:
			res.Kind = KindTransient
		}

		if attempt >= maxAttempts {
			log.Warn("participant call exhausted retries", "attempts", attempt, "kind", res.Kind.String(), "error", err)
			return res
		}

		wait := schedule.NextBackOff()
		if wait == backoff.Stop {
			return res
		}
		log.Debug("retrying participant call", "attempt", attempt, "wait", wait, "error", err)

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				res.Kind = KindCancelled
				res.Err = ctx.Err()
				return res
			case <-timer.C:
			}
		}
	}
}

type answer struct {
	ok  bool
	err error
}

// attempt runs fn once. When the attempt times out it returns without
// waiting for fn.
func (i *Invoker) attempt(ctx context.Context, call Call) (bool, error) {
	attemptCtx := ctx
	cancel := func() {}
	if call.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, call.Timeout)
	}
	defer cancel()

	done := make(chan answer, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- answer{err: &PanicError{Value: r}}
			}
		}()
		ok, err := call.Fn(attemptCtx)
		done <- answer{ok: ok, err: err}
	}()

	select {
	case a := <-done:
		if a.err != nil && attemptCtx.Err() != nil && ctx.Err() == nil && !IsPermanent(a.err) {
			// The participant noticed the attempt deadline before we did.
			return false, errors.Join(ErrAttemptTimeout, a.err)
		}
		return a.ok, a.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, ErrAttemptTimeout
	}
}
