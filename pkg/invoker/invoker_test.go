package invoker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/txcoord/txcoord/pkg/logger"
)

func newTestInvoker(opts ...Option) *Invoker {
	return New(append([]Option{WithLogger(logger.NewNop())}, opts...)...)
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2}
}

func TestInvoke_Success(t *testing.T) {
	inv := newTestInvoker()
	res := inv.Invoke(context.Background(), Call{
		Service: "payments",
		Policy:  fastPolicy(3),
		Fn:      func(context.Context) (bool, error) { return true, nil },
	})
	if !res.OK || res.Kind != KindNone || res.Attempts != 1 || res.Error() != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestInvoke_RejectionIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	inv := newTestInvoker()
	res := inv.Invoke(context.Background(), Call{
		Policy: fastPolicy(5),
		Fn: func(context.Context) (bool, error) {
			calls.Add(1)
			return false, nil
		},
	})
	if res.OK || res.Kind != KindRejected {
		t.Fatalf("unexpected result: %+v", res)
	}
	if calls.Load() != 1 {
		t.Fatalf("participant called %d times, want 1", calls.Load())
	}
	if !errors.Is(res.Error(), ErrRejected) {
		t.Fatalf("Error() = %v", res.Error())
	}
}

func TestInvoke_TransientRetriedUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	inv := newTestInvoker()
	res := inv.Invoke(context.Background(), Call{
		Policy: fastPolicy(3),
		Fn: func(context.Context) (bool, error) {
			if calls.Add(1) < 3 {
				return false, errors.New("connection reset")
			}
			return true, nil
		},
	})
	if !res.OK || res.Attempts != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestInvoke_TransientExhausted(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("unavailable")
	inv := newTestInvoker()
	res := inv.Invoke(context.Background(), Call{
		Policy: fastPolicy(3),
		Fn: func(context.Context) (bool, error) {
			calls.Add(1)
			return false, boom
		},
	})
	if res.OK || res.Kind != KindTransient || res.Attempts != 3 || calls.Load() != 3 {
		t.Fatalf("unexpected result: %+v calls=%d", res, calls.Load())
	}
	if !errors.Is(res.Error(), boom) {
		t.Fatalf("Error() = %v, want wrapped %v", res.Error(), boom)
	}
}

func TestInvoke_PermanentNotRetried(t *testing.T) {
	var calls atomic.Int32
	inv := newTestInvoker()
	res := inv.Invoke(context.Background(), Call{
		Policy: fastPolicy(4),
		Fn: func(context.Context) (bool, error) {
			calls.Add(1)
			return false, Permanent(errors.New("bad request"))
		},
	})
	if res.Kind != KindPermanent || calls.Load() != 1 {
		t.Fatalf("unexpected result: %+v calls=%d", res, calls.Load())
	}
}

func TestInvoke_PanicIsPermanent(t *testing.T) {
	inv := newTestInvoker()
	res := inv.Invoke(context.Background(), Call{
		Policy: fastPolicy(3),
		Fn:     func(context.Context) (bool, error) { panic("nil map") },
	})
	var panicErr *PanicError
	if res.Kind != KindPermanent || !errors.As(res.Err, &panicErr) || res.Attempts != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestInvoke_TimeoutAbandonsAttempt(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	var calls atomic.Int32
	inv := newTestInvoker()
	start := time.Now()
	res := inv.Invoke(context.Background(), Call{
		Timeout: 20 * time.Millisecond,
		Policy:  fastPolicy(2),
		Fn: func(context.Context) (bool, error) {
			calls.Add(1)
			<-release // ignores its context
			return true, nil
		},
	})
	if res.OK || res.Kind != KindTimeout || res.Attempts != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !errors.Is(res.Err, ErrAttemptTimeout) {
		t.Fatalf("Err = %v", res.Err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("invoke waited %v for abandoned attempts", elapsed)
	}
}

func TestInvoke_ParticipantHonouringDeadlineCountsAsTimeout(t *testing.T) {
	inv := newTestInvoker()
	res := inv.Invoke(context.Background(), Call{
		Timeout: 10 * time.Millisecond,
		Policy:  fastPolicy(1),
		Fn: func(ctx context.Context) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		},
	})
	if res.Kind != KindTimeout {
		t.Fatalf("Kind = %v, want timeout", res.Kind)
	}
}

func TestInvoke_CancelledFlagStopsRetries(t *testing.T) {
	var calls atomic.Int32
	var stop atomic.Bool
	inv := newTestInvoker()
	res := inv.Invoke(context.Background(), Call{
		Policy:    fastPolicy(5),
		Cancelled: stop.Load,
		Fn: func(context.Context) (bool, error) {
			calls.Add(1)
			stop.Store(true)
			return false, errors.New("flaky")
		},
	})
	if res.Kind != KindCancelled || calls.Load() != 1 {
		t.Fatalf("unexpected result: %+v calls=%d", res, calls.Load())
	}
}

func TestInvoke_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	inv := newTestInvoker()
	res := inv.Invoke(ctx, Call{
		Policy: fastPolicy(3),
		Fn:     func(context.Context) (bool, error) { return true, nil },
	})
	if res.Kind != KindCancelled || res.Attempts != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

type recordingMetrics struct {
	mu    sync.Mutex
	kinds []ErrorKind
}

func (r *recordingMetrics) RecordCall(_ string, _ Phase, kind ErrorKind, _ int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
}

func TestInvoke_RecordsMetrics(t *testing.T) {
	m := &recordingMetrics{}
	inv := newTestInvoker(WithMetrics(m))
	inv.Invoke(context.Background(), Call{Fn: func(context.Context) (bool, error) { return true, nil }})
	inv.Invoke(context.Background(), Call{Fn: func(context.Context) (bool, error) { return false, nil }})

	if len(m.kinds) != 2 || m.kinds[0] != KindNone || m.kinds[1] != KindRejected {
		t.Fatalf("recorded kinds = %v", m.kinds)
	}
}

func TestInvoke_RateLimited(t *testing.T) {
	inv := newTestInvoker(WithRateLimits(map[string]RateLimit{
		"slow": {RequestsPerSecond: 20, Burst: 1},
	}))
	ok := func(context.Context) (bool, error) { return true, nil }

	start := time.Now()
	for range 3 {
		if res := inv.Invoke(context.Background(), Call{Service: "slow", Fn: ok}); !res.OK {
			t.Fatalf("unexpected result: %+v", res)
		}
	}
	// Two waits of ~50ms after the initial burst token.
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("rate limit not applied, elapsed %v", elapsed)
	}

	start = time.Now()
	for range 5 {
		inv.Invoke(context.Background(), Call{Service: "fast", Fn: ok})
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("unconfigured service was throttled, elapsed %v", elapsed)
	}
}

func TestSetRateLimits_ReplacesAndClears(t *testing.T) {
	inv := newTestInvoker()
	ok := func(context.Context) (bool, error) { return true, nil }

	inv.SetRateLimits(map[string]RateLimit{"slow": {RequestsPerSecond: 10, Burst: 1}})
	start := time.Now()
	for range 2 {
		inv.Invoke(context.Background(), Call{Service: "slow", Fn: ok})
	}
	if elapsed := time.Since(start); elapsed < 70*time.Millisecond {
		t.Fatalf("new limit not applied, elapsed %v", elapsed)
	}

	inv.SetRateLimits(nil)
	start = time.Now()
	for range 5 {
		inv.Invoke(context.Background(), Call{Service: "slow", Fn: ok})
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("cleared limit still throttles, elapsed %v", elapsed)
	}
}

func TestRetryPolicy_Delays(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 25 * time.Millisecond, Multiplier: 2}
	got := p.Delays()
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}
	if len(got) != len(want) {
		t.Fatalf("Delays() = %v", got)
	}
	for i := range want {
		if diff := got[i] - want[i]; diff < 0 || diff > time.Millisecond {
			t.Fatalf("Delays()[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	if d := (RetryPolicy{}).Delays(); len(d) != 0 {
		t.Fatalf("zero policy Delays() = %v, want none", d)
	}
	if d := (RetryPolicy{MaxAttempts: 3}).Delays(); len(d) != 2 || d[0] != 0 {
		t.Fatalf("no-backoff policy Delays() = %v", d)
	}
}
