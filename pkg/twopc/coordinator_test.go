package twopc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/txcoord/txcoord/pkg/invoker"
	"github.com/txcoord/txcoord/pkg/logger"
	"github.com/txcoord/txcoord/pkg/participant"
	"github.com/txcoord/txcoord/pkg/store"
	"github.com/txcoord/txcoord/pkg/txn"
	"github.com/txcoord/txcoord/pkg/wal"
)

// fake counts calls per verb and answers with the configured functions.
type fake struct {
	name     string
	prepare  func(ctx context.Context) (bool, error)
	commit   func(ctx context.Context) (bool, error)
	rollback func(ctx context.Context) (bool, error)

	prepares, commits, rollbacks atomic.Int32
}

func (f *fake) Name() string { return f.name }

func (f *fake) Prepare(ctx context.Context, _ string) (bool, error) {
	f.prepares.Add(1)
	return answer(ctx, f.prepare)
}

func (f *fake) Commit(ctx context.Context, _ string) (bool, error) {
	f.commits.Add(1)
	return answer(ctx, f.commit)
}

func (f *fake) Rollback(ctx context.Context, _ string) (bool, error) {
	f.rollbacks.Add(1)
	return answer(ctx, f.rollback)
}

func answer(ctx context.Context, fn func(context.Context) (bool, error)) (bool, error) {
	if fn == nil {
		return true, nil
	}
	return fn(ctx)
}

func no(context.Context) (bool, error) { return false, nil }

func fastPolicy(attempts int) invoker.RetryPolicy {
	return invoker.RetryPolicy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2}
}

func newTestCoordinator(reg *participant.Registry, opts ...Option) *Coordinator {
	base := []Option{
		WithLogger(logger.NewNop()),
		WithForwardPolicy(fastPolicy(3)),
		WithCompensationPolicy(fastPolicy(3)),
		WithCallTimeout(time.Second),
	}
	return New(reg, append(base, opts...)...)
}

func participants(fs ...*fake) []participant.TwoPhaseParticipant {
	out := make([]participant.TwoPhaseParticipant, len(fs))
	for i, f := range fs {
		out[i] = f
	}
	return out
}

func TestRun_AllPrepareCommits(t *testing.T) {
	p1, p2, p3 := &fake{name: "p1"}, &fake{name: "p2"}, &fake{name: "p3"}
	c := newTestCoordinator(nil)

	out, err := c.Run(context.Background(), "tx-1", participants(p1, p2, p3))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.Committed() || out.PartialCommit {
		t.Fatalf("outcome = %+v", out)
	}
	for _, f := range []*fake{p1, p2, p3} {
		if out.Participants[f.name] != StateCommitted {
			t.Fatalf("%s state = %s", f.name, out.Participants[f.name])
		}
		if f.commits.Load() != 1 || f.rollbacks.Load() != 0 {
			t.Fatalf("%s commits=%d rollbacks=%d", f.name, f.commits.Load(), f.rollbacks.Load())
		}
	}
}

func TestRun_NoVoteAbortsAndRollsBackPreparedOnly(t *testing.T) {
	p1 := &fake{name: "p1"}
	p2 := &fake{name: "p2", prepare: no}
	c := newTestCoordinator(nil)

	out, err := c.Run(context.Background(), "tx-no", participants(p1, p2))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Decision != DecisionAborted || out.Reason != ReasonVotedNo {
		t.Fatalf("decision %s reason %q", out.Decision, out.Reason)
	}
	if out.Participants["p1"] != StateRolledBack || out.Participants["p2"] != StatePrepareFailed {
		t.Fatalf("states = %v", out.Participants)
	}
	if p1.commits.Load()+p2.commits.Load() != 0 {
		t.Fatal("no participant may receive commit after a no vote")
	}
	if p1.rollbacks.Load() != 1 || p2.rollbacks.Load() != 0 {
		t.Fatalf("rollbacks p1=%d p2=%d", p1.rollbacks.Load(), p2.rollbacks.Load())
	}
	// A rejection is final.
	if n := p2.prepares.Load(); n != 1 {
		t.Fatalf("p2 prepared %d times", n)
	}
}

func TestRun_TransientPrepareRetried(t *testing.T) {
	var calls atomic.Int32
	p1 := &fake{name: "p1", prepare: func(context.Context) (bool, error) {
		if calls.Add(1) == 1 {
			return false, errors.New("connection refused")
		}
		return true, nil
	}}
	c := newTestCoordinator(nil)

	out, err := c.Run(context.Background(), "tx-retry", participants(p1))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.Committed() || p1.prepares.Load() != 2 {
		t.Fatalf("decision %s after %d prepares", out.Decision, p1.prepares.Load())
	}
}

func TestRun_PrepareDeadlineCountsMissingVotesAsNo(t *testing.T) {
	p1 := &fake{name: "p1"}
	p2 := &fake{name: "p2", prepare: func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}}
	c := newTestCoordinator(nil, WithPrepareDeadline(50*time.Millisecond))

	start := time.Now()
	out, err := c.Run(context.Background(), "tx-slow", participants(p1, p2))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("prepare deadline not enforced, took %v", elapsed)
	}
	if out.Decision != DecisionAborted || out.Reason != ReasonPrepareDeadline {
		t.Fatalf("decision %s reason %q", out.Decision, out.Reason)
	}
	if out.Participants["p1"] != StateRolledBack || out.Participants["p2"] != StatePrepareFailed {
		t.Fatalf("states = %v", out.Participants)
	}
}

func TestRun_PartialCommitKeepsDecision(t *testing.T) {
	p1 := &fake{name: "p1"}
	p2 := &fake{name: "p2", commit: func(context.Context) (bool, error) {
		return false, invoker.Permanent(errors.New("disk full"))
	}}
	c := newTestCoordinator(nil)

	out, err := c.Run(context.Background(), "tx-partial", participants(p1, p2))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.Committed() || !out.PartialCommit {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Participants["p1"] != StateCommitted || out.Participants["p2"] != StateCommitFailed {
		t.Fatalf("states = %v", out.Participants)
	}
	if p1.commits.Load() != 1 {
		t.Fatal("a failed commit must not stop the others")
	}
}

func TestRun_AbortDuringPrepare(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	p1 := &fake{name: "p1", prepare: func(context.Context) (bool, error) {
		close(started)
		<-release
		return true, nil
	}}
	c := newTestCoordinator(nil)

	done := make(chan *Outcome, 1)
	go func() {
		out, _ := c.Run(context.Background(), "tx-abort", participants(p1))
		done <- out
	}()
	<-started
	if err := c.Abort(context.Background(), "tx-abort"); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	close(release)

	out := <-done
	if out.Decision != DecisionAborted || out.Reason != ReasonAbortRequested {
		t.Fatalf("decision %s reason %q", out.Decision, out.Reason)
	}
	if out.Participants["p1"] != StateRolledBack || p1.commits.Load() != 0 {
		t.Fatalf("states = %v commits = %d", out.Participants, p1.commits.Load())
	}
	if err := c.Abort(context.Background(), "tx-abort"); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("abort after finish = %v", err)
	}
}

func TestRun_AbortAfterCommitDecisionIgnored(t *testing.T) {
	committing := make(chan struct{})
	release := make(chan struct{})
	p1 := &fake{name: "p1", commit: func(context.Context) (bool, error) {
		close(committing)
		<-release
		return true, nil
	}}
	c := newTestCoordinator(nil)

	done := make(chan *Outcome, 1)
	go func() {
		out, _ := c.Run(context.Background(), "tx-late", participants(p1))
		done <- out
	}()
	<-committing
	_ = c.Abort(context.Background(), "tx-late")
	close(release)

	out := <-done
	if !out.Committed() || out.Participants["p1"] != StateCommitted || p1.rollbacks.Load() != 0 {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestRun_CallerCancelledBeforeStart(t *testing.T) {
	p1 := &fake{name: "p1"}
	c := newTestCoordinator(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := c.Run(ctx, "tx-cancelled", participants(p1))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Decision != DecisionAborted || out.Reason != ReasonCancelled {
		t.Fatalf("decision %s reason %q", out.Decision, out.Reason)
	}
	if p1.prepares.Load() != 0 || out.Participants["p1"] != StatePending {
		t.Fatalf("p1 prepared %d times, state %s", p1.prepares.Load(), out.Participants["p1"])
	}
}

func TestRun_Validation(t *testing.T) {
	c := newTestCoordinator(nil)
	tests := []struct {
		name string
		ps   []participant.TwoPhaseParticipant
	}{
		{"empty", nil},
		{"duplicate", participants(&fake{name: "p1"}, &fake{name: "p1"})},
		{"unnamed", participants(&fake{})},
		{"nil", []participant.TwoPhaseParticipant{nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Run(context.Background(), "", tt.ps); !errors.Is(err, ErrValidation) {
				t.Fatalf("error = %v", err)
			}
		})
	}
}

func TestRunNamed(t *testing.T) {
	reg := participant.NewRegistry()
	if err := reg.RegisterTwoPhase(&fake{name: "db1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	c := newTestCoordinator(reg)

	if _, err := c.RunNamed(context.Background(), "", []string{"db1", "db2"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown participant error = %v", err)
	}
	out, err := c.RunNamed(context.Background(), "", []string{"db1"})
	if err != nil {
		t.Fatalf("RunNamed: %v", err)
	}
	if out.TxID == "" || !out.Committed() {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestRun_DecisionLoggedBeforeCommit(t *testing.T) {
	log := wal.NewMemoryWAL()
	var sawDecision atomic.Bool
	p1 := &fake{name: "p1"}
	p1.commit = func(context.Context) (bool, error) {
		entries, _ := log.List(context.Background(), "tx-wal")
		sawDecision.Store(wal.Fold(entries).Decision == wal.EntryDecisionCommit)
		return true, nil
	}
	st := store.NewMemoryStore()
	c := newTestCoordinator(nil, WithWAL(log), WithStore(st))

	if _, err := c.Run(context.Background(), "tx-wal", participants(p1)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sawDecision.Load() {
		t.Fatal("commit issued before the decision was logged")
	}

	rec, err := c.Get(context.Background(), "tx-wal")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != txn.StatusCommitted || rec.Decision != string(DecisionCommitted) || rec.Participants["p1"] != string(StateCommitted) {
		t.Fatalf("record = %+v", rec)
	}
}

func TestRun_RejectsReusedTxID(t *testing.T) {
	log := wal.NewMemoryWAL()
	c := newTestCoordinator(nil, WithWAL(log), WithStore(store.NewMemoryStore()))

	p1 := &fake{name: "p1"}
	if _, err := c.Run(context.Background(), "tx-1", participants(p1)); err != nil {
		t.Fatalf("first run: %v", err)
	}
	before, _ := log.List(context.Background(), "tx-1")

	p2 := &fake{name: "p2"}
	if _, err := c.Run(context.Background(), "tx-1", participants(p2)); !errors.Is(err, txn.ErrDuplicateTxID) {
		t.Fatalf("second run error = %v, want ErrDuplicateTxID", err)
	}
	if p2.prepares.Load() != 0 || p1.prepares.Load() != 1 {
		t.Fatalf("prepares p1=%d p2=%d", p1.prepares.Load(), p2.prepares.Load())
	}
	after, _ := log.List(context.Background(), "tx-1")
	if len(after) != len(before) {
		t.Fatalf("wal grew from %d to %d entries", len(before), len(after))
	}
}

func TestRun_RejectsTxIDUsedBySaga(t *testing.T) {
	log := wal.NewMemoryWAL()
	st := store.NewMemoryStore()
	if _, err := log.Append(context.Background(), wal.Entry{TxID: "tx-saga", Type: wal.EntryTxStarted}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := st.Save(context.Background(), &store.Record{TxID: "tx-rec", Kind: txn.KindSaga, Status: txn.StatusSucceeded, Success: true}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	c := newTestCoordinator(nil, WithWAL(log), WithStore(st))

	for _, id := range []string{"tx-saga", "tx-rec"} {
		p1 := &fake{name: "p1"}
		if _, err := c.Run(context.Background(), id, participants(p1)); !errors.Is(err, txn.ErrDuplicateTxID) {
			t.Fatalf("Run(%s) error = %v, want ErrDuplicateTxID", id, err)
		}
		if p1.prepares.Load() != 0 {
			t.Fatalf("Run(%s) contacted participant", id)
		}
	}
	if rec, _ := st.Get(context.Background(), "tx-rec"); rec.Kind != txn.KindSaga {
		t.Fatalf("record overwritten: %+v", rec)
	}
}

type failingWAL struct {
	*wal.MemoryWAL
}

func (w failingWAL) Append(ctx context.Context, e wal.Entry) (uint64, error) {
	if e.Type == wal.EntryDecisionCommit {
		return 0, errors.New("disk unavailable")
	}
	return w.MemoryWAL.Append(ctx, e)
}

func TestRun_UnloggedCommitBecomesAbort(t *testing.T) {
	p1 := &fake{name: "p1"}
	c := newTestCoordinator(nil, WithWAL(failingWAL{wal.NewMemoryWAL()}))

	out, err := c.Run(context.Background(), "tx-nolog", participants(p1))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Decision != DecisionAborted || out.Reason != ReasonDecisionNotLogged {
		t.Fatalf("decision %s reason %q", out.Decision, out.Reason)
	}
	if p1.commits.Load() != 0 || p1.rollbacks.Load() != 1 {
		t.Fatalf("commits=%d rollbacks=%d", p1.commits.Load(), p1.rollbacks.Load())
	}
}

type sink struct {
	mu     sync.Mutex
	events []txn.Event
}

func (s *sink) Publish(e txn.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func TestRun_PublishesVotesAndDecision(t *testing.T) {
	events := &sink{}
	c := newTestCoordinator(nil, WithEventSink(events))
	if _, err := c.Run(context.Background(), "tx-events", participants(&fake{name: "p1"}, &fake{name: "p2", prepare: no})); err != nil {
		t.Fatalf("Run: %v", err)
	}

	events.mu.Lock()
	defer events.mu.Unlock()
	counts := make(map[txn.EventType]int)
	for _, e := range events.events {
		counts[e.Type]++
	}
	if counts[txn.EventVote] != 2 || counts[txn.EventDecision] != 1 || counts[txn.EventParticipantFinalized] != 1 {
		t.Fatalf("event counts = %v", counts)
	}
	if last := events.events[len(events.events)-1]; last.Type != txn.EventFinished || last.Status != string(txn.StatusAborted) {
		t.Fatalf("last event = %+v", last)
	}
}
