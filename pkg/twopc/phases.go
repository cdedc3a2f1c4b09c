package twopc

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/txcoord/txcoord/pkg/invoker"
	"github.com/txcoord/txcoord/pkg/txn"
	"github.com/txcoord/txcoord/pkg/wal"
)

// prepareAll asks every participant to prepare, concurrently, and applies
// the unanimity rule to the votes.
func (c *Coordinator) prepareAll(ctx context.Context, run *execution) (Decision, string) {
	if run.token.Cancelled() {
		return DecisionAborted, ReasonAbortRequested
	}
	if ctx.Err() != nil {
		return DecisionAborted, ReasonCancelled
	}

	prepareCtx := ctx
	cancel := func() {}
	if c.prepareDeadline > 0 {
		prepareCtx, cancel = context.WithTimeout(ctx, c.prepareDeadline)
	}
	defer cancel()

	prepareCtx, span := tracer().Start(prepareCtx, spanPrepare, trace.WithAttributes(attribute.String("tx.id", run.txID)))
	defer span.End()

	g := new(errgroup.Group)
	for _, name := range run.order {
		g.Go(func() error {
			c.prepareOne(prepareCtx, run, name)
			return nil
		})
	}
	_ = g.Wait()

	switch {
	case run.token.Cancelled():
		return DecisionAborted, ReasonAbortRequested
	case ctx.Err() != nil:
		return DecisionAborted, ReasonCancelled
	}
	for _, name := range run.order {
		if run.state(name) == StatePrepared {
			continue
		}
		span.SetStatus(codes.Error, "not unanimous")
		if prepareCtx.Err() != nil {
			return DecisionAborted, ReasonPrepareDeadline
		}
		return DecisionAborted, ReasonVotedNo
	}
	return DecisionCommitted, ""
}

// prepareOne collects one vote. A participant never asked, because the
// transaction was aborted or the deadline passed first, stays pending and
// counts as no.
func (c *Coordinator) prepareOne(ctx context.Context, run *execution, name string) {
	if run.token.Cancelled() || ctx.Err() != nil {
		return
	}
	if err := run.transition(name, StatePreparing); err != nil {
		run.log.ErrorContext(ctx, "prepare participant", "participant", name, "error", err)
		return
	}
	p := run.participants[name]

	ctx, span := tracer().Start(ctx, spanVote, trace.WithAttributes(
		attribute.String("tx.id", run.txID),
		attribute.String("participant.service", name),
	))
	defer span.End()

	res := c.invoker.Invoke(ctx, invoker.Call{
		TxID:      run.txID,
		Service:   name,
		Operation: string(invoker.PhasePrepare),
		Phase:     invoker.PhasePrepare,
		Timeout:   c.callTimeout,
		Policy:    c.forward,
		Cancelled: run.token.Cancelled,
		Fn: func(callCtx context.Context) (bool, error) {
			return p.Prepare(callCtx, run.txID)
		},
	})

	next, outcome := StatePrepared, "yes"
	if !res.OK {
		next, outcome = StatePrepareFailed, res.Kind.String()
		span.SetStatus(codes.Error, outcome)
	}
	if err := run.transition(name, next); err != nil {
		run.log.ErrorContext(ctx, "record vote", "participant", name, "error", err)
	}
	c.appendWAL(ctx, wal.Entry{TxID: run.txID, Type: wal.EntryVote, Participant: name, Data: wal.Data(votePayload{Vote: res.OK, Kind: res.Kind.String()})})
	c.metrics.RecordStep(txn.KindTwoPhase, string(invoker.PhasePrepare), outcome)
	c.publish(run, txn.EventVote, name, string(next), errorDetail(res))

	if res.OK {
		run.log.DebugContext(ctx, "participant prepared", "participant", name, "attempts", res.Attempts)
		return
	}
	run.log.WarnContext(ctx, "participant did not prepare",
		"participant", name,
		"kind", res.Kind.String(),
		"attempts", res.Attempts,
		"error", res.Err,
	)
}

// commitAll tells every participant to commit. A failed commit is recorded
// and never holds back the others.
func (c *Coordinator) commitAll(ctx context.Context, run *execution) {
	ctx, span := tracer().Start(ctx, spanCommit, trace.WithAttributes(attribute.String("tx.id", run.txID)))
	defer span.End()

	c.finalizeAll(ctx, run, run.inState(StatePrepared), true)
	if len(run.inState(StateCommitFailed)) > 0 {
		span.SetStatus(codes.Error, "partial commit")
	}
}

// rollbackPrepared rolls back the participants that voted yes. Participants
// that voted no or were never asked hold nothing to release.
func (c *Coordinator) rollbackPrepared(ctx context.Context, run *execution) {
	ctx, span := tracer().Start(ctx, spanRollback, trace.WithAttributes(attribute.String("tx.id", run.txID)))
	defer span.End()

	c.finalizeAll(ctx, run, run.inState(StatePrepared), false)
	if len(run.inState(StateRollbackFailed)) > 0 {
		span.SetStatus(codes.Error, "rollback incomplete")
	}
}

func (c *Coordinator) finalizeAll(ctx context.Context, run *execution, names []string, commit bool) {
	g := new(errgroup.Group)
	for _, name := range names {
		g.Go(func() error {
			c.finalizeOne(ctx, run, name, commit)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Coordinator) finalizeOne(ctx context.Context, run *execution, name string, commit bool) {
	phase, entry := invoker.PhaseRollback, wal.EntryRollbackResult
	during, done, failed := StateRollingBack, StateRolledBack, StateRollbackFailed
	if commit {
		phase, entry = invoker.PhaseCommit, wal.EntryCommitResult
		during, done, failed = StateCommitting, StateCommitted, StateCommitFailed
	}
	if err := run.transition(name, during); err != nil {
		run.log.ErrorContext(ctx, "finalize participant", "participant", name, "error", err)
		return
	}
	p := run.participants[name]

	ctx, span := tracer().Start(ctx, spanFinalize, trace.WithAttributes(
		attribute.String("tx.id", run.txID),
		attribute.String("participant.service", name),
		attribute.String("2pc.phase", string(phase)),
	))
	defer span.End()

	res := c.invoker.Invoke(ctx, invoker.Call{
		TxID:      run.txID,
		Service:   name,
		Operation: string(phase),
		Phase:     phase,
		Timeout:   c.callTimeout,
		Policy:    c.finalize,
		Fn: func(callCtx context.Context) (bool, error) {
			if commit {
				return p.Commit(callCtx, run.txID)
			}
			return p.Rollback(callCtx, run.txID)
		},
	})

	next, outcome := done, string(done)
	if !res.OK {
		next, outcome = failed, res.Kind.String()
		span.SetStatus(codes.Error, outcome)
	}
	if err := run.transition(name, next); err != nil {
		run.log.ErrorContext(ctx, "finalize participant", "participant", name, "error", err)
	}
	c.appendWAL(ctx, wal.Entry{TxID: run.txID, Type: entry, Participant: name, Data: wal.Data(resultPayload{OK: res.OK, Kind: res.Kind.String()})})
	c.metrics.RecordStep(txn.KindTwoPhase, string(phase), outcome)
	c.publish(run, txn.EventParticipantFinalized, name, string(next), errorDetail(res))

	if !res.OK {
		run.log.ErrorContext(ctx, "participant "+string(phase)+" failed",
			"participant", name,
			"kind", res.Kind.String(),
			"attempts", res.Attempts,
			"error", res.Err,
		)
	}
}

func errorDetail(res invoker.Result) string {
	if err := res.Error(); err != nil {
		return err.Error()
	}
	return ""
}
