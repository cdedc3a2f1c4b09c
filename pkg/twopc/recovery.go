package twopc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/txcoord/txcoord/pkg/participant"
	"github.com/txcoord/txcoord/pkg/txn"
	"github.com/txcoord/txcoord/pkg/wal"
)

// Recover finishes a transaction whose coordinator stopped before writing
// its final entry. A logged commit decision is carried out again for every
// participant that did not confirm it, including ones whose vote was lost. Without one the transaction is
// presumed aborted: the decision is logged and every participant that did
// not vote no is rolled back, including ones whose vote was lost.
func (c *Coordinator) Recover(ctx context.Context, txID string) (*Outcome, error) {
	if c.wal == nil {
		return nil, errors.New("2pc recovery requires a write-ahead log")
	}
	entries, err := c.wal.List(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("list wal for %s: %w", txID, err)
	}
	if len(entries) == 0 || entries[0].Type != wal.EntryTxStarted {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}
	start, err := decodeStart(entries[0].Data)
	if err != nil {
		return nil, err
	}
	if start.Kind != txn.KindTwoPhase {
		return nil, fmt.Errorf("%w: %s is not a 2pc transaction", ErrTransactionNotFound, txID)
	}
	replay := wal.Fold(entries)
	if replay.Finished {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyFinished, txID)
	}

	ps, err := c.participants.TwoPhaseAll(start.Participants)
	if err != nil {
		return nil, fmt.Errorf("resolve participants of %s: %w", txID, err)
	}
	run, err := c.newExecution(txID, ps)
	if err != nil {
		return nil, err
	}
	run.startedAt = entries[0].Timestamp
	run.log = run.log.With("recovery", true)
	token, err := c.aborts.Register(txID)
	if err != nil {
		return nil, err
	}
	defer c.aborts.Release(txID)
	run.token = token

	ctx, span := tracer().Start(ctx, spanRecover, trace.WithAttributes(attribute.String("tx.id", txID)))
	defer span.End()

	c.metrics.IncActive(txn.KindTwoPhase)
	defer c.metrics.DecActive(txn.KindTwoPhase)

	restoreStates(run, entries)
	ctx = context.WithoutCancel(ctx)

	if replay.Decision == wal.EntryDecisionCommit {
		run.decision = DecisionCommitted
		// A commit decision implies every vote was yes, so a participant
		// whose vote entry is missing is prepared and must commit too.
		promoteInDoubt(ctx, run, "committing participants with unlogged votes")
		run.log.InfoContext(ctx, "recovering 2pc, re-issuing commit", "pending", run.inState(StatePrepared))
		c.commitAll(ctx, run)
		c.metrics.RecordRecovery(txn.KindTwoPhase, string(DecisionCommitted))
		return c.finish(ctx, run), nil
	}

	if replay.Decision == "" {
		if err := c.logDecision(ctx, txID, DecisionAborted, ReasonRecovered); err != nil {
			run.log.ErrorContext(ctx, "log 2pc decision", "decision", string(DecisionAborted), "error", err)
		}
	}
	run.decision, run.reason = DecisionAborted, ReasonRecovered
	promoteInDoubt(ctx, run, "rolling back participants with unknown votes")
	c.rollbackPrepared(ctx, run)
	c.metrics.RecordRecovery(txn.KindTwoPhase, string(DecisionAborted))
	return c.finish(ctx, run), nil
}

// RecoverPending recovers every unfinished 2pc transaction in the log that
// is not running in this process.
func (c *Coordinator) RecoverPending(ctx context.Context) ([]*Outcome, error) {
	if c.wal == nil {
		return nil, nil
	}
	ids, err := c.wal.TxIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list wal transactions: %w", err)
	}

	var outcomes []*Outcome
	for _, id := range ids {
		if _, running := c.aborts.Lookup(id); running {
			continue
		}
		out, err := c.Recover(ctx, id)
		switch {
		case err == nil:
			outcomes = append(outcomes, out)
		case errors.Is(err, ErrAlreadyFinished), errors.Is(err, ErrTransactionNotFound):
		case errors.Is(err, participant.ErrNotFound):
			c.logger.WarnContext(ctx, "2pc recovery skipped, participant not registered", "tx_id", id, "error", err)
			c.metrics.RecordRecovery(txn.KindTwoPhase, "error")
		default:
			c.logger.ErrorContext(ctx, "2pc recovery failed", "tx_id", id, "error", err)
			c.metrics.RecordRecovery(txn.KindTwoPhase, "error")
		}
	}
	return outcomes, nil
}

// promoteInDoubt moves participants whose vote was never logged to
// prepared so phase two reaches them.
func promoteInDoubt(ctx context.Context, run *execution, msg string) {
	inDoubt := run.inState(StatePending)
	if len(inDoubt) == 0 {
		return
	}
	run.log.WarnContext(ctx, msg, "participants", inDoubt)
	run.mu.Lock()
	for _, name := range inDoubt {
		run.states[name] = StatePrepared
	}
	run.mu.Unlock()
}

// restoreStates rebuilds participant states from the log. Failed commits
// and rollbacks go back to prepared so they are issued again.
func restoreStates(run *execution, entries []wal.Entry) {
	run.mu.Lock()
	defer run.mu.Unlock()
	for _, e := range entries {
		if _, known := run.states[e.Participant]; !known {
			continue
		}
		switch e.Type {
		case wal.EntryVote:
			var v votePayload
			_ = json.Unmarshal(e.Data, &v)
			if v.Vote {
				run.states[e.Participant] = StatePrepared
			} else {
				run.states[e.Participant] = StatePrepareFailed
			}
		case wal.EntryCommitResult:
			var r resultPayload
			_ = json.Unmarshal(e.Data, &r)
			if r.OK {
				run.states[e.Participant] = StateCommitted
			}
		case wal.EntryRollbackResult:
			var r resultPayload
			_ = json.Unmarshal(e.Data, &r)
			if r.OK {
				run.states[e.Participant] = StateRolledBack
			}
		}
	}
}
