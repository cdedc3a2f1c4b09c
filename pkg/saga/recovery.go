package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/txcoord/txcoord/pkg/graph"
	"github.com/txcoord/txcoord/pkg/txn"
	"github.com/txcoord/txcoord/pkg/wal"
)

// ErrInterrupted is the failure recorded for a saga finished by recovery.
var ErrInterrupted = errors.New("saga interrupted before finishing")

// Recover finishes a saga whose coordinator stopped before writing its final
// log entry. The saga never resumes forward: steps the log shows as
// completed are compensated in reverse completion order. Steps that started
// without a logged result stay pending and are reported, since their effect
// is unknown.
func (o *Orchestrator) Recover(ctx context.Context, txID string) (*Result, error) {
	if o.wal == nil {
		return nil, errors.New("saga recovery requires a write-ahead log")
	}
	entries, err := o.wal.List(ctx, txID)
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
	if start.Kind != txn.KindSaga {
		return nil, fmt.Errorf("%w: %s is not a saga", ErrTransactionNotFound, txID)
	}
	replay := wal.Fold(entries)
	if replay.Finished {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyFinished, txID)
	}

	plan, err := graph.Build(start.Steps)
	if err != nil {
		return nil, err
	}
	resolved, err := o.resolve(plan)
	if err != nil {
		return nil, err
	}
	token, err := o.aborts.Register(txID)
	if err != nil {
		return nil, err
	}
	defer o.aborts.Release(txID)

	ctx, span := tracer().Start(ctx, spanRecover, trace.WithAttributes(attribute.String("tx.id", txID)))
	defer span.End()

	run := &execution{
		txID:         txID,
		plan:         plan,
		participants: resolved,
		tracker:      txn.NewTracker(plan.StepIDs()),
		token:        token,
		startedAt:    entries[0].Timestamp,
		log:          o.logger.With("tx_id", txID, "mode", string(txn.KindSaga), "recovery", true),
	}
	if err := restore(run.tracker, entries, replay); err != nil {
		return nil, err
	}
	if inDoubt := inDoubtSteps(entries); len(inDoubt) > 0 {
		run.log.WarnContext(ctx, "steps with unknown outcome are not compensated", "steps", inDoubt)
	}

	o.metrics.IncActive(txn.KindSaga)
	defer o.metrics.DecActive(txn.KindSaga)

	run.log.InfoContext(ctx, "recovering saga", "completed", replay.Completed)
	if run.tracker.AllCompleted() {
		// Every step finished before the interruption; only the final
		// entry is missing.
		o.metrics.RecordRecovery(txn.KindSaga, string(txn.StatusSucceeded))
		return o.finish(ctx, run, txn.StatusSucceeded, "", nil), nil
	}
	status := txn.StatusCompensated
	if !o.compensate(context.WithoutCancel(ctx), run) {
		status = txn.StatusCompensationFailed
	}
	o.metrics.RecordRecovery(txn.KindSaga, string(status))

	return o.finish(ctx, run, status, "", ErrInterrupted), nil
}

// RecoverPending recovers every unfinished saga in the log that is not
// running in this process.
func (o *Orchestrator) RecoverPending(ctx context.Context) ([]*Result, error) {
	if o.wal == nil {
		return nil, nil
	}
	ids, err := o.wal.TxIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list wal transactions: %w", err)
	}

	var results []*Result
	for _, id := range ids {
		if _, running := o.aborts.Lookup(id); running {
			continue
		}
		res, err := o.Recover(ctx, id)
		switch {
		case err == nil:
			results = append(results, res)
		case errors.Is(err, ErrAlreadyFinished), errors.Is(err, ErrTransactionNotFound):
		default:
			o.logger.ErrorContext(ctx, "saga recovery failed", "tx_id", id, "error", err)
			o.metrics.RecordRecovery(txn.KindSaga, "error")
		}
	}
	return results, nil
}

// restore replays logged completions and compensations into the tracker.
func restore(tr *txn.Tracker, entries []wal.Entry, replay wal.Replay) error {
	for _, id := range replay.Completed {
		if err := tr.Start(id); err != nil {
			return err
		}
		if err := tr.Complete(id); err != nil {
			return err
		}
	}
	for _, e := range entries {
		if e.Type == wal.EntryCompensationCompleted {
			if err := tr.MarkCompensated(e.StepID); err != nil {
				return err
			}
		}
	}
	return nil
}

func inDoubtSteps(entries []wal.Entry) []string {
	open := make(map[string]time.Time)
	var order []string
	for _, e := range entries {
		switch e.Type {
		case wal.EntryStepStarted:
			if _, ok := open[e.StepID]; !ok {
				order = append(order, e.StepID)
			}
			open[e.StepID] = e.Timestamp
		case wal.EntryStepCompleted, wal.EntryStepFailed:
			delete(open, e.StepID)
		}
	}
	var out []string
	for _, id := range order {
		if _, ok := open[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
