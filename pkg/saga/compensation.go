package saga

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/txcoord/txcoord/pkg/invoker"
	"github.com/txcoord/txcoord/pkg/txn"
	"github.com/txcoord/txcoord/pkg/wal"
)

// compensate undoes completed steps, most recently completed first, one at a
// time. A step whose compensation fails is marked and the walk continues.
// It reports whether every compensation succeeded.
//
// ctx must not be tied to the caller: compensation is not cancellable.
func (o *Orchestrator) compensate(ctx context.Context, run *execution) bool {
	ctx, span := tracer().Start(ctx, spanCompensation, trace.WithAttributes(attribute.String("tx.id", run.txID)))
	defer span.End()

	history := run.tracker.History()
	clean := true
	for i := len(history) - 1; i >= 0; i-- {
		stepID := history[i]
		switch state, _ := run.tracker.State(stepID); state {
		case txn.StepCompleted, txn.StepCompensationFailed:
		default:
			continue
		}
		if !o.compensateStep(ctx, run, stepID) {
			clean = false
		}
	}
	if !clean {
		span.SetStatus(codes.Error, "compensation incomplete")
	}
	return clean
}

func (o *Orchestrator) compensateStep(ctx context.Context, run *execution, stepID string) bool {
	step, _ := run.plan.Step(stepID)
	o.appendWAL(ctx, wal.Entry{TxID: run.txID, Type: wal.EntryCompensationStarted, StepID: stepID})

	if !step.HasCompensation() {
		o.markCompensated(ctx, run, stepID)
		return true
	}

	// Without a dedicated payload the forward payload identifies what to undo.
	payload := step.CompensatePayload
	if payload == nil {
		payload = step.Payload
	}
	p := run.participants[stepID]

	ctx, span := tracer().Start(ctx, spanCompensate, trace.WithAttributes(
		attribute.String("tx.id", run.txID),
		attribute.String("saga.step", stepID),
		attribute.String("participant.service", step.Service),
		attribute.String("participant.operation", step.CompensateOperation),
	))
	defer span.End()

	res := o.invoker.Invoke(ctx, invoker.Call{
		TxID:      run.txID,
		Service:   step.Service,
		Operation: step.CompensateOperation,
		Phase:     invoker.PhaseCompensate,
		Timeout:   o.stepTimeout,
		Policy:    o.compensation,
		Fn: func(callCtx context.Context) (bool, error) {
			return p.Compensate(callCtx, run.txID, step.CompensateOperation, payload)
		},
	})
	span.SetAttributes(attribute.Int("invoke.attempts", res.Attempts))

	if res.OK {
		o.markCompensated(ctx, run, stepID)
		return true
	}

	span.SetStatus(codes.Error, res.Kind.String())
	if err := run.tracker.MarkCompensationFailed(stepID); err != nil {
		run.log.ErrorContext(ctx, "mark compensation failed", "step_id", stepID, "error", err)
	}
	detail := res.Error().Error()
	o.appendWAL(ctx, wal.Entry{TxID: run.txID, Type: wal.EntryCompensationFailed, StepID: stepID, Data: wal.Data(map[string]string{"kind": res.Kind.String(), "error": detail})})
	o.metrics.RecordStep(txn.KindSaga, "compensate", res.Kind.String())
	o.publish(run, txn.EventCompensationFailed, stepID, txn.StepCompensationFailed.String(), detail)
	run.log.ErrorContext(ctx, "compensation failed",
		"step_id", stepID,
		"service", step.Service,
		"operation", step.CompensateOperation,
		"attempts", res.Attempts,
		"error", detail,
	)
	return false
}

func (o *Orchestrator) markCompensated(ctx context.Context, run *execution, stepID string) {
	if err := run.tracker.MarkCompensated(stepID); err != nil {
		run.log.ErrorContext(ctx, "mark compensated", "step_id", stepID, "error", err)
	}
	o.appendWAL(ctx, wal.Entry{TxID: run.txID, Type: wal.EntryCompensationCompleted, StepID: stepID})
	o.metrics.RecordStep(txn.KindSaga, "compensate", "compensated")
	o.publish(run, txn.EventStepCompensated, stepID, txn.StepCompensated.String(), "")
}
