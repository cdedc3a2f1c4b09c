package saga

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/txcoord/txcoord/pkg/invoker"
	"github.com/txcoord/txcoord/pkg/txn"
	"github.com/txcoord/txcoord/pkg/wal"
)

type stepOutcome struct {
	stepID  string
	skipped bool
	result  invoker.Result
}

// runLevels executes the plan level by level. It returns the first failed
// step, if any, and the failure. Steps of levels that never start stay
// pending.
func (o *Orchestrator) runLevels(ctx context.Context, run *execution) (string, error) {
	for depth, level := range run.plan.Levels() {
		if err := o.interrupted(ctx, run); err != nil {
			return "", err
		}

		outcomes := make(chan stepOutcome, len(level))
		g := new(errgroup.Group)
		g.SetLimit(o.maxConcurrent)
		for _, stepID := range level {
			if !o.ready(run, stepID) {
				continue
			}
			g.Go(func() error {
				outcomes <- o.executeStep(ctx, run, stepID, depth)
				return nil
			})
		}
		go func() {
			_ = g.Wait()
			close(outcomes)
		}()

		// Only this goroutine completes or fails steps, so the history
		// records completions in the order they were observed.
		var failedStep string
		var failure error
		for out := range outcomes {
			if out.skipped {
				continue
			}
			if out.result.OK {
				if err := run.tracker.Complete(out.stepID); err != nil {
					run.log.ErrorContext(ctx, "complete step", "step_id", out.stepID, "error", err)
				}
				o.appendWAL(ctx, wal.Entry{TxID: run.txID, Type: wal.EntryStepCompleted, StepID: out.stepID})
				o.metrics.RecordStep(txn.KindSaga, "execute", "completed")
				o.publish(run, txn.EventStepCompleted, out.stepID, txn.StepCompleted.String(), "")
				continue
			}

			if err := run.tracker.Fail(out.stepID); err != nil {
				run.log.ErrorContext(ctx, "fail step", "step_id", out.stepID, "error", err)
			}
			stepErr := &StepError{StepID: out.stepID, Kind: out.result.Kind, Err: out.result.Error()}
			o.appendWAL(ctx, wal.Entry{TxID: run.txID, Type: wal.EntryStepFailed, StepID: out.stepID, Data: wal.Data(map[string]string{"kind": out.result.Kind.String(), "error": stepErr.Error()})})
			o.metrics.RecordStep(txn.KindSaga, "execute", out.result.Kind.String())
			o.publish(run, txn.EventStepFailed, out.stepID, txn.StepFailed.String(), stepErr.Error())
			run.log.WarnContext(ctx, "step failed",
				"step_id", out.stepID,
				"kind", out.result.Kind.String(),
				"attempts", out.result.Attempts,
				"error", out.result.Err,
			)
			if failure == nil {
				failedStep, failure = out.stepID, stepErr
			}
		}

		if failure != nil {
			var stepErr *StepError
			if errors.As(failure, &stepErr) && stepErr.Kind == invoker.KindCancelled {
				if cause := o.interrupted(ctx, run); cause != nil {
					failure = fmt.Errorf("%w: %w", cause, failure)
				}
			}
			return failedStep, failure
		}
		if err := o.interrupted(ctx, run); err != nil {
			return "", err
		}
	}
	return "", nil
}

// ready reports whether every dependency of stepID has completed. Levels
// guarantee this; the check guards against a step being scheduled after a
// dependency failed.
func (o *Orchestrator) ready(run *execution, stepID string) bool {
	step, _ := run.plan.Step(stepID)
	for _, dep := range step.DependsOn {
		if s, _ := run.tracker.State(dep); s != txn.StepCompleted {
			return false
		}
	}
	return true
}

// interrupted checks the abort flag and the forward deadline.
func (o *Orchestrator) interrupted(ctx context.Context, run *execution) error {
	if run.token.Cancelled() {
		return ErrAborted
	}
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded) && o.deadline > 0:
		return ErrDeadlineExceeded
	default:
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
}

func (o *Orchestrator) executeStep(ctx context.Context, run *execution, stepID string, depth int) stepOutcome {
	// Call boundary: a step not yet started when the abort arrives stays
	// pending.
	if run.token.Cancelled() || ctx.Err() != nil {
		return stepOutcome{stepID: stepID, skipped: true}
	}
	if err := run.tracker.Start(stepID); err != nil {
		run.log.ErrorContext(ctx, "start step", "step_id", stepID, "error", err)
		return stepOutcome{stepID: stepID, skipped: true}
	}
	o.appendWAL(ctx, wal.Entry{TxID: run.txID, Type: wal.EntryStepStarted, StepID: stepID})

	step, _ := run.plan.Step(stepID)
	p := run.participants[stepID]

	ctx, span := tracer().Start(ctx, spanStep, trace.WithAttributes(
		attribute.String("tx.id", run.txID),
		attribute.String("saga.step", stepID),
		attribute.Int("saga.level", depth),
		attribute.String("participant.service", step.Service),
		attribute.String("participant.operation", step.Operation),
	))
	defer span.End()

	res := o.invoker.Invoke(ctx, invoker.Call{
		TxID:      run.txID,
		Service:   step.Service,
		Operation: step.Operation,
		Phase:     invoker.PhaseExecute,
		Timeout:   o.stepTimeout,
		Policy:    o.forward,
		Cancelled: run.token.Cancelled,
		Fn: func(callCtx context.Context) (bool, error) {
			return p.Execute(callCtx, run.txID, step.Operation, step.Payload)
		},
	})
	span.SetAttributes(attribute.Int("invoke.attempts", res.Attempts), attribute.String("invoke.kind", res.Kind.String()))
	if res.Failed() {
		span.SetStatus(codes.Error, res.Kind.String())
	}
	return stepOutcome{stepID: stepID, result: res}
}
