// Package saga runs multi-step transactions level by level and undoes
// completed steps in reverse completion order when one fails.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/txcoord/txcoord/pkg/abort"
	"github.com/txcoord/txcoord/pkg/graph"
	"github.com/txcoord/txcoord/pkg/invoker"
	"github.com/txcoord/txcoord/pkg/logger"
	"github.com/txcoord/txcoord/pkg/participant"
	"github.com/txcoord/txcoord/pkg/store"
	"github.com/txcoord/txcoord/pkg/txn"
	"github.com/txcoord/txcoord/pkg/wal"
)

// Result is the structured outcome of one saga. Expected failures, such as a
// rejected step, are reported here rather than as an error.
type Result struct {
	TxID              string                   `json:"tx_id"`
	Success           bool                     `json:"success"`
	Status            txn.Status               `json:"status"`
	States            map[string]txn.StepState `json:"states"`
	History           []string                 `json:"history"`
	CompensationOrder []string                 `json:"compensation_order,omitempty"`
	FailedStep        string                   `json:"failed_step,omitempty"`
	Failure           error                    `json:"-"`
	Error             string                   `json:"error,omitempty"`
	StartedAt         time.Time                `json:"started_at"`
	FinishedAt        time.Time                `json:"finished_at"`
}

// Orchestrator runs sagas against registered participants. One Orchestrator
// may run many sagas concurrently; each saga keeps its own state.
type Orchestrator struct {
	participants *participant.Registry
	invoker      *invoker.Invoker
	forward      invoker.RetryPolicy
	compensation invoker.RetryPolicy
	stepTimeout  time.Duration
	deadline     time.Duration

	maxConcurrent int

	wal     wal.WAL
	store   store.Store
	aborts  *abort.Registry
	metrics txn.MetricsRecorder
	events  txn.EventSink
	logger  logger.Logger
}

// New creates an Orchestrator resolving step services through participants.
func New(participants *participant.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		participants:  participants,
		forward:       invoker.DefaultForwardPolicy(),
		compensation:  invoker.DefaultCompensationPolicy(),
		stepTimeout:   30 * time.Second,
		maxConcurrent: 16,
		metrics:       txn.NopMetrics{},
		events:        txn.NopSink{},
		logger:        logger.Global(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.invoker == nil {
		o.invoker = invoker.New(invoker.WithLogger(o.logger))
	}
	if o.aborts == nil {
		o.aborts = abort.NewRegistry(abort.WithLogger(o.logger))
	}
	if o.participants == nil {
		o.participants = participant.NewRegistry()
	}
	return o
}

// execution is the state of one running saga.
type execution struct {
	txID         string
	plan         *graph.Plan
	participants map[string]participant.SagaParticipant
	tracker      *txn.Tracker
	token        *abort.Token
	startedAt    time.Time
	log          logger.Logger
}

type startPayload struct {
	Kind  txn.Kind                 `json:"kind"`
	Steps map[string]graph.StepDef `json:"steps"`
}

// RunSaga runs steps under a fresh transaction id.
func (o *Orchestrator) RunSaga(ctx context.Context, steps map[string]graph.StepDef) (*Result, error) {
	return o.RunSagaWithID(ctx, uuid.NewString(), steps)
}

// RunSagaWithID runs steps under txID. It returns an error only when the
// definition is invalid or txID is running or was used before; in that case
// no participant has been contacted.
//
// Levels run in ascending order and the steps of one level run
// concurrently. After a level with a failed step no further level starts,
// and every completed step is compensated, last completed first.
func (o *Orchestrator) RunSagaWithID(ctx context.Context, txID string, steps map[string]graph.StepDef) (*Result, error) {
	if txID == "" {
		return nil, fmt.Errorf("%w: empty transaction id", graph.ErrValidation)
	}
	plan, err := graph.Build(steps)
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
	if err := o.ensureUnused(ctx, txID); err != nil {
		return nil, err
	}

	ctx, span := tracer().Start(ctx, spanRun, trace.WithAttributes(
		attribute.String("tx.id", txID),
		attribute.Int("saga.steps", plan.Len()),
		attribute.Int("saga.levels", len(plan.Levels())),
	))
	defer span.End()

	run := &execution{
		txID:         txID,
		plan:         plan,
		participants: resolved,
		tracker:      txn.NewTracker(plan.StepIDs()),
		token:        token,
		startedAt:    time.Now().UTC(),
		log:          o.logger.With("tx_id", txID, "mode", string(txn.KindSaga)),
	}

	o.metrics.IncActive(txn.KindSaga)
	defer o.metrics.DecActive(txn.KindSaga)

	o.appendWAL(ctx, wal.Entry{TxID: txID, Type: wal.EntryTxStarted, Data: wal.Data(startPayload{Kind: txn.KindSaga, Steps: steps})})
	o.saveRecord(ctx, run, txn.StatusRunning, "", nil)
	o.publish(run, txn.EventStarted, "", string(txn.StatusRunning), "")
	run.log.InfoContext(ctx, "saga started", "steps", plan.Len(), "levels", len(plan.Levels()))

	forwardCtx := ctx
	cancel := func() {}
	if o.deadline > 0 {
		forwardCtx, cancel = context.WithTimeout(ctx, o.deadline)
	}
	failedStep, failure := o.runLevels(forwardCtx, run)
	cancel()

	status := txn.StatusSucceeded
	if failure != nil {
		span.SetStatus(codes.Error, failure.Error())
		run.log.WarnContext(ctx, "saga failed, compensating", "failed_step", failedStep, "error", failure)
		o.saveRecord(ctx, run, txn.StatusCompensating, failedStep, failure)

		// Compensation runs to completion whatever happened to the caller.
		if o.compensate(context.WithoutCancel(ctx), run) {
			status = txn.StatusCompensated
		} else {
			status = txn.StatusCompensationFailed
		}
	}

	return o.finish(ctx, run, status, failedStep, failure), nil
}

// Abort asks a running saga to stop. The saga notices at its next
// checkpoint: before a level starts, before a step is invoked, or between
// retries. Steps already completed are then compensated.
func (o *Orchestrator) Abort(ctx context.Context, txID string) error {
	err := o.aborts.Cancel(ctx, txID, "abort requested")
	if errors.Is(err, abort.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}
	return err
}

// Get returns the stored record of a saga.
func (o *Orchestrator) Get(ctx context.Context, txID string) (*store.Record, error) {
	if o.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}
	rec, err := o.store.Get(ctx, txID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}
	return rec, err
}

// ensureUnused rejects an id an earlier transaction left in the WAL or the
// record store. It runs after Register so a concurrent first use is caught
// by the registry instead.
func (o *Orchestrator) ensureUnused(ctx context.Context, txID string) error {
	if o.wal != nil {
		entries, err := o.wal.List(ctx, txID)
		if err != nil {
			return fmt.Errorf("check transaction id %s: %w", txID, err)
		}
		if len(entries) > 0 {
			return fmt.Errorf("%w: %s", txn.ErrDuplicateTxID, txID)
		}
	}
	if o.store != nil {
		_, err := o.store.Get(ctx, txID)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s", txn.ErrDuplicateTxID, txID)
		case !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("check transaction id %s: %w", txID, err)
		}
	}
	return nil
}

// resolve finds the participant for every step before anything runs.
func (o *Orchestrator) resolve(plan *graph.Plan) (map[string]participant.SagaParticipant, error) {
	out := make(map[string]participant.SagaParticipant, plan.Len())
	for _, id := range plan.StepIDs() {
		step, _ := plan.Step(id)
		p, err := o.participants.Saga(step.Service)
		if err != nil {
			return nil, fmt.Errorf("%w: step %q: %w", graph.ErrValidation, id, err)
		}
		out[id] = p
	}
	return out, nil
}

func (o *Orchestrator) finish(ctx context.Context, run *execution, status txn.Status, failedStep string, failure error) *Result {
	success := status == txn.StatusSucceeded
	if err := run.tracker.SetOutcome(success); err != nil {
		run.log.ErrorContext(ctx, "saga outcome already set", "error", err)
	}

	res := &Result{
		TxID:              run.txID,
		Success:           success,
		Status:            status,
		States:            run.tracker.States(),
		History:           run.tracker.History(),
		CompensationOrder: run.tracker.CompensationOrder(),
		FailedStep:        failedStep,
		Failure:           failure,
		StartedAt:         run.startedAt,
		FinishedAt:        time.Now().UTC(),
	}
	if failure != nil {
		res.Error = failure.Error()
	}

	o.saveRecord(ctx, run, status, failedStep, failure)
	o.appendWAL(ctx, wal.Entry{TxID: run.txID, Type: wal.EntryTxFinished, Data: wal.Data(map[string]any{"status": status})})
	o.metrics.RecordTransaction(txn.KindSaga, status, res.FinishedAt.Sub(res.StartedAt))
	o.publish(run, txn.EventFinished, "", string(status), res.Error)

	run.log.InfoContext(ctx, "saga finished",
		"status", string(status),
		"success", success,
		"history", res.History,
		"compensation_order", res.CompensationOrder,
	)
	return res
}

func (o *Orchestrator) appendWAL(ctx context.Context, e wal.Entry) {
	if o.wal == nil {
		return
	}
	if _, err := o.wal.Append(context.WithoutCancel(ctx), e); err != nil {
		o.logger.ErrorContext(ctx, "wal append failed", "tx_id", e.TxID, "type", string(e.Type), "error", err)
	}
}

func (o *Orchestrator) saveRecord(ctx context.Context, run *execution, status txn.Status, failedStep string, failure error) {
	if o.store == nil {
		return
	}
	rec := &store.Record{
		TxID:              run.txID,
		Kind:              txn.KindSaga,
		Status:            status,
		Success:           status == txn.StatusSucceeded,
		Steps:             run.tracker.States(),
		History:           run.tracker.History(),
		CompensationOrder: run.tracker.CompensationOrder(),
		FailedStep:        failedStep,
		CreatedAt:         run.startedAt,
	}
	if failure != nil {
		rec.Error = failure.Error()
	}
	if err := o.store.Save(context.WithoutCancel(ctx), rec); err != nil {
		run.log.ErrorContext(ctx, "save transaction record failed", "error", err)
	}
}

func (o *Orchestrator) publish(run *execution, typ txn.EventType, stepID, status, detail string) {
	o.events.Publish(txn.Event{
		Type:      typ,
		TxID:      run.txID,
		Kind:      txn.KindSaga,
		StepID:    stepID,
		Status:    status,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
}

func decodeStart(data json.RawMessage) (startPayload, error) {
	var p startPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode saga definition from wal: %w", err)
	}
	return p, nil
}
