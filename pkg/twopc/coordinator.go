// Package twopc coordinates strict two-phase commits: every participant
// prepares, and only a unanimous yes leads to commit.
package twopc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/txcoord/txcoord/pkg/abort"
	"github.com/txcoord/txcoord/pkg/invoker"
	"github.com/txcoord/txcoord/pkg/logger"
	"github.com/txcoord/txcoord/pkg/participant"
	"github.com/txcoord/txcoord/pkg/store"
	"github.com/txcoord/txcoord/pkg/txn"
	"github.com/txcoord/txcoord/pkg/wal"
)

// Outcome is the result of one two-phase commit.
type Outcome struct {
	TxID         string                      `json:"tx_id"`
	Decision     Decision                    `json:"decision"`
	Participants map[string]ParticipantState `json:"participants"`
	// PartialCommit is set when the decision was commit but at least one
	// participant did not confirm it. The decision itself stands.
	PartialCommit bool      `json:"partial_commit"`
	Reason        string    `json:"reason,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

// Committed reports whether the decision was commit.
func (o *Outcome) Committed() bool {
	return o.Decision == DecisionCommitted
}

// Coordinator runs two-phase commits. It is safe for concurrent use; every
// transaction keeps its own state.
type Coordinator struct {
	participants    *participant.Registry
	invoker         *invoker.Invoker
	forward         invoker.RetryPolicy
	finalize        invoker.RetryPolicy
	callTimeout     time.Duration
	prepareDeadline time.Duration

	wal     wal.WAL
	store   store.Store
	aborts  *abort.Registry
	metrics txn.MetricsRecorder
	events  txn.EventSink
	logger  logger.Logger
}

// New creates a Coordinator. participants is only consulted by RunNamed and
// recovery.
func New(participants *participant.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		participants: participants,
		forward:      invoker.DefaultForwardPolicy(),
		finalize:     invoker.DefaultCompensationPolicy(),
		callTimeout:  10 * time.Second,
		metrics:      txn.NopMetrics{},
		events:       txn.NopSink{},
		logger:       logger.Global(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.invoker == nil {
		c.invoker = invoker.New(invoker.WithLogger(c.logger))
	}
	if c.aborts == nil {
		c.aborts = abort.NewRegistry(abort.WithLogger(c.logger))
	}
	if c.participants == nil {
		c.participants = participant.NewRegistry()
	}
	return c
}

type execution struct {
	txID         string
	order        []string
	participants map[string]participant.TwoPhaseParticipant
	token        *abort.Token
	startedAt    time.Time
	log          logger.Logger

	mu       sync.Mutex
	states   map[string]ParticipantState
	decision Decision
	reason   string
	partial  bool
}

func (r *execution) state(name string) ParticipantState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[name]
}

func (r *execution) transition(name string, to ParticipantState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	from := r.states[name]
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("participant %s: invalid transition %s -> %s", name, from, to)
	}
	r.states[name] = to
	if to == StateCommitFailed {
		r.partial = true
	}
	return nil
}

func (r *execution) snapshot() map[string]ParticipantState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.states)
}

func (r *execution) inState(s ParticipantState) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, name := range r.order {
		if r.states[name] == s {
			out = append(out, name)
		}
	}
	return out
}

type startPayload struct {
	Kind         txn.Kind `json:"kind"`
	Participants []string `json:"participants"`
}

type votePayload struct {
	Vote bool   `json:"vote"`
	Kind string `json:"kind"`
}

type resultPayload struct {
	OK   bool   `json:"ok"`
	Kind string `json:"kind"`
}

// RunNamed runs a transaction across participants looked up by name.
func (c *Coordinator) RunNamed(ctx context.Context, txID string, names []string) (*Outcome, error) {
	ps, err := c.participants.TwoPhaseAll(names)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return c.Run(ctx, txID, ps)
}

// Run performs a two-phase commit under txID; an empty txID gets a fresh
// one. The returned error is set only when the transaction was rejected
// before any participant was contacted. Otherwise the Outcome reports the
// decision, including aborts.
//
// Once the commit decision is logged, Abort and caller cancellation have no
// effect: every participant is told to commit.
func (c *Coordinator) Run(ctx context.Context, txID string, participants []participant.TwoPhaseParticipant) (*Outcome, error) {
	if txID == "" {
		txID = uuid.NewString()
	}
	run, err := c.newExecution(txID, participants)
	if err != nil {
		return nil, err
	}
	token, err := c.aborts.Register(txID)
	if err != nil {
		return nil, err
	}
	defer c.aborts.Release(txID)
	if err := c.ensureUnused(ctx, txID); err != nil {
		return nil, err
	}
	run.token = token

	ctx, span := tracer().Start(ctx, spanRun, trace.WithAttributes(
		attribute.String("tx.id", txID),
		attribute.Int("2pc.participants", len(run.order)),
	))
	defer span.End()

	c.metrics.IncActive(txn.KindTwoPhase)
	defer c.metrics.DecActive(txn.KindTwoPhase)

	c.appendWAL(ctx, wal.Entry{TxID: txID, Type: wal.EntryTxStarted, Data: wal.Data(startPayload{Kind: txn.KindTwoPhase, Participants: run.order})})
	c.saveRecord(ctx, run, txn.StatusPreparing)
	c.publish(run, txn.EventStarted, "", string(txn.StatusPreparing), "")
	run.log.InfoContext(ctx, "2pc started", "participants", run.order)

	decision, reason := c.prepareAll(ctx, run)
	c.decide(ctx, run, decision, reason)

	// Phase two runs to completion whatever happens to the caller.
	phaseTwo := context.WithoutCancel(ctx)
	if run.decision == DecisionCommitted {
		c.commitAll(phaseTwo, run)
	} else {
		span.SetStatus(codes.Error, run.reason)
		c.rollbackPrepared(phaseTwo, run)
	}
	return c.finish(ctx, run), nil
}

func (c *Coordinator) newExecution(txID string, participants []participant.TwoPhaseParticipant) (*execution, error) {
	if len(participants) == 0 {
		return nil, fmt.Errorf("%w: no participants", ErrValidation)
	}
	run := &execution{
		txID:         txID,
		participants: make(map[string]participant.TwoPhaseParticipant, len(participants)),
		states:       make(map[string]ParticipantState, len(participants)),
		startedAt:    time.Now().UTC(),
		log:          c.logger.With("tx_id", txID, "mode", string(txn.KindTwoPhase)),
	}
	for i, p := range participants {
		if p == nil {
			return nil, fmt.Errorf("%w: participant %d is nil", ErrValidation, i)
		}
		name := p.Name()
		if name == "" {
			return nil, fmt.Errorf("%w: participant %d has no name", ErrValidation, i)
		}
		if _, dup := run.participants[name]; dup {
			return nil, fmt.Errorf("%w: duplicate participant %q", ErrValidation, name)
		}
		run.participants[name] = p
		run.states[name] = StatePending
		run.order = append(run.order, name)
	}
	return run, nil
}

// ensureUnused rejects an id an earlier transaction of either mode left in
// the WAL or the record store.
func (c *Coordinator) ensureUnused(ctx context.Context, txID string) error {
	if c.wal != nil {
		entries, err := c.wal.List(ctx, txID)
		if err != nil {
			return fmt.Errorf("check transaction id %s: %w", txID, err)
		}
		if len(entries) > 0 {
			return fmt.Errorf("%w: %s", txn.ErrDuplicateTxID, txID)
		}
	}
	if c.store != nil {
		if _, err := c.store.Get(ctx, txID); err == nil {
			return fmt.Errorf("%w: %s", txn.ErrDuplicateTxID, txID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("check transaction id %s: %w", txID, err)
		}
	}
	return nil
}

// decide logs the decision before any participant hears it. A commit that
// cannot be logged becomes an abort.
func (c *Coordinator) decide(ctx context.Context, run *execution, decision Decision, reason string) {
	if err := c.logDecision(ctx, run.txID, decision, reason); err != nil {
		run.log.ErrorContext(ctx, "log 2pc decision", "decision", string(decision), "error", err)
		if decision == DecisionCommitted {
			decision, reason = DecisionAborted, ReasonDecisionNotLogged
			if err := c.logDecision(ctx, run.txID, decision, reason); err != nil {
				run.log.ErrorContext(ctx, "log 2pc decision", "decision", string(decision), "error", err)
			}
		}
	}

	run.mu.Lock()
	run.decision, run.reason = decision, reason
	run.mu.Unlock()

	status := txn.StatusCommitting
	if decision == DecisionAborted {
		status = txn.StatusRollingBack
	}
	c.saveRecord(ctx, run, status)
	c.publish(run, txn.EventDecision, "", string(decision), reason)
	run.log.InfoContext(ctx, "2pc decided", "decision", string(decision), "reason", reason)
}

func (c *Coordinator) logDecision(ctx context.Context, txID string, decision Decision, reason string) error {
	if c.wal == nil {
		return nil
	}
	typ := wal.EntryDecisionAbort
	if decision == DecisionCommitted {
		typ = wal.EntryDecisionCommit
	}
	_, err := c.wal.Append(context.WithoutCancel(ctx), wal.Entry{
		TxID: txID,
		Type: typ,
		Data: wal.Data(map[string]string{"reason": reason}),
	})
	return err
}

// Abort asks a running transaction to abort. It has no effect once the
// commit decision was made.
func (c *Coordinator) Abort(ctx context.Context, txID string) error {
	err := c.aborts.Cancel(ctx, txID, ReasonAbortRequested)
	if errors.Is(err, abort.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}
	return err
}

// Get returns the stored record of a transaction.
func (c *Coordinator) Get(ctx context.Context, txID string) (*store.Record, error) {
	if c.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}
	rec, err := c.store.Get(ctx, txID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}
	return rec, err
}

func (c *Coordinator) finish(ctx context.Context, run *execution) *Outcome {
	run.mu.Lock()
	out := &Outcome{
		TxID:          run.txID,
		Decision:      run.decision,
		Participants:  maps.Clone(run.states),
		PartialCommit: run.partial,
		Reason:        run.reason,
		StartedAt:     run.startedAt,
		FinishedAt:    time.Now().UTC(),
	}
	run.mu.Unlock()

	status := out.Decision.Status()
	c.saveRecord(ctx, run, status)
	c.appendWAL(ctx, wal.Entry{TxID: run.txID, Type: wal.EntryTxFinished, Data: wal.Data(map[string]any{"status": status, "partial_commit": out.PartialCommit})})
	c.metrics.RecordTransaction(txn.KindTwoPhase, status, out.FinishedAt.Sub(out.StartedAt))
	c.publish(run, txn.EventFinished, "", string(status), out.Reason)

	if out.PartialCommit {
		run.log.ErrorContext(ctx, "2pc committed with failed participants", "participants", out.Participants)
	}
	run.log.InfoContext(ctx, "2pc finished",
		"decision", string(out.Decision),
		"reason", out.Reason,
		"partial_commit", out.PartialCommit,
	)
	return out
}

func (c *Coordinator) appendWAL(ctx context.Context, e wal.Entry) {
	if c.wal == nil {
		return
	}
	if _, err := c.wal.Append(context.WithoutCancel(ctx), e); err != nil {
		c.logger.ErrorContext(ctx, "wal append failed", "tx_id", e.TxID, "type", string(e.Type), "error", err)
	}
}

func (c *Coordinator) saveRecord(ctx context.Context, run *execution, status txn.Status) {
	if c.store == nil {
		return
	}
	run.mu.Lock()
	rec := &store.Record{
		TxID:          run.txID,
		Kind:          txn.KindTwoPhase,
		Status:        status,
		Success:       status == txn.StatusCommitted,
		Participants:  make(map[string]string, len(run.states)),
		Decision:      string(run.decision),
		PartialCommit: run.partial,
		CreatedAt:     run.startedAt,
	}
	for name, s := range run.states {
		rec.Participants[name] = string(s)
	}
	if run.decision == DecisionAborted {
		rec.Error = run.reason
	}
	run.mu.Unlock()

	if err := c.store.Save(context.WithoutCancel(ctx), rec); err != nil {
		run.log.ErrorContext(ctx, "save transaction record failed", "error", err)
	}
}

func (c *Coordinator) publish(run *execution, typ txn.EventType, name, status, detail string) {
	c.events.Publish(txn.Event{
		Type:        typ,
		TxID:        run.txID,
		Kind:        txn.KindTwoPhase,
		Participant: name,
		Status:      status,
		Detail:      detail,
		Timestamp:   time.Now().UTC(),
	})
}

func decodeStart(data json.RawMessage) (startPayload, error) {
	var p startPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode 2pc participants from wal: %w", err)
	}
	return p, nil
}
