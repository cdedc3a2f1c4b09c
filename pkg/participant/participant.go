// Package participant defines the contract collaborating services implement
// and adapters for reaching them.
package participant

import "context"

// SagaParticipant performs forward actions and their compensations.
// Both calls return false for a business rejection and an error for
// anything that may succeed on retry.
type SagaParticipant interface {
	Execute(ctx context.Context, txID, operation string, payload map[string]any) (bool, error)
	// Compensate must tolerate being called for a forward action that was
	// only partially applied, and being called more than once.
	Compensate(ctx context.Context, txID, operation string, payload map[string]any) (bool, error)
}

// TwoPhaseParticipant takes part in a two-phase commit.
type TwoPhaseParticipant interface {
	Name() string
	// Prepare reserves resources without making them visible. It may be
	// called again for the same transaction under retry.
	Prepare(ctx context.Context, txID string) (bool, error)
	Commit(ctx context.Context, txID string) (bool, error)
	Rollback(ctx context.Context, txID string) (bool, error)
}

// SagaFuncs adapts plain functions to SagaParticipant. A nil CompensateFn
// treats compensation as a successful no-op.
type SagaFuncs struct {
	ExecuteFn    func(ctx context.Context, txID, operation string, payload map[string]any) (bool, error)
	CompensateFn func(ctx context.Context, txID, operation string, payload map[string]any) (bool, error)
}

func (f SagaFuncs) Execute(ctx context.Context, txID, operation string, payload map[string]any) (bool, error) {
	if f.ExecuteFn == nil {
		return true, nil
	}
	return f.ExecuteFn(ctx, txID, operation, payload)
}

func (f SagaFuncs) Compensate(ctx context.Context, txID, operation string, payload map[string]any) (bool, error) {
	if f.CompensateFn == nil {
		return true, nil
	}
	return f.CompensateFn(ctx, txID, operation, payload)
}

// TwoPhaseFuncs adapts plain functions to TwoPhaseParticipant. Nil
// functions answer true.
type TwoPhaseFuncs struct {
	ParticipantName string
	PrepareFn       func(ctx context.Context, txID string) (bool, error)
	CommitFn        func(ctx context.Context, txID string) (bool, error)
	RollbackFn      func(ctx context.Context, txID string) (bool, error)
}

func (f TwoPhaseFuncs) Name() string { return f.ParticipantName }

func (f TwoPhaseFuncs) Prepare(ctx context.Context, txID string) (bool, error) {
	return call(ctx, f.PrepareFn, txID)
}

func (f TwoPhaseFuncs) Commit(ctx context.Context, txID string) (bool, error) {
	return call(ctx, f.CommitFn, txID)
}

func (f TwoPhaseFuncs) Rollback(ctx context.Context, txID string) (bool, error) {
	return call(ctx, f.RollbackFn, txID)
}

func call(ctx context.Context, fn func(context.Context, string) (bool, error), txID string) (bool, error) {
	if fn == nil {
		return true, nil
	}
	return fn(ctx, txID)
}
