// Package wal is an append-only per-transaction event log. Coordinators
// write an entry before acting on a state change so an interrupted
// transaction can be finished after a restart.
package wal

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// EntryType identifies one state-change event.
type EntryType string

const (
	EntryTxStarted  EntryType = "tx_started"
	EntryTxFinished EntryType = "tx_finished"

	EntryStepStarted           EntryType = "step_started"
	EntryStepCompleted         EntryType = "step_completed"
	EntryStepFailed            EntryType = "step_failed"
	EntryCompensationStarted   EntryType = "compensation_started"
	EntryCompensationCompleted EntryType = "compensation_completed"
	EntryCompensationFailed    EntryType = "compensation_failed"

	EntryVote           EntryType = "prepare_vote"
	EntryDecisionCommit EntryType = "decision_commit"
	EntryDecisionAbort  EntryType = "decision_abort"
	EntryCommitResult   EntryType = "commit_result"
	EntryRollbackResult EntryType = "rollback_result"
)

// Entry is one log record. Sequence is assigned by Append and starts at 1
// for every transaction.
type Entry struct {
	Sequence    uint64          `json:"sequence"`
	TxID        string          `json:"tx_id"`
	Type        EntryType       `json:"type"`
	StepID      string          `json:"step_id,omitempty"`
	Participant string          `json:"participant,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// WAL stores entries per transaction in append order.
type WAL interface {
	Append(ctx context.Context, entry Entry) (uint64, error)
	List(ctx context.Context, txID string) ([]Entry, error)
	// TxIDs returns every transaction with at least one entry, sorted.
	TxIDs(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, txID string) error
	Close() error
}

var (
	ErrEmptyTxID = errors.New("wal entry tx_id cannot be empty")
	ErrEmptyType = errors.New("wal entry type cannot be empty")
	ErrClosed    = errors.New("wal is closed")
)

func validate(entry *Entry) error {
	if entry.TxID == "" {
		return ErrEmptyTxID
	}
	if entry.Type == "" {
		return ErrEmptyType
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	return nil
}

// Data encodes v for Entry.Data, returning nil when v cannot be encoded.
func Data(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// Replay is the saga-relevant view of a transaction's log.
type Replay struct {
	Started bool
	// Finished is true once a tx_finished entry was written.
	Finished bool
	// Completed lists steps in completion order.
	Completed []string
	// Compensated holds steps whose compensation completed.
	Compensated map[string]bool
	// Decision is EntryDecisionCommit, EntryDecisionAbort, or empty.
	Decision EntryType
}

// Fold summarises entries that were listed for a single transaction.
func Fold(entries []Entry) Replay {
	r := Replay{Compensated: make(map[string]bool)}
	for _, e := range entries {
		switch e.Type {
		case EntryTxStarted:
			r.Started = true
		case EntryTxFinished:
			r.Finished = true
		case EntryStepCompleted:
			r.Completed = append(r.Completed, e.StepID)
		case EntryCompensationCompleted:
			r.Compensated[e.StepID] = true
		case EntryDecisionCommit, EntryDecisionAbort:
			r.Decision = e.Type
		}
	}
	return r
}
