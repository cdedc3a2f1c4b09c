// Package store persists the final and in-flight records of transactions.
package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/txcoord/txcoord/pkg/txn"
)

// ErrNotFound is returned when no record exists for a transaction id.
var ErrNotFound = errors.New("transaction not found")

// Record is the stored view of one transaction.
type Record struct {
	TxID   string     `json:"tx_id"`
	Kind   txn.Kind   `json:"kind"`
	Status txn.Status `json:"status"`
	// Success is the outcome flag. It is only meaningful once Status is terminal.
	Success bool `json:"success"`

	Steps             map[string]txn.StepState `json:"steps,omitempty"`
	History           []string                 `json:"history,omitempty"`
	CompensationOrder []string                 `json:"compensation_order,omitempty"`
	FailedStep        string                   `json:"failed_step,omitempty"`

	Participants  map[string]string `json:"participants,omitempty"`
	Decision      string            `json:"decision,omitempty"`
	PartialCommit bool              `json:"partial_commit,omitempty"`

	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy sharing no maps or slices with r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Steps = maps.Clone(r.Steps)
	out.History = slices.Clone(r.History)
	out.CompensationOrder = slices.Clone(r.CompensationOrder)
	out.Participants = maps.Clone(r.Participants)
	return &out
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Kind   txn.Kind
	Status txn.Status
	Limit  int
	Offset int
}

func (f Filter) matches(r *Record) bool {
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// window applies Offset and Limit to n matching records.
func (f Filter) window(n int) (start, end int) {
	start = max(f.Offset, 0)
	if start > n {
		start = n
	}
	end = n
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	return start, end
}

// Store persists transaction records.
type Store interface {
	Save(ctx context.Context, record *Record) error
	Get(ctx context.Context, txID string) (*Record, error)
	// List returns matching records ordered by creation time, oldest first,
	// and the number of matches before pagination.
	List(ctx context.Context, filter Filter) ([]*Record, int, error)
	Delete(ctx context.Context, txID string) error
}

func checkRecord(r *Record) error {
	if r == nil {
		return errors.New("record cannot be nil")
	}
	if r.TxID == "" {
		return fmt.Errorf("record tx_id cannot be empty")
	}
	return nil
}

func orderKey(r *Record) string {
	return fmt.Sprintf("%020d:%s", r.CreatedAt.UnixNano(), r.TxID)
}
