// Package models holds the request and response bodies of the HTTP API.
package models

import (
	"github.com/txcoord/txcoord/pkg/graph"
	"github.com/txcoord/txcoord/pkg/store"
)

// SagaRequest submits a saga. Steps are keyed by step id.
type SagaRequest struct {
	TxID  string                 `json:"tx_id,omitempty" validate:"omitempty,max=128"`
	Steps map[string]StepRequest `json:"steps" validate:"required,min=1,dive"`
}

// StepRequest is one step of a submitted saga.
type StepRequest struct {
	Service             string         `json:"service" validate:"required"`
	Operation           string         `json:"operation" validate:"required"`
	Payload             map[string]any `json:"payload,omitempty"`
	CompensateOperation string         `json:"compensate_operation,omitempty"`
	CompensatePayload   map[string]any `json:"compensate_payload,omitempty"`
	DependsOn           []string       `json:"depends_on,omitempty" validate:"dive,required"`
}

// StepDefs converts the request into the definitions a saga runs.
func (r *SagaRequest) StepDefs() map[string]graph.StepDef {
	out := make(map[string]graph.StepDef, len(r.Steps))
	for id, s := range r.Steps {
		out[id] = graph.StepDef{
			ID:                  id,
			Service:             s.Service,
			Operation:           s.Operation,
			Payload:             s.Payload,
			CompensateOperation: s.CompensateOperation,
			CompensatePayload:   s.CompensatePayload,
			DependsOn:           s.DependsOn,
		}
	}
	return out
}

// PlanResponse describes how a saga would be scheduled.
type PlanResponse struct {
	Levels [][]string `json:"levels"`
	DOT    string     `json:"dot"`
}

// TwoPCRequest submits a two-phase commit across named participants.
type TwoPCRequest struct {
	TxID         string   `json:"tx_id,omitempty" validate:"omitempty,max=128"`
	Participants []string `json:"participants" validate:"required,min=1,dive,required"`
}

// AbortResponse acknowledges an abort request. The transaction stops at
// its next checkpoint.
type AbortResponse struct {
	TxID   string `json:"tx_id"`
	Status string `json:"status"`
}

// ListResponse is a page of stored transactions.
type ListResponse struct {
	Items  []*store.Record `json:"items"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}
