// Package graph validates transaction step definitions and groups them into
// dependency levels.
package graph

import "maps"

// StepDef describes one forward action and the action that undoes it.
type StepDef struct {
	ID                  string         `json:"id,omitempty"`
	Service             string         `json:"service" validate:"required"`
	Operation           string         `json:"operation" validate:"required"`
	Payload             map[string]any `json:"payload,omitempty"`
	CompensateOperation string         `json:"compensate_operation,omitempty"`
	CompensatePayload   map[string]any `json:"compensate_payload,omitempty"`
	DependsOn           []string       `json:"depends_on,omitempty"`
}

// HasCompensation reports whether the step declares a compensating operation.
func (s StepDef) HasCompensation() bool {
	return s.CompensateOperation != ""
}

// Clone returns a deep enough copy that the caller can no longer mutate the
// returned definition through shared maps or slices.
func (s StepDef) Clone() StepDef {
	out := s
	out.Payload = maps.Clone(s.Payload)
	out.CompensatePayload = maps.Clone(s.CompensatePayload)
	if s.DependsOn != nil {
		out.DependsOn = append([]string(nil), s.DependsOn...)
	}
	return out
}
