// Package txn tracks per-step lifecycle state for a single transaction.
package txn

import (
	"fmt"
)

// StepState is the lifecycle state of one saga step.
type StepState int

const (
	StepPending StepState = iota
	StepRunning
	StepCompleted
	StepFailed
	StepCompensated
	StepCompensationFailed
)

// Steps move forward only. Compensation states are reachable from
// StepCompleted alone; a failed compensation may later succeed on a retry.
var stepTransitions = map[StepState]map[StepState]struct{}{
	StepPending: {
		StepRunning: {},
	},
	StepRunning: {
		StepCompleted: {},
		StepFailed:    {},
	},
	StepCompleted: {
		StepCompensated:        {},
		StepCompensationFailed: {},
	},
	StepCompensationFailed: {
		StepCompensated: {},
	},
}

var stepStateNames = map[StepState]string{
	StepPending:            "pending",
	StepRunning:            "running",
	StepCompleted:          "completed",
	StepFailed:             "failed",
	StepCompensated:        "compensated",
	StepCompensationFailed: "compensation_failed",
}

func (s StepState) String() string {
	if name, ok := stepStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseStepState is the inverse of String.
func ParseStepState(s string) (StepState, error) {
	for state, name := range stepStateNames {
		if name == s {
			return state, nil
		}
	}
	return 0, fmt.Errorf("unknown step state %q", s)
}

func (s StepState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *StepState) UnmarshalText(b []byte) error {
	v, err := ParseStepState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// CanTransitionTo reports whether moving to next is allowed.
func (s StepState) CanTransitionTo(next StepState) bool {
	allowed, ok := stepTransitions[s]
	if !ok {
		return false
	}
	_, ok = allowed[next]
	return ok
}

// Status is the lifecycle state of a whole transaction. Saga and two-phase
// transactions share one vocabulary so they can live in the same store.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusCompensating Status = "compensating"
	StatusSucceeded    Status = "succeeded"
	// StatusCompensated: the saga failed and every completed step was undone.
	StatusCompensated Status = "compensated"
	// StatusCompensationFailed: the saga failed and at least one undo failed.
	StatusCompensationFailed Status = "compensation_failed"

	StatusPreparing   Status = "preparing"
	StatusCommitting  Status = "committing"
	StatusRollingBack Status = "rolling_back"
	StatusCommitted   Status = "committed"
	StatusAborted     Status = "aborted"
)

// IsTerminal reports whether no further work will happen.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusCompensated, StatusCompensationFailed, StatusCommitted, StatusAborted:
		return true
	default:
		return false
	}
}

// Kind distinguishes the two coordination modes.
type Kind string

const (
	KindSaga     Kind = "saga"
	KindTwoPhase Kind = "2pc"
)
