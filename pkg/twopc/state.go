package twopc

import "github.com/txcoord/txcoord/pkg/txn"

// ParticipantState is where one participant stands in the protocol.
type ParticipantState string

const (
	StatePending        ParticipantState = "pending"
	StatePreparing      ParticipantState = "preparing"
	StatePrepared       ParticipantState = "prepared"
	StatePrepareFailed  ParticipantState = "prepare_failed"
	StateCommitting     ParticipantState = "committing"
	StateRollingBack    ParticipantState = "rolling_back"
	StateCommitted      ParticipantState = "committed"
	StateRolledBack     ParticipantState = "rolled_back"
	StateCommitFailed   ParticipantState = "commit_failed"
	StateRollbackFailed ParticipantState = "rollback_failed"
)

var transitions = map[ParticipantState][]ParticipantState{
	StatePending:        {StatePreparing},
	StatePreparing:      {StatePrepared, StatePrepareFailed},
	StatePrepared:       {StateCommitting, StateRollingBack},
	StateCommitting:     {StateCommitted, StateCommitFailed},
	StateRollingBack:    {StateRolledBack, StateRollbackFailed},
	StateCommitFailed:   {StateCommitting},
	StateRollbackFailed: {StateRollingBack},
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s ParticipantState) CanTransitionTo(next ParticipantState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsFinal reports whether s ends a participant's part in the protocol.
func (s ParticipantState) IsFinal() bool {
	switch s {
	case StatePrepareFailed, StateCommitted, StateRolledBack, StateCommitFailed, StateRollbackFailed:
		return true
	}
	return false
}

// Decision is the coordinator's verdict on a transaction.
type Decision string

const (
	DecisionCommitted Decision = "committed"
	DecisionAborted   Decision = "aborted"
)

// Status maps the decision to the shared transaction status.
func (d Decision) Status() txn.Status {
	if d == DecisionCommitted {
		return txn.StatusCommitted
	}
	return txn.StatusAborted
}
