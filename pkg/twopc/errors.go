package twopc

import "errors"

var (
	// ErrValidation marks a transaction rejected before any participant
	// was contacted.
	ErrValidation = errors.New("invalid 2pc transaction")

	ErrTransactionNotFound = errors.New("transaction not found")
	ErrAlreadyFinished     = errors.New("transaction already finished")
)

// Reasons recorded on an aborted Outcome.
const (
	ReasonVotedNo           = "participant voted no"
	ReasonPrepareDeadline   = "prepare deadline exceeded"
	ReasonAbortRequested    = "abort requested"
	ReasonCancelled         = "caller cancelled"
	ReasonDecisionNotLogged = "decision could not be logged"
	ReasonRecovered         = "coordinator restarted before a decision"
)
