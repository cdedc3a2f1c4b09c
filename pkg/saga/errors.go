package saga

import (
	"errors"
	"fmt"

	"github.com/txcoord/txcoord/pkg/invoker"
)

var (
	// ErrAborted is the failure of a saga stopped by Abort.
	ErrAborted = errors.New("saga aborted")
	// ErrDeadlineExceeded is the failure of a saga that ran past its
	// transaction deadline.
	ErrDeadlineExceeded = errors.New("saga deadline exceeded")
	// ErrTransactionNotFound is returned for an unknown transaction id.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrAlreadyFinished is returned when recovering a finished saga.
	ErrAlreadyFinished = errors.New("saga already finished")
)

// StepError is the failure of a saga whose forward step did not complete.
type StepError struct {
	StepID string
	Kind   invoker.ErrorKind
	Err    error
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("step %q failed: %s", e.StepID, e.Kind)
	}
	return fmt.Sprintf("step %q failed: %v", e.StepID, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// IsRejection reports whether the participant explicitly refused the step.
func (e *StepError) IsRejection() bool {
	return e.Kind == invoker.KindRejected
}
