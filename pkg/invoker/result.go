// Package invoker performs single participant calls under a per-attempt
// timeout and a bounded retry policy.
package invoker

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a call did not return true.
type ErrorKind int

const (
	// KindNone means the participant answered true.
	KindNone ErrorKind = iota
	// KindRejected means the participant answered false. Never retried.
	KindRejected
	// KindTransient means every attempt failed with an error.
	KindTransient
	// KindTimeout means the final attempt exceeded its timeout.
	KindTimeout
	// KindPermanent means the participant marked its error as not retryable,
	// or the call panicked.
	KindPermanent
	// KindCancelled means the caller gave up before an answer arrived.
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindRejected:
		return "rejected"
	case KindTransient:
		return "transient"
	case KindTimeout:
		return "timeout"
	case KindPermanent:
		return "permanent"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is the outcome of an invocation: either Ok(true) or an error kind.
type Result struct {
	OK       bool
	Kind     ErrorKind
	Err      error
	Attempts int
}

// Failed reports whether the call did not succeed.
func (r Result) Failed() bool { return !r.OK }

// Error returns a descriptive error for failed results, nil otherwise.
func (r Result) Error() error {
	switch {
	case r.OK:
		return nil
	case r.Kind == KindRejected:
		return ErrRejected
	case r.Err != nil:
		return fmt.Errorf("%s after %d attempt(s): %w", r.Kind, r.Attempts, r.Err)
	default:
		return fmt.Errorf("%s after %d attempt(s)", r.Kind, r.Attempts)
	}
}

var (
	// ErrRejected describes a participant answering false.
	ErrRejected = errors.New("participant rejected the operation")
	// ErrAttemptTimeout is recorded when a single attempt runs out of time.
	ErrAttemptTimeout = errors.New("participant call timed out")
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// PanicError wraps a value recovered from a participant call.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("participant call panicked: %v", e.Value)
}
