package txn

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

var (
	// ErrUnknownStep is returned for a step id the tracker was not built with.
	ErrUnknownStep = errors.New("unknown step")
	// ErrOutcomeAlreadySet is returned by a second SetOutcome.
	ErrOutcomeAlreadySet = errors.New("transaction outcome already set")
	// ErrDuplicateTxID is returned when a transaction id was already used by
	// an earlier transaction of either mode.
	ErrDuplicateTxID = errors.New("transaction id already used")
)

// TransitionError reports a disallowed state change.
type TransitionError struct {
	StepID string
	From   StepState
	To     StepState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("step %q: invalid transition %s -> %s", e.StepID, e.From, e.To)
}

// Tracker holds the mutable part of a transaction: step states, the order in
// which steps completed, the order in which they were compensated, and the
// outcome. One mutex guards all of it.
type Tracker struct {
	mu           sync.Mutex
	states       map[string]StepState
	history      []string
	compensation []string
	outcome      bool
	outcomeSet   bool
}

// NewTracker starts every step in StepPending.
func NewTracker(stepIDs []string) *Tracker {
	states := make(map[string]StepState, len(stepIDs))
	for _, id := range stepIDs {
		states[id] = StepPending
	}
	return &Tracker{states: states}
}

func (t *Tracker) transition(id string, to StepState) error {
	from, ok := t.states[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, id)
	}
	if !from.CanTransitionTo(to) {
		return &TransitionError{StepID: id, From: from, To: to}
	}
	t.states[id] = to
	return nil
}

// Start marks a step Running.
func (t *Tracker) Start(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transition(id, StepRunning)
}

// Complete marks a step Completed and appends it to the history.
func (t *Tracker) Complete(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transition(id, StepCompleted); err != nil {
		return err
	}
	t.history = append(t.history, id)
	return nil
}

// Fail marks a step Failed.
func (t *Tracker) Fail(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transition(id, StepFailed)
}

// MarkCompensated records a successful compensation.
func (t *Tracker) MarkCompensated(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transition(id, StepCompensated); err != nil {
		return err
	}
	t.compensation = append(t.compensation, id)
	return nil
}

// MarkCompensationFailed records a compensation that could not be applied.
func (t *Tracker) MarkCompensationFailed(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transition(id, StepCompensationFailed); err != nil {
		return err
	}
	t.compensation = append(t.compensation, id)
	return nil
}

// State returns the current state of one step.
func (t *Tracker) State(id string) (StepState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[id]
	return s, ok
}

// States returns a snapshot of all step states.
func (t *Tracker) States() map[string]StepState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.states)
}

// History returns completed step ids in completion order.
func (t *Tracker) History() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.history)
}

// CompensationOrder returns the ids whose compensation was attempted, in
// attempt order.
func (t *Tracker) CompensationOrder() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.compensation)
}

// AllCompleted reports whether every step reached StepCompleted.
func (t *Tracker) AllCompleted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.states {
		if s != StepCompleted {
			return false
		}
	}
	return true
}

// SetOutcome records the transaction outcome. It may be called once.
func (t *Tracker) SetOutcome(success bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.outcomeSet {
		return ErrOutcomeAlreadySet
	}
	t.outcome = success
	t.outcomeSet = true
	return nil
}

// Outcome returns the outcome and whether it has been set.
func (t *Tracker) Outcome() (success bool, set bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome, t.outcomeSet
}
