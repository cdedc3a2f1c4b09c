package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation is matched by every error Build returns. Nothing is
	// executed for a definition that fails validation.
	ErrValidation = errors.New("invalid transaction definition")

	// ErrInvalidDependency is matched by dependency errors.
	ErrInvalidDependency = errors.New("invalid dependency")

	// ErrCycleDetected is matched when the dependencies form a cycle.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrEmptyGraph is returned for a definition with no steps.
	ErrEmptyGraph = fmt.Errorf("%w: no steps", ErrValidation)
)

// InvalidStepError reports a malformed step definition.
type InvalidStepError struct {
	StepID string
	Reason string
}

func (e *InvalidStepError) Error() string {
	return fmt.Sprintf("step %q: %s", e.StepID, e.Reason)
}

func (e *InvalidStepError) Is(target error) bool {
	return target == ErrValidation
}

// InvalidDependencyError reports a dependency that cannot be satisfied.
type InvalidDependencyError struct {
	StepID    string
	DependsOn string
	Reason    string
}

func (e *InvalidDependencyError) Error() string {
	return fmt.Sprintf("step %q depends on %q: %s", e.StepID, e.DependsOn, e.Reason)
}

func (e *InvalidDependencyError) Is(target error) bool {
	return target == ErrInvalidDependency || target == ErrValidation
}

// CycleError lists the steps of every strongly connected component that
// forms a cycle. Ids inside a component are sorted.
type CycleError struct {
	Cycles [][]string
}

func (e *CycleError) Error() string {
	if len(e.Cycles) == 0 {
		return ErrCycleDetected.Error()
	}
	parts := make([]string, 0, len(e.Cycles))
	for _, c := range e.Cycles {
		parts = append(parts, "["+strings.Join(c, ", ")+"]")
	}
	return fmt.Sprintf("%s: %s", ErrCycleDetected.Error(), strings.Join(parts, " "))
}

func (e *CycleError) Is(target error) bool {
	return target == ErrCycleDetected || target == ErrValidation
}
