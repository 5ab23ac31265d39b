package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStructural is the common base for errors that make a graph invalid at
// construction time. Callers can match the whole family with errors.Is.
var ErrStructural = errors.New("structural error")

// CycleError reports a dependency edge that would close a cycle.
type CycleError struct {
	TaskID string   // task whose edge closed the cycle
	Path   []string // task ids along the cycle, starting and ending at TaskID
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle through task %s: %s", e.TaskID, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrStructural }

// UnknownDependencyError reports a dependency on a task id that is not in the graph.
type UnknownDependencyError struct {
	TaskID  string
	Missing string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %s depends on unknown task %s", e.TaskID, e.Missing)
}

func (e *UnknownDependencyError) Unwrap() error { return ErrStructural }

// DuplicateTaskError reports an attempt to add a task id twice.
type DuplicateTaskError struct {
	TaskID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %s already exists", e.TaskID)
}

func (e *DuplicateTaskError) Unwrap() error { return ErrStructural }

// InvalidTransitionError reports a status change the task state machine
// does not allow. This is always a logic bug in the caller, never swallowed.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for task %s: %s -> %s", e.TaskID, e.From, e.To)
}

// ErrUnknownTask is returned when an operation names a task id the graph does not hold.
var ErrUnknownTask = errors.New("unknown task")
