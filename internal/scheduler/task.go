// Package scheduler runs strategy tasks on a cooperative loop: tasks on
// the same symbol execute strictly in sequence, tasks on different
// symbols in parallel. Contexts persist to disk after every successful
// step so a restart resumes where the process died.
package scheduler

import (
	"context"
	"time"

	"crossarb/pkg/types"
)

// TaskState is the lifecycle state of one strategy task.
type TaskState string

const (
	TaskIdle      TaskState = "IDLE"
	TaskRunning   TaskState = "RUNNING"
	TaskPaused    TaskState = "PAUSED"
	TaskCompleted TaskState = "COMPLETED"
	TaskCancelled TaskState = "CANCELLED"
	TaskError     TaskState = "ERROR"
)

// IsTerminal reports whether the scheduler must stop stepping the task.
func (s TaskState) IsTerminal() bool {
	return s == TaskCompleted || s == TaskCancelled || s == TaskError
}

// StepResult is what one ExecuteOnce returns.
type StepResult struct {
	// Continue keeps the task scheduled; false removes it.
	Continue bool
	// NextDelay is the time until the next step.
	NextDelay time.Duration
	// State is the task state after this step.
	State TaskState
	// Err, when set, backs the task off without removing it unless
	// State is terminal.
	Err error
}

// Task is one strategy instance driven by the scheduler.
type Task interface {
	// ID is stable across restarts; it keys the persisted context.
	ID() string
	// Symbol is the serialization key: tasks sharing it never overlap.
	Symbol() types.Symbol
	State() TaskState
	// Context returns the serializable strategy context. The scheduler
	// persists it after each successful step.
	Context() any
	// ContextType names the context record for recovery dispatch.
	ContextType() string
	// ExecuteOnce advances the strategy by at most one transition.
	ExecuteOnce(ctx context.Context) StepResult
	// Stop requests a cooperative exit, honored at the next step boundary.
	Stop()
	// Cleanup releases task resources, e.g. cancels its resting orders.
	Cleanup(ctx context.Context) error
}
