// Package worker defines the uniform contract the runtime places around a
// specialized worker: capability set, status, metrics, bus handlers, and
// feedback learning. Concrete workers embed Base and supply a task body.
package worker

import (
	"context"
	"time"

	"github.com/jfelden/adjutant/internal/runtime/task"
)

// Status is a worker's current state.
type Status string

const (
	// StatusIdle means the worker is available for assignment.
	StatusIdle Status = "idle"
	// StatusWorking means the worker is executing a task.
	StatusWorking Status = "working"
	// StatusWaiting means the worker is blocked on an external response.
	StatusWaiting Status = "waiting"
	// StatusError means the worker hit an unrecoverable fault and needs Reset.
	StatusError Status = "error"
)

// CallbackEvent identifies a lifecycle hook point on a worker.
type CallbackEvent string

const (
	OnTaskStart    CallbackEvent = "task_start"
	OnTaskComplete CallbackEvent = "task_complete"
	OnTaskError    CallbackEvent = "task_error"
	OnStatusChange CallbackEvent = "status_change"
)

// Callback receives the worker name plus event-specific detail.
type Callback func(workerName string, detail any)

// Metrics is a rolling view of a worker's execution history.
type Metrics struct {
	TotalTasks  uint64
	Succeeded   uint64
	Failed      uint64
	SuccessRate float64
	AvgDuration time.Duration
}

// Worker is the contract the orchestrator and engine depend on.
type Worker interface {
	Name() string
	Description() string
	Capabilities() []Capability
	Status() Status
	SetStatus(s Status)
	Metrics() Metrics
	ExecuteTask(ctx context.Context, t *task.Task) (*task.Result, error)
	Reset()
	RegisterCallback(event CallbackEvent, fn Callback)
	LearnFromFeedback(taskID string, feedback map[string]any)
	Preferences() map[string]any
}

// FollowUpGenerator is implemented by workers that derive new tasks from a
// completed result. Generated tasks are ordinary submissions.
type FollowUpGenerator interface {
	FollowUps(t *task.Task, r *task.Result) []*task.Task
}

// PreferenceSink persists learned preferences. Satisfied by the memory store.
type PreferenceSink interface {
	PutPreference(worker, key string, value any, confidence float64) error
}
