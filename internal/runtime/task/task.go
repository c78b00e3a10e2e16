// Package task defines the unit of work flowing through the runtime:
// tasks, their priorities, and the results workers produce for them.
package task

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Priority orders tasks in the queue. Lower values dequeue first.
type Priority int

const (
	// PriorityCritical tasks preempt everything else in the queue.
	PriorityCritical Priority = iota
	// PriorityHigh tasks run before routine work.
	PriorityHigh
	// PriorityMedium is the default for user-submitted work.
	PriorityMedium
	// PriorityLow tasks run when nothing more urgent is pending.
	PriorityLow
	// PriorityBackground tasks only run in otherwise idle periods.
	PriorityBackground
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// IsValid reports whether p is one of the declared priority levels.
func (p Priority) IsValid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// ParsePriority maps a priority name to its Priority value.
// Unknown names map to PriorityMedium.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "medium":
		return PriorityMedium
	case "low":
		return PriorityLow
	case "background":
		return PriorityBackground
	default:
		return PriorityMedium
	}
}

// Status is the terminal outcome of a task execution attempt.
type Status string

const (
	// StatusSuccess means the worker completed the task normally.
	StatusSuccess Status = "success"
	// StatusError means the worker failed or panicked.
	StatusError Status = "error"
	// StatusTimeout means execution exceeded its time budget.
	StatusTimeout Status = "timeout"
)

// Task is an immutable unit of work submitted to the runtime.
// Params and Metadata are opaque to the runtime; schema validation is the
// responsibility of the worker that executes the task.
type Task struct {
	// ID uniquely identifies the task ("task_" + 16 hex chars).
	ID string `json:"id"`
	// Kind tags the work so it can be routed to a capable worker.
	Kind string `json:"kind"`
	// Description is the human-readable intent.
	Description string `json:"description"`
	// Params carries worker-specific input.
	Params map[string]any `json:"params,omitempty"`
	// Priority orders the task in the queue.
	Priority Priority `json:"priority"`
	// RequestedBy names the worker that submitted this task, if any.
	RequestedBy string `json:"requested_by,omitempty"`
	// Deadline is an optional completion target.
	Deadline *time.Time `json:"deadline,omitempty"`
	// DependsOn lists task IDs that must succeed before this task runs.
	DependsOn []string `json:"depends_on,omitempty"`
	// Metadata carries opaque caller annotations.
	Metadata map[string]any `json:"metadata,omitempty"`
	// CreatedAt is when the task was submitted.
	CreatedAt time.Time `json:"created_at"`
}

// Result records the terminal outcome of one execution attempt.
// Exactly one result is persisted per submitted task (absent a shutdown
// before execution).
type Result struct {
	TaskID      string         `json:"task_id"`
	WorkerName  string         `json:"worker_name"`
	Status      Status         `json:"status"`
	Payload     any            `json:"payload,omitempty"`
	Error       string         `json:"error,omitempty"`
	Duration    time.Duration  `json:"duration"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Succeeded reports whether the result carries a success status.
func (r *Result) Succeeded() bool {
	return r.Status == StatusSuccess
}

// NewID generates a task identifier of the form task_<16 hex chars>.
func NewID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return "task_" + hex.EncodeToString(b[:])
}
