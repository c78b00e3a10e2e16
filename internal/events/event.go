// Package events routes discrete external events (calendar changes, user
// feedback, optimization triggers) to handlers through four priority queues
// with per-priority service deadlines.
package events

import (
	"fmt"
	"hash/fnv"
	"time"
)

// Kind identifies what an event describes. The router dispatches on kind
// through a static handler map.
type Kind string

const (
	KindMeetingNew       Kind = "meeting_new"
	KindMeetingUpdated   Kind = "meeting_updated"
	KindMeetingCancelled Kind = "meeting_cancelled"
	KindUserFeedback     Kind = "user_feedback"
	KindOptimizeTrigger  Kind = "optimize_trigger"
	KindPatternDetected  Kind = "pattern_detected"
)

// Priority classes, most urgent first. Each class has its own queue capacity
// and a minimum age an event must reach before its handler runs.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
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
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// demote returns the next lower priority class, saturating at low.
func (p Priority) demote() Priority {
	if p >= PriorityLow {
		return PriorityLow
	}
	return p + 1
}

var queueCapacities = map[Priority]int{
	PriorityCritical: 100,
	PriorityHigh:     500,
	PriorityMedium:   1000,
	PriorityLow:      2000,
}

var serviceDelays = map[Priority]time.Duration{
	PriorityCritical: 0,
	PriorityHigh:     time.Second,
	PriorityMedium:   5 * time.Second,
	PriorityLow:      15 * time.Second,
}

// Event is one routed unit of external input.
type Event struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	User        string         `json:"user"`
	Payload     map[string]any `json:"payload"`
	Priority    Priority       `json:"priority"`
	Retries     int            `json:"retries"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// Outcome records one processed event for the result cache.
type Outcome struct {
	EventID   string        `json:"event_id"`
	Kind      Kind          `json:"kind"`
	Success   bool          `json:"success"`
	Result    any           `json:"result,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// EventID derives a stable id from the submitting user, the event kind and
// the submission second. Identical submissions in the same second hash to the
// same id, which makes submission idempotent from the caller's perspective.
func EventID(user string, kind Kind, at time.Time) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d", user, kind, at.Unix())
	return fmt.Sprintf("%016x", h.Sum64())
}
