// Package calendar holds the meeting data model and the conflict engine:
// nine conflict detectors, severity and impact scoring, ranked resolution
// plans, and a plan executor over an external calendar service.
package calendar

import (
	"fmt"
	"time"
)

// MeetingStatus is a meeting's lifecycle state.
type MeetingStatus string

const (
	MeetingScheduled MeetingStatus = "scheduled"
	MeetingCancelled MeetingStatus = "cancelled"
	MeetingCompleted MeetingStatus = "completed"
)

// Decision is an automated disposition for a meeting.
type Decision string

const (
	DecisionAccept       Decision = "accept"
	DecisionDecline      Decision = "decline"
	DecisionReschedule   Decision = "reschedule"
	DecisionDelegate     Decision = "delegate"
	DecisionDelegateToAI Decision = "delegate_to_ai"
	DecisionRequestInfo  Decision = "request_info"
)

// Meeting is one calendar entry.
type Meeting struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Start       time.Time     `json:"start"`
	End         time.Time     `json:"end"`
	Timezone    string        `json:"timezone"`
	Attendees   []string      `json:"attendees,omitempty"`
	Organizer   string        `json:"organizer,omitempty"`
	Location    string        `json:"location,omitempty"`
	MeetingLink string        `json:"meeting_link,omitempty"`
	Status      MeetingStatus `json:"status"`

	AIDecision         Decision `json:"ai_decision,omitempty"`
	DecisionConfidence float64  `json:"decision_confidence,omitempty"`
	DecisionReasoning  string   `json:"decision_reasoning,omitempty"`

	Importance         float64 `json:"importance"`
	ConflictScore      float64 `json:"conflict_score"`
	ProductivityImpact float64 `json:"productivity_impact"`
}

// Validate checks the meeting invariants: end after start, known zone.
func (m *Meeting) Validate() error {
	if !m.End.After(m.Start) {
		return fmt.Errorf("meeting %s: end must be after start", m.ID)
	}
	if m.Timezone != "" {
		if _, err := time.LoadLocation(m.Timezone); err != nil {
			return fmt.Errorf("meeting %s: invalid timezone %q: %w", m.ID, m.Timezone, err)
		}
	}
	return nil
}

// Duration is the meeting's wall-clock length.
func (m *Meeting) Duration() time.Duration {
	return m.End.Sub(m.Start)
}

// local returns the meeting start in its own zone, falling back to the
// start's location when no zone is set.
func (m *Meeting) local() time.Time {
	if m.Timezone == "" {
		return m.Start
	}
	loc, err := time.LoadLocation(m.Timezone)
	if err != nil {
		return m.Start
	}
	return m.Start.In(loc)
}

// ConflictType is one of the nine detectable categories.
type ConflictType string

const (
	ConflictDirectOverlap      ConflictType = "direct_overlap"
	ConflictInsufficientBuffer ConflictType = "insufficient_buffer"
	ConflictFocusTime          ConflictType = "focus_time"
	ConflictOverloadedDay      ConflictType = "overloaded_day"
	ConflictPrepTime           ConflictType = "preparation_time"
	ConflictCommute            ConflictType = "commute"
	ConflictLunch              ConflictType = "lunch"
	ConflictTimezone           ConflictType = "timezone"
	ConflictDoubleBooking      ConflictType = "double_booking"
)

// AllConflictTypes enumerates the closed detector catalog, in detection order.
var AllConflictTypes = []ConflictType{
	ConflictDirectOverlap,
	ConflictDoubleBooking,
	ConflictInsufficientBuffer,
	ConflictFocusTime,
	ConflictOverloadedDay,
	ConflictPrepTime,
	ConflictCommute,
	ConflictLunch,
	ConflictTimezone,
}

// Severity ranks how disruptive a conflict is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank orders severities for sorting and thresholds.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is at or above the given severity.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// Strategy is one of the five resolution approaches.
type Strategy string

const (
	StrategyAutoReschedule     Strategy = "auto_reschedule"
	StrategyAutoDecline        Strategy = "auto_decline"
	StrategyCreateBuffer       Strategy = "create_buffer"
	StrategySuggestAlternative Strategy = "suggest_alternative"
	StrategyOptimizeSchedule   Strategy = "optimize_schedule"
)

// Conflict is one detected scheduling problem.
type Conflict struct {
	ID          string         `json:"id"`
	Type        ConflictType   `json:"type"`
	Severity    Severity       `json:"severity"`
	MeetingIDs  []string       `json:"meeting_ids"`
	Description string         `json:"description"`
	ImpactScore float64        `json:"impact_score"`
	Strategies  []Strategy     `json:"strategies"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ActionType categorizes one resolution step.
type ActionType string

const (
	ActionReschedule   ActionType = "reschedule"
	ActionCancel       ActionType = "cancel"
	ActionCreateBlock  ActionType = "create_block"
	ActionSuggestTimes ActionType = "suggest_times"
)

// Action is one concrete step of a resolution plan.
type Action struct {
	Type      ActionType     `json:"type"`
	MeetingID string         `json:"meeting_id,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// ResolutionPlan is a scored, ordered set of actions resolving a conflict.
type ResolutionPlan struct {
	ConflictID           string   `json:"conflict_id"`
	Strategy             Strategy `json:"strategy"`
	Actions              []Action `json:"actions"`
	EstimatedSuccessRate float64  `json:"estimated_success_rate"`
	EstimatedImpact      float64  `json:"estimated_impact"`
	RequiredPermissions  []string `json:"required_permissions,omitempty"`
	UserApprovalRequired bool     `json:"user_approval_required"`
}

// PlanStatus is the aggregate outcome of an executed plan.
type PlanStatus string

const (
	PlanSuccess        PlanStatus = "success"
	PlanPartialSuccess PlanStatus = "partial_success"
	PlanFailure        PlanStatus = "failure"
)

// ActionOutcome records one executed action.
type ActionOutcome struct {
	Action Action `json:"action"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// PlanResult aggregates the per-action outcomes of one plan execution.
type PlanResult struct {
	ConflictID string          `json:"conflict_id"`
	Strategy   Strategy        `json:"strategy"`
	Status     PlanStatus      `json:"status"`
	Outcomes   []ActionOutcome `json:"outcomes"`
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
