package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPlanHighSeverityOverlapRequiresApproval(t *testing.T) {
	e := NewEngine()
	m1 := meeting("m1", "Roadmap", day(9, 0), day(11, 0))
	m1.Importance = 0.9
	m2 := meeting("m2", "Vendor pitch", day(9, 15), day(10, 0))
	m2.Importance = 0.2

	meetings := []*Meeting{m1, m2}
	overlaps := conflictsOfType(e.Analyze(meetings), ConflictDirectOverlap)
	require.Len(t, overlaps, 1)
	require.Equal(t, SeverityHigh, overlaps[0].Severity)

	plan := e.Plan(overlaps[0], meetings)
	require.Equal(t, StrategyAutoReschedule, plan.Strategy,
		"high-severity overlap around an important anchor prefers rescheduling")
	require.NotEmpty(t, plan.Actions)
	require.GreaterOrEqual(t, plan.EstimatedSuccessRate, 0.0)
	require.LessOrEqual(t, plan.EstimatedSuccessRate, 1.0)
	require.True(t, plan.UserApprovalRequired,
		"destructive strategies at high severity must not auto-execute")
	require.Contains(t, plan.RequiredPermissions, "calendar.write")
}

func TestPlanLowSeverityNeedsNoApproval(t *testing.T) {
	e := NewEngine()
	m1 := meeting("m1", "A", day(9, 0), day(10, 0))
	m2 := meeting("m2", "B", day(9, 50), day(10, 40))

	meetings := []*Meeting{m1, m2}
	overlaps := conflictsOfType(e.Analyze(meetings), ConflictDirectOverlap)
	require.Len(t, overlaps, 1)
	require.Equal(t, SeverityLow, overlaps[0].Severity)

	plan := e.Plan(overlaps[0], meetings)
	require.False(t, plan.UserApprovalRequired)
}

func TestPlanBufferConflictCreatesBlock(t *testing.T) {
	e := NewEngine()
	m1 := meeting("m1", "A", day(9, 0), day(10, 0))
	m2 := meeting("m2", "B", day(10, 5), day(11, 0))

	meetings := []*Meeting{m1, m2}
	buffers := conflictsOfType(e.Analyze(meetings), ConflictInsufficientBuffer)
	require.Len(t, buffers, 1)

	plan := e.Plan(buffers[0], meetings)
	require.Equal(t, StrategyCreateBuffer, plan.Strategy)
	require.Len(t, plan.Actions, 1)
	require.Equal(t, ActionCreateBlock, plan.Actions[0].Type)
	require.Equal(t, m1.End.Format(time.RFC3339), plan.Actions[0].Params["start"])
	require.Equal(t, m2.Start.Format(time.RFC3339), plan.Actions[0].Params["end"])
	require.False(t, plan.UserApprovalRequired, "buffer creation is non-destructive")
}

func TestPlanOverloadedDayOptimizes(t *testing.T) {
	e := NewEngine()
	c := Conflict{
		ID:          "overloaded_day:2026-08-24",
		Type:        ConflictOverloadedDay,
		Severity:    SeverityHigh,
		MeetingIDs:  []string{"m1", "m2"},
		ImpactScore: 0.9,
		Strategies:  strategiesFor(ConflictOverloadedDay),
		Metadata:    map[string]any{"date": "2026-08-24"},
	}

	plan := e.Plan(c, nil)
	require.Equal(t, StrategyOptimizeSchedule, plan.Strategy)
	require.Len(t, plan.Actions, 1)
	require.Equal(t, "2026-08-24", plan.Actions[0].Params["date"])
	require.False(t, plan.UserApprovalRequired,
		"optimize_schedule is outside the approval-gated strategy set")
}

func TestDeclineScoreRisesForUnimportantMeetings(t *testing.T) {
	throwaway := meeting("m2", "Optional sync", day(9, 0), day(10, 0))
	throwaway.Importance = 0.05
	anchor := meeting("m1", "Exec review", day(9, 0), day(10, 0))
	anchor.Importance = 0.95

	c := Conflict{
		Type:       ConflictDoubleBooking,
		MeetingIDs: []string{"m1", "m2"},
	}
	byID := map[string]*Meeting{"m1": anchor, "m2": throwaway}

	declineScore := scoreStrategy(StrategyAutoDecline, c, byID)
	require.Greater(t, declineScore, strategyBaseRates[StrategyAutoDecline]-0.1)

	// With both meetings important, declining scores lower.
	throwaway.Importance = 0.95
	lowered := scoreStrategy(StrategyAutoDecline, c, byID)
	require.Less(t, lowered, declineScore)
}

func TestRescheduleTargetsLeastImportantMeeting(t *testing.T) {
	e := NewEngine()
	keep := meeting("keep", "Board meeting", day(9, 0), day(10, 0))
	keep.Importance = 0.9
	move := meeting("move", "Casual catchup", day(9, 0), day(9, 30))
	move.Importance = 0.1

	meetings := []*Meeting{keep, move}
	c := conflictsOfType(e.Analyze(meetings), ConflictDoubleBooking)[0]

	actions := rescheduleActions(c, map[string]*Meeting{"keep": keep, "move": move})
	require.Len(t, actions, 1)
	require.Equal(t, "move", actions[0].MeetingID)

	newStart, err := time.Parse(time.RFC3339, actions[0].Params["new_start"].(string))
	require.NoError(t, err)
	require.True(t, newStart.After(keep.End), "rescheduled slot must clear the conflicting window")
}

func TestPlanAllPreservesOrder(t *testing.T) {
	e := NewEngine()
	m1 := meeting("m1", "A", day(9, 0), day(10, 0))
	m2 := meeting("m2", "B", day(9, 0), day(10, 0))
	m3 := meeting("m3", "Session", day(12, 15), day(12, 45))
	m3.Importance = 0.8

	meetings := []*Meeting{m1, m2, m3}
	conflicts := e.Analyze(meetings)
	plans := e.PlanAll(conflicts, meetings)
	require.Len(t, plans, len(conflicts))
	for i := range plans {
		require.Equal(t, conflicts[i].ID, plans[i].ConflictID)
	}
}
