package calendar

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// day returns a fixed reference date at the given hour:minute UTC.
func day(hour, min int) time.Time {
	return time.Date(2026, 8, 24, hour, min, 0, 0, time.UTC)
}

func meeting(id, title string, start, end time.Time) *Meeting {
	return &Meeting{
		ID:         id,
		Title:      title,
		Start:      start,
		End:        end,
		Timezone:   "UTC",
		Status:     MeetingScheduled,
		Importance: 0.5,
	}
}

func conflictsOfType(conflicts []Conflict, t ConflictType) []Conflict {
	var out []Conflict
	for _, c := range conflicts {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

func TestDirectOverlapThirtyMinutes(t *testing.T) {
	e := NewEngine()
	m1 := meeting("m1", "Sync A", day(10, 0), day(11, 0))
	m2 := meeting("m2", "Sync B", day(10, 30), day(11, 30))

	conflicts := e.Analyze([]*Meeting{m1, m2})
	overlaps := conflictsOfType(conflicts, ConflictDirectOverlap)
	require.Len(t, overlaps, 1)

	c := overlaps[0]
	require.Equal(t, SeverityMedium, c.Severity)
	require.InDelta(t, 0.5, c.ImpactScore, 0.001)
	require.ElementsMatch(t, []string{"m1", "m2"}, c.MeetingIDs)
	require.Equal(t, 30, c.Metadata["overlap_minutes"])
}

func TestDirectOverlapSeverityBands(t *testing.T) {
	tests := []struct {
		overlapMin int
		want       Severity
	}{
		{10, SeverityLow},
		{20, SeverityMedium},
		{45, SeverityHigh},
		{90, SeverityCritical},
	}
	e := NewEngine()
	for _, tt := range tests {
		m1 := meeting("a", "First", day(9, 0), day(9, 0).Add(2*time.Hour))
		m2 := meeting("b", "Second", day(11, 0).Add(-time.Duration(tt.overlapMin)*time.Minute), day(13, 0))
		overlaps := conflictsOfType(e.Analyze([]*Meeting{m1, m2}), ConflictDirectOverlap)
		require.Len(t, overlaps, 1, "overlap %d min", tt.overlapMin)
		require.Equal(t, tt.want, overlaps[0].Severity, "overlap %d min", tt.overlapMin)
	}
}

func TestDoubleBookingReplacesOverlap(t *testing.T) {
	e := NewEngine()
	m1 := meeting("m1", "Standup", day(9, 0), day(9, 30))
	m2 := meeting("m2", "1:1", day(9, 0), day(10, 0))

	conflicts := e.Analyze([]*Meeting{m1, m2})
	require.Len(t, conflictsOfType(conflicts, ConflictDoubleBooking), 1)
	require.Empty(t, conflictsOfType(conflicts, ConflictDirectOverlap))

	db := conflictsOfType(conflicts, ConflictDoubleBooking)[0]
	require.Equal(t, SeverityCritical, db.Severity)
	require.InDelta(t, 0.9, db.ImpactScore, 0.001)
}

func TestOverloadedDaySevenMeetingsNineHours(t *testing.T) {
	e := NewEngine()

	// 7 meetings, ~77 min each with gaps wide enough to avoid buffer noise,
	// totaling 9 hours.
	var meetings []*Meeting
	start := day(7, 0)
	for i := 0; i < 7; i++ {
		dur := 77 * time.Minute
		if i == 6 {
			dur = 9*time.Hour - 6*77*time.Minute
		}
		m := meeting(fmt.Sprintf("m%d", i), fmt.Sprintf("Block %d", i), start, start.Add(dur))
		m.Importance = 0.8 // Keep focus-time detector quiet
		meetings = append(meetings, m)
		start = start.Add(dur + 20*time.Minute)
	}

	conflicts := e.Analyze(meetings)
	overloaded := conflictsOfType(conflicts, ConflictOverloadedDay)
	require.Len(t, overloaded, 1)

	c := overloaded[0]
	require.Equal(t, SeverityMedium, c.Severity, "7 meetings / 9 hours stays medium")
	require.InDelta(t, 0.78, c.ImpactScore, 0.01)
	require.Len(t, c.MeetingIDs, 7)
	require.Equal(t, 7, c.Metadata["meeting_count"])
}

func TestOverloadedDayHighSeverity(t *testing.T) {
	e := NewEngine()
	var meetings []*Meeting
	start := day(6, 0)
	for i := 0; i < 9; i++ {
		m := meeting(fmt.Sprintf("m%d", i), fmt.Sprintf("Block %d", i), start, start.Add(30*time.Minute))
		m.Importance = 0.8
		meetings = append(meetings, m)
		start = start.Add(time.Hour)
	}

	overloaded := conflictsOfType(e.Analyze(meetings), ConflictOverloadedDay)
	require.Len(t, overloaded, 1)
	require.Equal(t, SeverityHigh, overloaded[0].Severity, "more than 8 meetings is high")
}

func TestInsufficientBufferSeverity(t *testing.T) {
	tests := []struct {
		gapMin int
		want   Severity
	}{
		{4, SeverityHigh},
		{8, SeverityMedium},
		{12, SeverityLow},
	}
	e := NewEngine()
	for _, tt := range tests {
		m1 := meeting("a", "First", day(9, 0), day(10, 0))
		m2 := meeting("b", "Second", day(10, tt.gapMin), day(11, 0))
		buffers := conflictsOfType(e.Analyze([]*Meeting{m1, m2}), ConflictInsufficientBuffer)
		require.Len(t, buffers, 1, "gap %d", tt.gapMin)
		require.Equal(t, tt.want, buffers[0].Severity, "gap %d", tt.gapMin)
	}

	// Back-to-back (gap 0) and comfortable gaps produce nothing.
	m1 := meeting("a", "First", day(9, 0), day(10, 0))
	m2 := meeting("b", "Second", day(10, 0), day(11, 0))
	require.Empty(t, conflictsOfType(e.Analyze([]*Meeting{m1, m2}), ConflictInsufficientBuffer))
}

func TestFocusTimeConflict(t *testing.T) {
	e := NewEngine()

	low := meeting("low", "Vendor intro", day(9, 30), day(10, 0))
	low.Importance = 0.2
	mid := meeting("mid", "Planning", day(14, 30), day(15, 0))
	mid.Importance = 0.5
	important := meeting("imp", "Board update", day(9, 0), day(9, 30))
	important.Importance = 0.9
	outside := meeting("out", "Coffee chat", day(12, 30), day(13, 0))
	outside.Importance = 0.1

	conflicts := conflictsOfType(e.Analyze([]*Meeting{low, mid, important, outside}), ConflictFocusTime)
	require.Len(t, conflicts, 2)

	byMeeting := map[string]Conflict{}
	for _, c := range conflicts {
		byMeeting[c.MeetingIDs[0]] = c
	}
	require.Equal(t, SeverityMedium, byMeeting["low"].Severity, "importance < 0.3 is medium")
	require.Equal(t, SeverityLow, byMeeting["mid"].Severity)
	require.NotContains(t, byMeeting, "imp", "important meetings may use focus time")
}

func TestPrepTimeConflict(t *testing.T) {
	e := NewEngine()
	m1 := meeting("m1", "Standup", day(9, 0), day(10, 0))
	m2 := meeting("m2", "Client presentation", day(10, 10), day(11, 0))

	conflicts := conflictsOfType(e.Analyze([]*Meeting{m1, m2}), ConflictPrepTime)
	require.Len(t, conflicts, 1)
	require.Equal(t, SeverityHigh, conflicts[0].Severity, "under 15 minutes of prep is high")
	require.Equal(t, []string{"m2"}, conflicts[0].MeetingIDs)

	// Plain titles need no prep window.
	m3 := meeting("m3", "Weekly sync", day(10, 10), day(11, 0))
	require.Empty(t, conflictsOfType(e.Analyze([]*Meeting{m1, m3}), ConflictPrepTime))
}

func TestCommuteConflict(t *testing.T) {
	e := NewEngine()

	m1 := meeting("m1", "On-site", day(9, 0), day(10, 0))
	m1.Location = "HQ Building A"
	m2 := meeting("m2", "Partner visit", day(10, 5), day(11, 0))
	m2.Location = "Downtown Office"

	conflicts := conflictsOfType(e.Analyze([]*Meeting{m1, m2}), ConflictCommute)
	require.Len(t, conflicts, 1)
	require.Equal(t, 30, conflicts[0].Metadata["travel_minutes"])
	require.Equal(t, SeverityHigh, conflicts[0].Severity)

	// Same campus needs only 10 minutes; a 15-minute gap clears it.
	m2.Location = "HQ Building B"
	m2.Start = day(10, 15)
	require.Empty(t, conflictsOfType(e.Analyze([]*Meeting{m1, m2}), ConflictCommute))

	// Virtual meetings never need travel.
	m2.Location = "Zoom"
	m2.Start = day(10, 1)
	require.Empty(t, conflictsOfType(e.Analyze([]*Meeting{m1, m2}), ConflictCommute))
}

func TestLunchConflict(t *testing.T) {
	e := NewEngine()

	over := meeting("m1", "Design review session", day(12, 15), day(12, 45))
	over.Importance = 0.8 // avoid focus-time noise
	lunch := meeting("m2", "Team lunch", day(12, 0), day(13, 0))
	before := meeting("m3", "Morning sync", day(11, 0), day(12, 0))
	before.Importance = 0.8

	conflicts := conflictsOfType(e.Analyze([]*Meeting{over, lunch, before}), ConflictLunch)
	require.Len(t, conflicts, 1)
	require.Equal(t, []string{"m1"}, conflicts[0].MeetingIDs)
	require.Equal(t, SeverityLow, conflicts[0].Severity)
}

func TestTimezoneConflict(t *testing.T) {
	e := NewEngine()

	external := meeting("m1", "APAC sync", day(6, 0), day(7, 0))
	external.Organizer = "me@corp.com"
	external.Attendees = []string{"me@corp.com", "partner@client.io"}

	internalOnly := meeting("m2", "Early standup", day(6, 0), day(6, 30))
	internalOnly.Organizer = "me@corp.com"
	internalOnly.Attendees = []string{"peer@corp.com"}

	conflicts := conflictsOfType(e.Analyze([]*Meeting{external, internalOnly}), ConflictTimezone)
	require.Len(t, conflicts, 1)
	require.Equal(t, []string{"m1"}, conflicts[0].MeetingIDs)
	require.Equal(t, SeverityHigh, conflicts[0].Severity, "before 07:00 is high")

	// 07:30 with an external attendee is medium.
	external.Start = day(7, 30)
	external.End = day(8, 30)
	conflicts = conflictsOfType(e.Analyze([]*Meeting{external}), ConflictTimezone)
	require.Len(t, conflicts, 1)
	require.Equal(t, SeverityMedium, conflicts[0].Severity)
}

func TestAnalyzeSortsBySeverityThenImpact(t *testing.T) {
	e := NewEngine()

	// Critical double booking plus a low-severity lunch overlap.
	m1 := meeting("m1", "A", day(9, 0), day(10, 0))
	m2 := meeting("m2", "B", day(9, 0), day(10, 0))
	m3 := meeting("m3", "Working session", day(12, 15), day(12, 45))
	m3.Importance = 0.8

	conflicts := e.Analyze([]*Meeting{m1, m2, m3})
	require.NotEmpty(t, conflicts)
	for i := 1; i < len(conflicts); i++ {
		prev, cur := conflicts[i-1], conflicts[i]
		if prev.Severity == cur.Severity {
			require.GreaterOrEqual(t, prev.ImpactScore, cur.ImpactScore)
		} else {
			require.True(t, prev.Severity.AtLeast(cur.Severity))
		}
	}
	require.Equal(t, ConflictDoubleBooking, conflicts[0].Type)
}

func TestAnalyzeIgnoresCancelledMeetings(t *testing.T) {
	e := NewEngine()
	m1 := meeting("m1", "A", day(9, 0), day(10, 0))
	m2 := meeting("m2", "B", day(9, 30), day(10, 30))
	m2.Status = MeetingCancelled

	require.Empty(t, e.Analyze([]*Meeting{m1, m2}))
}

func TestConflictRangesAlwaysValid(t *testing.T) {
	e := NewEngine()
	var meetings []*Meeting
	start := day(6, 0)
	for i := 0; i < 10; i++ {
		m := meeting(fmt.Sprintf("m%d", i), fmt.Sprintf("Review %d", i), start, start.Add(50*time.Minute))
		m.Organizer = "me@corp.com"
		m.Attendees = []string{"x@other.net"}
		m.Location = fmt.Sprintf("Site %d", i%3)
		m.Importance = float64(i) / 10
		meetings = append(meetings, m)
		start = start.Add(55 * time.Minute)
	}

	valid := map[ConflictType]bool{}
	for _, ct := range AllConflictTypes {
		valid[ct] = true
	}
	for _, c := range e.Analyze(meetings) {
		require.True(t, valid[c.Type], string(c.Type))
		require.GreaterOrEqual(t, c.ImpactScore, 0.0)
		require.LessOrEqual(t, c.ImpactScore, 1.0)
		require.Contains(t, []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}, c.Severity)
		require.NotEmpty(t, c.MeetingIDs)
		require.NotEmpty(t, c.Strategies)
	}
}

func TestMeetingValidate(t *testing.T) {
	m := meeting("m1", "A", day(10, 0), day(9, 0))
	require.Error(t, m.Validate())

	m = meeting("m2", "B", day(9, 0), day(10, 0))
	m.Timezone = "Not/AZone"
	require.Error(t, m.Validate())

	m.Timezone = "Europe/Berlin"
	require.NoError(t, m.Validate())
}
