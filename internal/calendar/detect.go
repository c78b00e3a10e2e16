package calendar

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jfelden/adjutant/internal/log"
)

// FocusBlock is a daily window reserved for deep work, in local wall time.
type FocusBlock struct {
	StartHour int
	EndHour   int
}

// DefaultFocusBlocks covers 09:00-11:00 and 14:00-16:00.
var DefaultFocusBlocks = []FocusBlock{
	{StartHour: 9, EndHour: 11},
	{StartHour: 14, EndHour: 16},
}

// highPrepTitles flags meetings needing significant preparation.
var highPrepTitles = []string{"presentation", "demo", "pitch", "interview", "review"}

const (
	minBufferMinutes    = 15
	minPrepMinutes      = 30
	sameCampusTravelMin = 10
	differentTravelMin  = 30
	lunchStartHour      = 12
	lunchEndHour        = 13
	earlyHour           = 8
	lateHour            = 18
	veryEarlyHour       = 7
	veryLateHour        = 20
)

// Engine detects conflicts over an ordered meeting set and plans resolutions.
type Engine struct {
	focusBlocks []FocusBlock
	tracer      trace.Tracer
}

// EngineOption configures the conflict engine.
type EngineOption func(*Engine)

// WithFocusBlocks overrides the default focus windows.
func WithFocusBlocks(blocks []FocusBlock) EngineOption {
	return func(e *Engine) {
		if len(blocks) > 0 {
			e.focusBlocks = blocks
		}
	}
}

// WithTracer attaches an OpenTelemetry tracer for analysis spans.
func WithTracer(t trace.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine creates a conflict engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{focusBlocks: DefaultFocusBlocks}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type detector func(meetings []*Meeting) []Conflict

// Analyze runs the fixed detector sequence over the meetings and returns
// conflicts sorted by (severity descending, impact descending). Cancelled
// meetings are ignored.
func (e *Engine) Analyze(meetings []*Meeting) []Conflict {
	if e.tracer != nil {
		_, span := e.tracer.Start(context.Background(), "conflict.analyze", trace.WithSpanKind(trace.SpanKindInternal))
		span.SetAttributes(attribute.Int("meeting.count", len(meetings)))
		defer span.End()
	}

	active := make([]*Meeting, 0, len(meetings))
	for _, m := range meetings {
		if m.Status != MeetingCancelled {
			active = append(active, m)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Start.Before(active[j].Start)
	})

	detectors := []detector{
		e.detectOverlaps,
		e.detectInsufficientBuffer,
		e.detectFocusTime,
		e.detectOverloadedDays,
		e.detectPrepTime,
		e.detectCommute,
		e.detectLunch,
		e.detectTimezone,
	}

	var conflicts []Conflict
	for _, d := range detectors {
		conflicts = append(conflicts, d(active)...)
	}

	sort.SliceStable(conflicts, func(i, j int) bool {
		if conflicts[i].Severity.rank() != conflicts[j].Severity.rank() {
			return conflicts[i].Severity.rank() > conflicts[j].Severity.rank()
		}
		return conflicts[i].ImpactScore > conflicts[j].ImpactScore
	})

	log.Debug(log.CatConflict, "Analysis complete", "meetings", len(active), "conflicts", len(conflicts))
	return conflicts
}

// detectOverlaps finds intersecting pairs. Identical start times are the
// stricter double_booking case and replace the plain overlap conflict.
func (e *Engine) detectOverlaps(meetings []*Meeting) []Conflict {
	var out []Conflict
	for i := 0; i < len(meetings); i++ {
		for j := i + 1; j < len(meetings); j++ {
			a, b := meetings[i], meetings[j]
			overlap := overlapMinutes(a, b)
			if overlap <= 0 {
				continue
			}

			if a.Start.Equal(b.Start) {
				out = append(out, Conflict{
					ID:          conflictID(ConflictDoubleBooking, a.ID, b.ID),
					Type:        ConflictDoubleBooking,
					Severity:    SeverityCritical,
					MeetingIDs:  []string{a.ID, b.ID},
					Description: fmt.Sprintf("%q and %q start at the same time", a.Title, b.Title),
					ImpactScore: 0.9,
					Strategies:  strategiesFor(ConflictDoubleBooking),
					Metadata:    map[string]any{"overlap_minutes": overlap},
				})
				continue
			}

			out = append(out, Conflict{
				ID:          conflictID(ConflictDirectOverlap, a.ID, b.ID),
				Type:        ConflictDirectOverlap,
				Severity:    overlapSeverity(overlap),
				MeetingIDs:  []string{a.ID, b.ID},
				Description: fmt.Sprintf("%q overlaps %q by %d minutes", a.Title, b.Title, overlap),
				ImpactScore: clamp01(float64(overlap) / 60),
				Strategies:  strategiesFor(ConflictDirectOverlap),
				Metadata:    map[string]any{"overlap_minutes": overlap},
			})
		}
	}
	return out
}

func overlapSeverity(minutes int) Severity {
	switch {
	case minutes > 60:
		return SeverityCritical
	case minutes > 30:
		return SeverityHigh
	case minutes > 15:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func (e *Engine) detectInsufficientBuffer(meetings []*Meeting) []Conflict {
	var out []Conflict
	for i := 0; i+1 < len(meetings); i++ {
		a, b := meetings[i], meetings[i+1]
		gap := int(b.Start.Sub(a.End).Minutes())
		if gap <= 0 || gap >= minBufferMinutes {
			continue
		}

		sev := SeverityLow
		switch {
		case gap <= 5:
			sev = SeverityHigh
		case gap <= 10:
			sev = SeverityMedium
		}

		out = append(out, Conflict{
			ID:          conflictID(ConflictInsufficientBuffer, a.ID, b.ID),
			Type:        ConflictInsufficientBuffer,
			Severity:    sev,
			MeetingIDs:  []string{a.ID, b.ID},
			Description: fmt.Sprintf("only %d minutes between %q and %q", gap, a.Title, b.Title),
			ImpactScore: clamp01(float64(minBufferMinutes-gap) / minBufferMinutes),
			Strategies:  strategiesFor(ConflictInsufficientBuffer),
			Metadata:    map[string]any{"gap_minutes": gap},
		})
	}
	return out
}

func (e *Engine) detectFocusTime(meetings []*Meeting) []Conflict {
	var out []Conflict
	for _, m := range meetings {
		if m.Importance >= 0.7 {
			continue
		}
		hour := m.local().Hour()
		inFocus := false
		for _, fb := range e.focusBlocks {
			if hour >= fb.StartHour && hour < fb.EndHour {
				inFocus = true
				break
			}
		}
		if !inFocus {
			continue
		}

		sev := SeverityLow
		if m.Importance < 0.3 {
			sev = SeverityMedium
		}
		out = append(out, Conflict{
			ID:          conflictID(ConflictFocusTime, m.ID),
			Type:        ConflictFocusTime,
			Severity:    sev,
			MeetingIDs:  []string{m.ID},
			Description: fmt.Sprintf("%q interrupts a focus block", m.Title),
			ImpactScore: clamp01(0.7 - m.Importance),
			Strategies:  strategiesFor(ConflictFocusTime),
			Metadata:    map[string]any{"importance": m.Importance},
		})
	}
	return out
}

func (e *Engine) detectOverloadedDays(meetings []*Meeting) []Conflict {
	type dayLoad struct {
		ids   []string
		count int
		total time.Duration
	}
	days := map[string]*dayLoad{}
	var order []string
	for _, m := range meetings {
		key := m.local().Format("2006-01-02")
		dl, ok := days[key]
		if !ok {
			dl = &dayLoad{}
			days[key] = dl
			order = append(order, key)
		}
		dl.ids = append(dl.ids, m.ID)
		dl.count++
		dl.total += m.Duration()
	}

	var out []Conflict
	for _, key := range order {
		dl := days[key]
		hours := dl.total.Hours()
		if dl.count <= 6 && hours <= 8 {
			continue
		}

		sev := SeverityMedium
		if dl.count > 8 || hours > 10 {
			sev = SeverityHigh
		}
		out = append(out, Conflict{
			ID:          conflictID(ConflictOverloadedDay, key),
			Type:        ConflictOverloadedDay,
			Severity:    sev,
			MeetingIDs:  dl.ids,
			Description: fmt.Sprintf("%s holds %d meetings totaling %.1f hours", key, dl.count, hours),
			ImpactScore: clamp01(maxf(float64(dl.count)/9, hours/12)),
			Strategies:  strategiesFor(ConflictOverloadedDay),
			Metadata:    map[string]any{"date": key, "meeting_count": dl.count, "total_hours": hours},
		})
	}
	return out
}

func (e *Engine) detectPrepTime(meetings []*Meeting) []Conflict {
	var out []Conflict
	for i, m := range meetings {
		if !needsPrep(m.Title) {
			continue
		}
		// Prep window is the gap since the previous meeting ends; the first
		// meeting of the set has an open window.
		if i == 0 {
			continue
		}
		window := int(m.Start.Sub(meetings[i-1].End).Minutes())
		if window < 0 {
			window = 0
		}
		if window >= minPrepMinutes {
			continue
		}

		sev := SeverityMedium
		if window < 15 {
			sev = SeverityHigh
		}
		out = append(out, Conflict{
			ID:          conflictID(ConflictPrepTime, m.ID),
			Type:        ConflictPrepTime,
			Severity:    sev,
			MeetingIDs:  []string{m.ID},
			Description: fmt.Sprintf("%q has only %d minutes of preparation time", m.Title, window),
			ImpactScore: clamp01(float64(minPrepMinutes-window) / minPrepMinutes),
			Strategies:  strategiesFor(ConflictPrepTime),
			Metadata:    map[string]any{"prep_minutes": window},
		})
	}
	return out
}

func needsPrep(title string) bool {
	lower := strings.ToLower(title)
	for _, pattern := range highPrepTitles {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func (e *Engine) detectCommute(meetings []*Meeting) []Conflict {
	var out []Conflict
	for i := 0; i+1 < len(meetings); i++ {
		a, b := meetings[i], meetings[i+1]
		travel := travelMinutes(a.Location, b.Location)
		if travel == 0 {
			continue
		}
		gap := int(b.Start.Sub(a.End).Minutes())
		if gap >= travel {
			continue
		}
		if gap < 0 {
			gap = 0
		}

		sev := SeverityMedium
		if gap < travel/2 {
			sev = SeverityHigh
		}
		out = append(out, Conflict{
			ID:          conflictID(ConflictCommute, a.ID, b.ID),
			Type:        ConflictCommute,
			Severity:    sev,
			MeetingIDs:  []string{a.ID, b.ID},
			Description: fmt.Sprintf("%d minutes to travel from %q to %q, %d available", travel, a.Location, b.Location, gap),
			ImpactScore: clamp01(float64(travel-gap) / float64(travel)),
			Strategies:  strategiesFor(ConflictCommute),
			Metadata:    map[string]any{"travel_minutes": travel, "gap_minutes": gap},
		})
	}
	return out
}

// travelMinutes estimates transit time between two normalized locations.
// Virtual meetings need none; same campus 10 minutes; otherwise 30.
func travelMinutes(from, to string) int {
	a, b := normalizeLocation(from), normalizeLocation(to)
	if a == "" || b == "" || a == b {
		return 0
	}
	if firstToken(a) == firstToken(b) {
		return sameCampusTravelMin
	}
	return differentTravelMin
}

func normalizeLocation(loc string) string {
	l := strings.ToLower(strings.TrimSpace(loc))
	for _, virtual := range []string{"virtual", "zoom", "meet", "teams", "online", "remote"} {
		if strings.Contains(l, virtual) {
			return ""
		}
	}
	return l
}

func firstToken(s string) string {
	if i := strings.IndexAny(s, " -,"); i > 0 {
		return s[:i]
	}
	return s
}

func (e *Engine) detectLunch(meetings []*Meeting) []Conflict {
	var out []Conflict
	for _, m := range meetings {
		if strings.Contains(strings.ToLower(m.Title), "lunch") {
			continue
		}
		local := m.local()
		lunchStart := time.Date(local.Year(), local.Month(), local.Day(), lunchStartHour, 0, 0, 0, local.Location())
		lunchEnd := time.Date(local.Year(), local.Month(), local.Day(), lunchEndHour, 0, 0, 0, local.Location())
		end := local.Add(m.Duration())
		if !local.Before(lunchEnd) || !end.After(lunchStart) {
			continue
		}

		out = append(out, Conflict{
			ID:          conflictID(ConflictLunch, m.ID),
			Type:        ConflictLunch,
			Severity:    SeverityLow,
			MeetingIDs:  []string{m.ID},
			Description: fmt.Sprintf("%q overlaps the lunch hour", m.Title),
			ImpactScore: 0.3,
			Strategies:  strategiesFor(ConflictLunch),
		})
	}
	return out
}

func (e *Engine) detectTimezone(meetings []*Meeting) []Conflict {
	var out []Conflict
	for _, m := range meetings {
		hour := m.local().Hour()
		if hour >= earlyHour && hour < lateHour {
			continue
		}
		if !hasExternalAttendee(m) {
			continue
		}

		sev := SeverityMedium
		impact := 0.4
		if hour < veryEarlyHour || hour > veryLateHour {
			sev = SeverityHigh
			impact = 0.6
		}
		out = append(out, Conflict{
			ID:          conflictID(ConflictTimezone, m.ID),
			Type:        ConflictTimezone,
			Severity:    sev,
			MeetingIDs:  []string{m.ID},
			Description: fmt.Sprintf("%q falls outside working hours (%02d:00 local)", m.Title, hour),
			ImpactScore: impact,
			Strategies:  strategiesFor(ConflictTimezone),
			Metadata:    map[string]any{"local_hour": hour},
		})
	}
	return out
}

// hasExternalAttendee reports whether any attendee's mail domain differs
// from the organizer's.
func hasExternalAttendee(m *Meeting) bool {
	orgDomain := mailDomain(m.Organizer)
	if orgDomain == "" {
		return false
	}
	for _, a := range m.Attendees {
		if d := mailDomain(a); d != "" && d != orgDomain {
			return true
		}
	}
	return false
}

func mailDomain(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return strings.ToLower(addr[i+1:])
	}
	return ""
}

func overlapMinutes(a, b *Meeting) int {
	start := a.Start
	if b.Start.After(start) {
		start = b.Start
	}
	end := a.End
	if b.End.Before(end) {
		end = b.End
	}
	if !end.After(start) {
		return 0
	}
	return int(end.Sub(start).Minutes())
}

func conflictID(t ConflictType, parts ...string) string {
	return string(t) + ":" + strings.Join(parts, "+")
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
