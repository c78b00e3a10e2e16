package calendar

import (
	"fmt"
	"time"
)

// strategyBaseRates are the prior success rates per strategy before the
// involved meetings' importance adjusts them.
var strategyBaseRates = map[Strategy]float64{
	StrategyAutoReschedule:     0.70,
	StrategyAutoDecline:        0.60,
	StrategyCreateBuffer:       0.85,
	StrategySuggestAlternative: 0.50,
	StrategyOptimizeSchedule:   0.80,
}

// applicableStrategies maps each conflict type to its candidate strategies,
// most aggressive first. suggest_alternative is the non-destructive option
// available everywhere.
var applicableStrategies = map[ConflictType][]Strategy{
	ConflictDirectOverlap:      {StrategyAutoReschedule, StrategyAutoDecline, StrategySuggestAlternative},
	ConflictDoubleBooking:      {StrategyAutoReschedule, StrategyAutoDecline, StrategySuggestAlternative},
	ConflictInsufficientBuffer: {StrategyCreateBuffer, StrategySuggestAlternative},
	ConflictFocusTime:          {StrategyAutoReschedule, StrategySuggestAlternative},
	ConflictOverloadedDay:      {StrategyOptimizeSchedule, StrategySuggestAlternative},
	ConflictPrepTime:           {StrategyCreateBuffer, StrategySuggestAlternative},
	ConflictCommute:            {StrategyAutoReschedule, StrategySuggestAlternative},
	ConflictLunch:              {StrategySuggestAlternative},
	ConflictTimezone:           {StrategyAutoReschedule, StrategySuggestAlternative},
}

func strategiesFor(t ConflictType) []Strategy {
	src := applicableStrategies[t]
	out := make([]Strategy, len(src))
	copy(out, src)
	return out
}

// scoreStrategy blends the base rate with importance-derived adjustments.
// Declining gets easier the less important the cheapest meeting is;
// rescheduling gets harder the more important the meetings are.
func scoreStrategy(s Strategy, c Conflict, meetings map[string]*Meeting) float64 {
	score := strategyBaseRates[s]

	minImp, maxImp := involvedImportance(c, meetings)
	switch s {
	case StrategyAutoDecline:
		score += (1 - minImp) * 0.3
		score -= maxImp * 0.2
	case StrategyAutoReschedule:
		score += (1 - maxImp) * 0.15
	case StrategyOptimizeSchedule:
		score += c.ImpactScore * 0.1
	}
	return clamp01(score)
}

func involvedImportance(c Conflict, meetings map[string]*Meeting) (min, max float64) {
	min, max = 1.0, 0.0
	found := false
	for _, id := range c.MeetingIDs {
		m, ok := meetings[id]
		if !ok {
			continue
		}
		found = true
		if m.Importance < min {
			min = m.Importance
		}
		if m.Importance > max {
			max = m.Importance
		}
	}
	if !found {
		return 0.5, 0.5
	}
	return min, max
}

// Plan selects the best-scoring strategy for a conflict and generates its
// action list deterministically from the conflict metadata.
// Plans using auto_reschedule or auto_decline at severity high or above are
// flagged for user approval and must not auto-execute.
func (e *Engine) Plan(c Conflict, meetings []*Meeting) ResolutionPlan {
	byID := make(map[string]*Meeting, len(meetings))
	for _, m := range meetings {
		byID[m.ID] = m
	}

	best := StrategySuggestAlternative
	bestScore := 0.0
	for _, s := range strategiesFor(c.Type) {
		if score := scoreStrategy(s, c, byID); score > bestScore {
			best = s
			bestScore = score
		}
	}

	plan := ResolutionPlan{
		ConflictID:           c.ID,
		Strategy:             best,
		Actions:              buildActions(best, c, byID),
		EstimatedSuccessRate: bestScore,
		EstimatedImpact:      c.ImpactScore,
		RequiredPermissions:  permissionsFor(best),
		UserApprovalRequired: approvalRequired(best, c.Severity),
	}
	return plan
}

// PlanAll generates one plan per conflict, preserving conflict order.
func (e *Engine) PlanAll(conflicts []Conflict, meetings []*Meeting) []ResolutionPlan {
	plans := make([]ResolutionPlan, 0, len(conflicts))
	for _, c := range conflicts {
		plans = append(plans, e.Plan(c, meetings))
	}
	return plans
}

func approvalRequired(s Strategy, sev Severity) bool {
	if s != StrategyAutoReschedule && s != StrategyAutoDecline {
		return false
	}
	return sev.AtLeast(SeverityHigh)
}

func permissionsFor(s Strategy) []string {
	switch s {
	case StrategyAutoReschedule, StrategyOptimizeSchedule:
		return []string{"calendar.write"}
	case StrategyAutoDecline:
		return []string{"calendar.write", "calendar.decline"}
	case StrategyCreateBuffer:
		return []string{"calendar.write"}
	default:
		return nil
	}
}

func buildActions(s Strategy, c Conflict, meetings map[string]*Meeting) []Action {
	switch s {
	case StrategyAutoReschedule:
		return rescheduleActions(c, meetings)
	case StrategyAutoDecline:
		return declineActions(c, meetings)
	case StrategyCreateBuffer:
		return bufferActions(c, meetings)
	case StrategyOptimizeSchedule:
		return optimizeActions(c)
	default:
		return suggestActions(c, meetings)
	}
}

// rescheduleActions moves the less important meeting to the first slot after
// the conflicting window.
func rescheduleActions(c Conflict, meetings map[string]*Meeting) []Action {
	target := leastImportant(c, meetings)
	if target == nil {
		return suggestActions(c, meetings)
	}

	latestEnd := target.End
	for _, id := range c.MeetingIDs {
		if m, ok := meetings[id]; ok && m.End.After(latestEnd) {
			latestEnd = m.End
		}
	}
	newStart := latestEnd.Add(15 * time.Minute)
	return []Action{{
		Type:      ActionReschedule,
		MeetingID: target.ID,
		Params: map[string]any{
			"new_start": newStart.Format(time.RFC3339),
			"new_end":   newStart.Add(target.Duration()).Format(time.RFC3339),
		},
	}}
}

func declineActions(c Conflict, meetings map[string]*Meeting) []Action {
	target := leastImportant(c, meetings)
	if target == nil {
		return nil
	}
	return []Action{{
		Type:      ActionCancel,
		MeetingID: target.ID,
		Params:    map[string]any{"reason": "conflicts with a higher-importance meeting"},
	}}
}

func bufferActions(c Conflict, meetings map[string]*Meeting) []Action {
	if len(c.MeetingIDs) < 2 {
		return nil
	}
	first, second := meetings[c.MeetingIDs[0]], meetings[c.MeetingIDs[1]]
	if first == nil || second == nil {
		return nil
	}
	return []Action{{
		Type: ActionCreateBlock,
		Params: map[string]any{
			"title": "Buffer",
			"start": first.End.Format(time.RFC3339),
			"end":   second.Start.Format(time.RFC3339),
		},
	}}
}

func optimizeActions(c Conflict) []Action {
	date, _ := c.Metadata["date"].(string)
	return []Action{{
		Type:   ActionSuggestTimes,
		Params: map[string]any{"scope": "day", "date": date, "goal": "redistribute load"},
	}}
}

func suggestActions(c Conflict, meetings map[string]*Meeting) []Action {
	actions := make([]Action, 0, len(c.MeetingIDs))
	for _, id := range c.MeetingIDs {
		m, ok := meetings[id]
		if !ok {
			continue
		}
		actions = append(actions, Action{
			Type:      ActionSuggestTimes,
			MeetingID: m.ID,
			Params: map[string]any{
				"candidates": []string{
					m.End.Add(30 * time.Minute).Format(time.RFC3339),
					m.Start.Add(24 * time.Hour).Format(time.RFC3339),
				},
			},
		})
	}
	if len(actions) == 0 {
		actions = append(actions, Action{
			Type:   ActionSuggestTimes,
			Params: map[string]any{"note": fmt.Sprintf("review %s conflict manually", c.Type)},
		})
	}
	return actions
}

func leastImportant(c Conflict, meetings map[string]*Meeting) *Meeting {
	var target *Meeting
	for _, id := range c.MeetingIDs {
		m, ok := meetings[id]
		if !ok {
			continue
		}
		if target == nil || m.Importance < target.Importance {
			target = m
		}
	}
	return target
}
