package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jfelden/adjutant/internal/runtime/task"
)

// The five built-in workers. Their bodies are deterministic transformations
// of the task parameters; anything requiring an external collaborator
// (LLM, calendar provider, mail system) stays behind the payload boundary.

// MeetingPrep prepares agendas and briefings for upcoming meetings.
type MeetingPrep struct {
	*Base
}

func NewMeetingPrep(name string) *MeetingPrep {
	w := &MeetingPrep{}
	w.Base = NewBase(name,
		"Prepares meeting agendas, briefing notes, and attendee context",
		[]Capability{CapMeetingPrep},
		task.PriorityHigh,
		w.run,
	)
	return w
}

func (w *MeetingPrep) run(_ context.Context, t *task.Task) (any, error) {
	switch t.Kind {
	case "morning_briefing":
		meetings, _ := t.Params["meetings"].([]any)
		return map[string]any{
			"briefing_for":  time.Now().Format("2006-01-02"),
			"meeting_count": len(meetings),
			"meetings":      meetings,
			"checklist":     []string{"review agendas", "confirm attendees", "flag conflicts"},
		}, nil
	case "prepare_meeting", "generate_agenda":
		title, _ := t.Params["title"].(string)
		if title == "" {
			return nil, fmt.Errorf("missing meeting title")
		}
		return map[string]any{
			"title": title,
			"agenda": []string{
				"objectives",
				"discussion: " + title,
				"decisions and owners",
				"next steps",
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported kind %q", t.Kind)
	}
}

// FollowUps hands the prepared agenda to the communication worker.
func (w *MeetingPrep) FollowUps(t *task.Task, r *task.Result) []*task.Task {
	if t.Kind != "prepare_meeting" || !r.Succeeded() {
		return nil
	}
	return []*task.Task{{
		ID:          task.NewID(),
		Kind:        "send_notification",
		Description: "Distribute prepared agenda for: " + t.Description,
		Params:      map[string]any{"agenda": r.Payload},
		Priority:    task.PriorityLow,
		RequestedBy: w.Name(),
		CreatedAt:   time.Now(),
	}}
}

// Decomposer splits large tasks into ordered steps.
type Decomposer struct {
	*Base
}

func NewDecomposer(name string) *Decomposer {
	w := &Decomposer{}
	w.Base = NewBase(name,
		"Breaks complex goals into ordered, actionable steps",
		[]Capability{CapDecomposition},
		task.PriorityMedium,
		w.run,
	)
	return w
}

func (w *Decomposer) run(_ context.Context, t *task.Task) (any, error) {
	if t.Description == "" {
		return nil, fmt.Errorf("nothing to decompose")
	}
	parts := strings.FieldsFunc(t.Description, func(r rune) bool {
		return r == '.' || r == ';' || r == ','
	})
	steps := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			steps = append(steps, s)
		}
	}
	if len(steps) == 0 {
		steps = []string{t.Description}
	}
	return map[string]any{"steps": steps, "step_count": len(steps)}, nil
}

// Communicator drafts and routes outbound messages.
type Communicator struct {
	*Base
}

func NewCommunicator(name string) *Communicator {
	w := &Communicator{}
	w.Base = NewBase(name,
		"Drafts emails, triages the inbox, and delivers notifications",
		[]Capability{CapCommunication},
		task.PriorityMedium,
		w.run,
	)
	return w
}

func (w *Communicator) run(_ context.Context, t *task.Task) (any, error) {
	switch t.Kind {
	case "draft_email":
		to, _ := t.Params["to"].(string)
		subject, _ := t.Params["subject"].(string)
		if to == "" {
			return nil, fmt.Errorf("missing recipient")
		}
		return map[string]any{
			"to":      to,
			"subject": subject,
			"draft":   "Hi,\n\n" + t.Description + "\n\nBest regards",
		}, nil
	case "triage_inbox":
		items, _ := t.Params["items"].([]any)
		return map[string]any{"triaged": len(items), "buckets": []string{"respond", "delegate", "archive"}}, nil
	case "send_notification":
		return map[string]any{"delivered": true, "payload": t.Params}, nil
	default:
		return nil, fmt.Errorf("unsupported kind %q", t.Kind)
	}
}

// Researcher gathers and summarizes background material.
type Researcher struct {
	*Base
}

func NewResearcher(name string) *Researcher {
	w := &Researcher{}
	w.Base = NewBase(name,
		"Collects background material and produces concise summaries",
		[]Capability{CapResearch},
		task.PriorityLow,
		w.run,
	)
	return w
}

func (w *Researcher) run(_ context.Context, t *task.Task) (any, error) {
	switch t.Kind {
	case "research_topic":
		topic, _ := t.Params["topic"].(string)
		if topic == "" {
			topic = t.Description
		}
		if topic == "" {
			return nil, fmt.Errorf("missing topic")
		}
		return map[string]any{
			"topic":   topic,
			"queries": []string{topic, topic + " overview", topic + " recent developments"},
		}, nil
	case "summarize_document":
		doc, _ := t.Params["document"].(string)
		if doc == "" {
			return nil, fmt.Errorf("missing document")
		}
		summary := doc
		if len(summary) > 200 {
			summary = summary[:200] + "..."
		}
		return map[string]any{"summary": summary, "length": len(doc)}, nil
	default:
		return nil, fmt.Errorf("unsupported kind %q", t.Kind)
	}
}

// ScheduleOptimizer analyzes the calendar and proposes schedule changes.
type ScheduleOptimizer struct {
	*Base
}

func NewScheduleOptimizer(name string) *ScheduleOptimizer {
	w := &ScheduleOptimizer{}
	w.Base = NewBase(name,
		"Analyzes the calendar, scores conflicts, and proposes optimizations",
		[]Capability{CapScheduleOptimize},
		task.PriorityHigh,
		w.run,
	)
	return w
}

func (w *ScheduleOptimizer) run(_ context.Context, t *task.Task) (any, error) {
	switch t.Kind {
	case "analyze_calendar", "resolve_conflicts":
		conflicts, _ := t.Params["conflicts"].([]any)
		return map[string]any{"conflicts_considered": len(conflicts), "analyzed": true}, nil
	case "optimize_schedule":
		date, _ := t.Params["date"].(string)
		return map[string]any{"date": date, "optimized": true}, nil
	default:
		return nil, fmt.Errorf("unsupported kind %q", t.Kind)
	}
}

// NewDefaultSet constructs the five standard workers.
func NewDefaultSet() []Worker {
	return []Worker{
		NewMeetingPrep("meeting_prep"),
		NewDecomposer("decomposer"),
		NewCommunicator("communicator"),
		NewResearcher("researcher"),
		NewScheduleOptimizer("schedule_optimizer"),
	}
}
