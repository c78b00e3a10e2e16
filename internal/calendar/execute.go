package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jfelden/adjutant/internal/log"
)

// ErrApprovalRequired is returned when executing a plan flagged for user
// approval without the approval bit set.
var ErrApprovalRequired = errors.New("plan requires user approval")

// Service is the external calendar collaborator actions dispatch to.
// Provider wire protocols stay behind this boundary.
type Service interface {
	Reschedule(ctx context.Context, meetingID string, newStart, newEnd time.Time) error
	Cancel(ctx context.Context, meetingID string, reason string) error
	CreateBlock(ctx context.Context, title string, start, end time.Time) error
	SuggestTimes(ctx context.Context, meetingID string, params map[string]any) error
}

// ExecutePlan dispatches a plan's actions to the calendar service in order,
// recording each action's outcome. The plan aggregates to success iff all
// actions succeeded, partial_success if any did, failure otherwise.
// A plan flagged user_approval_required is refused unless approved is true.
func (e *Engine) ExecutePlan(ctx context.Context, svc Service, plan ResolutionPlan, approved bool) (*PlanResult, error) {
	if plan.UserApprovalRequired && !approved {
		return nil, fmt.Errorf("%w: %s for conflict %s", ErrApprovalRequired, plan.Strategy, plan.ConflictID)
	}

	result := &PlanResult{
		ConflictID: plan.ConflictID,
		Strategy:   plan.Strategy,
		Outcomes:   make([]ActionOutcome, 0, len(plan.Actions)),
	}

	succeeded := 0
	for _, action := range plan.Actions {
		err := dispatchAction(ctx, svc, action)
		outcome := ActionOutcome{Action: action, OK: err == nil}
		if err != nil {
			outcome.Error = err.Error()
			log.Warn(log.CatConflict, "Plan action failed",
				"conflictID", plan.ConflictID, "action", string(action.Type), "error", err)
		} else {
			succeeded++
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	switch {
	case succeeded == len(plan.Actions) && len(plan.Actions) > 0:
		result.Status = PlanSuccess
	case succeeded > 0:
		result.Status = PlanPartialSuccess
	default:
		result.Status = PlanFailure
	}

	log.Info(log.CatConflict, "Plan executed",
		"conflictID", plan.ConflictID, "strategy", string(plan.Strategy), "status", string(result.Status))
	return result, nil
}

func dispatchAction(ctx context.Context, svc Service, a Action) error {
	switch a.Type {
	case ActionReschedule:
		start, err := paramTime(a.Params, "new_start")
		if err != nil {
			return err
		}
		end, err := paramTime(a.Params, "new_end")
		if err != nil {
			return err
		}
		return svc.Reschedule(ctx, a.MeetingID, start, end)

	case ActionCancel:
		reason, _ := a.Params["reason"].(string)
		return svc.Cancel(ctx, a.MeetingID, reason)

	case ActionCreateBlock:
		title, _ := a.Params["title"].(string)
		start, err := paramTime(a.Params, "start")
		if err != nil {
			return err
		}
		end, err := paramTime(a.Params, "end")
		if err != nil {
			return err
		}
		return svc.CreateBlock(ctx, title, start, end)

	case ActionSuggestTimes:
		return svc.SuggestTimes(ctx, a.MeetingID, a.Params)

	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
}

func paramTime(params map[string]any, key string) (time.Time, error) {
	raw, _ := params[key].(string)
	if raw == "" {
		return time.Time{}, fmt.Errorf("action missing %q", key)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %q: %w", key, err)
	}
	return t, nil
}
