package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jfelden/adjutant/internal/log"
	"github.com/jfelden/adjutant/internal/runtime/bus"
	"github.com/jfelden/adjutant/internal/runtime/task"
)

// feedbackConfidence is assigned to preferences learned from user feedback.
const feedbackConfidence = 0.8

// durWindowSize bounds the per-worker duration sample window.
const durWindowSize = 64

// TaskBody is the specialized action a concrete worker supplies.
type TaskBody func(ctx context.Context, t *task.Task) (any, error)

// Base carries everything common to the specialized workers: status, rolling
// metrics, callbacks, preference learning, and default bus handlers.
// Concrete workers embed *Base and supply their TaskBody.
type Base struct {
	name        string
	description string
	caps        []Capability
	priority    task.Priority
	body        TaskBody

	mu     sync.Mutex
	status Status

	statsMu   sync.Mutex
	total     uint64
	succeeded uint64
	failed    uint64
	durWindow [durWindowSize]time.Duration
	durCount  int
	durNext   int

	cbMu      sync.RWMutex
	callbacks map[CallbackEvent][]Callback

	prefMu         sync.Mutex
	prefs          map[string]any
	prefConfidence map[string]float64
	feedbackByTask map[string]map[string]any
	sink           PreferenceSink

	inboxMu       sync.Mutex
	broadcasts    []bus.BroadcastPayload
	notifications []any
}

// NewBase constructs the common worker envelope.
// priority is the worker's configured preference used for scheduling tie-breaks.
func NewBase(name, description string, caps []Capability, priority task.Priority, body TaskBody) *Base {
	return &Base{
		name:           name,
		description:    description,
		caps:           caps,
		priority:       priority,
		body:           body,
		status:         StatusIdle,
		callbacks:      make(map[CallbackEvent][]Callback),
		prefs:          make(map[string]any),
		prefConfidence: make(map[string]float64),
		feedbackByTask: make(map[string]map[string]any),
	}
}

func (b *Base) Name() string               { return b.name }
func (b *Base) Description() string        { return b.description }
func (b *Base) Capabilities() []Capability { return b.caps }

// ConfiguredPriority is the worker's preferred task priority, used by the
// scheduler as a final tie-break.
func (b *Base) ConfiguredPriority() task.Priority { return b.priority }

// SetPreferenceSink wires the store that persists learned preferences.
func (b *Base) SetPreferenceSink(s PreferenceSink) {
	b.prefMu.Lock()
	defer b.prefMu.Unlock()
	b.sink = s
}

func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *Base) SetStatus(s Status) {
	b.mu.Lock()
	prev := b.status
	b.status = s
	b.mu.Unlock()
	if prev != s {
		b.fire(OnStatusChange, s)
	}
}

// Reset returns the worker to idle and clears transient inbox memory.
func (b *Base) Reset() {
	b.inboxMu.Lock()
	b.broadcasts = nil
	b.notifications = nil
	b.inboxMu.Unlock()
	b.SetStatus(StatusIdle)
	log.Info(log.CatWorker, "Worker reset", "worker", b.name)
}

func (b *Base) RegisterCallback(event CallbackEvent, fn Callback) {
	b.cbMu.Lock()
	defer b.cbMu.Unlock()
	b.callbacks[event] = append(b.callbacks[event], fn)
}

func (b *Base) fire(event CallbackEvent, detail any) {
	b.cbMu.RLock()
	fns := b.callbacks[event]
	b.cbMu.RUnlock()
	for _, fn := range fns {
		fn(b.name, detail)
	}
}

// ExecuteTask runs the specialized body inside the common envelope:
// status transitions, callbacks, and rolling metrics.
func (b *Base) ExecuteTask(ctx context.Context, t *task.Task) (*task.Result, error) {
	b.SetStatus(StatusWorking)
	b.fire(OnTaskStart, t)

	defer func() {
		if r := recover(); r != nil {
			b.recordOutcome(false, 0)
			b.SetStatus(StatusError)
			b.fire(OnTaskError, fmt.Sprintf("panic: %v", r))
			panic(r)
		}
	}()

	start := time.Now()
	payload, err := b.body(ctx, t)
	elapsed := time.Since(start)

	if err != nil {
		b.recordOutcome(false, elapsed)
		b.SetStatus(StatusIdle)
		b.fire(OnTaskError, err)
		return nil, err
	}

	b.recordOutcome(true, elapsed)
	b.SetStatus(StatusIdle)

	res := &task.Result{
		TaskID:     t.ID,
		WorkerName: b.name,
		Status:     task.StatusSuccess,
		Payload:    payload,
		Duration:   elapsed,
		Metadata:   map[string]any{},
	}
	b.fire(OnTaskComplete, res)
	return res, nil
}

func (b *Base) recordOutcome(succeeded bool, d time.Duration) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	b.total++
	if succeeded {
		b.succeeded++
	} else {
		b.failed++
	}
	b.durWindow[b.durNext] = d
	b.durNext = (b.durNext + 1) % durWindowSize
	if b.durCount < durWindowSize {
		b.durCount++
	}
}

func (b *Base) Metrics() Metrics {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()

	m := Metrics{
		TotalTasks: b.total,
		Succeeded:  b.succeeded,
		Failed:     b.failed,
	}
	if b.total > 0 {
		m.SuccessRate = float64(b.succeeded) / float64(b.total)
	}
	if b.durCount > 0 {
		var sum time.Duration
		for i := 0; i < b.durCount; i++ {
			sum += b.durWindow[i]
		}
		m.AvgDuration = sum / time.Duration(b.durCount)
	}
	return m
}

// LearnFromFeedback folds user feedback into the preference map and keeps it
// available for tagging the persisted result's metadata.
func (b *Base) LearnFromFeedback(taskID string, feedback map[string]any) {
	b.prefMu.Lock()
	defer b.prefMu.Unlock()

	if taskID != "" {
		b.feedbackByTask[taskID] = feedback
	}
	for k, v := range feedback {
		b.prefs[k] = v
		b.prefConfidence[k] = feedbackConfidence
		if b.sink != nil {
			if err := b.sink.PutPreference(b.name, k, v, feedbackConfidence); err != nil {
				log.ErrorErr(log.CatWorker, "Failed to persist preference", err, "worker", b.name, "key", k)
			}
		}
	}
	log.Debug(log.CatWorker, "Feedback learned", "worker", b.name, "taskID", taskID, "keys", len(feedback))
}

// FeedbackFor returns the feedback recorded against a task, if any.
func (b *Base) FeedbackFor(taskID string) (map[string]any, bool) {
	b.prefMu.Lock()
	defer b.prefMu.Unlock()
	fb, ok := b.feedbackByTask[taskID]
	return fb, ok
}

func (b *Base) Preferences() map[string]any {
	b.prefMu.Lock()
	defer b.prefMu.Unlock()
	out := make(map[string]any, len(b.prefs))
	for k, v := range b.prefs {
		out[k] = v
	}
	return out
}

// HandleRequest answers generic status queries; specialized workers may
// shadow this with their own handler.
func (b *Base) HandleRequest(_ context.Context, msg *bus.Message) (any, error) {
	m := b.Metrics()
	return map[string]any{
		"worker":       b.name,
		"status":       string(b.Status()),
		"total_tasks":  m.TotalTasks,
		"success_rate": m.SuccessRate,
		"echo":         msg.Payload,
	}, nil
}

func (b *Base) HandleBroadcast(kind string, payload any) {
	b.inboxMu.Lock()
	defer b.inboxMu.Unlock()
	b.broadcasts = append(b.broadcasts, bus.BroadcastPayload{Kind: kind, Payload: payload})
	if len(b.broadcasts) > 100 {
		b.broadcasts = b.broadcasts[len(b.broadcasts)-100:]
	}
}

func (b *Base) HandleNotification(payload any) {
	b.inboxMu.Lock()
	defer b.inboxMu.Unlock()
	b.notifications = append(b.notifications, payload)
	if len(b.notifications) > 100 {
		b.notifications = b.notifications[len(b.notifications)-100:]
	}
}

// RecentBroadcasts returns broadcasts received since the last Reset.
func (b *Base) RecentBroadcasts() []bus.BroadcastPayload {
	b.inboxMu.Lock()
	defer b.inboxMu.Unlock()
	out := make([]bus.BroadcastPayload, len(b.broadcasts))
	copy(out, b.broadcasts)
	return out
}

// HandleCollaboration accepts joint work only when the worker is idle.
func (b *Base) HandleCollaboration(_ context.Context, descriptor any) (bool, any) {
	if b.Status() != StatusIdle {
		return false, map[string]any{"reason": "busy", "status": string(b.Status())}
	}
	return true, map[string]any{"worker": b.name, "descriptor": descriptor}
}

// AcceptDelegation accepts a handed-over task when idle and capable of its
// kind. Descriptors without a recognizable kind are accepted when idle.
func (b *Base) AcceptDelegation(descriptor any) (bool, any) {
	if b.Status() != StatusIdle {
		return false, map[string]any{"reason": "busy"}
	}
	if m, ok := descriptor.(map[string]any); ok {
		if kind, ok := m["kind"].(string); ok && kind != "" {
			if !CanHandle(b.caps, kind) {
				return false, map[string]any{"reason": "incapable", "kind": kind}
			}
		}
	}
	return true, map[string]any{"worker": b.name}
}
