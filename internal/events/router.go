package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jfelden/adjutant/internal/cachemanager"
	"github.com/jfelden/adjutant/internal/log"
	"github.com/jfelden/adjutant/internal/pubsub"
)

const (
	// DefaultRetryLimit bounds how many times a failing event is retried
	// before it is recorded as failed.
	DefaultRetryLimit = 3

	// DefaultCacheTTL is how long processed-event outcomes stay queryable.
	DefaultCacheTTL = time.Hour
)

// ErrQueueFull is returned when an event's priority queue is at capacity.
var ErrQueueFull = errors.New("event queue full")

// ErrNotStarted is returned when submitting to a router that is not running.
var ErrNotStarted = errors.New("event router not started")

// Handler processes one event and returns a result payload.
type Handler func(ctx context.Context, evt *Event) (any, error)

// Notice is published on the router broker for observability. Outcome is nil
// for submission notices.
type Notice struct {
	Event   *Event
	Outcome *Outcome
}

// Stats counts router activity since construction.
type Stats struct {
	Submitted    uint64 `json:"submitted"`
	Deduplicated uint64 `json:"deduplicated"`
	Processed    uint64 `json:"processed"`
	Failed       uint64 `json:"failed"`
	Retried      uint64 `json:"retried"`
	Dropped      uint64 `json:"dropped"`
}

// Router fans events into four priority queues, each drained by a dedicated
// consumer that enforces the class's minimum service delay. Handler failures
// are retried at one priority class lower until the retry limit is reached.
type Router struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler

	queues map[Priority]chan *Event
	delays map[Priority]time.Duration

	cache      *cachemanager.InMemoryCacheManager[string, Outcome]
	cacheTTL   time.Duration
	retryLimit int

	broker *pubsub.Broker[Notice]
	now    func() time.Time

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	submitted    atomic.Uint64
	deduplicated atomic.Uint64
	processed    atomic.Uint64
	failed       atomic.Uint64
	retried      atomic.Uint64
	dropped      atomic.Uint64
}

// Option configures a Router.
type Option func(*Router)

// WithRetryLimit overrides the retry ceiling for failing events.
func WithRetryLimit(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.retryLimit = n
		}
	}
}

// WithCacheTTL overrides how long processed outcomes are retained.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Router) {
		if ttl > 0 {
			r.cacheTTL = ttl
		}
	}
}

// WithServiceDelays overrides the per-priority minimum service delays.
func WithServiceDelays(delays map[Priority]time.Duration) Option {
	return func(r *Router) {
		for p, d := range delays {
			r.delays[p] = d
		}
	}
}

// WithClock overrides the router's time source.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		r.now = now
	}
}

// NewRouter builds a router with the standard queue capacities.
func NewRouter(opts ...Option) *Router {
	r := &Router{
		handlers:   make(map[Kind]Handler),
		queues:     make(map[Priority]chan *Event, len(queueCapacities)),
		delays:     make(map[Priority]time.Duration, len(serviceDelays)),
		cacheTTL:   DefaultCacheTTL,
		retryLimit: DefaultRetryLimit,
		broker:     pubsub.NewBroker[Notice](),
		now:        time.Now,
		done:       make(chan struct{}),
	}
	for p, capacity := range queueCapacities {
		r.queues[p] = make(chan *Event, capacity)
	}
	for p, d := range serviceDelays {
		r.delays[p] = d
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cache = cachemanager.NewInMemoryCacheManager[string, Outcome](
		"event_results", r.cacheTTL, cachemanager.DefaultCleanupInterval)
	return r
}

// Register installs the handler for a kind. Handlers must be registered
// before Start; later registrations replace earlier ones.
func (r *Router) Register(kind Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Start launches one consumer per priority class.
func (r *Router) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	for p := PriorityCritical; p <= PriorityLow; p++ {
		priority := p
		r.wg.Add(1)
		log.SafeGo(fmt.Sprintf("events.consumer.%s", priority), func() {
			defer r.wg.Done()
			r.consume(ctx, priority)
		})
	}
	log.Info(log.CatEvents, "Event router started", "retryLimit", r.retryLimit)
}

// Shutdown stops the consumers and waits for in-flight handlers to return.
// Queued events that have not been picked up are discarded.
func (r *Router) Shutdown() {
	if !r.started.CompareAndSwap(true, false) {
		return
	}
	close(r.done)
	r.cancel()
	r.wg.Wait()
	r.broker.Close()
	log.Info(log.CatEvents, "Event router stopped", "dropped", r.dropped.Load())
}

// Submit derives the event's id and priority and places it on the matching
// queue. Resubmitting an already-processed event in the same second is a
// no-op returning the original id. A full queue returns ErrQueueFull.
func (r *Router) Submit(user string, kind Kind, payload map[string]any) (string, error) {
	if !r.started.Load() {
		return "", ErrNotStarted
	}

	now := r.now()
	id := EventID(user, kind, now)
	if _, seen := r.cache.Get(context.Background(), id); seen {
		r.deduplicated.Add(1)
		log.Debug(log.CatEvents, "Duplicate event submission ignored", "eventID", id, "kind", string(kind))
		return id, nil
	}

	evt := &Event{
		ID:          id,
		Kind:        kind,
		User:        user,
		Payload:     payload,
		Priority:    derivePriority(kind, payload, now),
		SubmittedAt: now,
	}
	if err := r.enqueue(evt); err != nil {
		return "", err
	}
	r.submitted.Add(1)
	r.broker.Publish(pubsub.CreatedEvent, Notice{Event: evt})
	log.Debug(log.CatEvents, "Event submitted",
		"eventID", id, "kind", string(kind), "priority", evt.Priority.String())
	return id, nil
}

func (r *Router) enqueue(evt *Event) error {
	select {
	case r.queues[evt.Priority] <- evt:
		return nil
	default:
		r.dropped.Add(1)
		log.Warn(log.CatEvents, "Event dropped, queue full",
			"eventID", evt.ID, "priority", evt.Priority.String())
		return fmt.Errorf("%w: %s", ErrQueueFull, evt.Priority)
	}
}

// consume drains one priority queue. Before invoking the handler it waits
// until the event is at least as old as the class's service delay, so lower
// classes never preempt work that urgent events need the capacity for.
func (r *Router) consume(ctx context.Context, p Priority) {
	queue := r.queues[p]
	for {
		select {
		case <-r.done:
			return
		case evt := <-queue:
			if wait := r.delays[p] - r.now().Sub(evt.SubmittedAt); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-r.done:
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			r.process(ctx, evt)
		}
	}
}

func (r *Router) process(ctx context.Context, evt *Event) {
	r.mu.RLock()
	handler, ok := r.handlers[evt.Kind]
	r.mu.RUnlock()
	if !ok {
		r.recordFailure(evt, 0, fmt.Sprintf("no handler registered for kind %q", evt.Kind))
		return
	}

	start := r.now()
	result, err := invokeHandler(ctx, handler, evt)
	duration := r.now().Sub(start)

	if err == nil {
		r.processed.Add(1)
		outcome := Outcome{
			EventID:   evt.ID,
			Kind:      evt.Kind,
			Success:   true,
			Result:    result,
			Duration:  duration,
			Timestamp: r.now(),
		}
		r.cache.Set(ctx, evt.ID, outcome, r.cacheTTL)
		r.broker.Publish(pubsub.UpdatedEvent, Notice{Event: evt, Outcome: &outcome})
		log.Debug(log.CatEvents, "Event handled",
			"eventID", evt.ID, "kind", string(evt.Kind), "duration", duration)
		return
	}

	evt.Retries++
	if evt.Retries < r.retryLimit {
		evt.Priority = evt.Priority.demote()
		r.retried.Add(1)
		log.Warn(log.CatEvents, "Event handler failed, retrying at lower priority",
			"eventID", evt.ID, "kind", string(evt.Kind),
			"retries", evt.Retries, "priority", evt.Priority.String(), "error", err)
		if enqErr := r.enqueue(evt); enqErr != nil {
			r.recordFailure(evt, duration, fmt.Sprintf("retry enqueue: %v (after %v)", enqErr, err))
		}
		return
	}
	r.recordFailure(evt, duration, err.Error())
}

func invokeHandler(ctx context.Context, h Handler, evt *Event) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return h(ctx, evt)
}

func (r *Router) recordFailure(evt *Event, duration time.Duration, msg string) {
	r.failed.Add(1)
	outcome := Outcome{
		EventID:   evt.ID,
		Kind:      evt.Kind,
		Success:   false,
		Duration:  duration,
		Timestamp: r.now(),
		Error:     msg,
	}
	r.cache.Set(context.Background(), evt.ID, outcome, r.cacheTTL)
	r.broker.Publish(pubsub.UpdatedEvent, Notice{Event: evt, Outcome: &outcome})
	log.Error(log.CatEvents, "Event failed",
		"eventID", evt.ID, "kind", string(evt.Kind), "retries", evt.Retries, "error", msg)
}

// Result returns the cached outcome for a processed event id.
func (r *Router) Result(eventID string) (Outcome, bool) {
	return r.cache.Get(context.Background(), eventID)
}

// QueueDepth reports how many events sit in one priority queue.
func (r *Router) QueueDepth(p Priority) int {
	return len(r.queues[p])
}

// Stats returns a snapshot of the router counters.
func (r *Router) Stats() Stats {
	return Stats{
		Submitted:    r.submitted.Load(),
		Deduplicated: r.deduplicated.Load(),
		Processed:    r.processed.Load(),
		Failed:       r.failed.Load(),
		Retried:      r.retried.Load(),
		Dropped:      r.dropped.Load(),
	}
}

// Broker returns the pub/sub broker publishing router notices.
func (r *Router) Broker() *pubsub.Broker[Notice] {
	return r.broker
}

// derivePriority classifies an event on submission. Imminent or urgent new
// meetings are critical, user feedback is high, updates and detected
// patterns are medium, everything else is low.
func derivePriority(kind Kind, payload map[string]any, now time.Time) Priority {
	switch kind {
	case KindMeetingNew:
		if start, ok := payloadTime(payload, "start"); ok && start.Sub(now) <= time.Hour {
			return PriorityCritical
		}
		if title, _ := payload["title"].(string); strings.Contains(strings.ToLower(title), "urgent") {
			return PriorityCritical
		}
		return PriorityLow
	case KindUserFeedback:
		return PriorityHigh
	case KindMeetingUpdated, KindPatternDetected:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

func payloadTime(payload map[string]any, key string) (time.Time, bool) {
	switch v := payload[key].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	default:
		return time.Time{}, false
	}
}
