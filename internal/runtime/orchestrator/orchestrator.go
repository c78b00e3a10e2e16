// Package orchestrator owns worker registration, task admission, routing,
// dependency gating, follow-up synthesis, and the background loops that keep
// the runtime healthy.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jfelden/adjutant/internal/log"
	"github.com/jfelden/adjutant/internal/memory"
	"github.com/jfelden/adjutant/internal/pubsub"
	"github.com/jfelden/adjutant/internal/runtime/bus"
	"github.com/jfelden/adjutant/internal/runtime/engine"
	"github.com/jfelden/adjutant/internal/runtime/task"
	"github.com/jfelden/adjutant/internal/runtime/taskqueue"
	"github.com/jfelden/adjutant/internal/runtime/worker"
)

var (
	// ErrQueueFull is returned when task admission is refused at capacity.
	ErrQueueFull = errors.New("task queue full")
	// ErrUnknownDependency is returned when a dependency names a task id
	// that was never submitted.
	ErrUnknownDependency = errors.New("dependency references unknown task")
	// ErrUnknownWorker is returned when a worker hint names no registered worker.
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrDuplicateWorker is returned when registering a name twice.
	ErrDuplicateWorker = errors.New("worker name already registered")
	// ErrShuttingDown is returned for submissions after shutdown began.
	ErrShuttingDown = errors.New("orchestrator shutting down")
)

// Options tunes the orchestrator. Zero values fall back to defaults.
type Options struct {
	QueueCapacity       int
	WorkerCap           int
	DependencyBackoff   time.Duration
	UnassignableBackoff time.Duration
	MaxTaskRetries      int
	FailureRecovery     bool
	TaskTimeout         time.Duration
	PollInterval        time.Duration

	ProactiveMode bool
	ProactiveHour int

	RetentionAge  time.Duration
	PurgeInterval time.Duration
	HealthEvery   time.Duration
}

// DefaultOptions mirrors the documented configuration defaults.
func DefaultOptions() Options {
	return Options{
		QueueCapacity:       taskqueue.DefaultCapacity,
		WorkerCap:           3,
		DependencyBackoff:   5 * time.Second,
		UnassignableBackoff: 10 * time.Second,
		MaxTaskRetries:      3,
		FailureRecovery:     true,
		TaskTimeout:         60 * time.Second,
		PollInterval:        25 * time.Millisecond,
		ProactiveMode:       false,
		ProactiveHour:       8,
		RetentionAge:        30 * 24 * time.Hour,
		PurgeInterval:       time.Hour,
		HealthEvery:         30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = def.QueueCapacity
	}
	if o.WorkerCap <= 0 {
		o.WorkerCap = def.WorkerCap
	}
	if o.DependencyBackoff <= 0 {
		o.DependencyBackoff = def.DependencyBackoff
	}
	if o.UnassignableBackoff <= 0 {
		o.UnassignableBackoff = def.UnassignableBackoff
	}
	if o.MaxTaskRetries <= 0 {
		o.MaxTaskRetries = def.MaxTaskRetries
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = def.TaskTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.ProactiveHour <= 0 {
		o.ProactiveHour = def.ProactiveHour
	}
	if o.RetentionAge <= 0 {
		o.RetentionAge = def.RetentionAge
	}
	if o.PurgeInterval <= 0 {
		o.PurgeInterval = def.PurgeInterval
	}
	if o.HealthEvery <= 0 {
		o.HealthEvery = def.HealthEvery
	}
	return o
}

// EventKind tags orchestrator lifecycle notices on the broker.
type EventKind string

const (
	EventSubmitted EventKind = "submitted"
	EventAssigned  EventKind = "assigned"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventRetried   EventKind = "retried"
	EventCancelled EventKind = "cancelled"
)

// Event is published on the orchestrator broker for observability.
type Event struct {
	Kind   EventKind
	TaskID string
	Worker string
	Detail any
}

const completionWindowSize = 256

// Metrics is a snapshot of system-level orchestrator counters.
type Metrics struct {
	QueueDepth        int
	Completed         uint64
	Succeeded         uint64
	Failed            uint64
	Blocked           uint64
	AvgCompletionTime time.Duration
	Distribution      map[string]uint64
	Utilization       map[string]float64
}

// Orchestrator wires the queue, engine, bus, and store together and runs the
// scheduling loop.
type Orchestrator struct {
	opts   Options
	queue  *taskqueue.Queue
	engine *engine.Engine
	bus    *bus.Bus
	store  *memory.Store
	broker *pubsub.Broker[Event]

	mu         sync.Mutex
	workers    map[string]worker.Worker
	workloads  map[string]int
	submitted  map[string]struct{}
	succeeded  map[string]struct{}
	failedDeps map[string]struct{}
	cancelled  map[string]struct{}
	hints      map[string]string
	excluded   map[string]string
	retries    map[string]int

	completed    uint64
	succeededCnt uint64
	failedCnt    uint64
	blocked      uint64
	distribution map[string]uint64
	durations    []time.Duration
	durIdx       int

	started  bool
	stopping bool
	done     chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New builds an orchestrator over an engine, bus, and store.
func New(eng *engine.Engine, b *bus.Bus, store *memory.Store, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		opts:         opts,
		queue:        taskqueue.New(opts.QueueCapacity),
		engine:       eng,
		bus:          b,
		store:        store,
		broker:       pubsub.NewBroker[Event](),
		workers:      make(map[string]worker.Worker),
		workloads:    make(map[string]int),
		submitted:    make(map[string]struct{}),
		succeeded:    make(map[string]struct{}),
		failedDeps:   make(map[string]struct{}),
		cancelled:    make(map[string]struct{}),
		hints:        make(map[string]string),
		excluded:     make(map[string]string),
		retries:      make(map[string]int),
		distribution: make(map[string]uint64),
		durations:    make([]time.Duration, 0, completionWindowSize),
		done:         make(chan struct{}),
	}
}

// Register adds a worker: lifecycle callbacks are wired into the broker, the
// memory store is initialized for it, and it is registered on the bus when it
// speaks the bus handler contract.
func (o *Orchestrator) Register(w worker.Worker) error {
	o.mu.Lock()
	if _, dup := o.workers[w.Name()]; dup {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateWorker, w.Name())
	}
	o.workers[w.Name()] = w
	o.workloads[w.Name()] = 0
	o.mu.Unlock()

	w.RegisterCallback(worker.OnStatusChange, func(name string, detail any) {
		o.broker.Publish(pubsub.UpdatedEvent, Event{Kind: EventKind("worker_status"), Worker: name, Detail: detail})
	})

	if o.store != nil {
		if err := o.store.Init(w.Name()); err != nil {
			return fmt.Errorf("initializing memory for %s: %w", w.Name(), err)
		}
		if s, ok := w.(interface{ SetPreferenceSink(worker.PreferenceSink) }); ok {
			s.SetPreferenceSink(o.store)
		}
	}
	if o.bus != nil {
		if h, ok := w.(bus.Handler); ok {
			o.bus.Register(w.Name(), h)
		}
	}
	log.Info(log.CatOrch, "Worker registered", "worker", w.Name(), "status", string(w.Status()))
	return nil
}

// Submit validates and admits a task, returning its id. Dependencies must
// name previously submitted tasks, which also rules out cycles. A non-empty
// workerHint pins the task to that worker, bypassing best-fit routing.
func (o *Orchestrator) Submit(kind, description string, params map[string]any, priority task.Priority, workerHint string, deps []string) (string, error) {
	t := &task.Task{
		ID:          task.NewID(),
		Kind:        kind,
		Description: description,
		Params:      params,
		Priority:    priority,
		DependsOn:   deps,
		CreatedAt:   time.Now(),
	}
	if err := o.SubmitTask(t, workerHint); err != nil {
		return "", err
	}
	return t.ID, nil
}

// SubmitTask admits a pre-built task. Follow-up generation and proactive
// loops reuse this path, so every admission rule applies to them too.
func (o *Orchestrator) SubmitTask(t *task.Task, workerHint string) error {
	if !t.Priority.IsValid() {
		t.Priority = task.PriorityMedium
	}
	if t.ID == "" {
		t.ID = task.NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	o.mu.Lock()
	if o.stopping {
		o.mu.Unlock()
		return ErrShuttingDown
	}
	for _, dep := range t.DependsOn {
		if _, ok := o.submitted[dep]; !ok {
			o.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownDependency, dep)
		}
	}
	if workerHint != "" {
		if _, ok := o.workers[workerHint]; !ok {
			o.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownWorker, workerHint)
		}
		o.hints[t.ID] = workerHint
	}
	o.submitted[t.ID] = struct{}{}
	o.mu.Unlock()

	if !o.queue.Enqueue(t, nil) {
		o.mu.Lock()
		delete(o.submitted, t.ID)
		delete(o.hints, t.ID)
		o.mu.Unlock()
		log.Warn(log.CatOrch, "Task dropped, queue full", "taskID", t.ID, "kind", t.Kind)
		return fmt.Errorf("%w: %s", ErrQueueFull, t.ID)
	}

	o.broker.Publish(pubsub.CreatedEvent, Event{Kind: EventSubmitted, TaskID: t.ID, Detail: t.Kind})
	log.Debug(log.CatOrch, "Task submitted",
		"taskID", t.ID, "kind", t.Kind, "priority", t.Priority.String(), "deps", len(t.DependsOn))
	return nil
}

// Cancel removes a task from the queue or aborts it in flight. Cancelled
// tasks are never rescheduled, which is the only way out for dependents of a
// permanently failed task.
func (o *Orchestrator) Cancel(taskID string) bool {
	o.mu.Lock()
	o.cancelled[taskID] = struct{}{}
	o.mu.Unlock()

	removed := o.queue.Remove(taskID) == nil
	aborted := o.engine.Cancel(taskID)
	if removed || aborted {
		o.broker.Publish(pubsub.DeletedEvent, Event{Kind: EventCancelled, TaskID: taskID})
		log.Info(log.CatOrch, "Task cancelled", "taskID", taskID, "inFlight", aborted)
	}
	return removed || aborted
}

// Feedback routes user feedback on a finished task to the worker that owns
// it and tags the persisted result so history reads carry it. A feedback
// arriving before any result was persisted still updates the worker's
// preferences; the tag is skipped with a warning.
func (o *Orchestrator) Feedback(workerName, taskID string, feedback map[string]any) error {
	o.mu.Lock()
	w, ok := o.workers[workerName]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerName)
	}

	w.LearnFromFeedback(taskID, feedback)

	if o.store != nil && taskID != "" {
		if err := o.store.TagResult(taskID, feedback); err != nil {
			if errors.Is(err, memory.ErrNotFound) {
				log.Warn(log.CatOrch, "Feedback for unrecorded task, tag skipped",
					"taskID", taskID, "worker", workerName)
				return nil
			}
			return err
		}
	}
	log.Info(log.CatOrch, "Feedback applied", "taskID", taskID, "worker", workerName, "keys", len(feedback))
	return nil
}

// Start launches the scheduling loop and the background maintenance loops.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	o.spawn("orchestrator.schedule", func() { o.scheduleLoop(ctx) })
	o.spawn("orchestrator.health", func() { o.healthLoop() })
	o.spawn("orchestrator.purge", func() { o.purgeLoop() })
	if o.opts.ProactiveMode {
		o.spawn("orchestrator.proactive", func() { o.proactiveLoop() })
	}
	log.Info(log.CatOrch, "Orchestrator started",
		"workers", len(o.workers), "proactive", o.opts.ProactiveMode)
}

func (o *Orchestrator) spawn(name string, fn func()) {
	o.wg.Add(1)
	log.SafeGo(name, func() {
		defer o.wg.Done()
		fn()
	})
}

// Shutdown stops admission, cancels the loops, waits for in-flight work to
// drain briefly, shuts the bus down, and checkpoints the store. Tasks still
// queued are abandoned with a log entry; no result is persisted for them.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if o.stopping {
		o.mu.Unlock()
		return
	}
	o.stopping = true
	o.mu.Unlock()

	close(o.done)
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()

	if abandoned := o.queue.Len(); abandoned > 0 {
		log.Warn(log.CatOrch, "Abandoning queued tasks on shutdown", "count", abandoned)
	}
	if o.bus != nil {
		o.bus.Shutdown()
	}
	if o.store != nil {
		if err := o.store.SaveAll(); err != nil {
			log.ErrorErr(log.CatOrch, "Final store checkpoint failed", err)
		}
	}
	o.broker.Close()
	log.Info(log.CatOrch, "Orchestrator stopped")
}

// Broker returns the pub/sub broker publishing orchestrator events.
func (o *Orchestrator) Broker() *pubsub.Broker[Event] {
	return o.broker
}

// Queue exposes the underlying task queue for stats and tests.
func (o *Orchestrator) Queue() *taskqueue.Queue {
	return o.queue
}

// Workers returns the registered worker set keyed by name.
func (o *Orchestrator) Workers() map[string]worker.Worker {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]worker.Worker, len(o.workers))
	for name, w := range o.workers {
		out[name] = w
	}
	return out
}

// Metrics returns a snapshot of the system counters.
func (o *Orchestrator) Metrics() Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()

	dist := make(map[string]uint64, len(o.distribution))
	for k, v := range o.distribution {
		dist[k] = v
	}
	util := make(map[string]float64, len(o.workers))
	for name := range o.workers {
		util[name] = float64(o.workloads[name]) / float64(o.opts.WorkerCap)
	}
	var avg time.Duration
	if len(o.durations) > 0 {
		var sum time.Duration
		for _, d := range o.durations {
			sum += d
		}
		avg = sum / time.Duration(len(o.durations))
	}
	return Metrics{
		QueueDepth:        o.queue.Len(),
		Completed:         o.completed,
		Succeeded:         o.succeededCnt,
		Failed:            o.failedCnt,
		Blocked:           o.blocked,
		AvgCompletionTime: avg,
		Distribution:      dist,
		Utilization:       util,
	}
}
