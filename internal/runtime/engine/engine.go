// Package engine bounds true parallelism in the runtime. All worker
// executions pass through a single engine holding N permits; permits are
// granted in strict arrival order.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jfelden/adjutant/internal/log"
	"github.com/jfelden/adjutant/internal/runtime/task"
)

const (
	// DefaultMaxConcurrent is the default global concurrency cap.
	DefaultMaxConcurrent = 5
	// capacityWaitCeiling bounds WaitForCapacity.
	capacityWaitCeiling = 60 * time.Second
	// durationWindowSize bounds the execution-duration sample window.
	durationWindowSize = 256
)

// Executor is the slice of a worker the engine depends on.
type Executor interface {
	Name() string
	ExecuteTask(ctx context.Context, t *task.Task) (*task.Result, error)
}

// PreHook runs before a task executes. Failures are logged, never fatal.
type PreHook func(t *task.Task) error

// PostHook runs after a task produced its result.
type PostHook func(t *task.Task, r *task.Result) error

// BatchItem pairs a task with the worker that should run it.
type BatchItem struct {
	Worker  Executor
	Task    *task.Task
	Timeout time.Duration
}

// Metrics is a snapshot of engine counters.
type Metrics struct {
	TotalExecuted uint64
	Succeeded     uint64
	Failed        uint64
	TimedOut      uint64
	Cancelled     uint64
	Running       int
	AvgDuration   time.Duration
}

// Engine enforces the global concurrency cap, time-bounds executions, runs
// hooks, and tracks metrics.
type Engine struct {
	capacity int
	sem      *fifoSemaphore
	tracer   trace.Tracer

	mu       sync.Mutex
	inFlight map[string]inFlight // task ID -> cancel + worker

	hookMu    sync.RWMutex
	preHooks  []PreHook
	postHooks []PostHook

	statsMu       sync.Mutex
	totalExecuted uint64
	succeeded     uint64
	failed        uint64
	timedOut      uint64
	cancelled     uint64
	durWindow     [durationWindowSize]time.Duration
	durCount      int
	durNext       int
}

type inFlight struct {
	cancel context.CancelFunc
	worker string
}

// Option configures the Engine.
type Option func(*Engine)

// WithTracer attaches an OpenTelemetry tracer for execution spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// New creates an engine with the given concurrency cap.
// If maxConcurrent is <= 0, DefaultMaxConcurrent (5) is used.
func New(maxConcurrent int, opts ...Option) *Engine {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	e := &Engine{
		capacity: maxConcurrent,
		sem:      newFIFOSemaphore(maxConcurrent),
		inFlight: make(map[string]inFlight),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddPreHook registers a hook invoked before each execution.
func (e *Engine) AddPreHook(h PreHook) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.preHooks = append(e.preHooks, h)
}

// AddPostHook registers a hook invoked with each terminal result.
func (e *Engine) AddPostHook(h PostHook) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.postHooks = append(e.postHooks, h)
}

// Execute runs a task on a worker under one of the N permits.
// A timeout of zero means no time bound. The returned result always carries
// a terminal status; engine-level failures surface as error results, and the
// error return is reserved for permit acquisition being cancelled.
func (e *Engine) Execute(ctx context.Context, w Executor, t *task.Task, timeout time.Duration) (*task.Result, error) {
	if err := e.sem.acquire(ctx); err != nil {
		return nil, fmt.Errorf("acquiring execution permit: %w", err)
	}
	defer e.sem.release()

	var execCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		execCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	e.mu.Lock()
	e.inFlight[t.ID] = inFlight{cancel: cancel, worker: w.Name()}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inFlight, t.ID)
		e.mu.Unlock()
	}()

	var span trace.Span
	if e.tracer != nil {
		execCtx, span = e.tracer.Start(execCtx, "engine.execute",
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		span.SetAttributes(
			attribute.String("task.id", t.ID),
			attribute.String("task.kind", t.Kind),
			attribute.String("worker.name", w.Name()),
		)
	}

	e.runPreHooks(t)

	start := time.Now()
	result := e.invoke(execCtx, w, t, timeout)
	result.Duration = time.Since(start)
	result.CompletedAt = time.Now()

	if span != nil {
		if result.Status != task.StatusSuccess {
			span.SetStatus(codes.Error, string(result.Status))
		}
		span.End()
	}

	e.recordOutcome(result)
	e.runPostHooks(t, result)

	log.Debug(log.CatEngine, "Execution finished",
		"taskID", t.ID, "worker", w.Name(), "status", string(result.Status), "duration", result.Duration)
	return result, nil
}

// invoke runs the worker call with panic recovery and timeout translation.
func (e *Engine) invoke(ctx context.Context, w Executor, t *task.Task, timeout time.Duration) *task.Result {
	type outcome struct {
		result *task.Result
		err    error
	}
	done := make(chan outcome, 1)

	log.SafeGo("engine.invoke."+t.ID, func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("worker panicked: %v", r)}
			}
		}()
		res, err := w.ExecuteTask(ctx, t)
		done <- outcome{result: res, err: err}
	})

	select {
	case out := <-done:
		if out.err != nil {
			return &task.Result{
				TaskID:     t.ID,
				WorkerName: w.Name(),
				Status:     task.StatusError,
				Error:      out.err.Error(),
			}
		}
		if out.result == nil {
			return &task.Result{
				TaskID:     t.ID,
				WorkerName: w.Name(),
				Status:     task.StatusError,
				Error:      "worker returned no result",
			}
		}
		out.result.TaskID = t.ID
		out.result.WorkerName = w.Name()
		return out.result

	case <-ctx.Done():
		status := task.StatusError
		errMsg := "execution cancelled"
		if timeout > 0 && ctx.Err() == context.DeadlineExceeded {
			status = task.StatusTimeout
			errMsg = fmt.Sprintf("execution exceeded %s", timeout)
		}
		return &task.Result{
			TaskID:     t.ID,
			WorkerName: w.Name(),
			Status:     status,
			Error:      errMsg,
		}
	}
}

// ExecuteBatch runs a set of tasks concurrently, optionally under a
// secondary cap, and returns results in input order. Individual failures
// appear as error results; the batch never aborts.
func (e *Engine) ExecuteBatch(ctx context.Context, items []BatchItem, perBatchCap int) []*task.Result {
	results := make([]*task.Result, len(items))

	var gate chan struct{}
	if perBatchCap > 0 {
		gate = make(chan struct{}, perBatchCap)
	}

	var wg sync.WaitGroup
	for i, it := range items {
		wg.Add(1)
		i, it := i, it
		log.SafeGo(fmt.Sprintf("engine.batch.%d", i), func() {
			defer wg.Done()
			if gate != nil {
				gate <- struct{}{}
				defer func() { <-gate }()
			}
			res, err := e.Execute(ctx, it.Worker, it.Task, it.Timeout)
			if err != nil {
				res = &task.Result{
					TaskID:      it.Task.ID,
					WorkerName:  it.Worker.Name(),
					Status:      task.StatusError,
					Error:       err.Error(),
					CompletedAt: time.Now(),
				}
			}
			results[i] = res
		})
	}
	wg.Wait()
	return results
}

// Cancel aborts an in-flight execution. Returns false if the task is not
// currently executing.
func (e *Engine) Cancel(taskID string) bool {
	e.mu.Lock()
	fl, ok := e.inFlight[taskID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	fl.cancel()
	e.statsMu.Lock()
	e.cancelled++
	e.statsMu.Unlock()
	log.Info(log.CatEngine, "Execution cancelled", "taskID", taskID, "worker", fl.worker)
	return true
}

// Running returns the IDs of currently-executing tasks.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.inFlight))
	for id := range e.inFlight {
		ids = append(ids, id)
	}
	return ids
}

// Load returns the number of permits currently held.
func (e *Engine) Load() int {
	return e.sem.inUse(e.capacity)
}

// Capacity returns the global concurrency cap.
func (e *Engine) Capacity() int {
	return e.capacity
}

// WaitForCapacity blocks until slots permits could be acquired without
// waiting, bounded by a 60-second ceiling. Returns false on timeout or if
// slots exceeds the cap outright.
func (e *Engine) WaitForCapacity(ctx context.Context, slots int) bool {
	if slots > e.capacity {
		return false
	}

	deadline := time.NewTimer(capacityWaitCeiling)
	defer deadline.Stop()
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		if e.Load()+slots <= e.capacity {
			return true
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Metrics {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	m := Metrics{
		TotalExecuted: e.totalExecuted,
		Succeeded:     e.succeeded,
		Failed:        e.failed,
		TimedOut:      e.timedOut,
		Cancelled:     e.cancelled,
		Running:       e.Load(),
	}
	if e.durCount > 0 {
		var sum time.Duration
		for i := 0; i < e.durCount; i++ {
			sum += e.durWindow[i]
		}
		m.AvgDuration = sum / time.Duration(e.durCount)
	}
	return m
}

func (e *Engine) runPreHooks(t *task.Task) {
	e.hookMu.RLock()
	hooks := e.preHooks
	e.hookMu.RUnlock()
	for _, h := range hooks {
		if err := h(t); err != nil {
			log.Warn(log.CatEngine, "Pre-hook failed", "taskID", t.ID, "error", err)
		}
	}
}

func (e *Engine) runPostHooks(t *task.Task, r *task.Result) {
	e.hookMu.RLock()
	hooks := e.postHooks
	e.hookMu.RUnlock()
	for _, h := range hooks {
		if err := h(t, r); err != nil {
			log.Warn(log.CatEngine, "Post-hook failed", "taskID", t.ID, "error", err)
		}
	}
}

func (e *Engine) recordOutcome(r *task.Result) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	e.totalExecuted++
	switch r.Status {
	case task.StatusSuccess:
		e.succeeded++
	case task.StatusTimeout:
		e.timedOut++
	default:
		e.failed++
	}
	e.durWindow[e.durNext] = r.Duration
	e.durNext = (e.durNext + 1) % durationWindowSize
	if e.durCount < durationWindowSize {
		e.durCount++
	}
}
