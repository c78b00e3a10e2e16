package orchestrator

import (
	"context"
	"time"

	"github.com/jfelden/adjutant/internal/log"
	"github.com/jfelden/adjutant/internal/pubsub"
	"github.com/jfelden/adjutant/internal/runtime/task"
	"github.com/jfelden/adjutant/internal/runtime/worker"
)

// scheduleLoop drains the queue: dependency-gated tasks and tasks with no
// suitable worker go back on the queue after a back-off, everything else is
// assigned and launched through the engine.
func (o *Orchestrator) scheduleLoop(ctx context.Context) {
	for {
		select {
		case <-o.done:
			return
		default:
		}

		t, ok := o.queue.Dequeue()
		if !ok {
			select {
			case <-o.done:
				return
			case <-time.After(o.opts.PollInterval):
			}
			continue
		}

		if o.isCancelled(t.ID) {
			log.Debug(log.CatOrch, "Skipping cancelled task", "taskID", t.ID)
			continue
		}

		if ok, failedDep := o.depsSatisfied(t); !ok {
			o.mu.Lock()
			o.blocked++
			o.mu.Unlock()
			if failedDep != "" {
				log.Debug(log.CatOrch, "Dependency failed permanently, task waits for cancel",
					"taskID", t.ID, "dep", failedDep)
			} else {
				log.Debug(log.CatOrch, "Dependencies unsatisfied, backing off",
					"taskID", t.ID, "deps", len(t.DependsOn))
			}
			o.requeueAfter(t, o.opts.DependencyBackoff)
			continue
		}

		w := o.pickWorker(t)
		if w == nil {
			log.Debug(log.CatOrch, "No suitable worker, backing off",
				"taskID", t.ID, "kind", t.Kind)
			o.requeueAfter(t, o.opts.UnassignableBackoff)
			continue
		}

		o.assign(ctx, w, t)
	}
}

func (o *Orchestrator) isCancelled(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.cancelled[taskID]
	return ok
}

// depsSatisfied reports whether every dependency has completed with success.
// A dependency that failed permanently never satisfies; the dependent stays
// queued until cancelled, and the failed dep id is returned so the log can
// say why the task is stuck.
func (o *Orchestrator) depsSatisfied(t *task.Task) (bool, string) {
	if len(t.DependsOn) == 0 {
		return true, ""
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, dep := range t.DependsOn {
		if _, ok := o.succeeded[dep]; ok {
			continue
		}
		if _, failed := o.failedDeps[dep]; failed {
			return false, dep
		}
		return false, ""
	}
	return true, ""
}

// requeueAfter puts a task back on the queue once the back-off elapses. If
// the runtime stops first the task is abandoned with a log entry. The timer
// is deliberately not joined on shutdown so back-offs never stall it.
func (o *Orchestrator) requeueAfter(t *task.Task, delay time.Duration) {
	time.AfterFunc(delay, func() {
		select {
		case <-o.done:
			log.Warn(log.CatOrch, "Abandoning task on shutdown", "taskID", t.ID)
			return
		default:
		}
		if !o.queue.Enqueue(t, nil) {
			log.Error(log.CatOrch, "Re-enqueue failed, queue full", "taskID", t.ID)
		}
	})
}

// pickWorker selects the best-fit worker for a task: the hinted worker when
// one was pinned at submission, otherwise the capable, non-errored worker
// with the lowest workload under the per-worker cap, tie-broken by closest
// configured priority. The worker that just failed the task is avoided so a
// retry lands elsewhere whenever an alternative exists.
func (o *Orchestrator) pickWorker(t *task.Task) worker.Worker {
	o.mu.Lock()
	defer o.mu.Unlock()

	if hint, ok := o.hints[t.ID]; ok {
		w := o.workers[hint]
		if w != nil && w.Status() != worker.StatusError && o.workloads[hint] < o.opts.WorkerCap {
			return w
		}
		return nil
	}

	excluded := o.excluded[t.ID]
	if best := o.bestCandidateLocked(t, excluded); best != nil {
		return best
	}
	if excluded != "" {
		return o.bestCandidateLocked(t, "")
	}
	return nil
}

func (o *Orchestrator) bestCandidateLocked(t *task.Task, excluded string) worker.Worker {
	var best worker.Worker
	bestLoad := 0
	bestDist := 0
	for name, w := range o.workers {
		if name == excluded {
			continue
		}
		if w.Status() == worker.StatusError {
			continue
		}
		if !worker.CanHandle(w.Capabilities(), t.Kind) {
			continue
		}
		load := o.workloads[name]
		if load >= o.opts.WorkerCap {
			continue
		}
		dist := priorityDistance(w, t.Priority)
		if best == nil || load < bestLoad || (load == bestLoad && dist < bestDist) {
			best, bestLoad, bestDist = w, load, dist
		}
	}
	return best
}

func priorityDistance(w worker.Worker, p task.Priority) int {
	configured := task.PriorityMedium
	if cp, ok := w.(interface{ ConfiguredPriority() task.Priority }); ok {
		configured = cp.ConfiguredPriority()
	}
	d := int(configured) - int(p)
	if d < 0 {
		d = -d
	}
	return d
}

// assign increments the worker's workload and launches the execution through
// the engine on its own goroutine.
func (o *Orchestrator) assign(ctx context.Context, w worker.Worker, t *task.Task) {
	o.mu.Lock()
	o.workloads[w.Name()]++
	o.mu.Unlock()

	o.broker.Publish(pubsub.UpdatedEvent, Event{Kind: EventAssigned, TaskID: t.ID, Worker: w.Name()})
	log.Debug(log.CatOrch, "Task assigned", "taskID", t.ID, "worker", w.Name())

	o.wg.Add(1)
	log.SafeGo("orchestrator.execute", func() {
		defer o.wg.Done()
		timeout := o.taskTimeout(t)
		result, err := o.engine.Execute(ctx, w, t, timeout)

		o.mu.Lock()
		o.workloads[w.Name()]--
		o.mu.Unlock()

		if err != nil {
			// Engine errors only surface when the runtime is stopping
			// before a permit was acquired.
			log.Warn(log.CatOrch, "Task abandoned before execution",
				"taskID", t.ID, "worker", w.Name(), "error", err)
			return
		}
		o.handleResult(w, t, result)
	})
}

func (o *Orchestrator) taskTimeout(t *task.Task) time.Duration {
	timeout := o.opts.TaskTimeout
	if t.Deadline != nil {
		if until := time.Until(*t.Deadline); until > 0 && until < timeout {
			timeout = until
		}
	}
	return timeout
}

// handleResult persists the terminal outcome, updates system metrics, marks
// success for dependency resolution, synthesizes follow-up tasks, and drives
// failure recovery.
func (o *Orchestrator) handleResult(w worker.Worker, t *task.Task, r *task.Result) {
	if r.Succeeded() {
		o.mu.Lock()
		o.succeeded[t.ID] = struct{}{}
		delete(o.excluded, t.ID)
		delete(o.retries, t.ID)
		o.recordCompletionLocked(w.Name(), r, true)
		o.mu.Unlock()

		o.persist(w.Name(), t, r)
		o.broker.Publish(pubsub.UpdatedEvent, Event{Kind: EventCompleted, TaskID: t.ID, Worker: w.Name()})
		o.generateFollowUps(w, t, r)
		return
	}

	if o.opts.FailureRecovery && !o.isCancelled(t.ID) {
		o.mu.Lock()
		attempts := o.retries[t.ID]
		if attempts < o.opts.MaxTaskRetries {
			o.retries[t.ID] = attempts + 1
			o.excluded[t.ID] = w.Name()
			o.mu.Unlock()

			o.broker.Publish(pubsub.UpdatedEvent, Event{Kind: EventRetried, TaskID: t.ID, Worker: w.Name()})
			log.Warn(log.CatOrch, "Task failed, requeueing",
				"taskID", t.ID, "worker", w.Name(), "attempt", attempts+1, "status", string(r.Status))
			o.requeueAfter(t, o.opts.DependencyBackoff)
			return
		}
		o.mu.Unlock()
	}

	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	if o.opts.FailureRecovery {
		r.Metadata["retries_exhausted"] = true
	}

	o.mu.Lock()
	o.failedDeps[t.ID] = struct{}{}
	o.recordCompletionLocked(w.Name(), r, false)
	o.mu.Unlock()

	o.persist(w.Name(), t, r)
	o.broker.Publish(pubsub.UpdatedEvent, Event{Kind: EventFailed, TaskID: t.ID, Worker: w.Name(), Detail: r.Error})
	log.Error(log.CatOrch, "Task failed permanently",
		"taskID", t.ID, "worker", w.Name(), "status", string(r.Status), "error", r.Error)
}

func (o *Orchestrator) recordCompletionLocked(workerName string, r *task.Result, success bool) {
	o.completed++
	if success {
		o.succeededCnt++
	} else {
		o.failedCnt++
	}
	o.distribution[workerName]++
	if len(o.durations) < completionWindowSize {
		o.durations = append(o.durations, r.Duration)
	} else {
		o.durations[o.durIdx] = r.Duration
		o.durIdx = (o.durIdx + 1) % completionWindowSize
	}
}

func (o *Orchestrator) persist(workerName string, t *task.Task, r *task.Result) {
	if o.store == nil {
		return
	}
	if err := o.store.RecordResult(workerName, t.Kind, r); err != nil {
		log.ErrorErr(log.CatOrch, "Persisting task result failed", err, "taskID", t.ID)
	}
}

// generateFollowUps submits tasks a worker derives from its result. They go
// through the normal admission path, so queue capacity and dependency rules
// apply.
func (o *Orchestrator) generateFollowUps(w worker.Worker, t *task.Task, r *task.Result) {
	fg, ok := w.(worker.FollowUpGenerator)
	if !ok {
		return
	}
	for _, follow := range fg.FollowUps(t, r) {
		if follow == nil {
			continue
		}
		if err := o.SubmitTask(follow, ""); err != nil {
			log.Warn(log.CatOrch, "Follow-up submission failed",
				"parent", t.ID, "kind", follow.Kind, "error", err)
			continue
		}
		log.Debug(log.CatOrch, "Follow-up submitted",
			"parent", t.ID, "taskID", follow.ID, "kind", follow.Kind)
	}
}
