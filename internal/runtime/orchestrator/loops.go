package orchestrator

import (
	"time"

	"github.com/jfelden/adjutant/internal/log"
	"github.com/jfelden/adjutant/internal/runtime/task"
	"github.com/jfelden/adjutant/internal/runtime/worker"
)

// healthLoop periodically resets workers stuck in the error state and logs a
// metrics snapshot.
func (o *Orchestrator) healthLoop() {
	ticker := time.NewTicker(o.opts.HealthEvery)
	defer ticker.Stop()

	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			o.checkWorkerHealth()
		}
	}
}

func (o *Orchestrator) checkWorkerHealth() {
	o.mu.Lock()
	workers := make([]worker.Worker, 0, len(o.workers))
	for _, w := range o.workers {
		workers = append(workers, w)
	}
	o.mu.Unlock()

	for _, w := range workers {
		if w.Status() == worker.StatusError {
			log.Warn(log.CatOrch, "Resetting worker in error state", "worker", w.Name())
			w.Reset()
		}
	}

	m := o.Metrics()
	log.Debug(log.CatOrch, "Health check",
		"queueDepth", m.QueueDepth, "completed", m.Completed,
		"failed", m.Failed, "engineLoad", o.engine.Load())
}

// purgeLoop enforces the retention policy on the store and the bus history.
func (o *Orchestrator) purgeLoop() {
	ticker := time.NewTicker(o.opts.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			o.purgeOnce()
		}
	}
}

func (o *Orchestrator) purgeOnce() {
	if o.store != nil {
		removed, err := o.store.PurgeOlderThan(o.opts.RetentionAge)
		if err != nil {
			log.ErrorErr(log.CatOrch, "Retention purge failed", err)
		} else if removed > 0 {
			log.Info(log.CatOrch, "Retention purge", "removed", removed)
		}
	}
	if o.bus != nil {
		cutoff := time.Now().Add(-o.opts.RetentionAge)
		if purged := o.bus.PurgeHistoryOlderThan(cutoff); purged > 0 {
			log.Debug(log.CatOrch, "Bus history purged", "purged", purged)
		}
	}
}

// proactiveLoop generates standing tasks on schedule: a morning briefing at
// the configured local hour and a periodic schedule-optimization pass.
func (o *Orchestrator) proactiveLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	var lastBriefing time.Time
	lastOptimize := time.Now()
	for {
		select {
		case <-o.done:
			return
		case now := <-ticker.C:
			if o.briefingDue(now, lastBriefing) {
				lastBriefing = now
				o.submitProactive("morning_briefing", "Prepare today's meetings and priorities", task.PriorityHigh)
			}
			if now.Sub(lastOptimize) >= 4*time.Hour {
				lastOptimize = now
				o.submitProactive("optimize_schedule", "Periodic schedule optimization pass", task.PriorityBackground)
			}
		}
	}
}

func (o *Orchestrator) briefingDue(now, last time.Time) bool {
	if now.Hour() != o.opts.ProactiveHour {
		return false
	}
	return last.IsZero() || now.Format("2006-01-02") != last.Format("2006-01-02")
}

func (o *Orchestrator) submitProactive(kind, description string, p task.Priority) {
	id, err := o.Submit(kind, description, nil, p, "", nil)
	if err != nil {
		log.Warn(log.CatOrch, "Proactive submission failed", "kind", kind, "error", err)
		return
	}
	log.Info(log.CatOrch, "Proactive task generated", "taskID", id, "kind", kind)
}
