package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jfelden/adjutant/internal/cachemanager"
	"github.com/jfelden/adjutant/internal/calendar"
	"github.com/jfelden/adjutant/internal/config"
	"github.com/jfelden/adjutant/internal/events"
	"github.com/jfelden/adjutant/internal/log"
	"github.com/jfelden/adjutant/internal/memory"
	"github.com/jfelden/adjutant/internal/runtime/bus"
	"github.com/jfelden/adjutant/internal/runtime/engine"
	"github.com/jfelden/adjutant/internal/runtime/orchestrator"
	"github.com/jfelden/adjutant/internal/runtime/task"
	"github.com/jfelden/adjutant/internal/runtime/worker"
	"github.com/jfelden/adjutant/internal/tracing"
)

// conflictCacheTTL bounds how stale the conflict snapshot served to the
// dashboard and the optimize handler may get before the drop directory is
// re-read.
const conflictCacheTTL = 30 * time.Second

// Runtime bundles the wired subsystems for one running instance. Both the
// headless command and the dashboard build one of these.
type Runtime struct {
	Config   config.Config
	Tracing  *tracing.Provider
	DB       *memory.DB
	Store    *memory.Store
	Bus      *bus.Bus
	Engine   *engine.Engine
	Orch     *orchestrator.Orchestrator
	Router   *events.Router
	Calendar *calendar.Engine
	Watcher  *calendar.Watcher

	conflictCache *cachemanager.InMemoryCacheManager[string, []calendar.Conflict]
	conflictView  *cachemanager.ReadThroughCache[string, []calendar.Conflict, string]
}

// buildRuntime wires the full runtime from configuration: tracing, memory
// store, message bus, execution engine, orchestrator with the default worker
// set, event router, and the calendar watcher. Everything is started before
// the call returns.
func buildRuntime(cfg config.Config) (*Runtime, error) {
	provider, err := tracing.NewProvider(tracingConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	db, err := memory.NewDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening memory database: %w", err)
	}
	store := memory.NewStore(db)

	msgBus := bus.New(
		bus.WithResponseTimeout(cfg.Runtime.MessageResponseTimeout()),
		bus.WithRecorder(store),
	)

	eng := engine.New(cfg.Runtime.MaxConcurrentWorkers, engine.WithTracer(provider.Tracer()))

	orch := orchestrator.New(eng, msgBus, store, orchestrator.Options{
		QueueCapacity:       cfg.Runtime.TaskQueueCapacity,
		WorkerCap:           cfg.Runtime.WorkerConcurrentCap,
		DependencyBackoff:   cfg.Runtime.DependencyBackoff(),
		UnassignableBackoff: cfg.Runtime.UnassignableBackoff(),
		MaxTaskRetries:      cfg.Runtime.MaxTaskRetries,
		FailureRecovery:     cfg.Runtime.FailureRecovery,
		TaskTimeout:         cfg.Runtime.TaskTimeout(),
		ProactiveMode:       cfg.Runtime.ProactiveMode,
		ProactiveHour:       cfg.Runtime.ProactiveHour,
		RetentionAge:        cfg.Memory.RetentionAge(),
	})
	for _, w := range worker.NewDefaultSet() {
		if err := orch.Register(w); err != nil {
			db.Close()
			return nil, fmt.Errorf("registering worker: %w", err)
		}
	}

	calEngine := calendar.NewEngine(
		calendar.WithFocusBlocks(focusBlocks(cfg.FocusBlocks)),
		calendar.WithTracer(provider.Tracer()),
	)

	router := events.NewRouter(
		events.WithRetryLimit(cfg.Events.EventRetryLimit),
		events.WithCacheTTL(cfg.Events.CacheTTL()),
	)
	rt := &Runtime{
		Config:   cfg,
		Tracing:  provider,
		DB:       db,
		Store:    store,
		Bus:      msgBus,
		Engine:   eng,
		Orch:     orch,
		Router:   router,
		Calendar: calEngine,
	}
	if cfg.Calendar.WatchDir != "" {
		rt.conflictCache = cachemanager.NewInMemoryCacheManager[string, []calendar.Conflict](
			"conflict_snapshots", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval)
		rt.conflictView = cachemanager.NewReadThroughCache(rt.conflictCache,
			func(_ context.Context, dir string) ([]calendar.Conflict, error) {
				meetings, err := calendar.LoadDir(dir)
				if err != nil {
					return nil, err
				}
				return calEngine.Analyze(meetings), nil
			}, false)
	}
	rt.registerEventHandlers()

	msgBus.Start()
	orch.Start()
	router.Start()

	if cfg.Calendar.WatchDir != "" {
		if err := rt.startWatcher(cfg.Calendar.WatchDir); err != nil {
			log.ErrorErr(log.CatWatcher, "Calendar watcher unavailable", err, "dir", cfg.Calendar.WatchDir)
		}
	}

	return rt, nil
}

// CurrentConflicts reports the conflicts in the latest calendar snapshot,
// worst first. Served from the snapshot cache; when the cached copy has
// expired the drop directory is re-read through the calendar engine. Returns
// nil when no watch directory is configured.
func (rt *Runtime) CurrentConflicts(ctx context.Context) ([]calendar.Conflict, error) {
	if rt.conflictView == nil {
		return nil, nil
	}
	dir := rt.Config.Calendar.WatchDir
	return rt.conflictView.Get(ctx, dir, dir, conflictCacheTTL)
}

// Shutdown stops the subsystems in reverse dependency order: watcher first so
// no new events arrive, then router and orchestrator, finally tracing and the
// database.
func (rt *Runtime) Shutdown() {
	if rt.Watcher != nil {
		if err := rt.Watcher.Stop(); err != nil {
			log.ErrorErr(log.CatWatcher, "Error stopping calendar watcher", err)
		}
	}
	rt.Router.Shutdown()
	rt.Orch.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Tracing.Shutdown(ctx); err != nil {
		log.ErrorErr(log.CatConfig, "Error shutting down tracing", err)
	}
	if err := rt.DB.Close(); err != nil {
		log.ErrorErr(log.CatDB, "Error closing memory database", err)
	}
}

func tracingConfig(cfg config.Config) tracing.Config {
	tc := tracing.DefaultConfig()
	tc.Enabled = cfg.Tracing.Enabled
	if cfg.Tracing.Exporter != "" {
		tc.Exporter = cfg.Tracing.Exporter
	}
	tc.FilePath = cfg.Tracing.FilePath
	if tc.FilePath == "" {
		tc.FilePath = config.DefaultTracesFilePath()
	}
	if cfg.Tracing.OTLPEndpoint != "" {
		tc.OTLPEndpoint = cfg.Tracing.OTLPEndpoint
	}
	if cfg.Tracing.SampleRate > 0 {
		tc.SampleRate = cfg.Tracing.SampleRate
	}
	return tc
}

func focusBlocks(blocks []config.FocusBlockConfig) []calendar.FocusBlock {
	out := make([]calendar.FocusBlock, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, calendar.FocusBlock{StartHour: b.StartHour, EndHour: b.EndHour})
	}
	return out
}

// registerEventHandlers binds each event kind to the task it spawns. Handlers
// return the spawned task id so the outcome cache can answer status queries.
func (rt *Runtime) registerEventHandlers() {
	rt.Router.Register(events.KindMeetingNew, func(_ context.Context, evt *events.Event) (any, error) {
		title, _ := evt.Payload["title"].(string)
		id, err := rt.Orch.Submit("prepare_meeting", "Prepare for: "+title,
			evt.Payload, task.PriorityHigh, "", nil)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task_id": id}, nil
	})

	rt.Router.Register(events.KindMeetingUpdated, func(_ context.Context, evt *events.Event) (any, error) {
		title, _ := evt.Payload["title"].(string)
		id, err := rt.Orch.Submit("prepare_meeting", "Refresh preparation for: "+title,
			evt.Payload, task.PriorityMedium, "", nil)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task_id": id}, nil
	})

	rt.Router.Register(events.KindMeetingCancelled, func(_ context.Context, evt *events.Event) (any, error) {
		title, _ := evt.Payload["title"].(string)
		id, err := rt.Orch.Submit("send_notification", "Meeting cancelled: "+title,
			evt.Payload, task.PriorityLow, "", nil)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task_id": id}, nil
	})

	rt.Router.Register(events.KindOptimizeTrigger, func(ctx context.Context, evt *events.Event) (any, error) {
		params := evt.Payload
		if params == nil {
			params = map[string]any{}
		}
		priority := task.PriorityMedium
		if conflicts, err := rt.CurrentConflicts(ctx); err == nil && len(conflicts) > 0 {
			params["conflict_count"] = len(conflicts)
			// Conflicts come back worst first, so one critical at the head
			// is enough to escalate.
			if conflicts[0].Severity == calendar.SeverityCritical {
				priority = task.PriorityHigh
			}
		}
		id, err := rt.Orch.Submit("optimize_schedule", "Optimize schedule",
			params, priority, "", nil)
		if err != nil {
			return nil, err
		}
		return map[string]any{"task_id": id}, nil
	})

	rt.Router.Register(events.KindUserFeedback, func(_ context.Context, evt *events.Event) (any, error) {
		workerName, _ := evt.Payload["worker"].(string)
		feedback, _ := evt.Payload["feedback"].(map[string]any)
		if workerName == "" || len(feedback) == 0 {
			return nil, fmt.Errorf("feedback requires worker and a feedback map")
		}
		taskID, _ := evt.Payload["task_id"].(string)
		if err := rt.Orch.Feedback(workerName, taskID, feedback); err != nil {
			return nil, err
		}
		return map[string]any{"recorded": true, "keys": len(feedback)}, nil
	})

	rt.Router.Register(events.KindPatternDetected, func(_ context.Context, evt *events.Event) (any, error) {
		if err := rt.Store.PutContext("schedule_optimizer", "pattern",
			evt.Payload, rt.Config.Memory.ContextTTL()); err != nil {
			return nil, err
		}
		return map[string]any{"recorded": true}, nil
	})
}

// startWatcher begins monitoring the calendar drop directory and funnels each
// snapshot through conflict analysis into the event router.
func (rt *Runtime) startWatcher(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating watch directory: %w", err)
	}
	w, err := calendar.NewWatcher(calendar.DefaultWatcherConfig(dir))
	if err != nil {
		return err
	}
	updates, err := w.Start()
	if err != nil {
		return err
	}
	rt.Watcher = w

	log.SafeGo("calendar-ingest", func() {
		for meetings := range updates {
			rt.ingestMeetings(meetings)
		}
	})
	return nil
}

func (rt *Runtime) ingestMeetings(meetings []*calendar.Meeting) {
	conflicts := rt.Calendar.Analyze(meetings)
	log.Info(log.CatWatcher, "Calendar snapshot ingested",
		"meetings", len(meetings), "conflicts", len(conflicts))

	// Seed the snapshot cache so conflict reads skip the directory scan.
	if rt.conflictCache != nil {
		rt.conflictCache.Set(context.Background(),
			rt.Config.Calendar.WatchDir, conflicts, conflictCacheTTL)
	}

	if _, err := rt.Router.Submit("calendar", events.KindOptimizeTrigger, map[string]any{
		"meeting_count":  len(meetings),
		"conflict_count": len(conflicts),
	}); err != nil {
		log.ErrorErr(log.CatWatcher, "Optimize trigger rejected", err)
	}

	// Kick off preparation for anything starting inside the next day.
	horizon := time.Now().Add(24 * time.Hour)
	for _, m := range meetings {
		if m.Status == calendar.MeetingCancelled || m.Start.After(horizon) || m.Start.Before(time.Now()) {
			continue
		}
		if _, err := rt.Router.Submit("calendar", events.KindMeetingNew, map[string]any{
			"meeting_id": m.ID,
			"title":      m.Title,
			"start":      m.Start.Format(time.RFC3339),
		}); err != nil {
			log.ErrorErr(log.CatWatcher, "Meeting event rejected", err, "meeting", m.ID)
		}
	}
}
