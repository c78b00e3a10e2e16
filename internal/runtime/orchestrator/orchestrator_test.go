package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jfelden/adjutant/internal/runtime/engine"
	"github.com/jfelden/adjutant/internal/runtime/task"
	"github.com/jfelden/adjutant/internal/runtime/worker"
	"github.com/jfelden/adjutant/internal/testutil"
)

func fastOptions() Options {
	opts := DefaultOptions()
	opts.DependencyBackoff = 10 * time.Millisecond
	opts.UnassignableBackoff = 10 * time.Millisecond
	opts.PollInterval = 5 * time.Millisecond
	return opts
}

// orderRecorder collects execution order across workers.
type orderRecorder struct {
	mu    sync.Mutex
	order []string
}

func (r *orderRecorder) record(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, id)
}

func (r *orderRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func researchWorker(name string, body worker.TaskBody) *worker.Base {
	return worker.NewBase(name, "test research worker",
		[]worker.Capability{worker.CapResearch}, task.PriorityMedium, body)
}

func TestPriorityOrderingAcrossSubmissions(t *testing.T) {
	rec := &orderRecorder{}
	w := researchWorker("researcher", func(_ context.Context, tk *task.Task) (any, error) {
		rec.record(tk.Description)
		return nil, nil
	})

	opts := fastOptions()
	opts.WorkerCap = 1
	o := New(engine.New(1), nil, nil, opts)
	require.NoError(t, o.Register(w))

	// Submit before starting so the scheduler sees all three at once.
	_, err := o.Submit("research_topic", "A", nil, task.PriorityLow, "", nil)
	require.NoError(t, err)
	_, err = o.Submit("research_topic", "B", nil, task.PriorityCritical, "", nil)
	require.NoError(t, err)
	_, err = o.Submit("research_topic", "C", nil, task.PriorityMedium, "", nil)
	require.NoError(t, err)

	o.Start()
	defer o.Shutdown()

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 3
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"B", "C", "A"}, rec.snapshot())
}

func TestDependencyGating(t *testing.T) {
	rec := &orderRecorder{}
	w := researchWorker("researcher", func(_ context.Context, tk *task.Task) (any, error) {
		if tk.Description == "parent" {
			time.Sleep(30 * time.Millisecond)
		}
		rec.record(tk.Description)
		return nil, nil
	})

	o := New(engine.New(1), nil, nil, fastOptions())
	require.NoError(t, o.Register(w))
	o.Start()
	defer o.Shutdown()

	parentID, err := o.Submit("research_topic", "parent", nil, task.PriorityLow, "", nil)
	require.NoError(t, err)
	_, err = o.Submit("research_topic", "child", nil, task.PriorityCritical, "", []string{parentID})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	// The child outranks the parent but must still run second.
	require.Equal(t, []string{"parent", "child"}, rec.snapshot())
}

func TestDependencyOnFailedTaskNeverResolves(t *testing.T) {
	w := researchWorker("researcher", func(_ context.Context, tk *task.Task) (any, error) {
		if tk.Description == "doomed" {
			return nil, errors.New("cannot complete")
		}
		return nil, nil
	})

	opts := fastOptions()
	opts.FailureRecovery = false
	o := New(engine.New(1), nil, nil, opts)
	require.NoError(t, o.Register(w))
	o.Start()
	defer o.Shutdown()

	parentID, err := o.Submit("research_topic", "doomed", nil, task.PriorityHigh, "", nil)
	require.NoError(t, err)
	childID, err := o.Submit("research_topic", "blocked child", nil, task.PriorityHigh, "", []string{parentID})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return o.Metrics().Failed == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The child keeps cycling through dependency back-off.
	require.Eventually(t, func() bool {
		return o.Metrics().Blocked > 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, uint64(1), o.Metrics().Completed)

	// Cancel is the only way out for the dependent.
	o.Cancel(childID)
	require.Eventually(t, func() bool {
		return o.Queue().Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUnknownDependencyRejected(t *testing.T) {
	o := New(engine.New(1), nil, nil, fastOptions())
	_, err := o.Submit("research_topic", "orphan", nil, task.PriorityMedium, "", []string{"task_0000000000000000"})
	require.ErrorIs(t, err, ErrUnknownDependency)
}

func TestUnknownWorkerHintRejected(t *testing.T) {
	o := New(engine.New(1), nil, nil, fastOptions())
	_, err := o.Submit("research_topic", "x", nil, task.PriorityMedium, "ghost", nil)
	require.ErrorIs(t, err, ErrUnknownWorker)
}

func TestDuplicateWorkerRejected(t *testing.T) {
	o := New(engine.New(1), nil, nil, fastOptions())
	require.NoError(t, o.Register(researchWorker("researcher", nil)))
	require.ErrorIs(t, o.Register(researchWorker("researcher", nil)), ErrDuplicateWorker)
}

func TestQueueFullSurfacesToCaller(t *testing.T) {
	opts := fastOptions()
	opts.QueueCapacity = 1
	o := New(engine.New(1), nil, nil, opts)

	_, err := o.Submit("research_topic", "first", nil, task.PriorityMedium, "", nil)
	require.NoError(t, err)
	_, err = o.Submit("research_topic", "second", nil, task.PriorityMedium, "", nil)
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestWorkerHintBypassesRouting(t *testing.T) {
	var mu sync.Mutex
	executedBy := ""
	mkBody := func(name string) worker.TaskBody {
		return func(_ context.Context, _ *task.Task) (any, error) {
			mu.Lock()
			executedBy = name
			mu.Unlock()
			return nil, nil
		}
	}

	o := New(engine.New(2), nil, nil, fastOptions())
	require.NoError(t, o.Register(researchWorker("alpha", mkBody("alpha"))))
	require.NoError(t, o.Register(researchWorker("beta", mkBody("beta"))))
	o.Start()
	defer o.Shutdown()

	_, err := o.Submit("research_topic", "pinned", nil, task.PriorityMedium, "beta", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return executedBy != ""
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "beta", executedBy)
}

func TestConcurrencyCapHolds(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0
	body := func(_ context.Context, _ *task.Task) (any, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(60 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil, nil
	}

	o := New(engine.New(2), nil, nil, fastOptions())
	require.NoError(t, o.Register(researchWorker("alpha", body)))
	require.NoError(t, o.Register(researchWorker("beta", body)))
	o.Start()
	defer o.Shutdown()

	for i := 0; i < 5; i++ {
		_, err := o.Submit("research_topic", "load", nil, task.PriorityMedium, "", nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return o.Metrics().Completed == 5
	}, 10*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, peak, 2, "engine cap bounds true parallelism")
}

func TestFailureRecoveryRetriesOnOtherWorker(t *testing.T) {
	var mu sync.Mutex
	var attempts []string
	flaky := researchWorker("flaky", func(_ context.Context, _ *task.Task) (any, error) {
		mu.Lock()
		attempts = append(attempts, "flaky")
		mu.Unlock()
		return nil, errors.New("transient fault")
	})
	solid := researchWorker("solid", func(_ context.Context, _ *task.Task) (any, error) {
		mu.Lock()
		attempts = append(attempts, "solid")
		mu.Unlock()
		return nil, nil
	})

	o := New(engine.New(2), nil, nil, fastOptions())
	require.NoError(t, o.Register(flaky))
	require.NoError(t, o.Register(solid))
	o.Start()
	defer o.Shutdown()

	_, err := o.Submit("research_topic", "resilient", nil, task.PriorityMedium, "", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return o.Metrics().Succeeded == 1
	}, 10*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(attempts); i++ {
		require.NotEqual(t, attempts[i-1], attempts[i],
			"a retry must not land on the instance that just failed")
	}
	require.Equal(t, "solid", attempts[len(attempts)-1])
}

func TestRetriesExhaustedPersistsSingleResult(t *testing.T) {
	store := testutil.NewTestStore(t)

	w := researchWorker("researcher", func(_ context.Context, _ *task.Task) (any, error) {
		return nil, errors.New("permanent fault")
	})

	opts := fastOptions()
	opts.MaxTaskRetries = 2
	o := New(engine.New(1), nil, store, opts)
	require.NoError(t, o.Register(w))
	o.Start()
	defer o.Shutdown()

	id, err := o.Submit("research_topic", "doomed", nil, task.PriorityMedium, "", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return o.Metrics().Failed == 1
	}, 10*time.Second, 10*time.Millisecond)

	records, err := store.TaskHistory("researcher", 10)
	require.NoError(t, err)
	require.Len(t, records, 1, "only the terminal attempt is persisted")
	require.Equal(t, id, records[0].TaskID)
	require.Equal(t, task.StatusError, records[0].Status)
}

func TestFeedbackLearnsAndTagsResult(t *testing.T) {
	store := testutil.NewTestStore(t)

	w := researchWorker("researcher", func(_ context.Context, _ *task.Task) (any, error) {
		return "done", nil
	})

	o := New(engine.New(1), nil, store, fastOptions())
	require.NoError(t, o.Register(w))
	o.Start()
	defer o.Shutdown()

	id, err := o.Submit("research_topic", "background reading", nil, task.PriorityMedium, "", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		records, err := store.TaskHistory("researcher", 1)
		return err == nil && len(records) == 1
	}, 5*time.Second, 10*time.Millisecond, "result should be persisted")

	require.NoError(t, o.Feedback("researcher", id, map[string]any{"depth": "go deeper"}))

	// The worker remembers the feedback and the persisted result carries it.
	fb, ok := w.FeedbackFor(id)
	require.True(t, ok)
	require.Equal(t, "go deeper", fb["depth"])
	require.Equal(t, "go deeper", w.Preferences()["depth"])

	records, err := store.TaskHistory("researcher", 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "go deeper", records[0].Metadata["depth"])
}

func TestFeedbackUnknownWorker(t *testing.T) {
	o := New(engine.New(1), nil, nil, fastOptions())
	o.Start()
	defer o.Shutdown()

	err := o.Feedback("ghost", "tsk_1", map[string]any{"k": "v"})
	require.ErrorIs(t, err, ErrUnknownWorker)
}

func TestFeedbackBeforePersistStillLearns(t *testing.T) {
	store := testutil.NewTestStore(t)

	w := researchWorker("researcher", func(_ context.Context, _ *task.Task) (any, error) {
		return nil, nil
	})
	o := New(engine.New(1), nil, store, fastOptions())
	require.NoError(t, o.Register(w))
	o.Start()
	defer o.Shutdown()

	// No result row exists for this id; the preference still lands.
	require.NoError(t, o.Feedback("researcher", "tsk_unseen", map[string]any{"cadence": "weekly"}))
	require.Equal(t, "weekly", w.Preferences()["cadence"])
}

func TestRegisterPreservesSeededMemory(t *testing.T) {
	store := testutil.NewStoreBuilder(t, testutil.NewTestStore(t)).
		WithResult("researcher", "research_topic", task.StatusSuccess).
		WithPreference("researcher", "digest_format", "bullets", 0.9).
		Store()

	w := researchWorker("researcher", func(_ context.Context, _ *task.Task) (any, error) {
		return nil, nil
	})
	o := New(engine.New(1), nil, store, fastOptions())
	require.NoError(t, o.Register(w))

	// Registration initializes bookkeeping without clobbering state learned
	// in earlier runs.
	prefs, err := store.GetPreferences("researcher")
	require.NoError(t, err)
	byKey := make(map[string]any, len(prefs))
	for _, p := range prefs {
		byKey[p.Key] = p.Value
	}
	require.Equal(t, "bullets", byKey["digest_format"])
	require.Contains(t, byKey, "registered_at")

	records, err := store.TaskHistory("researcher", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestFollowUpsSubmittedAfterSuccess(t *testing.T) {
	rec := &orderRecorder{}
	prep := worker.NewMeetingPrep("meeting_prep")
	prep.RegisterCallback(worker.OnTaskStart, func(_ string, detail any) {
		if tk, ok := detail.(*task.Task); ok {
			rec.record(tk.Kind)
		}
	})
	comm := worker.NewCommunicator("communicator")
	comm.RegisterCallback(worker.OnTaskStart, func(_ string, detail any) {
		if tk, ok := detail.(*task.Task); ok {
			rec.record(tk.Kind)
		}
	})

	o := New(engine.New(2), nil, nil, fastOptions())
	require.NoError(t, o.Register(prep))
	require.NoError(t, o.Register(comm))
	o.Start()
	defer o.Shutdown()

	_, err := o.Submit("prepare_meeting", "prep the roadmap review",
		map[string]any{"meeting_id": "m1"}, task.PriorityMedium, "", nil)
	require.NoError(t, err)

	// prepare_meeting succeeds, then its follow-up notification runs on the
	// communicator.
	require.Eventually(t, func() bool {
		got := rec.snapshot()
		return len(got) == 2 && got[0] == "prepare_meeting" && got[1] == "send_notification"
	}, 10*time.Second, 10*time.Millisecond)
}

func TestMetricsDistributionAndUtilization(t *testing.T) {
	w := researchWorker("researcher", func(_ context.Context, _ *task.Task) (any, error) {
		return nil, nil
	})

	o := New(engine.New(1), nil, nil, fastOptions())
	require.NoError(t, o.Register(w))
	o.Start()
	defer o.Shutdown()

	for i := 0; i < 3; i++ {
		_, err := o.Submit("research_topic", "count me", nil, task.PriorityMedium, "", nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return o.Metrics().Completed == 3
	}, 5*time.Second, 10*time.Millisecond)

	m := o.Metrics()
	require.Equal(t, uint64(3), m.Distribution["researcher"])
	require.Equal(t, uint64(3), m.Succeeded)
	require.Contains(t, m.Utilization, "researcher")
	require.GreaterOrEqual(t, m.Utilization["researcher"], 0.0)
}

func TestSubmitAfterShutdownRejected(t *testing.T) {
	o := New(engine.New(1), nil, nil, fastOptions())
	require.NoError(t, o.Register(researchWorker("researcher", func(_ context.Context, _ *task.Task) (any, error) {
		return nil, nil
	})))
	o.Start()
	o.Shutdown()

	_, err := o.Submit("research_topic", "late", nil, task.PriorityMedium, "", nil)
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestHealthMonitorResetsErroredWorker(t *testing.T) {
	w := researchWorker("researcher", func(_ context.Context, _ *task.Task) (any, error) {
		return nil, nil
	})
	w.SetStatus(worker.StatusError)

	opts := fastOptions()
	opts.HealthEvery = 20 * time.Millisecond
	o := New(engine.New(1), nil, nil, opts)
	require.NoError(t, o.Register(w))
	o.Start()
	defer o.Shutdown()

	require.Eventually(t, func() bool {
		return w.Status() == worker.StatusIdle
	}, 5*time.Second, 10*time.Millisecond)
}
