// Package testutil provides helpers for building seeded memory stores in
// tests.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jfelden/adjutant/internal/memory"
	"github.com/jfelden/adjutant/internal/runtime/task"
)

// NewTestStore opens an in-memory database and returns a store over it.
// The database is closed when the test finishes.
func NewTestStore(t *testing.T) *memory.Store {
	t.Helper()
	db, err := memory.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return memory.NewStore(db)
}

// StoreBuilder seeds a store with worker history, preferences, and context
// in a fluent style.
type StoreBuilder struct {
	t     *testing.T
	store *memory.Store
}

// NewStoreBuilder wraps a store for seeding.
func NewStoreBuilder(t *testing.T, store *memory.Store) *StoreBuilder {
	t.Helper()
	return &StoreBuilder{t: t, store: store}
}

// WithWorker initializes memory tables for a worker.
func (b *StoreBuilder) WithWorker(name string) *StoreBuilder {
	require.NoError(b.t, b.store.Init(name))
	return b
}

// WithResult records a completed task result for a worker.
func (b *StoreBuilder) WithResult(workerName, taskKind string, status task.Status) *StoreBuilder {
	r := &task.Result{
		TaskID:      task.NewID(),
		WorkerName:  workerName,
		Status:      status,
		Duration:    25 * time.Millisecond,
		CompletedAt: time.Now(),
	}
	if status == task.StatusSuccess {
		r.Payload = map[string]any{"ok": true}
	} else {
		r.Error = "seeded failure"
	}
	require.NoError(b.t, b.store.RecordResult(workerName, taskKind, r))
	return b
}

// WithPreference records a learned preference for a worker.
func (b *StoreBuilder) WithPreference(workerName, key string, value any, confidence float64) *StoreBuilder {
	require.NoError(b.t, b.store.PutPreference(workerName, key, value, confidence))
	return b
}

// WithContext records a context entry with the given time-to-live.
func (b *StoreBuilder) WithContext(workerName, ctype string, payload any, ttl time.Duration) *StoreBuilder {
	require.NoError(b.t, b.store.PutContext(workerName, ctype, payload, ttl))
	return b
}

// Store returns the seeded store.
func (b *StoreBuilder) Store() *memory.Store {
	return b.store
}
