package cachemanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type briefing struct {
	Summary string
	Items   int
}

func TestGetMissReturnsZeroValue(t *testing.T) {
	c := NewInMemoryCacheManager[string, briefing]("briefings", DefaultExpiration, DefaultCleanupInterval)

	got, ok := c.Get(context.Background(), "absent")
	require.False(t, ok)
	require.Zero(t, got)
}

func TestSetThenGet(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCacheManager[string, briefing]("briefings", DefaultExpiration, DefaultCleanupInterval)

	want := briefing{Summary: "3 meetings, 2 conflicts", Items: 5}
	c.Set(ctx, "evt_a1b2", want, time.Minute)

	got, ok := c.Get(ctx, "evt_a1b2")
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestExpiredEntryMisses(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCacheManager[string, string]("results", DefaultExpiration, DefaultCleanupInterval)

	c.Set(ctx, "k", "v", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get(ctx, "k")
	require.False(t, ok)
}

func TestGetWithRefreshExtendsTTL(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCacheManager[string, string]("results", DefaultExpiration, DefaultCleanupInterval)

	c.Set(ctx, "k", "v", 60*time.Millisecond)
	time.Sleep(40 * time.Millisecond)

	_, ok := c.GetWithRefresh(ctx, "k", 60*time.Millisecond)
	require.True(t, ok)

	// Past the original expiry but inside the refreshed window.
	time.Sleep(40 * time.Millisecond)
	_, ok = c.Get(ctx, "k")
	require.True(t, ok)
}

func TestDeleteRemovesOnlyNamedKeys(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCacheManager[string, int]("counts", DefaultExpiration, DefaultCleanupInterval)

	c.Set(ctx, "a", 1, time.Minute)
	c.Set(ctx, "b", 2, time.Minute)

	require.NoError(t, c.Delete(ctx, "a"))

	_, ok := c.Get(ctx, "a")
	require.False(t, ok)
	got, ok := c.Get(ctx, "b")
	require.True(t, ok)
	require.Equal(t, 2, got)
}

func TestFlushEmptiesCache(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCacheManager[string, int]("counts", DefaultExpiration, DefaultCleanupInterval)

	c.Set(ctx, "a", 1, time.Minute)
	c.Set(ctx, "b", 2, time.Minute)
	require.NoError(t, c.Flush(ctx))
	require.Zero(t, c.ItemCount())
}

func TestTypedKeySupport(t *testing.T) {
	type eventID string
	ctx := context.Background()
	c := NewInMemoryCacheManager[eventID, string]("events", DefaultExpiration, DefaultCleanupInterval)

	c.Set(ctx, eventID("evt_1"), "handled", time.Minute)
	got, ok := c.Get(ctx, eventID("evt_1"))
	require.True(t, ok)
	require.Equal(t, "handled", got)
}
