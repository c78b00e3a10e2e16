package calendar

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeMeetingsFile(t *testing.T, dir, name string, meetings []*Meeting) {
	t.Helper()
	data, err := json.Marshal(meetings)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0600))
}

func TestLoadDirMergesFiles(t *testing.T) {
	dir := t.TempDir()
	writeMeetingsFile(t, dir, "work.json", []*Meeting{
		meeting("m1", "Standup", day(9, 0), day(9, 30)),
	})
	writeMeetingsFile(t, dir, "personal.json", []*Meeting{
		meeting("m2", "Dentist", day(14, 0), day(15, 0)),
		meeting("m3", "Gym", day(18, 0), day(19, 0)),
	})

	meetings, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, meetings, 3)

	ids := make(map[string]bool)
	for _, m := range meetings {
		ids[m.ID] = true
	}
	require.True(t, ids["m1"] && ids["m2"] && ids["m3"])
}

func TestLoadDirSkipsInvalidEntries(t *testing.T) {
	dir := t.TempDir()

	// End before start fails validation and is dropped, not fatal.
	bad := meeting("bad", "Backwards", day(11, 0), day(10, 0))
	writeMeetingsFile(t, dir, "mixed.json", []*Meeting{
		meeting("ok", "Planning", day(9, 0), day(10, 0)),
		bad,
	})

	meetings, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, meetings, 1)
	require.Equal(t, "ok", meetings[0].ID)
}

func TestLoadDirSkipsUnparseableFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "corrupt.json"), []byte("{not json"), 0600))
	writeMeetingsFile(t, dir, "good.json", []*Meeting{
		meeting("m1", "Review", day(9, 0), day(10, 0)),
	})

	meetings, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, meetings, 1)
}

func TestLoadDirIgnoresNonJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested.json"), 0700))

	meetings, err := LoadDir(dir)
	require.NoError(t, err)
	require.Empty(t, meetings)
}

func TestLoadDirDefaultsStatus(t *testing.T) {
	dir := t.TempDir()
	m := meeting("m1", "Sync", day(9, 0), day(9, 30))
	m.Status = ""
	writeMeetingsFile(t, dir, "cal.json", []*Meeting{m})

	meetings, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, meetings, 1)
	require.Equal(t, MeetingScheduled, meetings[0].Status)
}

func TestWatcherPublishesAfterDebounce(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(WatcherConfig{Dir: dir, DebounceDur: 50 * time.Millisecond})
	require.NoError(t, err)

	updates, err := w.Start()
	require.NoError(t, err)
	defer w.Stop()

	writeMeetingsFile(t, dir, "drop.json", []*Meeting{
		meeting("m1", "Kickoff", day(9, 0), day(10, 0)),
	})

	select {
	case meetings := <-updates:
		require.Len(t, meetings, 1)
		require.Equal(t, "m1", meetings[0].ID)
	case <-time.After(3 * time.Second):
		t.Fatal("no update published after file drop")
	}
}
