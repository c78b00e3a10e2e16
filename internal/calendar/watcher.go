package calendar

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jfelden/adjutant/internal/log"
)

// Watcher monitors a drop directory for calendar export files (*.json) and
// emits the parsed meeting sets. Writes are debounced so a file being
// streamed in does not trigger a partial read.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	dir       string
	debounce  time.Duration
	updates   chan []*Meeting
	done      chan struct{}
}

// WatcherConfig holds watcher options.
type WatcherConfig struct {
	Dir         string
	DebounceDur time.Duration
}

// DefaultWatcherConfig returns sensible defaults for a drop directory.
func DefaultWatcherConfig(dir string) WatcherConfig {
	return WatcherConfig{
		Dir:         dir,
		DebounceDur: time.Second,
	}
}

// NewWatcher creates a calendar drop-dir watcher.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	debounce := cfg.DebounceDur
	if debounce <= 0 {
		debounce = time.Second
	}
	return &Watcher{
		fsWatcher: fsw,
		dir:       cfg.Dir,
		debounce:  debounce,
		updates:   make(chan []*Meeting, 1),
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching. The returned channel receives the full meeting set
// parsed from the directory after each settled change.
func (w *Watcher) Start() (<-chan []*Meeting, error) {
	if err := os.MkdirAll(w.dir, 0700); err != nil {
		return nil, fmt.Errorf("creating watch directory %s: %w", w.dir, err)
	}
	if err := w.fsWatcher.Add(w.dir); err != nil {
		return nil, fmt.Errorf("watching directory %s: %w", w.dir, err)
	}

	log.SafeGo("calendar.watcher", w.loop)
	return w.updates, nil
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	var (
		timer   *time.Timer
		pending bool
	)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !isCalendarEvent(event) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(w.debounce)
				pending = true
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
				pending = true
			}

		case <-timerC(timer):
			if pending {
				w.publish()
				pending = false
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn(log.CatWatcher, "Watcher error", "error", err)

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t != nil {
		return t.C
	}
	return nil
}

// publish re-reads the whole directory and pushes the parsed set,
// dropping the update if the consumer has not taken the previous one.
func (w *Watcher) publish() {
	meetings, err := LoadDir(w.dir)
	if err != nil {
		log.ErrorErr(log.CatWatcher, "Failed to load calendar directory", err, "dir", w.dir)
		return
	}
	select {
	case w.updates <- meetings:
	default:
	}
}

func isCalendarEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	return strings.HasSuffix(event.Name, ".json")
}

// LoadDir parses every *.json file in dir as a meeting list and merges them.
// Invalid meetings are skipped with a warning rather than failing the load.
func LoadDir(dir string) ([]*Meeting, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	var all []*Meeting
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn(log.CatWatcher, "Skipping unreadable file", "path", path, "error", err)
			continue
		}
		var meetings []*Meeting
		if err := json.Unmarshal(data, &meetings); err != nil {
			log.Warn(log.CatWatcher, "Skipping unparseable file", "path", path, "error", err)
			continue
		}
		for _, m := range meetings {
			if err := m.Validate(); err != nil {
				log.Warn(log.CatWatcher, "Skipping invalid meeting", "error", err)
				continue
			}
			if m.Status == "" {
				m.Status = MeetingScheduled
			}
			all = append(all, m)
		}
	}
	return all, nil
}
