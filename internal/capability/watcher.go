package capability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher emits an update event when any CAPABILITY.md-backed directory
// changes. It watches the root dirs and their immediate child dirs; the
// daemon reacts by calling DirSource.Reload.
type Watcher struct {
	dirs   []string
	events chan string
}

func NewWatcher(dirs []string) *Watcher {
	cp := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if strings.TrimSpace(d) != "" {
			cp = append(cp, d)
		}
	}
	return &Watcher{
		dirs:   cp,
		events: make(chan string, 16),
	}
}

// Events delivers a debounced "capabilities" token per burst of changes.
// The channel closes when the watcher stops.
func (w *Watcher) Events() <-chan string {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}

	addDir := func(dir string) {
		abs, err := filepath.Abs(dir)
		if err != nil {
			slog.Warn("capability watcher: abs failed", "dir", dir, "error", err)
			return
		}
		if err := fsw.Add(abs); err != nil {
			if os.IsNotExist(err) {
				return
			}
			slog.Warn("capability watcher: add failed", "dir", abs, "error", err)
			return
		}
		entries, err := os.ReadDir(abs)
		if err != nil {
			return
		}
		for _, ent := range entries {
			if ent.IsDir() {
				_ = fsw.Add(filepath.Join(abs, ent.Name()))
			}
		}
	}
	for _, dir := range w.dirs {
		addDir(dir)
	}

	go func() {
		defer func() {
			_ = fsw.Close()
			close(w.events)
		}()

		// Debounce bursts of events.
		var pending bool
		var timer *time.Timer
		var timerC <-chan time.Time
		flush := func() {
			if !pending {
				return
			}
			pending = false
			select {
			case w.events <- "capabilities":
			default:
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}

				// Watch new capability directories as they appear.
				createdDir := false
				if ev.Op&fsnotify.Create != 0 {
					if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
						createdDir = true
						_ = fsw.Add(ev.Name)
					}
				}

				// A new directory counts even when the CAPABILITY.md
				// write races past watcher registration.
				if filepath.Base(ev.Name) != "CAPABILITY.md" && !createdDir {
					continue
				}

				pending = true
				if timer == nil {
					timer = time.NewTimer(150 * time.Millisecond)
					timerC = timer.C
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(150 * time.Millisecond)
					timerC = timer.C
				}

			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				slog.Warn("capability watcher error", "error", err)
			case <-timerC:
				flush()
				timerC = nil
			}
		}
	}()

	return nil
}
