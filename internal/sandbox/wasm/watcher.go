package wasm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/forgeworks/specforge/internal/rules"
	"github.com/fsnotify/fsnotify"
)

// Notification is a human-readable fixer lifecycle event, consumed by the
// status UI.
type Notification struct {
	Level   string
	Message string
}

// Watcher hot-swaps fixer modules when their .wasm files change on disk.
// A reload that fails keeps the previous module active, and a reload with
// new content lifts any quarantine through the registry upsert.
type Watcher struct {
	fixerDir string
	host     *Host
	registry *rules.Registry

	updated chan string
	notify  chan Notification
}

// NewWatcher wires a watcher to host and reg. reg may be nil, in which
// case reloaded modules are activated in the host but not re-registered.
func NewWatcher(fixerDir string, host *Host, reg *rules.Registry) *Watcher {
	return &Watcher{
		fixerDir: fixerDir,
		host:     host,
		registry: reg,
		updated:  make(chan string, 16),
		notify:   make(chan Notification, 32),
	}
}

// FixersUpdated emits the rule id of each successfully reloaded module.
func (w *Watcher) FixersUpdated() <-chan string {
	return w.updated
}

func (w *Watcher) Notifications() <-chan Notification {
	return w.notify
}

// Start begins watching the fixer directory until ctx is done. It reacts
// to changes only; load the directory through Host.LoadDir first.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new fsnotify watcher: %w", err)
	}
	if err := watcher.Add(w.fixerDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch fixer dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if filepath.Ext(ev.Name) != ".wasm" {
					continue
				}
				go w.reload(ctx, ev.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("fixer watcher error", "error", err)
				w.pushNotification("error", err.Error())
			}
		}
	}()
	return nil
}

func (w *Watcher) reload(ctx context.Context, path string) {
	ruleID := ruleIDFromPath(path)
	raw, err := os.ReadFile(path)
	if err != nil {
		// Common mid-rename; the follow-up event retries.
		w.pushNotification("warn", fmt.Sprintf("fixer %s unreadable: %v", ruleID, err))
		return
	}
	if err := w.host.LoadModuleFromBytes(ctx, ruleID, raw, path); err != nil {
		slog.Error("fixer reload failed", "rule_id", ruleID, "error", err)
		w.pushNotification("error", fmt.Sprintf("fixer load error (%s): %v", ruleID, err))
		return
	}
	w.host.persistFixer(ctx, ruleID, raw)
	if w.registry != nil {
		w.registry.RegisterFixer(rules.WasmFixerPrefix+ruleID, w.host.FixerFunc(ruleID))
	}
	select {
	case w.updated <- ruleID:
	default:
	}
	w.pushNotification("info", fmt.Sprintf("fixer loaded: %s", ruleID))
	slog.Info("fixer hot-swapped", "rule_id", ruleID, "path", path)
}

func (w *Watcher) pushNotification(level, msg string) {
	select {
	case w.notify <- Notification{Level: level, Message: msg}:
	default:
	}
}
