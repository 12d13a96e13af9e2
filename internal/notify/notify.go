// Package notify delivers terminal build outcomes to external channels.
// The dispatcher listens on the event bus and fans each outcome out to
// every configured notifier; the log notifier is always present.
package notify

import (
	"context"
	"log/slog"

	"github.com/forgeworks/specforge/internal/config"
)

// Event is one notification: a build reached a terminal status.
type Event struct {
	BuildID      string
	Status       string // persisted status: SUCCEEDED, REJECTED or FAILED
	ArtifactPath string // set on success
	Summary      string // set on rejected/failed
}

// Notifier delivers a single outcome to one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes outcomes to the structured log. It is the default
// channel and never fails.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	attrs := []any{"build_id", ev.BuildID, "status", ev.Status}
	if ev.ArtifactPath != "" {
		attrs = append(attrs, "artifact", ev.ArtifactPath)
	}
	if ev.Summary != "" {
		attrs = append(attrs, "summary", ev.Summary)
	}
	n.logger.Info("build finished", attrs...)
	return nil
}

// FromConfig assembles the notifier set: the log notifier always, plus
// Telegram when it is enabled with a token and at least one chat id.
func FromConfig(cfg config.NotifyConfig, logger *slog.Logger) []Notifier {
	notifiers := []Notifier{NewLogNotifier(logger)}

	tg := cfg.Telegram
	if tg.Enabled && tg.Token != "" && len(tg.ChatIDs) > 0 {
		notifiers = append(notifiers, NewTelegramNotifier(tg.Token, tg.ChatIDs, logger))
	}
	return notifiers
}
