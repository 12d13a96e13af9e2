package notify_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/forgeworks/specforge/internal/bus"
	"github.com/forgeworks/specforge/internal/config"
	"github.com/forgeworks/specforge/internal/notify"
)

// Compile-time interface checks.
var (
	_ notify.Notifier = (*notify.LogNotifier)(nil)
	_ notify.Notifier = (*notify.TelegramNotifier)(nil)
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type fakeNotifier struct {
	name string
	fail error

	mu     sync.Mutex
	events []notify.Event
}

func (f *fakeNotifier) Name() string { return f.name }

func (f *fakeNotifier) Notify(_ context.Context, ev notify.Event) error {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	return f.fail
}

func (f *fakeNotifier) received() []notify.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]notify.Event, len(f.events))
	copy(out, f.events)
	return out
}

func TestDispatcher_DeliversTerminalOutcomes(t *testing.T) {
	eventBus := bus.New()
	fake := &fakeNotifier{name: "fake"}

	d := notify.NewDispatcher(eventBus, slog.Default(), fake)
	d.Start(context.Background())
	defer d.Stop()

	eventBus.Publish(bus.TopicBuildSucceeded, bus.BuildFinishedEvent{
		BuildID: "bld-ok", Status: "SUCCEEDED", ArtifactPath: "/tmp/bld-ok.tar.gz",
	})
	eventBus.Publish(bus.TopicStageCommitted, bus.StageCommittedEvent{
		BuildID: "bld-ok", Stage: "interpret_intent",
	})
	eventBus.Publish(bus.TopicBuildFailed, bus.BuildFinishedEvent{
		BuildID: "bld-bad", Status: "FAILED", ErrorSummary: "stage interpret_intent: attempt 4/4",
	})

	waitFor(t, 2*time.Second, func() bool {
		return len(fake.received()) == 2
	})

	got := fake.received()
	if got[0].BuildID != "bld-ok" || got[0].Status != "SUCCEEDED" {
		t.Fatalf("unexpected first event: %+v", got[0])
	}
	if got[0].ArtifactPath != "/tmp/bld-ok.tar.gz" {
		t.Fatalf("expected artifact path, got %+v", got[0])
	}
	if got[1].BuildID != "bld-bad" || got[1].Status != "FAILED" {
		t.Fatalf("unexpected second event: %+v", got[1])
	}
	if got[1].Summary != "stage interpret_intent: attempt 4/4" {
		t.Fatalf("expected error summary, got %+v", got[1])
	}
}

func TestDispatcher_IgnoresForeignPayloads(t *testing.T) {
	eventBus := bus.New()
	fake := &fakeNotifier{name: "fake"}

	d := notify.NewDispatcher(eventBus, slog.Default(), fake)
	d.Start(context.Background())
	defer d.Stop()

	eventBus.Publish(bus.TopicBuildSucceeded, "not a finished event")
	eventBus.Publish(bus.TopicBuildRejected, bus.BuildFinishedEvent{
		BuildID: "bld-rej", Status: "REJECTED", ErrorSummary: "2 validation errors",
	})

	waitFor(t, 2*time.Second, func() bool {
		return len(fake.received()) == 1
	})
	if got := fake.received()[0]; got.BuildID != "bld-rej" {
		t.Fatalf("expected the rejected build only, got %+v", got)
	}
}

func TestDispatcher_FailingNotifierDoesNotBlockOthers(t *testing.T) {
	eventBus := bus.New()
	broken := &fakeNotifier{name: "broken", fail: context.DeadlineExceeded}
	healthy := &fakeNotifier{name: "healthy"}

	d := notify.NewDispatcher(eventBus, slog.Default(), broken, healthy)
	d.Start(context.Background())
	defer d.Stop()

	eventBus.Publish(bus.TopicBuildFailed, bus.BuildFinishedEvent{
		BuildID: "bld-x", Status: "FAILED", ErrorSummary: "boom",
	})

	waitFor(t, 2*time.Second, func() bool {
		return len(healthy.received()) == 1 && len(broken.received()) == 1
	})
}

func TestDispatcher_StopHaltsDelivery(t *testing.T) {
	eventBus := bus.New()
	fake := &fakeNotifier{name: "fake"}

	d := notify.NewDispatcher(eventBus, slog.Default(), fake)
	d.Start(context.Background())
	d.Stop()

	eventBus.Publish(bus.TopicBuildSucceeded, bus.BuildFinishedEvent{
		BuildID: "bld-late", Status: "SUCCEEDED",
	})

	time.Sleep(100 * time.Millisecond)
	if got := fake.received(); len(got) != 0 {
		t.Fatalf("expected no deliveries after Stop, got %d", len(got))
	}
}

func TestLogNotifier(t *testing.T) {
	n := notify.NewLogNotifier(slog.Default())
	if n.Name() != "log" {
		t.Fatalf("LogNotifier.Name() = %q, want %q", n.Name(), "log")
	}
	err := n.Notify(context.Background(), notify.Event{
		BuildID: "bld-1", Status: "SUCCEEDED", ArtifactPath: "/tmp/a.tar.gz",
	})
	if err != nil {
		t.Fatalf("log notifier should never fail: %v", err)
	}
}

func TestTelegramNotifier_Name(t *testing.T) {
	// The constructor does not dial Telegram; the connection is lazy, so a
	// fake token is safe here.
	n := notify.NewTelegramNotifier("fake-token", []int64{123, 456}, nil)
	if n == nil {
		t.Fatal("expected non-nil TelegramNotifier")
	}
	if got := n.Name(); got != "telegram" {
		t.Fatalf("TelegramNotifier.Name() = %q, want %q", got, "telegram")
	}
}

func TestFromConfig(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.NotifyConfig
		wantNames []string
	}{
		{
			name:      "default",
			cfg:       config.NotifyConfig{},
			wantNames: []string{"log"},
		},
		{
			name: "telegram enabled",
			cfg: config.NotifyConfig{Telegram: config.TelegramConfig{
				Enabled: true, Token: "tok", ChatIDs: []int64{1},
			}},
			wantNames: []string{"log", "telegram"},
		},
		{
			name: "telegram enabled without token",
			cfg: config.NotifyConfig{Telegram: config.TelegramConfig{
				Enabled: true, ChatIDs: []int64{1},
			}},
			wantNames: []string{"log"},
		},
		{
			name: "telegram enabled without chats",
			cfg: config.NotifyConfig{Telegram: config.TelegramConfig{
				Enabled: true, Token: "tok",
			}},
			wantNames: []string{"log"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := notify.FromConfig(tt.cfg, slog.Default())
			if len(got) != len(tt.wantNames) {
				t.Fatalf("expected %d notifiers, got %d", len(tt.wantNames), len(got))
			}
			for i, want := range tt.wantNames {
				if got[i].Name() != want {
					t.Fatalf("notifier %d: expected %q, got %q", i, want, got[i].Name())
				}
			}
		})
	}
}
