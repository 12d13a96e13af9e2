package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/forgeworks/specforge/internal/bus"
)

// Dispatcher consumes terminal build events from the bus and fans each
// one out to every notifier. Non-terminal build topics are ignored.
type Dispatcher struct {
	bus       *bus.Bus
	notifiers []Notifier
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(eventBus *bus.Bus, logger *slog.Logger, notifiers ...Notifier) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		bus:       eventBus,
		notifiers: notifiers,
		logger:    logger,
	}
}

// Start begins consuming bus events in a background goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.run(ctx)
	d.logger.Info("notify dispatcher started", "notifiers", len(d.notifiers))
}

// Stop cancels the dispatcher loop and waits for it to exit.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	sub := d.bus.Subscribe("build.")
	defer d.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch ev.Topic {
			case bus.TopicBuildSucceeded, bus.TopicBuildRejected, bus.TopicBuildFailed:
			default:
				continue
			}
			fin, ok := ev.Payload.(bus.BuildFinishedEvent)
			if !ok {
				continue
			}
			d.deliver(ctx, Event{
				BuildID:      fin.BuildID,
				Status:       fin.Status,
				ArtifactPath: fin.ArtifactPath,
				Summary:      fin.ErrorSummary,
			})
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	for _, n := range d.notifiers {
		if err := n.Notify(ctx, ev); err != nil {
			d.logger.Warn("notifier delivery failed",
				"notifier", n.Name(),
				"build_id", ev.BuildID,
				"error", err,
			)
		}
	}
}
