package tui

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"

	"github.com/forgeworks/specforge/internal/bus"
	"github.com/forgeworks/specforge/internal/pipeline"
)

// SnapshotFunc reports the watched build's current state. Implementations
// resolve renamed build ids, so the watcher keeps polling the id it was
// started with even after the capability match rewrites it.
type SnapshotFunc func(ctx context.Context) (*pipeline.BuildResult, error)

// Options configure a watch session.
type Options struct {
	BuildID string
	Fetch   SnapshotFunc
	Bus     *bus.Bus  // optional; enables live updates between polls
	Out     io.Writer // plain-mode sink, defaults to os.Stdout
}

// Watch follows one build to its terminal state: a bubbletea stage board
// on a TTY, plain log lines otherwise.
func Watch(ctx context.Context, opts Options) error {
	if opts.Fetch == nil {
		return fmt.Errorf("tui: snapshot fetch is required")
	}
	if interactive() {
		return runBoard(ctx, opts)
	}
	return followPlain(ctx, opts, time.Second)
}

func interactive() bool {
	if os.Getenv("SPECFORGE_NO_TUI") != "" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd())
}

type tickMsg time.Time

// busEventMsg delivers one bus event to the update loop.
type busEventMsg struct {
	event bus.Event
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// waitForBuildEvent blocks until the subscription delivers an event. A
// closed channel yields a nil message, degrading the board to tick-only
// refreshes.
func waitForBuildEvent(sub *bus.Subscription) tea.Cmd {
	if sub == nil {
		return nil
	}
	return func() tea.Msg {
		event, ok := <-sub.Ch()
		if !ok {
			return nil
		}
		return busEventMsg{event: event}
	}
}

type model struct {
	ctx     context.Context
	buildID string
	fetch   SnapshotFunc
	sub     *bus.Subscription

	res          *pipeline.BuildResult
	fetchErr     string
	retries      map[string]int
	activeStage  string
	stageStarted time.Time
	started      time.Time
}

func newModel(ctx context.Context, opts Options, sub *bus.Subscription) model {
	m := model{
		ctx:     ctx,
		buildID: opts.BuildID,
		fetch:   opts.Fetch,
		sub:     sub,
		retries: make(map[string]int),
		started: time.Now(),
	}
	m.refresh()
	return m
}

// refresh polls the snapshot and notes when the active stage changed, so
// the board can show elapsed time per stage.
func (m *model) refresh() {
	res, err := m.fetch(m.ctx)
	if err != nil {
		m.fetchErr = err.Error()
		return
	}
	m.fetchErr = ""
	m.res = res
	if res.Stage != m.activeStage {
		m.activeStage = res.Stage
		m.stageStarted = time.Now()
	}
}

func (m model) finished() bool {
	return m.res != nil && terminalStatus(m.res.Status)
}

func terminalStatus(status string) bool {
	switch status {
	case pipeline.StatusSuccess, pipeline.StatusRejected, pipeline.StatusNeedsClarification,
		pipeline.StatusError, pipeline.StatusCanceled:
		return true
	}
	return false
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), waitForBuildEvent(m.sub))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.refresh()
		if m.finished() {
			return m, tea.Quit
		}
		return m, tickCmd()
	case busEventMsg:
		if retry, ok := msg.event.Payload.(bus.RetryScheduledEvent); ok {
			m.retries[retry.Stage]++
		}
		m.refresh()
		if m.finished() {
			return m, tea.Quit
		}
		return m, waitForBuildEvent(m.sub)
	}
	return m, nil
}

// runBoard drives the interactive stage board until the build finishes
// or the user quits.
func runBoard(ctx context.Context, opts Options) error {
	defer bestEffortResetTTY()

	var sub *bus.Subscription
	if opts.Bus != nil {
		sub = opts.Bus.Subscribe("")
		defer opts.Bus.Unsubscribe(sub)
	}

	p := tea.NewProgram(newModel(ctx, opts, sub))
	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
