package tui

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/forgeworks/specforge/internal/bus"
	"github.com/forgeworks/specforge/internal/pipeline"
)

// followPlain renders the watch as plain log lines for a non-TTY stdout:
// one line per observed state change, event lines for retries and
// downgrades, and a summary block when the build finishes.
func followPlain(ctx context.Context, opts Options, pollEvery time.Duration) error {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	var wake <-chan bus.Event
	if opts.Bus != nil {
		sub := opts.Bus.Subscribe("")
		defer opts.Bus.Unsubscribe(sub)
		wake = sub.Ch()
	}

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	lastStatus, lastStage, lastErr := "", "", ""
	for {
		res, err := opts.Fetch(ctx)
		if err != nil {
			if msg := err.Error(); msg != lastErr {
				fmt.Fprintf(out, "watch %s: %s\n", opts.BuildID, msg)
				lastErr = msg
			}
		} else {
			lastErr = ""
			if res.Status != lastStatus || res.Stage != lastStage {
				line := fmt.Sprintf("build %s %s", res.BuildID, res.Status)
				if res.Stage != "" {
					line += " stage=" + res.Stage
				}
				fmt.Fprintln(out, line)
				lastStatus, lastStage = res.Status, res.Stage
			}
			if terminalStatus(res.Status) {
				printSummary(out, res)
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case ev, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			logBusEvent(out, ev)
		}
	}
}

// logBusEvent prints the event kinds worth a line of their own; the
// state-change lines come from polling.
func logBusEvent(out io.Writer, ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.RetryScheduledEvent:
		fmt.Fprintf(out, "build %s retry stage=%s attempt=%d reason=%s\n", p.BuildID, p.Stage, p.Attempt, p.Reason)
	case bus.DowngradeEvent:
		fmt.Fprintf(out, "build %s downgrade rule=%s field=%s\n", p.BuildID, p.RuleID, p.Field)
	}
}

func printSummary(out io.Writer, res *pipeline.BuildResult) {
	switch res.Status {
	case pipeline.StatusSuccess:
		fmt.Fprintf(out, "artifact %s\n", res.ArtifactPath)
		for _, dg := range res.Downgrades {
			fmt.Fprintf(out, "auto-fixed %s %s: %s -> %s\n", dg.RuleID, dg.Field, dg.Original, dg.Fixed)
		}
	case pipeline.StatusRejected:
		for _, v := range res.Errors {
			fmt.Fprintf(out, "violation %s: %s\n", v.RuleID, v.Message)
		}
	case pipeline.StatusNeedsClarification:
		for _, q := range res.Questions {
			fmt.Fprintf(out, "question: %s\n", q)
		}
	case pipeline.StatusError:
		fmt.Fprintf(out, "error: %s\n", res.Error)
	}
}
