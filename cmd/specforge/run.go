package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/forgeworks/specforge/internal/pipeline"
	"github.com/forgeworks/specforge/internal/tui"
)

func runRunCommand(ctx context.Context, deps pipeline.Deps, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	watch := fs.Bool("watch", false, "render a live stage board while the build runs")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: specforge run [--watch] <request...>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	request := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if request == "" {
		fs.Usage()
		return 2
	}

	orch, err := pipeline.New(deps, pipeline.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "pipeline: %v\n", err)
		return 1
	}

	if !*watch {
		res, err := orch.Execute(ctx, request)
		if err != nil {
			fmt.Fprintf(os.Stderr, "run: %v\n", err)
			return 1
		}
		printResult(os.Stdout, res)
		return exitCodeFor(res.Status)
	}

	buildID, created, err := orch.Submit(ctx, request)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}
	if !created {
		fmt.Fprintf(os.Stdout, "request matches existing build %s\n", buildID)
	}
	return watchBuild(ctx, orch, deps, buildID, true)
}

func runResumeCommand(ctx context.Context, deps pipeline.Deps, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: specforge resume <build-id>")
		return 2
	}
	orch, err := pipeline.New(deps, pipeline.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "pipeline: %v\n", err)
		return 1
	}
	res, err := orch.Resume(ctx, strings.TrimSpace(args[0]))
	if err != nil {
		fmt.Fprintf(os.Stderr, "resume: %v\n", err)
		return 1
	}
	printResult(os.Stdout, res)
	return exitCodeFor(res.Status)
}

func runWatchCommand(ctx context.Context, deps pipeline.Deps, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: specforge watch <build-id>")
		return 2
	}
	orch, err := pipeline.New(deps, pipeline.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "pipeline: %v\n", err)
		return 1
	}
	return watchBuild(ctx, orch, deps, strings.TrimSpace(args[0]), false)
}

// watchBuild follows one build on the stage board until it settles.
// With drive set, this process also claims and runs the build; without,
// it only observes whatever worker owns it.
func watchBuild(ctx context.Context, orch *pipeline.Orchestrator, deps pipeline.Deps, buildID string, drive bool) int {
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()

	type outcome struct {
		res *pipeline.BuildResult
		err error
	}
	done := make(chan outcome, 1)
	if drive {
		go func() {
			res, err := orch.Resume(ctx, buildID)
			done <- outcome{res, err}
			// Wake the board if it is still polling a stuck snapshot.
			cancelWatch()
		}()
	}

	watchErr := tui.Watch(watchCtx, tui.Options{
		BuildID: buildID,
		Fetch: func(c context.Context) (*pipeline.BuildResult, error) {
			return orch.Snapshot(c, buildID)
		},
		Bus: deps.Bus,
	})
	cancelWatch()

	// The stored snapshot is authoritative; the driver outcome covers
	// failures that never reached the store.
	snapCtx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	if res, err := orch.Snapshot(snapCtx, buildID); err == nil {
		printResult(os.Stdout, res)
		return exitCodeFor(res.Status)
	}
	if drive {
		oc := <-done
		if oc.err != nil {
			fmt.Fprintf(os.Stderr, "run: %v\n", oc.err)
			return 1
		}
		printResult(os.Stdout, oc.res)
		return exitCodeFor(oc.res.Status)
	}
	if watchErr != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", watchErr)
	}
	return 1
}

func printResult(w io.Writer, res *pipeline.BuildResult) {
	head := fmt.Sprintf("build %s  %s", res.BuildID, res.Status)
	if res.Stage != "" {
		head += "  (stage " + res.Stage
		if res.Attempt > 1 {
			head += fmt.Sprintf(", attempt %d", res.Attempt)
		}
		head += ")"
	}
	fmt.Fprintln(w, head)

	if res.ArtifactPath != "" {
		fmt.Fprintf(w, "  artifact: %s\n", res.ArtifactPath)
	}
	if res.Status == pipeline.StatusNeedsClarification {
		fmt.Fprintf(w, "  confidence: %.2f\n", res.Confidence)
	}
	if len(res.Errors) > 0 {
		fmt.Fprintln(w, "  errors:")
		for _, v := range res.Errors {
			fmt.Fprintf(w, "    - [%s] %s\n", v.RuleID, v.Message)
			if v.Suggestion != "" {
				fmt.Fprintf(w, "      fix: %s\n", v.Suggestion)
			}
		}
	}
	if len(res.Warnings) > 0 {
		fmt.Fprintln(w, "  warnings:")
		for _, msg := range res.Warnings {
			fmt.Fprintf(w, "    - %s\n", msg)
		}
	}
	if len(res.Downgrades) > 0 {
		fmt.Fprintln(w, "  auto-fixes:")
		for _, d := range res.Downgrades {
			fmt.Fprintf(w, "    - [%s] %s: %q became %q (%s)\n", d.RuleID, d.Field, d.Original, d.Fixed, d.Reason)
		}
	}
	if len(res.Questions) > 0 {
		fmt.Fprintln(w, "  questions:")
		for _, q := range res.Questions {
			fmt.Fprintf(w, "    - %s\n", q)
		}
	}
	if len(res.UnmappedPhrases) > 0 {
		fmt.Fprintln(w, "  unmapped phrases:")
		for _, p := range res.UnmappedPhrases {
			fmt.Fprintf(w, "    - %q\n", p)
		}
	}
	if res.Status == pipeline.StatusNeedsClarification {
		fmt.Fprintf(w, "refine the request and run again, or: specforge resume %s\n", res.BuildID)
	}
	if res.Error != "" && len(res.Errors) == 0 {
		fmt.Fprintf(w, "  error: %s\n", res.Error)
	}
}

func exitCodeFor(status string) int {
	if status == pipeline.StatusSuccess {
		return 0
	}
	return 1
}
