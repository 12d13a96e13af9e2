package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/forgeworks/specforge/internal/config"
	"github.com/forgeworks/specforge/internal/persistence"
	"github.com/forgeworks/specforge/internal/pipeline"
)

const snapshotTimeout = 5 * time.Second

func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	jsonOut := fs.Bool("json", false, "emit JSON instead of the summary table")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: specforge status [-json] [build-id]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) > 1 {
		fs.Usage()
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.Open(config.DBPath(cfg.HomeDir), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	if len(rest) == 1 {
		return printBuildStatus(ctx, store, strings.TrimSpace(rest[0]), *jsonOut)
	}
	return printQueueStatus(ctx, cfg, store, *jsonOut)
}

func printBuildStatus(ctx context.Context, store *persistence.Store, buildID string, jsonOut bool) int {
	build, err := store.GetBuild(ctx, buildID)
	if errors.Is(err, sql.ErrNoRows) {
		// The id may be a provisional one realized into a final id.
		if resolved, rerr := store.ResolveBuildID(ctx, buildID); rerr == nil && resolved != buildID {
			build, err = store.GetBuild(ctx, resolved)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "build %s not found\n", buildID)
		return 1
	}
	stages, err := store.StageRecords(ctx, build.BuildID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stage records: %v\n", err)
		return 1
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(map[string]any{"build": build, "stages": stages}); err != nil {
			fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Printf("build %s\n", build.BuildID)
	fmt.Printf("  status:   %s\n", strings.ToLower(string(build.Status)))
	fmt.Printf("  stage:    %s (%d/%d)\n", pipeline.Stage(build.CurrentStage), build.CurrentStage+1, len(pipeline.Stages()))
	fmt.Printf("  attempt:  %d/%d\n", build.Attempt, build.MaxAttempts)
	fmt.Printf("  request:  %q\n", truncate(build.UserInput, 72))
	if build.CapabilityID != "" {
		fmt.Printf("  capability: %s (contract %s)\n", build.CapabilityID, build.ContractVersion)
	}
	if build.CatalogVersion != "" {
		fmt.Printf("  catalog:  version %s\n", build.CatalogVersion)
	}
	if build.ArtifactPath != "" {
		fmt.Printf("  artifact: %s\n", build.ArtifactPath)
	}
	if build.NextRetryAt != nil {
		fmt.Printf("  next retry: %s\n", build.NextRetryAt.Local().Format(time.RFC3339))
	}
	if build.Error != "" {
		fmt.Printf("  error:    %s\n", build.Error)
	}
	if len(stages) > 0 {
		fmt.Println("  committed stages:")
		for _, rec := range stages {
			fmt.Printf("    %-18s %6dms  attempt %d\n", rec.Stage, rec.DurationMS, rec.Attempt)
		}
	}
	return 0
}

type queueStatus struct {
	Version        string                  `json:"version"`
	Fingerprint    string                  `json:"config_fingerprint"`
	Daemon         string                  `json:"daemon"`
	CatalogVersion string                  `json:"catalog_version,omitempty"`
	Counts         persistence.BuildCounts `json:"counts"`
	Recent         []buildSummary          `json:"recent,omitempty"`
	Total          int                     `json:"total_builds"`
}

type buildSummary struct {
	BuildID   string    `json:"build_id"`
	Status    string    `json:"status"`
	Stage     string    `json:"stage"`
	Request   string    `json:"request"`
	UpdatedAt time.Time `json:"updated_at"`
}

func printQueueStatus(ctx context.Context, cfg config.Config, store *persistence.Store, jsonOut bool) int {
	counts, err := store.Counts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "counts: %v\n", err)
		return 1
	}
	recent, total, err := store.ListBuilds(ctx, "", 10, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list builds: %v\n", err)
		return 1
	}

	st := queueStatus{
		Version:     Version,
		Fingerprint: cfg.Fingerprint(),
		Daemon:      probeDaemon(ctx, cfg),
		Counts:      counts,
		Total:       total,
	}
	if v, _, err := store.LatestCatalogVersion(ctx); err == nil {
		st.CatalogVersion = v
	}
	for _, b := range recent {
		st.Recent = append(st.Recent, buildSummary{
			BuildID:   b.BuildID,
			Status:    strings.ToLower(string(b.Status)),
			Stage:     pipeline.Stage(b.CurrentStage).String(),
			Request:   truncate(b.UserInput, 48),
			UpdatedAt: b.UpdatedAt,
		})
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(st); err != nil {
			fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Printf("specforge %s  (config %s)\n", st.Version, st.Fingerprint)
	fmt.Printf("daemon:  %s\n", st.Daemon)
	if st.CatalogVersion != "" {
		fmt.Printf("catalog: version %s\n", st.CatalogVersion)
	}
	fmt.Printf("builds:  %d pending, %d running, %d retry-wait, %d succeeded, %d rejected, %d failed, %d needs-clarification, %d canceled\n",
		counts.Pending, counts.Running, counts.RetryWait, counts.Succeeded,
		counts.Rejected, counts.Failed, counts.NeedsClarification, counts.Canceled)
	if len(st.Recent) > 0 {
		fmt.Println("recent:")
		for _, b := range st.Recent {
			fmt.Printf("  %-24s %-20s %-18s %-9s %q\n", b.BuildID, b.Status, b.Stage, ago(b.UpdatedAt), b.Request)
		}
	}
	return 0
}

// probeDaemon reports gateway reachability without failing status when
// no daemon runs; the store is readable either way.
func probeDaemon(ctx context.Context, cfg config.Config) string {
	if !cfg.Gateway.Enabled {
		return "disabled"
	}
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	url := "http://" + cfg.Gateway.BindAddr + "/healthz"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return "unreachable"
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Sprintf("unreachable at %s", cfg.Gateway.BindAddr)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("unhealthy at %s (HTTP %d)", cfg.Gateway.BindAddr, resp.StatusCode)
	}
	return "reachable at " + cfg.Gateway.BindAddr
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n || n <= 1 {
		return s
	}
	return string(r[:n-1]) + "…"
}

func ago(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
