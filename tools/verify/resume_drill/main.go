// Command resume_drill verifies lease recovery across a worker crash.
//
// Run "prepare" to enqueue a build, "claim-sleep" in a separate process to
// claim it and hang (then SIGKILL that process), and "recover" to assert the
// orphaned RUNNING row is requeued to PENDING with its lease cleared.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/forgeworks/specforge/internal/bus"
	"github.com/forgeworks/specforge/internal/persistence"
)

const (
	drillBuildID       = "bld-resume-drill-00000000"
	drillSubmissionKey = "sub-resume-drill-00000000"
)

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath, bus.New())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "prepare":
		b, err := store.CreateBuild(ctx, persistence.NewBuild{
			BuildID:        drillBuildID,
			SubmissionKey:  drillSubmissionKey,
			UserInput:      "resume drill",
			CanonicalInput: "resume drill",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "create build: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_BUILD_ID=%s\n", b.BuildID)
	case "claim-sleep":
		b, err := store.ClaimNextReadyBuild(ctx, fmt.Sprintf("drill-%d", os.Getpid()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim build: %v\n", err)
			os.Exit(1)
		}
		if b == nil {
			fmt.Fprintln(os.Stderr, "no claimable build")
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_BUILD_ID=%s\n", b.BuildID)
		fmt.Printf("LEASE_OWNER=%s\n", b.LeaseOwner)
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		recovered, err := store.RecoverRunningBuilds(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "recover running builds: %v\n", err)
			os.Exit(1)
		}
		builds, _, err := store.ListBuilds(ctx, "", 100, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list builds: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("RECOVERED=%d\n", recovered)
		pass := true
		for _, b := range builds {
			fmt.Printf("BUILD_STATUS id=%s status=%s lease_owner=%q\n", b.BuildID, b.Status, b.LeaseOwner)
			if b.Status == persistence.BuildStatusRunning {
				pass = false
			}
		}
		if pass {
			fmt.Println("VERDICT PASS")
		} else {
			fmt.Println("VERDICT FAIL — builds still in RUNNING state after recovery")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
