// Package janitor runs periodic maintenance jobs against the build store
// and the routing cache: cache sweeps, expired-lease recovery, and
// retention pruning. Each job has its own 5-field cron spec from config.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/forgeworks/specforge/internal/cache"
	"github.com/forgeworks/specforge/internal/config"
	"github.com/forgeworks/specforge/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the janitor.
type Config struct {
	Store    *persistence.Store
	Cache    *cache.Cache // nil disables the cache sweep job
	Schedule config.JanitorConfig
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// job is one maintenance task with its own schedule. A zero next time
// means the job is due on the first tick after Start.
type job struct {
	name     string
	schedule cronlib.Schedule
	next     time.Time
	run      func(ctx context.Context)
}

// Janitor ticks at a fixed interval and fires whichever jobs are due.
// Every job runs once right after Start so a daemon that was down over a
// scheduled window catches up immediately.
type Janitor struct {
	store    *persistence.Store
	cache    *cache.Cache
	sched    config.JanitorConfig
	logger   *slog.Logger
	interval time.Duration
	jobs     []*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Janitor from config. An empty cron spec disables that job;
// a malformed one is an error.
func New(cfg Config) (*Janitor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("janitor: store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}

	j := &Janitor{
		store:    cfg.Store,
		cache:    cfg.Cache,
		sched:    cfg.Schedule,
		logger:   logger,
		interval: interval,
	}

	specs := []struct {
		name string
		spec string
		run  func(context.Context)
	}{
		{"cache_sweep", cfg.Schedule.CacheSweepSpec, j.sweepCache},
		{"stale_recover", cfg.Schedule.StaleRecoverSpec, j.recoverStale},
		{"retention", cfg.Schedule.RetentionSpec, j.pruneRetention},
	}
	for _, sp := range specs {
		if sp.spec == "" {
			continue
		}
		if sp.name == "cache_sweep" && cfg.Cache == nil {
			continue
		}
		sched, err := cronParser.Parse(sp.spec)
		if err != nil {
			return nil, fmt.Errorf("janitor: parse %s spec %q: %w", sp.name, sp.spec, err)
		}
		j.jobs = append(j.jobs, &job{name: sp.name, schedule: sched, run: sp.run})
	}
	return j, nil
}

// Start begins the janitor loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.wg.Add(1)
	go j.loop(ctx)
	j.logger.Info("janitor started", "interval", j.interval, "jobs", len(j.jobs))
}

// Stop cancels the janitor loop and waits for it to exit.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
	j.logger.Info("janitor stopped")
}

// loop ticks at the configured interval. The first tick happens
// immediately so every job gets a startup pass.
func (j *Janitor) loop(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

// tick fires every due job and advances its next run time.
func (j *Janitor) tick(ctx context.Context) {
	now := time.Now()
	for _, jb := range j.jobs {
		if now.Before(jb.next) {
			continue
		}
		jb.run(ctx)
		jb.next = jb.schedule.Next(now)
		j.logger.Debug("janitor: job ran", "job", jb.name, "next_run_at", jb.next)
	}
}

func (j *Janitor) sweepCache(context.Context) {
	swept := j.cache.Sweep()
	if swept > 0 {
		j.logger.Info("janitor: cache swept", "entries", swept)
	}
}

// recoverStale requeues RUNNING builds whose lease has lapsed. Builds held
// by live workers keep their leases heartbeated and are never touched.
func (j *Janitor) recoverStale(ctx context.Context) {
	requeued, err := j.store.RequeueExpiredLeases(ctx)
	if err != nil {
		j.logger.Error("janitor: requeue expired leases", "error", err)
		return
	}
	if requeued > 0 {
		j.logger.Info("janitor: expired leases requeued", "builds", requeued)
	}
}

func (j *Janitor) pruneRetention(ctx context.Context) {
	res, err := j.store.RunRetention(ctx, j.sched.RetentionEventsDays, j.sched.RetentionAuditDays)
	if err != nil {
		j.logger.Error("janitor: retention pruning", "error", err)
		return
	}
	if res.PurgedBuildEvents+res.PurgedAuditLogs+res.PurgedFixerFaults > 0 {
		j.logger.Info("janitor: retention pruned",
			"build_events", res.PurgedBuildEvents,
			"audit_logs", res.PurgedAuditLogs,
			"fixer_faults", res.PurgedFixerFaults,
		)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
