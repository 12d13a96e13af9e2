package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/forgeworks/specforge/internal/artifact"
	"github.com/forgeworks/specforge/internal/audit"
	"github.com/forgeworks/specforge/internal/builder"
	"github.com/forgeworks/specforge/internal/bus"
	"github.com/forgeworks/specforge/internal/cache"
	"github.com/forgeworks/specforge/internal/capability"
	"github.com/forgeworks/specforge/internal/config"
	"github.com/forgeworks/specforge/internal/gateway"
	"github.com/forgeworks/specforge/internal/genspec"
	"github.com/forgeworks/specforge/internal/interpret"
	otelPkg "github.com/forgeworks/specforge/internal/otel"
	"github.com/forgeworks/specforge/internal/persistence"
	"github.com/forgeworks/specforge/internal/pipeline"
	"github.com/forgeworks/specforge/internal/router"
	"github.com/forgeworks/specforge/internal/rules"
	"github.com/forgeworks/specforge/internal/safety"
	"github.com/forgeworks/specforge/internal/sandbox/wasm"
	"github.com/forgeworks/specforge/internal/specdoc"
	"github.com/forgeworks/specforge/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

BUILD COMMANDS:
  %s run <request...>         Submit a build request and run it to completion
                              Flags: --watch for a live stage board
  %s resume <build-id>        Resume an interrupted or retry-waiting build
  %s watch <build-id>         Attach a live stage board to an existing build

DAEMON MODE:
  %s daemon                   Run pipeline workers and the HTTP gateway

INSPECTION:
  %s status [build-id]        Show build queue summary, or one build's state
                              Flags: -json for JSON output
  %s rules <action>           Inspect the rule catalog
                              Actions: list, check [path]
  %s doctor [-json]           Run diagnostic checks
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  SPECFORGE_HOME          Data directory (default: ~/.specforge)
  SPECFORGE_NO_TUI        Set to 1 to force plain output from run --watch
  GEMINI_API_KEY          Required for the gemini interpreter provider

EXAMPLES:
  Submit a build:         %s run "a star rating widget for product pages"
  Watch it live:          %s run --watch "a star rating widget"
  Resume after a crash:   %s resume bld-8f3k2j9q
  Queue summary:          %s status
  Catalog sanity check:   %s rules check
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	cmd := strings.ToLower(strings.TrimSpace(args[0]))
	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "version":
		fmt.Printf("specforge %s\n", Version)
		os.Exit(0)
	case "status":
		os.Exit(runStatusCommand(ctx, args[1:]))
	case "rules":
		os.Exit(runRulesCommand(ctx, args[1:]))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args[1:]))
	case "daemon":
		mode, err := parseDaemonSubcommandArgs(args[1:])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		if mode == daemonSubcommandHelp {
			printDaemonSubcommandUsage(os.Stdout)
			return
		}
		os.Exit(runPipelineCommand(ctx, cmd, nil))
	case "run", "resume", "watch":
		os.Exit(runPipelineCommand(ctx, cmd, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

// runPipelineCommand wires the full component stack and dispatches the
// build-running subcommands. Inspection subcommands stay out of here so
// a broken executor or catalog never blocks `status` or `doctor`.
func runPipelineCommand(ctx context.Context, cmd string, args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit before logger so E_LOGGER_INIT failures are still audited.
	// Audit only needs homeDir, not the logger itself.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	// Quiet logs (file-only) for CLI commands so stdout carries only
	// build output. The daemon logs to stdout as well.
	quietLogs := cmd != "daemon"
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if cfg.Gateway.Enabled {
		if host, _, err := net.SplitHostPort(cfg.Gateway.BindAddr); err == nil {
			h := strings.TrimSpace(strings.ToLower(host))
			loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
			if !loopback && cfg.Gateway.AuthToken == "" {
				logger.Warn("auth_token is empty on non-loopback bind; every client on the network can submit builds", "bind_addr", cfg.Gateway.BindAddr)
			}
		}
	}

	// First run: seed the starter catalog, capability and artifacts so
	// `specforge run` works out of the box.
	if err := config.EnsureStarters(cfg); err != nil {
		fatalStartup(logger, "E_STARTER_SEED", err)
	}

	// Create the event bus early so it can be passed to the store.
	eventBus := bus.New()

	// OpenTelemetry is a no-op when disabled.
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: &cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(config.DBPath(cfg.HomeDir), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	// Stale-build recovery. Only expired leases are requeued here: a
	// concurrently running daemon still owns its live leases. The daemon
	// additionally requeues every RUNNING row before its workers start.
	requeued, err := store.RequeueExpiredLeases(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "requeued", requeued)

	artifacts, err := artifact.NewDirStore(cfg.ArtifactRoot)
	if err != nil {
		fatalStartup(logger, "E_ARTIFACT_ROOT", err)
	}
	routeCache := cache.New(time.Duration(cfg.Cache.TTLSeconds) * time.Second)
	rtr := router.New(artifacts, routeCache, cfg.Budget, router.Options{
		PricingModel: cfg.Interpreter.Model,
		Metrics:      metrics,
		Bus:          eventBus,
	})

	reg := rules.Builtins()
	wasmHost, err := wasm.NewHost(ctx, wasm.Config{
		Store:               store,
		QuarantineThreshold: cfg.Rules.QuarantineThreshold,
	})
	if err != nil {
		fatalStartup(logger, "E_WASM_HOST_INIT", err)
	}
	defer wasmHost.Close(context.Background())
	fixerModules, err := wasmHost.LoadDir(ctx, cfg.Rules.FixerDir)
	if err != nil {
		fatalStartup(logger, "E_FIXER_DIR_LOAD", err)
	}
	// Plugin fixers must be in the registry before the catalog loads so
	// auto_fixable validation can resolve wasm: references.
	wasmHost.RegisterFixers(reg)

	catalog, err := rules.LoadCatalog(cfg.Rules.CatalogPath, reg)
	if err != nil {
		fatalStartup(logger, "E_CATALOG_LOAD", err)
	}
	if err := store.RecordCatalogVersion(ctx, catalog.VersionString(), catalog.Checksum, cfg.Rules.CatalogPath); err != nil {
		logger.Warn("failed to record catalog version", "error", err)
	}
	ruleEngine := rules.NewEngine(catalog, reg, rules.Options{
		Quarantine: store,
		Metrics:    metrics,
	})
	logger.Info("startup phase", "phase", "catalog_loaded",
		"catalog_version", catalog.Version,
		"rules", len(catalog.Rules),
		"wasm_fixers", len(fixerModules))

	source := capability.NewDirSource(cfg.Capabilities.Dirs...)
	caps, err := source.Reload(ctx)
	if err != nil {
		fatalStartup(logger, "E_CAPABILITY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "capabilities_loaded", "count", caps)

	schema, err := specdoc.NewDefaultSchemaValidator()
	if err != nil {
		fatalStartup(logger, "E_SCHEMA_COMPILE", err)
	}
	executor, err := builder.FromConfig(cfg.Executor)
	if err != nil {
		fatalStartup(logger, "E_EXECUTOR_INIT", err)
	}

	deps := pipeline.Deps{
		Store:        store,
		Router:       rtr,
		Interpreter:  interpret.FromConfig(ctx, cfg),
		Capabilities: source,
		Generator:    genspec.NewTemplateGenerator(),
		Rules:        ruleEngine,
		Schema:       schema,
		Executor:     executor,
		Screen:       safety.NewScreen(),
		Leaks:        safety.NewLeakDetector(),
		Bus:          eventBus,
		Metrics:      metrics,
		Tracer:       otelProvider.Tracer,
		Config:       cfg,
	}
	logger.Info("startup phase", "phase", "components_wired")

	switch cmd {
	case "daemon":
		return runDaemon(ctx, cfg, deps, daemonParts{
			source:   source,
			cache:    routeCache,
			wasmHost: wasmHost,
			registry: reg,
			logger:   logger,
		})
	case "run":
		return runRunCommand(ctx, deps, args)
	case "resume":
		return runResumeCommand(ctx, deps, args)
	case "watch":
		return runWatchCommand(ctx, deps, args)
	}
	return 2
}

// daemonParts carries the extras the daemon wires beyond pipeline.Deps.
type daemonParts struct {
	source   *capability.DirSource
	cache    *cache.Cache
	wasmHost *wasm.Host
	registry *rules.Registry
	logger   *slog.Logger
}

func runDaemon(ctx context.Context, cfg config.Config, deps pipeline.Deps, parts daemonParts) int {
	// Fixer hot-swap only makes sense in a long-lived process.
	fixerWatcher := wasm.NewWatcher(cfg.Rules.FixerDir, parts.wasmHost, parts.registry)
	if err := fixerWatcher.Start(ctx); err != nil {
		fatalStartup(parts.logger, "E_FIXER_WATCHER_START", err)
	}
	go func() {
		for ev := range fixerWatcher.Notifications() {
			parts.logger.Info("fixer watcher event", "level", ev.Level, "message", ev.Message)
		}
	}()

	d, err := gateway.NewDaemon(cfg, deps, gateway.DaemonOptions{
		Source: parts.source,
		Cache:  parts.cache,
		Logger: parts.logger,
	})
	if err != nil {
		fatalStartup(parts.logger, "E_DAEMON_INIT", err)
	}
	if err := d.Run(ctx); err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.Gateway.BindAddr)
			fatalStartup(parts.logger, "E_GATEWAY_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(parts.logger, "E_DAEMON_RUN", err)
	}
	return 0
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change gateway.bind_addr in config.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change gateway.bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

type daemonSubcommandMode int

const (
	daemonSubcommandRun daemonSubcommandMode = iota
	daemonSubcommandHelp
)

func parseDaemonSubcommandArgs(args []string) (daemonSubcommandMode, error) {
	if len(args) == 0 {
		return daemonSubcommandRun, nil
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		return daemonSubcommandHelp, nil
	}
	return daemonSubcommandRun, fmt.Errorf("usage: specforge daemon [--help]")
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printDaemonSubcommandUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: specforge daemon [--help]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Runs pipeline workers and the HTTP gateway until interrupted.")
}
