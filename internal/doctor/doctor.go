package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/forgeworks/specforge/internal/capability"
	"github.com/forgeworks/specforge/internal/config"
	"github.com/forgeworks/specforge/internal/persistence"
	"github.com/forgeworks/specforge/internal/rules"
	"github.com/forgeworks/specforge/internal/sandbox/wasm"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkArtifactRoot,
		checkCatalog,
		checkCapabilities,
		checkInterpreter,
		checkExecutor,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  fmt.Sprintf("fingerprint=%s", cfg.Fingerprint()),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir not creatable: %v", err)}
	}
	testFile := fmt.Sprintf("%s/.write_test", cfg.HomeDir)
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(config.DBPath(cfg.HomeDir), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	counts, err := store.Counts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	total := counts.Pending + counts.Running + counts.RetryWait + counts.Succeeded +
		counts.Rejected + counts.Failed + counts.NeedsClarification + counts.Canceled
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Schema migrated, queries working",
		Detail:  fmt.Sprintf("builds=%d, lease_expiries=%d", total, counts.LeaseExpiries),
	}
}

func checkArtifactRoot(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Artifacts", Status: "SKIP", Message: "Config missing"}
	}

	entries, err := os.ReadDir(cfg.ArtifactRoot)
	if os.IsNotExist(err) {
		return CheckResult{
			Name:    "Artifacts",
			Status:  "WARN",
			Message: fmt.Sprintf("Artifact root %s does not exist yet", cfg.ArtifactRoot),
			Detail:  "Seeded automatically on the first run",
		}
	}
	if err != nil {
		return CheckResult{Name: "Artifacts", Status: "FAIL", Message: fmt.Sprintf("Artifact root unreadable: %v", err)}
	}
	return CheckResult{Name: "Artifacts", Status: "PASS", Message: fmt.Sprintf("Artifact root readable (%d entries)", len(entries))}
}

// checkCatalog loads the catalog the way startup does, WASM fixers
// included, so every auto-fixable rule is proven to resolve a fixer.
func checkCatalog(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Rule Catalog", Status: "SKIP", Message: "Config missing"}
	}

	reg := rules.Builtins()
	wasmFixers := 0
	host, err := wasm.NewHost(ctx, wasm.Config{})
	if err != nil {
		return CheckResult{Name: "Rule Catalog", Status: "FAIL", Message: fmt.Sprintf("WASM host init failed: %v", err)}
	}
	defer host.Close(ctx)
	if _, err := host.LoadDir(ctx, cfg.Rules.FixerDir); err != nil {
		return CheckResult{Name: "Rule Catalog", Status: "FAIL", Message: fmt.Sprintf("Fixer dir unreadable: %v", err)}
	}
	wasmFixers = host.RegisterFixers(reg)

	if _, err := os.Stat(cfg.Rules.CatalogPath); os.IsNotExist(err) {
		return CheckResult{
			Name:    "Rule Catalog",
			Status:  "WARN",
			Message: fmt.Sprintf("Catalog %s does not exist yet", cfg.Rules.CatalogPath),
			Detail:  "Seeded automatically on the first run",
		}
	}
	cat, err := rules.LoadCatalog(cfg.Rules.CatalogPath, reg)
	if err != nil {
		return CheckResult{Name: "Rule Catalog", Status: "FAIL", Message: fmt.Sprintf("Load failed: %v", err)}
	}

	autoFixable := 0
	for _, r := range cat.Rules {
		if r.AutoFixable {
			autoFixable++
		}
	}
	return CheckResult{
		Name:    "Rule Catalog",
		Status:  "PASS",
		Message: fmt.Sprintf("Version %d, %d rules, every auto-fixable rule has a fixer", cat.Version, len(cat.Rules)),
		Detail:  fmt.Sprintf("auto_fixable=%d, wasm_fixers=%d, builtin_fixers=%d", autoFixable, wasmFixers, len(reg.FixerNames())-wasmFixers),
	}
}

func checkCapabilities(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Capabilities", Status: "SKIP", Message: "Config missing"}
	}

	source := capability.NewDirSource(cfg.Capabilities.Dirs...)
	n, err := source.Reload(ctx)
	if err != nil {
		return CheckResult{Name: "Capabilities", Status: "FAIL", Message: fmt.Sprintf("Scan failed: %v", err)}
	}
	if n == 0 {
		return CheckResult{
			Name:    "Capabilities",
			Status:  "WARN",
			Message: "No capabilities found; every build will be rejected at match",
			Detail:  fmt.Sprintf("dirs=%v", cfg.Capabilities.Dirs),
		}
	}
	return CheckResult{Name: "Capabilities", Status: "PASS", Message: fmt.Sprintf("%d capabilities loaded", n)}
}

func checkInterpreter(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Interpreter", Status: "SKIP", Message: "Config missing"}
	}

	provider := strings.ToLower(strings.TrimSpace(cfg.Interpreter.Provider))
	if provider == "" || provider == "static" {
		return CheckResult{Name: "Interpreter", Status: "PASS", Message: "Static keyword interpreter (offline, no API key)"}
	}
	if cfg.InterpreterAPIKey() == "" {
		return CheckResult{
			Name:    "Interpreter",
			Status:  "WARN",
			Message: fmt.Sprintf("No API key for provider %q", provider),
			Detail:  "Set the provider env var or interpreter.api_key in config.yaml",
		}
	}
	return CheckResult{Name: "Interpreter", Status: "PASS", Message: fmt.Sprintf("Provider %q with model %s", provider, cfg.Interpreter.Model)}
}

func checkExecutor(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Executor", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Executor.Kind != "docker" {
		return CheckResult{Name: "Executor", Status: "PASS", Message: fmt.Sprintf("Executor kind %q needs no daemon", cfg.Executor.Kind)}
	}

	if _, err := exec.LookPath("docker"); err != nil {
		return CheckResult{Name: "Executor", Status: "FAIL", Message: "docker binary not found (required for docker executor)"}
	}
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		return CheckResult{Name: "Executor", Status: "FAIL", Message: fmt.Sprintf("docker daemon unreachable: %v", err)}
	}
	return CheckResult{Name: "Executor", Status: "PASS", Message: fmt.Sprintf("Docker reachable, image %s", cfg.Executor.DockerImage)}
}

// checkNetwork probes DNS for the interpreter endpoint. The static
// interpreter is fully offline, so there is nothing to probe.
func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	provider := strings.ToLower(strings.TrimSpace(cfg.Interpreter.Provider))
	if provider == "" || provider == "static" {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Static interpreter needs no network"}
	}

	endpoints := map[string]string{
		"google":    "generativelanguage.googleapis.com",
		"anthropic": "api.anthropic.com",
		"openai":    "api.openai.com",
	}
	host, ok := endpoints[provider]
	if !ok {
		host = "generativelanguage.googleapis.com"
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s", provider),
	}
}
