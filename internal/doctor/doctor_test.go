package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/forgeworks/specforge/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("SPECFORGE_HOME", t.TempDir())
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	return &cfg
}

func TestRun_AllChecksReport(t *testing.T) {
	cfg := testConfig(t)

	diag := Run(context.Background(), cfg, "test")
	if len(diag.Results) == 0 {
		t.Fatal("expected at least one check result")
	}
	seen := map[string]bool{}
	for _, res := range diag.Results {
		switch res.Status {
		case "PASS", "FAIL", "WARN", "SKIP":
		default:
			t.Fatalf("check %s has invalid status %q", res.Name, res.Status)
		}
		if res.Name == "" || res.Message == "" {
			t.Fatalf("check missing name or message: %+v", res)
		}
		if seen[res.Name] {
			t.Fatalf("duplicate check name %s", res.Name)
		}
		seen[res.Name] = true
	}
	for _, name := range []string{"Config", "Permissions", "Database", "Artifacts", "Rule Catalog", "Capabilities", "Interpreter", "Executor", "Network"} {
		if !seen[name] {
			t.Fatalf("missing check %s", name)
		}
	}
	if diag.System.Version != "test" {
		t.Fatalf("system version = %q, want test", diag.System.Version)
	}
}

func TestRun_NilConfig(t *testing.T) {
	diag := Run(context.Background(), nil, "test")
	for _, res := range diag.Results {
		if res.Status == "PASS" {
			t.Fatalf("check %s passed with nil config", res.Name)
		}
	}
}

func TestCheckDatabase_OpensAndMigrates(t *testing.T) {
	cfg := testConfig(t)

	result := checkDatabase(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("database check: %+v", result)
	}
}

func TestCheckArtifactRoot_MissingIsWarn(t *testing.T) {
	cfg := testConfig(t)
	cfg.ArtifactRoot = filepath.Join(cfg.HomeDir, "no-such-dir")

	result := checkArtifactRoot(context.Background(), cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN for missing artifact root, got %+v", result)
	}
}

func TestCheckCatalog_MissingIsWarn(t *testing.T) {
	cfg := testConfig(t)

	result := checkCatalog(context.Background(), cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN for unseeded catalog, got %+v", result)
	}
}

func TestCheckCatalog_SeededCatalogPasses(t *testing.T) {
	cfg := testConfig(t)
	if err := config.EnsureStarters(*cfg); err != nil {
		t.Fatalf("seed starters: %v", err)
	}

	result := checkCatalog(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS for starter catalog, got %+v", result)
	}
}

func TestCheckCatalog_AutoFixableWithoutFixerFails(t *testing.T) {
	cfg := testConfig(t)
	broken := `version: 1
rules:
  - id: NO_SUCH_FIX
    category: test
    severity: error
    auto_fixable: true
    predicate: field_present
    fix: not_a_registered_fixer
`
	if err := os.WriteFile(cfg.Rules.CatalogPath, []byte(broken), 0o644); err != nil {
		t.Fatal(err)
	}

	result := checkCatalog(context.Background(), cfg)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for unresolvable fixer, got %+v", result)
	}
}

func TestCheckCapabilities_EmptyIsWarn(t *testing.T) {
	cfg := testConfig(t)

	result := checkCapabilities(context.Background(), cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN for empty capability dirs, got %+v", result)
	}
}

func TestCheckInterpreter_StaticIsOffline(t *testing.T) {
	cfg := testConfig(t)

	result := checkInterpreter(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("static interpreter check: %+v", result)
	}
}

func TestCheckExecutor_LocalNeedsNoDaemon(t *testing.T) {
	cfg := testConfig(t)

	result := checkExecutor(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("local executor check: %+v", result)
	}
}

func TestCheckNetwork_StaticInterpreterSkips(t *testing.T) {
	cfg := testConfig(t)

	result := checkNetwork(context.Background(), cfg)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for static interpreter, got %+v", result)
	}
}

func TestCheckNetwork_NilConfig(t *testing.T) {
	result := checkNetwork(context.Background(), nil)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for nil config, got %s", result.Status)
	}
}

func TestCheckNetwork_CanceledContext(t *testing.T) {
	cfg := testConfig(t)
	cfg.Interpreter.Provider = "google"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := checkNetwork(ctx, cfg)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for canceled context, got %s", result.Status)
	}
}
