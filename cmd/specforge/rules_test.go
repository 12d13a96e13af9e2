package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/forgeworks/specforge/internal/config"
)

func seedStarterHome(t *testing.T) {
	t.Helper()
	t.Setenv("SPECFORGE_HOME", t.TempDir())
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if err := config.EnsureStarters(cfg); err != nil {
		t.Fatalf("seed starters: %v", err)
	}
}

func TestRunRulesCommand_NoAction(t *testing.T) {
	code := runRulesCommand(context.Background(), nil)
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunRulesCommand_UnknownAction(t *testing.T) {
	code := runRulesCommand(context.Background(), []string{"frobnicate"})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunRulesList_StarterCatalog(t *testing.T) {
	seedStarterHome(t)

	code := runRulesCommand(context.Background(), []string{"list"})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunRulesCheck_StarterCatalog(t *testing.T) {
	seedStarterHome(t)

	code := runRulesCommand(context.Background(), []string{"check"})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunRulesCheck_ExplicitPath(t *testing.T) {
	seedStarterHome(t)
	path := filepath.Join(os.Getenv("SPECFORGE_HOME"), "rules.yaml")

	code := runRulesCommand(context.Background(), []string{"check", path})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunRulesCheck_BrokenCatalog(t *testing.T) {
	seedStarterHome(t)
	broken := filepath.Join(os.Getenv("SPECFORGE_HOME"), "broken.yaml")
	// Duplicate rule ids must fail the check.
	data := `version: 1
rules:
  - id: DUP
    category: a
    severity: error
    predicate: field_present
  - id: DUP
    category: b
    severity: warning
    predicate: field_present
`
	if err := os.WriteFile(broken, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	code := runRulesCommand(context.Background(), []string{"check", broken})
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 for duplicate ids", code)
	}
}

func TestRunRulesCheck_MissingFile(t *testing.T) {
	seedStarterHome(t)

	code := runRulesCommand(context.Background(), []string{"check", "/no/such/catalog.yaml"})
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 for missing file", code)
	}
}
