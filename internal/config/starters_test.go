package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnsureStarters_SeedsMissingFiles(t *testing.T) {
	home := t.TempDir()
	cfg := defaultConfig()
	cfg.HomeDir = home
	normalize(&cfg)

	if err := EnsureStarters(cfg); err != nil {
		t.Fatalf("EnsureStarters: %v", err)
	}

	catalog, err := os.ReadFile(cfg.Rules.CatalogPath)
	if err != nil {
		t.Fatalf("read seeded catalog: %v", err)
	}
	if !strings.Contains(string(catalog), "A11Y_KEYBOARD") {
		t.Fatalf("seeded catalog missing A11Y_KEYBOARD rule")
	}

	capPath := filepath.Join(cfg.Capabilities.Dirs[0], "star-rating", "CAPABILITY.md")
	if _, err := os.Stat(capPath); err != nil {
		t.Fatalf("seeded capability missing: %v", err)
	}

	for rel := range starterArtifacts {
		path := filepath.Join(cfg.ArtifactRoot, filepath.FromSlash(rel))
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("seeded artifact %s missing: %v", rel, err)
		}
	}
}

func TestEnsureStarters_NeverOverwrites(t *testing.T) {
	home := t.TempDir()
	cfg := defaultConfig()
	cfg.HomeDir = home
	normalize(&cfg)

	custom := "version: 99\nrules: []\n"
	if err := os.WriteFile(cfg.Rules.CatalogPath, []byte(custom), 0o644); err != nil {
		t.Fatalf("write custom catalog: %v", err)
	}

	if err := EnsureStarters(cfg); err != nil {
		t.Fatalf("EnsureStarters: %v", err)
	}

	got, err := os.ReadFile(cfg.Rules.CatalogPath)
	if err != nil {
		t.Fatalf("read catalog: %v", err)
	}
	if string(got) != custom {
		t.Fatalf("existing catalog was overwritten")
	}
}

func TestStarterCatalog_FixableRulesNameAFix(t *testing.T) {
	// Every auto_fixable rule in the starter catalog must carry a fix,
	// otherwise catalog load rejects it.
	lines := strings.Split(StarterCatalogYAML, "\n")
	for i, line := range lines {
		if !strings.Contains(line, "auto_fixable: true") {
			continue
		}
		found := false
		for j := i; j < len(lines) && j < i+8; j++ {
			if strings.HasPrefix(strings.TrimSpace(lines[j]), "fix:") {
				found = true
				break
			}
			if strings.HasPrefix(strings.TrimSpace(lines[j]), "- id:") && j > i {
				break
			}
		}
		if !found {
			t.Fatalf("auto_fixable rule near line %d has no fix", i+1)
		}
	}
}
