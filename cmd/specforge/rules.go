package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/forgeworks/specforge/internal/config"
	"github.com/forgeworks/specforge/internal/rules"
	"github.com/forgeworks/specforge/internal/sandbox/wasm"
)

func runRulesCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		printRulesUsage()
		return 2
	}
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "list":
		return runRulesList(ctx, args[1:])
	case "check":
		return runRulesCheck(ctx, args[1:])
	case "help", "-h", "--help":
		printRulesUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown rules action %q\n\n", args[0])
		printRulesUsage()
		return 2
	}
}

func printRulesUsage() {
	fmt.Fprintln(os.Stderr, "usage: specforge rules <action>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Actions:")
	fmt.Fprintln(os.Stderr, "  list          Show every rule in the configured catalog")
	fmt.Fprintln(os.Stderr, "  check [path]  Validate a catalog file without running builds")
}

// loadCatalogForCLI loads a catalog exactly the way the pipeline does:
// builtin fixers plus whatever WASM modules sit in the fixer dir, so a
// catalog passing here also passes at startup.
func loadCatalogForCLI(ctx context.Context, cfg config.Config, path string) (*rules.Catalog, error) {
	reg := rules.Builtins()
	host, err := wasm.NewHost(ctx, wasm.Config{})
	if err != nil {
		return nil, fmt.Errorf("wasm host: %w", err)
	}
	defer host.Close(ctx)
	if _, err := host.LoadDir(ctx, cfg.Rules.FixerDir); err != nil {
		return nil, fmt.Errorf("load fixer dir: %w", err)
	}
	host.RegisterFixers(reg)
	return rules.LoadCatalog(path, reg)
}

func runRulesList(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: specforge rules list")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	cat, err := loadCatalogForCLI(ctx, cfg, cfg.Rules.CatalogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "catalog: %v\n", err)
		return 1
	}

	fmt.Printf("catalog version %d  (%d rules, checksum %s)\n", cat.Version, len(cat.Rules), shortChecksum(cat.Checksum))
	fmt.Printf("%-10s %-24s %-16s %s\n", "SEVERITY", "RULE", "CATEGORY", "AUTO-FIX")
	for _, r := range cat.Rules {
		fix := "-"
		if r.AutoFixable {
			fix = r.Fix
			if fix == "" {
				fix = rules.WasmFixerPrefix + r.ID
			}
		}
		fmt.Printf("%-10s %-24s %-16s %s\n", r.Severity, r.ID, r.Category, fix)
	}
	return 0
}

func runRulesCheck(ctx context.Context, args []string) int {
	if len(args) > 1 {
		fmt.Fprintln(os.Stderr, "usage: specforge rules check [path]")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	path := cfg.Rules.CatalogPath
	if len(args) == 1 {
		path = strings.TrimSpace(args[0])
	}

	cat, err := loadCatalogForCLI(ctx, cfg, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FAIL %s: %v\n", path, err)
		return 1
	}
	autoFixable := 0
	for _, r := range cat.Rules {
		if r.AutoFixable {
			autoFixable++
		}
	}
	fmt.Printf("OK %s: version %d, %d rules (%d auto-fixable), checksum %s\n",
		path, cat.Version, len(cat.Rules), autoFixable, shortChecksum(cat.Checksum))
	return 0
}

func shortChecksum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
