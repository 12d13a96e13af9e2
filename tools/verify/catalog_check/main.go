// Command catalog_check verifies rule catalog invariants end to end: the
// starter catalog parses with every predicate and fixer resolvable, parse
// order is category-then-id, a rule declaring auto_fixable without a concrete
// fixer is rejected at load, and two evaluation passes over the same document
// produce byte-identical reports.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/forgeworks/specforge/internal/config"
	"github.com/forgeworks/specforge/internal/rules"
	"github.com/forgeworks/specforge/internal/specdoc"
)

func main() {
	ok := true
	report := func(name string, got bool) {
		fmt.Printf("%s=%v\n", name, got)
		if !got {
			ok = false
		}
	}

	reg := rules.Builtins()

	cat, err := rules.ParseCatalog([]byte(config.StarterCatalogYAML), reg)
	if err != nil {
		fmt.Printf("starter_parse_error=%v\n", err)
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	report("starter_parses", true)

	ordered := sort.SliceIsSorted(cat.Rules, func(i, j int) bool {
		a, b := cat.Rules[i], cat.Rules[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.ID < b.ID
	})
	report("order_category_then_id", ordered)

	fixableWithoutFix := `version: 1
rules:
  - id: BAD_RULE
    category: structure
    severity: warning
    auto_fixable: true
    description: declares fixable with no fix function
    predicate: field_present
    params:
      field: name
`
	_, err = rules.ParseCatalog([]byte(fixableWithoutFix), reg)
	report("reject_fixable_without_fix", err != nil)

	fixWithoutFixable := `version: 1
rules:
  - id: BAD_RULE
    category: structure
    severity: warning
    auto_fixable: false
    description: names a fix but is not fixable
    predicate: field_present
    fix: set_field_true
    params:
      field: name
`
	_, err = rules.ParseCatalog([]byte(fixWithoutFixable), reg)
	report("reject_fix_without_fixable", err != nil)

	unknownPredicate := `version: 1
rules:
  - id: BAD_RULE
    category: structure
    severity: error
    auto_fixable: false
    description: names an unregistered predicate
    predicate: no_such_predicate
`
	_, err = rules.ParseCatalog([]byte(unknownPredicate), reg)
	report("reject_unknown_predicate", err != nil)

	doc := specdoc.FromMap(map[string]any{
		"name":          "star-rating",
		"capability_id": "star-rating",
		"components": []any{
			map[string]any{"type": "StarRow", "props": map[string]any{"readonly": true}},
		},
		"interactions": []any{"hover", "change"},
	})

	engine := rules.NewEngine(cat, reg, rules.Options{})
	ctx := context.Background()

	first, err := engine.Evaluate(ctx, "bld-catalog-check", doc.Clone())
	if err != nil {
		fmt.Printf("evaluate_error=%v\n", err)
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	second, err := engine.Evaluate(ctx, "bld-catalog-check", doc.Clone())
	if err != nil {
		fmt.Printf("evaluate_error=%v\n", err)
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}

	firstJSON, _ := json.Marshal(first)
	secondJSON, _ := json.Marshal(second)
	report("reports_byte_identical", bytes.Equal(firstJSON, secondJSON))
	report("counters_consistent", first.TotalRules == len(cat.Rules) &&
		first.PassedRules+len(first.Errors)+len(first.Warnings)+len(first.Notes)+len(first.Downgrades) == first.TotalRules)

	if !ok {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
