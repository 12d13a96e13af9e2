package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/forgeworks/specforge/internal/specdoc"
)

// StarterCatalogYAML is the rule catalog written on first run. Predicate
// and fix names refer to builtins registered by the rules package.
const StarterCatalogYAML = `version: 3
rules:
  - id: SCHEMA_REQUIRED_FIELDS
    category: structure
    severity: error
    auto_fixable: false
    description: Specification must declare name, capability_id and at least one component.
    predicate: require_fields
    params:
      fields: [name, capability_id, components]
  - id: A11Y_KEYBOARD
    category: accessibility
    severity: error
    auto_fixable: true
    description: Interactive components must declare keyboard interaction support.
    predicate: field_true
    params:
      field: accessibility.keyboard_support
    fix: set_field_true
  - id: A11Y_CONTRAST_NOTE
    category: accessibility
    severity: info
    auto_fixable: false
    description: Specifications should document a contrast ratio target.
    predicate: field_present
    params:
      field: accessibility.contrast_ratio
  - id: NAMING_COMPONENT_CASE
    category: naming
    severity: warning
    auto_fixable: true
    description: Component names use kebab-case.
    predicate: components_kebab_case
    fix: kebab_case_components
  - id: READONLY_NO_EDIT_INTERACTION
    category: behavior
    severity: error
    auto_fixable: true
    description: Read-only specifications must not declare edit interactions.
    predicate: readonly_consistency
    fix: strip_edit_interactions
  - id: STRUCTURE_COMPONENT_LIMIT
    category: structure
    severity: warning
    auto_fixable: false
    description: Specifications should stay under 20 components.
    predicate: component_limit
    params:
      max: 20
`

// StarterCapability is the sample capability seeded on first run so a
// fresh install can complete a build end to end.
const StarterCapability = `---
id: star-rating
name: Star Rating
version: 1.2.0
contract_version: v2
category: input
keywords: [rating, stars, star, score, feedback, review]
supported_features: [half-stars, hover, label, disabled]
limits:
  max_stars: 10
  max_components: 5
forbidden: [free-text-input, file-upload]
---

# Star Rating

Renders a row of selectable stars. Supports a configurable maximum,
half-star display and a read-only mode for showing aggregate scores.

Props: max (int, default 5), value (float), readonly (bool, default false).
`

// starterArtifacts maps repository-relative paths to seed content. The
// paths mirror the routing table so a fresh install can route every task.
var starterArtifacts = map[string]string{
	"guides/intent/interpretation.md":        "# Interpreting build requests\n\nExtract the component family, interaction mode and constraints from the request text. Read-only, disabled and required are constraints, not components.\n",
	"guides/codegen/templates.md":            "# Code generation templates\n\nEach component renders from its contract. Respect declared props and emit accessibility attributes for every interactive element.\n",
	"guides/rules/catalog-usage.md":          "# Rule catalog usage\n\nRules run ordered by category then id. Fixable findings downgrade, unfixable errors reject.\n",
	"catalog/keywords.md":                    "# Capability keywords\n\nstar-rating: rating, stars, score, feedback, review\n",
	"schemas/spec-v2.json":                   specdoc.DefaultSchemaJSON + "\n",
	"contracts/star-rating/contract.md":      "# star-rating contract v2\n\nProps: max int default 5, value float, readonly bool default false.\nEvents: change(value float) unless readonly.\nAccessibility: role slider, arrow-key adjustment, aria-valuenow.\n",
	"examples/star-rating/spec-example.json": `{"name": "product-rating", "capability_id": "star-rating", "contract_version": "v2", "components": [{"name": "star-row", "type": "star-rating", "props": {"max": 5, "readonly": true}}], "interactions": ["hover"], "accessibility": {"keyboard_support": true, "contrast_ratio": "4.5:1"}}` + "\n",
	"guides/clarification/questions.md":      "# Clarification prompts\n\nWhen confidence is low, ask: which component family, what data it displays, whether users edit it.\n",
	"guides/packaging/layout.md":             "# Package layout\n\nEach artifact bundle contains spec.json, the generated sources and a MANIFEST listing file hashes.\n",
}

// EnsureStarters seeds the rule catalog, a sample capability and the
// artifact corpus on first run. Existing files are never overwritten.
func EnsureStarters(cfg Config) error {
	seed := func(path, content string) error {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", path, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("seed %s: %w", path, err)
		}
		return nil
	}

	if err := seed(cfg.Rules.CatalogPath, StarterCatalogYAML); err != nil {
		return err
	}
	if len(cfg.Capabilities.Dirs) > 0 {
		capPath := filepath.Join(cfg.Capabilities.Dirs[0], "star-rating", "CAPABILITY.md")
		if err := seed(capPath, StarterCapability); err != nil {
			return err
		}
	}
	for rel, content := range starterArtifacts {
		if err := seed(filepath.Join(cfg.ArtifactRoot, filepath.FromSlash(rel)), content); err != nil {
			return err
		}
	}
	return nil
}
