package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Rule is one catalog entry. Predicate and Fix name functions in the
// registry; Params are passed to both.
type Rule struct {
	ID          string         `yaml:"id"`
	Category    string         `yaml:"category"`
	Severity    Severity       `yaml:"severity"`
	AutoFixable bool           `yaml:"auto_fixable"`
	Description string         `yaml:"description"`
	Suggestion  string         `yaml:"suggestion"`
	Predicate   string         `yaml:"predicate"`
	Fix         string         `yaml:"fix"`
	Params      map[string]any `yaml:"params"`
}

// Catalog is a versioned, ordered rule set. After a successful parse,
// Rules holds the execution order: category, then id.
type Catalog struct {
	Version int    `yaml:"version"`
	Rules   []Rule `yaml:"rules"`

	// Checksum is the hex sha256 of the raw catalog bytes, recorded with
	// catalog version snapshots.
	Checksum string `yaml:"-"`
}

func (c *Catalog) VersionString() string { return strconv.Itoa(c.Version) }

// ParseCatalog decodes and validates a rule catalog. Every predicate
// must resolve in the registry, and a rule declaring auto_fixable must
// resolve a concrete fixer: either its named fix or a plugin registered
// for its rule id. A rule naming a fix without auto_fixable is also
// rejected rather than silently ignored.
func ParseCatalog(data []byte, reg *Registry) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse rule catalog: %w", err)
	}
	if cat.Version <= 0 {
		return nil, fmt.Errorf("rule catalog: version must be positive, got %d", cat.Version)
	}
	if len(cat.Rules) == 0 {
		return nil, fmt.Errorf("rule catalog: no rules declared")
	}

	seen := make(map[string]bool, len(cat.Rules))
	for i, r := range cat.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule catalog: rule %d has no id", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("rule catalog: duplicate rule id %s", r.ID)
		}
		seen[r.ID] = true
		if r.Category == "" {
			return nil, fmt.Errorf("rule catalog: rule %s has no category", r.ID)
		}
		switch r.Severity {
		case SeverityError, SeverityWarning, SeverityInfo:
		default:
			return nil, fmt.Errorf("rule catalog: rule %s has unknown severity %q", r.ID, r.Severity)
		}
		if reg.predicate(r.Predicate) == nil {
			return nil, fmt.Errorf("rule catalog: rule %s: predicate %q not registered", r.ID, r.Predicate)
		}
		if r.AutoFixable {
			if reg.fixer(fixerNameFor(r)) == nil {
				return nil, fmt.Errorf("rule catalog: rule %s declares auto_fixable without a concrete fix", r.ID)
			}
		} else if r.Fix != "" {
			return nil, fmt.Errorf("rule catalog: rule %s names fix %q but is not auto_fixable", r.ID, r.Fix)
		}
	}

	slices.SortStableFunc(cat.Rules, func(a, b Rule) int {
		if c := strings.Compare(a.Category, b.Category); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	sum := sha256.Sum256(data)
	cat.Checksum = hex.EncodeToString(sum[:])
	return &cat, nil
}

// LoadCatalog reads and parses the catalog at path.
func LoadCatalog(path string, reg *Registry) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule catalog: %w", err)
	}
	return ParseCatalog(data, reg)
}
