// Package rules evaluates specification documents against an ordered,
// versioned rule catalog. Each violated rule maps through a closed
// decision matrix: fixable findings downgrade and repair the document,
// unfixable errors reject it, unfixable warnings and info findings are
// recorded. One pass, fixed order, no retries.
package rules

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/forgeworks/specforge/internal/audit"
	"github.com/forgeworks/specforge/internal/fault"
	"github.com/forgeworks/specforge/internal/otel"
	"github.com/forgeworks/specforge/internal/specdoc"
)

// Finding is one recorded violation.
type Finding struct {
	RuleID      string   `json:"rule_id"`
	Category    string   `json:"category"`
	Severity    Severity `json:"severity"`
	Message     string   `json:"message"`
	Suggestion  string   `json:"suggestion,omitempty"`
	AutoFixable bool     `json:"auto_fixable"`
}

// Downgrade records an auto-fix that let the build proceed.
type Downgrade struct {
	RuleID   string `json:"rule_id"`
	Field    string `json:"field"`
	Original string `json:"original"`
	Fixed    string `json:"fixed"`
	Reason   string `json:"reason"`
}

// Report is the outcome of one evaluation pass. Document is the
// post-fix copy; the input document is never mutated.
type Report struct {
	CatalogVersion int         `json:"catalog_version"`
	TotalRules     int         `json:"total_rules"`
	PassedRules    int         `json:"passed_rules"`
	Errors         []Finding   `json:"errors,omitempty"`
	Warnings       []Finding   `json:"warnings,omitempty"`
	Notes          []Finding   `json:"notes,omitempty"`
	Downgrades     []Downgrade `json:"downgrades,omitempty"`

	Document *specdoc.Document `json:"-"`
}

// IsValid reports whether the document may continue downstream. Any
// remaining error is a hard gate.
func (r *Report) IsValid() bool { return len(r.Errors) == 0 }

// Violations converts the remaining errors for a ValidationError.
func (r *Report) Violations() []fault.Violation {
	out := make([]fault.Violation, 0, len(r.Errors))
	for _, f := range r.Errors {
		out = append(out, fault.Violation{
			RuleID:      f.RuleID,
			Message:     f.Message,
			Suggestion:  f.Suggestion,
			AutoFixable: f.AutoFixable,
		})
	}
	return out
}

// QuarantineChecker reports whether the plugin fixer for a rule is
// quarantined. Quarantined fixers demote their rule to unfixable for
// the pass.
type QuarantineChecker interface {
	IsFixerQuarantined(ctx context.Context, ruleID string) (bool, error)
}

// Options carries the optional collaborators of an Engine.
type Options struct {
	Quarantine QuarantineChecker
	Metrics    *otel.Metrics
}

// Engine runs evaluation passes over one loaded catalog.
type Engine struct {
	catalog    *Catalog
	reg        *Registry
	quarantine QuarantineChecker
	metrics    *otel.Metrics
}

func NewEngine(catalog *Catalog, reg *Registry, opts Options) *Engine {
	return &Engine{
		catalog:    catalog,
		reg:        reg,
		quarantine: opts.Quarantine,
		metrics:    opts.Metrics,
	}
}

func (e *Engine) CatalogVersion() int { return e.catalog.Version }

// Evaluate runs the single evaluation pass. Rules execute in catalog
// order (category, then id) against a working copy of doc, so fixes
// applied by earlier rules are visible to later predicates. A predicate
// failure aborts the pass as a fatal error; rule findings never do.
func (e *Engine) Evaluate(ctx context.Context, buildID string, doc *specdoc.Document) (*Report, error) {
	work := doc.Clone()
	report := &Report{
		CatalogVersion: e.catalog.Version,
		TotalRules:     len(e.catalog.Rules),
		Document:       work,
	}

	demoted, err := e.demotedRules(ctx)
	if err != nil {
		return nil, fault.Fatal("rules:quarantine", err)
	}

	for _, rule := range e.catalog.Rules {
		ok, err := runPredicate(rule, e.reg, work)
		if err != nil {
			return nil, fault.Fatal("rules:"+rule.ID, err)
		}
		if ok {
			report.PassedRules++
			continue
		}
		e.applyDecision(ctx, buildID, rule, demoted[rule.ID], work, report)
	}

	slog.Info("rule pass complete",
		"build_id", buildID,
		"catalog_version", report.CatalogVersion,
		"total", report.TotalRules,
		"passed", report.PassedRules,
		"errors", len(report.Errors),
		"warnings", len(report.Warnings),
		"notes", len(report.Notes),
		"downgrades", len(report.Downgrades),
	)
	return report, nil
}

// applyDecision maps one violated rule through the decision matrix.
func (e *Engine) applyDecision(ctx context.Context, buildID string, rule Rule, demoted bool, doc *specdoc.Document, report *Report) {
	if e.metrics != nil {
		e.metrics.RuleFindings.Add(ctx, 1, metric.WithAttributes(
			attribute.String("severity", string(rule.Severity)),
		))
	}

	f := Finding{
		RuleID:      rule.ID,
		Category:    rule.Category,
		Severity:    rule.Severity,
		Message:     rule.Description,
		Suggestion:  rule.Suggestion,
		AutoFixable: rule.AutoFixable && !demoted,
	}

	if rule.Severity == SeverityInfo {
		report.Notes = append(report.Notes, f)
		return
	}

	if rule.AutoFixable && !demoted {
		change, err := e.applyFix(ctx, rule, doc)
		if err == nil {
			dg := Downgrade{
				RuleID:   rule.ID,
				Field:    change.Field,
				Original: change.Original,
				Fixed:    change.Fixed,
				Reason:   rule.Description,
			}
			report.Downgrades = append(report.Downgrades, dg)
			audit.Record("allow", "rule:"+rule.ID,
				fmt.Sprintf("auto-fixed %s: %s -> %s", change.Field, change.Original, change.Fixed),
				e.catalog.VersionString(), buildID)
			if e.metrics != nil {
				e.metrics.Downgrades.Add(ctx, 1, metric.WithAttributes(
					otel.AttrRuleID.String(rule.ID),
				))
			}
			return
		}
		slog.Warn("fixer failed, rule treated as unfixable",
			"rule", rule.ID, "fixer", fixerNameFor(rule), "error", err)
		f.AutoFixable = false
	}

	switch rule.Severity {
	case SeverityError:
		report.Errors = append(report.Errors, f)
		audit.Record("reject", "rule:"+rule.ID, rule.Description, e.catalog.VersionString(), buildID)
	case SeverityWarning:
		report.Warnings = append(report.Warnings, f)
	}
}

// runPredicate guards the predicate call: a panic becomes an error so
// the engine can abort the pass instead of crashing the worker.
func runPredicate(rule Rule, reg *Registry, doc *specdoc.Document) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("predicate %s panicked: %v", rule.Predicate, r)
		}
	}()
	fn := reg.predicate(rule.Predicate)
	if fn == nil {
		return false, fmt.Errorf("predicate %s not registered", rule.Predicate)
	}
	return fn(doc, rule.Params)
}

// applyFix guards the fixer call the same way. A fixer failure is not
// fatal; the caller falls back to the unfixable row.
func (e *Engine) applyFix(ctx context.Context, rule Rule, doc *specdoc.Document) (change Change, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fixer panicked: %v", r)
		}
	}()
	name := fixerNameFor(rule)
	fn := e.reg.fixer(name)
	if fn == nil {
		return Change{}, fmt.Errorf("fixer %s not registered", name)
	}
	return fn(ctx, doc, rule.Params)
}

// demotedRules resolves which fixable rules lost their fixer to
// quarantine before the pass starts, keeping the pass deterministic.
func (e *Engine) demotedRules(ctx context.Context) (map[string]bool, error) {
	if e.quarantine == nil {
		return nil, nil
	}
	out := make(map[string]bool)
	for _, rule := range e.catalog.Rules {
		if !rule.AutoFixable {
			continue
		}
		q, err := e.quarantine.IsFixerQuarantined(ctx, rule.ID)
		if err != nil {
			return nil, fmt.Errorf("quarantine check for %s: %w", rule.ID, err)
		}
		if q {
			out[rule.ID] = true
			slog.Warn("fixer quarantined, rule demoted to unfixable", "rule", rule.ID)
		}
	}
	return out, nil
}
