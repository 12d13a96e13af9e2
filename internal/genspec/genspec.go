// Package genspec turns a matched intent and capability into a draft
// specification document. Drafts are untrusted output: the rule engine
// and the final schema validation decide what ships. The shipped
// adapter is a deterministic template generator; Generator leaves room
// for model-backed adapters behind the same contract.
package genspec

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/forgeworks/specforge/internal/capability"
	"github.com/forgeworks/specforge/internal/fault"
	"github.com/forgeworks/specforge/internal/interpret"
	"github.com/forgeworks/specforge/internal/router"
	"github.com/forgeworks/specforge/internal/specdoc"
)

// limitMaxScale is the well-known capability limit bounding the "max"
// prop. Every limit, recognized or not, is also copied into the
// document's constraints object.
const limitMaxScale = "max_stars"

// defaultContrastRatio is the WCAG AA floor for normal text.
const defaultContrastRatio = "4.5:1"

// interactionFeatures maps intent features that describe behavior
// rather than rendering to the interaction they imply. Everything else
// becomes a boolean prop on the component.
var interactionFeatures = map[string]string{
	"hover": "hover",
}

// Generator produces a draft specification for one build.
type Generator interface {
	Name() string
	Generate(ctx context.Context, intent *interpret.Intent, capa *capability.Capability, routed *router.Context) (*specdoc.Document, error)
}

// TemplateGenerator assembles the draft from the intent, the matched
// capability and the routed capability example. Identical inputs yield
// byte-identical canonical documents.
type TemplateGenerator struct{}

func NewTemplateGenerator() *TemplateGenerator { return &TemplateGenerator{} }

func (g *TemplateGenerator) Name() string { return "template" }

func (g *TemplateGenerator) Generate(ctx context.Context, intent *interpret.Intent, capa *capability.Capability, routed *router.Context) (*specdoc.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if intent == nil {
		return nil, fmt.Errorf("generate: nil intent")
	}
	if capa == nil {
		return nil, fmt.Errorf("generate: nil capability")
	}

	if err := rejectForbidden(intent, capa); err != nil {
		return nil, err
	}
	kept := supportedFeatures(intent, capa)

	props := buildProps(intent, capa, kept)
	applyExampleDefaults(props, capa, routed)

	component := map[string]any{
		"name":  capa.ID + "-view",
		"type":  capa.ID,
		"props": props,
	}

	// The accessibility rule pass owns keyboard_support; the draft only
	// carries the contrast default.
	doc := map[string]any{
		"name":             capa.ID,
		"capability_id":    capa.ID,
		"contract_version": capa.ContractVersion,
		"interactivity":    interactivityOf(intent),
		"components":       []any{component},
		"accessibility":    map[string]any{"contrast_ratio": defaultContrastRatio},
	}
	if ia := interactionsFor(intent, kept); len(ia) > 0 {
		doc["interactions"] = toAnySlice(ia)
	}
	if len(kept) > 0 {
		doc["features"] = toAnySlice(kept)
	}
	if len(capa.Limits) > 0 {
		doc["constraints"] = constraintsOf(capa)
	}

	slog.Debug("spec draft assembled",
		"generator", g.Name(),
		"capability", capa.ID,
		"interactivity", doc["interactivity"],
		"features", kept,
	)
	return specdoc.FromMap(doc), nil
}

// rejectForbidden fails generation when the intent asks for a feature
// the capability explicitly forbids. Forbidden features fail outright
// rather than becoming fixable violations.
func rejectForbidden(intent *interpret.Intent, capa *capability.Capability) error {
	var violations []fault.Violation
	for _, f := range intent.Features {
		if capa.Forbids(f) {
			violations = append(violations, fault.Violation{
				RuleID:     "CAPABILITY_FORBIDDEN",
				Message:    fmt.Sprintf("capability %s forbids feature %q", capa.ID, f),
				Suggestion: "drop the feature or pick a capability that allows it",
			})
		}
	}
	if len(violations) == 0 {
		return nil
	}
	return &fault.ValidationError{Stage: "generate_spec", Violations: violations}
}

// supportedFeatures filters the intent's features to those the
// capability declares. Unsupported ones are dropped from the draft and
// logged, not failed.
func supportedFeatures(intent *interpret.Intent, capa *capability.Capability) []string {
	var kept, dropped []string
	for _, f := range intent.Features {
		if capa.Supports(f) {
			kept = append(kept, f)
		} else {
			dropped = append(dropped, f)
		}
	}
	if len(dropped) > 0 {
		slog.Info("dropping unsupported features", "capability", capa.ID, "features", dropped)
	}
	sort.Strings(kept)
	return kept
}

// buildProps derives component props from intent attributes and kept
// features. Numeric attributes become ints; the scale prop is clamped
// to the capability's max_stars limit when one is declared.
func buildProps(intent *interpret.Intent, capa *capability.Capability, kept []string) map[string]any {
	props := make(map[string]any)

	keys := make([]string, 0, len(intent.Attributes))
	for k := range intent.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := intent.Attributes[k]
		n, err := strconv.Atoi(v)
		if err != nil {
			props[k] = v
			continue
		}
		if k == "max" {
			if limit, ok := capa.Limit(limitMaxScale); ok && n > limit {
				slog.Info("clamping scale to capability limit",
					"capability", capa.ID, "requested", n, "limit", limit)
				n = limit
			}
		}
		props[k] = n
	}

	for _, f := range kept {
		if _, isInteraction := interactionFeatures[f]; isInteraction {
			continue
		}
		props[strings.ReplaceAll(f, "-", "_")] = true
	}

	if intent.Interactivity == interpret.ReadOnly {
		props["readonly"] = true
	}
	return props
}

// applyExampleDefaults fills props the intent left open from the routed
// capability example. Interactivity stays the intent's call, so
// readonly is never taken from the example.
func applyExampleDefaults(props map[string]any, capa *capability.Capability, routed *router.Context) {
	if routed == nil {
		return
	}
	example := routed.JSON("spec_example")
	if example == nil {
		return
	}
	if id, _ := example["capability_id"].(string); id != capa.ID {
		slog.Warn("routed example is for a different capability", "want", capa.ID, "got", id)
		return
	}
	comps, _ := example["components"].([]any)
	if len(comps) == 0 {
		return
	}
	first, _ := comps[0].(map[string]any)
	exProps, _ := first["props"].(map[string]any)

	keys := make([]string, 0, len(exProps))
	for k := range exProps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "readonly" {
			continue
		}
		if _, set := props[k]; set {
			continue
		}
		props[k] = normalizeJSONNumber(exProps[k])
	}
}

// normalizeJSONNumber converts whole float64 values, the shape JSON
// numbers decode to, back to int so example defaults match
// intent-derived props.
func normalizeJSONNumber(v any) any {
	f, ok := v.(float64)
	if !ok {
		return v
	}
	if f == float64(int(f)) {
		return int(f)
	}
	return v
}

// interactionsFor derives the interaction list. Behavior features map
// directly; interactive drafts get the contract's change event, while
// read-only drafts carry no edit interactions at all.
func interactionsFor(intent *interpret.Intent, kept []string) []string {
	var out []string
	for _, f := range kept {
		if ia, ok := interactionFeatures[f]; ok {
			out = append(out, ia)
		}
	}
	if intent.Interactivity != interpret.ReadOnly {
		out = append(out, "change")
	}
	sort.Strings(out)
	return out
}

// constraintsOf copies the capability limits into the draft so rule
// parameters and downstream consumers see the ceilings the generator
// worked against.
func constraintsOf(capa *capability.Capability) map[string]any {
	out := make(map[string]any, len(capa.Limits))
	for k, v := range capa.Limits {
		out[k] = v
	}
	return out
}

func interactivityOf(intent *interpret.Intent) string {
	if intent.Interactivity == interpret.ReadOnly {
		return interpret.ReadOnly
	}
	return interpret.Interactive
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
