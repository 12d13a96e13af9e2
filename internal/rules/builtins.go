package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/forgeworks/specforge/internal/specdoc"
)

// Builtins returns a registry holding the predicate and fixer set the
// starter catalog references.
func Builtins() *Registry {
	reg := NewRegistry()
	reg.RegisterPredicate("require_fields", predicateRequireFields)
	reg.RegisterPredicate("field_true", predicateFieldTrue)
	reg.RegisterPredicate("field_present", predicateFieldPresent)
	reg.RegisterPredicate("components_kebab_case", predicateComponentsKebabCase)
	reg.RegisterPredicate("readonly_consistency", predicateReadonlyConsistency)
	reg.RegisterPredicate("component_limit", predicateComponentLimit)

	reg.RegisterFixer("set_field_true", fixerSetFieldTrue)
	reg.RegisterFixer("kebab_case_components", fixerKebabCaseComponents)
	reg.RegisterFixer("strip_edit_interactions", fixerStripEditInteractions)
	return reg
}

// editInteractions are the interaction names a read-only specification
// must not declare.
var editInteractions = map[string]bool{
	"edit":   true,
	"input":  true,
	"change": true,
}

func predicateRequireFields(doc *specdoc.Document, params map[string]any) (bool, error) {
	fields, err := stringSliceParam(params, "fields")
	if err != nil {
		return false, err
	}
	if len(fields) == 0 {
		return false, fmt.Errorf("require_fields: empty fields param")
	}
	for _, f := range fields {
		if _, ok := doc.Get(f); !ok {
			return false, nil
		}
	}
	return true, nil
}

func predicateFieldTrue(doc *specdoc.Document, params map[string]any) (bool, error) {
	field, err := stringParam(params, "field")
	if err != nil {
		return false, err
	}
	return doc.GetBool(field), nil
}

func predicateFieldPresent(doc *specdoc.Document, params map[string]any) (bool, error) {
	field, err := stringParam(params, "field")
	if err != nil {
		return false, err
	}
	_, ok := doc.Get(field)
	return ok, nil
}

func predicateComponentsKebabCase(doc *specdoc.Document, _ map[string]any) (bool, error) {
	for _, comp := range doc.Components() {
		name, ok := comp["name"].(string)
		if !ok {
			continue
		}
		if name != kebabCase(name) {
			return false, nil
		}
	}
	return true, nil
}

func predicateReadonlyConsistency(doc *specdoc.Document, _ map[string]any) (bool, error) {
	if !isReadOnly(doc) {
		return true, nil
	}
	for _, interaction := range doc.Interactions() {
		if editInteractions[interaction] {
			return false, nil
		}
	}
	return true, nil
}

func predicateComponentLimit(doc *specdoc.Document, params map[string]any) (bool, error) {
	max, err := intParam(params, "max")
	if err != nil {
		return false, err
	}
	return len(doc.Components()) <= max, nil
}

func fixerSetFieldTrue(_ context.Context, doc *specdoc.Document, params map[string]any) (Change, error) {
	field, err := stringParam(params, "field")
	if err != nil {
		return Change{}, err
	}
	original := "unset"
	if v, ok := doc.Get(field); ok {
		original = fmt.Sprintf("%v", v)
	}
	if err := doc.Set(field, true); err != nil {
		return Change{}, err
	}
	return Change{Field: field, Original: original, Fixed: "true"}, nil
}

func fixerKebabCaseComponents(_ context.Context, doc *specdoc.Document, _ map[string]any) (Change, error) {
	var originals, fixed []string
	for _, comp := range doc.Components() {
		name, ok := comp["name"].(string)
		if !ok {
			continue
		}
		kc := kebabCase(name)
		if kc == name || kc == "" {
			continue
		}
		comp["name"] = kc
		originals = append(originals, name)
		fixed = append(fixed, kc)
	}
	if len(fixed) == 0 {
		return Change{}, fmt.Errorf("no component names to fix")
	}
	return Change{
		Field:    "components.name",
		Original: strings.Join(originals, ", "),
		Fixed:    strings.Join(fixed, ", "),
	}, nil
}

func fixerStripEditInteractions(_ context.Context, doc *specdoc.Document, _ map[string]any) (Change, error) {
	current := doc.Interactions()
	kept := make([]string, 0, len(current))
	for _, interaction := range current {
		if !editInteractions[interaction] {
			kept = append(kept, interaction)
		}
	}
	if len(kept) == len(current) {
		return Change{}, fmt.Errorf("no edit interactions to strip")
	}
	doc.SetInteractions(kept)
	return Change{
		Field:    "interactions",
		Original: strings.Join(current, ", "),
		Fixed:    strings.Join(kept, ", "),
	}, nil
}

// isReadOnly reports whether the specification declares itself or any
// component read-only.
func isReadOnly(doc *specdoc.Document) bool {
	if doc.GetBool("readonly") {
		return true
	}
	for _, comp := range doc.Components() {
		props, ok := comp["props"].(map[string]any)
		if !ok {
			continue
		}
		if ro, ok := props["readonly"].(bool); ok && ro {
			return true
		}
	}
	return false
}

func kebabCase(s string) string {
	var b strings.Builder
	prevDash := false
	for i, r := range s {
		switch {
		case unicode.IsUpper(r):
			if i > 0 && !prevDash {
				b.WriteByte('-')
			}
			b.WriteRune(unicode.ToLower(r))
			prevDash = false
		case r == ' ' || r == '_' || r == '-':
			if b.Len() > 0 && !prevDash {
				b.WriteByte('-')
				prevDash = true
			}
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			prevDash = false
		}
	}
	return strings.TrimRight(b.String(), "-")
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing param %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("param %q must be a non-empty string", key)
	}
	return s, nil
}

func stringSliceParam(params map[string]any, key string) ([]string, error) {
	v, ok := params[key]
	if !ok {
		return nil, fmt.Errorf("missing param %q", key)
	}
	switch t := v.(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("param %q must contain strings", key)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("param %q must be a string list", key)
	}
}

func intParam(params map[string]any, key string) (int, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("missing param %q", key)
	}
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, fmt.Errorf("param %q: %w", key, err)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("param %q must be an integer, got %T", key, v)
	}
}
