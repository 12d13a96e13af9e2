package wasm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/forgeworks/specforge/internal/rules"
	"github.com/forgeworks/specforge/internal/specdoc"
)

// FixerFunc adapts the module loaded for ruleID into the engine's fixer
// shape. Rule params are not forwarded: a plugin's behavior is compiled
// in, and the wire protocol carries only the candidate document.
func (h *Host) FixerFunc(ruleID string) rules.FixerFunc {
	return func(ctx context.Context, doc *specdoc.Document, _ map[string]any) (rules.Change, error) {
		patched, err := h.InvokeFix(ctx, ruleID, doc)
		if err != nil {
			return rules.Change{}, err
		}
		change, err := diffChange(doc, patched)
		if err != nil {
			return rules.Change{}, err
		}
		fields := doc.Map()
		for key := range fields {
			delete(fields, key)
		}
		for key, value := range patched.Map() {
			fields[key] = value
		}
		return change, nil
	}
}

// RegisterFixers exposes every loaded module to reg under the wasm:
// prefix. Call before the catalog loads so auto_fixable validation can
// resolve plugin-backed rules. Returns the number registered.
func (h *Host) RegisterFixers(reg *rules.Registry) int {
	ids := h.Modules()
	for _, ruleID := range ids {
		reg.RegisterFixer(rules.WasmFixerPrefix+ruleID, h.FixerFunc(ruleID))
	}
	return len(ids)
}

// diffChange summarizes the difference between the document a fixer was
// given and the one it returned. A patch that changes nothing is an
// error: the predicate already failed, so an identical document cannot
// satisfy it.
func diffChange(before, after *specdoc.Document) (rules.Change, error) {
	prev := map[string]string{}
	next := map[string]string{}
	flattenInto("", before.Map(), prev)
	flattenInto("", after.Map(), next)

	paths := make([]string, 0, len(prev)+len(next))
	for p := range prev {
		paths = append(paths, p)
	}
	for p := range next {
		if _, ok := prev[p]; !ok {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	var fields, originals, fixed []string
	for _, p := range paths {
		ov, inPrev := prev[p]
		nv, inNext := next[p]
		if inPrev && inNext && ov == nv {
			continue
		}
		fields = append(fields, p)
		if inPrev {
			originals = append(originals, ov)
		} else {
			originals = append(originals, "unset")
		}
		if inNext {
			fixed = append(fixed, nv)
		} else {
			fixed = append(fixed, "removed")
		}
	}
	if len(fields) == 0 {
		return rules.Change{}, fmt.Errorf("fixer made no changes")
	}
	return rules.Change{
		Field:    strings.Join(fields, ", "),
		Original: strings.Join(originals, ", "),
		Fixed:    strings.Join(fixed, ", "),
	}, nil
}

// flattenInto renders every leaf under value as a dotted path. Non-map
// leaves, slices included, render through fmt's %v, which prints map
// contents in sorted key order.
func flattenInto(prefix string, value any, out map[string]string) {
	if m, ok := value.(map[string]any); ok {
		for key, v := range m {
			path := key
			if prefix != "" {
				path = prefix + "." + key
			}
			flattenInto(path, v, out)
		}
		return
	}
	out[prefix] = fmt.Sprintf("%v", value)
}
