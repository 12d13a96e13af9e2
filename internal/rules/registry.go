package rules

import (
	"context"

	"github.com/forgeworks/specforge/internal/specdoc"
)

// WasmFixerPrefix namespaces plugin fixers. A rule without a named fix
// resolves its fixer as WasmFixerPrefix + rule id, which is where the
// sandbox host registers loaded modules.
const WasmFixerPrefix = "wasm:"

// PredicateFunc reports whether doc complies with a rule. Predicates
// must be total, pure functions of the document and params; an error or
// panic aborts the whole evaluation pass.
type PredicateFunc func(doc *specdoc.Document, params map[string]any) (bool, error)

// Change describes what a fixer altered, carried on the Downgrade
// record.
type Change struct {
	Field    string
	Original string
	Fixed    string
}

// FixerFunc repairs doc in place so the rule's predicate passes. Must
// be deterministic for a given document.
type FixerFunc func(ctx context.Context, doc *specdoc.Document, params map[string]any) (Change, error)

// Registry resolves the predicate and fixer names used by catalog
// entries. Later registrations replace earlier ones, which lets tests
// stub builtins and lets plugin fixers shadow nothing by construction.
type Registry struct {
	predicates map[string]PredicateFunc
	fixers     map[string]FixerFunc
}

func NewRegistry() *Registry {
	return &Registry{
		predicates: make(map[string]PredicateFunc),
		fixers:     make(map[string]FixerFunc),
	}
}

func (r *Registry) RegisterPredicate(name string, fn PredicateFunc) {
	r.predicates[name] = fn
}

func (r *Registry) RegisterFixer(name string, fn FixerFunc) {
	r.fixers[name] = fn
}

func (r *Registry) predicate(name string) PredicateFunc {
	if name == "" {
		return nil
	}
	return r.predicates[name]
}

func (r *Registry) fixer(name string) FixerFunc {
	if name == "" {
		return nil
	}
	return r.fixers[name]
}

// FixerNames returns the registered fixer names, for doctor output.
func (r *Registry) FixerNames() []string {
	out := make([]string, 0, len(r.fixers))
	for name := range r.fixers {
		out = append(out, name)
	}
	return out
}

// fixerNameFor resolves the effective fixer name of a rule: the
// declared fix, or the plugin slot for its id.
func fixerNameFor(r Rule) string {
	if r.Fix != "" {
		return r.Fix
	}
	return WasmFixerPrefix + r.ID
}
