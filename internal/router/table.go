package router

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/forgeworks/specforge/internal/estimate"
)

// Task names a routing profile. One task exists per pipeline stage that
// consumes routed context, plus one for the clarification flow. The set
// is closed: Route rejects anything else before a single path is
// resolved.
type Task string

const (
	TaskInterpretIntent Task = "interpret_intent"
	TaskMatchCapability Task = "match_capability"
	TaskGenerateSpec    Task = "generate_spec"
	TaskValidateRules   Task = "validate_rules"
	TaskFinalValidate   Task = "final_validate"
	TaskGenerateCode    Task = "generate_code"
	TaskPackage         Task = "package"
	TaskClarify         Task = "clarify"
)

// Tasks returns the closed task set in pipeline order. Doctor iterates
// this to verify every task fits the configured budget.
func Tasks() []Task {
	return []Task{
		TaskInterpretIntent,
		TaskMatchCapability,
		TaskGenerateSpec,
		TaskValidateRules,
		TaskFinalValidate,
		TaskGenerateCode,
		TaskPackage,
		TaskClarify,
	}
}

// Shape declares how a routed artifact deserializes.
type Shape string

const (
	ShapeText Shape = "text" // markdown guides and contracts
	ShapeJSON Shape = "json" // schemas and structured examples
)

// pathSpec is one row of the routing table: the stable context key the
// artifact attaches under, a path template with {capabilityId} style
// placeholders, the declared shape, and whether the artifact may be
// absent from the corpus.
type pathSpec struct {
	Key      string
	Template string
	Shape    Shape
	Optional bool
}

// routingTable maps each task to its required artifacts. This is fixed,
// reviewed content; paths are produced by placeholder substitution only,
// never inferred at runtime.
var routingTable = map[Task][]pathSpec{
	TaskInterpretIntent: {
		{Key: "interpretation_guide", Template: "guides/intent/interpretation.md", Shape: ShapeText},
		{Key: "keyword_catalog", Template: "catalog/keywords.md", Shape: ShapeText},
	},
	TaskMatchCapability: {
		{Key: "keyword_catalog", Template: "catalog/keywords.md", Shape: ShapeText},
	},
	TaskGenerateSpec: {
		{Key: "spec_schema", Template: "schemas/spec-v2.json", Shape: ShapeJSON},
		{Key: "capability_contract", Template: "contracts/{capabilityId}/contract.md", Shape: ShapeText},
		{Key: "spec_example", Template: "examples/{capabilityId}/spec-example.json", Shape: ShapeJSON, Optional: true},
	},
	TaskValidateRules: {
		{Key: "rule_guide", Template: "guides/rules/catalog-usage.md", Shape: ShapeText},
	},
	TaskFinalValidate: {
		{Key: "spec_schema", Template: "schemas/spec-v2.json", Shape: ShapeJSON},
	},
	TaskGenerateCode: {
		{Key: "codegen_templates", Template: "guides/codegen/templates.md", Shape: ShapeText},
		{Key: "capability_contract", Template: "contracts/{capabilityId}/contract.md", Shape: ShapeText},
	},
	TaskPackage: {
		{Key: "packaging_layout", Template: "guides/packaging/layout.md", Shape: ShapeText},
	},
	TaskClarify: {
		{Key: "clarification_questions", Template: "guides/clarification/questions.md", Shape: ShapeText},
	},
}

// sizeTable declares the byte estimate per path template. Token
// equivalents derive from these via estimate.TokensForBytes, so the
// routing cost of a task is a constant. Templates missing from the
// table price at defaultPathBytes.
var sizeTable = map[string]int64{
	"guides/intent/interpretation.md":           3200,
	"catalog/keywords.md":                       2400,
	"schemas/spec-v2.json":                      10000,
	"contracts/{capabilityId}/contract.md":      8800,
	"examples/{capabilityId}/spec-example.json": 5200,
	"guides/rules/catalog-usage.md":             2800,
	"guides/codegen/templates.md":               4800,
	"guides/clarification/questions.md":         1600,
	"guides/packaging/layout.md":                2000,
}

const defaultPathBytes int64 = 4000

// Params supplies substitution values for templated paths plus the build
// identity used in logs and events. Path resolution reads only
// CapabilityID.
type Params struct {
	CapabilityID string
	BuildID      string
}

var placeholderPattern = regexp.MustCompile(`\{[a-zA-Z]+\}`)

// resolvedPath pairs a routing table row with its substituted path.
type resolvedPath struct {
	pathSpec
	Path string
}

// pathsFor resolves the routing table rows for a task. Unknown tasks and
// missing or malformed substitution parameters fail here, before any
// I/O happens.
func pathsFor(task Task, p Params) ([]resolvedPath, error) {
	specs, ok := routingTable[task]
	if !ok {
		return nil, fmt.Errorf("unknown routing task %q", task)
	}
	out := make([]resolvedPath, 0, len(specs))
	for _, s := range specs {
		path := s.Template
		if strings.Contains(path, "{capabilityId}") {
			if p.CapabilityID == "" {
				return nil, fmt.Errorf("task %s requires a capability id for %s", task, s.Template)
			}
			if strings.ContainsAny(p.CapabilityID, "/\\") || strings.Contains(p.CapabilityID, "..") {
				return nil, fmt.Errorf("task %s: capability id %q is not a valid path segment", task, p.CapabilityID)
			}
			path = strings.ReplaceAll(path, "{capabilityId}", p.CapabilityID)
		}
		if m := placeholderPattern.FindString(path); m != "" {
			return nil, fmt.Errorf("task %s: unresolved placeholder %s in %s", task, m, s.Template)
		}
		out = append(out, resolvedPath{pathSpec: s, Path: path})
	}
	return out, nil
}

// Cost is the static routing estimate for a task. It is a pure function
// of the resolved path list: the same task and parameters price
// identically on every call, loaded or not.
type Cost struct {
	Files         int
	Tokens        int64
	Bytes         int64
	Paths         []string
	PerPathTokens map[string]int64
}

func costOf(resolved []resolvedPath) Cost {
	c := Cost{
		Files:         len(resolved),
		Paths:         make([]string, 0, len(resolved)),
		PerPathTokens: make(map[string]int64, len(resolved)),
	}
	for _, rp := range resolved {
		b, ok := sizeTable[rp.Template]
		if !ok {
			b = defaultPathBytes
		}
		t := estimate.TokensForBytes(b)
		c.Bytes += b
		c.Tokens += t
		c.Paths = append(c.Paths, rp.Path)
		c.PerPathTokens[rp.Path] = t
	}
	return c
}

// Estimate prices a route without performing it.
func Estimate(task Task, p Params) (Cost, error) {
	resolved, err := pathsFor(task, p)
	if err != nil {
		return Cost{}, err
	}
	return costOf(resolved), nil
}
