package router

import (
	"reflect"
	"strings"
	"testing"
)

func TestPathsFor_CoversEveryTask(t *testing.T) {
	for _, task := range Tasks() {
		resolved, err := pathsFor(task, Params{CapabilityID: "star-rating"})
		if err != nil {
			t.Fatalf("pathsFor(%s): %v", task, err)
		}
		if len(resolved) == 0 {
			t.Fatalf("pathsFor(%s) returned no paths", task)
		}
		for _, rp := range resolved {
			if strings.Contains(rp.Path, "{") {
				t.Errorf("task %s: unsubstituted path %s", task, rp.Path)
			}
		}
	}
}

func TestPathsFor_RejectsUnknownTask(t *testing.T) {
	_, err := pathsFor(Task("deploy"), Params{})
	if err == nil || !strings.Contains(err.Error(), "unknown routing task") {
		t.Fatalf("want unknown routing task error, got %v", err)
	}
}

func TestPathsFor_RequiresCapabilityID(t *testing.T) {
	_, err := pathsFor(TaskGenerateSpec, Params{})
	if err == nil || !strings.Contains(err.Error(), "capability id") {
		t.Fatalf("want capability id error, got %v", err)
	}

	// Tasks without templated paths route without parameters.
	if _, err := pathsFor(TaskInterpretIntent, Params{}); err != nil {
		t.Fatalf("interpret_intent should not need parameters: %v", err)
	}
}

func TestPathsFor_RejectsPathHostileCapabilityID(t *testing.T) {
	for _, id := range []string{"a/b", `a\b`, "..", "../../etc"} {
		if _, err := pathsFor(TaskGenerateSpec, Params{CapabilityID: id}); err == nil {
			t.Errorf("capability id %q accepted", id)
		}
	}
}

func TestCostOf_UsesDefaultForUnknownTemplate(t *testing.T) {
	c := costOf([]resolvedPath{{
		pathSpec: pathSpec{Key: "extra", Template: "notes/unlisted.md", Shape: ShapeText},
		Path:     "notes/unlisted.md",
	}})
	if c.Bytes != defaultPathBytes {
		t.Errorf("bytes = %d, want default %d", c.Bytes, defaultPathBytes)
	}
	if c.Tokens != defaultPathBytes/4 {
		t.Errorf("tokens = %d, want %d", c.Tokens, defaultPathBytes/4)
	}
	if c.PerPathTokens["notes/unlisted.md"] != defaultPathBytes/4 {
		t.Errorf("breakdown missing default-priced path: %v", c.PerPathTokens)
	}
}

func TestEstimate_IsStable(t *testing.T) {
	p := Params{CapabilityID: "star-rating"}
	first, err := Estimate(TaskGenerateSpec, p)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Estimate(TaskGenerateSpec, p)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("estimates differ across calls:\n%+v\n%+v", first, second)
	}

	if first.Files != 3 || first.Tokens != 6000 || first.Bytes != 24000 {
		t.Errorf("generate_spec cost = %d files / %d tokens / %d bytes, want 3 / 6000 / 24000",
			first.Files, first.Tokens, first.Bytes)
	}
}

func TestRoutingTable_SizesShapesAndKeys(t *testing.T) {
	for task, specs := range routingTable {
		seen := make(map[string]bool)
		for _, s := range specs {
			if s.Key == "" {
				t.Errorf("task %s: row %q has no key", task, s.Template)
			}
			if seen[s.Key] {
				t.Errorf("task %s: duplicate key %s", task, s.Key)
			}
			seen[s.Key] = true

			if _, ok := sizeTable[s.Template]; !ok {
				t.Errorf("task %s: template %s missing from size table", task, s.Template)
			}
			wantJSON := strings.HasSuffix(s.Template, ".json")
			if wantJSON != (s.Shape == ShapeJSON) {
				t.Errorf("task %s: %s declared shape %s", task, s.Template, s.Shape)
			}
		}
	}
}
