package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/forgeworks/specforge/internal/fault"
	"github.com/forgeworks/specforge/internal/pipeline"
	"github.com/forgeworks/specforge/internal/rules"
)

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		status string
		want   int
	}{
		{pipeline.StatusSuccess, 0},
		{pipeline.StatusRejected, 1},
		{pipeline.StatusNeedsClarification, 1},
		{pipeline.StatusError, 1},
		{pipeline.StatusCanceled, 1},
		{pipeline.StatusRunning, 1},
	}
	for _, tt := range tests {
		if got := exitCodeFor(tt.status); got != tt.want {
			t.Errorf("exitCodeFor(%q) = %d, want %d", tt.status, got, tt.want)
		}
	}
}

func TestPrintResult_Success(t *testing.T) {
	var buf bytes.Buffer
	printResult(&buf, &pipeline.BuildResult{
		BuildID:      "bld-abc123",
		Status:       pipeline.StatusSuccess,
		Stage:        "package",
		Attempt:      1,
		ArtifactPath: "/tmp/bld-abc123.tar.gz",
	})
	out := buf.String()

	if !strings.Contains(out, "bld-abc123") {
		t.Fatalf("missing build id: %q", out)
	}
	if !strings.Contains(out, "artifact: /tmp/bld-abc123.tar.gz") {
		t.Fatalf("missing artifact path: %q", out)
	}
	if strings.Contains(out, "errors:") {
		t.Fatalf("unexpected errors section: %q", out)
	}
}

func TestPrintResult_RejectedListsViolations(t *testing.T) {
	var buf bytes.Buffer
	printResult(&buf, &pipeline.BuildResult{
		BuildID: "bld-rej",
		Status:  pipeline.StatusRejected,
		Stage:   "validate_rules",
		Errors: []fault.Violation{
			{RuleID: "A11Y_ALT_TEXT", Message: "images must carry alt text", Suggestion: "add alt text to every image"},
		},
		Warnings: []string{"bundle estimate exceeds budget"},
	})
	out := buf.String()

	if !strings.Contains(out, "[A11Y_ALT_TEXT] images must carry alt text") {
		t.Fatalf("missing violation line: %q", out)
	}
	if !strings.Contains(out, "fix: add alt text to every image") {
		t.Fatalf("missing suggestion line: %q", out)
	}
	if !strings.Contains(out, "bundle estimate exceeds budget") {
		t.Fatalf("missing warning line: %q", out)
	}
}

func TestPrintResult_NeedsClarification(t *testing.T) {
	var buf bytes.Buffer
	printResult(&buf, &pipeline.BuildResult{
		BuildID:         "bld-unclear",
		Status:          pipeline.StatusNeedsClarification,
		Confidence:      0.42,
		Questions:       []string{"Which product field should the rating bind to?"},
		UnmappedPhrases: []string{"psychedelic vibes"},
	})
	out := buf.String()

	if !strings.Contains(out, "confidence: 0.42") {
		t.Fatalf("missing confidence: %q", out)
	}
	if !strings.Contains(out, "Which product field") {
		t.Fatalf("missing question: %q", out)
	}
	if !strings.Contains(out, `"psychedelic vibes"`) {
		t.Fatalf("missing unmapped phrase: %q", out)
	}
	if !strings.Contains(out, "specforge resume bld-unclear") {
		t.Fatalf("missing resume hint: %q", out)
	}
}

func TestPrintResult_AutoFixes(t *testing.T) {
	var buf bytes.Buffer
	printResult(&buf, &pipeline.BuildResult{
		BuildID: "bld-fixed",
		Status:  pipeline.StatusSuccess,
		Stage:   "package",
		Downgrades: []rules.Downgrade{
			{RuleID: "KEBAB_CASE", Field: "components.0.name", Original: "StarRating", Fixed: "star-rating", Reason: "component names are kebab-case"},
		},
	})
	out := buf.String()

	if !strings.Contains(out, "auto-fixes:") {
		t.Fatalf("missing auto-fixes section: %q", out)
	}
	if !strings.Contains(out, `"StarRating" became "star-rating"`) {
		t.Fatalf("missing fix detail: %q", out)
	}
}
