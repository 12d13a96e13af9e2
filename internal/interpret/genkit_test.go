package interpret

import (
	"strings"
	"testing"
)

func TestParseWireInterpretation(t *testing.T) {
	t.Run("fenced json with prose", func(t *testing.T) {
		text := "Here is the intent you asked for:\n```json\n" +
			`{"component": "star-rating", "features": ["hover"], "interactivity": "read-only",` +
			`"attributes": {"max": "5"}, "confidence": 0.92, "needs_clarification": false}` +
			"\n```\nLet me know if you need anything else."
		out, err := parseWireInterpretation(text, "5-star rating, read-only")
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if out.Intent == nil || out.Intent.Component != "star-rating" {
			t.Fatalf("unexpected intent: %+v", out.Intent)
		}
		if out.Intent.Interactivity != ReadOnly {
			t.Fatalf("interactivity = %q", out.Intent.Interactivity)
		}
		if out.Intent.RawText != "5-star rating, read-only" {
			t.Fatalf("raw text = %q", out.Intent.RawText)
		}
		if out.Confidence != 0.92 {
			t.Fatalf("confidence = %v", out.Confidence)
		}
	})

	t.Run("unknown interactivity defaults to interactive", func(t *testing.T) {
		out, err := parseWireInterpretation(`{"component": "toggle-switch", "interactivity": "maybe", "confidence": 0.8}`, "x")
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if out.Intent.Interactivity != Interactive {
			t.Fatalf("interactivity = %q, want %q", out.Intent.Interactivity, Interactive)
		}
	})

	t.Run("empty component means no intent", func(t *testing.T) {
		out, err := parseWireInterpretation(`{"component": "", "confidence": 0.2, "needs_clarification": true}`, "x")
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if out.Intent != nil {
			t.Fatalf("expected nil intent, got %+v", out.Intent)
		}
	})

	t.Run("no json at all", func(t *testing.T) {
		_, err := parseWireInterpretation("I could not process that request.", "x")
		if err == nil || !strings.Contains(err.Error(), "no JSON") {
			t.Fatalf("want no-JSON error, got %v", err)
		}
	})

	t.Run("broken json", func(t *testing.T) {
		_, err := parseWireInterpretation(`{"component": "star-rating",`, "x")
		if err == nil {
			t.Fatal("want decode error")
		}
	})
}

func TestTokenizeKeepsCompounds(t *testing.T) {
	got := tokenize("a 5-star rating, read-only!")
	want := []string{"a", "5-star", "rating", "read-only"}
	if len(got) != len(want) {
		t.Fatalf("tokens = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tokens = %v, want %v", got, want)
		}
	}
}
