package interpret_test

import (
	"context"
	"reflect"
	"testing"

	"github.com/forgeworks/specforge/internal/interpret"
)

func TestKeywordInterpreter_FiveStarReadOnly(t *testing.T) {
	k := interpret.NewKeywordInterpreter()
	out, err := k.Interpret(context.Background(), "5-star rating, read-only")
	if err != nil {
		t.Fatalf("interpret: %v", err)
	}
	if out.Intent == nil {
		t.Fatalf("expected an intent, got clarification (unmapped %v)", out.UnmappedPhrases)
	}
	if out.Intent.Component != "star-rating" {
		t.Fatalf("component = %q, want star-rating", out.Intent.Component)
	}
	if out.Intent.Interactivity != interpret.ReadOnly {
		t.Fatalf("interactivity = %q, want %q", out.Intent.Interactivity, interpret.ReadOnly)
	}
	if got := out.Intent.Attributes["max"]; got != "5" {
		t.Fatalf("attributes[max] = %q, want 5", got)
	}
	if out.Confidence < 0.9 || out.Confidence > 1 {
		t.Fatalf("confidence = %v, want fully mapped request above 0.9", out.Confidence)
	}
	if out.NeedsClarification {
		t.Fatal("fully mapped request must not ask for clarification")
	}
	if len(out.UnmappedPhrases) != 0 {
		t.Fatalf("unexpected unmapped phrases: %v", out.UnmappedPhrases)
	}
}

func TestKeywordInterpreter_VagueRequestAsksForClarification(t *testing.T) {
	k := interpret.NewKeywordInterpreter()
	out, err := k.Interpret(context.Background(), "make it pop with pizzazz")
	if err != nil {
		t.Fatalf("interpret: %v", err)
	}
	if out.Intent != nil {
		t.Fatalf("expected nil intent, got %+v", out.Intent)
	}
	if !out.NeedsClarification {
		t.Fatal("expected needs_clarification")
	}
	if out.Confidence >= interpret.ClarificationThreshold {
		t.Fatalf("confidence = %v, want below %v", out.Confidence, interpret.ClarificationThreshold)
	}
	if len(out.UnmappedPhrases) == 0 {
		t.Fatal("expected the unmappable phrases to be reported")
	}
}

func TestKeywordInterpreter_Requests(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		component     string
		interactivity string
		features      []string
		maxAttr       string
	}{
		{
			name:          "toggle switch",
			input:         "toggle switch",
			component:     "toggle-switch",
			interactivity: interpret.Interactive,
		},
		{
			name:          "progress bar",
			input:         "a loading progress bar",
			component:     "progress-bar",
			interactivity: interpret.Interactive,
		},
		{
			name:          "editable rating with half stars",
			input:         "editable star rating with half stars",
			component:     "star-rating",
			interactivity: interpret.Interactive,
			features:      []string{"half-stars"},
		},
		{
			name:          "rating out of ten",
			input:         "rating out of 10",
			component:     "star-rating",
			interactivity: interpret.Interactive,
			maxAttr:       "10",
		},
		{
			name:          "read only spelled apart",
			input:         "score display, read only",
			component:     "star-rating",
			interactivity: interpret.ReadOnly,
		},
	}
	k := interpret.NewKeywordInterpreter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := k.Interpret(context.Background(), tt.input)
			if err != nil {
				t.Fatalf("interpret: %v", err)
			}
			if out.Intent == nil {
				t.Fatalf("expected an intent (unmapped %v)", out.UnmappedPhrases)
			}
			if out.Intent.Component != tt.component {
				t.Fatalf("component = %q, want %q", out.Intent.Component, tt.component)
			}
			if out.Intent.Interactivity != tt.interactivity {
				t.Fatalf("interactivity = %q, want %q", out.Intent.Interactivity, tt.interactivity)
			}
			if tt.features != nil && !reflect.DeepEqual(out.Intent.Features, tt.features) {
				t.Fatalf("features = %v, want %v", out.Intent.Features, tt.features)
			}
			if tt.maxAttr != "" && out.Intent.Attributes["max"] != tt.maxAttr {
				t.Fatalf("attributes[max] = %q, want %q", out.Intent.Attributes["max"], tt.maxAttr)
			}
		})
	}
}

func TestKeywordInterpreter_EmptyInput(t *testing.T) {
	k := interpret.NewKeywordInterpreter()
	out, err := k.Interpret(context.Background(), "   ")
	if err != nil {
		t.Fatalf("interpret: %v", err)
	}
	if out.Intent != nil || !out.NeedsClarification || out.Confidence != 0 {
		t.Fatalf("empty input should ask for clarification, got %+v", out)
	}
}

func TestKeywordInterpreter_Deterministic(t *testing.T) {
	k := interpret.NewKeywordInterpreter()
	const input = "5-star review score with hover labels, read-only"
	first, err := k.Interpret(context.Background(), input)
	if err != nil {
		t.Fatalf("interpret: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := k.Interpret(context.Background(), input)
		if err != nil {
			t.Fatalf("interpret: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d diverged:\nfirst %+v\nagain %+v", i, first, again)
		}
	}
}
