// Package interpret turns raw build requests into structured intent.
//
// Two adapters ship: a deterministic keyword interpreter that runs
// offline (the default) and a Genkit-backed LLM interpreter. Every
// adapter answer passes through the contract wrapper before the
// pipeline trusts it.
package interpret

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/forgeworks/specforge/internal/config"
	"github.com/forgeworks/specforge/internal/fault"
)

// ClarificationThreshold is the confidence below which a build halts and
// asks the requester to restate the request.
const ClarificationThreshold = 0.6

// Interactivity values carried on an Intent.
const (
	Interactive = "interactive"
	ReadOnly    = "read-only"
)

// Intent is the structured reading of a build request.
type Intent struct {
	// Component is the requested component family in kebab-case,
	// e.g. "star-rating".
	Component string `json:"component"`

	// Features are normalized feature tokens, sorted and deduplicated.
	Features []string `json:"features,omitempty"`

	// Interactivity is Interactive or ReadOnly.
	Interactivity string `json:"interactivity"`

	// Attributes carries qualifier values extracted from the request,
	// e.g. {"max": "5"} for a five star rating.
	Attributes map[string]string `json:"attributes,omitempty"`

	// RawText is the trimmed request the intent was derived from.
	RawText string `json:"raw_text"`
}

// Interpretation is an interpreter's full answer. Intent is nil when the
// request could not be mapped to a component family.
type Interpretation struct {
	Intent             *Intent  `json:"intent,omitempty"`
	Confidence         float64  `json:"confidence"`
	UnmappedPhrases    []string `json:"unmapped_phrases,omitempty"`
	NeedsClarification bool     `json:"needs_clarification"`
}

// Interpreter converts raw request text into an Interpretation.
type Interpreter interface {
	Name() string
	Interpret(ctx context.Context, rawText string) (*Interpretation, error)
}

// Contract enforces the interpreter response contract. A violating
// response is untrusted input and is surfaced as a ContractViolation,
// never repaired.
type Contract struct {
	inner Interpreter
}

// EnforceContract wraps an interpreter with contract validation.
func EnforceContract(inner Interpreter) *Contract {
	return &Contract{inner: inner}
}

func (c *Contract) Name() string { return c.inner.Name() }

func (c *Contract) Interpret(ctx context.Context, rawText string) (*Interpretation, error) {
	out, err := c.inner.Interpret(ctx, rawText)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, &fault.ContractViolation{
			Collaborator: c.inner.Name(),
			Reason:       "nil interpretation",
		}
	}
	if math.IsNaN(out.Confidence) || out.Confidence < 0 || out.Confidence > 1 {
		return nil, &fault.ContractViolation{
			Collaborator: c.inner.Name(),
			Reason:       fmt.Sprintf("confidence %v outside [0,1]", out.Confidence),
		}
	}
	if out.Confidence < ClarificationThreshold && !out.NeedsClarification {
		return nil, &fault.ContractViolation{
			Collaborator: c.inner.Name(),
			Reason: fmt.Sprintf("confidence %.2f below %.2f without needs_clarification",
				out.Confidence, ClarificationThreshold),
		}
	}
	if out.Intent == nil && !out.NeedsClarification {
		return nil, &fault.ContractViolation{
			Collaborator: c.inner.Name(),
			Reason:       "no intent and no clarification request",
		}
	}
	return out, nil
}

// FromConfig builds the configured interpreter, contract-wrapped. The
// "static" provider is the offline keyword interpreter; anything else
// names a Genkit LLM provider.
func FromConfig(ctx context.Context, cfg config.Config) Interpreter {
	provider := strings.ToLower(strings.TrimSpace(cfg.Interpreter.Provider))
	if provider == "" || provider == "static" {
		return EnforceContract(NewKeywordInterpreter())
	}
	return EnforceContract(NewGenkitInterpreter(ctx, provider, cfg.Interpreter.Model, cfg.InterpreterAPIKey()))
}
