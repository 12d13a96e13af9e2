package interpret

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/forgeworks/specforge/internal/config"
	"github.com/forgeworks/specforge/internal/specdoc"
)

// interpretSystem instructs the model to answer with a single JSON
// object matching the wire shape below.
const interpretSystem = `You convert a user interface build request into structured intent.
Respond with a single JSON object and nothing else:
{
  "component": "component family in kebab-case, empty string if unclear",
  "features": ["normalized feature tokens"],
  "interactivity": "interactive" or "read-only",
  "attributes": {"name": "value"},
  "confidence": number between 0.0 and 1.0,
  "unmapped_phrases": ["request phrases you could not map"],
  "needs_clarification": boolean
}
Set needs_clarification to true whenever confidence is below 0.6 or no
component family fits the request.`

// wireInterpretation is the JSON shape the model is asked to produce.
type wireInterpretation struct {
	Component          string            `json:"component"`
	Features           []string          `json:"features"`
	Interactivity      string            `json:"interactivity"`
	Attributes         map[string]string `json:"attributes"`
	Confidence         float64           `json:"confidence"`
	UnmappedPhrases    []string          `json:"unmapped_phrases"`
	NeedsClarification bool              `json:"needs_clarification"`
}

// GenkitInterpreter asks an LLM provider for structured intent. Without
// an API key it degrades to the deterministic keyword interpreter.
type GenkitInterpreter struct {
	g        *genkit.Genkit
	provider string
	model    string
	llmOn    bool
	fallback *KeywordInterpreter
}

// NewGenkitInterpreter initializes Genkit for the named provider.
// Supported: "google" (Gemini), "anthropic" (Claude), "openai" (GPT).
func NewGenkitInterpreter(ctx context.Context, provider, model, apiKey string) *GenkitInterpreter {
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.TrimSpace(model)
	if model == "" {
		model = config.DefaultModelFor(provider)
	}
	apiKey = strings.TrimSpace(apiKey)

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			plugin := &anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(plugin))
			llmOn = true
			slog.Info("genkit interpreter initialized", "provider", "anthropic", "model", model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Anthropic API key missing; using static interpreter")
		}

	case "openai":
		if apiKey != "" {
			plugin := &compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(plugin))
			llmOn = true
			slog.Info("genkit interpreter initialized", "provider", "openai", "model", model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI API key missing; using static interpreter")
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+model),
			)
			llmOn = true
			slog.Info("genkit interpreter initialized", "provider", "google", "model", "googleai/"+model)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Google API key missing; using static interpreter")
		}

	default:
		g = genkit.Init(ctx)
		slog.Warn("unknown interpreter provider, using static interpreter", "provider", provider)
	}

	return &GenkitInterpreter{
		g:        g,
		provider: provider,
		model:    model,
		llmOn:    llmOn,
		fallback: NewKeywordInterpreter(),
	}
}

func (gi *GenkitInterpreter) Name() string {
	if !gi.llmOn {
		return gi.fallback.Name()
	}
	return "genkit/" + gi.provider
}

func (gi *GenkitInterpreter) Interpret(ctx context.Context, rawText string) (*Interpretation, error) {
	if !gi.llmOn {
		return gi.fallback.Interpret(ctx, rawText)
	}

	trimmed := strings.TrimSpace(rawText)
	if trimmed == "" {
		return &Interpretation{Confidence: 0, NeedsClarification: true}, nil
	}

	resp, err := genkit.Generate(ctx, gi.g,
		ai.WithModelName(modelNameFor(gi.provider, gi.model)),
		ai.WithSystem(interpretSystem),
		ai.WithPrompt(trimmed),
	)
	if err != nil {
		return nil, fmt.Errorf("interpret generate: %w", err)
	}
	return parseWireInterpretation(resp.Text(), trimmed)
}

// parseWireInterpretation extracts the JSON object from model output and
// maps it onto an Interpretation. Malformed output is an error so the
// stage retry policy gets a chance at a clean answer.
func parseWireInterpretation(text, rawText string) (*Interpretation, error) {
	raw := specdoc.ExtractJSON(text)
	if raw == "" {
		return nil, fmt.Errorf("interpreter output contained no JSON object")
	}
	var w wireInterpretation
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("decode interpretation: %w", err)
	}

	out := &Interpretation{
		Confidence:         w.Confidence,
		UnmappedPhrases:    w.UnmappedPhrases,
		NeedsClarification: w.NeedsClarification,
	}
	component := strings.TrimSpace(w.Component)
	if component != "" {
		interactivity := Interactive
		if strings.TrimSpace(w.Interactivity) == ReadOnly {
			interactivity = ReadOnly
		}
		out.Intent = &Intent{
			Component:     component,
			Features:      w.Features,
			Interactivity: interactivity,
			Attributes:    w.Attributes,
			RawText:       rawText,
		}
	}
	return out, nil
}

func modelNameFor(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	default:
		return "googleai/" + model
	}
}
