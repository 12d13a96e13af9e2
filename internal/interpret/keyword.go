package interpret

import (
	"context"
	"regexp"
	"sort"
	"strings"
)

// componentKeywords maps request tokens to component families. The table
// is fixed, reviewed content; the capability source decides which
// families are actually installed.
var componentKeywords = map[string]string{
	"rating":   "star-rating",
	"ratings":  "star-rating",
	"star":     "star-rating",
	"stars":    "star-rating",
	"score":    "star-rating",
	"review":   "star-rating",
	"reviews":  "star-rating",
	"feedback": "star-rating",

	"progress": "progress-bar",
	"loading":  "progress-bar",
	"spinner":  "progress-bar",

	"toggle":   "toggle-switch",
	"switch":   "toggle-switch",
	"checkbox": "toggle-switch",
}

// featureKeywords maps request tokens to normalized feature names.
var featureKeywords = map[string]string{
	"half":     "half-stars",
	"hover":    "hover",
	"disabled": "disabled",
	"required": "required",
	"label":    "label",
	"labels":   "label",
	"animated": "animated",
}

var readOnlyTokens = map[string]bool{
	"read-only": true,
	"readonly":  true,
	"static":    true,
	"display":   true,
}

var interactiveTokens = map[string]bool{
	"interactive": true,
	"editable":    true,
	"clickable":   true,
	"selectable":  true,
}

// stopwords are neutral tokens that count neither for nor against
// interpretation confidence.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true,
	"with": true, "for": true, "of": true, "to": true, "in": true,
	"on": true, "i": true, "we": true, "me": true, "my": true,
	"us": true, "our": true, "it": true, "this": true, "that": true,
	"want": true, "need": true, "like": true, "would": true,
	"please": true, "make": true, "create": true, "build": true,
	"add": true, "new": true, "widget": true, "component": true,
	"element": true, "control": true, "ui": true, "show": true,
	"render": true, "mode": true, "max": true, "maximum": true,
	"out": true,
}

var (
	nStarRE  = regexp.MustCompile(`^(\d+)-?stars?$`)
	maxOfRE  = regexp.MustCompile(`\b(?:max|maximum|out)\s+(?:of\s+)?(\d+)\b`)
	numberRE = regexp.MustCompile(`^\d+$`)
)

// KeywordInterpreter is the deterministic offline interpreter. Identical
// input always yields an identical interpretation.
type KeywordInterpreter struct{}

func NewKeywordInterpreter() *KeywordInterpreter { return &KeywordInterpreter{} }

func (k *KeywordInterpreter) Name() string { return "static" }

func (k *KeywordInterpreter) Interpret(_ context.Context, rawText string) (*Interpretation, error) {
	raw := strings.TrimSpace(rawText)
	if raw == "" {
		return &Interpretation{Confidence: 0, NeedsClarification: true}, nil
	}

	lower := strings.ToLower(raw)
	lower = strings.ReplaceAll(lower, "read only", "read-only")

	attributes := map[string]string{}
	if m := maxOfRE.FindStringSubmatch(lower); m != nil {
		attributes["max"] = m[1]
	}

	votes := map[string]int{}
	featureSet := map[string]bool{}
	interactivity := ""
	mapped := 0
	var unmapped []string
	seenUnmapped := map[string]bool{}

	for _, tok := range tokenize(lower) {
		switch {
		case stopwords[tok] || numberRE.MatchString(tok):
			// neutral
		case nStarRE.MatchString(tok):
			m := nStarRE.FindStringSubmatch(tok)
			if _, ok := attributes["max"]; !ok {
				attributes["max"] = m[1]
			}
			votes["star-rating"]++
			mapped++
		case readOnlyTokens[tok]:
			interactivity = ReadOnly
			mapped++
		case interactiveTokens[tok]:
			if interactivity == "" {
				interactivity = Interactive
			}
			mapped++
		case componentKeywords[tok] != "":
			votes[componentKeywords[tok]]++
			mapped++
		case featureKeywords[tok] != "":
			featureSet[featureKeywords[tok]] = true
			mapped++
		default:
			if !seenUnmapped[tok] {
				seenUnmapped[tok] = true
				unmapped = append(unmapped, tok)
			}
		}
	}

	component := winningComponent(votes)
	confidence := scoreConfidence(component, mapped, len(unmapped))
	needs := confidence < ClarificationThreshold || component == ""

	out := &Interpretation{
		Confidence:         confidence,
		UnmappedPhrases:    unmapped,
		NeedsClarification: needs,
	}
	if component != "" {
		if interactivity == "" {
			interactivity = Interactive
		}
		var features []string
		for f := range featureSet {
			features = append(features, f)
		}
		sort.Strings(features)
		if len(attributes) == 0 {
			attributes = nil
		}
		out.Intent = &Intent{
			Component:     component,
			Features:      features,
			Interactivity: interactivity,
			Attributes:    attributes,
			RawText:       raw,
		}
	}
	return out, nil
}

// tokenize splits lowered text into word tokens, keeping hyphens so
// compounds like "read-only" and "5-star" survive.
func tokenize(lower string) []string {
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' {
			return false
		}
		return true
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "-")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// winningComponent picks the family with the most keyword votes; ties go
// to the lexicographically smaller name so repeat runs agree.
func winningComponent(votes map[string]int) string {
	best := ""
	bestVotes := 0
	names := make([]string, 0, len(votes))
	for name := range votes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if votes[name] > bestVotes {
			best = name
			bestVotes = votes[name]
		}
	}
	return best
}

// scoreConfidence grades how much of the request was understood. A
// request with no recognizable component family never clears the
// clarification threshold.
func scoreConfidence(component string, mapped, unmappedCount int) float64 {
	total := mapped + unmappedCount
	if total == 0 {
		return 0
	}
	coverage := float64(mapped) / float64(total)
	if component == "" {
		return 0.25 * coverage
	}
	return 0.5 + 0.45*coverage
}
