// Package safety screens build requests before they reach the intent
// interpreter and scans generated artifacts before packaging.
package safety

import (
	"fmt"
	"regexp"
	"strings"
)

// Action is the recommended response to a screening finding.
type Action int

const (
	ActionAllow Action = iota
	ActionWarn
	ActionBlock
)

// Result is the outcome of screening a build request.
type Result struct {
	Action  Action
	Reason  string
	Pattern string // matched pattern, for logging
}

// MaxRequestBytes bounds build request size. Longer requests are blocked
// before any interpretation happens.
const MaxRequestBytes = 16 * 1024

// Screen detects prompt injection in build request text. Requests feed
// an LLM interpreter, so hostile instructions embedded in them are
// treated as input, never as directives.
type Screen struct{}

func NewScreen() *Screen {
	return &Screen{}
}

type requestPattern struct {
	re     *regexp.Regexp
	action Action
	reason string
}

var requestPatterns = []requestPattern{
	{
		re:     regexp.MustCompile(`(?i)\b(ignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?))\b`),
		action: ActionBlock,
		reason: "instruction override attempt",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(you\s+are\s+now\s+(a|an|the)\s+\w+)`),
		action: ActionBlock,
		reason: "interpreter identity override",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(new\s+instructions?|override\s+(system\s+)?prompt|system\s+prompt\s+override)\b`),
		action: ActionBlock,
		reason: "system prompt override",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(reveal|show|display|print|output|repeat)\s+(\w+\s+)?(your\s+)?(system\s+)?(prompt|instructions?|rules?|guidelines?)\b`),
		action: ActionBlock,
		reason: "system prompt extraction",
	},
	{
		re:     regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`),
		action: ActionWarn,
		reason: "injection marker: [SYSTEM] tag",
	},
	{
		re:     regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`),
		action: ActionWarn,
		reason: "injection marker: chat template tag",
	},
	{
		// base64 of "ignore"/"Ignore"
		re:     regexp.MustCompile(`(?i)(aWdub3Jl|SWdub3Jl)`),
		action: ActionWarn,
		reason: "potential encoded injection",
	},
}

// Check analyzes a build request. Empty requests are allowed here;
// emptiness is an interpretation concern, not a safety one.
func (s *Screen) Check(request string) Result {
	if strings.TrimSpace(request) == "" {
		return Result{Action: ActionAllow}
	}
	if len(request) > MaxRequestBytes {
		return Result{
			Action: ActionBlock,
			Reason: fmt.Sprintf("request exceeds %d bytes", MaxRequestBytes),
		}
	}
	for _, ch := range request {
		if ch < 0x20 && ch != '\n' && ch != '\r' && ch != '\t' {
			return Result{
				Action: ActionBlock,
				Reason: "request contains control characters",
			}
		}
	}

	for _, pat := range requestPatterns {
		if pat.re.MatchString(request) {
			return Result{
				Action:  pat.action,
				Reason:  pat.reason,
				Pattern: pat.re.String(),
			}
		}
	}

	return Result{Action: ActionAllow}
}

// MustAllow returns an error when the result blocks the request.
func (r Result) MustAllow() error {
	if r.Action == ActionBlock {
		return fmt.Errorf("request rejected: %s", r.Reason)
	}
	return nil
}
