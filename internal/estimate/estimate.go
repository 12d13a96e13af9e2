// Package estimate provides the token-equivalent cost approximations used
// by the context router's budget checks.
package estimate

import "strings"

// Tokens returns a word-based token estimate for loaded content.
// Splits on whitespace, multiplies by 1.33 (avg tokens/word for English).
// Uses max(wordEstimate, len/4) as floor for code/non-English.
func Tokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// TokensForBytes returns the char-floor token estimate for a byte count.
// Used when budgets must be computed from declared sizes before content is
// inspected.
func TokensForBytes(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return n / 4
}
