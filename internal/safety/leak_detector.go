package safety

import (
	"regexp"
)

// LeakWarning describes a secret found in a generated artifact.
type LeakWarning struct {
	File    string
	Pattern string
	Sample  string // truncated match for logging
}

// LeakDetector scans generated artifacts for embedded secrets before
// they are packaged. Generators echo contract and example content, so
// anything leaked into those sources would otherwise ship.
type LeakDetector struct{}

func NewLeakDetector() *LeakDetector {
	return &LeakDetector{}
}

var leakPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{
		re:   regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
		desc: "API key",
	},
	{
		re:   regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`),
		desc: "Bearer token",
	},
	{
		re:   regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
		desc: "Google API key",
	},
	{
		re:   regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
		desc: "OpenAI API key",
	},
	{
		re:   regexp.MustCompile(`-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----`),
		desc: "private key",
	},
	{
		re:   regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`),
		desc: "password",
	},
}

// ScanFile checks one generated file for leaked secrets. Matches are
// reported, never modified; the packager decides whether to abort.
func (d *LeakDetector) ScanFile(name, content string) []LeakWarning {
	if content == "" {
		return nil
	}

	var warnings []LeakWarning
	for _, pat := range leakPatterns {
		matches := pat.re.FindAllString(content, 3) // cap per pattern
		for _, match := range matches {
			sample := match
			if len(sample) > 20 {
				sample = sample[:17] + "..."
			}
			warnings = append(warnings, LeakWarning{
				File:    name,
				Pattern: pat.desc,
				Sample:  sample,
			})
		}
	}
	return warnings
}
