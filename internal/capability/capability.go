// Package capability resolves build intents against installed component
// capabilities. A capability is a directory holding a CAPABILITY.md file:
// YAML front matter declaring the bounded feature set and limits, prose
// documenting the component for humans.
package capability

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxCapabilityMDSize is the maximum allowed size for a CAPABILITY.md
// file (1 MiB).
const maxCapabilityMDSize = 1 << 20

var idRE = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// Capability declares what a component family can do. The generated
// specification may only request features the capability supports and
// must stay inside its limits.
type Capability struct {
	ID              string `yaml:"id" json:"id"`
	Name            string `yaml:"name" json:"name"`
	Version         string `yaml:"version,omitempty" json:"version,omitempty"`
	ContractVersion string `yaml:"contract_version" json:"contract_version"`
	Category        string `yaml:"category,omitempty" json:"category,omitempty"`

	// Keywords feed intent matching. Stored lowercased.
	Keywords []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`

	// SupportedFeatures is the closed set of optional features a
	// specification may request from this capability.
	SupportedFeatures []string `yaml:"supported_features,omitempty" json:"supported_features,omitempty"`

	// Limits are named numeric ceilings, e.g. max_stars or
	// max_components.
	Limits map[string]int `yaml:"limits,omitempty" json:"limits,omitempty"`

	// Forbidden features reject the build outright when requested.
	Forbidden []string `yaml:"forbidden,omitempty" json:"forbidden,omitempty"`

	// Notes is the markdown body following the front matter.
	Notes string `yaml:"-" json:"-"`

	// SourceDir is the absolute capability directory, set at load time.
	SourceDir string `yaml:"-" json:"-"`
}

// CanonicalKey returns the normalized capability key used for lookups
// and collision detection.
func CanonicalKey(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Supports reports whether the capability's declared feature set
// includes feature.
func (c *Capability) Supports(feature string) bool {
	feature = CanonicalKey(feature)
	for _, f := range c.SupportedFeatures {
		if CanonicalKey(f) == feature {
			return true
		}
	}
	return false
}

// Forbids reports whether the capability explicitly rejects feature.
func (c *Capability) Forbids(feature string) bool {
	feature = CanonicalKey(feature)
	for _, f := range c.Forbidden {
		if CanonicalKey(f) == feature {
			return true
		}
	}
	return false
}

// Limit returns the named numeric ceiling, if declared.
func (c *Capability) Limit(name string) (int, bool) {
	v, ok := c.Limits[name]
	return v, ok
}

// ParseCapabilityMD parses a CAPABILITY.md document. The front matter is
// mandatory; prose after the closing delimiter becomes Notes.
func ParseCapabilityMD(data []byte) (*Capability, error) {
	yamlBytes, body, err := extractFrontMatter(data)
	if err != nil {
		return nil, err
	}
	if len(yamlBytes) == 0 {
		return nil, fmt.Errorf("missing front matter: CAPABILITY.md must open with ---")
	}

	var c Capability
	if err := yaml.Unmarshal(yamlBytes, &c); err != nil {
		return nil, fmt.Errorf("parse front matter yaml: %w", err)
	}

	c.ID = strings.TrimSpace(c.ID)
	c.Name = strings.TrimSpace(c.Name)
	c.ContractVersion = strings.TrimSpace(c.ContractVersion)
	c.Notes = strings.TrimSpace(body)

	if c.ID == "" {
		return nil, fmt.Errorf("missing capability id")
	}
	if !idRE.MatchString(c.ID) {
		return nil, fmt.Errorf("capability id %q is not kebab-case", c.ID)
	}
	if c.ContractVersion == "" {
		return nil, fmt.Errorf("capability %s: missing contract_version", c.ID)
	}

	seen := map[string]bool{}
	var keywords []string
	for _, kw := range c.Keywords {
		kw = CanonicalKey(kw)
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		keywords = append(keywords, kw)
	}
	sort.Strings(keywords)
	c.Keywords = keywords

	return &c, nil
}

// extractFrontMatter splits a canonical front matter block from the
// markdown body:
//   - first line is `---`
//   - second `---` line terminates the block
//
// A file that opens a block but never closes it is an author error.
func extractFrontMatter(data []byte) (yamlBytes []byte, body string, err error) {
	s := string(data)
	if s == "" {
		return nil, "", nil
	}

	firstLineEnd := strings.IndexByte(s, '\n')
	firstLine := s
	restStart := len(s)
	if firstLineEnd >= 0 {
		firstLine = s[:firstLineEnd]
		restStart = firstLineEnd + 1
	}
	firstLine = strings.TrimSpace(strings.TrimSuffix(firstLine, "\r"))
	if firstLine != "---" {
		return nil, "", nil
	}

	i := restStart
	for i <= len(s) {
		nextNL := strings.IndexByte(s[i:], '\n')
		line := ""
		next := len(s)
		if nextNL >= 0 {
			line = s[i : i+nextNL]
			next = i + nextNL + 1
		} else {
			line = s[i:]
		}
		trimmed := strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if trimmed == "---" {
			return []byte(s[restStart:i]), s[next:], nil
		}
		if next == len(s) && nextNL < 0 {
			break
		}
		i = next
	}

	return nil, "", fmt.Errorf("unclosed front matter: opening --- found but no closing ---")
}
