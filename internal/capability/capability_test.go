package capability_test

import (
	"reflect"
	"strings"
	"testing"

	"github.com/forgeworks/specforge/internal/capability"
	"github.com/forgeworks/specforge/internal/config"
)

const sampleCapabilityMD = `---
id: star-rating
name: Star Rating
version: 1.2.0
contract_version: v2
category: input
keywords: [Rating, stars, STARS, score]
supported_features: [half-stars, hover]
limits:
  max_stars: 10
forbidden: [file-upload]
---

# Star Rating

Renders a row of selectable stars.
`

func TestParseCapabilityMD(t *testing.T) {
	c, err := capability.ParseCapabilityMD([]byte(sampleCapabilityMD))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.ID != "star-rating" || c.Name != "Star Rating" || c.ContractVersion != "v2" {
		t.Fatalf("unexpected header fields: %+v", c)
	}
	if want := []string{"rating", "score", "stars"}; !reflect.DeepEqual(c.Keywords, want) {
		t.Fatalf("keywords = %v, want lowercased dedup %v", c.Keywords, want)
	}
	if !c.Supports("half-stars") || c.Supports("free-text") {
		t.Fatalf("supported feature set wrong: %v", c.SupportedFeatures)
	}
	if !c.Forbids("file-upload") || c.Forbids("hover") {
		t.Fatalf("forbidden set wrong: %v", c.Forbidden)
	}
	if v, ok := c.Limit("max_stars"); !ok || v != 10 {
		t.Fatalf("limit max_stars = %d/%v, want 10", v, ok)
	}
	if !strings.Contains(c.Notes, "selectable stars") {
		t.Fatalf("notes not carried: %q", c.Notes)
	}
}

func TestParseCapabilityMD_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "no front matter",
			doc:     "# Just Markdown\n\nNothing declared.\n",
			wantErr: "missing front matter",
		},
		{
			name:    "unclosed front matter",
			doc:     "---\nid: star-rating\ncontract_version: v1\n",
			wantErr: "unclosed front matter",
		},
		{
			name:    "missing id",
			doc:     "---\nname: Star Rating\ncontract_version: v1\n---\n",
			wantErr: "missing capability id",
		},
		{
			name:    "id not kebab case",
			doc:     "---\nid: Star_Rating\ncontract_version: v1\n---\n",
			wantErr: "not kebab-case",
		},
		{
			name:    "missing contract version",
			doc:     "---\nid: star-rating\n---\n",
			wantErr: "missing contract_version",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := capability.ParseCapabilityMD([]byte(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseCapabilityMD_StarterSeedIsValid(t *testing.T) {
	c, err := capability.ParseCapabilityMD([]byte(config.StarterCapability))
	if err != nil {
		t.Fatalf("the seeded starter capability must parse: %v", err)
	}
	if c.ID != "star-rating" || c.ContractVersion != "v2" {
		t.Fatalf("unexpected starter header: %+v", c)
	}
	if !c.Supports("half-stars") {
		t.Fatalf("starter supported features = %v", c.SupportedFeatures)
	}
	if !c.Forbids("file-upload") {
		t.Fatalf("starter forbidden = %v", c.Forbidden)
	}
	if v, ok := c.Limit("max_stars"); !ok || v != 10 {
		t.Fatalf("starter limit max_stars = %d/%v", v, ok)
	}
}
