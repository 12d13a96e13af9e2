package pipeline

import (
	"encoding/hex"
	"strings"
	"testing"
)

func TestCanonicalizeInput(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"collapses whitespace runs", "  Create a   5-star\trating,\nread-only  ", "create a 5-star rating, read-only"},
		{"lowercases", "READ-ONLY Widget", "read-only widget"},
		{"already canonical", "progress bar", "progress bar"},
		{"empty", "   \t\n ", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := canonicalizeInput(tc.in); got != tc.want {
				t.Errorf("canonicalizeInput(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSubmissionKey_StableHexDigest(t *testing.T) {
	k := submissionKey("create a 5-star rating widget, read-only display")
	if len(k) != 64 {
		t.Fatalf("key length = %d, want 64", len(k))
	}
	if _, err := hex.DecodeString(k); err != nil {
		t.Fatalf("key is not hex: %v", err)
	}
	if k != submissionKey("create a 5-star rating widget, read-only display") {
		t.Error("same canonical input produced different keys")
	}
	if k == submissionKey("create a 4-star rating widget, read-only display") {
		t.Error("different canonical inputs share a key")
	}
}

func TestBuildIDDerivation(t *testing.T) {
	const canonical = "create a 5-star rating widget, read-only display"

	prov := provisionalBuildID(canonical)
	if !strings.HasPrefix(prov, buildIDPrefix) {
		t.Fatalf("provisional id %q lacks prefix %q", prov, buildIDPrefix)
	}

	fin := finalBuildID(canonical, "star-rating", "v2")
	if !strings.HasPrefix(fin, buildIDPrefix) {
		t.Fatalf("final id %q lacks prefix %q", fin, buildIDPrefix)
	}
	if fin == prov {
		t.Error("final id must differ from the provisional id")
	}
	if fin != finalBuildID(canonical, "star-rating", "v2") {
		t.Error("final id is not deterministic")
	}
	if fin == finalBuildID(canonical, "star-rating", "v3") {
		t.Error("contract version does not change the final id")
	}
	if fin == finalBuildID(canonical, "toggle-switch", "v2") {
		t.Error("capability does not change the final id")
	}
}

func TestFinalBuildID_FieldBoundaries(t *testing.T) {
	// Without separators "star-rating"+"v2" and "star-ratin"+"gv2"
	// would hash identically.
	a := finalBuildID("x", "star-rating", "v2")
	b := finalBuildID("x", "star-ratin", "gv2")
	if a == b {
		t.Error("adjacent identity fields alias")
	}
}
