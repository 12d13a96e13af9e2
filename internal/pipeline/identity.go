package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"strings"
)

// buildIDPrefix marks build identifiers in logs, paths and the API.
const buildIDPrefix = "bld-"

// canonicalizeInput normalizes a request for identity purposes: runs of
// whitespace collapse to single spaces and the text is lowercased.
// Wording still matters; "a 5 star rating" and "rating with 5 stars"
// are different submissions.
func canonicalizeInput(raw string) string {
	return strings.ToLower(strings.Join(strings.Fields(raw), " "))
}

// submissionKey is the dedupe handle for a canonical input. Unlike the
// build id it never changes over the build's life.
func submissionKey(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// provisionalBuildID derives the identifier a build carries before
// capability matching. It depends on the canonical input alone.
func provisionalBuildID(canonical string) string {
	return buildIDPrefix + base36(sha256.Sum256([]byte(canonical)))
}

// finalBuildID derives the content identifier a build carries once its
// capability and contract version are known. NUL separators keep
// adjacent fields from aliasing.
func finalBuildID(canonical, capabilityID, contractVersion string) string {
	sum := sha256.Sum256([]byte(canonical + "\x00" + capabilityID + "\x00" + contractVersion))
	return buildIDPrefix + base36(sum)
}

func base36(sum [sha256.Size]byte) string {
	return new(big.Int).SetBytes(sum[:]).Text(36)
}
