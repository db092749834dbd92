package lease

import (
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Reasons returned by Coordinator.Answered.
const (
	ReasonSameAgentType    = "same_agent_type"
	ReasonDuplicateContent = "duplicate_content"
)

// Normalize folds text to a comparison form: NFKC, case folded, with every
// run of non-alphanumeric characters collapsed to one space.
func Normalize(s string) string {
	s = cases.Fold().String(norm.NFKC.String(s))

	var b strings.Builder
	b.Grow(len(s))
	gap := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			if gap && b.Len() > 0 {
				b.WriteByte(' ')
			}
			gap = false
			b.WriteRune(r)
			continue
		}
		gap = true
	}
	return b.String()
}

// Fingerprint is the hex BLAKE2b-256 of Normalize(s), or "" when s has no
// letters or digits. Near-identical replies that differ only in case,
// punctuation, spacing, or Unicode width share a fingerprint.
func Fingerprint(s string) string {
	n := Normalize(s)
	if n == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(n))
	return hex.EncodeToString(sum[:])
}
