package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Normalize canonicalizes sample text for identity: lowercase, whitespace
// runs collapsed to one space, leading and trailing space trimmed. Two
// inputs that normalize identically are the same sample.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// SampleID derives the stable graph key for normalized text: the first 16
// hex characters of its SHA-256.
func SampleID(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}
