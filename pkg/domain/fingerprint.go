package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// NormalizeInput canonicalizes task input text for cache fingerprinting:
// lowercase, whitespace collapsed, trailing sentence punctuation stripped.
func NormalizeInput(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.TrimRight(s, ".!?")
	return strings.Join(strings.Fields(s), " ")
}

// Fingerprint derives the deterministic result-cache key for a task.
// Identical (capability, normalized input) pairs always collide, which is
// what lets a second request reuse a first request's result.
func Fingerprint(capability Capability, input string) string {
	h := sha256.New()
	h.Write([]byte(string(capability)))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeInput(input)))
	return hex.EncodeToString(h.Sum(nil))
}
