// Package digest computes stable checksums of JSON payloads so a queued
// field event can be verified when it is read back from local storage.
package digest

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/gowebpki/jcs"
)

// Canonicalize returns the RFC 8785 (JCS) canonical form of JSON input.
func Canonicalize(input []byte) ([]byte, error) {
	return jcs.Transform(input)
}

// Sum canonicalizes JSON and returns its sha256 hex digest. Two payloads
// that differ only in key order or whitespace share a digest.
func Sum(input []byte) (string, error) {
	canonical, err := Canonicalize(input)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Verify reports whether input still matches want.
func Verify(input []byte, want string) bool {
	got, err := Sum(input)
	if err != nil {
		return false
	}
	return got == want
}
