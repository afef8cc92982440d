// Package canonicalize produces RFC 8785 (JSON Canonicalization Scheme)
// serializations for deterministic hashing of ledger payloads.
//
// Two writers hashing the same logical event must produce byte-identical
// canonical forms, so map keys are sorted and numbers are rendered per
// RFC 8785. Canonical does not touch string contents; free text that needs
// Unicode normalization goes through NormalizeString first.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Canonical returns the RFC 8785 canonical JSON form of v.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical JSON form of v,
// prefixed with the algorithm name.
func Hash(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// NormalizeString returns s in Unicode NFC form. Reviewer rationales and
// other free text are normalized before hashing so that visually identical
// input hashes identically.
func NormalizeString(s string) string {
	return norm.NFC.String(s)
}
