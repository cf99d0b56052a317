// Package flake models the locked package-set input a database caches:
// a fully pinned flake reference and the fingerprint derived from it.
package flake

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint is the SHA-256 digest uniquely identifying a locked input.
// It is the database's natural key.
type Fingerprint [sha256.Size]byte

// String returns the lowercase hex encoding of the fingerprint.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// ParseFingerprint decodes a lowercase hex fingerprint.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	raw, err := hex.DecodeString(s)
	if err != nil {
		return f, fmt.Errorf("parsing fingerprint: %w", err)
	}
	if len(raw) != sha256.Size {
		return f, fmt.Errorf("parsing fingerprint: got %d bytes, want %d", len(raw), sha256.Size)
	}
	copy(f[:], raw)
	return f, nil
}

// LockedRef is a fully pinned reference to a package-set source: the string
// form plus its attribute object, as produced by the evaluator's locking step.
type LockedRef struct {
	String string
	Attrs  json.RawMessage
}

// NewLockedRef builds a LockedRef from the string form alone, synthesising a
// minimal attribute object.
func NewLockedRef(ref string) (LockedRef, error) {
	attrs, err := json.Marshal(map[string]string{"url": ref})
	if err != nil {
		return LockedRef{}, fmt.Errorf("encoding flake attrs: %w", err)
	}
	return LockedRef{String: ref, Attrs: attrs}, nil
}

// Fingerprint derives the locked input's fingerprint from its string form.
func (r LockedRef) Fingerprint() Fingerprint {
	return Fingerprint(sha256.Sum256([]byte(r.String)))
}
