// Package canonical produces the single deterministic byte representation
// used everywhere a trust-layer record is hashed or signed. Canonical form is
// json.Marshal output of the record: struct fields in declaration order, map
// keys sorted (hash_rule "canonical_json_sorted_keys_v1").
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Marshal returns the canonical bytes for v.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// SumObject hashes the canonical bytes of v with SHA-256 and returns the
// lowercase hex digest alongside the bytes that were hashed.
func SumObject(v any) (string, []byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

// SumPrefixed is SumObject with the digest rendered as "sha256:<hex>".
func SumPrefixed(v any) (string, []byte, error) {
	h, b, err := SumObject(v)
	if err != nil {
		return "", nil, err
	}
	return "sha256:" + h, b, nil
}

// HashString returns the SHA-256 hex digest of s.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashBytes returns the SHA-256 hex digest of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
