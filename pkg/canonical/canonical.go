// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and content hashing for tamper-evident records.
//
// Canonical form: object keys sorted, ES6 number formatting, minimal string
// escaping. Digests are BLAKE2b-256 over the canonical bytes. Both choices
// are stable within an installation; they are not an inter-system contract.
package canonical

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/blake2b"
)

// Marshal returns the RFC 8785 canonical JSON representation of v.
//
// v is first serialized with encoding/json (honoring struct tags), then
// transformed to canonical form. Per RFC 8785 all numbers are treated as
// IEEE 754 doubles and re-serialized in ES6 shortest form.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// Hash returns the hex BLAKE2b-256 digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the hex BLAKE2b-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashExcluding hashes v after removing the named top-level fields from its
// JSON object form. v must serialize to a JSON object.
func HashExcluding(v any, fields ...string) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonical: marshal: %w", err)
	}

	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return "", fmt.Errorf("canonical: not a JSON object: %w", err)
	}
	for _, f := range fields {
		delete(obj, f)
	}

	pruned, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("canonical: re-marshal: %w", err)
	}
	out, err := jcs.Transform(pruned)
	if err != nil {
		return "", fmt.Errorf("canonical: transform: %w", err)
	}
	return HashBytes(out), nil
}
