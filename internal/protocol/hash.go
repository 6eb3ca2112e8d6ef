package protocol

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainIdempotencyKey = "vend/idempotency-key/v1"
	DomainArguments      = "vend/arguments/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// KeyHash computes the idempotency key_hash for (key, function, version).
//
// The key is NFC normalized so visually identical keys from different
// clients hash identically. The tuple is serialized as RFC 8785 canonical
// JSON before hashing so no separator choice can make two tuples collide.
func KeyHash(key, function, version string) string {
	tuple, err := json.Marshal(map[string]string{
		"function": function,
		"key":      norm.NFC.String(key),
		"version":  version,
	})
	if err != nil {
		// map[string]string always marshals
		panic(err)
	}
	canonical, err := jcs.Transform(tuple)
	if err != nil {
		panic(err)
	}
	return hashWithDomain(DomainIdempotencyKey, canonical)
}

// ArgumentsHash computes the canonical hash of call arguments.
//
// Arguments are canonicalized per RFC 8785, so key order and whitespace do
// not affect the hash. Absent arguments hash like an empty object.
func ArgumentsHash(args json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	canonical, err := jcs.Transform(trimmed)
	if err != nil {
		return "", fmt.Errorf("ArgumentsHash: canonicalize: %w", err)
	}
	return hashWithDomain(DomainArguments, canonical), nil
}

// MustArgumentsHash is like ArgumentsHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustArgumentsHash(args json.RawMessage) string {
	h, err := ArgumentsHash(args)
	if err != nil {
		panic(err)
	}
	return h
}
