// ABOUTME: NIM1-HMAC signing algorithms and their digest/MAC primitives
// ABOUTME: The NULL algorithm yields empty digests and MACs for test deployments

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// Algorithm names a NIM1 signing scheme, e.g. "NIM1-HMAC-SHA256".
type Algorithm string

const (
	AlgorithmNull   Algorithm = "NIM1-HMAC-NULL"
	AlgorithmSHA224 Algorithm = "NIM1-HMAC-SHA224"
	AlgorithmSHA256 Algorithm = "NIM1-HMAC-SHA256"
	AlgorithmSHA384 Algorithm = "NIM1-HMAC-SHA384"
	AlgorithmSHA512 Algorithm = "NIM1-HMAC-SHA512"
)

// Algorithms lists every supported algorithm.
var Algorithms = []Algorithm{
	AlgorithmNull,
	AlgorithmSHA224,
	AlgorithmSHA256,
	AlgorithmSHA384,
	AlgorithmSHA512,
}

// ParseAlgorithm accepts either the full name or the bare digest ("sha256").
func ParseAlgorithm(s string) (Algorithm, error) {
	for _, alg := range Algorithms {
		if s == string(alg) || strings.EqualFold(s, string(alg)[len(schemePrefix):]) {
			return alg, nil
		}
	}
	return "", fmt.Errorf("%w: unsupported algorithm %q", ErrMalformedHeader, s)
}

const schemePrefix = "NIM1-HMAC-"

func (a Algorithm) hasher() func() hash.Hash {
	switch a {
	case AlgorithmSHA224:
		return sha256.New224
	case AlgorithmSHA256:
		return sha256.New
	case AlgorithmSHA384:
		return sha512.New384
	case AlgorithmSHA512:
		return sha512.New
	}
	return nil
}

// Valid reports whether a is a supported algorithm.
func (a Algorithm) Valid() bool {
	return a == AlgorithmNull || a.hasher() != nil
}

// hexDigest returns hex(digest(data)), empty for NULL.
func (a Algorithm) hexDigest(data []byte) string {
	newHash := a.hasher()
	if newHash == nil {
		return ""
	}
	h := newHash()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// mac returns HMAC(key, data), empty for NULL.
func (a Algorithm) mac(key, data []byte) []byte {
	newHash := a.hasher()
	if newHash == nil {
		return nil
	}
	m := hmac.New(newHash, key)
	m.Write(data)
	return m.Sum(nil)
}
