// Package crypto provides the hashing, signing, and proof-of-work primitives
// shared by every block level.
package crypto

import (
	"crypto/sha256"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// HashAlgo selects which digest function a chain uses for its proofs.
// It is fixed per chain and advertised during matchmaking registration so
// peers know how to verify that chain's blocks.
type HashAlgo string

const (
	HashBlake2b HashAlgo = "blake2b"
	HashSHA256  HashAlgo = "sha256"
	HashSHA3256 HashAlgo = "sha3_256"
)

// New returns a fresh hash.Hash for the algorithm. Panics on an unsupported
// algorithm since that indicates a config validation bug, not a runtime
// condition callers should handle.
func (a HashAlgo) New() hash.Hash {
	switch a {
	case HashBlake2b:
		h, err := blake2b.New256(nil)
		if err != nil {
			panic(fmt.Sprintf("crypto: blake2b init: %v", err))
		}
		return h
	case HashSHA256:
		return sha256.New()
	case HashSHA3256:
		return sha3.New256()
	default:
		panic(fmt.Sprintf("crypto: unsupported hash algorithm %q", a))
	}
}

// Sum hashes data in one call.
func (a HashAlgo) Sum(data []byte) []byte {
	h := a.New()
	h.Write(data)
	return h.Sum(nil)
}

// Valid reports whether a is one of the supported algorithms.
func (a HashAlgo) Valid() bool {
	switch a {
	case HashBlake2b, HashSHA256, HashSHA3256:
		return true
	default:
		return false
	}
}

// ParseHashAlgo validates a HASH environment value.
func ParseHashAlgo(s string) (HashAlgo, error) {
	a := HashAlgo(s)
	if !a.Valid() {
		return "", fmt.Errorf("crypto: unsupported hash algorithm %q", s)
	}
	return a, nil
}

// HashBytes returns the raw SHA-256 bytes of data, for internal,
// algorithm-agnostic identifiers that are never part of a cross-chain
// verified proof.
func HashBytes(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}
