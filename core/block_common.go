package core

import (
	"encoding/json"
	"fmt"

	"github.com/dragonet/chainnode/crypto"
)

// Scheme selects how a block's Proof is produced: a trusted signature, or
// a proof-of-work digest.
type Scheme string

const (
	SchemeTrust Scheme = "trust"
	SchemeWork  Scheme = "work"
)

// DefaultComplexity is the bit-prefix-zero requirement used when Scheme is
// SchemeWork and no chain-specific override is configured.
const DefaultComplexity = 8

func (s Scheme) Valid() bool {
	return s == SchemeTrust || s == SchemeWork
}

// finalizeProof signs message (trust) or mines it (work), returning the
// proof bytes and, for work, the winning nonce.
func finalizeProof(scheme Scheme, algo crypto.HashAlgo, message []byte, priv crypto.PrivateKey, complexity uint) (proof []byte, nonce uint64, err error) {
	switch scheme {
	case SchemeTrust:
		digest := algo.Sum(message)
		return crypto.Sign(priv, digest), 0, nil
	case SchemeWork:
		return crypto.Mine(algo, message, complexity)
	default:
		return nil, 0, fmt.Errorf("core: %w: unsupported scheme %q", ErrInvalidNodeLevel, scheme)
	}
}

// verifyProof checks message's proof under scheme.
func verifyProof(scheme Scheme, algo crypto.HashAlgo, message []byte, pub crypto.PublicKey, proof []byte, nonce uint64, complexity uint) error {
	switch scheme {
	case SchemeTrust:
		digest := algo.Sum(message)
		return crypto.Verify(pub, digest, proof)
	case SchemeWork:
		candidate := algo.Sum(crypto.AppendNonce(message, nonce))
		if len(candidate) != len(proof) {
			return fmt.Errorf("core: proof length mismatch")
		}
		for i := range candidate {
			if candidate[i] != proof[i] {
				return fmt.Errorf("core: proof does not match recomputed digest")
			}
		}
		if !crypto.CheckComplexity(proof, complexity) {
			return fmt.Errorf("core: proof fails complexity check")
		}
		return nil
	default:
		return fmt.Errorf("core: %w: unsupported scheme %q", ErrInvalidNodeLevel, scheme)
	}
}

// canonicalJSON marshals v with no extraneous whitespace, for embedding a
// stable string representation (e.g. L2's validations_str) inside a
// canonical hash message.
func canonicalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("core: canonicalJSON: %v", err))
	}
	return string(data)
}
