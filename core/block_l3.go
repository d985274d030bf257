package core

import (
	"fmt"

	"github.com/dragonet/chainnode/crypto"
)

// L3ProofRef names one L2 chain's contribution to an L3 block's bundle.
type L3ProofRef struct {
	DCID    string `json:"dc_id"`
	BlockID string `json:"block_id"`
	Proof   []byte `json:"proof"`
}

// L3Block aggregates a bundle of verified L2 blocks anchored to one L1
// block, recording the diversity (ddss/regions/clouds) of who verified it.
type L3Block struct {
	L1DCID    string `json:"l1_dc_id"`
	L1BlockID string `json:"l1_block_id"`
	L1Proof   []byte `json:"l1_proof"`

	DCID      string `json:"dc_id"`
	BlockID   string `json:"block_id"`
	Timestamp string `json:"timestamp"`
	PrevProof []byte `json:"prev_proof"`

	L2Proofs []L3ProofRef `json:"l2_proofs"`
	DDSS     float64      `json:"ddss"`
	L2Count  int          `json:"l2_count"`
	Regions  []string     `json:"regions"`
	Clouds   []string     `json:"clouds"`

	Scheme Scheme `json:"scheme"`
	Proof  []byte `json:"proof"`
	Nonce  uint64 `json:"nonce,omitempty"`
}

func (b *L3Block) message() []byte {
	msg := crypto.ConcatFields(b.L1DCID, b.L1BlockID)
	msg = append(msg, b.L1Proof...)
	msg = append(msg, crypto.ConcatFields(b.DCID, b.BlockID, b.Timestamp)...)
	msg = append(msg, b.PrevProof...)
	msg = append(msg, []byte(fmt.Sprintf("%g", b.DDSS))...)
	msg = append(msg, []byte(fmt.Sprintf("%d", b.L2Count))...)
	for _, r := range b.Regions {
		msg = append(msg, []byte(r)...)
	}
	for _, c := range b.Clouds {
		msg = append(msg, []byte(c)...)
	}
	for _, p := range b.L2Proofs {
		msg = append(msg, crypto.ConcatFields(p.DCID, p.BlockID)...)
		msg = append(msg, p.Proof...)
	}
	return msg
}

func (b *L3Block) Finalize(algo crypto.HashAlgo, priv crypto.PrivateKey, complexity uint) error {
	proof, nonce, err := finalizeProof(b.Scheme, algo, b.message(), priv, complexity)
	if err != nil {
		return err
	}
	b.Proof, b.Nonce = proof, nonce
	return nil
}

func (b *L3Block) Verify(algo crypto.HashAlgo, pub crypto.PublicKey, complexity uint) error {
	return verifyProof(b.Scheme, algo, b.message(), pub, b.Proof, b.Nonce, complexity)
}
