package core

import (
	"github.com/dragonet/chainnode/crypto"
)

// L2Block attests, per transaction, whether the L1 block's signature was
// valid. It anchors to exactly one L1 block.
type L2Block struct {
	L1DCID    string `json:"l1_dc_id"`
	L1BlockID string `json:"l1_block_id"`
	L1Proof   []byte `json:"l1_proof"`

	DCID      string `json:"dc_id"`
	BlockID   string `json:"block_id"`
	Timestamp string `json:"timestamp"`
	PrevProof []byte `json:"prev_proof"`

	// Validations maps txn_id to whether its stripped signature verified.
	Validations map[string]bool `json:"validations"`
	// ValidationsStr is the canonical JSON string of Validations, stored
	// verbatim so the hashed message survives re-marshaling unchanged.
	ValidationsStr string `json:"validations_str"`

	Scheme Scheme `json:"scheme"`
	Proof  []byte `json:"proof"`
	Nonce  uint64 `json:"nonce,omitempty"`
}

// SetValidations assigns Validations and freezes ValidationsStr.
func (b *L2Block) SetValidations(v map[string]bool) {
	b.Validations = v
	b.ValidationsStr = canonicalJSON(v)
}

func (b *L2Block) message() []byte {
	msg := crypto.ConcatFields(b.L1DCID, b.L1BlockID)
	msg = append(msg, b.L1Proof...)
	msg = append(msg, crypto.ConcatFields(b.DCID, b.BlockID, b.Timestamp)...)
	msg = append(msg, b.PrevProof...)
	msg = append(msg, []byte(b.ValidationsStr)...)
	return msg
}

func (b *L2Block) Finalize(algo crypto.HashAlgo, priv crypto.PrivateKey, complexity uint) error {
	proof, nonce, err := finalizeProof(b.Scheme, algo, b.message(), priv, complexity)
	if err != nil {
		return err
	}
	b.Proof, b.Nonce = proof, nonce
	return nil
}

func (b *L2Block) Verify(algo crypto.HashAlgo, pub crypto.PublicKey, complexity uint) error {
	return verifyProof(b.Scheme, algo, b.message(), pub, b.Proof, b.Nonce, complexity)
}
