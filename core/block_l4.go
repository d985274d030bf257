package core

import (
	"github.com/dragonet/chainnode/crypto"
)

// L4ValidationRef is one L3 chain's notarized validity record.
type L4ValidationRef struct {
	L3DCID    string `json:"l3_dc_id"`
	L3BlockID string `json:"l3_block_id"`
	L3Proof   []byte `json:"l3_proof"`
	Valid     bool   `json:"valid"`
}

// L4Block is a notary over a bundle of L3 blocks anchored to one L1 block.
type L4Block struct {
	L1DCID    string `json:"l1_dc_id"`
	L1BlockID string `json:"l1_block_id"`
	L1Proof   []byte `json:"l1_proof"`

	DCID      string `json:"dc_id"`
	BlockID   string `json:"block_id"`
	Timestamp string `json:"timestamp"`
	PrevProof []byte `json:"prev_proof"`

	Validations []L4ValidationRef `json:"validations"`

	Scheme Scheme `json:"scheme"`
	Proof  []byte `json:"proof"`
	Nonce  uint64 `json:"nonce,omitempty"`
}

func (b *L4Block) message() []byte {
	msg := crypto.ConcatFields(b.L1DCID, b.L1BlockID)
	msg = append(msg, b.L1Proof...)
	msg = append(msg, crypto.ConcatFields(b.DCID, b.BlockID, b.Timestamp)...)
	msg = append(msg, b.PrevProof...)
	for _, v := range b.Validations {
		msg = append(msg, crypto.ConcatFields(v.L3DCID, v.L3BlockID)...)
		msg = append(msg, v.L3Proof...)
		if v.Valid {
			msg = append(msg, 0x01)
		} else {
			msg = append(msg, 0x00)
		}
	}
	return msg
}

func (b *L4Block) Finalize(algo crypto.HashAlgo, priv crypto.PrivateKey, complexity uint) error {
	proof, nonce, err := finalizeProof(b.Scheme, algo, b.message(), priv, complexity)
	if err != nil {
		return err
	}
	b.Proof, b.Nonce = proof, nonce
	return nil
}

func (b *L4Block) Verify(algo crypto.HashAlgo, pub crypto.PublicKey, complexity uint) error {
	return verifyProof(b.Scheme, algo, b.message(), pub, b.Proof, b.Nonce, complexity)
}
