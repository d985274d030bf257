package core

import (
	"github.com/dragonet/chainnode/crypto"
)

// L1Block is the approved-transaction ledger block produced by an L1 chain.
type L1Block struct {
	DCID                 string                 `json:"dc_id"`
	BlockID              string                 `json:"block_id"`
	Timestamp            string                 `json:"timestamp"`
	PrevID               string                 `json:"prev_id"`
	PrevProof            []byte                 `json:"prev_proof"`
	StrippedTransactions []StrippedTransaction  `json:"stripped_transactions"`
	Scheme               Scheme                 `json:"scheme"`
	Proof                []byte                 `json:"proof"`
	Nonce                uint64                 `json:"nonce,omitempty"`
}

// L1BlockMessage builds the canonical byte message for an L1 block from its
// already-stringified field set. Exposed standalone (rather than only as
// a method) so the golden test vector can be exercised directly against
// known string inputs.
func L1BlockMessage(dcID, blockID, timestamp, prevID string, prevProof []byte, strippedTxStrings []string) []byte {
	msg := crypto.ConcatFields(dcID, blockID, timestamp)
	msg = append(msg, prevProof...)
	msg = append(msg, []byte(prevID)...)
	for _, s := range strippedTxStrings {
		msg = append(msg, []byte(s)...)
	}
	return msg
}

func (b *L1Block) strippedTxStrings() []string {
	out := make([]string, len(b.StrippedTransactions))
	for i, tx := range b.StrippedTransactions {
		out[i] = canonicalJSON(tx)
	}
	return out
}

func (b *L1Block) message() []byte {
	return L1BlockMessage(b.DCID, b.BlockID, b.Timestamp, b.PrevID, b.PrevProof, b.strippedTxStrings())
}

// Finalize signs or mines the block's proof under algo/priv, per b.Scheme.
func (b *L1Block) Finalize(algo crypto.HashAlgo, priv crypto.PrivateKey, complexity uint) error {
	proof, nonce, err := finalizeProof(b.Scheme, algo, b.message(), priv, complexity)
	if err != nil {
		return err
	}
	b.Proof, b.Nonce = proof, nonce
	return nil
}

// Verify checks the block's proof against pub.
func (b *L1Block) Verify(algo crypto.HashAlgo, pub crypto.PublicKey, complexity uint) error {
	return verifyProof(b.Scheme, algo, b.message(), pub, b.Proof, b.Nonce, complexity)
}

// BroadcastDTO is the L1 block stripped of nothing further: what an L2
// consumes is the L1 block itself.
func (b *L1Block) BroadcastDTO() *L1Block {
	return b
}
