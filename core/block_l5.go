package core

import (
	"fmt"
	"strings"

	"github.com/dragonet/chainnode/crypto"
)

// L4BlockRef is the parsed form of one L5Block.L4Blocks entry. The
// stringified form is "l1_dc_id|l1_block_id|l4_dc_id|l4_block_id".
type L4BlockRef struct {
	L1DCID    string
	L1BlockID string
	L4DCID    string
	L4BlockID string
}

func (r L4BlockRef) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", r.L1DCID, r.L1BlockID, r.L4DCID, r.L4BlockID)
}

// ParseL4BlockRef decodes a stringified reference, reporting ok=false on a
// malformed one.
func ParseL4BlockRef(ref string) (L4BlockRef, bool) {
	parts := strings.SplitN(ref, "|", 4)
	if len(parts) != 4 {
		return L4BlockRef{}, false
	}
	return L4BlockRef{L1DCID: parts[0], L1BlockID: parts[1], L4DCID: parts[2], L4BlockID: parts[3]}, true
}

// L5Block anchors a digest of many L4 blocks into a public blockchain.
// Unlike L2-4, a single L5 block accumulates input over an entire
// broadcast interval before it is finalized with a signature.
type L5Block struct {
	DCID      string `json:"dc_id"`
	BlockID   string `json:"block_id"`
	Timestamp string `json:"timestamp"`
	PrevProof []byte `json:"prev_proof"`

	// L4Blocks holds the stringified L4 block references collected for
	// this anchor (one per TO_BROADCAST entry).
	L4Blocks []string `json:"l4_blocks"`

	// Network names the public chain this block is anchored to (e.g. "btc").
	Network string `json:"network"`
	// TransactionHash holds every public-chain tx hash used to attempt
	// this anchor; more than one entry means a prior attempt was dropped
	// and re-published.
	TransactionHash []string `json:"transaction_hash"`
	// BlockLastSentAt is the public-chain block height at which the most
	// recent anchor attempt was published.
	BlockLastSentAt int64 `json:"block_last_sent_at"`

	Scheme Scheme `json:"scheme"`
	Proof  []byte `json:"proof,omitempty"`
	Nonce  uint64 `json:"nonce,omitempty"`
}

func (b *L5Block) message() []byte {
	msg := crypto.ConcatFields(b.DCID, b.BlockID, b.Timestamp)
	msg = append(msg, b.PrevProof...)
	for _, ref := range b.L4Blocks {
		msg = append(msg, []byte(ref)...)
	}
	for _, h := range b.TransactionHash {
		msg = append(msg, []byte(h)...)
	}
	msg = append(msg, []byte(b.Network)...)
	return msg
}

// Finalize signs the block once public-chain confirmation has landed.
// L5 never uses the work scheme: anchoring is already proof-of-work on the
// public chain, so a second internal PoW would be redundant cost.
func (b *L5Block) Finalize(algo crypto.HashAlgo, priv crypto.PrivateKey) error {
	digest := algo.Sum(b.message())
	b.Proof = crypto.Sign(priv, digest)
	return nil
}

func (b *L5Block) Verify(algo crypto.HashAlgo, pub crypto.PublicKey) error {
	digest := algo.Sum(b.message())
	return crypto.Verify(pub, digest, b.Proof)
}

// L1BlockIDsFor returns the distinct L1 block ids among this block's
// references that were produced by l1DCID, in reference order. An L5 block
// spans many L1 chains; a receiving L1 only cares about its own.
func (b *L5Block) L1BlockIDsFor(l1DCID string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, raw := range b.L4Blocks {
		ref, ok := ParseL4BlockRef(raw)
		if !ok || ref.L1DCID != l1DCID || seen[ref.L1BlockID] {
			continue
		}
		seen[ref.L1BlockID] = true
		out = append(out, ref.L1BlockID)
	}
	return out
}
