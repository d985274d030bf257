package broadcast

import (
	"encoding/json"
	"fmt"

	"github.com/dragonet/chainnode/core"
	"github.com/dragonet/chainnode/crypto"
	"github.com/dragonet/chainnode/storage"
)

// InboundReceipt is the body POSTed to /v1/receipt: the sending chain's
// full at-rest block, tagged with its level so the receiver knows which
// model to decode it as. The block IS the receipt — there is no separate
// attestation to forge independently of it.
type InboundReceipt struct {
	Level int             `json:"level"`
	Block json.RawMessage `json:"block"`
}

// Receipt is the level-independent view of a decoded receipt block.
type Receipt struct {
	Level   int
	DCID    string
	BlockID string
	Proof   []byte

	// L1BlockIDs are the L1 blocks this receipt attests to: exactly one
	// for L2-4, and for L5 every distinct id among the block's references
	// that names the receiving chain.
	L1BlockIDs []string

	// Raw is the block body as received, persisted verbatim so the
	// upper-level bundle rebuilds byte-identical input.
	Raw json.RawMessage

	verify func(algo crypto.HashAlgo, pub crypto.PublicKey) error
}

// Verify checks the receipt block's own canonical proof against the
// sender's key.
func (r *Receipt) Verify(algo crypto.HashAlgo, pub crypto.PublicKey) error {
	return r.verify(algo, pub)
}

// ParseReceipt decodes in.Block with the model for in.Level. selfDCID is
// the receiving chain's id, needed at level 5 to work out which of the
// anchor's many L1 references are ours.
func ParseReceipt(in InboundReceipt, selfDCID string) (*Receipt, error) {
	switch in.Level {
	case 2:
		var b core.L2Block
		if err := json.Unmarshal(in.Block, &b); err != nil {
			return nil, fmt.Errorf("broadcast: decode l2 receipt block: %w", err)
		}
		return &Receipt{
			Level: 2, DCID: b.DCID, BlockID: b.BlockID, Proof: b.Proof,
			L1BlockIDs: []string{b.L1BlockID}, Raw: in.Block,
			verify: func(algo crypto.HashAlgo, pub crypto.PublicKey) error {
				return b.Verify(algo, pub, core.DefaultComplexity)
			},
		}, nil
	case 3:
		var b core.L3Block
		if err := json.Unmarshal(in.Block, &b); err != nil {
			return nil, fmt.Errorf("broadcast: decode l3 receipt block: %w", err)
		}
		return &Receipt{
			Level: 3, DCID: b.DCID, BlockID: b.BlockID, Proof: b.Proof,
			L1BlockIDs: []string{b.L1BlockID}, Raw: in.Block,
			verify: func(algo crypto.HashAlgo, pub crypto.PublicKey) error {
				return b.Verify(algo, pub, core.DefaultComplexity)
			},
		}, nil
	case 4:
		var b core.L4Block
		if err := json.Unmarshal(in.Block, &b); err != nil {
			return nil, fmt.Errorf("broadcast: decode l4 receipt block: %w", err)
		}
		return &Receipt{
			Level: 4, DCID: b.DCID, BlockID: b.BlockID, Proof: b.Proof,
			L1BlockIDs: []string{b.L1BlockID}, Raw: in.Block,
			verify: func(algo crypto.HashAlgo, pub crypto.PublicKey) error {
				return b.Verify(algo, pub, core.DefaultComplexity)
			},
		}, nil
	case 5:
		var b core.L5Block
		if err := json.Unmarshal(in.Block, &b); err != nil {
			return nil, fmt.Errorf("broadcast: decode l5 receipt block: %w", err)
		}
		ids := b.L1BlockIDsFor(selfDCID)
		if len(ids) == 0 {
			return nil, fmt.Errorf("broadcast: l5 block %s references no block of this chain: %w", b.BlockID, core.ErrNotFound)
		}
		return &Receipt{
			Level: 5, DCID: b.DCID, BlockID: b.BlockID, Proof: b.Proof,
			L1BlockIDs: ids, Raw: in.Block,
			verify: func(algo crypto.HashAlgo, pub crypto.PublicKey) error {
				return b.Verify(algo, pub)
			},
		}, nil
	default:
		return nil, fmt.Errorf("broadcast: receipt level %d: %w", in.Level, core.ErrInvalidNodeLevel)
	}
}

// AcceptReceipt verifies r's block proof against the sender's known public
// key, persists the block body, and updates in-memory broadcast state for
// l1BlockID (one of r.L1BlockIDs). Returns
// core.ErrNotAcceptingVerifications both when the sender isn't assigned to
// verify this block at this level (claim.IsAssigned is false) and when the
// tracked block has already been promoted past r.Level (a late responder
// after a replacement was assigned).
func AcceptReceipt(store *storage.ObjectStore, state *State, claim *core.ClaimCheck, senderPub crypto.PublicKey, algo crypto.HashAlgo, r *Receipt, l1BlockID string) error {
	if !claim.IsAssigned(r.Level, r.DCID) {
		return fmt.Errorf("broadcast: block %s: chain %s not in claim at level %d: %w", l1BlockID, r.DCID, r.Level, core.ErrNotAcceptingVerifications)
	}

	if err := r.Verify(algo, senderPub); err != nil {
		return fmt.Errorf("broadcast: receipt block proof invalid: %w", err)
	}

	if !state.RecordReceipt(l1BlockID, r.Level, r.DCID) {
		return fmt.Errorf("broadcast: block %s: %w", l1BlockID, core.ErrNotAcceptingVerifications)
	}

	if err := store.PutReceipt(l1BlockID, r.Level, r.DCID, r.Raw); err != nil {
		return fmt.Errorf("broadcast: persist receipt: %w", err)
	}

	state.QueueNotification(string(storage.ReceiptKey(l1BlockID, r.Level, r.DCID)))
	return nil
}
