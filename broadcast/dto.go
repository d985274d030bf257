package broadcast

import (
	"encoding/json"
	"fmt"

	"github.com/dragonet/chainnode/core"
	"github.com/dragonet/chainnode/storage"
)

// BuildDTO assembles what gets POSTed to the chains assigned to verify
// l1BlockID at level lUp.
//
// lUp == 2 sends the raw L1 block. lUp in {3,4,5} sends every receipt
// stored for level lUp-1, requiring at least claim.Required(lUp-1) of them
// to already be durable.
func BuildDTO(store *storage.ObjectStore, claim *core.ClaimCheck, l1BlockID string, lUp int) (json.RawMessage, error) {
	if lUp == 2 {
		b, err := store.GetL1Block(l1BlockID)
		if err != nil {
			return nil, fmt.Errorf("broadcast: load l1 block %s: %w", l1BlockID, err)
		}
		data, err := json.Marshal(b.BroadcastDTO())
		if err != nil {
			return nil, fmt.Errorf("broadcast: marshal l1 dto: %w", err)
		}
		return data, nil
	}

	downLevel := lUp - 1
	required := claim.Required(downLevel)
	receipts, err := store.ListReceipts(l1BlockID, downLevel)
	if err != nil {
		return nil, fmt.Errorf("broadcast: list receipts for block %s level %d: %w", l1BlockID, downLevel, err)
	}
	if len(receipts) < required {
		return nil, fmt.Errorf("broadcast: block %s level %d: %w (%d/%d)", l1BlockID, downLevel, core.ErrNotEnoughVerifications, len(receipts), required)
	}

	// The header carries the L1 anchor tuple so the upper level never
	// needs this chain's block store to know what it is attesting to.
	l1, err := store.GetL1Block(l1BlockID)
	if err != nil {
		return nil, fmt.Errorf("broadcast: load l1 block %s: %w", l1BlockID, err)
	}

	bundle := struct {
		L1DCID    string            `json:"l1_dc_id"`
		L1BlockID string            `json:"l1_block_id"`
		L1Proof   []byte            `json:"l1_proof"`
		Level     int               `json:"level"`
		Receipts  []json.RawMessage `json:"receipts"`
	}{L1DCID: l1.DCID, L1BlockID: l1BlockID, L1Proof: l1.Proof, Level: downLevel, Receipts: receipts}

	data, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("broadcast: marshal bundle dto: %w", err)
	}
	return data, nil
}
