package level

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dragonet/chainnode/core"
)

// l3Bundle is the wire shape BuildDTO assembles for an L_up=4 broadcast:
// the L1 anchor tuple plus every L3 block stored as a receipt for it.
type l3Bundle struct {
	L1DCID    string            `json:"l1_dc_id"`
	L1BlockID string            `json:"l1_block_id"`
	L1Proof   []byte            `json:"l1_proof"`
	Level     int               `json:"level"`
	Receipts  []json.RawMessage `json:"receipts"`
}

// L4 is the L4 tick executor: notarizes a bundle of L3 receipts anchored
// to one L1 block, recording each one's validity rather than dropping
// failures.
type L4 struct {
	*Base
}

// Tick runs one L4 tick, recursing while more bundles are queued.
func (l *L4) Tick(ctx context.Context) error {
	if err := l.renewRegistration(ctx); err != nil {
		l.Log.Error().Err(err).Msg("renew registration failed")
	}
	if err := l.recoverQueue(); err != nil {
		return err
	}
	for {
		processed, err := l.tickOnce(ctx)
		if err != nil || !processed {
			return err
		}
	}
}

func (l *L4) tickOnce(ctx context.Context) (bool, error) {
	item, err := l.Queue.NextItem(true)
	if err != nil {
		return false, fmt.Errorf("l4: dequeue: %w", err)
	}
	if item == nil {
		return false, nil
	}

	var bundle l3Bundle
	if err := json.Unmarshal(item, &bundle); err != nil {
		l.Log.Warn().Err(err).Msg("dropping malformed l3 bundle")
		return true, l.Queue.ClearProcessing()
	}
	if bundle.Level != 3 {
		l.Log.Warn().Int("level", bundle.Level).Msg("dropping bundle: expected level 3 receipts")
		return true, l.Queue.ClearProcessing()
	}

	seenDCID := make(map[string]bool, len(bundle.Receipts))
	var validations []core.L4ValidationRef

	for _, raw := range bundle.Receipts {
		var l3 core.L3Block
		if err := json.Unmarshal(raw, &l3); err != nil {
			l.Log.Warn().Err(err).Msg("skipping malformed l3 block")
			continue
		}
		if l3.DCID == "" || seenDCID[l3.DCID] {
			continue
		}
		seenDCID[l3.DCID] = true

		valid := false
		if l3.L1DCID != bundle.L1DCID || l3.L1BlockID != bundle.L1BlockID {
			l.Log.Warn().Str("dc_id", l3.DCID).Msg("l1 anchor does not match bundle header, recording invalid")
		} else if pub, err := l.Dir.PublicKey(ctx, l3.DCID); err != nil {
			l.Log.Warn().Err(err).Str("dc_id", l3.DCID).Msg("l3 keys unresolvable, recording invalid")
		} else if verr := l3.Verify(l.Algo, pub, core.DefaultComplexity); verr != nil {
			l.Log.Warn().Err(verr).Str("dc_id", l3.DCID).Msg("l3 proof invalid, recording invalid")
		} else {
			valid = true
		}

		validations = append(validations, core.L4ValidationRef{
			L3DCID: l3.DCID, L3BlockID: l3.BlockID, L3Proof: l3.Proof, Valid: valid,
		})
	}

	if len(validations) == 0 {
		l.Log.Warn().Str("l1_block_id", bundle.L1BlockID).Msg("dropping bundle: no l3 receipts in bundle")
		return true, l.Queue.ClearProcessing()
	}

	prevID, prevProof, err := l.Store.GetLastBlockProof()
	if err != nil && err != core.ErrNotFound {
		return true, fmt.Errorf("l4: load own prev proof: %w", err)
	}

	block := &core.L4Block{
		L1DCID: bundle.L1DCID, L1BlockID: bundle.L1BlockID, L1Proof: bundle.L1Proof,
		DCID: l.DCID, BlockID: nextBlockID(prevID), Timestamp: strconv.FormatInt(time.Now().Unix(), 10),
		PrevProof: prevProof, Scheme: l.Scheme, Validations: validations,
	}
	if err := block.Finalize(l.Algo, l.PrivKey, l.Complexity); err != nil {
		return true, fmt.Errorf("l4: finalize block: %w", err)
	}

	if err := l.Store.PutL4Block(block); err != nil {
		return true, fmt.Errorf("l4: persist block: %w", err)
	}
	if err := l.Store.SetLastBlockProof(block.BlockID, block.Proof); err != nil {
		return true, fmt.Errorf("l4: persist last block proof: %w", err)
	}

	body, err := json.Marshal(receiptEnvelope{Level: 4, Block: block})
	if err != nil {
		return true, fmt.Errorf("l4: marshal receipt: %w", err)
	}
	if err := l.sendReceipt(ctx, bundle.L1DCID, body); err != nil {
		l.Log.Warn().Err(err).Str("l1_block_id", bundle.L1BlockID).Msg("send receipt failed")
	}

	if err := l.Queue.ClearProcessing(); err != nil {
		return true, fmt.Errorf("l4: clear processing: %w", err)
	}
	return true, nil
}
