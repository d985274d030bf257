package level

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dragonet/chainnode/core"
)

// l2Bundle is the wire shape BuildDTO assembles for an L_up=3 broadcast:
// the L1 anchor tuple plus every L2 block stored as a receipt for it.
type l2Bundle struct {
	L1DCID    string            `json:"l1_dc_id"`
	L1BlockID string            `json:"l1_block_id"`
	L1Proof   []byte            `json:"l1_proof"`
	Level     int               `json:"level"`
	Receipts  []json.RawMessage `json:"receipts"`
}

// L3 is the L3 tick executor: aggregates a bundle of L2 receipts anchored
// to one L1 block into a single diversity attestation.
type L3 struct {
	*Base
}

// Tick runs one L3 tick, recursing while more bundles are queued.
func (l *L3) Tick(ctx context.Context) error {
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

func (l *L3) tickOnce(ctx context.Context) (bool, error) {
	item, err := l.Queue.NextItem(true)
	if err != nil {
		return false, fmt.Errorf("l3: dequeue: %w", err)
	}
	if item == nil {
		return false, nil
	}

	var bundle l2Bundle
	if err := json.Unmarshal(item, &bundle); err != nil {
		l.Log.Warn().Err(err).Msg("dropping malformed l2 bundle")
		return true, l.Queue.ClearProcessing()
	}
	if bundle.Level != 2 {
		l.Log.Warn().Int("level", bundle.Level).Msg("dropping bundle: expected level 2 receipts")
		return true, l.Queue.ClearProcessing()
	}

	seenDCID := make(map[string]bool, len(bundle.Receipts))
	var proofs []core.L3ProofRef
	var ddss float64
	var l2Count int
	regionSet := map[string]bool{}
	cloudSet := map[string]bool{}

	for _, raw := range bundle.Receipts {
		var l2 core.L2Block
		if err := json.Unmarshal(raw, &l2); err != nil {
			l.Log.Warn().Err(err).Msg("skipping malformed l2 block")
			continue
		}
		if l2.DCID == "" || seenDCID[l2.DCID] {
			continue // duplicate proof for the same chain
		}
		if l2.L1DCID != bundle.L1DCID || l2.L1BlockID != bundle.L1BlockID {
			l.Log.Warn().Str("dc_id", l2.DCID).Msg("skipping l2 block: l1 anchor does not match bundle header")
			continue
		}

		pub, err := l.Dir.PublicKey(ctx, l2.DCID)
		if err != nil {
			l.Log.Warn().Err(err).Str("dc_id", l2.DCID).Msg("skipping l2 block: keys unresolvable")
			continue
		}
		if err := l2.Verify(l.Algo, pub, core.DefaultComplexity); err != nil {
			l.Log.Warn().Err(err).Str("dc_id", l2.DCID).Msg("skipping l2 block: proof invalid")
			continue
		}

		seenDCID[l2.DCID] = true
		proofs = append(proofs, core.L3ProofRef{DCID: l2.DCID, BlockID: l2.BlockID, Proof: l2.Proof})
		l2Count++

		reg, err := l.Dir.Registration(ctx, l2.DCID)
		if err == nil {
			ddss += reg.DDSS
			if reg.Region != "" {
				regionSet[reg.Region] = true
			}
			if reg.Cloud != "" {
				cloudSet[reg.Cloud] = true
			}
		}
	}

	if l2Count == 0 {
		l.Log.Warn().Str("l1_block_id", bundle.L1BlockID).Msg("dropping bundle: no l2 receipt verified")
		return true, l.Queue.ClearProcessing()
	}

	prevID, prevProof, err := l.Store.GetLastBlockProof()
	if err != nil && err != core.ErrNotFound {
		return true, fmt.Errorf("l3: load own prev proof: %w", err)
	}

	block := &core.L3Block{
		L1DCID: bundle.L1DCID, L1BlockID: bundle.L1BlockID, L1Proof: bundle.L1Proof,
		DCID: l.DCID, BlockID: nextBlockID(prevID), Timestamp: strconv.FormatInt(time.Now().Unix(), 10),
		PrevProof: prevProof, Scheme: l.Scheme,
		L2Proofs: proofs, DDSS: ddss, L2Count: l2Count,
		Regions: setToSlice(regionSet), Clouds: setToSlice(cloudSet),
	}
	if err := block.Finalize(l.Algo, l.PrivKey, l.Complexity); err != nil {
		return true, fmt.Errorf("l3: finalize block: %w", err)
	}

	if err := l.Store.PutL3Block(block); err != nil {
		return true, fmt.Errorf("l3: persist block: %w", err)
	}
	if err := l.Store.SetLastBlockProof(block.BlockID, block.Proof); err != nil {
		return true, fmt.Errorf("l3: persist last block proof: %w", err)
	}

	body, err := json.Marshal(receiptEnvelope{Level: 3, Block: block})
	if err != nil {
		return true, fmt.Errorf("l3: marshal receipt: %w", err)
	}
	if err := l.sendReceipt(ctx, bundle.L1DCID, body); err != nil {
		l.Log.Warn().Err(err).Str("l1_block_id", bundle.L1BlockID).Msg("send receipt failed")
	}

	if err := l.Queue.ClearProcessing(); err != nil {
		return true, fmt.Errorf("l3: clear processing: %w", err)
	}
	return true, nil
}

func setToSlice(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
