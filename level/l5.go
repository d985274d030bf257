package level

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dragonet/chainnode/anchor"
	"github.com/dragonet/chainnode/core"
)

// l4Bundle is the wire shape BuildDTO assembles for an L_up=5 broadcast:
// the L1 anchor tuple plus every L4 block stored as a receipt for it.
type l4Bundle struct {
	L1DCID    string            `json:"l1_dc_id"`
	L1BlockID string            `json:"l1_block_id"`
	L1Proof   []byte            `json:"l1_proof"`
	Level     int               `json:"level"`
	Receipts  []json.RawMessage `json:"receipts"`
}

// toBroadcastEntry is one verified L4 contribution waiting for the next
// anchor batch, encoded so a later confirmation can still identify which
// L1 chain to notify without a second storage type.
type toBroadcastEntry struct {
	L1DCID    string `json:"l1_dc_id"`
	L1BlockID string `json:"l1_block_id"`
	L4DCID    string `json:"l4_dc_id"`
	L4BlockID string `json:"l4_block_id"`

	// IsInvalid tags a record that failed validation on intake. Tagged
	// records are still batched and anchored; judging them is left to
	// whoever reads the anchor.
	IsInvalid bool `json:"is_invalid,omitempty"`
}

func (e toBroadcastEntry) ref() string {
	return core.L4BlockRef{L1DCID: e.L1DCID, L1BlockID: e.L1BlockID, L4DCID: e.L4DCID, L4BlockID: e.L4BlockID}.String()
}

// L5 is the L5 tick executor: anchors batches of verified L4 blocks to a
// public blockchain and finalizes them once confirmed.
type L5 struct {
	*Base
	Anchor            anchor.Client
	Network           string
	BroadcastInterval time.Duration
}

// Tick runs one L5 tick: funds check, batch intake, interval-gated
// publish, confirmation sweep, and claim-backlog cleanup. Unlike L2-4,
// L5 never "recurses" on its queue within a tick: every queued item is
// drained into the pending batch, but the batch itself only publishes
// once per BroadcastInterval.
func (l *L5) Tick(ctx context.Context) error {
	if err := l.renewRegistration(ctx); err != nil {
		l.Log.Error().Err(err).Msg("renew registration failed")
	}
	if err := l.recoverQueue(); err != nil {
		return err
	}
	funded, err := l.hasFunds(ctx)
	if err != nil {
		l.Log.Error().Err(err).Msg("funds check failed")
	}
	if funded {
		if err := l.drainQueue(ctx); err != nil {
			l.Log.Error().Err(err).Msg("drain queue failed")
		}
		if err := l.maybePublish(ctx); err != nil {
			l.Log.Error().Err(err).Msg("publish failed")
		}
	} else if err := l.watchFunds(ctx); err != nil {
		l.Log.Error().Err(err).Msg("funds watch failed")
	}
	if err := l.checkConfirmations(ctx); err != nil {
		l.Log.Error().Err(err).Msg("confirmation check failed")
	}
	if err := l.processClaimsBacklog(ctx); err != nil {
		l.Log.Error().Err(err).Msg("claims backlog failed")
	}
	return nil
}

// processClaimsBacklog retries claim resolutions that failed when their
// block finalised. NotFound means the claim is already gone and the entry
// is dropped; a retryable matchmaking error stops the sweep so the backlog
// keeps its order for the next tick.
func (l *L5) processClaimsBacklog(ctx context.Context) error {
	backlog, err := l.Store.GetClaimsBacklog()
	if err != nil {
		return fmt.Errorf("l5: read claims backlog: %w", err)
	}
	for len(backlog) > 0 {
		id := backlog[0]
		err := l.MM.ResolveClaimCheck(ctx, id)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			break
		}
		backlog = backlog[1:]
	}
	return l.Store.SetClaimsBacklog(backlog)
}

// deferClaimResolution appends blockID to the durable backlog swept by
// processClaimsBacklog.
func (l *L5) deferClaimResolution(blockID string) {
	backlog, err := l.Store.GetClaimsBacklog()
	if err != nil {
		l.Log.Error().Err(err).Str("l1_block_id", blockID).Msg("read claims backlog")
		return
	}
	if err := l.Store.SetClaimsBacklog(append(backlog, blockID)); err != nil {
		l.Log.Error().Err(err).Str("l1_block_id", blockID).Msg("write claims backlog")
	}
}

// feeHeadroom is how many anchor transactions' worth of fees must be
// spendable before L5 takes on new batch work.
const feeHeadroom = 5

// fundsWatchInterval paces balance polling while the wallet is unfunded.
const fundsWatchInterval = 600 * time.Second

// hasFunds reports whether the wallet can afford new anchor work, based on
// the last recorded balance. The live balance is only re-queried by
// watchFunds (while unfunded) and after each publish, so an idle funded
// chain doesn't hit the public-chain RPC every tick.
func (l *L5) hasFunds(ctx context.Context) (bool, error) {
	fee, err := l.Anchor.EstimatedFee(ctx)
	if err != nil {
		return false, fmt.Errorf("l5: read fee estimate: %w", err)
	}
	funds, err := l.Store.GetCurrentFunds()
	if err == core.ErrNotFound {
		// First ever tick: query once so a pre-funded chain starts
		// working immediately rather than after the first watch.
		balance, err := l.Anchor.Balance(ctx)
		if err != nil {
			return false, fmt.Errorf("l5: read balance: %w", err)
		}
		return balance > feeHeadroom*fee, l.recordFunds(ctx, balance, fee)
	}
	if err != nil {
		return false, fmt.Errorf("l5: load recorded funds: %w", err)
	}
	return funds > feeHeadroom*fee, nil
}

// watchFunds re-queries the wallet balance at most every
// fundsWatchInterval while unfunded, flipping matchmaking's funded flag
// back on once the balance recovers.
func (l *L5) watchFunds(ctx context.Context) error {
	last, err := l.Store.GetLastWatchTime()
	if err != nil && err != core.ErrNotFound {
		return fmt.Errorf("l5: load last watch time: %w", err)
	}
	if err == nil && time.Since(time.Unix(last, 0)) < fundsWatchInterval {
		return nil
	}
	balance, err := l.Anchor.Balance(ctx)
	if err != nil {
		return fmt.Errorf("l5: read balance: %w", err)
	}
	fee, err := l.Anchor.EstimatedFee(ctx)
	if err != nil {
		return fmt.Errorf("l5: read fee estimate: %w", err)
	}
	if err := l.recordFunds(ctx, balance, fee); err != nil {
		return err
	}
	return l.Store.SetLastWatchTime(time.Now().Unix())
}

// recordFunds persists balance and reports to matchmaking when the wallet
// crosses the funded threshold in either direction, so the flag flips
// exactly once per crossing.
func (l *L5) recordFunds(ctx context.Context, balance, fee int64) error {
	prev, err := l.Store.GetCurrentFunds()
	known := err == nil
	if err != nil && err != core.ErrNotFound {
		return fmt.Errorf("l5: load prior funds: %w", err)
	}
	if err := l.Store.SetCurrentFunds(balance); err != nil {
		return fmt.Errorf("l5: persist funds: %w", err)
	}
	funded := balance > feeHeadroom*fee
	if known && funded == (prev > feeHeadroom*fee) {
		return nil
	}
	if err := l.MM.UpdateFundedFlag(ctx, funded); err != nil {
		return fmt.Errorf("l5: report funded=%v: %w", funded, err)
	}
	return nil
}

// drainQueue pulls every currently-queued L4 bundle into the pending
// TO_BROADCAST batch, verifying each block and tagging failures invalid.
func (l *L5) drainQueue(ctx context.Context) error {
	for {
		// false: L5 items never expire, only L2-4 honor deadlines.
		item, err := l.Queue.NextItem(false)
		if err != nil {
			return fmt.Errorf("l5: dequeue: %w", err)
		}
		if item == nil {
			return nil
		}
		l.admitBundle(ctx, item)
		if err := l.Queue.ClearProcessing(); err != nil {
			return fmt.Errorf("l5: clear processing: %w", err)
		}
	}
}

func (l *L5) admitBundle(ctx context.Context, item []byte) {
	var bundle l4Bundle
	if err := json.Unmarshal(item, &bundle); err != nil {
		l.Log.Warn().Err(err).Msg("dropping malformed l4 bundle")
		return
	}
	if bundle.Level != 4 {
		l.Log.Warn().Int("level", bundle.Level).Msg("dropping bundle: expected level 4 receipts")
		return
	}

	blockID, err := l.currentBatchID()
	if err != nil {
		l.Log.Error().Err(err).Msg("resolve current l5 batch id")
		return
	}

	for _, raw := range bundle.Receipts {
		var l4 core.L4Block
		if err := json.Unmarshal(raw, &l4); err != nil {
			l.Log.Warn().Err(err).Msg("skipping unparseable l4 block")
			continue
		}
		// A record that fails validation is tagged rather than dropped:
		// it still gets anchored, and judging it is left to whoever
		// reads the anchor.
		valid := l4.DCID != "" && l4.BlockID != ""
		if valid && (l4.L1DCID != bundle.L1DCID || l4.L1BlockID != bundle.L1BlockID) {
			l.Log.Warn().Str("dc_id", l4.DCID).Msg("l1 anchor does not match bundle header, tagging record invalid")
			valid = false
		}
		if valid {
			pub, err := l.Dir.PublicKey(ctx, l4.DCID)
			if err != nil {
				l.Log.Warn().Err(err).Str("dc_id", l4.DCID).Msg("l4 keys unresolvable, tagging record invalid")
				valid = false
			} else if err := l4.Verify(l.Algo, pub, core.DefaultComplexity); err != nil {
				l.Log.Warn().Err(err).Str("dc_id", l4.DCID).Msg("l4 proof invalid, tagging record invalid")
				valid = false
			}
		}

		batchEntry := toBroadcastEntry{
			L1DCID: bundle.L1DCID, L1BlockID: bundle.L1BlockID,
			L4DCID: l4.DCID, L4BlockID: l4.BlockID,
			IsInvalid: !valid,
		}
		if err := l.Store.PutToBroadcast(blockID, uuid.NewString(), batchEntry); err != nil {
			l.Log.Error().Err(err).Msg("persist to-broadcast entry")
		}
	}
}

// currentBatchID returns the block id the pending batch accumulates under,
// starting a new one if L5 has never run before.
func (l *L5) currentBatchID() (string, error) {
	id, err := l.Store.GetLastL5Block()
	if err == nil {
		return id, nil
	}
	if err != core.ErrNotFound {
		return "", err
	}
	id = "0"
	if err := l.Store.SetLastL5Block(id); err != nil {
		return "", err
	}
	return id, nil
}

// maybePublish anchors the pending batch once BroadcastInterval has
// elapsed since the last publish, leaving the batch queued otherwise.
func (l *L5) maybePublish(ctx context.Context) error {
	lastSent, err := l.Store.GetLastBroadcastTime()
	if err != nil && err != core.ErrNotFound {
		return fmt.Errorf("l5: load last broadcast time: %w", err)
	}
	if err == nil && time.Since(time.Unix(lastSent, 0)) < l.BroadcastInterval {
		return nil
	}

	blockID, err := l.currentBatchID()
	if err != nil {
		return fmt.Errorf("l5: resolve batch id: %w", err)
	}
	raws, err := l.Store.ListToBroadcast(blockID)
	if err != nil {
		return fmt.Errorf("l5: list pending batch: %w", err)
	}
	if len(raws) == 0 {
		return nil
	}

	var refs []string
	for _, raw := range raws {
		var e toBroadcastEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			l.Log.Warn().Err(err).Msg("skipping malformed to-broadcast entry")
			continue
		}
		refs = append(refs, e.ref())
	}
	if len(refs) == 0 {
		return l.Store.ClearToBroadcast(blockID)
	}

	digest := l.Algo.Sum([]byte(strings.Join(refs, ";")))
	txHash, err := l.Anchor.PublishHash(ctx, digest)
	if err != nil {
		return fmt.Errorf("l5: publish anchor: %w", err)
	}
	height, err := l.Anchor.CurrentHeight(ctx)
	if err != nil {
		return fmt.Errorf("l5: read current height: %w", err)
	}

	// PrevProof stays empty until confirmation: blocks finalize in
	// order, so the previous proof is only knowable then.
	block := &core.L5Block{
		DCID: l.DCID, BlockID: blockID, Timestamp: strconv.FormatInt(time.Now().Unix(), 10),
		L4Blocks: refs, Network: l.Network,
		TransactionHash: []string{txHash}, BlockLastSentAt: height,
		Scheme: l.Scheme,
	}
	if err := l.Store.PutL5Block(blockID, block); err != nil {
		return fmt.Errorf("l5: persist pending block: %w", err)
	}
	if err := l.Store.ClearToBroadcast(blockID); err != nil {
		return fmt.Errorf("l5: clear pending batch: %w", err)
	}
	// Later intake accumulates under the next id; this block's contents
	// are frozen now that its digest is on the wire.
	if err := l.Store.SetLastL5Block(nextBlockID(blockID)); err != nil {
		return fmt.Errorf("l5: advance batch id: %w", err)
	}
	if err := l.Store.SetLastBroadcastTime(time.Now().Unix()); err != nil {
		return fmt.Errorf("l5: persist broadcast time: %w", err)
	}
	balance, err := l.Anchor.Balance(ctx)
	if err != nil {
		return fmt.Errorf("l5: re-check balance: %w", err)
	}
	fee, err := l.Anchor.EstimatedFee(ctx)
	if err != nil {
		return fmt.Errorf("l5: read fee estimate: %w", err)
	}
	return l.recordFunds(ctx, balance, fee)
}

// checkConfirmations sweeps every outstanding anchor transaction for the
// pending block, dropping ones the public chain no longer knows about and
// finalizing the block once one confirms.
func (l *L5) checkConfirmations(ctx context.Context) error {
	// Blocks finalize strictly in order: only the block right after the
	// last confirmed one is ever swept.
	lastConfirmed, err := l.Store.GetLastConfirmedBlock()
	var blockID string
	switch {
	case err == nil:
		blockID = nextBlockID(lastConfirmed)
	case err == core.ErrNotFound:
		blockID = "0"
	default:
		return fmt.Errorf("l5: load last confirmed block: %w", err)
	}
	block, err := l.Store.GetL5Block(blockID)
	if err != nil {
		if err == core.ErrNotFound {
			return nil
		}
		return fmt.Errorf("l5: load pending block: %w", err)
	}
	if len(block.Proof) > 0 {
		// Finalized but the pointer never advanced (crash in between).
		return l.Store.SetLastConfirmedBlock(blockID)
	}
	if len(block.TransactionHash) == 0 {
		return nil
	}

	height, err := l.Anchor.CurrentHeight(ctx)
	if err != nil {
		return fmt.Errorf("l5: read current height: %w", err)
	}

	var live []string
	var confirmedHash string
	for _, h := range block.TransactionHash {
		confirmed, _, err := l.Anchor.IsConfirmed(ctx, h)
		if err != nil {
			if errors.Is(err, core.ErrTransactionNotFound) {
				continue // dropped by the public chain, stop tracking it
			}
			return fmt.Errorf("l5: check confirmation for %s: %w", h, err)
		}
		if confirmed {
			confirmedHash = h
			break
		}
		live = append(live, h)
	}

	if confirmedHash != "" {
		// The previous confirmed proof is copied in only now, at
		// finalization, so the chain links in confirmation order.
		_, prevProof, err := l.Store.GetLastBlockProof()
		if err != nil && err != core.ErrNotFound {
			return fmt.Errorf("l5: load last finalized proof: %w", err)
		}
		block.PrevProof = prevProof
		if err := block.Finalize(l.Algo, l.PrivKey); err != nil {
			return fmt.Errorf("l5: finalize block: %w", err)
		}
		if err := l.Store.PutL5Block(blockID, block); err != nil {
			return fmt.Errorf("l5: persist finalized block: %w", err)
		}
		if err := l.Store.SetLastBlockProof(blockID, block.Proof); err != nil {
			return fmt.Errorf("l5: persist last block proof: %w", err)
		}
		if err := l.Store.SetLastConfirmedBlock(blockID); err != nil {
			return fmt.Errorf("l5: persist last confirmed block: %w", err)
		}
		l.notifyContributors(ctx, block)
		return nil
	}

	dropped := len(live) != len(block.TransactionHash)
	stale := block.BlockLastSentAt > 0 && height-block.BlockLastSentAt >= l.Anchor.RetryThreshold()
	block.TransactionHash = live
	if len(live) == 0 || stale {
		// Every anchor was dropped by the public chain, or the
		// outstanding one has gone stale: re-anchor the same digest
		// and keep watching.
		digest := l.Algo.Sum([]byte(strings.Join(block.L4Blocks, ";")))
		txHash, err := l.Anchor.PublishHash(ctx, digest)
		if err != nil {
			return fmt.Errorf("l5: re-publish anchor: %w", err)
		}
		block.TransactionHash = append(block.TransactionHash, txHash)
		block.BlockLastSentAt = height
		return l.Store.PutL5Block(blockID, block)
	}
	if !dropped {
		return nil
	}
	return l.Store.PutL5Block(blockID, block)
}

// notifyContributors sends the finalized block to every L1 chain whose L4
// blocks landed in it, and asks matchmaking to retire their claims. Each
// L1 derives which of its own block ids the anchor covers by scanning the
// block's references, so one delivery per chain suffices.
func (l *L5) notifyContributors(ctx context.Context, block *core.L5Block) {
	body, err := json.Marshal(receiptEnvelope{Level: 5, Block: block})
	if err != nil {
		l.Log.Error().Err(err).Msg("marshal l5 receipt")
		return
	}

	notifiedChain := make(map[string]bool)
	resolved := make(map[string]bool)
	for _, raw := range block.L4Blocks {
		ref, ok := core.ParseL4BlockRef(raw)
		if !ok {
			continue
		}
		if !notifiedChain[ref.L1DCID] {
			notifiedChain[ref.L1DCID] = true
			if err := l.sendReceipt(ctx, ref.L1DCID, body); err != nil {
				l.Log.Warn().Err(err).Str("l1_dc_id", ref.L1DCID).Msg("send l5 receipt failed")
			}
		}
		if resolved[ref.L1BlockID] {
			continue
		}
		resolved[ref.L1BlockID] = true
		if err := l.MM.ResolveClaimCheck(ctx, ref.L1BlockID); err != nil && !errors.Is(err, core.ErrNotFound) {
			l.Log.Warn().Err(err).Str("l1_block_id", ref.L1BlockID).Msg("resolve claim check failed, queueing for retry")
			l.deferClaimResolution(ref.L1BlockID)
		}
	}
}
