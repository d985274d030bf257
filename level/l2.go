package level

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dragonet/chainnode/core"
)

// receiptEnvelope is the wire shape POSTed to an L1's /v1/receipt route:
// the full at-rest block this chain produced, tagged with its level.
// Field names and JSON tags intentionally mirror broadcast.InboundReceipt
// so the two sides agree without either package importing the other.
type receiptEnvelope struct {
	Level int `json:"level"`
	Block any `json:"block"`
}

func nextBlockID(prevID string) string {
	if prevID == "" {
		return "0"
	}
	n, err := strconv.ParseInt(prevID, 10, 64)
	if err != nil {
		return "0"
	}
	return strconv.FormatInt(n+1, 10)
}

// L2 is the L2 tick executor: per-transaction signature verification over
// one L1 block.
type L2 struct {
	*Base
}

// Tick runs one L2 tick, looping while more L1 DTOs are queued.
func (l *L2) Tick(ctx context.Context) error {
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

// tickOnce processes at most one queued L1 DTO, reporting whether it found
// one to process.
func (l *L2) tickOnce(ctx context.Context) (bool, error) {
	item, err := l.Queue.NextItem(true)
	if err != nil {
		return false, fmt.Errorf("l2: dequeue: %w", err)
	}
	if item == nil {
		return false, nil
	}

	var dto core.L1Block
	if err := json.Unmarshal(item, &dto); err != nil {
		l.Log.Warn().Err(err).Msg("dropping malformed l1 dto")
		return true, l.Queue.ClearProcessing()
	}

	claim, err := l.MM.GetClaimCheck(ctx, dto.BlockID)
	if err != nil {
		l.Log.Warn().Err(err).Str("block_id", dto.BlockID).Msg("dropping l1 dto: claim check unavailable")
		return true, l.Queue.ClearProcessing()
	}
	if claim.TransactionCount != len(dto.StrippedTransactions) {
		l.Log.Warn().Str("block_id", dto.BlockID).
			Int("claim_count", claim.TransactionCount).
			Int("dto_count", len(dto.StrippedTransactions)).
			Msg("dropping l1 dto: transaction count does not match claim")
		return true, l.Queue.ClearProcessing()
	}
	assigned := false
	for _, dcID := range claim.Chains(2) {
		if dcID == l.DCID {
			assigned = true
			break
		}
	}
	if !assigned {
		l.Log.Warn().Str("block_id", dto.BlockID).Msg("dropping l1 dto: not assigned to this chain at level 2")
		return true, l.Queue.ClearProcessing()
	}

	l1Pub, err := l.Dir.PublicKey(ctx, dto.DCID)
	if err != nil {
		l.Log.Warn().Err(err).Str("dc_id", dto.DCID).Msg("dropping l1 dto: l1 keys unresolvable")
		return true, l.Queue.ClearProcessing()
	}
	l1Valid := dto.Verify(l.Algo, l1Pub, core.DefaultComplexity) == nil

	validations := make(map[string]bool, len(dto.StrippedTransactions))
	for _, tx := range dto.StrippedTransactions {
		if !l1Valid {
			validations[tx.TxnID] = false
			continue
		}
		full := core.Transaction{
			TxnID: tx.TxnID, TxnType: tx.TxnType, DCID: tx.DCID, BlockID: tx.BlockID,
			Timestamp: tx.Timestamp, Tag: tx.Tag, Invoker: tx.Invoker,
			FullHash: tx.FullHash, Signature: tx.Signature,
		}
		validations[tx.TxnID] = full.VerifyStripped(l.Algo, l1Pub) == nil
	}

	prevID, prevProof, err := l.Store.GetLastBlockProof()
	if err != nil && err != core.ErrNotFound {
		return true, fmt.Errorf("l2: load own prev proof: %w", err)
	}

	block := &core.L2Block{
		L1DCID: dto.DCID, L1BlockID: dto.BlockID, L1Proof: dto.Proof,
		DCID: l.DCID, BlockID: nextBlockID(prevID), Timestamp: strconv.FormatInt(time.Now().Unix(), 10),
		PrevProof: prevProof, Scheme: l.Scheme,
	}
	block.SetValidations(validations)
	if err := block.Finalize(l.Algo, l.PrivKey, l.Complexity); err != nil {
		return true, fmt.Errorf("l2: finalize block: %w", err)
	}

	if err := l.Store.PutL2Block(block); err != nil {
		return true, fmt.Errorf("l2: persist block: %w", err)
	}
	if err := l.Store.SetLastBlockProof(block.BlockID, block.Proof); err != nil {
		return true, fmt.Errorf("l2: persist last block proof: %w", err)
	}

	body, err := json.Marshal(receiptEnvelope{Level: 2, Block: block})
	if err != nil {
		return true, fmt.Errorf("l2: marshal receipt: %w", err)
	}
	if err := l.sendReceipt(ctx, dto.DCID, body); err != nil {
		l.Log.Warn().Err(err).Str("l1_block_id", dto.BlockID).Msg("send receipt failed")
	}

	if err := l.Queue.ClearProcessing(); err != nil {
		return true, fmt.Errorf("l2: clear processing: %w", err)
	}
	return true, nil
}
