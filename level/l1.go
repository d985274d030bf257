package level

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dragonet/chainnode/core"
)

// EpochOffset anchors L1 block ids to the network's genesis instant; block ids are derived from wall-clock time rather than stored,
// so every L1 chain on the network agrees on the current block id without
// coordination.
const EpochOffset = 1432238220

// BlockInterval is how many seconds of wall-clock time map to one L1
// block id.
const BlockInterval = 5 * time.Second

// MaxBlockTransactions caps how many queued transactions one L1 tick will
// fixate, bounding tick latency under load.
const MaxBlockTransactions = 10000

// CurrentBlockID computes the L1 block id for instant t.
func CurrentBlockID(t time.Time) int64 {
	return int64(t.Unix()-EpochOffset) / int64(BlockInterval/time.Second)
}

// Indexer receives every fixated transaction so a custom secondary index
// can tag it by its declared custom_indexes. ActivateThrough is called at
// the top of each tick with the current block id, turning on any index
// definition whose active_since_block has been reached. Optional: a nil
// Indexer means no custom indexing is configured.
type Indexer interface {
	ActivateThrough(blockID int64)
	IndexTransaction(tx *core.Transaction) error
}

// BroadcastTracker is notified of every freshly produced L1 block so the
// broadcast processor can begin driving its claim lifecycle. Optional:
// nil means broadcast is disabled for this chain (a pure ledger node).
type BroadcastTracker interface {
	Track(blockID string, at time.Time)
}

// CallbackDispatcher fires the user-registered HTTP callback for a
// transaction's invoker or txn_id, fire-and-forget. Optional.
type CallbackDispatcher interface {
	Dispatch(tx *core.Transaction)
}

// L1 is the L1 tick executor: transaction fixation and block production.
type L1 struct {
	*Base
	Indexer   Indexer
	Broadcast BroadcastTracker
	Callbacks CallbackDispatcher

	// BroadcastEnabled mirrors the chain-level BROADCAST flag;
	// Broadcast is still consulted only when true.
	BroadcastEnabled bool
}

// Tick runs one L1 tick: dequeue, fixate, produce, persist, track.
func (l *L1) Tick(ctx context.Context) error {
	if err := l.renewRegistration(ctx); err != nil {
		l.Log.Error().Err(err).Msg("renew registration failed")
	}
	if err := l.recoverQueue(); err != nil {
		return err
	}

	raw, err := l.Queue.NextBatch(MaxBlockTransactions)
	if err != nil {
		return fmt.Errorf("l1: dequeue: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}

	now := time.Now()
	currentID := CurrentBlockID(now)
	blockID := strconv.FormatInt(currentID, 10)
	timestamp := strconv.FormatInt(now.Unix(), 10)

	// Activation precedes fixation: a definition that comes due at this
	// block id applies to every transaction fixated into it.
	if l.Indexer != nil {
		l.Indexer.ActivateThrough(currentID)
	}

	txs := make([]*core.Transaction, 0, len(raw))
	for _, item := range raw {
		var tx core.Transaction
		if err := json.Unmarshal(item, &tx); err != nil {
			l.Log.Warn().Err(err).Msg("dropping malformed queued transaction")
			continue
		}
		tx.FixateAt(blockID, timestamp)
		tx.Sign(l.Algo, l.PrivKey)
		txs = append(txs, &tx)
		if l.Callbacks != nil {
			l.Callbacks.Dispatch(&tx)
		}
	}
	if len(txs) == 0 {
		return l.clearAndReturn()
	}

	prevID, prevProof, err := l.Store.GetLastBlockProof()
	if err != nil && err != core.ErrNotFound {
		return fmt.Errorf("l1: load last block proof: %w", err)
	}

	stripped := make([]core.StrippedTransaction, len(txs))
	for i, tx := range txs {
		stripped[i] = tx.Strip()
	}

	block := &core.L1Block{
		DCID:                 l.DCID,
		BlockID:              blockID,
		Timestamp:            timestamp,
		PrevID:               prevID,
		PrevProof:            prevProof,
		StrippedTransactions: stripped,
		Scheme:               l.Scheme,
	}
	if err := block.Finalize(l.Algo, l.PrivKey, l.Complexity); err != nil {
		return fmt.Errorf("l1: finalize block: %w", err)
	}

	if err := l.Store.PutFullTransactions(blockID, txs); err != nil {
		return fmt.Errorf("l1: persist full transactions: %w", err)
	}
	if err := l.Store.PutL1Block(block); err != nil {
		return fmt.Errorf("l1: persist block: %w", err)
	}
	if err := l.Store.SetLastBlockProof(blockID, block.Proof); err != nil {
		return fmt.Errorf("l1: persist last block proof: %w", err)
	}

	if l.Indexer != nil {
		for _, tx := range txs {
			if err := l.Indexer.IndexTransaction(tx); err != nil {
				l.Log.Warn().Err(err).Str("txn_id", tx.TxnID).Msg("index transaction failed")
			}
		}
	}

	if l.BroadcastEnabled && l.Broadcast != nil {
		l.Broadcast.Track(blockID, now)
	}

	return l.clearAndReturn()
}

func (l *L1) clearAndReturn() error {
	if err := l.Queue.ClearProcessing(); err != nil {
		return fmt.Errorf("l1: clear processing: %w", err)
	}
	return nil
}

// httpCallbackDispatcher is a minimal CallbackDispatcher: it POSTs the
// stripped transaction to a fixed URL keyed by invoker, swallowing errors
// since callbacks are best-effort.
type httpCallbackDispatcher struct {
	urlForInvoker map[string]string
	client        *http.Client
}

// NewHTTPCallbackDispatcher creates a CallbackDispatcher backed by a
// static invoker-to-URL map (dynamic registration is a future extension).
func NewHTTPCallbackDispatcher(urlForInvoker map[string]string) CallbackDispatcher {
	return &httpCallbackDispatcher{urlForInvoker: urlForInvoker, client: &http.Client{Timeout: 10 * time.Second}}
}

func (d *httpCallbackDispatcher) Dispatch(tx *core.Transaction) {
	url, ok := d.urlForInvoker[tx.Invoker]
	if !ok {
		return
	}
	go func() {
		body, err := json.Marshal(tx.Strip())
		if err != nil {
			return
		}
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := d.client.Do(req)
		if err != nil {
			return
		}
		resp.Body.Close()
	}()
}
