package storage

import (
	"encoding/json"
	"fmt"

	"github.com/dragonet/chainnode/core"
)

// ObjectStore is a typed wrapper over DB implementing the node's
// persistent-state layout. All level executors and the
// broadcast processor go through this type rather than touching DB keys
// directly.
type ObjectStore struct {
	db DB
}

// NewObjectStore wraps db.
func NewObjectStore(db DB) *ObjectStore {
	return &ObjectStore{db: db}
}

func (s *ObjectStore) putJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: marshal: %w", err)
	}
	return s.db.Set(key, data)
}

func (s *ObjectStore) getJSON(key []byte, v any) error {
	data, err := s.db.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// GetRaw returns the undecoded bytes stored at key, for callers (the
// broadcast processor's notification loop) that sign or forward a stored
// value verbatim rather than parsing it.
func (s *ObjectStore) GetRaw(key []byte) ([]byte, error) {
	return s.db.Get(key)
}

// ---- L1 ----

func (s *ObjectStore) PutL1Block(b *core.L1Block) error { return s.putJSON(BlockKey(b.BlockID), b) }
func (s *ObjectStore) GetL1Block(blockID string) (*core.L1Block, error) {
	var b core.L1Block
	if err := s.getJSON(BlockKey(blockID), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *ObjectStore) PutFullTransactions(blockID string, txs []*core.Transaction) error {
	return s.putJSON(TransactionBlobKey(blockID), txs)
}

func (s *ObjectStore) GetFullTransactions(blockID string) ([]*core.Transaction, error) {
	var txs []*core.Transaction
	if err := s.getJSON(TransactionBlobKey(blockID), &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

type lastBlockProof struct {
	BlockID string `json:"block_id"`
	Proof   []byte `json:"proof"`
}

func (s *ObjectStore) SetLastBlockProof(blockID string, proof []byte) error {
	return s.putJSON(LastBlockProofKey(), lastBlockProof{BlockID: blockID, Proof: proof})
}

// GetLastBlockProof returns ("", nil, core.ErrNotFound) before a chain has
// ever produced a block (genesis).
func (s *ObjectStore) GetLastBlockProof() (blockID string, proof []byte, err error) {
	var v lastBlockProof
	if err := s.getJSON(LastBlockProofKey(), &v); err != nil {
		return "", nil, err
	}
	return v.BlockID, v.Proof, nil
}

// ---- L2-4 ----

func (s *ObjectStore) PutL2Block(b *core.L2Block) error { return s.putJSON(BlockKey(b.BlockID), b) }
func (s *ObjectStore) PutL3Block(b *core.L3Block) error { return s.putJSON(BlockKey(b.BlockID), b) }
func (s *ObjectStore) PutL4Block(b *core.L4Block) error { return s.putJSON(BlockKey(b.BlockID), b) }

// ---- Receipts ----

// PutReceipt persists a downward receipt body under its (l1BlockID, level,
// sender) key.
func (s *ObjectStore) PutReceipt(l1BlockID string, level int, senderDCID string, body any) error {
	return s.putJSON(ReceiptKey(l1BlockID, level, senderDCID), body)
}

// ListReceipts returns the raw JSON bodies of every receipt stored for
// l1BlockID at level.
func (s *ObjectStore) ListReceipts(l1BlockID string, level int) ([]json.RawMessage, error) {
	it := s.db.NewIterator(ReceiptKeyPrefix(l1BlockID, level))
	defer it.Release()
	var out []json.RawMessage
	for it.Next() {
		v := make([]byte, len(it.Value()))
		copy(v, it.Value())
		out = append(out, v)
	}
	return out, it.Error()
}

// ---- L5 ----

func (s *ObjectStore) PutL5Block(blockID string, b *core.L5Block) error {
	return s.putJSON(BlockKey(blockID), b)
}

func (s *ObjectStore) GetL5Block(blockID string) (*core.L5Block, error) {
	var b core.L5Block
	if err := s.getJSON(BlockKey(blockID), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *ObjectStore) PutToBroadcast(blockID, uuid string, v any) error {
	return s.putJSON(ToBroadcastKey(blockID, uuid), v)
}

func (s *ObjectStore) ListToBroadcast(blockID string) ([]json.RawMessage, error) {
	it := s.db.NewIterator(ToBroadcastPrefix(blockID))
	defer it.Release()
	var out []json.RawMessage
	for it.Next() {
		v := make([]byte, len(it.Value()))
		copy(v, it.Value())
		out = append(out, v)
	}
	return out, it.Error()
}

func (s *ObjectStore) ClearToBroadcast(blockID string) error {
	it := s.db.NewIterator(ToBroadcastPrefix(blockID))
	defer it.Release()
	batch := s.db.NewBatch()
	for it.Next() {
		k := make([]byte, len(it.Key()))
		copy(k, it.Key())
		batch.Delete(k)
	}
	if err := it.Error(); err != nil {
		return err
	}
	return batch.Write()
}

// ---- L5 bookkeeping ----
//
// L5's own block ids never chain off one another the way L2-4 do (a single
// L5Block accumulates state across an entire broadcast interval), so its
// progress is tracked by these small scalar pointers instead of
// LastBlockProofKey.

// SetLastL5Block records blockID as the block currently being assembled or
// most recently finalized.
func (s *ObjectStore) SetLastL5Block(blockID string) error {
	return s.db.Set(LastL5BlockKey(), []byte(blockID))
}

// GetLastL5Block returns the tracked block id, or core.ErrNotFound before
// this chain has ever started assembling one.
func (s *ObjectStore) GetLastL5Block() (string, error) {
	v, err := s.db.Get(LastL5BlockKey())
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// SetLastConfirmedBlock records the most recent L5 block id whose anchor
// transaction reached confirmation.
func (s *ObjectStore) SetLastConfirmedBlock(blockID string) error {
	return s.db.Set(LastConfirmedBlockKey(), []byte(blockID))
}

func (s *ObjectStore) GetLastConfirmedBlock() (string, error) {
	v, err := s.db.Get(LastConfirmedBlockKey())
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func (s *ObjectStore) SetLastBroadcastTime(unixSeconds int64) error {
	return s.putJSON(LastBroadcastTimeKey(), unixSeconds)
}

// GetLastBroadcastTime returns (0, core.ErrNotFound) before this chain has
// ever published an anchor.
func (s *ObjectStore) GetLastBroadcastTime() (int64, error) {
	var t int64
	if err := s.getJSON(LastBroadcastTimeKey(), &t); err != nil {
		return 0, err
	}
	return t, nil
}

func (s *ObjectStore) SetLastWatchTime(unixSeconds int64) error {
	return s.putJSON(LastWatchTimeKey(), unixSeconds)
}

func (s *ObjectStore) GetLastWatchTime() (int64, error) {
	var t int64
	if err := s.getJSON(LastWatchTimeKey(), &t); err != nil {
		return 0, err
	}
	return t, nil
}

// SetCurrentFunds records the funding wallet's balance as of the last
// has_funds_for_transactions check, so matchmaking's funded flag can be
// kept in sync even between anchor.Client.Balance calls.
func (s *ObjectStore) SetCurrentFunds(amount int64) error {
	return s.putJSON(CurrentFundsKey(), amount)
}

// SetClaimsBacklog persists the ordered list of claim ids whose resolution
// at matchmaking failed and is pending retry. An empty list deletes the key.
func (s *ObjectStore) SetClaimsBacklog(blockIDs []string) error {
	if len(blockIDs) == 0 {
		return s.db.Delete(ClaimsBacklogKey())
	}
	return s.putJSON(ClaimsBacklogKey(), blockIDs)
}

// GetClaimsBacklog returns the pending claim-resolution backlog, oldest
// first. An absent key is an empty backlog, not an error.
func (s *ObjectStore) GetClaimsBacklog() ([]string, error) {
	var ids []string
	err := s.getJSON(ClaimsBacklogKey(), &ids)
	if err == core.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *ObjectStore) GetCurrentFunds() (int64, error) {
	var amount int64
	if err := s.getJSON(CurrentFundsKey(), &amount); err != nil {
		return 0, err
	}
	return amount, nil
}
