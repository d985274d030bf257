package core

import (
	"encoding/json"
	"fmt"

	"github.com/dragonet/chainnode/crypto"
)

// TxType identifies a transaction's custom-index schema. The reserved
// prefix "-SYSTEM" is rejected at enqueue time; every other type is a user
// type that may carry its own index definitions (see txindex package).
type TxType string

// ReservedTxTypePrefix may never be used by a user-submitted transaction.
const ReservedTxTypePrefix = "-SYSTEM"

// Transaction is an L1, client-submitted unit of work. Block IDs and
// timestamps are carried as decimal strings (not integers) so their
// canonical byte encoding never depends on a platform's integer formatting.
type Transaction struct {
	TxnID     string          `json:"txn_id"`
	TxnType   TxType          `json:"txn_type"`
	DCID      string          `json:"dc_id"`
	BlockID   string          `json:"block_id"`
	Timestamp string          `json:"timestamp"`
	Tag       string          `json:"tag,omitempty"`
	Invoker   string          `json:"invoker,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	FullHash  []byte          `json:"full_hash,omitempty"`
	Signature []byte          `json:"signature,omitempty"`
}

// StrippedTransaction is the payload-free projection embedded in an L1
// block's stripped_transactions list.
type StrippedTransaction struct {
	TxnID     string `json:"txn_id"`
	TxnType   TxType `json:"txn_type"`
	DCID      string `json:"dc_id"`
	BlockID   string `json:"block_id"`
	Timestamp string `json:"timestamp"`
	Tag       string `json:"tag,omitempty"`
	Invoker   string `json:"invoker,omitempty"`
	FullHash  []byte `json:"full_hash"`
	Signature []byte `json:"signature"`
}

// NewTransaction builds an unsigned, unhashed Transaction. Callers must call
// FixateAt to assign block_id/timestamp before ComputeFullHash/Sign.
func NewTransaction(txnID string, typ TxType, dcID, tag, invoker string, payload any) (*Transaction, error) {
	if len(typ) >= len(ReservedTxTypePrefix) && string(typ[:len(ReservedTxTypePrefix)]) == ReservedTxTypePrefix {
		return nil, fmt.Errorf("core: %w: %q uses reserved prefix", ErrInvalidTransactionType, typ)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("core: marshal transaction payload: %w", err)
	}
	return &Transaction{
		TxnID:   txnID,
		TxnType: typ,
		DCID:    dcID,
		Tag:     tag,
		Invoker: invoker,
		Payload: raw,
	}, nil
}

// FixateAt assigns the block_id and timestamp under which this transaction
// was approved. Called exactly once, by the L1 executor, during a tick.
func (tx *Transaction) FixateAt(blockID, timestamp string) {
	tx.BlockID = blockID
	tx.Timestamp = timestamp
}

// fullMessage is the canonical byte message hashed to produce FullHash.
func (tx *Transaction) fullMessage() []byte {
	msg := crypto.ConcatFields(tx.TxnID, string(tx.TxnType), tx.DCID, tx.BlockID, tx.Tag, tx.Invoker, tx.Timestamp)
	return append(msg, tx.Payload...)
}

// strippedMessage is the canonical byte message signed (and verified) in
// place of the full transaction, substituting FullHash for the payload.
func (tx *Transaction) strippedMessage() []byte {
	msg := crypto.ConcatFields(tx.TxnID, string(tx.TxnType), tx.DCID, tx.BlockID, tx.Tag, tx.Invoker, tx.Timestamp)
	return append(msg, tx.FullHash...)
}

// ComputeFullHash computes and stores FullHash using algo.
func (tx *Transaction) ComputeFullHash(algo crypto.HashAlgo) {
	tx.FullHash = algo.Sum(tx.fullMessage())
}

// Sign computes FullHash (if not already set) and signs the stripped
// message with priv, storing the result in Signature.
func (tx *Transaction) Sign(algo crypto.HashAlgo, priv crypto.PrivateKey) {
	if tx.FullHash == nil {
		tx.ComputeFullHash(algo)
	}
	digest := algo.Sum(tx.strippedMessage())
	tx.Signature = crypto.Sign(priv, digest)
}

// VerifyStripped checks the signature over the stripped message only. This
// is the only check an L2 node can perform without possessing the payload.
func (tx *Transaction) VerifyStripped(algo crypto.HashAlgo, pub crypto.PublicKey) error {
	digest := algo.Sum(tx.strippedMessage())
	return crypto.Verify(pub, digest, tx.Signature)
}

// VerifyFull additionally checks that FullHash matches the payload actually
// present, then delegates to VerifyStripped.
func (tx *Transaction) VerifyFull(algo crypto.HashAlgo, pub crypto.PublicKey) error {
	got := algo.Sum(tx.fullMessage())
	want := tx.FullHash
	if len(got) != len(want) {
		return fmt.Errorf("core: full_hash length mismatch")
	}
	for i := range got {
		if got[i] != want[i] {
			return fmt.Errorf("core: full_hash does not match payload")
		}
	}
	return tx.VerifyStripped(algo, pub)
}

// Strip projects the transaction into its payload-free wire form.
func (tx *Transaction) Strip() StrippedTransaction {
	return StrippedTransaction{
		TxnID:     tx.TxnID,
		TxnType:   tx.TxnType,
		DCID:      tx.DCID,
		BlockID:   tx.BlockID,
		Timestamp: tx.Timestamp,
		Tag:       tx.Tag,
		Invoker:   tx.Invoker,
		FullHash:  tx.FullHash,
		Signature: tx.Signature,
	}
}
