package storage

import "fmt"

// Key layout. All persistent object-store access in this
// repository goes through these builders so the on-disk shape stays in one
// place.
const (
	prefixBlock     = "BLOCK/"
	prefixTxn       = "TRANSACTION/"
	prefixPayloads  = "PAYLOADS/"
	prefixBroadcast = "BROADCAST/"
)

// BlockKey addresses an at-rest block (any level) by its block id.
func BlockKey(blockID string) []byte {
	return []byte(prefixBlock + blockID)
}

// LastBlockProofKey addresses this chain's own last-produced-block pointer.
func LastBlockProofKey() []byte {
	return []byte(prefixBlock + "LAST_BLOCK_PROOF")
}

// ReceiptKey addresses a downward receipt: the body an L2-5 chain sent back
// to the L1 that produced l1BlockID, for the given level and sender.
func ReceiptKey(l1BlockID string, level int, senderDCID string) []byte {
	return []byte(fmt.Sprintf("%s%s-l%d-%s", prefixBlock, l1BlockID, level, senderDCID))
}

// ReceiptKeyPrefix addresses every receipt recorded for l1BlockID at level,
// for use with DB.NewIterator when assembling a broadcast DTO.
func ReceiptKeyPrefix(l1BlockID string, level int) []byte {
	return []byte(fmt.Sprintf("%s%s-l%d-", prefixBlock, l1BlockID, level))
}

// TransactionBlobKey addresses the newline-delimited full-transactions blob
// for an L1 block.
func TransactionBlobKey(blockID string) []byte {
	return []byte(prefixTxn + blockID)
}

// PayloadsKey addresses the per-transaction payload dictionary for an L1
// block (recoverable even after the stripped block has discarded them).
func PayloadsKey(blockID string) []byte {
	return []byte(prefixPayloads + blockID)
}

// ToBroadcastKey addresses one pending L5 batch entry.
func ToBroadcastKey(blockID, uuid string) []byte {
	return []byte(fmt.Sprintf("%sTO_BROADCAST/%s/%s", prefixBroadcast, blockID, uuid))
}

// ToBroadcastPrefix addresses every pending batch entry for an L5 block id.
func ToBroadcastPrefix(blockID string) []byte {
	return []byte(fmt.Sprintf("%sTO_BROADCAST/%s/", prefixBroadcast, blockID))
}

func LastL5BlockKey() []byte           { return []byte(prefixBroadcast + "LAST_BLOCK") }
func LastConfirmedBlockKey() []byte    { return []byte(prefixBroadcast + "LAST_CONFIRMED_BLOCK") }
func LastBroadcastTimeKey() []byte     { return []byte(prefixBroadcast + "LAST_BROADCAST_TIME") }
func LastWatchTimeKey() []byte         { return []byte(prefixBroadcast + "LAST_WATCH_TIME") }
func CurrentFundsKey() []byte          { return []byte(prefixBroadcast + "CURRENT_FUNDS") }
func ClaimsBacklogKey() []byte         { return []byte(prefixBroadcast + "CLAIMS_BACKLOG") }
