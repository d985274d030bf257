package crypto

import (
	"encoding/binary"
	"strings"
)

// ConcatFields joins a fixed field order into the canonical UTF-8 byte
// message every signed artifact in this system is hashed from. Callers
// (core block/transaction types) are responsible for passing fields in the
// exact order their level's wire format defines; this function only does
// the concatenation, not the ordering.
func ConcatFields(fields ...string) []byte {
	var b strings.Builder
	for _, f := range fields {
		b.WriteString(f)
	}
	return []byte(b.String())
}

// AppendNonce appends an 8-byte big-endian nonce to message, as required
// when a block's proof scheme is "work".
func AppendNonce(message []byte, nonce uint64) []byte {
	out := make([]byte, len(message)+8)
	copy(out, message)
	binary.BigEndian.PutUint64(out[len(message):], nonce)
	return out
}
