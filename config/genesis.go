package config

// GenesisPrevProof is what an L1 chain's very first block carries for
// prev_proof and prev_id: no prior block exists yet, so the field is empty
// rather than a sentinel hash. L2-5 chains have no genesis concept of
// their own; each one's first block simply has an empty PrevProof too,
// since storage.ObjectStore.GetLastBlockProof reports core.ErrNotFound
// before any block has ever been produced.
const GenesisPrevProof = ""

// IsGenesis reports whether prevID names the bootstrap state (this chain
// has never produced a block), the Go-idiomatic replacement for the
// reference implementation's magic all-zeros previous hash.
func IsGenesis(prevID string) bool {
	return prevID == ""
}
