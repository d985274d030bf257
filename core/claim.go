package core

// ReceiptEntry is one chain's recorded verification of a block at a level.
type ReceiptEntry struct {
	DCID      string `json:"dc_id"`
	BlockID   string `json:"block_id"`
	Signature []byte `json:"signature"`
}

// ClaimCheck is the local cache mirror of matchmaking's authoritative
// record naming which chains are responsible for verifying an L1 block at
// each level, and which of them have already done so.
type ClaimCheck struct {
	BlockID string `json:"block_id"`

	// TransactionCount is the number of transactions the L1 block was
	// created with, recorded at claim creation. L2 chains compare it
	// against the stripped block they receive; a mismatch means the
	// broadcast was tampered with or truncated in flight.
	TransactionCount int `json:"transaction_count"`

	NumL2 int `json:"num_l2"`
	NumL3 int `json:"num_l3"`
	NumL4 int `json:"num_l4"`
	NumL5 int `json:"num_l5"`

	// Validations[level][dc_id] -> receipt, once received.
	Validations map[int]map[string]ReceiptEntry `json:"validations"`
}

// NewClaimCheck builds an empty claim for blockID with the given
// per-level requirement counts.
func NewClaimCheck(blockID string, numL2, numL3, numL4, numL5 int) *ClaimCheck {
	return &ClaimCheck{
		BlockID: blockID,
		NumL2:   numL2,
		NumL3:   numL3,
		NumL4:   numL4,
		NumL5:   numL5,
		Validations: map[int]map[string]ReceiptEntry{
			2: {}, 3: {}, 4: {}, 5: {},
		},
	}
}

// Required returns how many distinct chains must verify at level.
func (c *ClaimCheck) Required(level int) int {
	switch level {
	case 2:
		return c.NumL2
	case 3:
		return c.NumL3
	case 4:
		return c.NumL4
	case 5:
		return c.NumL5
	default:
		return 0
	}
}

// Chains lists the dc_ids already assigned (whether or not they've
// responded) at level. Matchmaking owns assignment; this cache only tracks
// which of the assigned chains have responded.
func (c *ClaimCheck) Chains(level int) []string {
	m := c.Validations[level]
	out := make([]string, 0, len(m))
	for dcID := range m {
		out = append(out, dcID)
	}
	return out
}

// HasResponded reports whether dcID has already submitted a receipt for
// level in this claim.
func (c *ClaimCheck) HasResponded(level int, dcID string) bool {
	m, ok := c.Validations[level]
	if !ok {
		return false
	}
	entry, ok := m[dcID]
	return ok && len(entry.Signature) > 0
}

// IsAssigned reports whether dcID is one of the chains matchmaking assigned
// to verify this claim at level, whether or not it has responded yet.
// A receipt from a chain that isn't assigned must never be accepted.
func (c *ClaimCheck) IsAssigned(level int, dcID string) bool {
	m, ok := c.Validations[level]
	if !ok {
		return false
	}
	_, ok = m[dcID]
	return ok
}

// AddReceipt records dcID's receipt for level locally. Matchmaking's own
// copy is updated separately via the matchmaking client's AddReceipt call.
func (c *ClaimCheck) AddReceipt(level int, dcID string, entry ReceiptEntry) {
	if c.Validations[level] == nil {
		c.Validations[level] = map[string]ReceiptEntry{}
	}
	c.Validations[level][dcID] = entry
}

// ResponseCount returns how many chains have responded at level.
func (c *ClaimCheck) ResponseCount(level int) int {
	n := 0
	for _, entry := range c.Validations[level] {
		if len(entry.Signature) > 0 {
			n++
		}
	}
	return n
}
