package broadcast

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dragonet/chainnode/core"
	"github.com/dragonet/chainnode/crypto"
	"github.com/dragonet/chainnode/internal/testutil"
	"github.com/dragonet/chainnode/storage"
)

func claimWith(assigned ...string) *core.ClaimCheck {
	c := core.NewClaimCheck("block-1", len(assigned), 0, 0, 0)
	for _, dcID := range assigned {
		c.Validations[2][dcID] = core.ReceiptEntry{}
	}
	return c
}

// l2Receipt builds a signed L2 block over l1BlockID and wraps it as the
// parsed receipt AcceptReceipt consumes.
func l2Receipt(t *testing.T, priv crypto.PrivateKey, dcID, l1BlockID string) *Receipt {
	t.Helper()
	block := &core.L2Block{
		L1DCID: "l1-chain", L1BlockID: l1BlockID, L1Proof: []byte("l1-proof"),
		DCID: dcID, BlockID: "9", Timestamp: "129874",
		Scheme: core.SchemeTrust,
	}
	block.SetValidations(map[string]bool{"tx1": true})
	if err := block.Finalize(crypto.HashSHA256, priv, core.DefaultComplexity); err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(block)
	if err != nil {
		t.Fatal(err)
	}
	rcpt, err := ParseReceipt(InboundReceipt{Level: 2, Block: raw}, "my-dc-id")
	if err != nil {
		t.Fatal(err)
	}
	return rcpt
}

// TestAcceptReceiptHappyPath confirms a properly-signed L2 block from an
// assigned chain is accepted, persisted verbatim, and tracked.
func TestAcceptReceiptHappyPath(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	store := storage.NewObjectStore(testutil.NewMemDB())
	state := NewState()
	state.Track("block-1", time.Unix(1_700_000_000, 0))
	claim := claimWith("l2-chain-a")

	rcpt := l2Receipt(t, priv, "l2-chain-a", "block-1")
	if err := AcceptReceipt(store, state, claim, pub, crypto.HashSHA256, rcpt, "block-1"); err != nil {
		t.Fatalf("AcceptReceipt rejected a valid assigned receipt: %v", err)
	}
	if state.ResponseCount("block-1", 2) != 1 {
		t.Fatal("receipt was not recorded in broadcast state")
	}
	pending := state.PendingNotifications()
	if len(pending) != 1 {
		t.Fatalf("expected exactly one queued notification, got %v", pending)
	}

	stored, err := store.ListReceipts("block-1", 2)
	if err != nil || len(stored) != 1 {
		t.Fatalf("expected one stored receipt, got %d (%v)", len(stored), err)
	}
	var roundTrip core.L2Block
	if err := json.Unmarshal(stored[0], &roundTrip); err != nil {
		t.Fatalf("stored receipt is not an L2 block: %v", err)
	}
	if roundTrip.Verify(crypto.HashSHA256, pub, core.DefaultComplexity) != nil {
		t.Fatal("stored receipt block no longer verifies")
	}
}

// TestAcceptReceiptRejectsUnassignedSender: no
// receipt is ever accepted whose sender is not a member of the claim.
func TestAcceptReceiptRejectsUnassignedSender(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	store := storage.NewObjectStore(testutil.NewMemDB())
	state := NewState()
	state.Track("block-1", time.Unix(1_700_000_000, 0))
	claim := claimWith("l2-chain-a") // "intruder" is not assigned

	rcpt := l2Receipt(t, priv, "intruder", "block-1")
	if err := AcceptReceipt(store, state, claim, pub, crypto.HashSHA256, rcpt, "block-1"); !errors.Is(err, core.ErrNotAcceptingVerifications) {
		t.Fatalf("expected ErrNotAcceptingVerifications for an unassigned sender, got %v", err)
	}
	if state.ResponseCount("block-1", 2) != 0 {
		t.Fatal("an unassigned receipt should never be recorded")
	}
}

// TestAcceptReceiptRejectsForgedBlock ensures a block whose proof doesn't
// match the claimed sender's key is rejected, and that tampering with a
// signed field (a validation flipped after signing) is caught too.
func TestAcceptReceiptRejectsForgedBlock(t *testing.T) {
	_, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	otherPriv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	store := storage.NewObjectStore(testutil.NewMemDB())
	state := NewState()
	state.Track("block-1", time.Unix(1_700_000_000, 0))
	claim := claimWith("l2-chain-a")

	// Signed by the wrong key.
	rcpt := l2Receipt(t, otherPriv, "l2-chain-a", "block-1")
	if err := AcceptReceipt(store, state, claim, pub, crypto.HashSHA256, rcpt, "block-1"); err == nil {
		t.Fatal("expected rejection of a block signed by the wrong key")
	}

	// Signed by the right key, then a validation flipped afterwards: the
	// tampered validations_str must fail the proof check.
	priv2, pub2, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	block := &core.L2Block{
		L1DCID: "l1-chain", L1BlockID: "block-1", L1Proof: []byte("l1-proof"),
		DCID: "l2-chain-a", BlockID: "9", Timestamp: "129874",
		Scheme: core.SchemeTrust,
	}
	block.SetValidations(map[string]bool{"tx1": false})
	if err := block.Finalize(crypto.HashSHA256, priv2, core.DefaultComplexity); err != nil {
		t.Fatal(err)
	}
	block.SetValidations(map[string]bool{"tx1": true})
	raw, err := json.Marshal(block)
	if err != nil {
		t.Fatal(err)
	}
	tampered, err := ParseReceipt(InboundReceipt{Level: 2, Block: raw}, "my-dc-id")
	if err != nil {
		t.Fatal(err)
	}
	if err := AcceptReceipt(store, state, claim, pub2, crypto.HashSHA256, tampered, "block-1"); err == nil {
		t.Fatal("expected rejection of a block with a validation flipped after signing")
	}
}

// TestAcceptReceiptRejectsAfterPromotion covers the late responder: once
// the block has promoted past the receipt's level, further receipts at
// that level are rejected even from a correctly-assigned chain.
func TestAcceptReceiptRejectsAfterPromotion(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	store := storage.NewObjectStore(testutil.NewMemDB())
	state := NewState()
	now := time.Unix(1_700_000_000, 0)
	state.Track("block-1", now)
	state.Promote("block-1", now) // now at level 3
	claim := claimWith("l2-chain-a")

	rcpt := l2Receipt(t, priv, "l2-chain-a", "block-1")
	if err := AcceptReceipt(store, state, claim, pub, crypto.HashSHA256, rcpt, "block-1"); !errors.Is(err, core.ErrNotAcceptingVerifications) {
		t.Fatalf("expected ErrNotAcceptingVerifications for a late receipt, got %v", err)
	}
}

// TestParseReceiptL5ScansReferences: an L5 anchor names many L1 blocks
// across many chains; parsing must surface exactly the receiving chain's
// distinct block ids.
func TestParseReceiptL5ScansReferences(t *testing.T) {
	block := &core.L5Block{
		DCID: "l5-chain", BlockID: "3", Timestamp: "129874",
		Network: "local",
		L4Blocks: []string{
			core.L4BlockRef{L1DCID: "my-dc-id", L1BlockID: "block-1", L4DCID: "l4-a", L4BlockID: "7"}.String(),
			core.L4BlockRef{L1DCID: "other-l1", L1BlockID: "block-9", L4DCID: "l4-a", L4BlockID: "7"}.String(),
			core.L4BlockRef{L1DCID: "my-dc-id", L1BlockID: "block-1", L4DCID: "l4-b", L4BlockID: "4"}.String(),
			core.L4BlockRef{L1DCID: "my-dc-id", L1BlockID: "block-2", L4DCID: "l4-a", L4BlockID: "8"}.String(),
		},
	}
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if err := block.Finalize(crypto.HashSHA256, priv); err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(block)
	if err != nil {
		t.Fatal(err)
	}

	rcpt, err := ParseReceipt(InboundReceipt{Level: 5, Block: raw}, "my-dc-id")
	if err != nil {
		t.Fatal(err)
	}
	if len(rcpt.L1BlockIDs) != 2 || rcpt.L1BlockIDs[0] != "block-1" || rcpt.L1BlockIDs[1] != "block-2" {
		t.Fatalf("L1BlockIDs = %v, want [block-1 block-2]", rcpt.L1BlockIDs)
	}
	if err := rcpt.Verify(crypto.HashSHA256, pub); err != nil {
		t.Fatalf("parsed l5 receipt does not verify: %v", err)
	}

	// A chain none of the references name gets a structured miss.
	if _, err := ParseReceipt(InboundReceipt{Level: 5, Block: raw}, "uninvolved"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for an uninvolved chain, got %v", err)
	}
}
