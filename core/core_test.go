package core

import (
	"encoding/json"
	"errors"
	"strconv"
	"testing"

	"github.com/dragonet/chainnode/crypto"
)

func mustKeyPair(t *testing.T) (crypto.PrivateKey, crypto.PublicKey) {
	t.Helper()
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return priv, pub
}

// TestTransactionReservedType confirms the "-SYSTEM" prefix is rejected
// for user-submitted transactions.
func TestTransactionReservedType(t *testing.T) {
	_, err := NewTransaction("tx1", "-SYSTEM_internal", "dc1", "", "", map[string]int{"a": 1})
	if err == nil {
		t.Fatal("expected error for reserved txn_type prefix")
	}
	if !errors.Is(err, ErrInvalidTransactionType) {
		t.Errorf("expected ErrInvalidTransactionType, got %v", err)
	}
}

// TestTransactionSignVerifyFull: full
// verification implies stripped verification, and replacing the payload
// breaks full verification while stripped verification still succeeds.
func TestTransactionSignVerifyFull(t *testing.T) {
	priv, pub := mustKeyPair(t)

	tx, err := NewTransaction("tx1", "example", "dc1", "hello", "", map[string]int{"amount": 5})
	if err != nil {
		t.Fatal(err)
	}
	tx.FixateAt("1000", "129874")
	tx.Sign(crypto.HashSHA256, priv)

	if err := tx.VerifyFull(crypto.HashSHA256, pub); err != nil {
		t.Fatalf("VerifyFull on an untampered transaction failed: %v", err)
	}
	if err := tx.VerifyStripped(crypto.HashSHA256, pub); err != nil {
		t.Fatalf("VerifyStripped on an untampered transaction failed: %v", err)
	}

	// Replace the payload: stripped verification (which only covers the
	// header + full_hash) must still pass; full verification must now fail
	// because the recomputed full_hash no longer matches the payload.
	tampered := *tx
	tampered.Payload = json.RawMessage(`{"amount":999}`)
	if err := tampered.VerifyStripped(crypto.HashSHA256, pub); err != nil {
		t.Errorf("VerifyStripped should be unaffected by payload substitution: %v", err)
	}
	if err := tampered.VerifyFull(crypto.HashSHA256, pub); err == nil {
		t.Error("VerifyFull should fail after payload substitution")
	}

	// Tampering the signature itself must break stripped verification
	// (which VerifyFull also runs after its full_hash check).
	forged := *tx
	forged.Signature = append([]byte(nil), tx.Signature...)
	forged.Signature[0] ^= 0xff
	if err := forged.VerifyStripped(crypto.HashSHA256, pub); err == nil {
		t.Error("VerifyStripped accepted a forged signature")
	}
}

// TestTransactionStripRoundTrip checks the stripped projection carries no
// payload but matches every other header field.
func TestTransactionStripRoundTrip(t *testing.T) {
	priv, pub := mustKeyPair(t)
	tx, err := NewTransaction("tx2", "example", "dc1", "", "invoker1", "payload-data")
	if err != nil {
		t.Fatal(err)
	}
	tx.FixateAt("42", "100")
	tx.Sign(crypto.HashSHA256, priv)

	stripped := tx.Strip()
	if stripped.TxnID != tx.TxnID || stripped.Invoker != tx.Invoker || stripped.BlockID != tx.BlockID {
		t.Fatal("stripped transaction header fields do not match original")
	}

	reconstructed := Transaction{
		TxnID: stripped.TxnID, TxnType: stripped.TxnType, DCID: stripped.DCID,
		BlockID: stripped.BlockID, Timestamp: stripped.Timestamp, Tag: stripped.Tag,
		Invoker: stripped.Invoker, FullHash: stripped.FullHash, Signature: stripped.Signature,
	}
	if err := reconstructed.VerifyStripped(crypto.HashSHA256, pub); err != nil {
		t.Errorf("stripped projection does not verify: %v", err)
	}
}

// TestL1BlockSignVerify and the chaining test below cover signature
// round-trips and prev_proof linkage for the L1 level.
func TestL1BlockSignVerify(t *testing.T) {
	priv, pub := mustKeyPair(t)
	b := &L1Block{
		DCID: "dc1", BlockID: "100", Timestamp: "1000", PrevID: "99",
		PrevProof:            []byte("prev-proof"),
		StrippedTransactions: []StrippedTransaction{{TxnID: "t1"}, {TxnID: "t2"}},
		Scheme:               SchemeTrust,
	}
	if err := b.Finalize(crypto.HashSHA256, priv, 0); err != nil {
		t.Fatal(err)
	}
	if err := b.Verify(crypto.HashSHA256, pub, 0); err != nil {
		t.Fatalf("valid L1 block failed to verify: %v", err)
	}

	tampered := *b
	tampered.BlockID = "101"
	if err := tampered.Verify(crypto.HashSHA256, pub, 0); err == nil {
		t.Error("verification should fail after block_id is tampered")
	}
}

// TestBlockChaining: within a chain, block_id
// increases by one and each block's prev_proof equals the previous block's
// proof.
func TestBlockChaining(t *testing.T) {
	priv, _ := mustKeyPair(t)
	const n = 4
	blocks := make([]*L1Block, n)
	var prevProof []byte
	for i := 0; i < n; i++ {
		b := &L1Block{
			DCID: "dc1", BlockID: strconv.Itoa(100 + i), Timestamp: "1000",
			PrevID: strconv.Itoa(99 + i), PrevProof: prevProof, Scheme: SchemeTrust,
		}
		if err := b.Finalize(crypto.HashSHA256, priv, 0); err != nil {
			t.Fatal(err)
		}
		blocks[i] = b
		prevProof = b.Proof
	}
	for i := 1; i < n; i++ {
		gotID, _ := strconv.Atoi(blocks[i].BlockID)
		prevID, _ := strconv.Atoi(blocks[i-1].BlockID)
		if gotID != prevID+1 {
			t.Errorf("block_id[%d] = %d, want %d", i, gotID, prevID+1)
		}
		if string(blocks[i].PrevProof) != string(blocks[i-1].Proof) {
			t.Errorf("block[%d].prev_proof does not equal block[%d].proof", i, i-1)
		}
	}
}

// TestL1BlockPoW exercises the work scheme end to end on a real block.
func TestL1BlockPoW(t *testing.T) {
	priv, pub := mustKeyPair(t)
	b := &L1Block{DCID: "dc1", BlockID: "1", Timestamp: "1000", Scheme: SchemeWork}
	if err := b.Finalize(crypto.HashBlake2b, priv, 8); err != nil {
		t.Fatal(err)
	}
	if !crypto.CheckComplexity(b.Proof, 8) {
		t.Error("mined proof does not satisfy complexity 8")
	}
	if err := b.Verify(crypto.HashBlake2b, pub, 8); err != nil {
		t.Errorf("PoW block failed to verify: %v", err)
	}
}

// TestL2BlockValidationsStr confirms the L2 validations map is
// canonicalised into a verbatim JSON string that
// round-trips through the signed message.
func TestL2BlockValidationsStr(t *testing.T) {
	priv, pub := mustKeyPair(t)
	b := &L2Block{
		L1DCID: "l1dc", L1BlockID: "500", L1Proof: []byte("l1proof"),
		DCID: "l2dc", BlockID: "1", Timestamp: "1000", Scheme: SchemeTrust,
	}
	b.SetValidations(map[string]bool{"tx1": true, "tx2": false})
	if b.ValidationsStr == "" {
		t.Fatal("ValidationsStr was not populated by SetValidations")
	}
	if err := b.Finalize(crypto.HashSHA256, priv, 0); err != nil {
		t.Fatal(err)
	}
	if err := b.Verify(crypto.HashSHA256, pub, 0); err != nil {
		t.Fatalf("L2 block failed to verify: %v", err)
	}

	// S3: forged transactions surface as validations[txn_id]=false but the
	// enclosing L2 block itself still verifies.
	if b.Validations["tx2"] {
		t.Fatal("expected tx2 to be recorded invalid")
	}
}

// TestL3BlockAggregation checks an L3 block referencing multiple L2 proofs
// verifies and that a tampered ddss breaks the proof.
func TestL3BlockAggregation(t *testing.T) {
	priv, pub := mustKeyPair(t)
	b := &L3Block{
		L1DCID: "l1dc", L1BlockID: "500", L1Proof: []byte("l1proof"),
		DCID: "l3dc", BlockID: "1", Timestamp: "1000", Scheme: SchemeTrust,
		L2Proofs: []L3ProofRef{
			{DCID: "l2a", BlockID: "1", Proof: []byte("proofA")},
			{DCID: "l2b", BlockID: "1", Proof: []byte("proofB")},
		},
		DDSS: 1.5, L2Count: 2,
		Regions: []string{"us-east", "eu-west"},
		Clouds:  []string{"aws", "gcp"},
	}
	if err := b.Finalize(crypto.HashSHA256, priv, 0); err != nil {
		t.Fatal(err)
	}
	if err := b.Verify(crypto.HashSHA256, pub, 0); err != nil {
		t.Fatalf("L3 block failed to verify: %v", err)
	}
	tampered := *b
	tampered.DDSS = 9.9
	if err := tampered.Verify(crypto.HashSHA256, pub, 0); err == nil {
		t.Error("verification should fail after ddss is tampered")
	}
}

// TestL4BlockValidity checks that the boolean valid flag on each L4
// validation row participates in the signed message.
func TestL4BlockValidity(t *testing.T) {
	priv, pub := mustKeyPair(t)
	base := func(valid bool) *L4Block {
		return &L4Block{
			L1DCID: "l1dc", L1BlockID: "500", L1Proof: []byte("l1proof"),
			DCID: "l4dc", BlockID: "1", Timestamp: "1000", Scheme: SchemeTrust,
			Validations: []L4ValidationRef{
				{L3DCID: "l3a", L3BlockID: "1", L3Proof: []byte("p"), Valid: valid},
			},
		}
	}
	good := base(true)
	if err := good.Finalize(crypto.HashSHA256, priv, 0); err != nil {
		t.Fatal(err)
	}
	if err := good.Verify(crypto.HashSHA256, pub, 0); err != nil {
		t.Fatalf("valid L4 block failed to verify: %v", err)
	}

	flipped := base(false)
	flipped.Proof = good.Proof
	if err := flipped.Verify(crypto.HashSHA256, pub, 0); err == nil {
		t.Error("flipping the valid flag should invalidate the proof")
	}
}
