package crypto

import (
	"encoding/base64"
	"testing"
)

// TestCheckComplexity exercises the bit-level leading-zero check across a
// spread of complexities, including non-byte-aligned ones.
func TestCheckComplexity(t *testing.T) {
	cases := []struct {
		digest     []byte
		complexity uint
		want       bool
	}{
		{[]byte{0xff, 0xff}, 0, true},
		{[]byte{0x00, 0xff}, 8, true},
		{[]byte{0x01, 0xff}, 8, false},
		{[]byte{0x00, 0x0f, 0xff}, 12, true},
		{[]byte{0x00, 0x1f, 0xff}, 12, false},
	}
	for _, c := range cases {
		if got := CheckComplexity(c.digest, c.complexity); got != c.want {
			t.Errorf("CheckComplexity(% x, %d) = %v, want %v", c.digest, c.complexity, got, c.want)
		}
	}
}

// TestMineSatisfiesComplexity mines a proof at each named complexity and
// confirms the result actually satisfies CheckComplexity.
func TestMineSatisfiesComplexity(t *testing.T) {
	for _, c := range []uint{0, 6, 8, 12} {
		proof, _, err := Mine(HashBlake2b, []byte("some message"), c)
		if err != nil {
			t.Fatalf("Mine(complexity=%d): %v", c, err)
		}
		if !CheckComplexity(proof, c) {
			t.Errorf("mined proof %x does not satisfy complexity %d", proof, c)
		}
	}
}

// TestL1GoldenHashVector pins the canonical encoding: a fixed seed L1
// block, hashed with blake2b at complexity 8, must mine to an exact proof
// and nonce.
func TestL1GoldenHashVector(t *testing.T) {
	msg := ConcatFields("an id", "8474745", "129874")
	msg = append(msg, []byte("the previous block proof")...)
	msg = append(msg, []byte("previous block")...)
	for _, s := range []string{"some", "transactions", "which", "are", "strings"} {
		msg = append(msg, []byte(s)...)
	}

	proof, nonce, err := Mine(HashBlake2b, msg, 8)
	if err != nil {
		t.Fatalf("Mine: %v", err)
	}
	const wantProof = "AByAk2FJJSyay0mb5jG6Zmtw08ZKN2M9TahZ95+6Ec0="
	const wantNonce = 328
	if got := base64.StdEncoding.EncodeToString(proof); got != wantProof {
		t.Errorf("proof = %s, want %s", got, wantProof)
	}
	if nonce != wantNonce {
		t.Errorf("nonce = %d, want %d", nonce, wantNonce)
	}
}

// TestSignVerifyRoundTrip: a valid
// signature verifies, and flipping any bit of the signed digest fails it.
func TestSignVerifyRoundTrip(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	digest := HashSHA256.Sum([]byte("block contents"))
	sig := Sign(priv, digest)
	if err := Verify(pub, digest, sig); err != nil {
		t.Fatalf("valid signature failed to verify: %v", err)
	}

	tampered := append([]byte(nil), digest...)
	tampered[0] ^= 0x01
	if err := Verify(pub, tampered, sig); err == nil {
		t.Error("verification succeeded against a tampered digest")
	}
}

// TestHMACRoundTrip checks CreateHMAC/CompareHMAC agree, and that a
// mismatched secret or message is rejected.
func TestHMACRoundTrip(t *testing.T) {
	secret := []byte("shared-secret")
	msg := []byte("POST\n/v1/enqueue\nchain-a\n1700000000\napplication/json\nabc")
	tag := CreateHMAC(HashSHA256, secret, msg)
	if !CompareHMAC(HashSHA256, secret, msg, tag) {
		t.Fatal("CompareHMAC rejected a tag it just created")
	}
	if CompareHMAC(HashSHA256, []byte("wrong-secret"), msg, tag) {
		t.Error("CompareHMAC accepted a tag under the wrong secret")
	}
	if CompareHMAC(HashSHA256, secret, append(msg, 'x'), tag) {
		t.Error("CompareHMAC accepted a tag against a modified message")
	}
	if CompareHMAC(HashSHA256, secret, msg, "not-valid-base64!!") {
		t.Error("CompareHMAC accepted malformed base64 instead of returning false")
	}
}

func TestParseHashAlgo(t *testing.T) {
	for _, ok := range []string{"blake2b", "sha256", "sha3_256"} {
		if _, err := ParseHashAlgo(ok); err != nil {
			t.Errorf("ParseHashAlgo(%q) unexpectedly failed: %v", ok, err)
		}
	}
	if _, err := ParseHashAlgo("md5"); err == nil {
		t.Error("ParseHashAlgo accepted an unsupported algorithm")
	}
}
