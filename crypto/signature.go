package crypto

import (
	"crypto/hmac"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Sign signs digest (already hashed by the chain's configured HashAlgo) with
// the private key and returns the DER-encoded signature bytes.
func Sign(priv PrivateKey, digest []byte) []byte {
	key := secp256k1.PrivKeyFromBytes(priv)
	sig := ecdsa.Sign(key, digest)
	return sig.Serialize()
}

// Verify checks a DER-encoded signature over digest using the public key.
func Verify(pub PublicKey, digest, sigDER []byte) error {
	key, err := secp256k1.ParsePubKey(pub)
	if err != nil {
		return fmt.Errorf("crypto: invalid public key: %w", err)
	}
	sig, err := ecdsa.ParseDERSignature(sigDER)
	if err != nil {
		return fmt.Errorf("crypto: invalid signature encoding: %w", err)
	}
	if !sig.Verify(digest, key) {
		return errors.New("crypto: signature verification failed")
	}
	return nil
}

// CreateHMAC computes a base64-encoded HMAC of message under the given
// algorithm and shared secret. Used for both peer and matchmaking
// authorization headers.
func CreateHMAC(algo HashAlgo, secret, message []byte) string {
	mac := hmac.New(algo.New, secret)
	mac.Write(message)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// CompareHMAC constant-time compares a base64-encoded HMAC against a freshly
// computed one. Returns false (never panics) on malformed base64.
func CompareHMAC(algo HashAlgo, secret, message []byte, candidateB64 string) bool {
	candidate, err := base64.StdEncoding.DecodeString(candidateB64)
	if err != nil {
		return false
	}
	mac := hmac.New(algo.New, secret)
	mac.Write(message)
	expected := mac.Sum(nil)
	return subtle.ConstantTimeCompare(expected, candidate) == 1
}
