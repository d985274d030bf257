package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/mr-tron/base58"
)

// PrivateKey wraps a secp256k1 scalar.
type PrivateKey []byte

// PublicKey wraps a serialized compressed secp256k1 point.
type PublicKey []byte

// GenerateKeyPair generates a new secp256k1 key pair.
func GenerateKeyPair() (PrivateKey, PublicKey, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("generate secp256k1 key: %w", err)
	}
	pub := priv.PubKey().SerializeCompressed()
	return PrivateKey(priv.Serialize()), PublicKey(pub), nil
}

// Public derives the compressed public key from the private key.
func (priv PrivateKey) Public() PublicKey {
	privKey := secp256k1.PrivKeyFromBytes(priv)
	return PublicKey(privKey.PubKey().SerializeCompressed())
}

// ID returns the base58-encoded public key. This is a chain's permanent
// public identity (dc_id) as registered with matchmaking.
func (pub PublicKey) ID() string {
	return base58.Encode(pub)
}

// Hex returns the hex-encoded public key.
func (pub PublicKey) Hex() string {
	return hex.EncodeToString(pub)
}

// Hex returns the hex-encoded private key.
func (priv PrivateKey) Hex() string {
	return hex.EncodeToString(priv)
}

// ParsePublicID decodes a base58 public id back into a PublicKey, validating
// it parses as a point on the curve.
func ParsePublicID(id string) (PublicKey, error) {
	raw, err := base58.Decode(id)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid public id %q: %w", id, err)
	}
	if _, err := secp256k1.ParsePubKey(raw); err != nil {
		return nil, fmt.Errorf("crypto: invalid public key bytes: %w", err)
	}
	return PublicKey(raw), nil
}

// PubKeyFromHex decodes a hex-encoded public key.
func PubKeyFromHex(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid pubkey hex: %w", err)
	}
	if _, err := secp256k1.ParsePubKey(b); err != nil {
		return nil, fmt.Errorf("invalid secp256k1 public key: %w", err)
	}
	return PublicKey(b), nil
}

// PrivKeyFromHex decodes a hex-encoded private key.
func PrivKeyFromHex(s string) (PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid privkey hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("privkey must be 32 bytes, got %d", len(b))
	}
	return PrivateKey(b), nil
}

// GenerateSharedKey produces a random 43-character key suitable for an
// interchain/matchmaking HMAC shared secret, matching the entropy of the
// reference implementation's auth key generator (~256 bits, base58 charset).
func GenerateSharedKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("crypto: generate shared key: %w", err)
	}
	enc := base58.Encode(buf)
	if len(enc) > 43 {
		enc = enc[:43]
	}
	return enc, nil
}

// GenerateKeyID produces a 12-character uppercase key identifier, optionally
// prefixed for smart-contract keys.
func GenerateKeyID(scPrefix bool) (string, error) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("crypto: generate key id: %w", err)
	}
	id := make([]byte, 12)
	for i, b := range buf {
		id[i] = alphabet[int(b)%len(alphabet)]
	}
	if scPrefix {
		return "SC_" + string(id), nil
	}
	return string(id), nil
}
