package wallet

import (
	"github.com/dragonet/chainnode/core"
	"github.com/dragonet/chainnode/crypto"
)

// Wallet holds a chain's secp256k1 key pair and provides transaction-
// building helpers.
type Wallet struct {
	priv crypto.PrivateKey
	pub  crypto.PublicKey
}

// New creates a Wallet from an existing private key.
func New(priv crypto.PrivateKey) *Wallet {
	return &Wallet{priv: priv, pub: priv.Public()}
}

// Generate creates a Wallet with a freshly generated key pair.
func Generate() (*Wallet, error) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return New(priv), nil
}

// PrivKey returns the raw private key (handle with care).
func (w *Wallet) PrivKey() crypto.PrivateKey {
	return w.priv
}

// PubKey returns the hex-encoded secp256k1 public key.
func (w *Wallet) PubKey() string {
	return w.pub.Hex()
}

// DCID returns this wallet's base58 public identity, as registered with
// matchmaking.
func (w *Wallet) DCID() string {
	return w.pub.ID()
}

// NewTx creates an unsigned, unhashed transaction addressed to dcID (the
// submitting chain's own identity). Callers still need FixateAt + Sign
// before the transaction is ready for enqueue.
func (w *Wallet) NewTx(txnID string, typ core.TxType, tag, invoker string, payload any) (*core.Transaction, error) {
	return core.NewTransaction(txnID, typ, w.DCID(), tag, invoker, payload)
}
