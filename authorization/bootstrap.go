package authorization

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dragonet/chainnode/core"
	"github.com/dragonet/chainnode/crypto"
)

// registerRequest is POSTed to a target's auth-register endpoint to
// establish a new shared HMAC key.
type registerRequest struct {
	DCID      string `json:"dcid"`
	Key       string `json:"key"`
	Signature []byte `json:"signature"`
}

// Establisher bootstraps and caches the shared HMAC keys this chain uses
// to authenticate outbound requests, to matchmaking and to peer chains
// alike: generate a random key, sign it with this chain's own secp256k1
// key, register it with the target, then reuse it for every subsequent
// request until Forget is called (the 401/403 retry path).
type Establisher struct {
	dcid string
	priv crypto.PrivateKey
	algo crypto.HashAlgo
	http *http.Client

	mu   sync.Mutex
	keys map[string]SharedKey // target dcid -> established key
}

// NewEstablisher creates an Establisher identified as dcid, signing
// registration requests with priv and defaulting shared-key HMACs to algo.
func NewEstablisher(dcid string, priv crypto.PrivateKey, algo crypto.HashAlgo, httpClient *http.Client) *Establisher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Establisher{dcid: dcid, priv: priv, algo: algo, http: httpClient, keys: make(map[string]SharedKey)}
}

// KeyFor returns the shared key established with targetDCID, bootstrapping
// one over registerURL (the target's full `.../auth-register` or
// `.../interchain-auth-register` endpoint) if none is cached yet.
func (e *Establisher) KeyFor(ctx context.Context, targetDCID, registerURL string) (SharedKey, error) {
	e.mu.Lock()
	key, ok := e.keys[targetDCID]
	e.mu.Unlock()
	if ok {
		return key, nil
	}
	return e.establish(ctx, targetDCID, registerURL)
}

// Forget drops the cached key for targetDCID, forcing the next KeyFor call
// to re-bootstrap. Used on the 401/403 retry paths.
func (e *Establisher) Forget(targetDCID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.keys, targetDCID)
}

func (e *Establisher) establish(ctx context.Context, targetDCID, registerURL string) (SharedKey, error) {
	secret, err := crypto.GenerateSharedKey()
	if err != nil {
		return SharedKey{}, fmt.Errorf("authorization: generate shared key: %w", err)
	}
	keyID, err := crypto.GenerateKeyID(false)
	if err != nil {
		return SharedKey{}, fmt.Errorf("authorization: generate key id: %w", err)
	}

	msg := []byte(fmt.Sprintf("%s_%s", targetDCID, secret))
	digest := e.algo.Sum(msg)
	sig := crypto.Sign(e.priv, digest)

	body, err := json.Marshal(registerRequest{DCID: e.dcid, Key: secret, Signature: sig})
	if err != nil {
		return SharedKey{}, fmt.Errorf("authorization: marshal register request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, registerURL, bytes.NewReader(body))
	if err != nil {
		return SharedKey{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.http.Do(req)
	if err != nil {
		return SharedKey{}, fmt.Errorf("authorization: register request to %s: %w", registerURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return SharedKey{}, fmt.Errorf("authorization: %w: register returned status %d", core.ErrUnauthorized, resp.StatusCode)
	}

	key := SharedKey{KeyID: keyID, Secret: []byte(secret), Algo: e.algo}
	e.mu.Lock()
	e.keys[targetDCID] = key
	e.mu.Unlock()
	return key, nil
}

// VerifyRegistration checks an inbound registerRequest's signature against
// the sender's known public key, for the receiving side of
// /v1/interchain-auth-register and matchmaking's /auth-register. Returns
// nil when the signature verifies, and the verification error otherwise.
func VerifyRegistration(algo crypto.HashAlgo, senderPub crypto.PublicKey, ownDCID, dcid, sharedKey string, signature []byte) error {
	msg := []byte(fmt.Sprintf("%s_%s", ownDCID, sharedKey))
	digest := algo.Sum(msg)
	return crypto.Verify(senderPub, digest, signature)
}
