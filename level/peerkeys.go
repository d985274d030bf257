package level

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/dragonet/chainnode/authorization"
	"github.com/dragonet/chainnode/core"
)

// PeerKeyStore holds the HMAC keys other chains have established with
// this one by calling our /v1/interchain-auth-register, keyed by the
// peer's dc_id. This is the receiving side of key bootstrap: it exists solely
// so an inbound authorization.Verifier can look up a sender's key, never
// for signing this chain's own outbound requests (those keys come from an
// authorization.Establisher instead, since this chain is the sender
// there). The inter-chain HTTP handler is the only writer.
type PeerKeyStore struct {
	mu   sync.RWMutex
	keys map[string]authorization.SharedKey
}

// NewPeerKeyStore creates an empty store.
func NewPeerKeyStore() *PeerKeyStore {
	return &PeerKeyStore{keys: make(map[string]authorization.SharedKey)}
}

// Put records the shared key established with dcID.
func (s *PeerKeyStore) Put(dcID string, key authorization.SharedKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[dcID] = key
}

// Get returns the shared key established with dcID, or core.ErrNotFound.
func (s *PeerKeyStore) Get(dcID string) (authorization.SharedKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[dcID]
	if !ok {
		return authorization.SharedKey{}, fmt.Errorf("level: peer key for %s: %w", dcID, core.ErrNotFound)
	}
	return key, nil
}

// Lookup adapts the store to authorization.KeyLookup, for a server
// verifying inbound requests signed with a key it issued to a peer.
func (s *PeerKeyStore) Lookup(keyID string) (authorization.SharedKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, key := range s.keys {
		if key.KeyID == keyID {
			return key, nil
		}
	}
	return authorization.SharedKey{}, fmt.Errorf("level: unknown key id %s: %w", keyID, core.ErrNotFound)
}

// postReceipt signs body with key and POSTs it to url, the shared tail end
// of every L2-4 "send receipt to L1" step.
func postReceipt(ctx context.Context, url string, key authorization.SharedKey, dcid string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	authorization.Sign(req, key, dcid, body)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("level: receipt post to %s returned status %d", url, resp.StatusCode)
	}
	return nil
}
