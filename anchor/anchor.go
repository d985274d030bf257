// Package anchor defines the L5 public-chain collaborator boundary and
// ships a deterministic local stub so a
// single-box chain can run the full pipeline without a real Bitcoin or
// Ethereum RPC endpoint configured.
package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/dragonet/chainnode/core"
)

// Client publishes an L5 block digest to a public blockchain and answers
// confirmation/balance queries against it. A real implementation wraps an
// RPC client for the configured network; wiring one in is a deployment
// concern, not something this repository decides.
type Client interface {
	// PublishHash anchors digest, returning the network's transaction hash.
	PublishHash(ctx context.Context, digest []byte) (txHash string, err error)
	// IsConfirmed reports whether txHash has reached the network's
	// finality threshold, and the public-chain block height it confirmed at.
	IsConfirmed(ctx context.Context, txHash string) (confirmed bool, atHeight int64, err error)
	// CurrentHeight returns the public chain's current block height.
	CurrentHeight(ctx context.Context) (int64, error)
	// Balance returns the funding wallet's current spendable balance, in
	// the network's smallest unit.
	Balance(ctx context.Context) (int64, error)
	// EstimatedFee returns the cost of one anchor transaction, in the same
	// unit as Balance.
	EstimatedFee(ctx context.Context) (int64, error)
	// RetryThreshold is how many blocks may pass after BlockLastSentAt
	// before an unconfirmed anchor should be re-published.
	RetryThreshold() int64
}

// LocalStub is a deterministic in-memory Client suitable for tests and
// single-box operation. Its height advances by one on every CurrentHeight
// call and every publish; a publish "confirms" once the height has advanced
// confirmAfter past the height it was sent at. The funding wallet starts at
// a configured balance and each publish deducts fee from it.
type LocalStub struct {
	mu           sync.Mutex
	height       int64
	confirmAfter int64
	sent         map[string]int64 // tx hash -> height sent
	balance      int64
	fee          int64
}

// NewLocalStub creates a stub funded with balance, charging fee per anchor,
// confirming confirmAfter blocks after publish.
func NewLocalStub(balance, fee, confirmAfter int64) *LocalStub {
	return &LocalStub{
		confirmAfter: confirmAfter,
		sent:         make(map[string]int64),
		balance:      balance,
		fee:          fee,
	}
}

func (s *LocalStub) PublishHash(ctx context.Context, digest []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.height++
	sum := sha256.Sum256(digest)
	txHash := hex.EncodeToString(sum[:])
	s.sent[txHash] = s.height
	s.balance -= s.fee
	return txHash, nil
}

func (s *LocalStub) IsConfirmed(ctx context.Context, txHash string) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sentAt, ok := s.sent[txHash]
	if !ok {
		return false, 0, fmt.Errorf("anchor: tx %q: %w", txHash, core.ErrTransactionNotFound)
	}
	if s.height-sentAt >= s.confirmAfter {
		return true, sentAt + s.confirmAfter, nil
	}
	return false, 0, nil
}

func (s *LocalStub) CurrentHeight(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.height++
	return s.height, nil
}

func (s *LocalStub) Balance(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, nil
}

func (s *LocalStub) EstimatedFee(ctx context.Context) (int64, error) {
	return s.fee, nil
}

func (s *LocalStub) RetryThreshold() int64 { return 6 }
