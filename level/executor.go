// Package level implements the five per-level block executors: L1
// transaction fixation, L2/L3/L4 verification
// and notarization, and L5 public-chain anchoring. Every executor's Tick
// follows the same ten-step contract, with Base supplying the shared steps
// (renewRegistration, recoverQueue, sendReceipt); only steps 3, 5, 6 and 9
// differ by level.
package level

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dragonet/chainnode/authorization"
	"github.com/dragonet/chainnode/core"
	"github.com/dragonet/chainnode/crypto"
	"github.com/dragonet/chainnode/matchmaking"
	"github.com/dragonet/chainnode/queue"
	"github.com/dragonet/chainnode/storage"
)

// Directory resolves the other chains an executor needs to talk to: their
// signing key and URL (both via matchmaking registration) and the HMAC key
// established with them directly over /v1/interchain-auth-register,
// distinct from the matchmaking-facing key.
type Directory interface {
	PublicKey(ctx context.Context, dcID string) (crypto.PublicKey, error)
	URL(ctx context.Context, dcID string) (string, error)
	Registration(ctx context.Context, dcID string) (*matchmaking.Registration, error)
	PeerKey(ctx context.Context, dcID string) (authorization.SharedKey, error)
}

// matchmakingDirectory adapts a matchmaking.Client into a Directory for
// everything matchmaking itself knows (keys, url, metadata). Outbound peer
// HMAC keys are minted on demand via an authorization.Establisher: this
// chain is always the sending side when it calls PeerKey, so it
// is responsible for bootstrapping the relationship, not merely looking
// one up.
type matchmakingDirectory struct {
	mm  *matchmaking.Client
	est *authorization.Establisher
}

// NewMatchmakingDirectory wraps mm and est as a Directory.
func NewMatchmakingDirectory(mm *matchmaking.Client, est *authorization.Establisher) Directory {
	return &matchmakingDirectory{mm: mm, est: est}
}

func (d *matchmakingDirectory) Registration(ctx context.Context, dcID string) (*matchmaking.Registration, error) {
	return d.mm.GetRegistration(ctx, dcID)
}

func (d *matchmakingDirectory) URL(ctx context.Context, dcID string) (string, error) {
	reg, err := d.mm.GetRegistration(ctx, dcID)
	if err != nil {
		return "", err
	}
	return reg.URL, nil
}

func (d *matchmakingDirectory) PublicKey(ctx context.Context, dcID string) (crypto.PublicKey, error) {
	if _, err := d.mm.GetRegistration(ctx, dcID); err != nil {
		return nil, err
	}
	return crypto.ParsePublicID(dcID)
}

func (d *matchmakingDirectory) PeerKey(ctx context.Context, dcID string) (authorization.SharedKey, error) {
	url, err := d.URL(ctx, dcID)
	if err != nil {
		return authorization.SharedKey{}, err
	}
	return d.est.KeyFor(ctx, dcID, url+"/v1/interchain-auth-register")
}

// Base holds what every level executor needs: identity, crypto
// parameters, storage, its input queue, matchmaking, and the directory
// used to resolve peers. Concrete L1-L5 types embed it.
type Base struct {
	DCID       string
	Level      int
	PrivKey    crypto.PrivateKey
	PubKey     crypto.PublicKey
	Algo       crypto.HashAlgo
	Scheme     core.Scheme
	Complexity uint

	Store *storage.ObjectStore
	Queue *queue.Queue
	MM    *matchmaking.Client
	Dir   Directory
	Log   zerolog.Logger

	regConfig    matchmaking.RegistrationConfig
	lastRenewed  time.Time
}

// NewBase builds a Base and seeds its registration config, so the first
// tick's renewRegistration call has something to submit.
func NewBase(dcid string, lvl int, priv crypto.PrivateKey, algo crypto.HashAlgo, scheme core.Scheme, complexity uint, store *storage.ObjectStore, q *queue.Queue, mm *matchmaking.Client, dir Directory, log zerolog.Logger, regConfig matchmaking.RegistrationConfig) *Base {
	return &Base{
		DCID: dcid, Level: lvl, PrivKey: priv, PubKey: priv.Public(),
		Algo: algo, Scheme: scheme, Complexity: complexity,
		Store: store, Queue: q, MM: mm, Dir: dir,
		Log:       log.With().Str("component", fmt.Sprintf("level%d", lvl)).Logger(),
		regConfig: regConfig,
	}
}

// renewRegistration is tick step 1.
func (b *Base) renewRegistration(ctx context.Context) error {
	renewedAt, err := b.MM.RenewIfNecessary(ctx, b.regConfig, b.lastRenewed)
	if err != nil {
		return fmt.Errorf("level%d: renew registration: %w", b.Level, err)
	}
	b.lastRenewed = renewedAt
	return nil
}

// recoverQueue is tick step 2.
func (b *Base) recoverQueue() error {
	if err := b.Queue.Recover(); err != nil {
		return fmt.Errorf("level%d: recover queue: %w", b.Level, err)
	}
	return nil
}

// sendReceipt POSTs an authenticated receipt body to the L1 chain that
// produced l1BlockID, tick step 9 for L2-4.
func (b *Base) sendReceipt(ctx context.Context, l1DCID string, body []byte) error {
	url, err := b.Dir.URL(ctx, l1DCID)
	if err != nil {
		return fmt.Errorf("level%d: resolve l1 %s url: %w", b.Level, l1DCID, err)
	}
	key, err := b.Dir.PeerKey(ctx, l1DCID)
	if err != nil {
		return fmt.Errorf("level%d: resolve l1 %s peer key: %w", b.Level, l1DCID, err)
	}
	return postReceipt(ctx, url+"/v1/receipt", key, b.DCID, body)
}
