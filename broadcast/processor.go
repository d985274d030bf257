package broadcast

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dragonet/chainnode/authorization"
	"github.com/dragonet/chainnode/core"
	"github.com/dragonet/chainnode/crypto"
	"github.com/dragonet/chainnode/matchmaking"
	"github.com/dragonet/chainnode/metrics"
	"github.com/dragonet/chainnode/storage"
)

// ReceiptWait is how long an L2-4 chain is given to respond before this
// chain treats it as a non-responder and asks matchmaking for a
// replacement.
const ReceiptWait = 35 * time.Second

// ReceiptWaitL5 is the much longer grace period given to L5, which only
// finalises once a public-chain anchor has confirmed.
const ReceiptWaitL5 = 43200 * time.Second

// insufficientFundsBackoff is how long the block loop pauses entirely after
// matchmaking reports this chain can't afford a new claim.
const insufficientFundsBackoff = 30 * time.Minute

// PeerDirectory resolves where and how to reach another chain's inter-chain
// HTTP endpoint. The broadcast processor never talks to peers directly
// without going through it.
type PeerDirectory interface {
	PeerURL(ctx context.Context, dcID string) (string, error)
	PeerKey(ctx context.Context, dcID string) (authorization.SharedKey, error)
}

// NotificationTargets maps a verification level to the webhook URLs
// configured to receive a copy of every receipt at that level. Level 0
// holds URLs configured for "all" levels.
type NotificationTargets map[int][]string

// Config parameterises one L1 chain's Processor.
type Config struct {
	DCID           string
	PrivKey        crypto.PrivateKey
	Algo           crypto.HashAlgo
	Requirements   matchmaking.ClaimRequirements
	Notifications  NotificationTargets
	HTTPClient     *http.Client
	Metrics        *metrics.Metrics
}

// Processor is the L1-only broadcast event loop: a single
// 1-second cooperative loop that drives claim lifecycle and notification
// delivery. It never runs on L2-5 chains.
type Processor struct {
	cfg   Config
	mm    *matchmaking.Client
	store *storage.ObjectStore
	state *State
	peers PeerDirectory
	log   zerolog.Logger

	mu           sync.Mutex
	pausedUntil  time.Time
}

// New creates a Processor.
func New(cfg Config, mm *matchmaking.Client, store *storage.ObjectStore, state *State, peers PeerDirectory, log zerolog.Logger) *Processor {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Processor{
		cfg:   cfg,
		mm:    mm,
		store: store,
		state: state,
		peers: peers,
		log:   log.With().Str("component", "broadcast").Logger(),
	}
}

// Run blocks, ticking the block loop then the notification loop every
// second, until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runBlockLoop(ctx)
			p.runNotificationLoop(ctx)
		}
	}
}

func (p *Processor) receiptWait(level int) time.Duration {
	if level == 5 {
		return ReceiptWaitL5
	}
	return ReceiptWait
}

func (p *Processor) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Now().Before(p.pausedUntil)
}

func (p *Processor) pauseFor(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pausedUntil = time.Now().Add(d)
}

func (p *Processor) runBlockLoop(ctx context.Context) {
	if p.isPaused() {
		return
	}
	now := time.Now()
	for _, b := range p.state.Due(now) {
		if p.isPaused() {
			return
		}
		p.processBlock(ctx, b)
	}
}

func (p *Processor) processBlock(ctx context.Context, b *BlockState) {
	level := b.CurrentLevel
	req := p.cfg.Requirements
	if blk, err := p.store.GetL1Block(b.BlockID); err == nil {
		req.TransactionCount = len(blk.StrippedTransactions)
	}
	claim, err := p.mm.GetOrCreateClaimCheck(ctx, b.BlockID, req)
	switch {
	case err == core.ErrInsufficientFunds:
		p.log.Warn().Str("block_id", b.BlockID).Msg("insufficient funds, pausing block loop")
		p.pauseFor(insufficientFundsBackoff)
		return
	case err == core.ErrNotFound:
		p.state.Reschedule(b.BlockID, time.Now().Add(300*time.Second), b.Score)
		return
	case err != nil:
		p.log.Error().Err(err).Str("block_id", b.BlockID).Msg("get_or_create_claim_check failed")
		return
	}

	if b.Score == 0 {
		p.broadcastFresh(ctx, b, claim, level)
		return
	}
	p.revisit(ctx, b, claim, level)
}

func (p *Processor) broadcastFresh(ctx context.Context, b *BlockState, claim *core.ClaimCheck, level int) {
	dto, err := BuildDTO(p.store, claim, b.BlockID, level)
	if err != nil {
		if b.StorageErrorCount == nil {
			b.StorageErrorCount = map[int]int{}
		}
		b.StorageErrorCount[level]++
		p.log.Debug().Str("block_id", b.BlockID).Int("level", level).Err(err).Msg("dto not ready yet")
		return
	}
	p.broadcastDTO(ctx, claim.Chains(level), dto, level, b.BlockID)
	p.state.Reschedule(b.BlockID, time.Now().Add(p.receiptWait(level)), 1)
}

func (p *Processor) revisit(ctx context.Context, b *BlockState, claim *core.ClaimCheck, level int) {
	received := p.state.ResponseCount(b.BlockID, level)
	required := claim.Required(level)
	if received >= required {
		if level == 5 {
			p.state.Remove(b.BlockID)
		} else {
			p.state.Promote(b.BlockID, time.Now())
			p.cfg.Metrics.Promotion(level + 1)
		}
		return
	}

	respondedSet := b.Received[level]
	for _, chain := range claim.Chains(level) {
		if respondedSet[chain] {
			continue
		}
		newClaim, err := p.mm.OverwriteNoResponseNode(ctx, b.BlockID, level, chain)
		if err == core.ErrNotFound {
			p.state.Reschedule(b.BlockID, time.Now().Add(300*time.Second), b.Score)
			return
		}
		if err != nil {
			p.log.Error().Err(err).Str("block_id", b.BlockID).Str("chain", chain).Msg("overwrite_no_response_node failed")
			continue
		}
		claim = newClaim
	}

	dto, err := BuildDTO(p.store, claim, b.BlockID, level)
	if err != nil {
		p.log.Debug().Str("block_id", b.BlockID).Int("level", level).Err(err).Msg("dto not ready for retransmit")
		return
	}
	var retarget []string
	for _, chain := range claim.Chains(level) {
		if !respondedSet[chain] {
			retarget = append(retarget, chain)
		}
	}
	p.broadcastDTO(ctx, retarget, dto, level, b.BlockID)
	p.state.Reschedule(b.BlockID, time.Now().Add(p.receiptWait(level)), 1)
}

// broadcastDTO fires one authenticated POST per chain concurrently and
// swallows individual failures; a peer that's down must not block the
// rest of the fan-out.
func (p *Processor) broadcastDTO(ctx context.Context, chains []string, dto json.RawMessage, level int, blockID string) {
	var wg sync.WaitGroup
	for _, dcID := range chains {
		wg.Add(1)
		go func(dcID string) {
			defer wg.Done()
			if err := p.postEnqueue(ctx, dcID, dto, level); err != nil {
				p.log.Warn().Err(err).Str("block_id", blockID).Str("peer", dcID).Msg("enqueue post failed")
			}
		}(dcID)
	}
	wg.Wait()
}

func (p *Processor) postEnqueue(ctx context.Context, dcID string, dto json.RawMessage, level int) error {
	url, err := p.peers.PeerURL(ctx, dcID)
	if err != nil {
		return fmt.Errorf("resolve peer url: %w", err)
	}
	key, err := p.peers.PeerKey(ctx, dcID)
	if err != nil {
		return fmt.Errorf("resolve peer key: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/v1/enqueue", bytes.NewReader(dto))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if level != 5 {
		req.Header.Set("deadline", p.receiptWait(level).String())
	}
	authorization.Sign(req, key, p.cfg.DCID, dto)

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("peer %s returned status %d", dcID, resp.StatusCode)
	}
	return nil
}

var receiptLevelPattern = regexp.MustCompile(`-l([2-5])-`)

func (p *Processor) runNotificationLoop(ctx context.Context) {
	if len(p.cfg.Notifications) == 0 {
		return
	}
	for _, key := range p.state.PendingNotifications() {
		data, err := p.store.GetRaw([]byte(key))
		if err != nil {
			p.log.Error().Err(err).Str("key", key).Msg("read queued notification failed")
			continue
		}
		m := receiptLevelPattern.FindStringSubmatch(key)
		if m == nil {
			p.log.Warn().Str("key", key).Msg("queued notification key has no level marker")
			p.state.AckNotification(key)
			continue
		}
		level := int(m[1][0] - '0')

		urls := append([]string{}, p.cfg.Notifications[0]...)
		urls = append(urls, p.cfg.Notifications[level]...)
		if len(urls) == 0 {
			p.state.AckNotification(key)
			continue
		}

		digest := crypto.HashSHA256.Sum(data)
		signature := crypto.Sign(p.cfg.PrivKey, digest)

		delivered := true
		for _, url := range urls {
			if err := p.postNotification(ctx, url, data, signature); err != nil {
				p.log.Warn().Err(err).Str("url", url).Str("key", key).Msg("notification delivery failed")
				delivered = false
			}
		}
		if delivered {
			p.state.AckNotification(key)
		}
	}
}

func (p *Processor) postNotification(ctx context.Context, url string, body, signature []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("dragonchainId", p.cfg.DCID)
	req.Header.Set("signature", hex.EncodeToString(signature))
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification target returned status %d", resp.StatusCode)
	}
	return nil
}
