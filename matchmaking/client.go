// Package matchmaking implements the client for the external directory and
// claim-check service that assigns verifying chains to every L1 block.
package matchmaking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dragonet/chainnode/authorization"
	"github.com/dragonet/chainnode/core"
)

// RereregisterInterval is how often a chain must renew its registration to
// stay within matchmaking's 30-minute forgetfulness window.
const RereregisterInterval = 1500 * time.Second

// RegistrationConfig is what a chain submits to matchmaking about itself.
type RegistrationConfig struct {
	DCID              string `json:"dcid"`
	Level             int    `json:"level"`
	URL               string `json:"url"`
	Scheme            string `json:"scheme"`
	Hash              string `json:"hash"`
	Encryption        string `json:"encryption"`
	Version           string `json:"version"`
	Region            string `json:"region,omitempty"`
	Cloud             string `json:"cloud,omitempty"`
	Funded            *bool  `json:"funded,omitempty"`            // L5 only
	InterchainWallet  string `json:"interchain_wallet,omitempty"` // L5 only
	BroadcastInterval int    `json:"broadcast_interval,omitempty"` // L5 only
}

// Registration is a peer's config as returned by matchmaking.
type Registration struct {
	RegistrationConfig
	// DDSS is the diversity/stake scalar matchmaking computes for this
	// chain, summed by L3 blocks as a diversity signal.
	DDSS float64 `json:"ddss"`
}

// KeyProvider resolves the current shared HMAC key used to authenticate
// with matchmaking, bootstrapping one if none exists yet.
type KeyProvider interface {
	MatchmakingKey(ctx context.Context) (authorization.SharedKey, error)
	Reregister(ctx context.Context) error // re-establish the shared key (401 path)
}

// Client talks to the matchmaking HTTP service.
type Client struct {
	baseURL string
	dcid    string
	keys    KeyProvider
	http    *http.Client
}

// New creates a matchmaking Client.
func New(baseURL, dcid string, keys KeyProvider, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, dcid: dcid, keys: keys, http: httpClient}
}

func backoffPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// doAuthenticated performs one HTTP call with a single retry on 401/403
// (re-establishing the HMAC key with matchmaking first in both cases; a 403
// does not re-submit this chain's registration) and maps the remaining
// status codes onto the sentinel error taxonomy.
func (c *Client) doAuthenticated(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyBytes []byte
	var err error
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("matchmaking: marshal request: %w", err)
		}
	}

	attempt := func(reregistered bool) ([]byte, int, error) {
		key, err := c.keys.MatchmakingKey(ctx)
		if err != nil {
			return nil, 0, err
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, 0, err
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		authorization.Sign(req, key, c.dcid, bodyBytes)
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, 0, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, resp.StatusCode, err
		}
		return data, resp.StatusCode, nil
	}

	var data []byte
	var status int
	op := func() error {
		data, status, err = attempt(false)
		if err != nil {
			return err
		}
		if status >= 500 {
			return fmt.Errorf("matchmaking: %w: status %d", core.ErrMatchmakingRetryable, status)
		}
		return nil
	}
	if err := backoff.Retry(op, backoffPolicy()); err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusUnauthorized:
		if rerr := c.keys.Reregister(ctx); rerr != nil {
			return nil, fmt.Errorf("matchmaking: reregister key after 401: %w", rerr)
		}
		data, status, err = attempt(true)
		if err != nil {
			return nil, err
		}
	case status == http.StatusForbidden:
		if rerr := c.keys.Reregister(ctx); rerr != nil {
			return nil, fmt.Errorf("matchmaking: reregister key after 403: %w", rerr)
		}
		data, status, err = attempt(true)
		if err != nil {
			return nil, err
		}
	}

	return data, classifyStatus(status)
}

func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusPaymentRequired:
		return core.ErrInsufficientFunds
	case status == http.StatusNotFound:
		return core.ErrNotFound
	case status == http.StatusConflict:
		return core.ErrUnableToUpdate
	case status == http.StatusTooManyRequests:
		return core.ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return core.ErrUnauthorized
	case status >= 500:
		return core.ErrMatchmakingRetryable
	default:
		return fmt.Errorf("matchmaking: unexpected status %d", status)
	}
}

// Register upserts this chain's config with matchmaking.
func (c *Client) Register(ctx context.Context, cfg RegistrationConfig) error {
	_, err := c.doAuthenticated(ctx, http.MethodPost, "/registration", cfg)
	return err
}

// RenewIfNecessary re-registers if renewedAt is older than
// RereregisterInterval.
func (c *Client) RenewIfNecessary(ctx context.Context, cfg RegistrationConfig, renewedAt time.Time) (time.Time, error) {
	if time.Since(renewedAt) < RereregisterInterval {
		return renewedAt, nil
	}
	if err := c.Register(ctx, cfg); err != nil {
		return renewedAt, err
	}
	return time.Now(), nil
}

// GetRegistration fetches a peer's config. This endpoint is
// unauthenticated: a chain must be resolvable before any shared key exists.
func (c *Client) GetRegistration(ctx context.Context, dcid string) (*Registration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/registration/"+dcid, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, core.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode)
	}
	var reg Registration
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return nil, fmt.Errorf("matchmaking: decode registration: %w", err)
	}
	return &reg, nil
}

// ClaimRequirements names how many chains at each level a new claim
// needs, plus the transaction count of the block the claim is for (the
// authoritative count L2 chains validate the stripped block against).
type ClaimRequirements struct {
	NumL2, NumL3, NumL4, NumL5 int
	TransactionCount           int
}

// CreateClaimCheck registers a new claim for blockID.
func (c *Client) CreateClaimCheck(ctx context.Context, blockID string, req ClaimRequirements) (*core.ClaimCheck, error) {
	data, err := c.doAuthenticated(ctx, http.MethodPost, "/claim-check", map[string]any{
		"block_id": blockID, "requirements": req,
	})
	if err != nil {
		return nil, err
	}
	return decodeClaimCheck(data)
}

// GetClaimCheck fetches an existing claim.
func (c *Client) GetClaimCheck(ctx context.Context, blockID string) (*core.ClaimCheck, error) {
	data, err := c.doAuthenticated(ctx, http.MethodGet, "/claim-check?blockId="+blockID, nil)
	if err != nil {
		return nil, err
	}
	return decodeClaimCheck(data)
}

// GetOrCreateClaimCheck fetches blockID's claim, creating it on NotFound.
func (c *Client) GetOrCreateClaimCheck(ctx context.Context, blockID string, req ClaimRequirements) (*core.ClaimCheck, error) {
	claim, err := c.GetClaimCheck(ctx, blockID)
	if err == nil {
		return claim, nil
	}
	if err != core.ErrNotFound {
		return nil, err
	}
	return c.CreateClaimCheck(ctx, blockID, req)
}

// OverwriteNoResponseNode asks matchmaking to swap chainID (which failed to
// respond) for a new assignee at level.
func (c *Client) OverwriteNoResponseNode(ctx context.Context, blockID string, level int, chainID string) (*core.ClaimCheck, error) {
	data, err := c.doAuthenticated(ctx, http.MethodPut, "/claim-check/"+blockID, map[string]any{
		"overwrite_level": level, "overwrite_chain_id": chainID,
	})
	if err != nil {
		return nil, err
	}
	return decodeClaimCheck(data)
}

// AddReceipt records a newly-received receipt against matchmaking's claim
// for l1BlockID. No local copy of the claim is kept or updated.
func (c *Client) AddReceipt(ctx context.Context, l1BlockID string, level int, dcid, blockID string, proof []byte) error {
	_, err := c.doAuthenticated(ctx, http.MethodPut, "/claim-check/"+l1BlockID+"/receipt", map[string]any{
		"level": level, "dcid": dcid, "block_id": blockID, "proof": proof,
	})
	return err
}

// ResolveClaimCheck marks a claim fully verified (called by L5 after
// anchoring and finalization).
func (c *Client) ResolveClaimCheck(ctx context.Context, blockID string) error {
	_, err := c.doAuthenticated(ctx, http.MethodDelete, "/claim-check/"+blockID, nil)
	return err
}

// UpdateFundedFlag reports this L5 chain's current funding status.
func (c *Client) UpdateFundedFlag(ctx context.Context, funded bool) error {
	_, err := c.doAuthenticated(ctx, http.MethodPut, "/registration/"+c.dcid, map[string]any{"funded": funded})
	return err
}

func decodeClaimCheck(data []byte) (*core.ClaimCheck, error) {
	var claim core.ClaimCheck
	if err := json.Unmarshal(data, &claim); err != nil {
		return nil, fmt.Errorf("matchmaking: decode claim check: %w", err)
	}
	return &claim, nil
}
