// Package authorization implements the DC1-HMAC request-signing scheme
// shared by inter-chain and matchmaking traffic: signed request
// construction on the way out, and admission (signature, clock skew,
// replay, rate limit) on the way in.
package authorization

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dragonet/chainnode/core"
	"github.com/dragonet/chainnode/crypto"
)

// Version is the only supported authorization scheme version.
const Version = "1"

// ClockSkewTolerance bounds how far a request timestamp may drift from the
// verifier's own clock.
const ClockSkewTolerance = 600 * time.Second

// ReplayWindow is how long a (keyId, hmac) pair is remembered to reject
// replays, plus a small safety margin over ClockSkewTolerance.
const ReplayWindow = ClockSkewTolerance + 60*time.Second

// RateLimitWindow is the sliding window used for per-key request throttling.
const RateLimitWindow = 60 * time.Second

// nowFunc is overridable in tests.
var nowFunc = time.Now

// SharedKey is one established HMAC relationship, either with a peer chain
// or with matchmaking.
type SharedKey struct {
	KeyID  string
	Secret []byte
	Algo   crypto.HashAlgo
	// Root marks a key that's permitted to call root-only endpoints
	// (e.g. claim-check mutation).
	Root bool
}

func hashTypeName(a crypto.HashAlgo) string {
	switch a {
	case crypto.HashSHA256:
		return "SHA256"
	case crypto.HashBlake2b:
		return "BLAKE2B512"
	case crypto.HashSHA3256:
		return "SHA3-256"
	default:
		return string(a)
	}
}

func parseHashType(s string) (crypto.HashAlgo, error) {
	switch s {
	case "SHA256":
		return crypto.HashSHA256, nil
	case "BLAKE2B512":
		return crypto.HashBlake2b, nil
	case "SHA3-256":
		return crypto.HashSHA3256, nil
	default:
		return "", fmt.Errorf("authorization: %w: unsupported hash type %q", core.ErrUnauthorized, s)
	}
}

// messageString builds the canonical message that gets HMAC'd.
func messageString(verb, path, dcid, timestamp, contentType string, body []byte) []byte {
	bodyHash := sha256.Sum256(body)
	bodyHashB64 := base64.StdEncoding.EncodeToString(bodyHash[:])
	s := strings.Join([]string{verb, path, dcid, timestamp, contentType, bodyHashB64}, "\n")
	return []byte(s)
}

// BuildHeader constructs the Authorization header value for an outbound
// request signed with key.
func BuildHeader(key SharedKey, verb, path, dcid, timestamp, contentType string, body []byte) string {
	msg := messageString(verb, path, dcid, timestamp, contentType, body)
	mac := crypto.CreateHMAC(key.Algo, key.Secret, msg)
	return fmt.Sprintf("DC%s-HMAC-%s %s:%s", Version, hashTypeName(key.Algo), key.KeyID, mac)
}

// Sign attaches Authorization, timestamp, and dragonchain headers to req.
func Sign(req *http.Request, key SharedKey, dcid string, body []byte) {
	ts := strconv.FormatInt(nowFunc().Unix(), 10)
	contentType := req.Header.Get("Content-Type")
	header := BuildHeader(key, req.Method, req.URL.Path, dcid, ts, contentType, body)
	req.Header.Set("Authorization", header)
	req.Header.Set("timestamp", ts)
	req.Header.Set("dragonchain", dcid)
}

// parsedHeader is the decomposed Authorization header of an inbound request.
type parsedHeader struct {
	hashAlgo crypto.HashAlgo
	keyID    string
	hmacB64  string
}

func parseHeader(value string) (parsedHeader, error) {
	var p parsedHeader
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return p, fmt.Errorf("authorization: %w: malformed header", core.ErrUnauthorized)
	}
	scheme, rest := parts[0], parts[1]
	if !strings.HasPrefix(scheme, "DC"+Version+"-HMAC-") {
		return p, fmt.Errorf("authorization: %w: unsupported scheme %q", core.ErrUnauthorized, scheme)
	}
	hashType := strings.TrimPrefix(scheme, "DC"+Version+"-HMAC-")
	algo, err := parseHashType(hashType)
	if err != nil {
		return p, err
	}
	kv := strings.SplitN(rest, ":", 2)
	if len(kv) != 2 {
		return p, fmt.Errorf("authorization: %w: malformed key:hmac", core.ErrUnauthorized)
	}
	if strings.Contains(kv[0], "/") {
		return p, fmt.Errorf("authorization: %w: invalid key id", core.ErrUnauthorized)
	}
	return parsedHeader{hashAlgo: algo, keyID: kv[0], hmacB64: kv[1]}, nil
}

// KeyLookup resolves a keyId to the shared secret established for it.
type KeyLookup func(keyID string) (SharedKey, error)

// Verifier validates inbound DC1-HMAC requests: signature, clock skew,
// replay, and rate limiting.
type Verifier struct {
	ownDCID   string
	lookup    KeyLookup
	rateLimit int

	mu     sync.Mutex
	replay map[string]time.Time   // "keyID:hmac" -> seen at
	window map[string][]time.Time // keyID -> recent request times
}

// NewVerifier creates a Verifier for a chain identified by ownDCID.
func NewVerifier(ownDCID string, rateLimit int, lookup KeyLookup) *Verifier {
	return &Verifier{
		ownDCID:   ownDCID,
		lookup:    lookup,
		rateLimit: rateLimit,
		replay:    make(map[string]time.Time),
		window:    make(map[string][]time.Time),
	}
}

// VerifyRequestOpts carries what the HTTP layer extracts from the request.
type VerifyRequestOpts struct {
	Method          string
	Path            string
	AuthorizationHdr string
	TimestampHdr    string
	DCIDHdr         string
	ContentType     string
	Body            []byte
	RootOnly        bool
}

// Verify runs the full inbound admission check: chain id, timestamp
// skew, key lookup, rate limit, hmac, and replay, in that order.
func (v *Verifier) Verify(opts VerifyRequestOpts) error {
	if opts.DCIDHdr != v.ownDCID {
		return fmt.Errorf("authorization: %w: wrong chain id", core.ErrUnauthorized)
	}
	ts, err := strconv.ParseInt(opts.TimestampHdr, 10, 64)
	if err != nil {
		return fmt.Errorf("authorization: %w: bad timestamp", core.ErrUnauthorized)
	}
	skew := nowFunc().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > ClockSkewTolerance {
		return fmt.Errorf("authorization: %w: clock skew too large", core.ErrUnauthorized)
	}

	parsed, err := parseHeader(opts.AuthorizationHdr)
	if err != nil {
		return err
	}

	key, err := v.lookup(parsed.keyID)
	if err != nil {
		return fmt.Errorf("authorization: %w: unknown key %q", core.ErrUnauthorized, parsed.keyID)
	}
	if opts.RootOnly && !key.Root {
		return fmt.Errorf("authorization: %w", core.ErrActionForbidden)
	}

	if v.shouldRateLimit(parsed.keyID) {
		return fmt.Errorf("authorization: %w", core.ErrRateLimited)
	}

	msg := messageString(opts.Method, opts.Path, opts.DCIDHdr, opts.TimestampHdr, opts.ContentType, opts.Body)
	if !crypto.CompareHMAC(key.Algo, key.Secret, msg, parsed.hmacB64) {
		return fmt.Errorf("authorization: %w: bad hmac", core.ErrUnauthorized)
	}

	if v.isReplay(parsed.keyID, parsed.hmacB64) {
		return fmt.Errorf("authorization: %w: replay detected", core.ErrUnauthorized)
	}
	return nil
}

func (v *Verifier) isReplay(keyID, hmacB64 string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := nowFunc()
	for k, seenAt := range v.replay {
		if now.Sub(seenAt) > ReplayWindow {
			delete(v.replay, k)
		}
	}
	k := keyID + ":" + hmacB64
	if _, seen := v.replay[k]; seen {
		return true
	}
	v.replay[k] = now
	return false
}

func (v *Verifier) shouldRateLimit(keyID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := nowFunc()
	cutoff := now.Add(-RateLimitWindow)
	times := v.window[keyID]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= v.rateLimit {
		v.window[keyID] = kept
		return true
	}
	kept = append(kept, now)
	v.window[keyID] = kept
	return false
}
