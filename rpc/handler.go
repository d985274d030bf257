package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dragonet/chainnode/authorization"
	"github.com/dragonet/chainnode/broadcast"
	"github.com/dragonet/chainnode/core"
	"github.com/dragonet/chainnode/crypto"
	"github.com/dragonet/chainnode/level"
	"github.com/dragonet/chainnode/matchmaking"
	"github.com/dragonet/chainnode/metrics"
	"github.com/dragonet/chainnode/queue"
	"github.com/dragonet/chainnode/storage"
)

const maxBodyBytes = 4 << 20

// Handler holds everything the four inter-chain routes need to do their
// work. State is nil on every chain except an L1 (only L1 tracks broadcast
// progress and therefore accepts receipts).
type Handler struct {
	DCID  string
	Algo  crypto.HashAlgo
	Queue *queue.Queue
	Store *storage.ObjectStore
	State *broadcast.State
	Dir   level.Directory
	Peers *level.PeerKeyStore
	MM    *matchmaking.Client
	Log   zerolog.Logger

	// Metrics may be nil; every metrics.Metrics method no-ops on nil.
	Metrics *metrics.Metrics
}

// NewHandler creates a Handler.
func NewHandler(dcid string, algo crypto.HashAlgo, q *queue.Queue, store *storage.ObjectStore, state *broadcast.State, dir level.Directory, peers *level.PeerKeyStore, mm *matchmaking.Client, log zerolog.Logger) *Handler {
	return &Handler{
		DCID: dcid, Algo: algo, Queue: q, Store: store, State: state,
		Dir: dir, Peers: peers, MM: mm,
		Log: log.With().Str("component", "rpc").Logger(),
	}
}

// Enqueue handles POST /v1/enqueue: a broadcast DTO from the level above or
// below, pushed onto this chain's own input queue. A "deadline" header
// (Go duration syntax) is honored for L2-4, who discard expired items
// rather than process stale work.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var ttl time.Duration
	if raw := r.Header.Get("deadline"); raw != "" {
		ttl, err = time.ParseDuration(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("bad deadline header: %w", err))
			return
		}
	}
	if err := h.Queue.Enqueue(body, ttl); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Receipt handles POST /v1/receipt: an upward chain delivering the block
// it produced over one of this chain's blocks. Only meaningful on an L1
// that is tracking broadcast state. An L5 block may attest several of this
// chain's blocks at once; each is accepted or rejected on its own.
func (h *Handler) Receipt(w http.ResponseWriter, r *http.Request) {
	if h.State == nil {
		writeError(w, http.StatusNotImplemented, fmt.Errorf("rpc: this chain does not accept receipts"))
		return
	}
	var in broadcast.InboundReceipt
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rcpt, err := broadcast.ParseReceipt(in, h.DCID)
	if err != nil {
		h.Metrics.ReceiptRejected(in.Level)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	senderPub, err := h.Dir.PublicKey(r.Context(), rcpt.DCID)
	if err != nil {
		h.Metrics.ReceiptRejected(rcpt.Level)
		writeError(w, http.StatusBadRequest, fmt.Errorf("resolve sender %s: %w", rcpt.DCID, err))
		return
	}

	accepted := 0
	var lastErr error
	for _, l1BlockID := range rcpt.L1BlockIDs {
		claim, err := h.MM.GetClaimCheck(r.Context(), l1BlockID)
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				err = fmt.Errorf("rpc: no claim for block %s: %w", l1BlockID, core.ErrNotAcceptingVerifications)
			}
			lastErr = err
			continue
		}
		if err := broadcast.AcceptReceipt(h.Store, h.State, claim, senderPub, h.Algo, rcpt, l1BlockID); err != nil {
			lastErr = err
			continue
		}
		accepted++
		// Keep matchmaking's authoritative claim in sync; best-effort,
		// since the receipt is already durably stored and tracked locally.
		if err := h.MM.AddReceipt(r.Context(), l1BlockID, rcpt.Level, rcpt.DCID, rcpt.BlockID, rcpt.Proof); err != nil {
			h.Log.Warn().Err(err).Str("l1_block_id", l1BlockID).Msg("matchmaking add_receipt failed")
		}
	}

	if accepted == 0 {
		status := http.StatusInternalServerError
		if errors.Is(lastErr, core.ErrNotAcceptingVerifications) {
			status = http.StatusConflict
		}
		h.Metrics.ReceiptRejected(rcpt.Level)
		writeError(w, status, lastErr)
		return
	}
	h.Metrics.ReceiptAccepted(rcpt.Level)
	w.WriteHeader(http.StatusNoContent)
}

// Claim handles GET /v1/claim/{blockId}: a peer (typically L5, finalizing a
// batch) asking this chain's matchmaking view of a block's claim.
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request, blockID string) {
	claim, err := h.MM.GetClaimCheck(r.Context(), blockID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, core.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	data, status := writeJSON(http.StatusOK, claim)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// Register handles POST /v1/interchain-auth-register: a peer chain
// bootstrapping a shared HMAC key with this one as the receiving side.
// Unlike the other three routes, this one is never wrapped
// by the authorization.Verifier middleware — there is no key to check yet.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.DCID == "" || req.Key == "" || len(req.Signature) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("rpc: dcid, key, and signature are required"))
		return
	}
	senderPub, err := h.Dir.PublicKey(r.Context(), req.DCID)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("resolve sender %s: %w", req.DCID, err))
		return
	}
	if err := authorization.VerifyRegistration(h.Algo, senderPub, h.DCID, req.DCID, req.Key, req.Signature); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	keyID, err := crypto.GenerateKeyID(false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.Peers.Put(req.DCID, authorization.SharedKey{KeyID: keyID, Secret: []byte(req.Key), Algo: h.Algo})
	w.WriteHeader(http.StatusCreated)
}

func writeError(w http.ResponseWriter, status int, err error) {
	data, status := writeJSON(status, errorBody{Error: err.Error()})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// blockIDFromClaimPath extracts {blockId} from "/v1/claim/{blockId}", or
// reports ok=false if path doesn't match.
func blockIDFromClaimPath(path string) (string, bool) {
	const prefix = "/v1/claim/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	id := strings.TrimPrefix(path, prefix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
