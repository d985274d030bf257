package rpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/dragonet/chainnode/authorization"
	"github.com/dragonet/chainnode/core"
	"github.com/dragonet/chainnode/metrics"
)

// Server is this chain's inter-chain HTTP transport: four routes backed by
// Handler, with every route but registration gated by a DC1-HMAC
// authorization.Verifier.
type Server struct {
	handler  *Handler
	verifier *authorization.Verifier
	addr     string
	tlsCfg   *tls.Config
	log      zerolog.Logger
	mtr      *metrics.Metrics

	srv *http.Server
	ln  net.Listener
}

// NewServer creates a Server on addr. A non-nil tlsCfg enables mTLS on the
// listener; nil serves plain HTTP. A non-nil mtr serves the
// Prometheus exposition on /metrics.
func NewServer(addr string, handler *Handler, verifier *authorization.Verifier, tlsCfg *tls.Config, log zerolog.Logger, mtr *metrics.Metrics) *Server {
	s := &Server{handler: handler, verifier: verifier, addr: addr, tlsCfg: tlsCfg, log: log.With().Str("component", "rpc").Logger(), mtr: mtr}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/enqueue", s.authenticated(s.handleEnqueue))
	mux.HandleFunc("/v1/receipt", s.authenticated(s.handleReceipt))
	mux.HandleFunc("/v1/claim/", s.authenticated(s.handleClaim))
	mux.HandleFunc("/v1/interchain-auth-register", handler.Register)
	if mtr != nil {
		mux.Handle("/metrics", mtr.Handler())
	}

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Start binds the port synchronously (so callers know immediately if binding
// fails) then serves requests in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	if s.tlsCfg != nil {
		ln = tls.NewListener(ln, s.tlsCfg)
	}
	s.ln = ln
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("server error")
		}
	}()
	return nil
}

// Addr returns the listener's address. Useful when started on ":0".
func (s *Server) Addr() net.Addr {
	if s.ln != nil {
		return s.ln.Addr()
	}
	return nil
}

// Stop gracefully shuts down the HTTP server, waiting up to 5 seconds for
// in-flight requests to complete.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST allowed", http.StatusMethodNotAllowed)
		return
	}
	s.handler.Enqueue(w, r)
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST allowed", http.StatusMethodNotAllowed)
		return
	}
	s.handler.Receipt(w, r)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "only GET allowed", http.StatusMethodNotAllowed)
		return
	}
	blockID, ok := blockIDFromClaimPath(r.URL.Path)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.handler.Claim(w, r, blockID)
}

// authenticated wraps next with DC1-HMAC verification: the body is read
// once here (for both the hmac check and the handler), then replayed into
// the request for next to decode.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		opts := authorization.VerifyRequestOpts{
			Method:           r.Method,
			Path:             r.URL.Path,
			AuthorizationHdr: r.Header.Get("Authorization"),
			TimestampHdr:     r.Header.Get("timestamp"),
			DCIDHdr:          r.Header.Get("dragonchain"),
			ContentType:      r.Header.Get("Content-Type"),
			Body:             body,
		}
		if err := s.verifier.Verify(opts); err != nil {
			status := http.StatusUnauthorized
			reason := "unauthorized"
			switch {
			case errors.Is(err, core.ErrRateLimited):
				status = http.StatusTooManyRequests
				reason = "rate_limited"
			case errors.Is(err, core.ErrActionForbidden):
				status = http.StatusForbidden
				reason = "forbidden"
			}
			s.mtr.AuthRejected(reason)
			writeError(w, status, err)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next(w, r)
	}
}
