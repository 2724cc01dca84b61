// Package api serves the public HTTP surface: account import, scan requests,
// progress, and proof generation. Scan requests are signed by the wallet
// frontend; everything else trusts the network boundary.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/oreoslabs/oreowallet-mono/internal/config"
	"github.com/oreoslabs/oreowallet-mono/internal/domain/model"
	"github.com/oreoslabs/oreowallet-mono/internal/prover"
	"github.com/oreoslabs/oreowallet-mono/internal/scanerr"
	"github.com/oreoslabs/oreowallet-mono/internal/store"
)

const maxBodyBytes = 4 << 20

// ScanScheduler is the scheduler surface the API needs.
type ScanScheduler interface {
	RequestScan(ctx context.Context, addresses []string, targetSequence int64) error
	Progress(ctx context.Context, address string) (model.Progress, error)
}

// ProofService generates proofs for prepared transaction circuits.
type ProofService interface {
	Prove(ctx context.Context, req *prover.Request) (*prover.Response, error)
}

type Server struct {
	scheduler ScanScheduler
	registry  store.AccountRepository
	prover    ProofService
	verifier  *verifier
	limiter   *rate.Limiter
	logger    *slog.Logger
}

func NewServer(
	cfg config.ServerConfig,
	scheduler ScanScheduler,
	registry store.AccountRepository,
	proofs ProofService,
	logger *slog.Logger,
) (*Server, error) {
	v, err := newVerifier(cfg.ScanPublicKey)
	if err != nil {
		return nil, err
	}
	return &Server{
		scheduler: scheduler,
		registry:  registry,
		prover:    proofs,
		verifier:  v,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		logger:    logger.With("component", "api"),
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/accounts/import", s.handleImport)
	mux.HandleFunc("GET /v1/accounts", s.handleListAccounts)
	mux.HandleFunc("POST /v1/scan", s.handleScan)
	mux.HandleFunc("GET /v1/progress", s.handleProgress)
	mux.HandleFunc("POST /v1/prove", s.handleProve)
	return s.rateLimit(mux)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type importRequest struct {
	Address         string `json:"address"`
	Name            string `json:"name"`
	IncomingViewKey string `json:"incomingViewKey"`
	OutgoingViewKey string `json:"outgoingViewKey"`
	FullViewKey     string `json:"fullViewKey"`
	CreateSequence  int64  `json:"createSequence"`
	CreateHash      string `json:"createHash"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Address == "" || req.IncomingViewKey == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request",
			"address and incomingViewKey are required")
		return
	}
	name := req.Name
	if name == "" {
		name = model.AddressToName(req.Address)
	}
	account := &model.Account{
		Address:         req.Address,
		Name:            name,
		IncomingViewKey: req.IncomingViewKey,
		OutgoingViewKey: req.OutgoingViewKey,
		FullViewKey:     req.FullViewKey,
		HeadSequence:    req.CreateSequence,
		HeadHash:        req.CreateHash,
		CreateSequence:  req.CreateSequence,
		CreateHash:      req.CreateHash,
	}
	if err := s.registry.Upsert(r.Context(), account); err != nil {
		s.logger.Error("account import failed", "address", req.Address, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal", "import failed")
		return
	}
	s.logger.Info("account imported", "address", req.Address, "name", name)
	s.writeJSON(w, http.StatusOK, map[string]string{"name": name})
}

type accountSummary struct {
	Address      string `json:"address"`
	Name         string `json:"name"`
	HeadSequence int64  `json:"headSequence"`
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.registry.List(r.Context())
	if err != nil {
		s.logger.Error("account list failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal", "list failed")
		return
	}
	out := make([]accountSummary, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, accountSummary{
			Address:      a.Address,
			Name:         a.Name,
			HeadSequence: a.HeadSequence,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

type scanRequest struct {
	Addresses      []string `json:"addresses"`
	TargetSequence int64    `json:"targetSequence"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "read body")
		return
	}
	if err := s.verifier.verify(body, r.Header.Get(SignatureHeader)); err != nil {
		s.logger.Warn("scan request rejected", "remote", r.RemoteAddr, "error", err)
		s.writeError(w, http.StatusUnauthorized, "bad_signature", err.Error())
		return
	}

	var req scanRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "decode body: "+err.Error())
		return
	}
	if len(req.Addresses) == 0 {
		s.writeError(w, http.StatusBadRequest, "bad_request", "addresses is required")
		return
	}

	err = s.scheduler.RequestScan(r.Context(), req.Addresses, req.TargetSequence)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case errors.Is(err, scanerr.ErrUnknownAccount):
		s.writeError(w, http.StatusNotFound, "unknown_account", err.Error())
	case errors.Is(err, scanerr.ErrBackpressure):
		s.writeError(w, http.StatusTooManyRequests, "backpressure", err.Error())
	default:
		s.logger.Error("scan request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal", "scan request failed")
	}
}

type progressResponse struct {
	Address      string `json:"address"`
	HeadSequence int64  `json:"headSequence"`
	InFlight     bool   `json:"inFlight"`
	Failed       bool   `json:"failed"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "address is required")
		return
	}
	p, err := s.scheduler.Progress(r.Context(), address)
	if err != nil {
		if errors.Is(err, scanerr.ErrUnknownAccount) {
			s.writeError(w, http.StatusNotFound, "unknown_account", err.Error())
			return
		}
		s.logger.Error("progress lookup failed", "address", address, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal", "progress lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, progressResponse{
		Address:      p.Address,
		HeadSequence: p.HeadSequence,
		InFlight:     p.InFlight,
		Failed:       p.Failed,
	})
}

func (s *Server) handleProve(w http.ResponseWriter, r *http.Request) {
	var req prover.Request
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	resp, err := s.prover.Prove(r.Context(), &req)
	if err != nil {
		s.logger.Error("proof generation failed", "error", err)
		s.writeError(w, http.StatusUnprocessableEntity, "prove_failed", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response failed", "error", err)
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorResponse{Code: code, Message: message})
}
