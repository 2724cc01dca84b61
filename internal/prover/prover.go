// Package prover generates zero-knowledge proofs for transactions built by
// light clients, so the heavy circuit evaluation runs server-side instead of
// in the wallet. Proof requests are stateless and independent, which makes
// the service embarrassingly parallel.
package prover

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oreoslabs/oreowallet-mono/internal/config"
	"github.com/oreoslabs/oreowallet-mono/internal/metrics"
)

// Backend evaluates one circuit into a proof. Implementations wrap the
// native proving system; tests use the deterministic stub.
type Backend interface {
	ProveSpend(ctx context.Context, circuit []byte) ([]byte, error)
	ProveOutput(ctx context.Context, circuit []byte) ([]byte, error)
	ProveMintAsset(ctx context.Context, circuit []byte) ([]byte, error)
}

// Request carries the serialized circuits of one unsigned transaction,
// hex-encoded. Any circuit list may be empty.
type Request struct {
	SpendCircuits     []string `json:"spendCircuits"`
	OutputCircuits    []string `json:"outputCircuits"`
	MintAssetCircuits []string `json:"mintAssetCircuits"`
}

// Response returns the proofs in the same order as the request circuits.
type Response struct {
	SpendProofs     []string `json:"spendProofs"`
	OutputProofs    []string `json:"outputProofs"`
	MintAssetProofs []string `json:"mintAssetProofs"`
}

type Service struct {
	cfg     config.ProverConfig
	backend Backend
	logger  *slog.Logger
}

func New(cfg config.ProverConfig, backend Backend, logger *slog.Logger) *Service {
	return &Service{
		cfg:     cfg,
		backend: backend,
		logger:  logger.With("component", "prover"),
	}
}

// Prove evaluates every circuit in the request, fanning out across the
// configured worker count. All-or-nothing: one bad circuit fails the call.
func (s *Service) Prove(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	resp := &Response{
		SpendProofs:     make([]string, len(req.SpendCircuits)),
		OutputProofs:    make([]string, len(req.OutputCircuits)),
		MintAssetProofs: make([]string, len(req.MintAssetCircuits)),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)

	prove := func(kind string, i int, circuitHex string,
		fn func(context.Context, []byte) ([]byte, error), out []string) {
		g.Go(func() error {
			circuit, err := hex.DecodeString(circuitHex)
			if err != nil {
				return fmt.Errorf("%s circuit %d: decode: %w", kind, i, err)
			}
			proof, err := fn(ctx, circuit)
			if err != nil {
				return fmt.Errorf("%s circuit %d: %w", kind, i, err)
			}
			out[i] = hex.EncodeToString(proof)
			return nil
		})
	}

	for i, c := range req.SpendCircuits {
		prove("spend", i, c, s.backend.ProveSpend, resp.SpendProofs)
	}
	for i, c := range req.OutputCircuits {
		prove("output", i, c, s.backend.ProveOutput, resp.OutputProofs)
	}
	for i, c := range req.MintAssetCircuits {
		prove("mint_asset", i, c, s.backend.ProveMintAsset, resp.MintAssetProofs)
	}

	if err := g.Wait(); err != nil {
		metrics.ProverRequests.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.ProverRequests.WithLabelValues("ok").Inc()
	metrics.ProverLatency.Observe(time.Since(start).Seconds())
	s.logger.Debug("proofs generated",
		"spend", len(resp.SpendProofs),
		"output", len(resp.OutputProofs),
		"mint_asset", len(resp.MintAssetProofs),
		"elapsed", time.Since(start),
	)
	return resp, nil
}
