package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oreoslabs/oreowallet-mono/internal/config"
	"github.com/oreoslabs/oreowallet-mono/internal/domain/model"
	"github.com/oreoslabs/oreowallet-mono/internal/prover"
	"github.com/oreoslabs/oreowallet-mono/internal/scanerr"
)

type stubScheduler struct {
	requestErr error
	requested  [][]string
	progress   model.Progress
}

func (s *stubScheduler) RequestScan(_ context.Context, addresses []string, _ int64) error {
	s.requested = append(s.requested, addresses)
	return s.requestErr
}

func (s *stubScheduler) Progress(context.Context, string) (model.Progress, error) {
	return s.progress, nil
}

type stubRegistry struct {
	upserted []*model.Account
}

func (r *stubRegistry) Get(_ context.Context, address string) (*model.Account, error) {
	return nil, fmt.Errorf("get %s: %w", address, scanerr.ErrUnknownAccount)
}

func (r *stubRegistry) List(context.Context) ([]model.Account, error) {
	out := make([]model.Account, 0, len(r.upserted))
	for _, a := range r.upserted {
		out = append(out, *a)
	}
	return out, nil
}

func (r *stubRegistry) Upsert(_ context.Context, account *model.Account) error {
	r.upserted = append(r.upserted, account)
	return nil
}

func (r *stubRegistry) CommitProgress(context.Context, string, int64, int64, string, []model.MatchedTransaction) error {
	return nil
}

func (r *stubRegistry) MatchedTransactions(context.Context, string) ([]model.MatchedTransaction, error) {
	return nil, nil
}

func testServerConfig(pubKeyHex string) config.ServerConfig {
	return config.ServerConfig{
		ScanPublicKey:  pubKeyHex,
		RateLimitRPS:   100,
		RateLimitBurst: 100,
	}
}

func newTestServer(t *testing.T, cfg config.ServerConfig, sched *stubScheduler) (*Server, *stubRegistry) {
	t.Helper()
	registry := &stubRegistry{}
	proofs := prover.New(config.ProverConfig{Workers: 2}, prover.NewStubBackend(),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv, err := NewServer(cfg, sched, registry, proofs,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return srv, registry
}

func signBody(t *testing.T, priv *btcec.PrivateKey, body []byte) string {
	t.Helper()
	digest := sha256.Sum256(body)
	sig := btcecdsa.Sign(priv, digest[:])
	return hex.EncodeToString(sig.Serialize())
}

func TestScanRequiresValidSignature(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pubHex := hex.EncodeToString(priv.PubKey().SerializeCompressed())

	sched := &stubScheduler{}
	srv, _ := newTestServer(t, testServerConfig(pubHex), sched)
	handler := srv.Handler()

	body := []byte(`{"addresses":["acct-1"],"targetSequence":100}`)

	// Unsigned request is rejected.
	req := httptest.NewRequest(http.MethodPost, "/v1/scan", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, sched.requested)

	// Wrong key is rejected.
	otherPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/v1/scan", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, signBody(t, otherPriv, body))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Correct signature is accepted.
	req = httptest.NewRequest(http.MethodPost, "/v1/scan", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, signBody(t, priv, body))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, sched.requested, 1)
	assert.Equal(t, []string{"acct-1"}, sched.requested[0])
}

func TestScanErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"unknown account", fmt.Errorf("x: %w", scanerr.ErrUnknownAccount), http.StatusNotFound, "unknown_account"},
		{"backpressure", fmt.Errorf("x: %w", scanerr.ErrBackpressure), http.StatusTooManyRequests, "backpressure"},
		{"internal", fmt.Errorf("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sched := &stubScheduler{requestErr: tc.err}
			srv, _ := newTestServer(t, testServerConfig(""), sched)

			body := []byte(`{"addresses":["acct-1"]}`)
			req := httptest.NewRequest(http.MethodPost, "/v1/scan", bytes.NewReader(body))
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			assert.Equal(t, tc.wantStatus, rec.Code)
			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.wantCode, resp.Code)
		})
	}
}

func TestImportDefaultsName(t *testing.T) {
	srv, registry := newTestServer(t, testServerConfig(""), &stubScheduler{})

	body := []byte(`{"address":"oreoaddr123456","incomingViewKey":"aa","outgoingViewKey":"bb"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/accounts/import", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, registry.upserted, 1)
	assert.Equal(t, model.AddressToName("oreoaddr123456"), registry.upserted[0].Name)
}

func TestImportRejectsMissingFields(t *testing.T) {
	srv, registry := newTestServer(t, testServerConfig(""), &stubScheduler{})

	req := httptest.NewRequest(http.MethodPost, "/v1/accounts/import",
		bytes.NewReader([]byte(`{"address":"x"}`)))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, registry.upserted)
}

func TestListAccounts(t *testing.T) {
	srv, registry := newTestServer(t, testServerConfig(""), &stubScheduler{})
	registry.upserted = append(registry.upserted, &model.Account{
		Address:      "acct-1",
		Name:         "acct-1",
		HeadSequence: 7,
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/accounts", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp []accountSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, int64(7), resp[0].HeadSequence)
}

func TestProgressEndpoint(t *testing.T) {
	sched := &stubScheduler{progress: model.Progress{
		Address:      "acct-1",
		HeadSequence: 42,
		InFlight:     true,
	}}
	srv, _ := newTestServer(t, testServerConfig(""), sched)

	req := httptest.NewRequest(http.MethodGet, "/v1/progress?address=acct-1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp progressResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(42), resp.HeadSequence)
	assert.True(t, resp.InFlight)
}

func TestProveEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, testServerConfig(""), &stubScheduler{})

	body := []byte(`{"spendCircuits":["aabb"],"outputCircuits":["ccdd"]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/prove", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp prover.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.SpendProofs, 1)
	require.Len(t, resp.OutputProofs, 1)
	assert.NotEmpty(t, resp.SpendProofs[0])
}

func TestRateLimit(t *testing.T) {
	cfg := testServerConfig("")
	cfg.RateLimitRPS = 1
	cfg.RateLimitBurst = 1
	srv, _ := newTestServer(t, cfg, &stubScheduler{})
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/progress?address=a", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/progress?address=a", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
