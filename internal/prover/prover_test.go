package prover

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oreoslabs/oreowallet-mono/internal/config"
)

func newTestService() *Service {
	return New(config.ProverConfig{Workers: 4}, NewStubBackend(),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestProvePreservesOrder(t *testing.T) {
	svc := newTestService()

	req := &Request{
		SpendCircuits:     []string{"01", "02", "03"},
		OutputCircuits:    []string{"aa"},
		MintAssetCircuits: []string{"bb", "cc"},
	}
	resp, err := svc.Prove(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, resp.SpendProofs, 3)
	require.Len(t, resp.OutputProofs, 1)
	require.Len(t, resp.MintAssetProofs, 2)

	// Stub proofs are deterministic per circuit, so order is checkable by
	// re-proving individually.
	single, err := svc.Prove(context.Background(), &Request{SpendCircuits: []string{"02"}})
	require.NoError(t, err)
	assert.Equal(t, single.SpendProofs[0], resp.SpendProofs[1])
}

func TestProveDeterministic(t *testing.T) {
	svc := newTestService()
	req := &Request{SpendCircuits: []string{"deadbeef"}}

	first, err := svc.Prove(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.Prove(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.SpendProofs, second.SpendProofs)
}

func TestProveDomainSeparation(t *testing.T) {
	svc := newTestService()

	resp, err := svc.Prove(context.Background(), &Request{
		SpendCircuits:  []string{"abcd"},
		OutputCircuits: []string{"abcd"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, resp.SpendProofs[0], resp.OutputProofs[0])
}

func TestProveRejectsBadHex(t *testing.T) {
	svc := newTestService()

	_, err := svc.Prove(context.Background(), &Request{SpendCircuits: []string{"zz"}})
	require.Error(t, err)
}

func TestProveRejectsEmptyCircuit(t *testing.T) {
	svc := newTestService()

	_, err := svc.Prove(context.Background(), &Request{SpendCircuits: []string{""}})
	require.Error(t, err)
}

func TestStubProofShape(t *testing.T) {
	b := NewStubBackend()
	proof, err := b.ProveSpend(context.Background(), []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Len(t, proof, 32)
	assert.NotEqual(t, hex.EncodeToString(proof), "")
}
