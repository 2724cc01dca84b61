package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oreoslabs/oreowallet-mono/internal/scanerr"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"store unavailable", fmt.Errorf("commit: %w", scanerr.ErrStoreUnavailable), ClassTransient},
		{"not yet ingested", scanerr.ErrNotYetIngested, ClassTransient},
		{"worker lost", fmt.Errorf("task: %w", scanerr.ErrWorkerLost), ClassTransient},
		{"conflict", scanerr.ErrConflict, ClassTerminal},
		{"unknown account", scanerr.ErrUnknownAccount, ClassTerminal},
		{"context canceled", context.Canceled, ClassTerminal},
		{"deadline exceeded", context.DeadlineExceeded, ClassTransient},
		{"timeout message", errors.New("dial tcp: i/o timeout"), ClassTransient},
		{"connection refused message", errors.New("connection refused"), ClassTransient},
		{"malformed message", errors.New("malformed payload"), ClassTerminal},
		{"unknown defaults terminal", errors.New("something odd"), ClassTerminal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err).Class)
		})
	}
}

func TestCommitBackoffStopsAfterWindow(t *testing.T) {
	policy := CommitBackoff(context.Background(), 50*time.Millisecond)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return fmt.Errorf("still down: %w", scanerr.ErrStoreUnavailable)
	}, policy)

	require.Error(t, err)
	assert.Greater(t, attempts, 0)
}

func TestCommitBackoffHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	policy := CommitBackoff(ctx, time.Minute)

	err := backoff.Retry(func() error {
		return fmt.Errorf("down: %w", scanerr.ErrStoreUnavailable)
	}, policy)
	require.Error(t, err)
}
