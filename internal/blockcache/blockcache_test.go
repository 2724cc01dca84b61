package blockcache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oreoslabs/oreowallet-mono/internal/domain/model"
)

type countingReader struct {
	mu      sync.Mutex
	fetches int
}

func (r *countingReader) HeadSequence(context.Context) (int64, error) {
	return 1000, nil
}

func (r *countingReader) GetBlocks(_ context.Context, start, end int64) ([]model.Block, error) {
	r.mu.Lock()
	r.fetches++
	r.mu.Unlock()

	blocks := make([]model.Block, 0, end-start+1)
	for seq := start; seq <= end; seq++ {
		blocks = append(blocks, model.Block{
			Hash:     fmt.Sprintf("hash-%d", seq),
			Sequence: seq,
		})
	}
	return blocks, nil
}

func (r *countingReader) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetches
}

func TestOverlappingRangesHitStoreOnce(t *testing.T) {
	inner := &countingReader{}
	cache := New(inner, 100, time.Minute)

	first, err := cache.GetBlocks(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, first, 10)
	require.Equal(t, 1, inner.count())

	// Fully covered by cache.
	second, err := cache.GetBlocks(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.count())

	// Only the uncached tail goes to the store.
	third, err := cache.GetBlocks(context.Background(), 5, 15)
	require.NoError(t, err)
	require.Len(t, third, 11)
	assert.Equal(t, int64(5), third[0].Sequence)
	assert.Equal(t, int64(15), third[10].Sequence)
	assert.Equal(t, 2, inner.count())
}

func TestEntriesExpireAfterTTL(t *testing.T) {
	inner := &countingReader{}
	cache := New(inner, 100, time.Minute)

	now := time.Unix(1000, 0)
	cache.nowFn = func() time.Time { return now }

	_, err := cache.GetBlocks(context.Background(), 1, 5)
	require.NoError(t, err)
	require.Equal(t, 1, inner.count())

	now = now.Add(2 * time.Minute)
	_, err = cache.GetBlocks(context.Background(), 1, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.count())
}

func TestCapacityEvictsOldest(t *testing.T) {
	inner := &countingReader{}
	cache := New(inner, 5, time.Minute)

	_, err := cache.GetBlocks(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, cache.Len())

	// 1..5 were evicted while 6..10 stayed resident.
	_, err = cache.GetBlocks(context.Background(), 6, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, inner.count())

	_, err = cache.GetBlocks(context.Background(), 1, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.count())
}

func TestHeadSequenceNeverCached(t *testing.T) {
	inner := &countingReader{}
	cache := New(inner, 5, time.Minute)

	head, err := cache.HeadSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), head)
}
