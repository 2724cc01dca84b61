// Package redisblocks reads chain blocks cached in Redis by the block
// ingestion component. The scheduler side is strictly read-only.
package redisblocks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/oreoslabs/oreowallet-mono/internal/domain/model"
	"github.com/oreoslabs/oreowallet-mono/internal/scanerr"
)

const (
	headKey        = "oreoblocks:head"
	blockKeyPrefix = "oreoblocks:block:"
)

type Store struct {
	client *redis.Client
}

func New(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client; used by tests with miniature
// or mock servers.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) HeadSequence(ctx context.Context) (int64, error) {
	val, err := s.client.Get(ctx, headKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read ingested head: %w", err)
	}
	head, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse ingested head %q: %w", val, err)
	}
	return head, nil
}

// GetBlocks returns [start, end] in sequence order. A range past the
// ingested head, or a gap inside it, reports ErrNotYetIngested: ingestion is
// asynchronous, so the caller holds the task and re-evaluates later.
func (s *Store) GetBlocks(ctx context.Context, start, end int64) ([]model.Block, error) {
	if start > end {
		return nil, fmt.Errorf("invalid range [%d, %d]", start, end)
	}

	head, err := s.HeadSequence(ctx)
	if err != nil {
		return nil, err
	}
	if end > head {
		return nil, fmt.Errorf("range [%d, %d] past ingested head %d: %w",
			start, end, head, scanerr.ErrNotYetIngested)
	}

	keys := make([]string, 0, end-start+1)
	for seq := start; seq <= end; seq++ {
		keys = append(keys, blockKeyPrefix+strconv.FormatInt(seq, 10))
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget blocks [%d, %d]: %w", start, end, err)
	}

	blocks := make([]model.Block, 0, len(vals))
	for i, val := range vals {
		raw, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("block %d missing from store: %w",
				start+int64(i), scanerr.ErrNotYetIngested)
		}
		var b model.Block
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			return nil, fmt.Errorf("decode block %d: %w", start+int64(i), err)
		}
		if b.Sequence != start+int64(i) {
			return nil, fmt.Errorf("block store returned sequence %d at slot %d", b.Sequence, start+int64(i))
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}
