// Package blockcache wraps a store.BlockReader with an in-process LRU so
// overlapping scan windows for different accounts hit the block store once.
package blockcache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/oreoslabs/oreowallet-mono/internal/domain/model"
	"github.com/oreoslabs/oreowallet-mono/internal/metrics"
	"github.com/oreoslabs/oreowallet-mono/internal/store"
)

type Reader struct {
	inner store.BlockReader

	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[int64]*list.Element
	order    *list.List
	nowFn    func() time.Time
}

type entry struct {
	sequence  int64
	block     model.Block
	expiresAt time.Time
}

func New(inner store.BlockReader, capacity int, ttl time.Duration) *Reader {
	return &Reader{
		inner:    inner,
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[int64]*list.Element, capacity),
		order:    list.New(),
		nowFn:    time.Now,
	}
}

func (r *Reader) HeadSequence(ctx context.Context) (int64, error) {
	// Head moves constantly; never cached.
	return r.inner.HeadSequence(ctx)
}

// GetBlocks serves the contiguous cached prefix and fetches the rest of the
// range from the underlying store in one read. Blocks are immutable once
// stored, so a hit never needs revalidation before its TTL.
func (r *Reader) GetBlocks(ctx context.Context, start, end int64) ([]model.Block, error) {
	blocks := make([]model.Block, 0, end-start+1)

	missFrom := int64(-1)
	for seq := start; seq <= end; seq++ {
		b, ok := r.get(seq)
		if !ok {
			missFrom = seq
			break
		}
		blocks = append(blocks, b)
	}
	if missFrom == -1 {
		metrics.BlockFetches.WithLabelValues("cache").Inc()
		return blocks, nil
	}

	fetched, err := r.inner.GetBlocks(ctx, missFrom, end)
	if err != nil {
		return nil, err
	}
	metrics.BlockFetches.WithLabelValues("store").Inc()
	for _, b := range fetched {
		r.put(b)
	}
	return append(blocks, fetched...), nil
}

func (r *Reader) get(sequence int64) (model.Block, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	elem, ok := r.items[sequence]
	if !ok {
		return model.Block{}, false
	}
	e := elem.Value.(*entry)
	if r.nowFn().After(e.expiresAt) {
		r.remove(elem)
		return model.Block{}, false
	}
	r.order.MoveToFront(elem)
	return e.block, true
}

func (r *Reader) put(block model.Block) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if elem, ok := r.items[block.Sequence]; ok {
		r.order.MoveToFront(elem)
		e := elem.Value.(*entry)
		e.block = block
		e.expiresAt = r.nowFn().Add(r.ttl)
		return
	}
	if r.order.Len() >= r.capacity {
		if oldest := r.order.Back(); oldest != nil {
			r.remove(oldest)
		}
	}
	elem := r.order.PushFront(&entry{
		sequence:  block.Sequence,
		block:     block,
		expiresAt: r.nowFn().Add(r.ttl),
	})
	r.items[block.Sequence] = elem
}

func (r *Reader) remove(elem *list.Element) {
	r.order.Remove(elem)
	delete(r.items, elem.Value.(*entry).sequence)
}

// Len reports resident entries, for tests.
func (r *Reader) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}
