package cache

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const memoryShards = 16

type memoryItem struct {
	entry Entry
	hits  int
}

type memoryShard struct {
	mu    sync.Mutex
	items map[string]*memoryItem
}

// Memory is an in-process backend with the same contract as the remote one.
// It stands in for Redis when no server is configured ("memory://") and in
// tests. Keys are spread over shards by xxhash to keep lock contention low.
type Memory struct {
	shards [memoryShards]*memoryShard
	cfg    config
	closed atomic.Bool
}

var (
	_ Backend = (*Memory)(nil)
	_ Pruner  = (*Memory)(nil)
	_ Stater  = (*Memory)(nil)
)

// NewMemory returns an empty Memory backend.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{cfg: applyOptions(opts, DefaultQueryTimeout)}
	for i := range m.shards {
		m.shards[i] = &memoryShard{items: map[string]*memoryItem{}}
	}
	return m
}

func (m *Memory) Name() string {
	return "memory"
}

func (m *Memory) shard(key string) *memoryShard {
	return m.shards[xxhash.Sum64String(key)%memoryShards]
}

func (m *Memory) check(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

func (m *Memory) Get(ctx context.Context, key string) Lookup {
	if err := m.check(ctx); err != nil {
		return unavailable(err)
	}
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[key]
	if !ok {
		return miss()
	}
	if item.entry.Expired(m.cfg.now()) {
		delete(s.items, key)
		return miss()
	}
	item.hits++
	e := item.entry
	e.Value = bytes.Clone(e.Value)
	return hit(e)
}

func (m *Memory) Set(ctx context.Context, key string, e Entry) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	e.Value = bytes.Clone(e.Value)
	s := m.shard(key)
	s.mu.Lock()
	s.items[key] = &memoryItem{entry: e}
	s.mu.Unlock()
	return nil
}

// Hits returns how many times key has been served.
func (m *Memory) Hits(_ context.Context, key string) (int, bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.items[key]; ok {
		return item.hits, true
	}
	return 0, false
}

func (m *Memory) Delete(ctx context.Context, key string) (bool, error) {
	if err := m.check(ctx); err != nil {
		return false, err
	}
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[key]
	delete(s.items, key)
	return ok, nil
}

func (m *Memory) Clear(ctx context.Context) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	for _, s := range m.shards {
		s.mu.Lock()
		s.items = map[string]*memoryItem{}
		s.mu.Unlock()
	}
	return nil
}

func (m *Memory) Prune(ctx context.Context) (int, error) {
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	now := m.cfg.now()
	var removed int
	for _, s := range m.shards {
		s.mu.Lock()
		for k, item := range s.items {
			if item.entry.Expired(now) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed, nil
}

func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	if err := m.check(ctx); err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, s := range m.shards {
		s.mu.Lock()
		for _, item := range s.items {
			st.Entries++
			st.Bytes += int64(len(item.entry.Value))
		}
		s.mu.Unlock()
	}
	return st, nil
}

func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}
