package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/holidaygen/tripcache/logger"
	"github.com/redis/go-redis/v9"
)

type testClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

// Tick makes every later Now call advance the clock by step.
func (c *testClock) Tick(step time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = step
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testOptions(clock *testClock, opts ...Option) []Option {
	return append([]Option{WithClock(clock.Now), WithLogger(logger.NewTestLogger())}, opts...)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:       mr.Addr(),
		MaxRetries: -1,
	})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

// flakyBackend wraps a Backend and can be switched to fail every call.
type flakyBackend struct {
	Backend
	down atomic.Bool
	gets atomic.Int32
	sets atomic.Int32
}

var errConnRefused = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

func (b *flakyBackend) Get(ctx context.Context, key string) Lookup {
	b.gets.Add(1)
	if b.down.Load() {
		return unavailable(errConnRefused)
	}
	return b.Backend.Get(ctx, key)
}

func (b *flakyBackend) Set(ctx context.Context, key string, e Entry) error {
	b.sets.Add(1)
	if b.down.Load() {
		return errConnRefused
	}
	return b.Backend.Set(ctx, key, e)
}

func (b *flakyBackend) Delete(ctx context.Context, key string) (bool, error) {
	if b.down.Load() {
		return false, errConnRefused
	}
	return b.Backend.Delete(ctx, key)
}

// counter is a ComputeFunc that returns value and counts its calls.
type counter struct {
	calls atomic.Int32
	value []byte
	err   error
}

func (c *counter) compute(ctx context.Context) ([]byte, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.value, nil
}
