package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/holidaygen/tripcache/logger"
	"github.com/holidaygen/tripcache/resilience"
	"github.com/redis/go-redis/v9"
)

// ErrCoolingDown is reported while the remote is skipped after a failure.
var ErrCoolingDown = errors.New("cache: remote cooling down")

// Redis is the remote backend. Each entry is a hash at <prefix>:<key> with
// fields "v" (value), "c" (created-at unix nano), "t" (ttl ns) and "h"
// (hit count). Expiry uses native Redis TTL set in the same transaction.
//
// Any error other than redis.Nil makes that one operation Unavailable. With a
// cool-down configured, calls short-circuit for the period after a failure and
// then a single trial PING decides whether the remote is back.
type Redis struct {
	dial   func() (*redis.Client, error)
	owned  bool
	mu     sync.Mutex
	client *redis.Client
	cfg    config
	log    logger.Logger
	gate   *resilience.Cooldown
}

var (
	_ Backend = (*Redis)(nil)
	_ Pinger  = (*Redis)(nil)
)

// NewRedis returns a Redis backend on an existing client.
// The caller owns the redis.Client lifecycle, Close does not close it.
func NewRedis(client *redis.Client, opts ...Option) *Redis {
	return newRedis(func() (*redis.Client, error) { return client, nil }, false, opts)
}

// NewLazyRedis returns a Redis backend that parses url and creates its client
// on first use. The client is closed by Close.
func NewLazyRedis(url string, opts ...Option) *Redis {
	return newRedis(func() (*redis.Client, error) {
		options, err := redis.ParseURL(url)
		if err != nil {
			return nil, errors.Wrap(err, "cache: parse redis url")
		}
		return redis.NewClient(options), nil
	}, true, opts)
}

func newRedis(dial func() (*redis.Client, error), owned bool, opts []Option) *Redis {
	cfg := applyOptions(opts, DefaultRemoteTimeout)
	return &Redis{
		dial:  dial,
		owned: owned,
		cfg:   cfg,
		log:   cfg.log.WithPrefix("[redis]"),
		gate:  resilience.NewCooldown(cfg.cooldown).WithClock(cfg.now),
	}
}

func (c *Redis) Name() string {
	return "redis"
}

// Gate exposes the cool-down state for health reporting.
func (c *Redis) Gate() *resilience.Cooldown {
	return c.gate
}

func (c *Redis) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

func (c *Redis) prefixKey(key string) string {
	if c.cfg.prefix == "" {
		return key
	}
	return c.cfg.prefix + ":" + key
}

func (c *Redis) conn() (*redis.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	client, err := c.dial()
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

// admit returns a client when the gate lets the call through, probing the
// server first when the cool-down period has just elapsed.
func (c *Redis) admit(ctx context.Context) (*redis.Client, error) {
	if !c.gate.Allow() {
		return nil, ErrCoolingDown
	}
	client, err := c.conn()
	if err != nil {
		c.failure(err)
		return nil, err
	}
	if c.gate.State() == resilience.GateProbing {
		if err := c.ping(ctx, client); err != nil {
			return nil, err
		}
		c.log.Info("remote reachable again")
	}
	return client, nil
}

func (c *Redis) ping(ctx context.Context, client *redis.Client) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if err := client.Ping(qctx).Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			c.gate.Release()
		} else {
			c.failure(err)
		}
		return errors.Wrap(err, "cache: redis ping")
	}
	c.gate.Success()
	return nil
}

func (c *Redis) failure(err error) {
	// the caller giving up says nothing about the server
	if errors.Is(err, context.Canceled) {
		return
	}
	if c.gate.State() == resilience.GateClosed && c.gate.Period() > 0 {
		c.log.Warn("remote failed, skipping it for %s: %v", c.gate.Period(), err)
	}
	c.gate.Failure()
}

func (c *Redis) Get(ctx context.Context, key string) Lookup {
	client, err := c.admit(ctx)
	if err != nil {
		return unavailable(err)
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	k := c.prefixKey(key)
	fields, err := client.HGetAll(qctx, k).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.failure(err)
		return unavailable(errors.Wrap(err, "cache: redis get"))
	}
	c.gate.Success()

	value, ok := fields["v"]
	if !ok {
		return miss()
	}
	createdAt, cerr := strconv.ParseInt(fields["c"], 10, 64)
	ttl, terr := strconv.ParseInt(fields["t"], 10, 64)
	if cerr != nil || terr != nil || ttl <= 0 {
		c.log.Debug("ignoring malformed hash at %s", k)
		return miss()
	}
	entry := Entry{Value: []byte(value), CreatedAt: time.Unix(0, createdAt), TTL: time.Duration(ttl)}
	if entry.Expired(c.cfg.now()) {
		return miss()
	}
	// hit counting is best effort
	client.HIncrBy(qctx, k, "h", 1)
	return hit(entry)
}

// Set writes e with a native expiry of its remaining lifetime. An entry that
// has already expired is not written.
func (c *Redis) Set(ctx context.Context, key string, e Entry) error {
	remaining := e.Remaining(c.cfg.now())
	if remaining <= 0 {
		return nil
	}
	client, err := c.admit(ctx)
	if err != nil {
		return errors.Mark(err, ErrUnavailable)
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	k := c.prefixKey(key)
	_, err = client.TxPipelined(qctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(qctx, k, "v", e.Value, "c", e.CreatedAt.UnixNano(), "t", int64(e.TTL), "h", 0)
		pipe.PExpire(qctx, k, remaining)
		return nil
	})
	if err != nil {
		c.failure(err)
		return errors.Mark(errors.Wrap(err, "cache: redis set"), ErrUnavailable)
	}
	c.gate.Success()
	return nil
}

// Hits returns how many times key has been served.
func (c *Redis) Hits(ctx context.Context, key string) (int, bool) {
	client, err := c.admit(ctx)
	if err != nil {
		return 0, false
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	hits, err := client.HGet(qctx, c.prefixKey(key), "h").Int()
	if err != nil {
		return 0, false
	}
	return hits, true
}

func (c *Redis) Delete(ctx context.Context, key string) (bool, error) {
	client, err := c.admit(ctx)
	if err != nil {
		return false, errors.Mark(err, ErrUnavailable)
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	n, err := client.Del(qctx, c.prefixKey(key)).Result()
	if err != nil {
		c.failure(err)
		return false, errors.Mark(errors.Wrap(err, "cache: redis delete"), ErrUnavailable)
	}
	return n > 0, nil
}

// Clear deletes every key under the configured prefix. It refuses to run
// without a prefix rather than wipe a shared database.
func (c *Redis) Clear(ctx context.Context) error {
	if c.cfg.prefix == "" {
		return errors.New("cache: refusing to clear redis without a key prefix")
	}
	client, err := c.admit(ctx)
	if err != nil {
		return errors.Mark(err, ErrUnavailable)
	}
	iter := client.Scan(ctx, 0, c.cfg.prefix+":*", 100).Iterator()
	batch := make([]string, 0, 100)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		qctx, cancel := c.queryCtx(ctx)
		defer cancel()
		err := client.Del(qctx, batch...).Err()
		batch = batch[:0]
		return err
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return errors.Wrap(err, "cache: redis clear")
			}
		}
	}
	if err := iter.Err(); err != nil {
		c.failure(err)
		return errors.Mark(errors.Wrap(err, "cache: redis scan"), ErrUnavailable)
	}
	if err := flush(); err != nil {
		return errors.Wrap(err, "cache: redis clear")
	}
	return nil
}

// Ping checks reachability regardless of the cool-down and updates it.
func (c *Redis) Ping(ctx context.Context) error {
	client, err := c.conn()
	if err != nil {
		return err
	}
	return c.ping(ctx, client)
}

// Close closes the client when it was created by NewLazyRedis.
func (c *Redis) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.owned || c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}
