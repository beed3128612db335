package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/holidaygen/tripcache/logger"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrUnavailable is carried by every Lookup whose backend could not be reached.
	ErrUnavailable = errors.New("cache: backend unavailable")
	// ErrClosed is returned once a backend has been closed.
	ErrClosed = errors.New("cache: backend closed")
	// ErrTimeout is returned when a local operation outlives its query timeout.
	ErrTimeout = errors.New("cache: query timeout")
)

// Status is the outcome of a Lookup.
type Status int

const (
	StatusMiss Status = iota
	StatusHit
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusHit:
		return "hit"
	case StatusMiss:
		return "miss"
	case StatusUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Entry is an immutable cached value with its expiry metadata. A refresh
// writes a new Entry under the same key.
type Entry struct {
	Value     []byte
	CreatedAt time.Time
	TTL       time.Duration
}

// NewEntry returns an entry created at now.
func NewEntry(value []byte, now time.Time, ttl time.Duration) Entry {
	return Entry{Value: value, CreatedAt: now, TTL: ttl}
}

// ExpiresAt is CreatedAt + TTL.
func (e Entry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL)
}

// Expired reports whether now >= CreatedAt + TTL.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}

// Remaining is the time left before expiry, never negative.
func (e Entry) Remaining(now time.Time) time.Duration {
	if d := e.ExpiresAt().Sub(now); d > 0 {
		return d
	}
	return 0
}

// Lookup is the tagged result of Backend.Get. Entry is only set for
// StatusHit and Err only for StatusUnavailable.
type Lookup struct {
	Status Status
	Entry  Entry
	Err    error
}

func hit(e Entry) Lookup {
	return Lookup{Status: StatusHit, Entry: e}
}

func miss() Lookup {
	return Lookup{Status: StatusMiss}
}

func unavailable(err error) Lookup {
	if err == nil {
		err = ErrUnavailable
	}
	return Lookup{Status: StatusUnavailable, Err: errors.Mark(err, ErrUnavailable)}
}

// Backend is the uniform contract over the remote and durable stores.
// A missing key is StatusMiss, never an error. Implementations must be safe
// for concurrent use and must not panic on storage failures.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	// Get returns the live entry for key.
	Get(ctx context.Context, key string) Lookup
	// Set stores e under key, replacing any previous entry.
	Set(ctx context.Context, key string, e Entry) error
	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Clear removes every entry owned by the backend.
	Clear(ctx context.Context) error
	// Close releases resources. Further calls report ErrClosed.
	Close() error
}

// Pruner is implemented by backends that need expired entries swept.
type Pruner interface {
	// Prune removes expired entries and returns how many were removed.
	Prune(ctx context.Context) (int, error)
}

// Stats summarises a backend's contents.
type Stats struct {
	Entries int
	Bytes   int64
}

// Stater is implemented by backends that can report Stats.
type Stater interface {
	Stats(ctx context.Context) (Stats, error)
}

// Pinger is implemented by backends with a cheap reachability check.
type Pinger interface {
	Ping(ctx context.Context) error
}

const (
	// DefaultTTL is applied when FetchOrCompute is called with ttl <= 0.
	DefaultTTL = time.Hour
	// DefaultMaxTTL clamps every TTL handed to the facade.
	DefaultMaxTTL = 7 * 24 * time.Hour
	// DefaultQueryTimeout bounds each operation on a local backend.
	DefaultQueryTimeout = 5 * time.Second
	// DefaultRemoteTimeout bounds each operation on the remote backend.
	DefaultRemoteTimeout = 500 * time.Millisecond
	// DefaultCooldown is how long the remote is skipped after a failure.
	DefaultCooldown = 5 * time.Second
	// DefaultRefreshTimeout bounds the detached remote refresh after a disk hit.
	DefaultRefreshTimeout = 2 * time.Second
	// DefaultPrefix namespaces remote keys.
	DefaultPrefix = "tripcache"
)

// config holds the resolved configuration shared by the backends and the facade.
type config struct {
	queryTimeout   time.Duration
	prefix         string
	cooldown       time.Duration
	now            func() time.Time
	log            logger.Logger
	defaultTTL     time.Duration
	maxTTL         time.Duration
	refreshTimeout time.Duration
	singleFlight   bool
	enabled        bool
	registerer     prometheus.Registerer
	tracerProvider trace.TracerProvider
}

// Option configures a Backend or a Facade. Options that do not apply to the
// component they are passed to are ignored.
type Option func(*config)

func applyOptions(opts []Option, queryTimeout time.Duration) config {
	cfg := config{
		queryTimeout:   queryTimeout,
		prefix:         DefaultPrefix,
		cooldown:       DefaultCooldown,
		now:            time.Now,
		defaultTTL:     DefaultTTL,
		maxTTL:         DefaultMaxTTL,
		refreshTimeout: DefaultRefreshTimeout,
		singleFlight:   true,
		enabled:        true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.log = logger.OrDefault(cfg.log)
	return cfg
}

// budget bounds a local operation by the query timeout. File and bbolt calls
// cannot be interrupted once started, so callers check it between steps.
type budget struct {
	ctx      context.Context
	deadline time.Time
	timeout  time.Duration
	now      func() time.Time
}

func (c config) budget(ctx context.Context) budget {
	return budget{ctx: ctx, deadline: c.now().Add(c.queryTimeout), timeout: c.queryTimeout, now: c.now}
}

func (b budget) check() error {
	if err := b.ctx.Err(); err != nil {
		return err
	}
	if !b.now().Before(b.deadline) {
		return errors.Wrapf(ErrTimeout, "exceeded %s", b.timeout)
	}
	return nil
}

// WithQueryTimeout sets the per-operation timeout. Defaults to
// DefaultQueryTimeout for local backends and DefaultRemoteTimeout for Redis.
// On the facade it bounds the synchronous write-back after a compute.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.queryTimeout = d
		}
	}
}

// WithPrefix sets the key prefix for the Redis backend. Defaults to DefaultPrefix.
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

// WithCooldown sets how long the Redis backend short-circuits after a
// failure. Zero disables the cool-down.
func WithCooldown(d time.Duration) Option {
	return func(c *config) { c.cooldown = d }
}

// WithClock replaces time.Now, used for entry creation and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithDefaultTTL sets the TTL used when FetchOrCompute is called with ttl <= 0.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.defaultTTL = d
		}
	}
}

// WithMaxTTL clamps every TTL the facade writes.
func WithMaxTTL(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.maxTTL = d
		}
	}
}

// WithRefreshTimeout bounds the detached remote refresh that follows a disk hit.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.refreshTimeout = d
		}
	}
}

// WithSingleFlight collapses concurrent misses for one key into a single
// compute. Enabled by default.
func WithSingleFlight(enabled bool) Option {
	return func(c *config) { c.singleFlight = enabled }
}

// WithEnabled(false) makes the facade call compute on every request without
// reading or writing any backend.
func WithEnabled(enabled bool) Option {
	return func(c *config) { c.enabled = enabled }
}

// WithRegisterer registers the facade's collectors with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) { c.registerer = reg }
}

// WithTracerProvider sets the provider used for facade spans. Defaults to
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) { c.tracerProvider = tp }
}
