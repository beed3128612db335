// Package cache implements a cache-aside layer with a remote primary store
// and a durable local fallback.
//
// # Backends
//
// Every store satisfies [Backend]. Reads return a tagged [Lookup] instead of
// an error: [StatusHit] carries the [Entry], [StatusMiss] means the key is
// absent or expired, and [StatusUnavailable] means the store could not be
// consulted (its Err wraps [ErrUnavailable]). Not found is never an error.
//
// Five implementations are provided:
//
//   - [NewDisk] writes one file per key under a two character shard
//     directory. Files hold a msgpack envelope with the key, creation time and
//     TTL, so expiry never depends on file times. Writes go to a temp file that
//     is fsynced and renamed over the destination, so readers see either the
//     old entry or the new one.
//
//   - [NewSQLite] keeps entries in one table using [modernc.org/sqlite]
//     (pure Go, no CGO) in WAL mode. Upserts are single statements.
//
//   - [NewBolt] keeps envelopes in a single [go.etcd.io/bbolt] bucket.
//
//   - [NewRedis] and [NewLazyRedis] store a hash per key using
//     [github.com/redis/go-redis/v9] with native expiry. An optional cool-down
//     ([WithCooldown]) skips the server for a bounded period after a failure
//     and then lets one trial PING through.
//
//   - [NewMemory] is an in-process store with the remote contract, used when
//     no Redis server is configured and in tests.
//
// Disk, SQLite and Bolt are the durable choices; Redis and Memory are the
// remote ones.
//
// # Facade
//
// [Facade.FetchOrCompute] is the entry point:
//
//	f := cache.NewFacade(cache.NewLazyRedis(url), disk)
//	value, source, err := f.FetchOrCompute(ctx, key, time.Hour,
//	    func(ctx context.Context) ([]byte, error) {
//	        return generate(ctx)
//	    },
//	)
//
// The remote is consulted first, then the disk. A disk hit is returned at once
// and copied to the remote on a background goroutine with the entry's
// remaining lifetime. On a full miss the compute function runs, its result is
// written to disk synchronously and to the remote best-effort, and it is
// returned. Backend failures are logged and never reach the caller; only
// compute errors do, unchanged.
//
// Concurrent misses for the same key share one compute unless
// [WithSingleFlight] is set to false. Every caller still waits on its own
// context.
//
// [Fetch] wraps the facade for msgpack encoded values of any type:
//
//	dest, source, err := cache.Fetch(ctx, f, key, 0,
//	    func(ctx context.Context) (Destination, error) { ... })
//
// # Timeouts
//
// Local backends bound every operation with [DefaultQueryTimeout]; Redis uses
// [DefaultRemoteTimeout]. Both can be changed with [WithQueryTimeout].
// A TTL <= 0 means [DefaultTTL] and every TTL is clamped to [DefaultMaxTTL]
// unless overridden with [WithDefaultTTL] and [WithMaxTTL].
package cache
