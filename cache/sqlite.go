package cache

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/holidaygen/tripcache/logger"
	_ "modernc.org/sqlite"
)

// SQLite is a durable backend storing entries in a single SQLite table.
// Writes are single statements, so each Set is atomic.
type SQLite struct {
	db   *sql.DB
	cfg  config
	log  logger.Logger
	once sync.Once
}

var (
	_ Backend = (*SQLite)(nil)
	_ Pruner  = (*SQLite)(nil)
	_ Stater  = (*SQLite)(nil)
	_ Pinger  = (*SQLite)(nil)
)

// NewSQLite opens (or creates) the database at dbPath.
// If dbPath is empty or ":memory:", an in-memory database is used.
func NewSQLite(dbPath string, opts ...Option) (*SQLite, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrapf(err, "cache: open %s", dbPath)
	}
	// every connection to ":memory:" is its own database
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`CREATE TABLE IF NOT EXISTS cache (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			ttl_ns INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_expires_at ON cache(expires_at)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "cache: init %s", dbPath)
		}
	}

	cfg := applyOptions(opts, DefaultQueryTimeout)
	return &SQLite{db: db, cfg: cfg, log: cfg.log.WithPrefix("[sqlite]")}, nil
}

func (c *SQLite) Name() string {
	return "sqlite"
}

func (c *SQLite) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

func (c *SQLite) Get(ctx context.Context, key string) Lookup {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()

	var (
		data      []byte
		createdAt int64
		ttl       int64
		expiresAt int64
	)
	err := c.db.QueryRowContext(qctx,
		`SELECT value, created_at, ttl_ns, expires_at FROM cache WHERE key = ?`, key,
	).Scan(&data, &createdAt, &ttl, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return miss()
	}
	if err != nil {
		return unavailable(errors.Wrap(err, "cache: sqlite get"))
	}

	entry := Entry{Value: data, CreatedAt: time.Unix(0, createdAt), TTL: time.Duration(ttl)}
	if entry.Expired(c.cfg.now()) {
		// only delete the row we looked at, a concurrent Set may have replaced it
		if _, err := c.db.ExecContext(qctx, `DELETE FROM cache WHERE key = ? AND expires_at = ?`, key, expiresAt); err != nil {
			c.log.Debug("lazy delete of %s failed: %v", key, err)
		}
		return miss()
	}
	return hit(entry)
}

func (c *SQLite) Set(ctx context.Context, key string, e Entry) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	_, err := c.db.ExecContext(qctx,
		`INSERT INTO cache (key, value, created_at, ttl_ns, expires_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, created_at = excluded.created_at,
			ttl_ns = excluded.ttl_ns, expires_at = excluded.expires_at`,
		key, e.Value, e.CreatedAt.UnixNano(), int64(e.TTL), e.ExpiresAt().UnixNano(),
	)
	if err != nil {
		return errors.Wrap(err, "cache: sqlite set")
	}
	return nil
}

func (c *SQLite) Delete(ctx context.Context, key string) (bool, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	result, err := c.db.ExecContext(qctx, `DELETE FROM cache WHERE key = ?`, key)
	if err != nil {
		return false, errors.Wrap(err, "cache: sqlite delete")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (c *SQLite) Clear(ctx context.Context) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if _, err := c.db.ExecContext(qctx, `DELETE FROM cache`); err != nil {
		return errors.Wrap(err, "cache: sqlite clear")
	}
	return nil
}

func (c *SQLite) Prune(ctx context.Context) (int, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	result, err := c.db.ExecContext(qctx, `DELETE FROM cache WHERE expires_at <= ?`, c.cfg.now().UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, "cache: sqlite prune")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

func (c *SQLite) Stats(ctx context.Context) (Stats, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	var s Stats
	err := c.db.QueryRowContext(qctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(value)), 0) FROM cache`,
	).Scan(&s.Entries, &s.Bytes)
	if err != nil {
		return Stats{}, errors.Wrap(err, "cache: sqlite stats")
	}
	return s, nil
}

func (c *SQLite) Ping(ctx context.Context) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	return c.db.PingContext(qctx)
}

func (c *SQLite) Close() error {
	var err error
	c.once.Do(func() {
		err = c.db.Close()
	})
	return err
}
