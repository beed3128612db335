package cache

import (
	"bytes"
	"context"

	"github.com/cockroachdb/errors"
	"github.com/holidaygen/tripcache/logger"
	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("entries")

// Bolt is a durable backend on a single bbolt file. Values use the same
// envelope as Disk.
type Bolt struct {
	db  *bolt.DB
	cfg config
	log logger.Logger
}

var (
	_ Backend = (*Bolt)(nil)
	_ Pruner  = (*Bolt)(nil)
	_ Stater  = (*Bolt)(nil)
)

// NewBolt opens (or creates) the bbolt database at path.
func NewBolt(path string, opts ...Option) (*Bolt, error) {
	cfg := applyOptions(opts, DefaultQueryTimeout)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: cfg.queryTimeout})
	if err != nil {
		return nil, errors.Wrapf(err, "cache: open %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "cache: create bucket")
	}
	return &Bolt{db: db, cfg: cfg, log: cfg.log.WithPrefix("[bolt]")}, nil
}

func (b *Bolt) Name() string {
	return "bolt"
}

func (b *Bolt) Get(ctx context.Context, key string) Lookup {
	bud := b.cfg.budget(ctx)
	if err := bud.check(); err != nil {
		return unavailable(err)
	}
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		// values are only valid for the life of the transaction
		data = bytes.Clone(tx.Bucket(bucketName).Get([]byte(key)))
		return nil
	})
	if err != nil {
		return unavailable(errors.Wrap(err, "cache: bolt get"))
	}
	if err := bud.check(); err != nil {
		return unavailable(err)
	}
	if data == nil {
		return miss()
	}
	storedKey, entry, err := decodeEnvelope(data)
	if err != nil || storedKey != key || entry.Expired(b.cfg.now()) {
		b.deleteIfUnchanged(key, data)
		return miss()
	}
	return hit(entry)
}

// deleteIfUnchanged removes key only if it still holds data.
func (b *Bolt) deleteIfUnchanged(key string, data []byte) {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		if bytes.Equal(bucket.Get([]byte(key)), data) {
			return bucket.Delete([]byte(key))
		}
		return nil
	})
	if err != nil {
		b.log.Debug("lazy delete of %s failed: %v", key, err)
	}
}

func (b *Bolt) Set(ctx context.Context, key string, e Entry) error {
	bud := b.cfg.budget(ctx)
	if err := bud.check(); err != nil {
		return err
	}
	data, err := encodeEnvelope(key, e)
	if err != nil {
		return err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		// waiting for the writer lock counts against the budget
		if err := bud.check(); err != nil {
			return err
		}
		return tx.Bucket(bucketName).Put([]byte(key), data)
	})
	if err != nil {
		return errors.Wrap(err, "cache: bolt set")
	}
	return nil
}

func (b *Bolt) Delete(ctx context.Context, key string) (bool, error) {
	bud := b.cfg.budget(ctx)
	if err := bud.check(); err != nil {
		return false, err
	}
	var existed bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		if err := bud.check(); err != nil {
			return err
		}
		bucket := tx.Bucket(bucketName)
		existed = bucket.Get([]byte(key)) != nil
		return bucket.Delete([]byte(key))
	})
	if err != nil {
		return false, errors.Wrap(err, "cache: bolt delete")
	}
	return existed, nil
}

func (b *Bolt) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketName); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketName)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "cache: bolt clear")
	}
	return nil
}

func (b *Bolt) Prune(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := b.cfg.now()
	var removed int
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		var stale [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			_, entry, err := decodeEnvelope(v)
			if err != nil || entry.Expired(now) {
				stale = append(stale, bytes.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "cache: bolt prune")
	}
	return removed, nil
}

func (b *Bolt) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	var s Stats
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(_, v []byte) error {
			s.Entries++
			s.Bytes += int64(len(v))
			return nil
		})
	})
	if err != nil {
		return Stats{}, errors.Wrap(err, "cache: bolt stats")
	}
	return s, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
