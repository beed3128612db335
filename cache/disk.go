package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/holidaygen/tripcache/logger"
)

const (
	entrySuffix   = ".entry"
	tempPattern   = ".tmp-*"
	staleTempTime = time.Hour
)

// Disk is the durable file-per-key backend. Entries live at
// <dir>/<first two hex chars>/<sha256(key)>.entry and are replaced with a
// temp file plus rename, so readers never observe a partial write.
type Disk struct {
	dir    string
	cfg    config
	log    logger.Logger
	closed atomic.Bool
}

var (
	_ Backend = (*Disk)(nil)
	_ Pruner  = (*Disk)(nil)
	_ Stater  = (*Disk)(nil)
	_ Pinger  = (*Disk)(nil)
)

// NewDisk returns a Disk rooted at dir, creating it if needed.
func NewDisk(dir string, opts ...Option) (*Disk, error) {
	if dir == "" {
		return nil, errors.New("cache: disk directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "cache: create %s", dir)
	}
	cfg := applyOptions(opts, DefaultQueryTimeout)
	return &Disk{
		dir: dir,
		cfg: cfg,
		log: cfg.log.WithPrefix("[disk]"),
	}, nil
}

func (d *Disk) Name() string {
	return "disk"
}

// Dir returns the root directory.
func (d *Disk) Dir() string {
	return d.dir
}

func (d *Disk) path(key string) (string, string) {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	shard := filepath.Join(d.dir, name[:2])
	return shard, filepath.Join(shard, name+entrySuffix)
}

func (d *Disk) check(ctx context.Context) error {
	if d.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

// begin checks the backend is open and starts the operation's budget.
func (d *Disk) begin(ctx context.Context) (budget, error) {
	if d.closed.Load() {
		return budget{}, ErrClosed
	}
	b := d.cfg.budget(ctx)
	return b, b.check()
}

func (d *Disk) Get(ctx context.Context, key string) Lookup {
	b, err := d.begin(ctx)
	if err != nil {
		return unavailable(err)
	}
	_, file := d.path(key)
	data, err := os.ReadFile(file)
	if errors.Is(err, fs.ErrNotExist) {
		return miss()
	}
	if err != nil {
		return unavailable(errors.Wrapf(err, "cache: read %s", file))
	}
	if err := b.check(); err != nil {
		return unavailable(err)
	}
	storedKey, entry, err := decodeEnvelope(data)
	if err != nil {
		d.log.Warn("removing unreadable entry %s: %v", file, err)
		d.remove(file)
		return miss()
	}
	if storedKey != key {
		d.log.Warn("removing entry %s stored for a different key", file)
		d.remove(file)
		return miss()
	}
	if entry.Expired(d.cfg.now()) {
		d.remove(file)
		return miss()
	}
	return hit(entry)
}

func (d *Disk) remove(file string) {
	if err := os.Remove(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
		d.log.Debug("failed to remove %s: %v", file, err)
	}
}

func (d *Disk) Set(ctx context.Context, key string, e Entry) error {
	b, err := d.begin(ctx)
	if err != nil {
		return err
	}
	data, err := encodeEnvelope(key, e)
	if err != nil {
		return err
	}
	shard, file := d.path(key)
	if err := os.MkdirAll(shard, 0o755); err != nil {
		return errors.Wrapf(err, "cache: create shard %s", shard)
	}
	if err := b.check(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(shard, tempPattern)
	if err != nil {
		return errors.Wrap(err, "cache: create temp file")
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		return errors.Wrapf(err, "cache: write %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrapf(err, "cache: sync %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "cache: close %s", tmpName)
	}
	// a write that ran out of time is dropped rather than published late
	if err := b.check(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, file); err != nil {
		return errors.Wrapf(err, "cache: rename into %s", file)
	}
	committed = true
	return nil
}

func (d *Disk) Delete(ctx context.Context, key string) (bool, error) {
	if _, err := d.begin(ctx); err != nil {
		return false, err
	}
	_, file := d.path(key)
	err := os.Remove(file)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "cache: remove %s", file)
	}
	return true, nil
}

// Clear removes everything under the root directory but keeps the directory.
func (d *Disk) Clear(ctx context.Context) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	children, err := os.ReadDir(d.dir)
	if err != nil {
		return errors.Wrapf(err, "cache: list %s", d.dir)
	}
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.RemoveAll(filepath.Join(d.dir, child.Name())); err != nil {
			return errors.Wrapf(err, "cache: remove %s", child.Name())
		}
	}
	return nil
}

// walk visits every entry and temp file under the root.
func (d *Disk) walk(ctx context.Context, fn func(path string, info fs.FileInfo) error) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	return filepath.WalkDir(d.dir, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if de.IsDir() {
			return ctx.Err()
		}
		info, err := de.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		return fn(path, info)
	})
}

// Prune removes expired and unreadable entries plus temp files abandoned by
// crashed writers.
func (d *Disk) Prune(ctx context.Context) (int, error) {
	now := d.cfg.now()
	var removed int
	err := d.walk(ctx, func(path string, info fs.FileInfo) error {
		name := info.Name()
		switch {
		case strings.HasPrefix(name, ".tmp-"):
			if now.Sub(info.ModTime()) > staleTempTime {
				d.remove(path)
				removed++
			}
		case strings.HasSuffix(name, entrySuffix):
			data, err := os.ReadFile(path)
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			if err != nil {
				return err
			}
			_, entry, err := decodeEnvelope(data)
			if err != nil || entry.Expired(now) {
				d.remove(path)
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, errors.Wrap(err, "cache: prune")
	}
	if removed > 0 {
		d.log.Debug("pruned %d entries", removed)
	}
	return removed, nil
}

// Stats counts entry files and their sizes, expired ones included.
func (d *Disk) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := d.walk(ctx, func(path string, info fs.FileInfo) error {
		if strings.HasSuffix(info.Name(), entrySuffix) {
			s.Entries++
			s.Bytes += info.Size()
		}
		return nil
	})
	if err != nil {
		return Stats{}, errors.Wrap(err, "cache: stats")
	}
	return s, nil
}

// Ping checks that the root directory is still present.
func (d *Disk) Ping(ctx context.Context) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	info, err := os.Stat(d.dir)
	if err != nil {
		return errors.Wrap(err, "cache: stat root")
	}
	if !info.IsDir() {
		return errors.Newf("cache: %s is not a directory", d.dir)
	}
	return nil
}

func (d *Disk) Close() error {
	d.closed.Store(true)
	return nil
}
