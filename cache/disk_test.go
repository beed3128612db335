package cache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDisk(t *testing.T, clock *testClock) *Disk {
	t.Helper()
	d, err := NewDisk(t.TempDir(), testOptions(clock)...)
	require.NoError(t, err)
	return d
}

func TestDiskLayout(t *testing.T) {
	clock := newTestClock()
	d := newTestDisk(t, clock)
	require.NoError(t, d.Set(context.Background(), "trip:v1:abc", NewEntry([]byte("v"), clock.Now(), time.Minute)))

	shard, file := d.path("trip:v1:abc")
	assert.Equal(t, d.Dir(), filepath.Dir(shard))
	assert.Len(t, filepath.Base(shard), 2)
	assert.True(t, strings.HasPrefix(filepath.Base(file), filepath.Base(shard)))
	assert.True(t, strings.HasSuffix(file, ".entry"))
	_, err := os.Stat(file)
	assert.NoError(t, err)

	// no temp files left behind
	children, err := os.ReadDir(shard)
	require.NoError(t, err)
	assert.Len(t, children, 1)
}

func TestDiskSurvivesReopen(t *testing.T) {
	clock := newTestClock()
	dir := t.TempDir()
	d, err := NewDisk(dir, testOptions(clock)...)
	require.NoError(t, err)
	require.NoError(t, d.Set(context.Background(), "key", NewEntry([]byte("durable"), clock.Now(), time.Hour)))
	require.NoError(t, d.Close())

	reopened, err := NewDisk(dir, testOptions(clock)...)
	require.NoError(t, err)
	l := reopened.Get(context.Background(), "key")
	require.Equal(t, StatusHit, l.Status)
	assert.Equal(t, []byte("durable"), l.Entry.Value)
}

func TestDiskCorruptEntryIsMiss(t *testing.T) {
	clock := newTestClock()
	d := newTestDisk(t, clock)
	shard, file := d.path("key")
	require.NoError(t, os.MkdirAll(shard, 0o755))
	require.NoError(t, os.WriteFile(file, []byte("not msgpack at all"), 0o644))

	assert.Equal(t, StatusMiss, d.Get(context.Background(), "key").Status)
	_, err := os.Stat(file)
	assert.True(t, os.IsNotExist(err), "corrupt file is removed")
}

func TestDiskForeignKeyIsMiss(t *testing.T) {
	clock := newTestClock()
	d := newTestDisk(t, clock)
	data, err := encodeEnvelope("some-other-key", NewEntry([]byte("v"), clock.Now(), time.Hour))
	require.NoError(t, err)
	shard, file := d.path("key")
	require.NoError(t, os.MkdirAll(shard, 0o755))
	require.NoError(t, os.WriteFile(file, data, 0o644))

	assert.Equal(t, StatusMiss, d.Get(context.Background(), "key").Status)
	_, err = os.Stat(file)
	assert.True(t, os.IsNotExist(err))
}

func TestDiskIgnoresFileTimes(t *testing.T) {
	clock := newTestClock()
	d := newTestDisk(t, clock)
	ctx := context.Background()
	require.NoError(t, d.Set(ctx, "old", NewEntry([]byte("v"), clock.Now(), time.Minute)))
	require.NoError(t, d.Set(ctx, "fresh", NewEntry([]byte("v"), clock.Now(), time.Hour)))

	// a copied directory carries fresh mtimes, an old backup stale ones
	_, oldFile := d.path("old")
	_, freshFile := d.path("fresh")
	future := time.Now().Add(24 * time.Hour)
	past := time.Now().Add(-24 * time.Hour)
	require.NoError(t, os.Chtimes(oldFile, future, future))
	require.NoError(t, os.Chtimes(freshFile, past, past))

	clock.Advance(10 * time.Minute)
	assert.Equal(t, StatusMiss, d.Get(ctx, "old").Status)
	assert.Equal(t, StatusHit, d.Get(ctx, "fresh").Status)
}

func TestDiskUnwritableShard(t *testing.T) {
	clock := newTestClock()
	d := newTestDisk(t, clock)
	shard, _ := d.path("key")
	// a regular file where the shard directory should be
	require.NoError(t, os.WriteFile(shard, []byte("x"), 0o644))

	err := d.Set(context.Background(), "key", NewEntry([]byte("v"), clock.Now(), time.Minute))
	assert.Error(t, err)

	l := d.Get(context.Background(), "key")
	assert.Equal(t, StatusUnavailable, l.Status)
	assert.True(t, errors.Is(l.Err, ErrUnavailable))
}

func TestDiskPruneStaleTempFiles(t *testing.T) {
	clock := newTestClock()
	d := newTestDisk(t, clock)
	shard, _ := d.path("key")
	require.NoError(t, os.MkdirAll(shard, 0o755))
	stale := filepath.Join(shard, ".tmp-123")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o644))
	old := clock.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	recent := filepath.Join(shard, ".tmp-456")
	require.NoError(t, os.WriteFile(recent, []byte("in flight"), 0o644))
	now := clock.Now()
	require.NoError(t, os.Chtimes(recent, now, now))

	removed, err := d.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = os.Stat(recent)
	assert.NoError(t, err)
}

func TestDiskClearKeepsRoot(t *testing.T) {
	clock := newTestClock()
	d := newTestDisk(t, clock)
	require.NoError(t, d.Set(context.Background(), "key", NewEntry([]byte("v"), clock.Now(), time.Minute)))
	require.NoError(t, d.Clear(context.Background()))
	require.NoError(t, d.Ping(context.Background()))
	children, err := os.ReadDir(d.Dir())
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestDiskAtomicWriteUnderConcurrentReaders(t *testing.T) {
	clock := newTestClock()
	d := newTestDisk(t, clock)
	ctx := context.Background()

	values := [][]byte{bytes.Repeat([]byte("a"), 64<<10), bytes.Repeat([]byte("b"), 64<<10)}
	require.NoError(t, d.Set(ctx, "key", NewEntry(values[0], clock.Now(), time.Hour)))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan string, 100)

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if err := d.Set(ctx, "key", NewEntry(values[(w+i)%2], clock.Now(), time.Hour)); err != nil {
					errs <- err.Error()
					return
				}
			}
		}(w)
	}

	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				l := d.Get(ctx, "key")
				if l.Status != StatusHit {
					errs <- "reader saw " + l.Status.String()
					return
				}
				if !bytes.Equal(l.Entry.Value, values[0]) && !bytes.Equal(l.Entry.Value, values[1]) {
					errs <- "reader saw a torn value"
					return
				}
			}
		}()
	}

	wg.Wait()
	close(stop)
	readers.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}

func TestLocalBackendsHonourQueryTimeout(t *testing.T) {
	factories := map[string]func(t *testing.T, clock *testClock) Backend{
		"disk": func(t *testing.T, clock *testClock) Backend {
			d, err := NewDisk(t.TempDir(), testOptions(clock, WithQueryTimeout(time.Second))...)
			require.NoError(t, err)
			return d
		},
		"bolt": func(t *testing.T, clock *testClock) Backend {
			b, err := NewBolt(filepath.Join(t.TempDir(), "cache.bolt"), testOptions(clock, WithQueryTimeout(time.Second))...)
			require.NoError(t, err)
			return b
		},
	}
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newTestClock()
			b := factory(t, clock)
			defer b.Close()
			require.NoError(t, b.Set(ctx, "key", NewEntry([]byte("v"), clock.Now(), time.Hour)))

			// every clock read now jumps past the one second budget
			clock.Tick(2 * time.Second)

			l := b.Get(ctx, "key")
			assert.Equal(t, StatusUnavailable, l.Status)
			assert.True(t, errors.Is(l.Err, ErrTimeout))
			assert.True(t, errors.Is(l.Err, ErrUnavailable))

			err := b.Set(ctx, "other", NewEntry([]byte("v"), clock.Now(), time.Hour))
			assert.True(t, errors.Is(err, ErrTimeout))

			_, err = b.Delete(ctx, "key")
			assert.True(t, errors.Is(err, ErrTimeout))

			clock.Tick(0)
			assert.Equal(t, StatusMiss, b.Get(ctx, "other").Status, "timed out write is not published")
			assert.Equal(t, StatusHit, b.Get(ctx, "key").Status)
		})
	}
}
