package cache

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/holidaygen/tripcache/logger"
	"github.com/holidaygen/tripcache/resilience"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const instrumentationName = "github.com/holidaygen/tripcache/cache"

// Source says where FetchOrCompute found its value.
type Source int

const (
	SourceCompute Source = iota
	SourceRemote
	SourceDisk
)

func (s Source) String() string {
	switch s {
	case SourceRemote:
		return "remote"
	case SourceDisk:
		return "disk"
	default:
		return "compute"
	}
}

// ComputeFunc produces a fresh value after a full miss.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Facade is the cache-aside entry point over an optional remote backend and
// a mandatory durable one. Backend failures are logged and absorbed; only
// compute errors reach the caller.
type Facade struct {
	remote    Backend
	disk      Backend
	cfg       config
	log       logger.Logger
	tracer    trace.Tracer
	metrics   *facadeMetrics
	group     singleflight.Group
	refreshes sync.WaitGroup
}

// NewFacade returns a Facade. remote may be nil for disk-only operation;
// disk is required.
func NewFacade(remote, disk Backend, opts ...Option) *Facade {
	if disk == nil {
		panic("cache: NewFacade requires a disk backend")
	}
	cfg := applyOptions(opts, DefaultQueryTimeout)
	tp := cfg.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Facade{
		remote:  remote,
		disk:    disk,
		cfg:     cfg,
		log:     cfg.log.WithPrefix("[cache]"),
		tracer:  tp.Tracer(instrumentationName),
		metrics: newFacadeMetrics(cfg.registerer),
	}
}

// Remote returns the remote backend, or nil.
func (f *Facade) Remote() Backend {
	return f.remote
}

// Disk returns the durable backend.
func (f *Facade) Disk() Backend {
	return f.disk
}

// Enabled reports whether caching is on.
func (f *Facade) Enabled() bool {
	return f.cfg.enabled
}

// NormalizeTTL maps ttl <= 0 to the default TTL and clamps it to the maximum.
func (f *Facade) NormalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = f.cfg.defaultTTL
	}
	return min(ttl, f.cfg.maxTTL)
}

// FetchOrCompute returns the cached value for key, checking the remote first
// and the disk second. On a full miss it calls compute, writes the result to
// disk synchronously and to the remote best-effort, and returns it.
// A disk hit refreshes the remote in the background with the entry's
// remaining lifetime.
func (f *Facade) FetchOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]byte, Source, error) {
	ctx, span := f.tracer.Start(ctx, "cache.FetchOrCompute", trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	start := time.Now()
	value, source, err := f.fetch(ctx, key, ttl, compute)
	span.SetAttributes(attribute.String("cache.source", source.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "compute failed")
		return nil, source, err
	}
	f.metrics.fetchSeconds.WithLabelValues(source.String()).Observe(time.Since(start).Seconds())
	return value, source, nil
}

func (f *Facade) fetch(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]byte, Source, error) {
	if !f.cfg.enabled {
		value, err := f.compute(ctx, compute)
		return value, SourceCompute, err
	}
	ttl = f.NormalizeTTL(ttl)

	if value, source, ok := f.lookup(ctx, key); ok {
		return value, source, nil
	}
	if !f.cfg.singleFlight {
		return f.computeAndStore(ctx, key, ttl, compute)
	}
	return f.shared(ctx, key, ttl, compute)
}

func (f *Facade) lookup(ctx context.Context, key string) ([]byte, Source, bool) {
	if f.remote != nil {
		if l := f.get(ctx, f.remote, key); l.Status == StatusHit {
			return l.Entry.Value, SourceRemote, true
		}
	}
	l := f.get(ctx, f.disk, key)
	if l.Status != StatusHit {
		return nil, SourceCompute, false
	}
	f.refreshRemote(ctx, key, l.Entry)
	return l.Entry.Value, SourceDisk, true
}

func (f *Facade) get(ctx context.Context, b Backend, key string) Lookup {
	l := b.Get(ctx, key)
	f.metrics.lookups.WithLabelValues(b.Name(), l.Status.String()).Inc()
	if l.Status == StatusUnavailable {
		if b == f.disk {
			f.log.Warn("%s unavailable for %s: %v", b.Name(), key, l.Err)
		} else {
			f.log.Debug("%s unavailable for %s: %v", b.Name(), key, l.Err)
		}
	}
	return l
}

// refreshRemote copies a disk hit to the remote on a goroutine that outlives
// the caller's cancellation but not its own timeout.
func (f *Facade) refreshRemote(ctx context.Context, key string, e Entry) {
	if f.remote == nil || e.Remaining(f.cfg.now()) <= 0 {
		return
	}
	f.refreshes.Add(1)
	go func() {
		defer f.refreshes.Done()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.refreshTimeout)
		defer cancel()
		err := f.remote.Set(rctx, key, e)
		f.metrics.write(f.remote.Name(), err)
		if err != nil {
			f.log.Debug("refresh of %s on %s failed: %v", key, f.remote.Name(), err)
		}
	}()
}

func (f *Facade) compute(ctx context.Context, compute ComputeFunc) ([]byte, error) {
	value, err := compute(ctx)
	if err != nil {
		f.metrics.computes.WithLabelValues("error").Inc()
		return nil, err
	}
	f.metrics.computes.WithLabelValues("ok").Inc()
	return value, nil
}

func (f *Facade) computeAndStore(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]byte, Source, error) {
	value, err := f.compute(ctx, compute)
	if err != nil {
		return nil, SourceCompute, err
	}
	f.store(ctx, key, NewEntry(value, f.cfg.now(), ttl))
	return value, SourceCompute, nil
}

// store writes disk first, then the remote. The writes survive the caller
// cancelling once the value has been computed.
func (f *Facade) store(ctx context.Context, key string, e Entry) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.queryTimeout)
	defer cancel()

	err := f.disk.Set(wctx, key, e)
	f.metrics.write(f.disk.Name(), err)
	if err != nil {
		f.log.Error("failed to persist %s to %s: %v", key, f.disk.Name(), err)
	}
	if f.remote == nil {
		return
	}
	err = f.remote.Set(wctx, key, e)
	f.metrics.write(f.remote.Name(), err)
	if err != nil {
		f.log.Debug("failed to write %s to %s: %v", key, f.remote.Name(), err)
	}
}

type flight struct {
	value  []byte
	source Source
}

// shared runs compute once per key across concurrent callers. Each caller
// waits on its own context. When the leader was cancelled, waiters that are
// still live compute for themselves.
func (f *Facade) shared(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]byte, Source, error) {
	ch := f.group.DoChan(key, func() (interface{}, error) {
		value, source, err := f.computeAndStore(ctx, key, ttl, compute)
		return flight{value, source}, err
	})
	select {
	case <-ctx.Done():
		return nil, SourceCompute, &resilience.ComputeFailed{Kind: resilience.FailureCancelled, Cause: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			if res.Shared && ctx.Err() == nil && isCancellation(res.Err) {
				f.log.Debug("shared compute for %s was cancelled, computing again", key)
				return f.computeAndStore(ctx, key, ttl, compute)
			}
			return nil, SourceCompute, res.Err
		}
		fl := res.Val.(flight)
		value := fl.value
		if res.Shared {
			value = bytes.Clone(value)
		}
		return value, fl.source, nil
	}
}

func isCancellation(err error) bool {
	if cf, ok := resilience.AsComputeFailed(err); ok {
		return cf.Kind == resilience.FailureCancelled
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Invalidate removes key from both backends.
func (f *Facade) Invalidate(ctx context.Context, key string) error {
	var errs error
	if f.remote != nil {
		if _, err := f.remote.Delete(ctx, key); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	if _, err := f.disk.Delete(ctx, key); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	return errs
}

// BackendHealth is the result of probing one backend.
type BackendHealth struct {
	Name      string
	Role      string
	Available bool
	Latency   time.Duration
	Err       error
}

// Health checks every configured backend.
func (f *Facade) Health(ctx context.Context) []BackendHealth {
	var out []BackendHealth
	if f.remote != nil {
		out = append(out, f.checkBackend(ctx, "remote", f.remote))
	}
	return append(out, f.checkBackend(ctx, "disk", f.disk))
}

func (f *Facade) checkBackend(ctx context.Context, role string, b Backend) BackendHealth {
	start := time.Now()
	var err error
	if p, ok := b.(Pinger); ok {
		err = p.Ping(ctx)
	} else if l := b.Get(ctx, "tripcache:health"); l.Status == StatusUnavailable {
		err = l.Err
	}
	return BackendHealth{
		Name:      b.Name(),
		Role:      role,
		Available: err == nil,
		Latency:   time.Since(start),
		Err:       err,
	}
}

// Wait blocks until background remote refreshes have finished.
func (f *Facade) Wait() {
	f.refreshes.Wait()
}

// Close waits for background work and closes both backends.
func (f *Facade) Close() error {
	f.Wait()
	var errs error
	if f.remote != nil {
		errs = errors.CombineErrors(errs, f.remote.Close())
	}
	return errors.CombineErrors(errs, f.disk.Close())
}

// Fetch is FetchOrCompute for msgpack encoded values of type T. A cached
// value that no longer decodes into T is invalidated and recomputed once.
func Fetch[T any](ctx context.Context, f *Facade, key string, ttl time.Duration, compute func(ctx context.Context) (T, error)) (T, Source, error) {
	var zero T
	var computed *T
	raw := func(ctx context.Context) ([]byte, error) {
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		data, err := msgpack.Marshal(v)
		if err != nil {
			return nil, resilience.Permanent(errors.Wrap(err, "cache: encode value"))
		}
		computed = &v
		return data, nil
	}

	for attempt := 0; ; attempt++ {
		data, source, err := f.FetchOrCompute(ctx, key, ttl, raw)
		if err != nil {
			return zero, source, err
		}
		if computed != nil && source == SourceCompute {
			return *computed, source, nil
		}
		var out T
		err = msgpack.Unmarshal(data, &out)
		if err == nil {
			return out, source, nil
		}
		if attempt > 0 {
			return zero, source, errors.Wrapf(err, "cache: decode value for %s", key)
		}
		f.log.Warn("discarding undecodable %s value for %s: %v", source, key, err)
		if err := f.Invalidate(ctx, key); err != nil {
			f.log.Debug("invalidate %s: %v", key, err)
		}
	}
}
