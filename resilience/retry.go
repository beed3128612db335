package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/holidaygen/tripcache/logger"
	"github.com/holidaygen/tripcache/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// RetryConfig defines configuration for retry logic
type RetryConfig struct {
	// MaxRetries is the number of attempts allowed after the first one
	MaxRetries int

	// InitialBackoff is the delay before the first retry
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential delay (before jitter)
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64

	// Jitter adds up to 50% of the delay at random to avoid thundering herd
	Jitter bool

	// AttemptTimeout bounds each attempt when > 0
	AttemptTimeout time.Duration

	// Classify decides whether an error is retried. Defaults to DefaultClassifier.
	Classify Classifier
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		Classify:          DefaultClassifier,
	}
}

// Validate reports the first inconsistent setting.
func (c RetryConfig) Validate() error {
	switch {
	case c.MaxRetries < 0:
		return errors.Newf("retry: max retries must be >= 0, got %d", c.MaxRetries)
	case c.InitialBackoff < 0:
		return errors.Newf("retry: initial backoff must be >= 0, got %s", c.InitialBackoff)
	case c.MaxBackoff < c.InitialBackoff:
		return errors.Newf("retry: max backoff %s is below initial backoff %s", c.MaxBackoff, c.InitialBackoff)
	case c.BackoffMultiplier < 1:
		return errors.Newf("retry: backoff multiplier must be >= 1, got %g", c.BackoffMultiplier)
	case c.AttemptTimeout < 0:
		return errors.Newf("retry: attempt timeout must be >= 0, got %s", c.AttemptTimeout)
	}
	return nil
}

// Attempt describes a failed attempt that is about to be retried.
type Attempt struct {
	// Number is the 1-based attempt that failed
	Number int
	// Delay is the wait before the next attempt
	Delay time.Duration
	// Err is what the attempt returned
	Err error
}

// Executor runs an operation under a RetryConfig.
type Executor struct {
	cfg      RetryConfig
	log      logger.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	random   func() float64
	onRetry  func(Attempt)
	reg      prometheus.Registerer
	attempts *prometheus.CounterVec
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the logger used for retry messages.
func WithLogger(log logger.Logger) ExecutorOption {
	return func(e *Executor) { e.log = log }
}

// WithSleeper replaces the context aware sleep between attempts. Tests use it
// to observe delays without waiting.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) { e.sleep = sleep }
}

// WithRandom replaces the jitter source, which must return values in [0, 1).
func WithRandom(random func() float64) ExecutorOption {
	return func(e *Executor) { e.random = random }
}

// WithRegisterer registers the attempt counter with reg.
func WithRegisterer(reg prometheus.Registerer) ExecutorOption {
	return func(e *Executor) { e.reg = reg }
}

// WithRetryHook is called before every backoff sleep.
func WithRetryHook(fn func(Attempt)) ExecutorOption {
	return func(e *Executor) { e.onRetry = fn }
}

// NewExecutor returns an Executor for cfg. A zero Classify uses DefaultClassifier.
func NewExecutor(cfg RetryConfig, opts ...ExecutorOption) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Classify == nil {
		cfg.Classify = DefaultClassifier
	}
	e := &Executor{
		cfg:    cfg,
		sleep:  sleepContext,
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = logger.OrDefault(e.log).WithPrefix("[retry]")
	e.attempts = metrics.Register(e.reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Name:      "compute_attempts_total",
		Help:      "Compute attempts made by the retrying executor, by outcome.",
	}, []string{"outcome"}))
	return e, nil
}

// Config returns the executor's configuration.
func (e *Executor) Config() RetryConfig {
	return e.cfg
}

// Execute runs op until it succeeds, fails permanently, exhausts its retries
// or ctx is done. Every failure is returned as a *ComputeFailed.
func (e *Executor) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	var last error
	for n := 0; n <= e.cfg.MaxRetries; n++ {
		if err := ctx.Err(); err != nil {
			return e.cancelled(n, err, last)
		}

		err := e.attempt(ctx, op)
		if err == nil {
			e.attempts.WithLabelValues("success").Inc()
			return nil
		}
		last = err

		if cerr := ctx.Err(); cerr != nil {
			return e.cancelled(n+1, cerr, last)
		}

		if e.cfg.Classify(err) == ClassPermanent {
			e.attempts.WithLabelValues("permanent").Inc()
			e.log.Debug("attempt %d failed permanently: %v", n+1, err)
			return &ComputeFailed{Kind: FailureInvalid, Attempts: n + 1, Cause: err}
		}
		e.attempts.WithLabelValues("transient").Inc()

		if n == e.cfg.MaxRetries {
			break
		}

		delay := e.backoff(n, err)
		e.log.Warn("attempt %d/%d failed, retrying in %s: %v", n+1, e.cfg.MaxRetries+1, delay.Round(time.Millisecond), err)
		if e.onRetry != nil {
			e.onRetry(Attempt{Number: n + 1, Delay: delay, Err: err})
		}
		if err := e.sleep(ctx, delay); err != nil {
			return e.cancelled(n+1, err, last)
		}
	}

	e.log.Error("max retries exceeded (%d): %v", e.cfg.MaxRetries, last)
	return &ComputeFailed{Kind: FailureUnavailable, Attempts: e.cfg.MaxRetries + 1, Cause: last}
}

func (e *Executor) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if e.cfg.AttemptTimeout <= 0 {
		return op(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()
	return op(actx)
}

func (e *Executor) cancelled(attempts int, cause, last error) error {
	e.attempts.WithLabelValues("cancelled").Inc()
	if last != nil {
		cause = errors.WithSecondaryError(cause, last)
	}
	return &ComputeFailed{Kind: FailureCancelled, Attempts: attempts, Cause: cause}
}

// backoff returns the delay before retry n (0-based).
func (e *Executor) backoff(n int, err error) time.Duration {
	delay := float64(e.cfg.InitialBackoff) * math.Pow(e.cfg.BackoffMultiplier, float64(n))
	if delay > float64(e.cfg.MaxBackoff) {
		delay = float64(e.cfg.MaxBackoff)
	}
	if e.cfg.Jitter {
		delay += e.random() * 0.5 * delay
	}

	var ra retryAfterer
	if errors.As(err, &ra) {
		floor := min(ra.RetryAfter(), e.cfg.MaxBackoff)
		if float64(floor) > delay {
			delay = float64(floor)
		}
	}
	return time.Duration(delay)
}

// Do runs op through ex and returns its value.
func Do[T any](ctx context.Context, ex *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := ex.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
