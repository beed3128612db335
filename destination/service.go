package destination

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/holidaygen/tripcache/cache"
	"github.com/holidaygen/tripcache/fingerprint"
	"github.com/holidaygen/tripcache/logger"
	"github.com/holidaygen/tripcache/resilience"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/holidaygen/tripcache/destination"

// KeyNamespace prefixes every destination cache key.
const KeyNamespace = "destinations"

// ErrNoDestinations is returned, marked transient, when a reply parses to an
// empty list. Another attempt usually does better.
var ErrNoDestinations = errors.New("model returned no usable destinations")

// Generator produces raw model replies. Implementations return
// *resilience.HTTPStatusError for HTTP failures so they can be classified.
type Generator interface {
	GenerateDestinations(ctx context.Context, theme string, count int) (string, error)
	GenerateActivities(ctx context.Context, destination string, theme string) (string, error)
	// Model is the model identifier; it is part of every cache key.
	Model() string
	// Temperature is the sampling temperature; it is part of every cache key.
	Temperature() float64
}

// Service generates themed destinations through the cache.
type Service struct {
	gen         Generator
	facade      *cache.Facade
	exec        *resilience.Executor
	log         logger.Logger
	validate    *validator.Validate
	tracer      trace.Tracer
	ttl         time.Duration
	concurrency int
	now         func() time.Time
	baseModel   string
	fineTuned   bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithTTL sets the lifetime of cached batches. Zero uses the facade default.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// WithActivityConcurrency bounds parallel activity requests. Defaults to 4.
func WithActivityConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTracerProvider sets the provider spans are created from.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracer = tp.Tracer(instrumentationName) }
}

// WithModelInfo is reported by Health.
func WithModelInfo(baseModel string, fineTuned bool) Option {
	return func(s *Service) {
		s.baseModel = baseModel
		s.fineTuned = fineTuned
	}
}

// NewService returns a Service.
func NewService(gen Generator, facade *cache.Facade, exec *resilience.Executor, opts ...Option) *Service {
	s := &Service{
		gen:         gen,
		facade:      facade,
		exec:        exec,
		validate:    newValidator(),
		tracer:      otel.GetTracerProvider().Tracer(instrumentationName),
		concurrency: 4,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.OrDefault(s.log).WithPrefix("[destination]")
	return s
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("theme", func(fl validator.FieldLevel) bool {
		return Theme(fl.Field().String()).Valid()
	})
	return v
}

// Key is the cache key of req when answered by model at temperature.
func Key(req GenerationRequest, model string, temperature float64) string {
	return fingerprint.New(KeyNamespace).
		Str("theme", string(req.Theme)).
		Int("count", req.Count).
		Bool("activities", req.IncludeActivities).
		Str("model", model).
		Float("temperature", temperature).
		Strings("preferences", req.UserPreferences).
		Key()
}

// Validate checks req against the request bounds.
func (s *Service) Validate(req GenerationRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return errors.Wrap(err, "invalid generation request")
	}
	return nil
}

// Generate returns destinations for req, from the cache when possible. Every
// error is a *resilience.ComputeFailed.
func (s *Service) Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error) {
	ctx, span := s.tracer.Start(ctx, "destination.Generate", trace.WithAttributes(
		attribute.String("destination.theme", string(req.Theme)),
		attribute.Int("destination.count", req.Count),
		attribute.Bool("destination.activities", req.IncludeActivities),
	))
	defer span.End()

	if err := s.Validate(req); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		return nil, &resilience.ComputeFailed{Kind: resilience.FailureInvalid, Cause: resilience.Permanent(err)}
	}

	model := s.gen.Model()
	key := Key(req, model, s.gen.Temperature())
	log := s.log.With(map[string]interface{}{"theme": string(req.Theme), "count": req.Count})
	log.Info("generating destinations with %s", model)

	start := s.now()
	b, source, err := cache.Fetch(ctx, s.facade, key, s.ttl, func(ctx context.Context) (batch, error) {
		return s.compute(ctx, req)
	})
	if err != nil {
		if _, ok := resilience.AsComputeFailed(err); !ok {
			err = &resilience.ComputeFailed{Kind: resilience.FailureUnavailable, Cause: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		log.Error("destination generation failed: %v", err)
		return nil, err
	}
	elapsed := s.now().Sub(start)
	span.SetAttributes(attribute.String("cache.source", source.String()))
	log.Info("returned %d destinations from %s in %s", len(b.Destinations), source, elapsed.Round(time.Millisecond))

	return &GenerationResponse{
		RequestID:      uuid.New(),
		Destinations:   b.Destinations,
		Theme:          req.Theme,
		GeneratedAt:    b.GeneratedAt,
		GenerationTime: elapsed,
		Source:         source.String(),
		Model:          b.Model,
	}, nil
}

// compute asks the model for a batch. The destination request is retried by
// the executor; each activity request is retried on its own and degrades to
// an empty list when it finally fails.
func (s *Service) compute(ctx context.Context, req GenerationRequest) (batch, error) {
	dests, err := resilience.Do(ctx, s.exec, func(ctx context.Context) ([]Destination, error) {
		text, err := s.gen.GenerateDestinations(ctx, string(req.Theme), req.Count)
		if err != nil {
			return nil, err
		}
		parsed, fallback := ParseDestinations(text)
		if fallback {
			s.log.Warn("destination reply was not JSON, using line fallback")
		}
		dests := s.accept(parsed, req.Theme)
		if len(dests) == 0 {
			return nil, resilience.Transient(ErrNoDestinations)
		}
		return dests, nil
	})
	if err != nil {
		return batch{}, err
	}

	if req.IncludeActivities {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.concurrency)
		for i := range dests {
			g.Go(func() error {
				dests[i].Activities = s.activities(gctx, dests[i], req.Theme)
				return nil
			})
		}
		_ = g.Wait()
		// a cancelled caller must not leave a batch with missing activities behind
		if err := ctx.Err(); err != nil {
			return batch{}, &resilience.ComputeFailed{Kind: resilience.FailureCancelled, Cause: err}
		}
	}

	return batch{Destinations: dests, Model: s.gen.Model(), GeneratedAt: s.now().UTC()}, nil
}

// accept stamps parsed destinations and drops those that fail validation.
func (s *Service) accept(parsed []Destination, theme Theme) []Destination {
	out := make([]Destination, 0, len(parsed))
	for _, d := range parsed {
		d.ID = uuid.New()
		d.Theme = theme
		d.CreatedAt = s.now().UTC()
		if err := s.validate.Struct(d); err != nil {
			s.log.Warn("skipping destination %q: %v", d.FullName(), err)
			continue
		}
		out = append(out, d)
	}
	return out
}

func (s *Service) activities(ctx context.Context, d Destination, theme Theme) []Activity {
	name := d.FullName()
	acts, err := resilience.Do(ctx, s.exec, func(ctx context.Context) ([]Activity, error) {
		text, err := s.gen.GenerateActivities(ctx, name, string(theme))
		if err != nil {
			return nil, err
		}
		parsed, fallback := ParseActivities(text)
		if fallback {
			s.log.Warn("activity reply for %s was not JSON, using line fallback", name)
		}
		return parsed, nil
	})
	if err != nil {
		s.log.Error("failed to generate activities for %s: %v", name, err)
		return []Activity{}
	}
	out := make([]Activity, 0, len(acts))
	for _, a := range acts {
		a.ID = uuid.New()
		a.CreatedAt = s.now().UTC()
		if err := s.validate.Struct(a); err != nil {
			s.log.Warn("skipping activity %q for %s: %v", a.Name, name, err)
			continue
		}
		out = append(out, a)
	}
	return out
}

// Health runs a one destination request straight against the model,
// bypassing the cache, and checks the cache backends.
func (s *Service) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		Model:      s.gen.Model(),
		BaseModel:  s.baseModel,
		FineTuned:  s.fineTuned,
		Connection: "ok",
		Status:     StatusHealthy,
	}

	start := s.now()
	_, err := s.compute(ctx, GenerationRequest{Theme: ThemeEntertainment, Count: 1})
	report.ResponseTime = s.now().Sub(start)
	if err != nil {
		report.Status = StatusUnhealthy
		report.Connection = "failed"
		report.Error = err.Error()
		if cf, ok := resilience.AsComputeFailed(err); ok {
			report.Error = cf.UserMessage()
		}
	}

	for _, h := range s.facade.Health(ctx) {
		st := BackendStatus{Name: h.Name, Role: h.Role, Available: h.Available, Latency: h.Latency}
		if h.Err != nil {
			st.Error = h.Err.Error()
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
		report.Backends = append(report.Backends, st)
	}
	return report
}
