package destination

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/holidaygen/tripcache/cache"
	"github.com/holidaygen/tripcache/logger"
	"github.com/holidaygen/tripcache/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const destinationsReply = `{"destinations": [
  {"place": "Kyoto", "country": "Japan", "rating": 4.8, "coordinates": {"lat": 35.0, "lng": 135.7}},
  {"place": "Petra", "country": "Jordan", "rating": 4.6}
]}`

const activitiesReply = `{"activities": [
  {"name": "Temple walk", "activity_type": "Cultural", "duration_hours": 2, "difficulty_level": 1}
]}`

type fakeGenerator struct {
	mu           sync.Mutex
	destinations func(n int32) (string, error)
	activities   func(dest string) (string, error)
	destCalls    atomic.Int32
	actCalls     atomic.Int32
	seen         []string
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{
		destinations: func(int32) (string, error) { return destinationsReply, nil },
		activities:   func(string) (string, error) { return activitiesReply, nil },
	}
}

func (g *fakeGenerator) GenerateDestinations(ctx context.Context, theme string, count int) (string, error) {
	n := g.destCalls.Add(1)
	return g.destinations(n)
}

func (g *fakeGenerator) GenerateActivities(ctx context.Context, dest string, theme string) (string, error) {
	g.actCalls.Add(1)
	g.mu.Lock()
	g.seen = append(g.seen, dest)
	g.mu.Unlock()
	return g.activities(dest)
}

func (g *fakeGenerator) Model() string {
	return "gpt-test"
}

func (g *fakeGenerator) Temperature() float64 {
	return 0.6
}

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func newTestService(t *testing.T, gen Generator, opts ...Option) (*Service, *cache.Facade) {
	t.Helper()
	log := logger.NewTestLogger()
	disk, err := cache.NewDisk(t.TempDir(), cache.WithLogger(log))
	require.NoError(t, err)
	facade := cache.NewFacade(cache.NewMemory(), disk, cache.WithLogger(log))
	t.Cleanup(func() { facade.Close() })

	exec, err := resilience.NewExecutor(resilience.RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        10 * time.Millisecond,
		BackoffMultiplier: 2,
	}, resilience.WithSleeper(noSleep), resilience.WithLogger(log))
	require.NoError(t, err)

	return NewService(gen, facade, exec, append([]Option{WithLogger(log)}, opts...)...), facade
}

func TestGenerateCachesBatch(t *testing.T) {
	gen := newFakeGenerator()
	svc, facade := newTestService(t, gen)
	ctx := context.Background()
	req := NewGenerationRequest(ThemeHistoricalPlace)

	first, err := svc.Generate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "compute", first.Source)
	assert.Equal(t, "gpt-test", first.Model)
	assert.Equal(t, ThemeHistoricalPlace, first.Theme)
	require.Len(t, first.Destinations, 2)
	for _, d := range first.Destinations {
		assert.Equal(t, ThemeHistoricalPlace, d.Theme)
		assert.NotEqual(t, [16]byte{}, [16]byte(d.ID))
		require.Len(t, d.Activities, 1)
		assert.Equal(t, ActivityCultural, d.Activities[0].Type)
	}
	facade.Wait()

	second, err := svc.Generate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "remote", second.Source)
	assert.NotEqual(t, first.RequestID, second.RequestID)
	assert.Equal(t, first.Destinations[0].ID, second.Destinations[0].ID)
	assert.Equal(t, first.Destinations[1].FullName(), second.Destinations[1].FullName())

	assert.EqualValues(t, 1, gen.destCalls.Load())
	assert.EqualValues(t, 2, gen.actCalls.Load())
}

func TestGenerateWithoutActivities(t *testing.T) {
	gen := newFakeGenerator()
	svc, _ := newTestService(t, gen)

	req := NewGenerationRequest(ThemeSports)
	req.IncludeActivities = false
	resp, err := svc.Generate(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Destinations, 2)
	assert.Empty(t, resp.Destinations[0].Activities)
	assert.Zero(t, gen.actCalls.Load())
}

func TestGenerateRejectsInvalidRequest(t *testing.T) {
	gen := newFakeGenerator()
	svc, _ := newTestService(t, gen)

	for name, req := range map[string]GenerationRequest{
		"zero count":    {Theme: ThemeSports, Count: 0},
		"count too big": {Theme: ThemeSports, Count: MaxCount + 1},
		"no theme":      {Count: 3},
		"bad theme":     {Theme: "Shopping", Count: 3},
	} {
		_, err := svc.Generate(context.Background(), req)
		cf, ok := resilience.AsComputeFailed(err)
		require.True(t, ok, name)
		assert.Equal(t, resilience.FailureInvalid, cf.Kind, name)
		assert.Contains(t, cf.UserMessage(), "invalid", name)
	}
	assert.Zero(t, gen.destCalls.Load())
}

func TestGenerateRetriesEmptyReply(t *testing.T) {
	gen := newFakeGenerator()
	gen.destinations = func(n int32) (string, error) {
		if n == 1 {
			return `{"destinations": []}`, nil
		}
		return destinationsReply, nil
	}
	svc, _ := newTestService(t, gen)

	req := NewGenerationRequest(ThemeScientific)
	req.IncludeActivities = false
	resp, err := svc.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, resp.Destinations, 2)
	assert.EqualValues(t, 2, gen.destCalls.Load())
}

func TestGenerateExhaustsRetries(t *testing.T) {
	gen := newFakeGenerator()
	gen.destinations = func(int32) (string, error) {
		return "", resilience.NewHTTPStatusError(http.StatusServiceUnavailable, "overloaded", 0)
	}
	svc, facade := newTestService(t, gen)
	req := NewGenerationRequest(ThemeSports)

	_, err := svc.Generate(context.Background(), req)
	cf, ok := resilience.AsComputeFailed(err)
	require.True(t, ok)
	assert.Equal(t, resilience.FailureUnavailable, cf.Kind)
	assert.Equal(t, 3, cf.Attempts)
	assert.Contains(t, cf.UserMessage(), "temporarily unavailable")
	assert.EqualValues(t, 3, gen.destCalls.Load())

	// failures are never cached
	l := facade.Disk().Get(context.Background(), Key(req, "gpt-test", 0.6))
	assert.Equal(t, cache.StatusMiss, l.Status)
}

func TestGeneratePermanentFailure(t *testing.T) {
	gen := newFakeGenerator()
	gen.destinations = func(int32) (string, error) {
		return "", resilience.NewHTTPStatusError(http.StatusUnauthorized, "invalid api key", 0)
	}
	svc, _ := newTestService(t, gen)

	_, err := svc.Generate(context.Background(), NewGenerationRequest(ThemeSports))
	cf, ok := resilience.AsComputeFailed(err)
	require.True(t, ok)
	assert.Equal(t, resilience.FailureInvalid, cf.Kind)
	assert.Equal(t, 1, cf.Attempts)
	assert.Equal(t, "The request was rejected as invalid: invalid api key", cf.UserMessage())
	assert.EqualValues(t, 1, gen.destCalls.Load())
}

func TestActivityFailureDegradesToEmpty(t *testing.T) {
	gen := newFakeGenerator()
	gen.activities = func(dest string) (string, error) {
		if dest == "Petra, Jordan" {
			return "", errors.New("connection reset by peer")
		}
		return activitiesReply, nil
	}
	svc, _ := newTestService(t, gen)

	resp, err := svc.Generate(context.Background(), NewGenerationRequest(ThemeHistoricalPlace))
	require.NoError(t, err)
	require.Len(t, resp.Destinations, 2)
	assert.Len(t, resp.Destinations[0].Activities, 1)
	assert.NotNil(t, resp.Destinations[1].Activities)
	assert.Empty(t, resp.Destinations[1].Activities)
	// one call for Kyoto, three for Petra
	assert.EqualValues(t, 4, gen.actCalls.Load())
}

func TestGenerateSkipsInvalidDestinations(t *testing.T) {
	gen := newFakeGenerator()
	gen.destinations = func(int32) (string, error) {
		return `{"destinations": [
			{"place": "Atlantis", "country": "Ocean", "rating": 9},
			{"place": "Cairo", "country": "Egypt", "coordinates": {"lat": 30.0, "lng": 31.2}},
			{"place": "North", "country": "Pole", "coordinates": {"lat": 120, "lng": 0}}
		]}`, nil
	}
	svc, _ := newTestService(t, gen)

	req := NewGenerationRequest(ThemeHistoricalPlace)
	req.IncludeActivities = false
	resp, err := svc.Generate(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Destinations, 1)
	assert.Equal(t, "Cairo, Egypt", resp.Destinations[0].FullName())
}

func TestGenerateCancelledDuringActivities(t *testing.T) {
	gen := newFakeGenerator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gen.activities = func(string) (string, error) {
		cancel()
		return "", context.Canceled
	}
	svc, facade := newTestService(t, gen)
	req := NewGenerationRequest(ThemeSports)

	_, err := svc.Generate(ctx, req)
	cf, ok := resilience.AsComputeFailed(err)
	require.True(t, ok)
	assert.Equal(t, resilience.FailureCancelled, cf.Kind)

	l := facade.Disk().Get(context.Background(), Key(req, "gpt-test", 0.6))
	assert.Equal(t, cache.StatusMiss, l.Status)
}

func TestKeyIsDeterministic(t *testing.T) {
	a := GenerationRequest{Theme: ThemeSports, Count: 5, IncludeActivities: true,
		UserPreferences: map[string]string{"budget": "low", "climate": "warm"}}
	b := GenerationRequest{Theme: ThemeSports, Count: 5, IncludeActivities: true,
		UserPreferences: map[string]string{"climate": "warm", "budget": "low"}}
	assert.Equal(t, Key(a, "m", 0.6), Key(b, "m", 0.6))
	assert.Regexp(t, `^destinations:v1:[0-9a-f]{64}$`, Key(a, "m", 0.6))

	variants := []GenerationRequest{
		{Theme: ThemeScientific, Count: 5, IncludeActivities: true, UserPreferences: a.UserPreferences},
		{Theme: ThemeSports, Count: 6, IncludeActivities: true, UserPreferences: a.UserPreferences},
		{Theme: ThemeSports, Count: 5, IncludeActivities: false, UserPreferences: a.UserPreferences},
		{Theme: ThemeSports, Count: 5, IncludeActivities: true},
	}
	for i, v := range variants {
		assert.NotEqual(t, Key(a, "m", 0.6), Key(v, "m", 0.6), "variant %d", i)
	}
	assert.NotEqual(t, Key(a, "m", 0.6), Key(a, "other-model", 0.6))
	assert.NotEqual(t, Key(a, "m", 0.6), Key(a, "m", 0.9), "temperature changes the reply")
}

func TestGenerateSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(recorder))
	gen := newFakeGenerator()
	svc, _ := newTestService(t, gen, WithTracerProvider(tp))

	req := NewGenerationRequest(ThemeEntertainment)
	req.Count = 2
	_, err := svc.Generate(context.Background(), req)
	require.NoError(t, err)

	spans := recorder.Ended()
	require.NotEmpty(t, spans)
	var found bool
	for _, s := range spans {
		if s.Name() == "destination.Generate" {
			found = true
			attrs := map[string]string{}
			for _, kv := range s.Attributes() {
				attrs[string(kv.Key)] = kv.Value.Emit()
			}
			assert.Equal(t, "Entertainment", attrs["destination.theme"])
			assert.Equal(t, "2", attrs["destination.count"])
			assert.Equal(t, "compute", attrs["cache.source"])
		}
	}
	assert.True(t, found)
}

func TestHealth(t *testing.T) {
	gen := newFakeGenerator()
	svc, _ := newTestService(t, gen, WithModelInfo("gpt-3.5-turbo", true))

	report := svc.Health(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, "ok", report.Connection)
	assert.Equal(t, "gpt-test", report.Model)
	assert.Equal(t, "gpt-3.5-turbo", report.BaseModel)
	assert.True(t, report.FineTuned)
	require.Len(t, report.Backends, 2)
	assert.Equal(t, "remote", report.Backends[0].Role)
	assert.Equal(t, "disk", report.Backends[1].Role)
	assert.Zero(t, gen.actCalls.Load())

	// health never reads or writes the cache
	_ = svc.Health(context.Background())
	assert.EqualValues(t, 2, gen.destCalls.Load())
}

func TestHealthUnhealthy(t *testing.T) {
	gen := newFakeGenerator()
	gen.destinations = func(n int32) (string, error) {
		return "", resilience.NewHTTPStatusError(http.StatusBadGateway, fmt.Sprintf("attempt %d", n), 0)
	}
	svc, _ := newTestService(t, gen)

	report := svc.Health(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "failed", report.Connection)
	assert.Contains(t, report.Error, "temporarily unavailable")
}
