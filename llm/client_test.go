package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/holidaygen/tripcache/destination"
	"github.com/holidaygen/tripcache/logger"
	"github.com/holidaygen/tripcache/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ destination.Generator = (*Client)(nil)

func newTestClient(t *testing.T, handler http.HandlerFunc, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL + "/v1"
	if cfg.APIKey == "" {
		cfg.APIKey = "sk-test"
	}
	return NewClient(cfg, WithLogger(logger.NewTestLogger()))
}

func TestGenerateDestinations(t *testing.T) {
	requests := make(chan chatRequest, 1)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Contains(t, r.Header.Get("User-Agent"), "tripcache/")
		var got chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		requests <- got
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"destinations\":[]}"}}]}`))
	}, Config{Model: "gpt-4o-mini", Temperature: 0.2})

	text, err := client.GenerateDestinations(context.Background(), "Sports", 3)
	require.NoError(t, err)
	assert.Equal(t, `{"destinations":[]}`, text)

	got := <-requests
	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.Equal(t, 0.2, got.Temperature)
	assert.Equal(t, 0.2, client.Temperature())
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Contains(t, got.Messages[0].Content, "Generate 3 unique Sports travel destinations")
	assert.Contains(t, got.Messages[0].Content, "You are a specialized travel expert")
}

func TestFineTunedPrompts(t *testing.T) {
	prompts := make(chan string, 2)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		prompts <- req.Messages[0].Content
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}, Config{FineTuned: true})

	_, err := client.GenerateDestinations(context.Background(), "Scientific", 2)
	require.NoError(t, err)
	_, err = client.GenerateActivities(context.Background(), "Geneva, Switzerland", "Scientific")
	require.NoError(t, err)

	dest, act := <-prompts, <-prompts
	assert.Contains(t, dest, "Ranked by their Scientific reputation")
	assert.NotContains(t, dest, "specialized travel expert")
	assert.Contains(t, act, `For the Scientific destination "Geneva, Switzerland"`)
	assert.Contains(t, act, "Generate 5-7 specific activities")
}

func TestDefaults(t *testing.T) {
	c := NewClient(Config{})
	assert.Equal(t, DefaultModel, c.Model())
	assert.Equal(t, DefaultBaseURL, c.cfg.BaseURL)
	assert.Equal(t, DefaultTimeout, c.client.Timeout)
}

func TestMissingAPIKeyIsPermanent(t *testing.T) {
	c := NewClient(Config{}, WithLogger(logger.NewTestLogger()))
	_, err := c.Complete(context.Background(), "hi")
	require.ErrorIs(t, err, ErrMissingAPIKey)
	assert.Equal(t, resilience.ClassPermanent, resilience.DefaultClassifier(err))
}

func TestHTTPErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		header     string
		body       string
		class      resilience.Class
		message    string
		retryAfter time.Duration
	}{
		{"rate limited", http.StatusTooManyRequests, "7", `{"error":{"message":"Rate limit reached","type":"requests"}}`, resilience.ClassTransient, "Rate limit reached", 7 * time.Second},
		{"server error", http.StatusInternalServerError, "", "upstream exploded", resilience.ClassTransient, "upstream exploded", 0},
		{"bad key", http.StatusUnauthorized, "", `{"error":{"message":"Incorrect API key provided"}}`, resilience.ClassPermanent, "Incorrect API key provided", 0},
		{"bad request", http.StatusBadRequest, "", `{"error":{"message":"model not found"}}`, resilience.ClassPermanent, "model not found", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}, Config{})

			_, err := client.Complete(context.Background(), "hi")
			require.Error(t, err)
			var hse *resilience.HTTPStatusError
			require.ErrorAs(t, err, &hse)
			assert.Equal(t, tt.status, hse.StatusCode)
			assert.Equal(t, tt.message, hse.Body)
			assert.Equal(t, tt.retryAfter, hse.RetryAfter())
			assert.Equal(t, tt.class, resilience.DefaultClassifier(err))
		})
	}
}

func TestMalformedReplyIsTransient(t *testing.T) {
	for name, body := range map[string]string{
		"not json":   "<html>gateway</html>",
		"no choices": `{"choices":[]}`,
	} {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		}, Config{})
		_, err := client.Complete(context.Background(), "hi")
		require.Error(t, err, name)
		assert.Equal(t, resilience.ClassTransient, resilience.DefaultClassifier(err), name)
	}
}

func TestClientTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, Config{Timeout: 20 * time.Millisecond})
	defer close(release)

	_, err := client.Complete(context.Background(), "hi")
	require.Error(t, err)
	assert.Equal(t, resilience.ClassTransient, resilience.DefaultClassifier(err))
}

func TestExecutorRetriesThroughClient(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"third time"}}]}`))
	}, Config{})

	exec, err := resilience.NewExecutor(resilience.RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        time.Millisecond,
		BackoffMultiplier: 2,
	}, resilience.WithLogger(logger.NewTestLogger()))
	require.NoError(t, err)

	text, err := resilience.Do(context.Background(), exec, func(ctx context.Context) (string, error) {
		return client.Complete(ctx, "hi")
	})
	require.NoError(t, err)
	assert.Equal(t, "third time", text)
	assert.EqualValues(t, 3, calls.Load())
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 3*time.Second, parseRetryAfter("3", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-1", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}

func TestSafeBodyPreview(t *testing.T) {
	assert.Equal(t, "short", safeBodyPreview([]byte("short"), "text/plain", 200))
	assert.Equal(t, "abc[truncated, total: 6 chars]", safeBodyPreview([]byte("abcdef"), "application/json", 3))
	assert.Contains(t, safeBodyPreview([]byte{0, 1, 2}, "application/octet-stream", 200), "3 bytes, sha256=")

	preview := safeBodyPreview([]byte("aé"), "text/plain", 2)
	assert.True(t, utf8.ValidString(preview))
	assert.Equal(t, "a[truncated, total: 3 chars]", preview)
}

func TestOversizedReplyIsCutAndTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// valid JSON overall, so only the read limit can make it fail
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"`))
		_, _ = w.Write([]byte(strings.Repeat("x", maxResponseBody)))
		_, _ = w.Write([]byte(`"}}]}`))
	}, Config{})
	_, err := client.Complete(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error decoding response")
	assert.Equal(t, resilience.ClassTransient, resilience.DefaultClassifier(err))
}
