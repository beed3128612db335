// Package llm is a minimal OpenAI chat completions client that produces the
// raw destination and activity replies. It does not retry: failures are
// returned classified so a resilience.Executor can decide.
package llm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"runtime/debug"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/holidaygen/tripcache/logger"
	"github.com/holidaygen/tripcache/resilience"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

const (
	DefaultBaseURL     = "https://api.openai.com/v1"
	DefaultModel       = "gpt-3.5-turbo"
	DefaultTemperature = 0.7
	DefaultTimeout     = 30 * time.Second

	maxErrorBody    = 4 << 10
	maxResponseBody = 4 << 20
)

var (
	// ErrMissingAPIKey is returned, marked permanent, when no key is configured.
	ErrMissingAPIKey = errors.New("llm: OpenAI API key is not configured")
	// ErrEmptyCompletion is returned, marked transient, when a reply has no choices.
	ErrEmptyCompletion = errors.New("llm: completion has no choices")
)

// Config selects the endpoint and model.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	// Timeout bounds a single HTTP exchange.
	Timeout time.Duration
	// FineTuned switches to the detailed prompts written for a fine-tuned model.
	FineTuned bool
}

// Client talks to the chat completions endpoint.
type Client struct {
	cfg    Config
	client *http.Client
	logger logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its Timeout is left alone.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(cl *Client) { cl.logger = log }
}

// NewClient returns a Client for cfg, filling in defaults.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := &Client{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: cfg.Timeout}
	}
	c.logger = logger.OrDefault(c.logger).WithPrefix("[llm]")
	return c
}

// Model returns the model requests are sent to.
func (c *Client) Model() string {
	return c.cfg.Model
}

// Temperature is the sampling temperature sent with every request.
func (c *Client) Temperature() float64 {
	return c.cfg.Temperature
}

// GenerateDestinations asks for count destinations of theme.
func (c *Client) GenerateDestinations(ctx context.Context, theme string, count int) (string, error) {
	return c.Complete(ctx, destinationPrompt(theme, count, c.cfg.FineTuned))
}

// GenerateActivities asks for activities at destination ("Place, Country").
func (c *Client) GenerateActivities(ctx context.Context, destination string, theme string) (string, error) {
	return c.Complete(ctx, activityPrompt(destination, theme, c.cfg.FineTuned))
}

// UserAgent identifies this client and its build.
func UserAgent() string {
	gitSHA := Commit
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				gitSHA = setting.Value
			}
		}
	}
	return "tripcache/" + Version + " (" + gitSHA + ")"
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", errors.Wrap(err, "error parsing base url")
	}
	u.Path = path.Join(u.Path, "chat", "completions")
	return u.String(), nil
}

// Complete sends prompt as a single user message and returns the reply text.
// HTTP failures are *resilience.HTTPStatusError; a reply that cannot be
// decoded is transient.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if c.cfg.APIKey == "" {
		return "", resilience.Permanent(ErrMissingAPIKey)
	}
	endpoint, err := c.endpoint()
	if err != nil {
		return "", resilience.Permanent(err)
	}
	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return "", resilience.Permanent(errors.Wrap(err, "error marshalling payload"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", resilience.Permanent(errors.Wrap(err, "error creating request"))
	}
	req.Header.Set("User-Agent", UserAgent())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	c.logger.Trace("sending request: POST %s model=%s", endpoint, c.cfg.Model)
	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "error sending request")
	}
	defer resp.Body.Close()
	c.logger.Debug("response status: %s in %s", resp.Status, time.Since(start).Round(time.Millisecond))

	if resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Debug("error body: %s", safeBodyPreview(respBody, resp.Header.Get("Content-Type"), 200))
		return "", resilience.NewHTTPStatusError(resp.StatusCode, errorMessage(respBody), parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
	}

	// a body past the limit is cut short and fails to decode below
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", errors.Wrap(err, "error reading response body")
	}
	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", resilience.Transient(errors.Wrapf(err, "error decoding response: %s", safeBodyPreview(respBody, resp.Header.Get("Content-Type"), 200)))
	}
	if len(out.Choices) == 0 {
		return "", resilience.Transient(ErrEmptyCompletion)
	}
	return out.Choices[0].Message.Content, nil
}

// errorMessage prefers the API's own error message over the raw body.
func errorMessage(body []byte) string {
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Error.Message != "" {
		return er.Error.Message
	}
	return strings.TrimSpace(string(body))
}

// parseRetryAfter understands delta-seconds and HTTP dates. Unparseable or
// past values are zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// safeBodyPreview returns a loggable preview of a response body. Binary or
// unknown content is reduced to its size and a short hash.
func safeBodyPreview(body []byte, contentType string, maxChars int) string {
	lower := strings.ToLower(contentType)
	textual := contentType == "" || strings.Contains(lower, "text/") || strings.Contains(lower, "application/json")
	if !textual {
		hash := sha256.Sum256(body)
		return fmt.Sprintf("<%s: %d bytes, sha256=%s>", contentType, len(body), hex.EncodeToString(hash[:8]))
	}
	s := string(body)
	if len(s) > maxChars {
		n := maxChars
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		return s[:n] + fmt.Sprintf("[truncated, total: %d chars]", len(s))
	}
	return s
}
