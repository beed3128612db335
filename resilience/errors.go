package resilience

import (
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
)

var (
	// ErrTransient marks an error as worth retrying.
	ErrTransient = errors.New("transient failure")
	// ErrPermanent marks an error that retrying cannot fix.
	ErrPermanent = errors.New("permanent failure")
)

// Transient marks err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrTransient)
}

// Permanent marks err as not retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrPermanent)
}

// HTTPStatusError is returned by HTTP collaborators for non-2xx responses.
type HTTPStatusError struct {
	StatusCode int
	Status     string
	Body       string
	retryAfter time.Duration
}

// NewHTTPStatusError builds an HTTPStatusError. body is truncated for logging.
func NewHTTPStatusError(code int, body string, retryAfter time.Duration) *HTTPStatusError {
	const maxBody = 512
	if len(body) > maxBody {
		body = truncate(body, maxBody) + "..."
	}
	return &HTTPStatusError{
		StatusCode: code,
		Status:     http.StatusText(code),
		Body:       strings.TrimSpace(body),
		retryAfter: retryAfter,
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d %s", e.StatusCode, e.Status)
	}
	return fmt.Sprintf("http status %d %s: %s", e.StatusCode, e.Status, e.Body)
}

// RetryAfter is the server supplied minimum wait, zero when absent.
func (e *HTTPStatusError) RetryAfter() time.Duration {
	return e.retryAfter
}

// retryAfterer is implemented by errors that carry a server side wait hint.
type retryAfterer interface {
	RetryAfter() time.Duration
}

// FailureKind says why a computation ultimately failed.
type FailureKind int

const (
	// FailureUnavailable means every attempt failed transiently.
	FailureUnavailable FailureKind = iota
	// FailureInvalid means the request was rejected and never retried.
	FailureInvalid
	// FailureCancelled means the caller gave up first.
	FailureCancelled
)

func (k FailureKind) String() string {
	switch k {
	case FailureUnavailable:
		return "unavailable"
	case FailureInvalid:
		return "invalid"
	case FailureCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ComputeFailed is the single error surfaced to callers when a computation
// cannot produce a value.
type ComputeFailed struct {
	Kind     FailureKind
	Attempts int
	Cause    error
}

func (e *ComputeFailed) Error() string {
	return fmt.Sprintf("compute failed (%s after %d attempt(s)): %v", e.Kind, e.Attempts, e.Cause)
}

func (e *ComputeFailed) Unwrap() error {
	return e.Cause
}

// UserMessage is safe to show to an end user.
func (e *ComputeFailed) UserMessage() string {
	switch e.Kind {
	case FailureInvalid:
		return "The request was rejected as invalid: " + summarize(e.Cause)
	case FailureCancelled:
		return "The request was cancelled before it completed."
	default:
		return "The destination service is temporarily unavailable. Please try again in a few minutes."
	}
}

// AsComputeFailed extracts a *ComputeFailed from err's chain.
func AsComputeFailed(err error) (*ComputeFailed, bool) {
	var cf *ComputeFailed
	if errors.As(err, &cf) {
		return cf, true
	}
	return nil, false
}

func summarize(err error) string {
	if err == nil {
		return "unknown reason"
	}
	var hse *HTTPStatusError
	if errors.As(err, &hse) {
		if hse.Body != "" {
			return hse.Body
		}
		return fmt.Sprintf("%d %s", hse.StatusCode, hse.Status)
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}
