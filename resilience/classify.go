package resilience

import (
	"context"
	"net"
	"net/http"

	"github.com/cockroachdb/errors"
)

// Class is the retry classification of an error.
type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// Classifier decides whether an error is worth another attempt.
type Classifier func(err error) Class

// DefaultClassifier applies explicit marks first, then HTTP status codes,
// then timeouts. Unknown errors are retried.
func DefaultClassifier(err error) Class {
	switch {
	case errors.Is(err, ErrPermanent):
		return ClassPermanent
	case errors.Is(err, ErrTransient):
		return ClassTransient
	}

	var hse *HTTPStatusError
	if errors.As(err, &hse) {
		return classifyStatus(hse.StatusCode)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ClassTransient
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	return ClassTransient
}

func classifyStatus(code int) Class {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return ClassTransient
	case code >= 500:
		return ClassTransient
	case code >= 400:
		return ClassPermanent
	default:
		return ClassTransient
	}
}
