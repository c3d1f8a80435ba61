package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrTransient marks failures worth retrying: timeouts, 5xx and rate limits.
	ErrTransient = errors.New("transient provider error")
	// ErrFatal marks failures that will not go away on retry: rejected
	// credentials and exhausted quota.
	ErrFatal = errors.New("fatal provider error")
)

// quotaMarkers identify a 429 that is an exhausted quota rather than a rate limit.
var quotaMarkers = []string{"insufficient_quota", "quota exceeded", "exceeded your current quota", "billing_hard_limit"}

// APIError is a non-200 response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, body)
}

// Quota reports whether the body names an exhausted quota.
func (e *APIError) Quota() bool {
	lower := strings.ToLower(e.Body)
	for _, m := range quotaMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Transient reports whether a retry may succeed.
func (e *APIError) Transient() bool {
	switch {
	case e.StatusCode == 429:
		return !e.Quota()
	case e.StatusCode == 408:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}

// Fatal reports whether the provider should be flagged for the agent.
func (e *APIError) Fatal() bool {
	switch e.StatusCode {
	case 401, 403:
		return true
	case 402, 429:
		return e.StatusCode == 402 || e.Quota()
	}
	return false
}

// Is lets errors.Is match ErrTransient and ErrFatal.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Transient()
	case ErrFatal:
		return e.Fatal()
	}
	return false
}

// IsTransient reports whether err is worth retrying. Deadline overruns and
// network errors count; a cancelled context does not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsFatal reports whether err should flag the provider.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
