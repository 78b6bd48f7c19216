package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"cellar/internal/domain"
)

// RateLimitError indicates a provider returned HTTP 429. It unwraps to a
// retryable *domain.ProviderError.
type RateLimitError struct {
	Err        error
	RetryAfter time.Duration
	Provider   string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited (retry after %s): %v", e.Provider, e.RetryAfter, e.Err)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// NewRateLimitError creates a RateLimitError. If retryAfterSecs is 0, defaults to 60s.
func NewRateLimitError(provider string, err error, retryAfterSecs int) *RateLimitError {
	if retryAfterSecs <= 0 {
		retryAfterSecs = 60
	}
	return &RateLimitError{
		Err: &domain.ProviderError{
			Provider:   provider,
			StatusCode: http.StatusTooManyRequests,
			Retryable:  true,
			Err:        err,
		},
		RetryAfter: time.Duration(retryAfterSecs) * time.Second,
		Provider:   provider,
	}
}

// ParseRetryAfterHeader parses a Retry-After header value into seconds.
// Returns 0 if the value is empty or not a valid integer.
func ParseRetryAfterHeader(val string) int {
	if val == "" {
		return 0
	}
	secs, err := strconv.Atoi(val)
	if err != nil {
		return 0
	}
	return secs
}

// StatusError classifies a non-200 provider response. 429 becomes a
// RateLimitError; 408 and 5xx are retryable; other statuses are not.
func StatusError(provider string, status int, header http.Header, body []byte) error {
	baseErr := fmt.Errorf("%s API error (status %d): %s", provider, status, truncate(string(body), 500))
	if status == http.StatusTooManyRequests {
		return NewRateLimitError(provider, baseErr, ParseRetryAfterHeader(header.Get("Retry-After")))
	}
	return &domain.ProviderError{
		Provider:   provider,
		StatusCode: status,
		Retryable:  status == http.StatusRequestTimeout || status >= 500,
		Err:        baseErr,
	}
}

// TransportError wraps a network failure. Cancellation by the caller is not
// retryable; everything else, timeouts included, is.
func TransportError(provider string, err error) error {
	return &domain.ProviderError{
		Provider:  provider,
		Retryable: !errors.Is(err, context.Canceled),
		Err:       err,
	}
}

// Malformed wraps an unparseable provider payload, keeping the raw text.
func Malformed(provider, raw string, err error) error {
	return &domain.MalformedResponseError{Provider: provider, Raw: truncate(raw, 4096), Err: err}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
