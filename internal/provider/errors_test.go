package provider_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cellar/internal/domain"
	"cellar/internal/provider"
)

func TestNewRateLimitError_DefaultsTo60s(t *testing.T) {
	err := provider.NewRateLimitError("claude", errors.New("429"), 0)
	assert.Equal(t, 60*time.Second, err.RetryAfter)
	assert.True(t, domain.IsRetryable(err))
}

func TestParseRetryAfterHeader(t *testing.T) {
	assert.Equal(t, 0, provider.ParseRetryAfterHeader(""))
	assert.Equal(t, 0, provider.ParseRetryAfterHeader("soon"))
	assert.Equal(t, 30, provider.ParseRetryAfterHeader("30"))
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusRequestTimeout, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := provider.StatusError("openai", tt.status, http.Header{}, []byte("body"))
			assert.Equal(t, tt.retryable, domain.IsRetryable(err))

			var pErr *domain.ProviderError
			require.ErrorAs(t, err, &pErr)
			assert.Equal(t, tt.status, pErr.StatusCode)
		})
	}
}

func TestStatusError_RetryAfterHeader(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "12")
	err := provider.StatusError("claude", http.StatusTooManyRequests, h, nil)

	var rlErr *provider.RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, 12*time.Second, rlErr.RetryAfter)
}

func TestTransportError(t *testing.T) {
	assert.True(t, domain.IsRetryable(provider.TransportError("gemini", context.DeadlineExceeded)))
	assert.False(t, domain.IsRetryable(provider.TransportError("gemini", context.Canceled)))
}

func TestMalformed_KeepsRaw(t *testing.T) {
	err := provider.Malformed("claude", "not json", errors.New("bad"))

	var mErr *domain.MalformedResponseError
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, "not json", mErr.Raw)
	assert.False(t, domain.IsRetryable(err))
}

func TestEstimateCost(t *testing.T) {
	assert.InDelta(t, 3.0+15.0, provider.EstimateCost("claude-sonnet-4-20250514", 1_000_000, 1_000_000), 1e-9)
	assert.InDelta(t, 0.10, provider.EstimateCost("gemini-2.5-flash-lite", 1_000_000, 0), 1e-9)
	assert.InDelta(t, 0.30, provider.EstimateCost("gemini-2.5-flash", 1_000_000, 0), 1e-9)
	assert.Zero(t, provider.EstimateCost("mystery-model", 1000, 1000))
}
