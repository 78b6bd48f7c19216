package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExpired    = errors.New("session expired")
	ErrSnapshotNotFound  = errors.New("snapshot not found")
	ErrNoResult          = errors.New("no identification result to act on")
	ErrNoHigherTier      = errors.New("already at the highest identification tier")
	ErrSuperseded        = errors.New("identification superseded by a newer request")
	ErrNoPendingDecision = errors.New("no duplicate decision is pending")
	ErrNotAdding         = errors.New("not in the add-to-cellar flow")
	ErrUnsupportedImage  = errors.New("unsupported image type")
)

// ProviderError is a transport-level failure talking to a language-model
// provider: network errors, timeouts, 5xx responses and rate limits.
type ProviderError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s provider error (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s provider error: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// MalformedResponseError means the provider answered but the final document
// could not be parsed. Raw holds the response text for diagnostics.
type MalformedResponseError struct {
	Provider string
	Raw      string
	Err      error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s returned a malformed response: %v", e.Provider, e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// QuotaExceededError is returned by snapshot stores when a write does not fit.
type QuotaExceededError struct {
	Key       string
	Size      int
	Available int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("storage quota exceeded writing %q: %d bytes, %d available", e.Key, e.Size, e.Available)
}

// InvalidTransitionError reports a phase change that is not in the transition table.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid phase transition %s -> %s", e.From, e.To)
}

// FieldError describes one failed validation rule.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError blocks a submission until the listed fields are fixed.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}}
}

// IsRetryable reports whether err is worth re-sending unchanged.
func IsRetryable(err error) bool {
	var pErr *ProviderError
	if errors.As(err, &pErr) {
		return pErr.Retryable
	}
	return false
}
