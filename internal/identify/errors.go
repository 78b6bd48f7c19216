package identify

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"cellar/internal/domain"
	"cellar/internal/provider"
)

// ErrorType classifies an identification failure for the user.
type ErrorType string

const (
	ErrorTimeout     ErrorType = "timeout"
	ErrorRateLimit   ErrorType = "rate_limit"
	ErrorUnavailable ErrorType = "provider_unavailable"
	ErrorParse       ErrorType = "parse_error"
	ErrorValidation  ErrorType = "validation"
	ErrorUnknown     ErrorType = "unknown"
)

// AgentError is the structured form every provider failure takes once it
// leaves the controller.
type AgentError struct {
	Type        ErrorType `json:"type"`
	UserMessage string    `json:"userMessage"`
	Retryable   bool      `json:"retryable"`
	SupportRef  string    `json:"supportRef"`
	Err         error     `json:"-"`
}

func (e *AgentError) Error() string {
	if e.Err == nil {
		return string(e.Type) + ": " + e.UserMessage
	}
	return string(e.Type) + ": " + e.Err.Error()
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

// NewSupportRef returns a short reference users can quote to support.
func NewSupportRef() string {
	return "ERR-" + strings.ToUpper(uuid.NewString()[:8])
}

// ToAgentError converts err into an AgentError, reusing one already present
// in the chain.
func ToAgentError(err error) *AgentError {
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return agentErr
	}

	out := &AgentError{Type: ErrorUnknown, Err: err, SupportRef: NewSupportRef(),
		UserMessage: "Something went wrong while identifying this wine."}

	var rlErr *provider.RateLimitError
	var pErr *domain.ProviderError
	var mErr *domain.MalformedResponseError
	var vErr *domain.ValidationError
	switch {
	case errors.As(err, &rlErr):
		out.Type, out.Retryable = ErrorRateLimit, true
		out.UserMessage = "Our wine expert is busy right now. Please try again in a moment."
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &pErr) && (pErr.StatusCode == http.StatusRequestTimeout || pErr.StatusCode == http.StatusGatewayTimeout):
		out.Type, out.Retryable = ErrorTimeout, true
		out.UserMessage = "That took too long. Please try again."
	case errors.As(err, &pErr):
		out.Type, out.Retryable = ErrorUnavailable, pErr.Retryable
		out.UserMessage = "The identification service is unavailable. Please try again shortly."
	case errors.As(err, &mErr):
		out.Type = ErrorParse
		out.UserMessage = "I couldn't read the answer for this wine. Try rephrasing or a clearer photo."
	case errors.As(err, &vErr), errors.Is(err, domain.ErrUnsupportedImage):
		out.Type = ErrorValidation
		out.UserMessage = "That input can't be used for identification."
	}
	return out
}
