package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cellar/internal/domain"
	"cellar/internal/identify"
)

// APIResponse is the standard envelope for all API responses.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
}

// APIError holds error details in the response.
type APIError struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Fields  []domain.FieldError `json:"fields,omitempty"`
}

// RespondOK sends a 200 success response.
func RespondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: data})
}

// RespondCreated sends a 201 success response.
func RespondCreated(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, APIResponse{Success: true, Data: data})
}

// RespondError sends an error response with the given status code.
func RespondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, APIResponse{
		Success: false,
		Error:   &APIError{Code: code, Message: msg},
	})
}

// MapDomainError translates domain errors to HTTP status codes and error codes.
func MapDomainError(err error) (status int, code, msg string) {
	var (
		vErr     *domain.ValidationError
		tErr     *domain.InvalidTransitionError
		agentErr *identify.AgentError
	)
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound, "SESSION_NOT_FOUND", "session not found"
	case errors.Is(err, domain.ErrSessionExpired):
		return http.StatusGone, "SESSION_EXPIRED", "session expired; start a new one"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "resource not found"
	case errors.As(err, &vErr):
		return http.StatusBadRequest, "VALIDATION_FAILED", vErr.Error()
	case errors.Is(err, domain.ErrUnsupportedImage):
		return http.StatusUnsupportedMediaType, "UNSUPPORTED_IMAGE", "unsupported image type; allowed: jpeg, png, webp, heic"
	case errors.As(err, &tErr):
		return http.StatusConflict, "INVALID_TRANSITION", tErr.Error()
	case errors.Is(err, domain.ErrNoResult):
		return http.StatusConflict, "NO_RESULT", "there is no identification to act on"
	case errors.Is(err, domain.ErrNoHigherTier):
		return http.StatusConflict, "NO_HIGHER_TIER", "already at the highest identification tier"
	case errors.Is(err, domain.ErrNoPendingDecision):
		return http.StatusConflict, "NO_PENDING_DECISION", "no duplicate decision is pending"
	case errors.Is(err, domain.ErrNotAdding):
		return http.StatusConflict, "NOT_ADDING", "not in the add-to-cellar flow"
	case errors.As(err, &agentErr) && agentErr.Type == identify.ErrorRateLimit:
		return http.StatusTooManyRequests, "RATE_LIMITED", agentErr.UserMessage
	case errors.As(err, &agentErr):
		return http.StatusBadGateway, "IDENTIFICATION_FAILED", agentErr.UserMessage
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "an internal error occurred"
	}
}

// HandleError maps a domain error and sends the appropriate error response.
// Validation failures carry their field list.
func HandleError(c *gin.Context, logger *zap.Logger, err error) {
	status, code, msg := MapDomainError(err)
	if status >= 500 {
		requestID, _ := c.Get("request_id")
		logger.Error("internal error", zap.Any("request_id", requestID), zap.Error(err))
	}
	apiErr := &APIError{Code: code, Message: msg}
	var vErr *domain.ValidationError
	if errors.As(err, &vErr) {
		apiErr.Fields = vErr.Fields
	}
	c.JSON(status, APIResponse{Success: false, Error: apiErr})
}
