package handler_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"cellar/internal/conversation"
	"cellar/internal/domain"
	"cellar/internal/handler"
	"cellar/internal/identify"
	"cellar/internal/service"
	"cellar/internal/stream"
	"cellar/mocks"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newContext(method, path string, body any) (*gin.Context, *httptest.ResponseRecorder) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest(method, path, &buf)
	c.Request.Header.Set("Content-Type", "application/json")
	c.Params = gin.Params{{Key: "id", Value: "s-1"}}
	return c, w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) handler.APIResponse {
	t.Helper()
	var resp handler.APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestAgentHandler_StartSession(t *testing.T) {
	svc := new(mocks.MockAgentService)
	h := handler.NewAgentHandler(svc, nil)
	svc.On("StartSession", mock.Anything).
		Return(&service.SessionView{ID: "s-1", Phase: conversation.PhaseAwaitingInput}, nil)

	c, w := newContext(http.MethodPost, "/api/v1/sessions", nil)
	h.StartSession(c)

	assert.Equal(t, http.StatusCreated, w.Code)
	resp := decode(t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, "s-1", resp.Data.(map[string]any)["id"])
	svc.AssertExpectations(t)
}

func TestAgentHandler_Identify_JSON(t *testing.T) {
	svc := new(mocks.MockAgentService)
	h := handler.NewAgentHandler(svc, nil)
	svc.On("Identify", mock.Anything, "s-1", service.IdentifyInput{Text: "margaux 2015"}).
		Return(&service.SessionView{ID: "s-1", Phase: conversation.PhaseResultConfirm}, nil)

	c, w := newContext(http.MethodPost, "/api/v1/sessions/s-1/identify", map[string]string{"text": "margaux 2015"})
	h.Identify(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "result_confirm", decode(t, w).Data.(map[string]any)["phase"])
	svc.AssertExpectations(t)
}

func TestAgentHandler_Identify_Streams(t *testing.T) {
	svc := new(mocks.MockAgentService)
	h := handler.NewAgentHandler(svc, nil)
	events := []stream.FieldEvent{{Name: "producer", Value: "Château Margaux"}, {Name: "vintage", Value: "2015"}}
	svc.On("Identify", mock.Anything, "s-1", mock.AnythingOfType("service.IdentifyInput")).
		Return(&service.SessionView{ID: "s-1", Phase: conversation.PhaseResultConfirm}, nil, events)

	c, w := newContext(http.MethodPost, "/api/v1/sessions/s-1/identify", map[string]string{"text": "margaux"})
	c.Request.Header.Set("Accept", "text/event-stream")
	h.Identify(c)

	body := w.Body.String()
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, body, "event:field")
	assert.Contains(t, body, "Château Margaux")
	assert.Contains(t, body, "event:session")
	assert.Less(t, bytes.Index(w.Body.Bytes(), []byte("producer")), bytes.Index(w.Body.Bytes(), []byte("event:session")))
}

func TestAgentHandler_Identify_StreamError(t *testing.T) {
	svc := new(mocks.MockAgentService)
	h := handler.NewAgentHandler(svc, nil)
	svc.On("Identify", mock.Anything, "s-1", mock.AnythingOfType("service.IdentifyInput")).
		Return(nil, domain.ErrSessionNotFound)

	c, w := newContext(http.MethodPost, "/api/v1/sessions/s-1/identify?stream=true", map[string]string{"text": "x"})
	h.Identify(c)

	assert.Contains(t, w.Body.String(), "event:error")
	assert.Contains(t, w.Body.String(), "SESSION_NOT_FOUND")
}

func TestAgentHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unknown session", domain.ErrSessionNotFound, http.StatusNotFound, "SESSION_NOT_FOUND"},
		{"expired", domain.ErrSessionExpired, http.StatusGone, "SESSION_EXPIRED"},
		{"no result", domain.ErrNoResult, http.StatusConflict, "NO_RESULT"},
		{"top tier", domain.ErrNoHigherTier, http.StatusConflict, "NO_HIGHER_TIER"},
		{"transition", &domain.InvalidTransitionError{From: "idle", To: "complete"}, http.StatusConflict, "INVALID_TRANSITION"},
		{"rate limited", &identify.AgentError{Type: identify.ErrorRateLimit, UserMessage: "busy"}, http.StatusTooManyRequests, "RATE_LIMITED"},
		{"provider", &identify.AgentError{Type: identify.ErrorUnavailable, UserMessage: "down"}, http.StatusBadGateway, "IDENTIFICATION_FAILED"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(mocks.MockAgentService)
			h := handler.NewAgentHandler(svc, nil)
			svc.On("Escalate", mock.Anything, "s-1").Return(nil, tt.err)

			c, w := newContext(http.MethodPost, "/api/v1/sessions/s-1/escalate", nil)
			h.Escalate(c)

			assert.Equal(t, tt.status, w.Code)
			resp := decode(t, w)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestAgentHandler_ValidationFieldsAreReturned(t *testing.T) {
	svc := new(mocks.MockAgentService)
	h := handler.NewAgentHandler(svc, nil)
	svc.On("SubmitBottleDetails", mock.Anything, "s-1", mock.AnythingOfType("service.BottleInput")).
		Return(nil, domain.NewValidationError("size", "size is required"))

	c, w := newContext(http.MethodPost, "/api/v1/sessions/s-1/add/bottle", map[string]any{"part": 1})
	h.SubmitBottleDetails(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode(t, w)
	require.Len(t, resp.Error.Fields, 1)
	assert.Equal(t, "size", resp.Error.Fields[0].Field)
}

func TestAgentHandler_SubmitBottleDetails_RejectsBadPart(t *testing.T) {
	svc := new(mocks.MockAgentService)
	h := handler.NewAgentHandler(svc, nil)

	c, w := newContext(http.MethodPost, "/api/v1/sessions/s-1/add/bottle", map[string]any{"part": 3})
	h.SubmitBottleDetails(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	svc.AssertNotCalled(t, "SubmitBottleDetails")
}

func TestAgentHandler_SubmitBottleDetails_PassesFields(t *testing.T) {
	svc := new(mocks.MockAgentService)
	h := handler.NewAgentHandler(svc, nil)
	price := 85.5
	svc.On("SubmitBottleDetails", mock.Anything, "s-1", service.BottleInput{
		Part: 2, Price: &price, Currency: "eur", PurchaseDate: "2026-09-01",
	}).Return(&service.SessionView{ID: "s-1", Phase: conversation.PhaseComplete}, nil)

	c, w := newContext(http.MethodPost, "/api/v1/sessions/s-1/add/bottle", map[string]any{
		"part": 2, "price": 85.5, "currency": "eur", "purchaseDate": "2026-09-01",
	})
	h.SubmitBottleDetails(c)

	assert.Equal(t, http.StatusOK, w.Code)
	svc.AssertExpectations(t)
}

func TestAgentHandler_ResolveDuplicate(t *testing.T) {
	svc := new(mocks.MockAgentService)
	h := handler.NewAgentHandler(svc, nil)
	svc.On("ResolveDuplicate", mock.Anything, "s-1", mock.MatchedBy(func(id *int64) bool { return id != nil && *id == 42 })).
		Return(&service.SessionView{ID: "s-1"}, nil).Once()
	svc.On("ResolveDuplicate", mock.Anything, "s-1", (*int64)(nil)).
		Return(&service.SessionView{ID: "s-1"}, nil).Once()

	c, w := newContext(http.MethodPost, "/api/v1/sessions/s-1/add/duplicate", map[string]any{"existingId": 42})
	h.ResolveDuplicate(c)
	assert.Equal(t, http.StatusOK, w.Code)

	c, w = newContext(http.MethodPost, "/api/v1/sessions/s-1/add/duplicate", map[string]any{"existingId": nil})
	h.ResolveDuplicate(c)
	assert.Equal(t, http.StatusOK, w.Code)

	svc.AssertExpectations(t)
}

func TestAgentHandler_ChooseCandidate_RequiresIndex(t *testing.T) {
	svc := new(mocks.MockAgentService)
	h := handler.NewAgentHandler(svc, nil)

	c, w := newContext(http.MethodPost, "/api/v1/sessions/s-1/choose", map[string]any{})
	h.ChooseCandidate(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	svc.On("ChooseCandidate", mock.Anything, "s-1", 0).Return(&service.SessionView{ID: "s-1"}, nil)
	c, w = newContext(http.MethodPost, "/api/v1/sessions/s-1/choose", map[string]any{"index": 0})
	h.ChooseCandidate(c)
	assert.Equal(t, http.StatusOK, w.Code)
	svc.AssertExpectations(t)
}

func TestAgentHandler_CheckDuplicate(t *testing.T) {
	svc := new(mocks.MockAgentService)
	h := handler.NewAgentHandler(svc, nil)
	req := domain.DuplicateCheckRequest{Type: domain.EntityRegion, Name: "Margaux"}
	svc.On("CheckDuplicate", mock.Anything, req).Return(&domain.DuplicateCheckResult{
		ExactMatch: &domain.MatchCandidate{ID: 3, Name: "Margaux"},
	}, nil)

	c, w := newContext(http.MethodPost, "/api/v1/catalog/duplicates", map[string]any{"type": "region", "name": "Margaux"})
	h.CheckDuplicate(c)

	assert.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w).Data.(map[string]any)
	assert.Equal(t, "Margaux", data["exactMatch"].(map[string]any)["name"])
	svc.AssertExpectations(t)
}
