package router_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"cellar/internal/conversation"
	"cellar/internal/domain"
	"cellar/internal/handler"
	"cellar/internal/router"
	"cellar/internal/service"
	"cellar/mocks"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setup(svc *mocks.MockAgentService) *gin.Engine {
	return router.Setup(zap.NewNop(), []string{"https://cellar.example"},
		handler.NewAgentHandler(svc, nil), handler.NewHealthHandler(nil, nil))
}

func TestSetup_RoutesSessionEndpoints(t *testing.T) {
	svc := new(mocks.MockAgentService)
	svc.On("GetSession", mock.Anything, "abc").Return(&service.SessionView{ID: "abc", Phase: conversation.PhaseAwaitingInput}, nil)
	svc.On("StartAddToCellar", mock.Anything, "abc").Return(nil, domain.ErrNoResult)
	r := setup(svc)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/abc", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/abc/add", strings.NewReader("{}")))
	assert.Equal(t, http.StatusConflict, w.Code)

	svc.AssertExpectations(t)
}

func TestSetup_Preflight(t *testing.T) {
	r := setup(new(mocks.MockAgentService))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/sessions", nil)
	req.Header.Set("Origin", "https://cellar.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://cellar.example", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestSetup_Liveness(t *testing.T) {
	r := setup(new(mocks.MockAgentService))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
