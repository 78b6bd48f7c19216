package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cellar/internal/domain"
	"cellar/internal/service"
	"cellar/internal/stream"
)

// AgentHandler handles the conversational identification endpoints.
type AgentHandler struct {
	agent  service.AgentService
	logger *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(agent service.AgentService, logger *zap.Logger) *AgentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentHandler{agent: agent, logger: logger.Named("handler")}
}

// StartSession handles POST /api/v1/sessions
func (h *AgentHandler) StartSession(c *gin.Context) {
	v, err := h.agent.StartSession(c.Request.Context())
	if err != nil {
		HandleError(c, h.logger, err)
		return
	}
	RespondCreated(c, v)
}

// GetSession handles GET /api/v1/sessions/:id
func (h *AgentHandler) GetSession(c *gin.Context) {
	h.respond(c)(h.agent.GetSession(c.Request.Context(), c.Param("id")))
}

type identifyRequest struct {
	Text        string `json:"text"`
	ImageBase64 string `json:"imageBase64"`
	MimeType    string `json:"mimeType"`
}

// Identify handles POST /api/v1/sessions/:id/identify
// Clients that accept text/event-stream receive "field" events while the
// answer streams in, then a final "session" or "error" event.
func (h *AgentHandler) Identify(c *gin.Context) {
	var req identifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	input := service.IdentifyInput{Text: req.Text, ImageBase64: req.ImageBase64, MimeType: req.MimeType}

	if !wantsStream(c) {
		h.respond(c)(h.agent.Identify(c.Request.Context(), c.Param("id"), input, nil))
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	v, err := h.agent.Identify(c.Request.Context(), c.Param("id"), input, func(fe stream.FieldEvent) {
		c.SSEvent("field", gin.H{"name": fe.Name, "value": fe.Value})
		c.Writer.Flush()
	})
	if err != nil {
		status, code, msg := MapDomainError(err)
		if status >= 500 {
			h.logger.Error("streamed identification failed", zap.String("session_id", c.Param("id")), zap.Error(err))
		}
		c.SSEvent("error", APIError{Code: code, Message: msg})
		c.Writer.Flush()
		return
	}
	c.SSEvent("session", v)
	c.Writer.Flush()
}

func wantsStream(c *gin.Context) bool {
	return c.Query("stream") == "true" || strings.Contains(c.GetHeader("Accept"), "text/event-stream")
}

// Escalate handles POST /api/v1/sessions/:id/escalate
func (h *AgentHandler) Escalate(c *gin.Context) {
	h.respond(c)(h.agent.Escalate(c.Request.Context(), c.Param("id")))
}

// ChooseCandidate handles POST /api/v1/sessions/:id/choose
func (h *AgentHandler) ChooseCandidate(c *gin.Context) {
	var req struct {
		Index *int `json:"index" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "INVALID_REQUEST", "index is required")
		return
	}
	h.respond(c)(h.agent.ChooseCandidate(c.Request.Context(), c.Param("id"), *req.Index))
}

// StartAddToCellar handles POST /api/v1/sessions/:id/add
func (h *AgentHandler) StartAddToCellar(c *gin.Context) {
	h.respond(c)(h.agent.StartAddToCellar(c.Request.Context(), c.Param("id")))
}

// ProvideEntity handles POST /api/v1/sessions/:id/add/entity
func (h *AgentHandler) ProvideEntity(c *gin.Context) {
	var req struct {
		Name    string `json:"name" binding:"required"`
		Country string `json:"country"`
		Vintage string `json:"vintage"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "INVALID_REQUEST", "name is required")
		return
	}
	h.respond(c)(h.agent.ProvideEntity(c.Request.Context(), c.Param("id"), service.EntityInput{
		Name: req.Name, Country: req.Country, Vintage: req.Vintage,
	}))
}

// ResolveDuplicate handles POST /api/v1/sessions/:id/add/duplicate
// A null existingId keeps the new entity.
func (h *AgentHandler) ResolveDuplicate(c *gin.Context) {
	var req struct {
		ExistingID *int64 `json:"existingId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	h.respond(c)(h.agent.ResolveDuplicate(c.Request.Context(), c.Param("id"), req.ExistingID))
}

// SubmitBottleDetails handles POST /api/v1/sessions/:id/add/bottle
func (h *AgentHandler) SubmitBottleDetails(c *gin.Context) {
	var req struct {
		Part            int      `json:"part" binding:"required,oneof=1 2"`
		Size            string   `json:"size"`
		StorageLocation string   `json:"storageLocation"`
		Quantity        int      `json:"quantity"`
		Price           *float64 `json:"price"`
		Currency        string   `json:"currency"`
		PurchaseDate    string   `json:"purchaseDate"`
		Notes           string   `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "INVALID_REQUEST", "part must be 1 or 2")
		return
	}
	h.respond(c)(h.agent.SubmitBottleDetails(c.Request.Context(), c.Param("id"), service.BottleInput{
		Part:            req.Part,
		Size:            req.Size,
		StorageLocation: req.StorageLocation,
		Quantity:        req.Quantity,
		Price:           req.Price,
		Currency:        req.Currency,
		PurchaseDate:    req.PurchaseDate,
		Notes:           req.Notes,
	}))
}

// RetrySubmit handles POST /api/v1/sessions/:id/add/retry
func (h *AgentHandler) RetrySubmit(c *gin.Context) {
	h.respond(c)(h.agent.RetrySubmit(c.Request.Context(), c.Param("id")))
}

// ConfirmNewSearch handles POST /api/v1/sessions/:id/new-search
func (h *AgentHandler) ConfirmNewSearch(c *gin.Context) {
	h.respond(c)(h.agent.ConfirmNewSearch(c.Request.Context(), c.Param("id")))
}

// Reset handles POST /api/v1/sessions/:id/reset
func (h *AgentHandler) Reset(c *gin.Context) {
	h.respond(c)(h.agent.Reset(c.Request.Context(), c.Param("id")))
}

// CheckDuplicate handles POST /api/v1/catalog/duplicates
func (h *AgentHandler) CheckDuplicate(c *gin.Context) {
	var req domain.DuplicateCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	res, err := h.agent.CheckDuplicate(c.Request.Context(), req)
	if err != nil {
		HandleError(c, h.logger, err)
		return
	}
	RespondOK(c, res)
}

func (h *AgentHandler) respond(c *gin.Context) func(*service.SessionView, error) {
	return func(v *service.SessionView, err error) {
		if err != nil {
			HandleError(c, h.logger, err)
			return
		}
		RespondOK(c, v)
	}
}
