package router

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cellar/internal/handler"
	"cellar/internal/middleware"
)

// Setup configures the Gin engine with all routes and middleware.
func Setup(
	logger *zap.Logger,
	allowedOrigins []string,
	agentH *handler.AgentHandler,
	healthH *handler.HealthHandler,
) *gin.Engine {
	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(allowedOrigins))

	// Health checks
	r.GET("/healthz", healthH.Liveness)
	r.GET("/readyz", healthH.Readiness)

	v1 := r.Group("/api/v1")

	// Conversational identification
	sessions := v1.Group("/sessions")
	sessions.POST("", agentH.StartSession)
	sessions.GET("/:id", agentH.GetSession)
	sessions.POST("/:id/identify", agentH.Identify)
	sessions.POST("/:id/escalate", agentH.Escalate)
	sessions.POST("/:id/choose", agentH.ChooseCandidate)
	sessions.POST("/:id/new-search", agentH.ConfirmNewSearch)
	sessions.POST("/:id/reset", agentH.Reset)

	// Add-to-cellar flow
	add := sessions.Group("/:id/add")
	add.POST("", agentH.StartAddToCellar)
	add.POST("/entity", agentH.ProvideEntity)
	add.POST("/duplicate", agentH.ResolveDuplicate)
	add.POST("/bottle", agentH.SubmitBottleDetails)
	add.POST("/retry", agentH.RetrySubmit)

	v1.POST("/catalog/duplicates", agentH.CheckDuplicate)

	return r
}
