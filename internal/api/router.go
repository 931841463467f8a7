package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/core/internal/common/logger"
)

// RequestLogger is gin middleware logging each request through the
// structured logger.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// SetupRoutes registers the admission surface under the given group.
func SetupRoutes(group *gin.RouterGroup, h *Handler) {
	tasks := group.Group("/tasks")
	{
		tasks.POST("", h.SubmitTask)
		tasks.GET("", h.ListTasks)
		tasks.GET("/:id", h.GetTask)
		tasks.POST("/:id/cancel", h.CancelTask)
	}

	group.GET("/stats", h.GetStats)

	types := group.Group("/agent-types")
	{
		types.POST("", h.RegisterAgentType)
		types.GET("", h.ListAgentTypes)
	}

	agents := group.Group("/agents")
	{
		agents.POST("", h.RegisterAgent)
		agents.GET("", h.ListAgents)
		agents.DELETE("/:id", h.UnregisterAgent)
		agents.POST("/:id/pause", h.PauseAgent)
		agents.POST("/:id/resume", h.ResumeAgent)
		agents.GET("/capability/:capability", h.FindAgentsByCapability)
	}

	group.POST("/decompose", h.Decompose)
	group.POST("/patterns", h.RegisterPatterns)
	group.GET("/bus/history", h.BusHistory)
	group.POST("/consensus/vote", h.Vote)

	sessions := group.Group("/modes")
	{
		sessions.POST("/debate", h.RunDebate)
		sessions.POST("/ensemble", h.RunEnsemble)
		sessions.POST("/pipeline", h.RunPipeline)
		sessions.POST("/critique", h.RunCritique)
		sessions.POST("/swarm", h.RunSwarm)
	}
}
