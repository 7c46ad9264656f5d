package api

import (
	"vidcompose/config"
	"vidcompose/task"

	"github.com/gin-gonic/gin"
)

func SetupRouter(svc *task.Service, tm *task.Manager, cfg *config.Config) *gin.Engine {
	r := gin.Default()
	h := NewHandler(svc, tm, cfg)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.POST("/compositions", h.handleCreateTask)
		v1.GET("/compositions", h.handleListTasks)
		v1.GET("/compositions/:taskId", h.handleGetTask)
		v1.PATCH("/compositions/:taskId/cancel", h.handleCancelTask)
		v1.POST("/compositions/:taskId/retry", h.handleRetryTask)

		// File download endpoint (does not need auth if URLs are unguessable)
		// but we put it here for consistency.
		v1.GET("/files/:filename", h.handleGetFile)
	}
	return r
}
