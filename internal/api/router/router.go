package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/agentflow/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "agentflow-api",
		})
	})

	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	eventHandler := handler.NewEventHandler(deps)
	jobHandler := handler.NewJobHandler(deps)
	deadLetterHandler := handler.NewDeadLetterHandler(deps)
	monitoringHandler := handler.NewMonitoringHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// POST /api/v1/events - Direct event ingestion
		v1.POST("/events", eventHandler.CreateEvent)

		jobs := v1.Group("/jobs")
		{
			// GET /api/v1/jobs/:job_id/progress - Server-sent progress events
			jobs.GET("/:job_id/progress", jobHandler.StreamProgress)

			// POST /api/v1/jobs/:job_id/cancel - Cancel an orchestration job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}

		deadLetters := v1.Group("/deadletters")
		{
			// GET /api/v1/deadletters - List dead letters
			deadLetters.GET("", deadLetterHandler.ListDeadLetters)

			// POST /api/v1/deadletters/:job_id/replay - Replay a dead letter
			deadLetters.POST("/:job_id/replay", deadLetterHandler.ReplayDeadLetter)
		}

		monitoring := v1.Group("/monitoring")
		{
			monitoring.GET("/queues", monitoringHandler.Queues)
			monitoring.GET("/organizations/:org_id", monitoringHandler.Organization)
			monitoring.GET("/stream", monitoringHandler.Stream)
		}
	}

	return r
}
