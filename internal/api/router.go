// Package api exposes submission, status, webhook and job management endpoints.
package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"voice-transcribe-go/internal/logger"
)

// SessionHeader carries the client session scope.
const SessionHeader = "X-Session-Id"

// NewRouter builds the HTTP router.
func NewRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(h.log))
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", SessionHeader, h.webhookHeader},
		MaxAge:       12 * time.Hour,
	}))
	router.MaxMultipartMemory = 32 << 20

	router.GET("/health", h.Health)
	router.POST("/api/transcribe", h.Submit)
	router.POST("/api/webhook/transcription", h.Webhook)

	jobs := router.Group("/api/jobs")
	jobs.GET("", h.ListJobs)
	jobs.GET("/:id", h.GetJob)
	jobs.GET("/:id/events", h.GetEvents)
	jobs.DELETE("/:id", h.CancelJob)
	jobs.POST("/:id/resubmit", h.Resubmit)

	return router
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := log.WithRequest(c.Request).
			WithField("status", c.Writer.Status()).
			WithField("latency_ms", time.Since(start).Milliseconds())
		if c.Writer.Status() >= 500 {
			entry.Error("request failed")
			return
		}
		entry.Debug("request served")
	}
}
