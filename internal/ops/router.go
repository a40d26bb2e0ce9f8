// Package ops serves the health and status endpoints of a long-running
// pipeline process.
package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"apollonia/pkg/logger"
)

// Component describes the process being observed
type Component struct {
	Name    string
	Healthy func(ctx context.Context) bool
	Status  func() any
}

// NewRouter builds the ops routes for c
func NewRouter(c Component, log *zap.Logger) *gin.Engine {
	log = logger.OrDefault(log)

	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())

	router.GET("/health", func(ctx *gin.Context) {
		if c.Healthy != nil && !c.Healthy(ctx.Request.Context()) {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "component": c.Name})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"status": "ok", "component": c.Name})
	})

	router.GET("/status", func(ctx *gin.Context) {
		var stats any
		if c.Status != nil {
			stats = c.Status()
		}
		ctx.JSON(http.StatusOK, gin.H{"component": c.Name, "stats": stats})
	})

	return router
}

// ginLogger is a custom logger middleware for Gin
func ginLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Debug("HTTP Request",
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
