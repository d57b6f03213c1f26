// Package api exposes the provisioner over HTTP for long-running deployments.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Router wraps a configured Gin engine and exposes it as an http.Handler.
type Router struct {
	engine *gin.Engine
}

// NewRouter registers every route behind the middleware chain: panic
// recovery first, then the otelgin span, then the request log line.
// Background bootstrap runs are bounded by bootstrapTimeout.
func NewRouter(svc provisionerService, serviceName string, bootstrapTimeout time.Duration) *Router {
	engine := gin.New()

	engine.Use(Recovery(slog.Default()))
	engine.Use(Tracing(serviceName))
	engine.Use(RequestLogger(slog.Default()))

	h := &Handler{svc: svc, bootstrapTimeout: bootstrapTimeout}

	v1 := engine.Group("/api/v1")
	v1.POST("/bootstrap", h.Bootstrap)
	v1.GET("/bootstrap", h.LastBootstrap)
	v1.GET("/inventory", h.Inventory)

	engine.GET("/health", h.Health)
	engine.GET("/health/deep", h.DeepHealth)
	engine.GET("/ready", h.Ready)

	return &Router{engine: engine}
}

// Handler returns the underlying http.Handler for use with net/http servers.
func (r *Router) Handler() http.Handler {
	return r.engine
}
