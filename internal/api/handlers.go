package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"webcrawler/provisioner/internal/provisioner"
)

// provisionerService is the subset of *provisioner.Provisioner the handlers
// use.
type provisionerService interface {
	RunBootstrap(ctx context.Context) (*provisioner.BootstrapResult, error)
	RunDeepHealth(ctx context.Context) map[string]provisioner.ProbeResult
	Inspect(ctx context.Context) (*provisioner.Inventory, error)
	IsReady() bool
	IsBootstrapInProgress() bool
	LastResult() *provisioner.BootstrapResult
}

// Handler holds the dependencies shared across all HTTP handlers.
type Handler struct {
	svc              provisionerService
	bootstrapTimeout time.Duration
}

// Bootstrap handles POST /api/v1/bootstrap. It answers 202 and runs the
// bootstrap in the background, or 409 when a run is already active.
func (h *Handler) Bootstrap(c *gin.Context) {
	if h.svc.IsBootstrapInProgress() {
		c.JSON(http.StatusConflict, gin.H{"status": provisioner.StatusInProgress})
		return
	}
	go h.runBootstrap() //nolint:contextcheck
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// runBootstrap outlives the request, so it gets its own deadline.
func (h *Handler) runBootstrap() {
	ctx, cancel := context.WithTimeout(context.Background(), h.bootstrapTimeout)
	defer cancel()

	_, err := h.svc.RunBootstrap(ctx)
	switch {
	case err == nil:
	case errors.Is(err, provisioner.ErrBootstrapInProgress), errors.Is(err, provisioner.ErrLockHeld):
		slog.Warn("bootstrap not started", "err", err)
	default:
		slog.Error("bootstrap failed", "err", err)
	}
}

// LastBootstrap handles GET /api/v1/bootstrap.
func (h *Handler) LastBootstrap(c *gin.Context) {
	res := h.svc.LastResult()
	if res == nil {
		c.JSON(http.StatusNotFound, gin.H{"status": "never-run"})
		return
	}
	res.Lock()
	defer res.Unlock()
	c.JSON(http.StatusOK, res)
}

// Inventory handles GET /api/v1/inventory. Drift is reported in the body;
// only an unreachable server is an error.
func (h *Handler) Inventory(c *gin.Context) {
	inv, err := h.svc.Inspect(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"status": provisioner.StatusError, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, inv)
}

// Health handles GET /health. It is the liveness probe and always answers 200.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"mode":   "shallow",
	})
}

// DeepHealth handles GET /health/deep: 200 only when every probe passes.
func (h *Handler) DeepHealth(c *gin.Context) {
	probes := h.svc.RunDeepHealth(c.Request.Context())

	status, code := "healthy", http.StatusOK
	for _, p := range probes {
		if !p.OK {
			status, code = "unhealthy", http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(code, gin.H{
		"status":       status,
		"dependencies": probes,
	})
}

// Ready handles GET /ready: 200 once a bootstrap has finished with status ok.
func (h *Handler) Ready(c *gin.Context) {
	if h.svc.IsReady() {
		c.JSON(http.StatusOK, gin.H{"ready": true})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
}
