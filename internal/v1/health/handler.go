// Package health implements the liveness/readiness probes a deployment
// platform polls to decide whether this process is up and whether it
// should receive traffic.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/roomsync/coordinator/internal/v1/bus"
	"github.com/roomsync/coordinator/internal/v1/logging"
	"github.com/roomsync/coordinator/internal/v1/repo"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler serves the health check endpoints.
type Handler struct {
	repo *repo.Store
	bus  *bus.Service
}

// NewHandler constructs a Handler. busSvc may be nil in single-instance
// deployments, where the bus is a no-op and is treated as healthy.
func NewHandler(repoStore *repo.Store, busSvc *bus.Service) *Handler {
	return &Handler{repo: repoStore, bus: busSvc}
}

// LivenessResponse is the liveness probe response body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe response body.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Always returns 200 while the
// process is running: it never checks dependencies.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. Storage is on the critical
// path: a failed Ping fails readiness. The event bus is best-effort —
// in single-instance mode it's a no-op and always reports healthy, so
// it's reported but never fails the overall check.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	healthy := true

	storageStatus := h.checkStorage(ctx)
	checks["storage"] = storageStatus
	if storageStatus != "healthy" {
		healthy = false
	}

	checks["bus"] = h.checkBus(ctx)

	status := "ready"
	code := http.StatusOK
	if !healthy {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkStorage(ctx context.Context) string {
	if h.repo == nil {
		return "healthy"
	}
	if err := h.repo.Ping(ctx); err != nil {
		logging.Error(ctx, "storage health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkBus(ctx context.Context) string {
	if h.bus == nil {
		return "healthy"
	}
	if err := h.bus.Ping(ctx); err != nil {
		logging.Warn(ctx, "bus health check degraded", zap.Error(err))
		return "degraded"
	}
	return "healthy"
}
