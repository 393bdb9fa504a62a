package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/agentflow/internal/api/dto"
)

// MonitoringHandler serves queue and organization health
type MonitoringHandler struct {
	logger  *slog.Logger
	monitor Monitor
}

// NewMonitoringHandler creates a new MonitoringHandler instance
func NewMonitoringHandler(deps *Dependencies) *MonitoringHandler {
	return &MonitoringHandler{
		logger:  deps.Logger,
		monitor: deps.Monitor,
	}
}

// Queues handles GET /api/v1/monitoring/queues
func (h *MonitoringHandler) Queues(c *gin.Context) {
	snap, err := h.monitor.Snapshot(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to read queue snapshot", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to read queue snapshot"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Organization handles GET /api/v1/monitoring/organizations/:org_id
func (h *MonitoringHandler) Organization(c *gin.Context) {
	orgID := c.Param("org_id")

	status, err := h.monitor.Organization(c.Request.Context(), orgID)
	if err != nil {
		h.logger.Error("Failed to read organization status",
			slog.String("organization_id", orgID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to read organization status"})
		return
	}
	c.JSON(http.StatusOK, status)
}

// Stream handles GET /api/v1/monitoring/stream
// Upgrades to a WebSocket pushing periodic snapshots
func (h *MonitoringHandler) Stream(c *gin.Context) {
	h.monitor.ServeStream(c.Writer, c.Request)
}
