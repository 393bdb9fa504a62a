package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/agentflow/internal/api/dto"
	"github.com/cuongbtq/agentflow/internal/domain"
	"github.com/cuongbtq/agentflow/internal/ingest"
)

// EventHandler accepts chat-platform events over HTTP
type EventHandler struct {
	logger *slog.Logger
	jobs   JobStore
}

// NewEventHandler creates a new EventHandler instance
func NewEventHandler(deps *Dependencies) *EventHandler {
	return &EventHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
	}
}

// CreateEvent handles POST /api/v1/events
// Admits one platform event onto the events queue
func (h *EventHandler) CreateEvent(c *gin.Context) {
	var req domain.PlatformEvent
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	jobID, err := ingest.Submit(c.Request.Context(), h.jobs, &req)
	if err != nil {
		if rl, ok := domain.IsRateLimited(err); ok {
			h.logger.Info("Event rejected by rate limit",
				slog.String("organization_id", rl.OrganizationID),
				slog.Duration("retry_after", rl.RetryAfter),
			)
			abortRateLimited(c, rl)
			return
		}
		if errors.Is(err, domain.ErrValidation) {
			c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
			return
		}

		h.logger.Error("Failed to enqueue event", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to enqueue event"})
		return
	}

	h.logger.Info("Event accepted",
		slog.String("job_id", jobID),
		slog.String("organization_id", req.OrganizationID),
		slog.String("platform", req.Platform),
	)
	c.JSON(http.StatusAccepted, dto.EventAcceptedResponse{JobID: jobID})
}
