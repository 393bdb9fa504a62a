package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/agentflow/internal/api/dto"
	"github.com/cuongbtq/agentflow/internal/domain"
	"github.com/cuongbtq/agentflow/internal/jobstore"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// DeadLetterHandler lists and replays dead-lettered jobs
type DeadLetterHandler struct {
	logger *slog.Logger
	jobs   JobStore
}

// NewDeadLetterHandler creates a new DeadLetterHandler instance
func NewDeadLetterHandler(deps *Dependencies) *DeadLetterHandler {
	return &DeadLetterHandler{
		logger: deps.Logger,
		jobs:   deps.Jobs,
	}
}

// ListDeadLetters handles GET /api/v1/deadletters
// Lists dead letters newest first with optional organization filter and
// cursor pagination
func (h *DeadLetterHandler) ListDeadLetters(c *gin.Context) {
	var req dto.ListDeadLettersRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	if req.Limit <= 0 {
		req.Limit = defaultPageSize
	}
	if req.Limit > maxPageSize {
		req.Limit = maxPageSize
	}

	cursor, err := DecodeDeadLetterCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor"})
		return
	}

	filter := jobstore.DeadLetterFilter{
		OrganizationID: req.OrganizationID,
		Limit:          req.Limit,
	}
	if cursor != nil {
		filter.Before = cursor.FailedAt
		filter.BeforeID = cursor.JobID
	}

	records, err := h.jobs.ListDeadLetters(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list dead letters", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to list dead letters"})
		return
	}

	resp := dto.ListDeadLettersResponse{
		DeadLetters: make([]dto.DeadLetterDTO, len(records)),
	}
	for i, r := range records {
		resp.DeadLetters[i] = dto.DeadLetterDTO{
			JobID:           r.Job.ID,
			Queue:           r.Queue,
			OrganizationID:  r.Job.OrganizationID,
			UserID:          r.Job.UserID,
			Attempts:        r.Job.Attempts,
			Reason:          r.Reason,
			FailedAt:        r.FailedAt.UTC().Format(time.RFC3339),
			ReplayCount:     r.ReplayCount,
			LastReplayedAt:  r.LastReplayedAt,
			LastReplayJobID: r.LastReplayJobID,
		}
	}

	if len(records) == req.Limit {
		lastRecord := records[len(records)-1]
		resp.NextCursor = EncodeDeadLetterCursor(&DeadLetterCursor{
			FailedAt: lastRecord.FailedAt,
			JobID:    lastRecord.Job.ID,
		})
	}

	c.JSON(http.StatusOK, resp)
}

// ReplayDeadLetter handles POST /api/v1/deadletters/:job_id/replay
// Re-enqueues the dead-lettered job as a fresh job; the record is kept
func (h *DeadLetterHandler) ReplayDeadLetter(c *gin.Context) {
	jobID := c.Param("job_id")

	newJobID, err := h.jobs.Replay(c.Request.Context(), jobID)
	if err != nil {
		if rl, ok := domain.IsRateLimited(err); ok {
			abortRateLimited(c, rl)
			return
		}
		if errors.Is(err, domain.ErrDeadLetterNotFound) {
			c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "Dead letter not found"})
			return
		}

		h.logger.Error("Failed to replay dead letter",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to replay dead letter"})
		return
	}

	c.JSON(http.StatusAccepted, dto.ReplayResponse{
		JobID:    jobID,
		NewJobID: newJobID,
	})
}
