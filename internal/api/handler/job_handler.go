package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/agentflow/internal/api/dto"
	"github.com/cuongbtq/agentflow/internal/domain"
	"github.com/cuongbtq/agentflow/internal/progress"
)

// JobHandler exposes progress and cancellation of orchestration jobs
type JobHandler struct {
	logger   *slog.Logger
	jobs     JobStore
	progress ProgressSource
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:   deps.Logger,
		jobs:     deps.Jobs,
		progress: deps.Progress,
	}
}

// StreamProgress handles GET /api/v1/jobs/:job_id/progress
// Streams progress events as server-sent events until the job reaches a
// terminal state or the client disconnects
func (h *JobHandler) StreamProgress(c *gin.Context) {
	jobID := c.Param("job_id")
	ctx := c.Request.Context()

	// subscribe first so nothing published between the two reads is lost
	events, err := h.progress.Subscribe(ctx, jobID)
	if err != nil {
		h.logger.Error("Failed to subscribe to progress",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to subscribe to progress"})
		return
	}

	last, err := h.progress.Last(ctx, jobID)
	if err != nil {
		h.logger.Warn("Failed to read last progress",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	var sent progress.State
	send := func(e progress.Event) bool {
		if e.State == sent {
			return true
		}
		sent = e.State
		c.SSEvent("progress", e)
		c.Writer.Flush()
		return !e.Final()
	}

	if last != nil && !send(*last) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok || !send(e) {
				return
			}
		}
	}
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Flags an orchestration job; the worker stops it between execution rounds
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")

	err := h.jobs.Cancel(c.Request.Context(), domain.QueueOrchestration, jobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "Job not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to cancel job",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to cancel job"})
		return
	}

	c.JSON(http.StatusAccepted, dto.CancelJobResponse{
		JobID:  jobID,
		Status: "cancellation_requested",
	})
}
