package handler

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/agentflow/internal/api/dto"
	"github.com/cuongbtq/agentflow/internal/domain"
	"github.com/cuongbtq/agentflow/internal/jobstore"
	"github.com/cuongbtq/agentflow/internal/monitoring"
	"github.com/cuongbtq/agentflow/internal/progress"
)

// JobStore is the part of the job store the API touches
type JobStore interface {
	Enqueue(ctx context.Context, queue string, payload any, opts jobstore.EnqueueOptions) (string, error)
	Cancel(ctx context.Context, queue, id string) error
	ListDeadLetters(ctx context.Context, filter jobstore.DeadLetterFilter) ([]domain.DeadLetterRecord, error)
	Replay(ctx context.Context, id string) (string, error)
}

// ProgressSource reads progress events of a job
type ProgressSource interface {
	Last(ctx context.Context, jobID string) (*progress.Event, error)
	Subscribe(ctx context.Context, jobID string) (<-chan progress.Event, error)
}

// Monitor is the monitoring surface
type Monitor interface {
	Snapshot(ctx context.Context) (*monitoring.Snapshot, error)
	Organization(ctx context.Context, organizationID string) (*monitoring.OrganizationStatus, error)
	ServeStream(w http.ResponseWriter, r *http.Request)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger   *slog.Logger
	Jobs     JobStore
	Progress ProgressSource
	Monitor  Monitor
	Metrics  http.Handler
}

// abortRateLimited answers 429 with the retry hint in whole seconds
func abortRateLimited(c *gin.Context, rl *domain.RateLimitedError) {
	seconds := int(math.Ceil(rl.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
	c.JSON(http.StatusTooManyRequests, dto.ErrorResponse{
		Error:      "rate limit exceeded",
		RetryAfter: seconds,
	})
}
