package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cuongbtq/agentflow/internal/domain"
	"github.com/cuongbtq/agentflow/internal/jobstore"
	"github.com/cuongbtq/agentflow/internal/metrics"
)

// Enqueuer adds jobs to a queue
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload any, opts jobstore.EnqueueOptions) (string, error)
}

// EventDedupeKey is the key guarding one platform event against redelivery
func EventDedupeKey(organizationID, idempotencyKey string) string {
	return "dedupe:" + organizationID + ":" + idempotencyKey
}

// EventHandler normalizes inbound platform events and hands each one to
// orchestration exactly once per idempotency key. The orchestration job
// reuses the events job id so callers track one id end to end.
type EventHandler struct {
	rdb      *goredis.Client
	enqueuer Enqueuer
	ttl      time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewEventHandler creates an EventHandler
func NewEventHandler(rdb *goredis.Client, enqueuer Enqueuer, dedupeTTL time.Duration, m *metrics.Metrics, logger *slog.Logger) *EventHandler {
	if m == nil {
		m = metrics.NewNop()
	}
	if dedupeTTL <= 0 {
		dedupeTTL = 24 * time.Hour
	}
	return &EventHandler{
		rdb:      rdb,
		enqueuer: enqueuer,
		ttl:      dedupeTTL,
		metrics:  m,
		logger:   logger,
	}
}

// Handle processes one events job
func (h *EventHandler) Handle(ctx context.Context, job *domain.Job) error {
	var event domain.PlatformEvent
	if err := job.DecodePayload(&event); err != nil {
		return err
	}

	canonical := event.Normalize()
	if canonical.OrganizationID == "" {
		return domain.NewPermanentError(fmt.Errorf("%w: event without organization", domain.ErrValidation))
	}

	log := h.logger.With(
		slog.String("job_id", job.ID),
		slog.String("organization_id", canonical.OrganizationID),
	)

	key := event.IdempotencyKey()
	var dedupeKey string
	if key != "" {
		dedupeKey = EventDedupeKey(canonical.OrganizationID, key)
		first, err := h.rdb.SetNX(ctx, dedupeKey, job.ID, h.ttl).Result()
		if err != nil {
			return fmt.Errorf("failed to check event idempotency: %w", err)
		}
		if !first {
			owner, err := h.rdb.Get(ctx, dedupeKey).Result()
			if err != nil && !errors.Is(err, goredis.Nil) {
				return fmt.Errorf("failed to read event idempotency: %w", err)
			}
			switch owner {
			case job.ID:
				// an earlier attempt claimed the key and stopped before enqueueing
			case acceptedMarker(job.ID):
				log.Info("Event already accepted", slog.String("idempotency_key", key))
				return nil
			default:
				h.metrics.DuplicateEvents.Inc()
				log.Info("Duplicate event dropped", slog.String("idempotency_key", key))
				return nil
			}
		}
	}

	orchestrationID, err := h.enqueuer.Enqueue(ctx, domain.QueueOrchestration, domain.OrchestrationPayload{Event: canonical}, jobstore.EnqueueOptions{
		Priority:       job.Priority,
		OrganizationID: canonical.OrganizationID,
		UserID:         canonical.UserID,
		Admission:      jobstore.AdmitReject,
		JobID:          job.ID,
	})
	if err != nil {
		h.release(ctx, dedupeKey)
		if rl, ok := domain.IsRateLimited(err); ok {
			return domain.NewDeferError(rl.RetryAfter, "orchestration rate limited")
		}
		return fmt.Errorf("failed to enqueue orchestration: %w", err)
	}

	if dedupeKey != "" {
		if err := h.rdb.SetArgs(ctx, dedupeKey, acceptedMarker(job.ID), goredis.SetArgs{KeepTTL: true}).Err(); err != nil {
			log.Warn("Failed to mark event accepted", slog.Any("error", err))
		}
	}

	log.Info("Event accepted",
		slog.String("orchestration_job_id", orchestrationID),
		slog.String("session_id", canonical.SessionID),
	)
	return nil
}

// OnDeadLetter replies to the user when an event never reached
// orchestration
func (h *EventHandler) OnDeadLetter(ctx context.Context, job *domain.Job, cause error) {
	var event domain.PlatformEvent
	if err := job.DecodePayload(&event); err != nil || event.Platform == "" {
		return
	}
	canonical := event.Normalize()

	text, kind := MessageFailed, domain.ErrorKindFailed
	if errors.Is(cause, domain.ErrValidation) {
		text, kind = fmt.Sprintf(messageValidation, reason(cause)), domain.ErrorKindValidation
	}

	if err := enqueueReply(ctx, h.enqueuer, job, &canonical, text, kind, false); err != nil {
		h.logger.Error("Failed to enqueue failure notification",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}
}

// acceptedMarker replaces the claim once the orchestration job exists
func acceptedMarker(jobID string) string {
	return "accepted:" + jobID
}

// release drops a claim that did not lead to an orchestration job
func (h *EventHandler) release(ctx context.Context, dedupeKey string) {
	if dedupeKey == "" {
		return
	}
	if err := h.rdb.Del(ctx, dedupeKey).Err(); err != nil {
		h.logger.Warn("Failed to release idempotency key",
			slog.String("key", dedupeKey),
			slog.Any("error", err),
		)
	}
}
