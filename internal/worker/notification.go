package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cuongbtq/agentflow/internal/domain"
	"github.com/cuongbtq/agentflow/internal/metrics"
	"github.com/cuongbtq/agentflow/internal/notify"
)

// DeliveredKey marks one idempotency key as delivered
func DeliveredKey(idempotencyKey string) string {
	return "delivered:" + idempotencyKey
}

// NotificationHandler delivers replies at most once per idempotency key
// within the delivery window
type NotificationHandler struct {
	rdb       *goredis.Client
	deliverer notify.Deliverer
	ttl       time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewNotificationHandler creates a NotificationHandler
func NewNotificationHandler(rdb *goredis.Client, deliverer notify.Deliverer, deliveryTTL time.Duration, m *metrics.Metrics, logger *slog.Logger) *NotificationHandler {
	if m == nil {
		m = metrics.NewNop()
	}
	if deliveryTTL <= 0 {
		deliveryTTL = 7 * 24 * time.Hour
	}
	return &NotificationHandler{
		rdb:       rdb,
		deliverer: deliverer,
		ttl:       deliveryTTL,
		metrics:   m,
		logger:    logger,
	}
}

// Handle processes one notifications job
func (h *NotificationHandler) Handle(ctx context.Context, job *domain.Job) error {
	var n domain.NotificationPayload
	if err := job.DecodePayload(&n); err != nil {
		return err
	}
	if n.IdempotencyKey == "" {
		n.IdempotencyKey = NotificationKey(job.ID)
	}

	key := DeliveredKey(n.IdempotencyKey)
	delivered, err := h.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check delivery: %w", err)
	}
	if delivered > 0 {
		h.metrics.DuplicateDelivery.Inc()
		h.logger.Info("Notification already delivered",
			slog.String("job_id", job.ID),
			slog.String("idempotency_key", n.IdempotencyKey),
		)
		return nil
	}

	if err := h.deliverer.Deliver(ctx, &n); err != nil {
		return err
	}

	if err := h.rdb.Set(ctx, key, job.ID, h.ttl).Err(); err != nil {
		h.logger.Warn("Failed to mark notification delivered",
			slog.String("idempotency_key", n.IdempotencyKey),
			slog.Any("error", err),
		)
	}
	return nil
}
