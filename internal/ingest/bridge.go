package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/agentflow/internal/domain"
	"github.com/cuongbtq/agentflow/internal/jobstore"
)

// Enqueuer adds jobs to a queue
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload any, opts jobstore.EnqueueOptions) (string, error)
}

// Consumer starts a manual-ack consumer
type Consumer interface {
	Consume(consumerTag string, prefetchCount int) (<-chan amqp.Delivery, error)
}

// Validate checks the fields every inbound event must carry
func Validate(event *domain.PlatformEvent) error {
	var missing []string
	if strings.TrimSpace(event.Platform) == "" {
		missing = append(missing, "platform")
	}
	if strings.TrimSpace(event.OrganizationID) == "" {
		missing = append(missing, "organization_id")
	}
	if strings.TrimSpace(event.UserID) == "" {
		missing = append(missing, "user_id")
	}
	if strings.TrimSpace(event.Text) == "" {
		missing = append(missing, "text")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", domain.ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}

// Submit validates event and enqueues it on the events queue subject to the
// ingestion rate limit. Rejections are returned as *domain.RateLimitedError.
func Submit(ctx context.Context, enqueuer Enqueuer, event *domain.PlatformEvent) (string, error) {
	if err := Validate(event); err != nil {
		return "", err
	}
	return enqueuer.Enqueue(ctx, domain.QueueEvents, event, jobstore.EnqueueOptions{
		Priority:       domain.DefaultPriority,
		OrganizationID: strings.TrimSpace(event.OrganizationID),
		UserID:         strings.TrimSpace(event.UserID),
		Admission:      jobstore.AdmitReject,
	})
}

// Bridge moves chat-platform events from the connector queue onto the
// events queue
type Bridge struct {
	consumer    Consumer
	enqueuer    Enqueuer
	consumerTag string
	prefetch    int
	logger      *slog.Logger
}

// NewBridge creates a Bridge
func NewBridge(consumer Consumer, enqueuer Enqueuer, consumerTag string, prefetch int, logger *slog.Logger) *Bridge {
	return &Bridge{
		consumer:    consumer,
		enqueuer:    enqueuer,
		consumerTag: consumerTag,
		prefetch:    prefetch,
		logger:      logger,
	}
}

// Run consumes deliveries until ctx is done or the broker closes the
// delivery channel
func (b *Bridge) Run(ctx context.Context) error {
	deliveries, err := b.consumer.Consume(b.consumerTag, b.prefetch)
	if err != nil {
		return fmt.Errorf("failed to start ingestion consumer: %w", err)
	}

	b.logger.Info("Ingestion bridge started",
		slog.String("consumer_tag", b.consumerTag),
		slog.Int("prefetch_count", b.prefetch),
	)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Ingestion bridge stopped - context canceled")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				b.logger.Warn("RabbitMQ delivery channel closed")
				return errors.New("ingestion delivery channel closed")
			}
			b.handle(ctx, delivery)
		}
	}
}

// handle acks accepted events. Malformed and rate-limited deliveries are
// rejected to the dead-letter exchange, transient failures are requeued.
func (b *Bridge) handle(ctx context.Context, delivery amqp.Delivery) {
	var event domain.PlatformEvent
	if err := json.Unmarshal(delivery.Body, &event); err != nil {
		b.logger.Error("Failed to parse event JSON",
			slog.String("message_id", delivery.MessageId),
			slog.Any("error", err),
		)
		b.nack(delivery, false)
		return
	}

	jobID, err := Submit(ctx, b.enqueuer, &event)
	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			b.logger.Error("Failed to ACK message",
				slog.String("job_id", jobID),
				slog.Any("error", ackErr),
			)
			return
		}
		b.logger.Debug("Event ingested",
			slog.String("job_id", jobID),
			slog.String("organization_id", event.OrganizationID),
		)
		return
	}

	if rl, ok := domain.IsRateLimited(err); ok {
		b.logger.Warn("Event rejected by rate limit",
			slog.String("organization_id", rl.OrganizationID),
			slog.Duration("retry_after", rl.RetryAfter),
		)
		b.nack(delivery, false)
		return
	}

	if domain.IsPermanent(err) {
		b.logger.Error("Invalid event",
			slog.String("message_id", delivery.MessageId),
			slog.Any("error", err),
		)
		b.nack(delivery, false)
		return
	}

	b.logger.Error("Failed to enqueue event, requeueing",
		slog.String("message_id", delivery.MessageId),
		slog.Any("error", err),
	)
	b.nack(delivery, true)
}

func (b *Bridge) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		b.logger.Error("Failed to NACK message",
			slog.Bool("requeue", requeue),
			slog.Any("error", err),
		)
	}
}
