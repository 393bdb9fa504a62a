package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/agentflow/internal/domain"
	"github.com/cuongbtq/agentflow/shared/rabbitmq"
)

// Deliverer sends one reply to its originating channel
type Deliverer interface {
	Deliver(ctx context.Context, n *domain.NotificationPayload) error
}

// Publisher is the broker side of AMQPDeliverer
type Publisher interface {
	PublishWithRetry(ctx context.Context, msg rabbitmq.Message) error
}

// Outbound is the message body read by chat platform connectors
type Outbound struct {
	IdempotencyKey string            `json:"idempotency_key"`
	OrganizationID string            `json:"organization_id"`
	UserID         string            `json:"user_id"`
	SessionID      string            `json:"session_id"`
	Platform       string            `json:"platform"`
	ChannelID      string            `json:"channel_id,omitempty"`
	ThreadID       string            `json:"thread_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Text           string            `json:"text"`
	ErrorKind      string            `json:"error_kind,omitempty"`
	Truncated      bool              `json:"truncated,omitempty"`
}

// NewOutbound flattens a notification into its wire shape
func NewOutbound(n *domain.NotificationPayload) Outbound {
	return Outbound{
		IdempotencyKey: n.IdempotencyKey,
		OrganizationID: n.OrganizationID,
		UserID:         n.UserID,
		SessionID:      n.SessionID,
		Platform:       n.Destination.Platform,
		ChannelID:      n.Destination.ChannelID,
		ThreadID:       n.Destination.ThreadID,
		Metadata:       n.Destination.Metadata,
		Text:           n.Text,
		ErrorKind:      n.ErrorKind,
		Truncated:      n.Truncated,
	}
}

// AMQPDeliverer publishes replies to the delivery exchange. The routing key
// is the destination platform and the AMQP message id is the idempotency
// key, so connectors can drop redeliveries.
type AMQPDeliverer struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewAMQPDeliverer creates an AMQPDeliverer
func NewAMQPDeliverer(publisher Publisher, logger *slog.Logger) *AMQPDeliverer {
	return &AMQPDeliverer{publisher: publisher, logger: logger}
}

// Deliver publishes n
func (d *AMQPDeliverer) Deliver(ctx context.Context, n *domain.NotificationPayload) error {
	body, err := json.Marshal(NewOutbound(n))
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	err = d.publisher.PublishWithRetry(ctx, rabbitmq.Message{
		Body:        body,
		ContentType: "application/json",
		MessageID:   n.IdempotencyKey,
		RoutingKey:  n.Destination.Platform,
	})
	if err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}

	d.logger.Info("Notification delivered",
		slog.String("idempotency_key", n.IdempotencyKey),
		slog.String("platform", n.Destination.Platform),
		slog.String("session_id", n.SessionID),
	)
	return nil
}

// LogDeliverer writes replies to the log. Used when no delivery broker is
// configured.
type LogDeliverer struct {
	logger *slog.Logger
}

// NewLogDeliverer creates a LogDeliverer
func NewLogDeliverer(logger *slog.Logger) *LogDeliverer {
	return &LogDeliverer{logger: logger}
}

// Deliver logs n
func (d *LogDeliverer) Deliver(ctx context.Context, n *domain.NotificationPayload) error {
	d.logger.Info("Notification",
		slog.String("idempotency_key", n.IdempotencyKey),
		slog.String("organization_id", n.OrganizationID),
		slog.String("session_id", n.SessionID),
		slog.String("error_kind", n.ErrorKind),
		slog.Bool("truncated", n.Truncated),
		slog.String("text", n.Text),
	)
	return nil
}
