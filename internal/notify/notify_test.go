package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/agentflow/internal/domain"
	"github.com/cuongbtq/agentflow/shared/logger"
	"github.com/cuongbtq/agentflow/shared/rabbitmq"
)

type fakePublisher struct {
	messages []rabbitmq.Message
	err      error
}

func (p *fakePublisher) PublishWithRetry(ctx context.Context, msg rabbitmq.Message) error {
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

func samplePayload() *domain.NotificationPayload {
	return &domain.NotificationPayload{
		IdempotencyKey: "notify:job-1",
		OrganizationID: "org-a",
		UserID:         "u1",
		SessionID:      "slack:T1",
		Destination:    domain.Source{Platform: "slack", ChannelID: "C1", ThreadID: "T1"},
		Text:           "Contact is Ada Lovelace",
		SourceJobID:    "job-1",
	}
}

func TestAMQPDeliverer_Deliver(t *testing.T) {
	pub := &fakePublisher{}
	d := NewAMQPDeliverer(pub, logger.NewDiscard())

	require.NoError(t, d.Deliver(context.Background(), samplePayload()))
	require.Len(t, pub.messages, 1)

	msg := pub.messages[0]
	assert.Equal(t, "notify:job-1", msg.MessageID)
	assert.Equal(t, "slack", msg.RoutingKey)
	assert.Equal(t, "application/json", msg.ContentType)

	var out Outbound
	require.NoError(t, json.Unmarshal(msg.Body, &out))
	assert.Equal(t, "C1", out.ChannelID)
	assert.Equal(t, "T1", out.ThreadID)
	assert.Equal(t, "Contact is Ada Lovelace", out.Text)
	assert.Empty(t, out.ErrorKind)
}

func TestAMQPDeliverer_PublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("channel closed")}
	d := NewAMQPDeliverer(pub, logger.NewDiscard())

	err := d.Deliver(context.Background(), samplePayload())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel closed")
}

func TestLogDeliverer(t *testing.T) {
	d := NewLogDeliverer(logger.NewDiscard())
	assert.NoError(t, d.Deliver(context.Background(), samplePayload()))
}
