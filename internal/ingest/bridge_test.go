package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/agentflow/internal/domain"
	"github.com/cuongbtq/agentflow/internal/jobstore"
	"github.com/cuongbtq/agentflow/shared/logger"
)

type ackRecord struct {
	acked   bool
	nacked  bool
	requeue bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	records map[uint64]*ackRecord
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{records: map[uint64]*ackRecord{}}
}

func (a *fakeAcknowledger) record(tag uint64) *ackRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.records[tag]
	if !ok {
		r = &ackRecord{}
		a.records[tag] = r
	}
	return r
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.record(tag).acked = true
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	r := a.record(tag)
	r.nacked = true
	r.requeue = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type stubEnqueuer struct {
	err    error
	queues []string
	opts   []jobstore.EnqueueOptions
}

func (e *stubEnqueuer) Enqueue(ctx context.Context, queue string, payload any, opts jobstore.EnqueueOptions) (string, error) {
	if e.err != nil {
		return "", e.err
	}
	e.queues = append(e.queues, queue)
	e.opts = append(e.opts, opts)
	return "job-1", nil
}

const validBody = `{"platform":"slack","organization_id":"org-a","user_id":"U1","channel_id":"C1","event_id":"Ev1","text":"hello"}`

func TestBridge_Handle(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		enqueueErr  error
		wantAck     bool
		wantRequeue bool
	}{
		{name: "accepted", body: validBody, wantAck: true},
		{name: "malformed json", body: `{not json`},
		{name: "missing organization", body: `{"platform":"slack","user_id":"U1","text":"hi"}`},
		{
			name:       "rate limited",
			body:       validBody,
			enqueueErr: &domain.RateLimitedError{OrganizationID: "org-a", Class: domain.ClassIngestion, RetryAfter: time.Second},
		},
		{
			name:        "transient",
			body:        validBody,
			enqueueErr:  errors.New("redis: connection refused"),
			wantRequeue: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acks := newFakeAcknowledger()
			enq := &stubEnqueuer{err: tt.enqueueErr}
			b := NewBridge(nil, enq, "test", 10, logger.NewDiscard())

			b.handle(context.Background(), amqp.Delivery{Acknowledger: acks, DeliveryTag: 1, Body: []byte(tt.body)})

			r := acks.record(1)
			assert.Equal(t, tt.wantAck, r.acked)
			assert.Equal(t, !tt.wantAck, r.nacked)
			assert.Equal(t, tt.wantRequeue, r.requeue)
		})
	}
}

func TestSubmit_UsesIngestionAdmission(t *testing.T) {
	enq := &stubEnqueuer{}
	event := &domain.PlatformEvent{Platform: "slack", OrganizationID: " org-a ", UserID: "U1", Text: "hi"}

	id, err := Submit(context.Background(), enq, event)
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	require.Len(t, enq.opts, 1)
	assert.Equal(t, domain.QueueEvents, enq.queues[0])
	assert.Equal(t, "org-a", enq.opts[0].OrganizationID)
	assert.Equal(t, jobstore.AdmitReject, enq.opts[0].Admission)
	assert.Equal(t, domain.DefaultPriority, enq.opts[0].Priority)
}

func TestValidate(t *testing.T) {
	err := Validate(&domain.PlatformEvent{Platform: "slack"})
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Contains(t, err.Error(), "organization_id, user_id, text")

	assert.NoError(t, Validate(&domain.PlatformEvent{Platform: "slack", OrganizationID: "o", UserID: "u", Text: "t"}))
}

type fakeConsumer struct {
	deliveries chan amqp.Delivery
	prefetch   int
}

func (c *fakeConsumer) Consume(consumerTag string, prefetchCount int) (<-chan amqp.Delivery, error) {
	c.prefetch = prefetchCount
	return c.deliveries, nil
}

func TestBridge_Run(t *testing.T) {
	consumer := &fakeConsumer{deliveries: make(chan amqp.Delivery, 2)}
	acks := newFakeAcknowledger()
	enq := &stubEnqueuer{}
	b := NewBridge(consumer, enq, "test", 5, logger.NewDiscard())

	consumer.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 1, Body: []byte(validBody)}
	consumer.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 2, Body: []byte(validBody)}
	close(consumer.deliveries)

	err := b.Run(context.Background())
	require.Error(t, err)

	assert.Equal(t, 5, consumer.prefetch)
	assert.True(t, acks.record(1).acked)
	assert.True(t, acks.record(2).acked)
	assert.Len(t, enq.queues, 2)
}

func TestBridge_RunStopsOnCancel(t *testing.T) {
	consumer := &fakeConsumer{deliveries: make(chan amqp.Delivery)}
	b := NewBridge(consumer, &stubEnqueuer{}, "test", 1, logger.NewDiscard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, b.Run(ctx))
}
