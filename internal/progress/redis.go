package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cuongbtq/agentflow/internal/config"
	"github.com/cuongbtq/agentflow/internal/metrics"
)

const publishTimeout = 2 * time.Second

// JobChannel is the pub/sub channel of one job
func JobChannel(jobID string) string {
	return "progress:" + jobID
}

// SessionChannel is the pub/sub channel of one conversation session
func SessionChannel(sessionID string) string {
	return "progress:session:" + sessionID
}

func lastKey(jobID string) string {
	return "progress:" + jobID + ":last"
}

// RedisPublisher fans progress events out over Redis pub/sub from a
// background goroutine. Publish drops the event when the buffer is full.
type RedisPublisher struct {
	rdb     *goredis.Client
	events  chan Event
	lastTTL time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisPublisher creates a publisher. Call Start before publishing.
func NewRedisPublisher(rdb *goredis.Client, cfg config.ProgressConfig, m *metrics.Metrics, logger *slog.Logger) *RedisPublisher {
	size := cfg.BufferSize
	if size <= 0 {
		size = 256
	}
	ttl := cfg.LastTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &RedisPublisher{
		rdb:     rdb,
		events:  make(chan Event, size),
		lastTTL: ttl,
		metrics: m,
		logger:  logger,
	}
}

// Start launches the delivery goroutine
func (p *RedisPublisher) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ctx.Done():
				p.drain()
				return
			case event := <-p.events:
				p.send(event)
			}
		}
	}()
}

// Publish enqueues event for delivery without blocking
func (p *RedisPublisher) Publish(event Event) {
	select {
	case p.events <- event:
	default:
		p.metrics.ProgressDropped.Inc()
		p.logger.Warn("Progress event dropped",
			slog.String("job_id", event.JobID),
			slog.String("state", string(event.State)),
		)
	}
}

// Close stops the delivery goroutine after flushing buffered events
func (p *RedisPublisher) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *RedisPublisher) drain() {
	for {
		select {
		case event := <-p.events:
			p.send(event)
		default:
			return
		}
	}
}

func (p *RedisPublisher) send(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal progress event", slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	_, err = p.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, lastKey(event.JobID), data, p.lastTTL)
		pipe.Publish(ctx, JobChannel(event.JobID), data)
		if event.SessionID != "" {
			pipe.Publish(ctx, SessionChannel(event.SessionID), data)
		}
		return nil
	})
	if err != nil {
		p.logger.Warn("Failed to publish progress event",
			slog.String("job_id", event.JobID),
			slog.Any("error", err),
		)
	}
}

// Subscriber reads progress events for the streaming endpoint
type Subscriber struct {
	rdb *goredis.Client
}

// NewSubscriber creates a Subscriber
func NewSubscriber(rdb *goredis.Client) *Subscriber {
	return &Subscriber{rdb: rdb}
}

// Last returns the most recent event of jobID, or nil if none is retained
func (s *Subscriber) Last(ctx context.Context, jobID string) (*Event, error) {
	data, err := s.rdb.Get(ctx, lastKey(jobID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last progress: %w", err)
	}

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to decode last progress: %w", err)
	}
	return &event, nil
}

// Subscribe streams events of jobID until ctx is done. The channel is closed
// once the subscription ends.
func (s *Subscriber) Subscribe(ctx context.Context, jobID string) (<-chan Event, error) {
	ps := s.rdb.Subscribe(ctx, JobChannel(jobID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to progress: %w", err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer ps.Close()

		messages := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
