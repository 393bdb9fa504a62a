package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/agentflow/internal/config"
	"github.com/cuongbtq/agentflow/internal/domain"
	"github.com/cuongbtq/agentflow/internal/jobstore"
	"github.com/cuongbtq/agentflow/internal/metrics"
)

// Handler processes one leased job. The returned error decides the outcome:
// nil or domain.ErrCancelled acks, *domain.DeferError reschedules, permanent
// errors dead-letter immediately and anything else is retried.
type Handler interface {
	Handle(ctx context.Context, job *domain.Job) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job *domain.Job) error

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, job *domain.Job) error {
	return f(ctx, job)
}

// DeadLetterHook is implemented by handlers that react to jobs ending in the
// dead letter store. cause is the error of the final attempt.
type DeadLetterHook interface {
	OnDeadLetter(ctx context.Context, job *domain.Job, cause error)
}

// Queue is the job store seen by a pool
type Queue interface {
	Lease(ctx context.Context, queue, workerID string, visibility time.Duration) (*domain.Job, error)
	Extend(ctx context.Context, job *domain.Job, visibility time.Duration) error
	Ack(ctx context.Context, job *domain.Job) error
	Retry(ctx context.Context, job *domain.Job, reason string) (jobstore.RetryResult, error)
	Defer(ctx context.Context, job *domain.Job, delay time.Duration) error
	Fail(ctx context.Context, job *domain.Job, reason string) error
	RecordLatency(ctx context.Context, queue string, d time.Duration) error
}

// Config holds pool configuration
type Config struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Store    Queue
	Queue    string
	WorkerID string
	Settings config.QueueConfig
	Handler  Handler
}

// Pool runs a fixed number of slots, each leasing and processing one job at
// a time from a single queue
type Pool struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	store    Queue
	queue    string
	workerID string
	settings config.QueueConfig
	handler  Handler
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewPool creates a new pool instance
func NewPool(cfg *Config) *Pool {
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewNop()
	}

	settings := cfg.Settings
	if settings.Concurrency <= 0 {
		settings.Concurrency = 1
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = 200 * time.Millisecond
	}
	if settings.VisibilityTimeout <= 0 {
		settings.VisibilityTimeout = 30 * time.Second
	}

	return &Pool{
		logger:   cfg.Logger.With(slog.String("queue", cfg.Queue)),
		metrics:  m,
		store:    cfg.Store,
		queue:    cfg.Queue,
		workerID: cfg.WorkerID,
		settings: settings,
		handler:  cfg.Handler,
		stopChan: make(chan struct{}),
	}
}

// Start spawns the slots and returns immediately
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("Starting worker pool",
		slog.Int("concurrency", p.settings.Concurrency),
		slog.Duration("job_timeout", p.settings.JobTimeout),
		slog.Duration("visibility_timeout", p.settings.VisibilityTimeout),
	)
	p.spawnSlots(ctx)
}

// Stop stops leasing and waits for in-flight jobs to settle
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool...")
		close(p.stopChan)
	})
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}
