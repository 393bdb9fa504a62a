package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/cuongbtq/agentflow/internal/config"
	"github.com/cuongbtq/agentflow/internal/domain"
	"github.com/cuongbtq/agentflow/internal/metrics"
	"github.com/cuongbtq/agentflow/internal/ratelimit"
)

const (
	// promoteBatch bounds how many delayed or expired jobs one lease moves
	promoteBatch = 100

	throughputTTL = time.Hour
	latencySample = 1000
)

// Admission decides what Enqueue does when the rate limiter denies
type Admission int

const (
	// AdmitReject returns a *domain.RateLimitedError. Used for inbound work.
	AdmitReject Admission = iota
	// AdmitOverLimit enqueues anyway and logs. Used for internal continuation.
	AdmitOverLimit
)

// Admitter is the rate limiter seen by the store
type Admitter interface {
	Admit(ctx context.Context, organizationID, class string) (ratelimit.Decision, error)
}

// EnqueueOptions holds per-job enqueue settings
type EnqueueOptions struct {
	Priority       int
	OrganizationID string
	UserID         string
	Delay          time.Duration
	MaxAttempts    int // zero uses the queue setting
	Admission      Admission

	// JobID makes the enqueue idempotent: an existing job with the same id
	// in the queue is left untouched. Empty generates a new id.
	JobID string
}

// RetryResult describes what Retry did with the job
type RetryResult struct {
	DeadLettered bool
	Attempts     int
	Delay        time.Duration
}

// Store is a Redis-backed prioritized job queue with leases, delayed retries
// and a dead letter store. All state transitions run as Lua scripts so
// independent worker processes can share it.
type Store struct {
	rdb     *goredis.Client
	queues  map[string]config.QueueConfig
	limiter Admitter
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
	jitter  func(n int64) int64
}

// New creates a job store. limiter may be nil to disable admission control.
func New(rdb *goredis.Client, queues map[string]config.QueueConfig, limiter Admitter, m *metrics.Metrics, logger *slog.Logger) *Store {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Store{
		rdb:     rdb,
		queues:  queues,
		limiter: limiter,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the time source
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Queues returns the configured queue names
func (s *Store) Queues() []string {
	names := make([]string, 0, len(s.queues))
	for _, name := range []string{domain.QueueEvents, domain.QueueOrchestration, domain.QueueNotifications} {
		if _, ok := s.queues[name]; ok {
			names = append(names, name)
		}
	}
	for name := range s.queues {
		if !isPipelineQueue(name) {
			names = append(names, name)
		}
	}
	return names
}

// QueueConfig returns the settings of queue
func (s *Store) QueueConfig(queue string) (config.QueueConfig, error) {
	cfg, ok := s.queues[queue]
	if !ok {
		return config.QueueConfig{}, fmt.Errorf("unknown queue %q", queue)
	}
	return cfg, nil
}

// Enqueue stores a new job and makes it leasable now or after opts.Delay
func (s *Store) Enqueue(ctx context.Context, queue string, payload any, opts EnqueueOptions) (string, error) {
	cfg, err := s.QueueConfig(queue)
	if err != nil {
		return "", err
	}

	if opts.Priority < domain.MinPriority || opts.Priority > domain.MaxPriority {
		return "", fmt.Errorf("%w: priority %d outside [%d, %d]", domain.ErrValidation, opts.Priority, domain.MinPriority, domain.MaxPriority)
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return "", err
	}

	// A caller-chosen id that is already queued is not a new admission
	if opts.JobID != "" {
		n, err := s.rdb.Exists(ctx, jobKey(queue, opts.JobID)).Result()
		if err != nil {
			return "", fmt.Errorf("failed to check job: %w", err)
		}
		if n > 0 {
			s.logger.Debug("Job already enqueued",
				slog.String("queue", queue),
				slog.String("job_id", opts.JobID),
			)
			return opts.JobID, nil
		}
	}

	if err := s.admit(ctx, queue, cfg.RateClass, opts); err != nil {
		return "", err
	}

	id := opts.JobID
	if id == "" {
		v7, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("failed to generate job id: %w", err)
		}
		id = v7.String()
	}

	now := s.now()
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = cfg.MaxAttempts
	}

	job := domain.Job{
		ID:             id,
		Queue:          queue,
		Payload:        raw,
		Priority:       opts.Priority,
		MaxAttempts:    maxAttempts,
		ScheduledAt:    now.Add(opts.Delay),
		CreatedAt:      now,
		OrganizationID: opts.OrganizationID,
		UserID:         opts.UserID,
	}

	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	schedule, score := waitingKey(queue), float64(job.Priority)
	if opts.Delay > 0 {
		schedule, score = delayedKey(queue), float64(job.ScheduledAt.UnixMilli())
	}

	created, err := enqueueScript.Run(ctx, s.rdb,
		[]string{jobKey(queue, job.ID), schedule, statKey(queue, statEnqueued)},
		data,
		job.Priority,
		score,
		job.ID,
	).Int()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	if created == 0 {
		s.logger.Debug("Job already enqueued",
			slog.String("queue", queue),
			slog.String("job_id", job.ID),
		)
		return job.ID, nil
	}

	s.metrics.JobOutcome(queue, metrics.OutcomeEnqueued)
	s.logger.Debug("Job enqueued",
		slog.String("queue", queue),
		slog.String("job_id", job.ID),
		slog.String("organization_id", job.OrganizationID),
		slog.Int("priority", job.Priority),
		slog.Duration("delay", opts.Delay),
	)

	return job.ID, nil
}

func (s *Store) admit(ctx context.Context, queue, class string, opts EnqueueOptions) error {
	if s.limiter == nil || opts.OrganizationID == "" || class == "" {
		return nil
	}

	decision, err := s.limiter.Admit(ctx, opts.OrganizationID, class)
	if err != nil {
		return err
	}
	if decision.Allowed {
		return nil
	}

	if opts.Admission == AdmitOverLimit {
		s.logger.Warn("Enqueueing over rate limit",
			slog.String("queue", queue),
			slog.String("organization_id", opts.OrganizationID),
			slog.String("class", class),
		)
		return nil
	}

	s.metrics.JobOutcome(queue, metrics.OutcomeRejected)
	return &domain.RateLimitedError{
		OrganizationID: opts.OrganizationID,
		Class:          class,
		RetryAfter:     decision.RetryAfter,
	}
}

// Lease claims the next due job of queue for workerID. It returns nil when
// the queue is empty. The job stays invisible to other leasers until the
// visibility timeout elapses, after which it is reclaimed.
func (s *Store) Lease(ctx context.Context, queue, workerID string, visibility time.Duration) (*domain.Job, error) {
	now := s.now()
	token := uuid.NewString()

	res, err := leaseScript.Run(ctx, s.rdb,
		[]string{waitingKey(queue), delayedKey(queue), activeKey(queue), statKey(queue, statReclaimed)},
		msArg(now),
		msArg(now.Add(visibility)),
		token,
		workerID,
		queue+":",
		promoteBatch,
	).StringSlice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lease job: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("lease returned %d values", len(res))
	}

	var job domain.Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", res[0], err)
	}
	job.LeaseToken = token
	job.WorkerID = workerID

	s.metrics.JobOutcome(queue, metrics.OutcomeLeased)
	return &job, nil
}

// Extend pushes the lease deadline of job to now+visibility
func (s *Store) Extend(ctx context.Context, job *domain.Job, visibility time.Duration) error {
	ok, err := extendScript.Run(ctx, s.rdb,
		[]string{jobKey(job.Queue, job.ID), activeKey(job.Queue)},
		job.LeaseToken,
		job.ID,
		msArg(s.now().Add(visibility)),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	return s.leaseResult(job, ok)
}

// Ack removes a successfully processed job
func (s *Store) Ack(ctx context.Context, job *domain.Job) error {
	ok, err := ackScript.Run(ctx, s.rdb,
		[]string{
			jobKey(job.Queue, job.ID),
			activeKey(job.Queue),
			statKey(job.Queue, statCompleted),
			throughputKey(job.Queue, s.now()),
		},
		job.LeaseToken,
		job.ID,
		int64(throughputTTL.Seconds()),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	if err := s.leaseResult(job, ok); err != nil {
		return err
	}

	s.metrics.JobOutcome(job.Queue, metrics.OutcomeAcked)
	return nil
}

// Retry consumes one attempt. The job is rescheduled with exponential backoff,
// or moved to the dead letter store when no attempts are left.
func (s *Store) Retry(ctx context.Context, job *domain.Job, reason string) (RetryResult, error) {
	cfg, err := s.QueueConfig(job.Queue)
	if err != nil {
		return RetryResult{}, err
	}

	attempts := job.Attempts + 1
	if attempts >= job.MaxAttempts {
		if err := s.deadLetter(ctx, job, attempts, reason); err != nil {
			return RetryResult{}, err
		}
		return RetryResult{DeadLettered: true, Attempts: attempts}, nil
	}

	delay := Backoff(cfg.BaseBackoff, attempts, s.jitter)
	next := *job
	next.Attempts = attempts
	next.LastError = reason
	next.ScheduledAt = s.now().Add(delay)

	if err := s.reschedule(ctx, &next, statRetried); err != nil {
		return RetryResult{}, err
	}
	*job = next

	s.metrics.JobOutcome(job.Queue, metrics.OutcomeRetried)
	s.logger.Info("Job scheduled for retry",
		slog.String("queue", job.Queue),
		slog.String("job_id", job.ID),
		slog.Int("attempts", attempts),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.Duration("delay", delay),
		slog.String("reason", reason),
	)

	return RetryResult{Attempts: attempts, Delay: delay}, nil
}

// Defer reschedules job after delay without consuming an attempt
func (s *Store) Defer(ctx context.Context, job *domain.Job, delay time.Duration) error {
	next := *job
	next.ScheduledAt = s.now().Add(delay)

	if err := s.reschedule(ctx, &next, statDeferred); err != nil {
		return err
	}
	*job = next

	s.metrics.JobOutcome(job.Queue, metrics.OutcomeDeferred)
	return nil
}

// Fail moves job to the dead letter store without further retries
func (s *Store) Fail(ctx context.Context, job *domain.Job, reason string) error {
	return s.deadLetter(ctx, job, job.Attempts+1, reason)
}

// Cancel flags a queued or running job as cancelled. Workers observe the flag
// between execution rounds.
func (s *Store) Cancel(ctx context.Context, queue, id string) error {
	ok, err := cancelScript.Run(ctx, s.rdb, []string{jobKey(queue, id)}).Int()
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	if ok == 0 {
		return domain.ErrJobNotFound
	}

	s.logger.Info("Job cancellation requested",
		slog.String("queue", queue),
		slog.String("job_id", id),
	)
	return nil
}

// IsCancelled reports whether the cancellation flag is set on job
func (s *Store) IsCancelled(ctx context.Context, job *domain.Job) (bool, error) {
	v, err := s.rdb.HGet(ctx, jobKey(job.Queue, job.ID), "cancelled").Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancellation flag: %w", err)
	}
	return v == "1", nil
}

func (s *Store) reschedule(ctx context.Context, job *domain.Job, stat string) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ok, err := rescheduleScript.Run(ctx, s.rdb,
		[]string{jobKey(job.Queue, job.ID), activeKey(job.Queue), delayedKey(job.Queue), statKey(job.Queue, stat)},
		job.LeaseToken,
		job.ID,
		data,
		msArg(job.ScheduledAt),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	return s.leaseResult(job, ok)
}

func (s *Store) deadLetter(ctx context.Context, job *domain.Job, attempts int, reason string) error {
	failedAt := s.now()

	dead := *job
	dead.Attempts = attempts
	dead.LastError = reason

	record := domain.DeadLetterRecord{
		Job:      dead,
		Queue:    job.Queue,
		Reason:   reason,
		FailedAt: failedAt,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	ok, err := deadLetterScript.Run(ctx, s.rdb,
		[]string{
			jobKey(job.Queue, job.ID),
			activeKey(job.Queue),
			deadLetterKey(job.ID),
			deadLetterIndexKey,
			deadLetterOrgKey(job.OrganizationID),
			statKey(job.Queue, statFailed),
		},
		job.LeaseToken,
		job.ID,
		data,
		msArg(failedAt),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to dead-letter job: %w", err)
	}
	if err := s.leaseResult(job, ok); err != nil {
		return err
	}
	job.Attempts = attempts
	job.LastError = reason

	s.metrics.JobOutcome(job.Queue, metrics.OutcomeDeadLettered)
	s.logger.Warn("Job moved to dead letter store",
		slog.String("queue", job.Queue),
		slog.String("job_id", job.ID),
		slog.String("organization_id", job.OrganizationID),
		slog.Int("attempts", attempts),
		slog.String("reason", reason),
	)
	return nil
}

func (s *Store) leaseResult(job *domain.Job, ok int) error {
	if ok == 1 {
		return nil
	}
	s.metrics.JobOutcome(job.Queue, metrics.OutcomeLeaseLost)
	s.logger.Warn("Lease lost",
		slog.String("queue", job.Queue),
		slog.String("job_id", job.ID),
		slog.String("worker_id", job.WorkerID),
	)
	return domain.ErrLeaseLost
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, domain.ErrInvalidPayload
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, domain.ErrInvalidPayload
		}
		return p, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return raw, nil
}

func isPipelineQueue(name string) bool {
	return name == domain.QueueEvents || name == domain.QueueOrchestration || name == domain.QueueNotifications
}

func msArg(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
