package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/agentflow/internal/domain"
)

const settleTimeout = 5 * time.Second

// process runs one leased job under its timeout with a lease heartbeat, then
// settles it in the store
func (p *Pool) process(ctx context.Context, job *domain.Job) {
	log := p.logger.With(
		slog.String("job_id", job.ID),
		slog.String("worker_id", job.WorkerID),
		slog.Int("attempts", job.Attempts),
	)
	log.Debug("Processing job")

	busy := p.metrics.SlotsBusy.WithLabelValues(p.queue)
	busy.Inc()
	defer busy.Dec()

	jobCtx, cancel := p.jobContext(ctx)
	defer cancel()

	var lost atomic.Bool
	heartbeatDone := make(chan struct{})
	heartbeatStopped := make(chan struct{})
	go func() {
		defer close(heartbeatStopped)
		p.heartbeat(jobCtx, job, heartbeatDone, &lost, cancel)
	}()

	start := time.Now()
	err := p.run(jobCtx, job)
	elapsed := time.Since(start)

	close(heartbeatDone)
	<-heartbeatStopped

	p.metrics.JobDuration.WithLabelValues(p.queue).Observe(elapsed.Seconds())

	if lost.Load() {
		log.Warn("Lease lost during processing, leaving job to its new owner",
			slog.Duration("elapsed", elapsed),
		)
		return
	}

	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer settleCancel()

	if ctx.Err() != nil && err != nil {
		// shutting down: hand the job back without consuming an attempt
		if deferErr := p.store.Defer(settleCtx, job, 0); deferErr != nil {
			log.Error("Failed to release job on shutdown", slog.Any("error", deferErr))
		} else {
			log.Info("Job released on shutdown")
		}
		return
	}

	p.resolve(settleCtx, job, err, log)

	if recErr := p.store.RecordLatency(settleCtx, p.queue, elapsed); recErr != nil {
		log.Warn("Failed to record latency", slog.Any("error", recErr))
	}
}

func (p *Pool) jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.settings.JobTimeout > 0 {
		return context.WithTimeout(ctx, p.settings.JobTimeout)
	}
	return context.WithCancel(ctx)
}

// run calls the handler and turns a panic into a retryable error
func (p *Pool) run(ctx context.Context, job *domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Handler panicked",
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return p.handler.Handle(ctx, job)
}

// resolve maps the handler result onto a store transition
func (p *Pool) resolve(ctx context.Context, job *domain.Job, err error, log *slog.Logger) {
	var deferErr *domain.DeferError

	switch {
	case err == nil:
		p.settle(log, "ack", p.store.Ack(ctx, job))
		log.Debug("Job completed successfully")

	case errors.Is(err, domain.ErrCancelled):
		p.settle(log, "ack", p.store.Ack(ctx, job))
		log.Info("Job cancelled")

	case errors.As(err, &deferErr):
		p.settle(log, "defer", p.store.Defer(ctx, job, deferErr.Delay))
		log.Info("Job deferred",
			slog.Duration("delay", deferErr.Delay),
			slog.String("reason", deferErr.Reason),
		)

	case domain.IsPermanent(err):
		log.Warn("Job failed permanently", slog.Any("error", err))
		if failErr := p.store.Fail(ctx, job, err.Error()); failErr != nil {
			p.settle(log, "fail", failErr)
			return
		}
		p.deadLettered(ctx, job, err)

	default:
		log.Warn("Job execution failed", slog.Any("error", err))
		res, retryErr := p.store.Retry(ctx, job, err.Error())
		if retryErr != nil {
			p.settle(log, "retry", retryErr)
			return
		}
		if res.DeadLettered {
			p.deadLettered(ctx, job, err)
		}
	}
}

func (p *Pool) deadLettered(ctx context.Context, job *domain.Job, cause error) {
	hook, ok := p.handler.(DeadLetterHook)
	if !ok {
		return
	}
	hook.OnDeadLetter(ctx, job, cause)
}

func (p *Pool) settle(log *slog.Logger, action string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, domain.ErrLeaseLost) {
		log.Warn("Lease lost before settling job", slog.String("action", action))
		return
	}
	log.Error("Failed to settle job",
		slog.String("action", action),
		slog.Any("error", err),
	)
}

// heartbeat extends the lease every third of the visibility timeout. A lost
// lease cancels the job.
func (p *Pool) heartbeat(ctx context.Context, job *domain.Job, done <-chan struct{}, lost *atomic.Bool, cancel context.CancelFunc) {
	interval := p.settings.VisibilityTimeout / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.store.Extend(ctx, job, p.settings.VisibilityTimeout)
			if err == nil {
				continue
			}
			if errors.Is(err, domain.ErrLeaseLost) {
				lost.Store(true)
				cancel()
				return
			}
			p.logger.Warn("Failed to extend lease",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
		}
	}
}
