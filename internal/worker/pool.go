package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// spawnSlots spawns one goroutine per configured slot
func (p *Pool) spawnSlots(ctx context.Context) {
	for i := 0; i < p.settings.Concurrency; i++ {
		p.wg.Add(1)
		go p.slotLoop(ctx, i)
	}

	p.logger.Info("Worker pool spawned successfully",
		slog.Int("slot_count", p.settings.Concurrency),
	)
}

// slotLoop leases and processes jobs until the pool is stopped
func (p *Pool) slotLoop(ctx context.Context, slot int) {
	defer p.wg.Done()

	slotName := fmt.Sprintf("%s-%s-%d", p.workerID, p.queue, slot)
	p.logger.Debug("Worker slot started", slog.String("slot", slotName))

	for {
		if p.stopping(ctx) {
			p.logger.Debug("Worker slot stopping", slog.String("slot", slotName))
			return
		}

		job, err := p.store.Lease(ctx, p.queue, slotName, p.settings.VisibilityTimeout)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("Failed to lease job",
					slog.String("slot", slotName),
					slog.Any("error", err),
				)
			}
			p.wait(ctx, p.settings.PollInterval)
			continue
		}

		if job == nil {
			p.wait(ctx, p.settings.PollInterval)
			continue
		}

		p.process(ctx, job)
	}
}

func (p *Pool) stopping(ctx context.Context) bool {
	select {
	case <-p.stopChan:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (p *Pool) wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-p.stopChan:
	case <-ctx.Done():
	case <-timer.C:
	}
}
