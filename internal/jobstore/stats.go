package jobstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cuongbtq/agentflow/internal/domain"
)

// Percentiles are processing latencies over the recent sample
type Percentiles struct {
	P50     time.Duration `json:"p50"`
	P95     time.Duration `json:"p95"`
	P99     time.Duration `json:"p99"`
	Samples int           `json:"samples"`
}

// Counts returns the current size of each state of queue plus lifetime counters
func (s *Store) Counts(ctx context.Context, queue string) (domain.QueueCounts, error) {
	var (
		waiting, active, delayed *goredis.IntCmd
		counters                 = map[string]*goredis.StringCmd{}
	)

	_, err := s.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		waiting = pipe.ZCard(ctx, waitingKey(queue))
		active = pipe.ZCard(ctx, activeKey(queue))
		delayed = pipe.ZCard(ctx, delayedKey(queue))
		for _, stat := range []string{statCompleted, statFailed, statRetried, statReclaimed} {
			counters[stat] = pipe.Get(ctx, statKey(queue, stat))
		}
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return domain.QueueCounts{}, fmt.Errorf("failed to read queue counts: %w", err)
	}

	counter := func(stat string) int64 {
		n, _ := counters[stat].Int64()
		return n
	}

	return domain.QueueCounts{
		Queue:     queue,
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: counter(statCompleted),
		Failed:    counter(statFailed),
		Retried:   counter(statRetried),
		Reclaimed: counter(statReclaimed),
	}, nil
}

// Throughput returns completed jobs per minute averaged over the last
// minutes, including the current one
func (s *Store) Throughput(ctx context.Context, queue string, minutes int) (float64, error) {
	if minutes <= 0 {
		return 0, nil
	}

	now := s.now()
	keys := make([]string, minutes)
	for i := range keys {
		keys[i] = throughputKey(queue, now.Add(-time.Duration(i)*time.Minute))
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read throughput: %w", err)
	}

	var total int64
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err == nil {
			total += n
		}
	}
	return float64(total) / float64(minutes), nil
}

// RecordLatency appends one processing duration to the recent sample of queue
func (s *Store) RecordLatency(ctx context.Context, queue string, d time.Duration) error {
	_, err := s.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LPush(ctx, latencyKey(queue), d.Milliseconds())
		pipe.LTrim(ctx, latencyKey(queue), 0, latencySample-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record latency: %w", err)
	}
	return nil
}

// Latency returns nearest-rank percentiles over the recent sample of queue
func (s *Store) Latency(ctx context.Context, queue string) (Percentiles, error) {
	raw, err := s.rdb.LRange(ctx, latencyKey(queue), 0, -1).Result()
	if err != nil {
		return Percentiles{}, fmt.Errorf("failed to read latency sample: %w", err)
	}

	sample := make([]int64, 0, len(raw))
	for _, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			sample = append(sample, n)
		}
	}
	if len(sample) == 0 {
		return Percentiles{}, nil
	}
	slices.Sort(sample)

	return Percentiles{
		P50:     percentile(sample, 0.50),
		P95:     percentile(sample, 0.95),
		P99:     percentile(sample, 0.99),
		Samples: len(sample),
	}, nil
}

func percentile(sorted []int64, p float64) time.Duration {
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return time.Duration(sorted[rank]) * time.Millisecond
}
