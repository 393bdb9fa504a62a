package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cuongbtq/agentflow/internal/domain"
	"github.com/cuongbtq/agentflow/internal/metrics"
)

const defaultDeadLetterLimit = 50

// DeadLetterFilter narrows ListDeadLetters
type DeadLetterFilter struct {
	OrganizationID string
	Limit          int

	// Before and BeforeID resume a listing after the record they name.
	// Records are ordered by failure time, then by id, both descending.
	Before   time.Time
	BeforeID string
}

// ListDeadLetters returns dead letter records newest first
func (s *Store) ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]domain.DeadLetterRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultDeadLetterLimit
	}

	index := deadLetterIndexKey
	if filter.OrganizationID != "" {
		index = deadLetterOrgKey(filter.OrganizationID)
	}

	ids, err := s.deadLetterPage(ctx, index, filter, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	if len(ids) == 0 {
		return []domain.DeadLetterRecord{}, nil
	}

	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, deadLetterKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load dead letters: %w", err)
	}

	records := make([]domain.DeadLetterRecord, 0, len(ids))
	for i, cmd := range cmds {
		record, err := decodeDeadLetter(cmd.Val())
		if err != nil {
			s.logger.Warn("Skipping unreadable dead letter",
				slog.String("job_id", ids[i]),
				slog.Any("error", err),
			)
			continue
		}
		records = append(records, *record)
	}
	return records, nil
}

// deadLetterPage returns up to limit ids of index in listing order
func (s *Store) deadLetterPage(ctx context.Context, index string, filter DeadLetterFilter, limit int) ([]string, error) {
	if filter.Before.IsZero() {
		return s.rdb.ZRevRangeByScore(ctx, index, &goredis.ZRangeBy{
			Max:   "+inf",
			Min:   "-inf",
			Count: int64(limit),
		}).Result()
	}

	score := msArg(filter.Before)
	var ids []string
	if filter.BeforeID != "" {
		ties, err := s.rdb.ZRevRangeByScore(ctx, index, &goredis.ZRangeBy{Max: score, Min: score}).Result()
		if err != nil {
			return nil, err
		}
		for _, id := range ties {
			if id < filter.BeforeID && len(ids) < limit {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == limit {
		return ids, nil
	}

	rest, err := s.rdb.ZRevRangeByScore(ctx, index, &goredis.ZRangeBy{
		Max:   "(" + score,
		Min:   "-inf",
		Count: int64(limit - len(ids)),
	}).Result()
	if err != nil {
		return nil, err
	}
	return append(ids, rest...), nil
}

// GetDeadLetter returns one dead letter record
func (s *Store) GetDeadLetter(ctx context.Context, id string) (*domain.DeadLetterRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, deadLetterKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrDeadLetterNotFound
	}
	return decodeDeadLetter(fields)
}

// CountDeadLetters returns the total number of dead letter records
func (s *Store) CountDeadLetters(ctx context.Context) (int64, error) {
	n, err := s.rdb.ZCard(ctx, deadLetterIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}

// Replay re-enqueues a fresh copy of a dead-lettered job into its original
// queue with attempts reset. The replay goes through normal admission, so a
// rate-limited organization gets a *domain.RateLimitedError. The record is
// kept and its replay counter incremented.
func (s *Store) Replay(ctx context.Context, id string) (string, error) {
	record, err := s.GetDeadLetter(ctx, id)
	if err != nil {
		return "", err
	}

	newID, err := s.Enqueue(ctx, record.Queue, record.Job.Payload, EnqueueOptions{
		Priority:       record.Job.Priority,
		OrganizationID: record.Job.OrganizationID,
		UserID:         record.Job.UserID,
		MaxAttempts:    record.Job.MaxAttempts,
		Admission:      AdmitReject,
	})
	if err != nil {
		return "", err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		key := deadLetterKey(id)
		pipe.HIncrBy(ctx, key, "replay_count", 1)
		pipe.HSet(ctx, key,
			"last_replayed_at", s.now().UTC().Format(time.RFC3339Nano),
			"last_replay_job_id", newID,
		)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to update dead letter %s after replay as %s: %w", id, newID, err)
	}

	s.metrics.JobOutcome(record.Queue, metrics.OutcomeReplayed)
	s.logger.Info("Dead letter replayed",
		slog.String("queue", record.Queue),
		slog.String("job_id", id),
		slog.String("new_job_id", newID),
	)
	return newID, nil
}

func decodeDeadLetter(fields map[string]string) (*domain.DeadLetterRecord, error) {
	raw, ok := fields["record"]
	if !ok {
		return nil, errors.New("dead letter has no record field")
	}

	var record domain.DeadLetterRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("failed to decode dead letter: %w", err)
	}

	if v, ok := fields["replay_count"]; ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			record.ReplayCount = n
		}
	}
	if v, ok := fields["last_replayed_at"]; ok {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			record.LastReplayedAt = &t
		}
	}
	record.LastReplayJobID = fields["last_replay_job_id"]

	return &record, nil
}
