package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/cuongbtq/agentflow/internal/config"
	"github.com/cuongbtq/agentflow/internal/metrics"
)

// KEYS[1] window log, KEYS[2] denial counters
// ARGV[1] now ms, ARGV[2] cutoff ms, ARGV[3] limit, ARGV[4] window ms,
// ARGV[5] member, ARGV[6] class
var slidingWindowScript = goredis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
local limit = tonumber(ARGV[3])
if count < limit then
	redis.call('ZADD', KEYS[1], ARGV[1], ARGV[5])
	redis.call('PEXPIRE', KEYS[1], ARGV[4])
	return {1, limit - count - 1, ''}
end
redis.call('HINCRBY', KEYS[2], ARGV[6], 1)
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
return {0, 0, oldest[2]}
`)

// Decision is the outcome of one admission check
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter is a Redis-backed sliding-window limiter keyed by organization and
// queue class. Counts are shared by every process pointing at the same Redis.
type Limiter struct {
	rdb     *goredis.Client
	rules   map[string]config.RateLimitConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a limiter. Classes missing from rules are unlimited.
func New(rdb *goredis.Client, rules map[string]config.RateLimitConfig, m *metrics.Metrics, logger *slog.Logger) *Limiter {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Limiter{
		rdb:     rdb,
		rules:   rules,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the time source
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// Rule returns the configured ceiling for class
func (l *Limiter) Rule(class string) (config.RateLimitConfig, bool) {
	rule, ok := l.rules[class]
	if !ok || rule.Limit <= 0 || rule.Window <= 0 {
		return config.RateLimitConfig{}, false
	}
	return rule, true
}

// Admit records one admission for (organizationID, class) if the window has room
func (l *Limiter) Admit(ctx context.Context, organizationID, class string) (Decision, error) {
	rule, ok := l.Rule(class)
	if !ok {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	now := l.now()
	nowMs := now.UnixMilli()
	windowMs := rule.Window.Milliseconds()

	res, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{windowKey(organizationID, class, rule.Window), deniedKey(organizationID)},
		strconv.FormatInt(nowMs, 10),
		strconv.FormatInt(nowMs-windowMs, 10),
		rule.Limit,
		windowMs,
		uuid.NewString(),
		class,
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit check returned %d values", len(res))
	}

	allowed, _ := res[0].(int64)
	if allowed == 1 {
		remaining, _ := res[1].(int64)
		return Decision{Allowed: true, Remaining: int(remaining)}, nil
	}

	retryAfter := rule.Window
	if oldest, ok := res[2].(string); ok && oldest != "" {
		score, err := strconv.ParseFloat(oldest, 64)
		if err == nil {
			retryAfter = time.Duration(int64(score)+windowMs-nowMs) * time.Millisecond
		}
	}
	if retryAfter < time.Millisecond {
		retryAfter = time.Millisecond
	}

	l.metrics.RateLimitDenials.WithLabelValues(class).Inc()
	l.logger.Debug("Admission denied",
		slog.String("organization_id", organizationID),
		slog.String("class", class),
		slog.Duration("retry_after", retryAfter),
	)

	return Decision{Allowed: false, RetryAfter: retryAfter}, nil
}

// Denials returns the number of denied admissions per class for an organization
func (l *Limiter) Denials(ctx context.Context, organizationID string) (map[string]int64, error) {
	raw, err := l.rdb.HGetAll(ctx, deniedKey(organizationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read denial counters: %w", err)
	}

	out := make(map[string]int64, len(raw))
	for class, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[class] = n
	}
	return out, nil
}

func windowKey(organizationID, class string, window time.Duration) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", organizationID, class, int64(window.Seconds()))
}

func deniedKey(organizationID string) string {
	return "ratelimit:denied:" + organizationID
}
