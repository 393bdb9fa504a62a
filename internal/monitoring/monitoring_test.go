package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/agentflow/internal/config"
	"github.com/cuongbtq/agentflow/internal/domain"
	"github.com/cuongbtq/agentflow/internal/jobstore"
	"github.com/cuongbtq/agentflow/internal/metrics"
	"github.com/cuongbtq/agentflow/internal/ratelimit"
	"github.com/cuongbtq/agentflow/shared/logger"
)

type stubBudgets struct {
	status domain.BudgetStatus
	err    error
}

func (b stubBudgets) Status(ctx context.Context, organizationID string) (domain.BudgetStatus, error) {
	s := b.status
	s.OrganizationID = organizationID
	return s, b.err
}

type fixture struct {
	store   *jobstore.Store
	limiter *ratelimit.Limiter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	log := logger.NewDiscard()
	limiter := ratelimit.New(rdb, map[string]config.RateLimitConfig{
		domain.ClassIngestion: {Limit: 1, Window: time.Minute},
	}, metrics.NewNop(), log)

	return &fixture{
		store:   jobstore.New(rdb, config.DefaultQueues(), limiter, nil, log),
		limiter: limiter,
	}
}

func (f *fixture) monitor(budgets BudgetReporter, interval time.Duration) *Monitor {
	return New(f.store, f.limiter, budgets, config.MonitoringConfig{
		StreamInterval:   interval,
		ThroughputWindow: 5,
	}, logger.NewDiscard())
}

func TestMonitor_Snapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.store.Enqueue(ctx, domain.QueueOrchestration, map[string]int{"n": i}, jobstore.EnqueueOptions{})
		require.NoError(t, err)
	}
	job, err := f.store.Lease(ctx, domain.QueueOrchestration, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.store.Ack(ctx, job))
	_, err = f.store.Lease(ctx, domain.QueueOrchestration, "w1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, f.store.RecordLatency(ctx, domain.QueueOrchestration, 100*time.Millisecond))
	require.NoError(t, f.store.RecordLatency(ctx, domain.QueueOrchestration, 300*time.Millisecond))

	snap, err := f.monitor(stubBudgets{}, time.Second).Snapshot(ctx)
	require.NoError(t, err)

	require.Len(t, snap.Queues, 3)
	assert.Equal(t, domain.QueueEvents, snap.Queues[0].Queue)

	orch := snap.Queues[1]
	assert.Equal(t, domain.QueueOrchestration, orch.Queue)
	assert.Equal(t, int64(1), orch.Waiting)
	assert.Equal(t, int64(1), orch.Active)
	assert.Equal(t, int64(1), orch.Completed)
	assert.InDelta(t, 0.2, orch.Throughput, 0.0001)
	assert.Equal(t, LatencySummary{P50: 100, P95: 300, P99: 300, Samples: 2}, orch.Latency)
	assert.Zero(t, snap.DeadLetters)
}

func TestMonitor_Organization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.limiter.Admit(ctx, "org-a", domain.ClassIngestion)
		require.NoError(t, err)
	}

	m := f.monitor(stubBudgets{status: domain.BudgetStatus{BudgetCents: 1000, SpentCents: 850, Warning: true}}, time.Second)
	status, err := m.Organization(ctx, "org-a")
	require.NoError(t, err)

	assert.Equal(t, "org-a", status.OrganizationID)
	assert.Equal(t, int64(2), status.RateLimitDenials[domain.ClassIngestion])
	assert.True(t, status.Budget.Warning)
	assert.Equal(t, "org-a", status.Budget.OrganizationID)

	_, err = f.monitor(stubBudgets{err: errors.New("db down")}, time.Second).Organization(ctx, "org-a")
	assert.ErrorContains(t, err, "db down")
}

func TestMonitor_ServeStream(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Enqueue(context.Background(), domain.QueueEvents, map[string]string{"k": "v"}, jobstore.EnqueueOptions{})
	require.NoError(t, err)

	m := f.monitor(stubBudgets{}, 20*time.Millisecond)
	srv := httptest.NewServer(http.HandlerFunc(m.ServeStream))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 2; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var snap Snapshot
		require.NoError(t, conn.ReadJSON(&snap))
		require.NotEmpty(t, snap.Queues)
		assert.Equal(t, int64(1), snap.Queues[0].Waiting)
	}
}

func TestMetricsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.JobOutcome(domain.QueueEvents, metrics.OutcomeEnqueued)

	rec := httptest.NewRecorder()
	MetricsHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `agentflow_jobs_total{outcome="enqueued",queue="events"} 1`)
}
