package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/cuongbtq/agentflow/internal/budget"
	"github.com/cuongbtq/agentflow/internal/config"
	"github.com/cuongbtq/agentflow/internal/domain"
	"github.com/cuongbtq/agentflow/internal/engine"
	"github.com/cuongbtq/agentflow/internal/jobstore"
	"github.com/cuongbtq/agentflow/internal/llm"
	"github.com/cuongbtq/agentflow/internal/metrics"
	"github.com/cuongbtq/agentflow/internal/progress"
	"github.com/cuongbtq/agentflow/internal/ratelimit"
	"github.com/cuongbtq/agentflow/internal/tools"
	"github.com/cuongbtq/agentflow/shared/logger"
)

const ledgerSchema = `
CREATE TABLE usage_ledger (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	organization_id TEXT    NOT NULL,
	model           TEXT    NOT NULL,
	input_tokens    INTEGER NOT NULL DEFAULT 0,
	output_tokens   INTEGER NOT NULL DEFAULT 0,
	cost_cents      REAL    NOT NULL DEFAULT 0,
	success         BOOLEAN NOT NULL,
	bucket          TEXT    NOT NULL,
	created_at      TIMESTAMP NOT NULL
);
CREATE TABLE organization_budgets (
	organization_id TEXT PRIMARY KEY,
	budget_cents    INTEGER NOT NULL DEFAULT 0
);
`

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type scriptedModel struct {
	mu       sync.Mutex
	script   []*llm.Response
	fallback func(n int) (*llm.Response, error)
	before   func(n int)
	requests int
}

func (m *scriptedModel) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.requests++
	n := m.requests
	m.mu.Unlock()

	if m.before != nil {
		m.before(n)
	}
	if n <= len(m.script) {
		return m.script[n-1], nil
	}
	if m.fallback == nil {
		return nil, errors.New("unexpected model call")
	}
	return m.fallback(n)
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

type crmProvider struct{}

func (crmProvider) Namespace() string { return "crm" }

func (crmProvider) Tools() []tools.Definition {
	return []tools.Definition{{Name: "lookup", Description: "Find a contact by email"}}
}

func (crmProvider) Call(ctx context.Context, name string, args json.RawMessage) (string, error) {
	return `{"name":"Ada Lovelace","title":"VP Engineering"}`, nil
}

func toolUse(id, name, input string) *llm.Response {
	return &llm.Response{
		Content: []llm.ContentBlock{
			{Type: llm.BlockToolUse, ID: id, Name: name, Input: json.RawMessage(input)},
		},
		StopReason: llm.StopToolUse,
		Usage:      llm.Usage{InputTokens: 1000, OutputTokens: 100},
	}
}

func final(text string) *llm.Response {
	return &llm.Response{
		Content:    []llm.ContentBlock{{Type: llm.BlockText, Text: text}},
		StopReason: llm.StopEndTurn,
		Usage:      llm.Usage{InputTokens: 2000, OutputTokens: 200},
	}
}

type recordingDeliverer struct {
	mu        sync.Mutex
	failFirst int
	attempts  int
	delivered []domain.NotificationPayload
}

func (d *recordingDeliverer) Deliver(ctx context.Context, n *domain.NotificationPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.attempts++
	if d.attempts <= d.failFirst {
		return errors.New("connector unavailable")
	}
	d.delivered = append(d.delivered, *n)
	return nil
}

func (d *recordingDeliverer) all() []domain.NotificationPayload {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.NotificationPayload(nil), d.delivered...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []progress.Event
}

func (p *recordingPublisher) Publish(e progress.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) states(jobID string) []progress.State {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []progress.State
	for _, e := range p.events {
		if e.JobID == jobID {
			out = append(out, e.State)
		}
	}
	return out
}

// retrying returns the retrying flag of every FAILED event of jobID
func (p *recordingPublisher) retrying(jobID string) []bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []bool
	for _, e := range p.events {
		if e.JobID == jobID && e.State == progress.StateFailed {
			out = append(out, e.Retrying)
		}
	}
	return out
}

// pipeline wires the three queues to real stores backed by miniredis and an
// in-memory sqlite ledger. Pools are driven synchronously through process.
type pipeline struct {
	mr        *miniredis.Miniredis
	rdb       *goredis.Client
	clock     *clock
	store     *jobstore.Store
	ledger    *budget.Ledger
	model     *scriptedModel
	deliverer *recordingDeliverer
	progress  *recordingPublisher
	metrics   *metrics.Metrics
	pools     map[string]*Pool
}

func newPipeline(t *testing.T, rules map[string]config.RateLimitConfig) *pipeline {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(ledgerSchema)
	require.NoError(t, err)

	if rules == nil {
		rules = config.DefaultRateLimits()
	}

	log := logger.NewDiscard()
	m := metrics.NewNop()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	limiter := ratelimit.New(rdb, rules, m, log)
	limiter.SetClock(c.now)

	queues := config.DefaultQueues()
	store := jobstore.New(rdb, queues, limiter, m, log)
	store.SetClock(c.now)

	ledger := budget.NewLedger(db, log)
	guard := budget.NewGuard(ledger, config.BudgetConfig{WarningThreshold: 0.8, CriticalThreshold: 0.95}, log)

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(crmProvider{}))

	model := &scriptedModel{}
	pricing := budget.NewPricing(map[string]config.ModelPriceConfig{
		"test-model": {InputCentsPerMTok: 1000, OutputCentsPerMTok: 5000},
	})
	exec := engine.New(model, registry, guard, ledger, pricing, config.EngineConfig{
		MaxRounds:    5,
		MaxTokens:    512,
		DefaultModel: "test-model",
	}, m, log)

	p := &pipeline{
		mr:        mr,
		rdb:       rdb,
		clock:     c,
		store:     store,
		ledger:    ledger,
		model:     model,
		deliverer: &recordingDeliverer{},
		progress:  &recordingPublisher{},
		metrics:   m,
	}

	handlers := map[string]Handler{
		domain.QueueEvents:        NewEventHandler(rdb, store, time.Hour*24, m, log),
		domain.QueueOrchestration: NewOrchestrationHandler(exec, store, store, p.progress, 200, log),
		domain.QueueNotifications: NewNotificationHandler(rdb, p.deliverer, 7*24*time.Hour, m, log),
	}

	p.pools = map[string]*Pool{}
	for queue, handler := range handlers {
		p.pools[queue] = NewPool(&Config{
			Logger:   log,
			Metrics:  m,
			Store:    store,
			Queue:    queue,
			WorkerID: "test",
			Settings: queues[queue],
			Handler:  handler,
		})
	}

	return p
}

// step leases and processes one job of queue. It reports false when nothing
// was due.
func (p *pipeline) step(t *testing.T, queue string) bool {
	t.Helper()

	job, err := p.store.Lease(context.Background(), queue, "test-slot", time.Minute)
	require.NoError(t, err)
	if job == nil {
		return false
	}
	p.pools[queue].process(context.Background(), job)
	return true
}

// drain processes due jobs of queue until none is left and returns how many
// ran
func (p *pipeline) drain(t *testing.T, queue string) int {
	t.Helper()

	n := 0
	for p.step(t, queue) {
		n++
	}
	return n
}

// run drains every queue in pipeline order
func (p *pipeline) run(t *testing.T) {
	t.Helper()
	for _, q := range []string{domain.QueueEvents, domain.QueueOrchestration, domain.QueueNotifications} {
		p.drain(t, q)
	}
}

func (p *pipeline) counts(t *testing.T, queue string) domain.QueueCounts {
	t.Helper()
	c, err := p.store.Counts(context.Background(), queue)
	require.NoError(t, err)
	return c
}

func (p *pipeline) ingest(t *testing.T, event domain.PlatformEvent) string {
	t.Helper()
	id, err := p.store.Enqueue(context.Background(), domain.QueueEvents, event, jobstore.EnqueueOptions{
		Priority:       domain.DefaultPriority,
		OrganizationID: event.OrganizationID,
		UserID:         event.UserID,
	})
	require.NoError(t, err)
	return id
}

func slackEvent(eventID, text string) domain.PlatformEvent {
	return domain.PlatformEvent{
		Platform:       "slack",
		OrganizationID: "org-a",
		UserID:         "U1",
		ChannelID:      "C1",
		ThreadID:       "T1",
		EventID:        eventID,
		Text:           text,
	}
}
