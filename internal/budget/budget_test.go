package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/cuongbtq/agentflow/internal/config"
	"github.com/cuongbtq/agentflow/internal/domain"
	"github.com/cuongbtq/agentflow/shared/logger"
)

const sqliteSchema = `
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

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()

	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(sqliteSchema)
	require.NoError(t, err)

	return NewLedger(db, logger.NewDiscard())
}

var march = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

func record(t *testing.T, l *Ledger, org string, cents float64, at time.Time) {
	t.Helper()
	require.NoError(t, l.Record(context.Background(), &domain.UsageEntry{
		OrganizationID: org,
		Model:          "test-model",
		InputTokens:    100,
		OutputTokens:   50,
		CostCents:      cents,
		Success:        true,
		CreatedAt:      at,
	}))
}

func TestLedger_RecordAndMonthlySpend(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	record(t, l, "org-a", 10.5, march)
	record(t, l, "org-a", 4.5, march.Add(time.Hour))
	record(t, l, "org-a", 100, march.AddDate(0, -1, 0))
	record(t, l, "org-b", 7, march)

	tests := []struct {
		name   string
		org    string
		bucket string
		want   float64
	}{
		{name: "current month", org: "org-a", bucket: "2026-03", want: 15},
		{name: "previous month", org: "org-a", bucket: "2026-02", want: 100},
		{name: "other organization", org: "org-b", bucket: "2026-03", want: 7},
		{name: "no usage", org: "org-c", bucket: "2026-03", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spent, err := l.MonthlySpend(ctx, tt.org, tt.bucket)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, spent, 0.0001)
		})
	}
}

func TestLedger_Entries(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	record(t, l, "org-a", 1, march)
	require.NoError(t, l.Record(ctx, &domain.UsageEntry{
		OrganizationID: "org-a",
		Model:          "other-model",
		CostCents:      2,
		Success:        false,
		CreatedAt:      march.Add(time.Minute),
	}))

	entries, err := l.Entries(ctx, "org-a", "2026-03", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "other-model", entries[0].Model)
	assert.False(t, entries[0].Success)
	assert.Equal(t, "2026-03", entries[0].Bucket)
	assert.True(t, entries[1].Success)
	assert.Equal(t, 100, entries[1].InputTokens)
}

func TestLedger_Budgets(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, ok, err := l.BudgetCents(ctx, "org-a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.SetBudget(ctx, "org-a", 1000))
	require.NoError(t, l.SetBudget(ctx, "org-a", 2500))

	cents, ok, err := l.BudgetCents(ctx, "org-a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2500), cents)
}

func newTestGuard(t *testing.T, defaultBudget int64) (*Guard, *Ledger) {
	t.Helper()

	l := newTestLedger(t)
	g := NewGuard(l, config.BudgetConfig{
		DefaultBudgetCents: defaultBudget,
		WarningThreshold:   0.80,
		CriticalThreshold:  0.95,
	}, logger.NewDiscard())
	g.SetClock(func() time.Time { return march })
	return g, l
}

func TestGuard_Status(t *testing.T) {
	tests := []struct {
		name         string
		budget       int64
		spent        float64
		wantWarning  bool
		wantCritical bool
		wantExceeded bool
		wantPercent  float64
	}{
		{name: "well below", budget: 1000, spent: 500, wantPercent: 50},
		{name: "at warning", budget: 1000, spent: 800, wantWarning: true, wantPercent: 80},
		{name: "at critical", budget: 1000, spent: 950, wantWarning: true, wantCritical: true, wantPercent: 95},
		{name: "at ceiling", budget: 1000, spent: 1000, wantWarning: true, wantCritical: true, wantExceeded: true, wantPercent: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, l := newTestGuard(t, 0)
			ctx := context.Background()

			require.NoError(t, l.SetBudget(ctx, "org-a", tt.budget))
			record(t, l, "org-a", tt.spent, march)

			status, err := g.Status(ctx, "org-a")
			require.NoError(t, err)

			assert.Equal(t, "2026-03", status.Bucket)
			assert.Equal(t, tt.wantWarning, status.Warning)
			assert.Equal(t, tt.wantCritical, status.Critical)
			assert.Equal(t, tt.wantExceeded, status.Exceeded())
			assert.InDelta(t, tt.wantPercent, status.PercentUsed, 0.0001)
			assert.InDelta(t, float64(tt.budget)-tt.spent, status.RemainingCents, 0.0001)
			assert.False(t, status.Unlimited)
		})
	}
}

func TestGuard_Check(t *testing.T) {
	t.Run("zero budget is unlimited", func(t *testing.T) {
		g, l := newTestGuard(t, 0)
		record(t, l, "org-a", 1_000_000, march)

		require.NoError(t, g.Check(context.Background(), "org-a"))

		status, err := g.Status(context.Background(), "org-a")
		require.NoError(t, err)
		assert.True(t, status.Unlimited)
	})

	t.Run("spent equal to ceiling is denied", func(t *testing.T) {
		g, l := newTestGuard(t, 0)
		require.NoError(t, l.SetBudget(context.Background(), "org-b", 500))
		record(t, l, "org-b", 500, march)

		err := g.Check(context.Background(), "org-b")
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrBudgetExceeded))
		assert.True(t, domain.IsPermanent(err))
	})

	t.Run("default budget applies without explicit row", func(t *testing.T) {
		g, l := newTestGuard(t, 100)
		record(t, l, "org-c", 99, march)
		require.NoError(t, g.Check(context.Background(), "org-c"))

		record(t, l, "org-c", 1, march)
		assert.ErrorIs(t, g.Check(context.Background(), "org-c"), domain.ErrBudgetExceeded)
	})

	t.Run("last month does not count", func(t *testing.T) {
		g, l := newTestGuard(t, 100)
		record(t, l, "org-d", 500, march.AddDate(0, -1, 0))
		require.NoError(t, g.Check(context.Background(), "org-d"))
	})
}

func TestPricing_Cost(t *testing.T) {
	p := NewPricing(map[string]config.ModelPriceConfig{
		"claude-sonnet":  {InputCentsPerMTok: 300, OutputCentsPerMTok: 1500},
		DefaultPriceKey: {InputCentsPerMTok: 100, OutputCentsPerMTok: 100},
	})

	tests := []struct {
		name   string
		model  string
		input  int
		output int
		want   float64
	}{
		{name: "known model", model: "claude-sonnet", input: 1_000_000, output: 1_000_000, want: 1800},
		{name: "small call", model: "claude-sonnet", input: 1000, output: 200, want: 0.6},
		{name: "unknown model uses default", model: "mystery", input: 500_000, output: 500_000, want: 100},
		{name: "no tokens", model: "claude-sonnet", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, p.Cost(tt.model, tt.input, tt.output), 0.000001)
		})
	}

	t.Run("empty table", func(t *testing.T) {
		assert.Equal(t, 0.0, NewPricing(nil).Cost("any", 10, 10))
	})
}
