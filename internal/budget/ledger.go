package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/agentflow/internal/domain"
)

// Ledger handles usage ledger and budget ceiling persistence. Queries are
// written with ? placeholders and rebound for the connected driver.
type Ledger struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewLedger creates a new Ledger instance
func NewLedger(db *sqlx.DB, logger *slog.Logger) *Ledger {
	return &Ledger{
		db:     db,
		logger: logger,
	}
}

// Record appends one model invocation to the ledger
func (l *Ledger) Record(ctx context.Context, entry *domain.UsageEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Bucket == "" {
		entry.Bucket = domain.MonthBucket(entry.CreatedAt)
	}

	query := `
		INSERT INTO usage_ledger
			(organization_id, model, input_tokens, output_tokens, cost_cents, success, bucket, created_at)
		VALUES
			(:organization_id, :model, :input_tokens, :output_tokens, :cost_cents, :success, :bucket, :created_at)
	`

	if _, err := l.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}

	l.logger.Debug("Usage recorded",
		slog.String("organization_id", entry.OrganizationID),
		slog.String("model", entry.Model),
		slog.Int("input_tokens", entry.InputTokens),
		slog.Int("output_tokens", entry.OutputTokens),
		slog.Float64("cost_cents", entry.CostCents),
		slog.Bool("success", entry.Success),
	)

	return nil
}

// MonthlySpend sums the cost of every invocation of organizationID in bucket
func (l *Ledger) MonthlySpend(ctx context.Context, organizationID, bucket string) (float64, error) {
	query := l.db.Rebind(`
		SELECT COALESCE(SUM(cost_cents), 0)
		FROM usage_ledger
		WHERE organization_id = ? AND bucket = ?
	`)

	var spent float64
	if err := l.db.GetContext(ctx, &spent, query, organizationID, bucket); err != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", err)
	}
	return spent, nil
}

// Entries returns the most recent ledger rows of organizationID in bucket
func (l *Ledger) Entries(ctx context.Context, organizationID, bucket string, limit int) ([]domain.UsageEntry, error) {
	query := l.db.Rebind(`
		SELECT id, organization_id, model, input_tokens, output_tokens, cost_cents, success, bucket, created_at
		FROM usage_ledger
		WHERE organization_id = ? AND bucket = ?
		ORDER BY id DESC
		LIMIT ?
	`)

	entries := []domain.UsageEntry{}
	if err := l.db.SelectContext(ctx, &entries, query, organizationID, bucket, limit); err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	return entries, nil
}

// BudgetCents returns the ceiling configured for organizationID. The boolean
// is false when the organization has no explicit ceiling.
func (l *Ledger) BudgetCents(ctx context.Context, organizationID string) (int64, bool, error) {
	query := l.db.Rebind(`SELECT budget_cents FROM organization_budgets WHERE organization_id = ?`)

	var cents int64
	err := l.db.GetContext(ctx, &cents, query, organizationID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get budget: %w", err)
	}
	return cents, true, nil
}

// SetBudget creates or replaces the ceiling of organizationID
func (l *Ledger) SetBudget(ctx context.Context, organizationID string, cents int64) error {
	query := l.db.Rebind(`
		INSERT INTO organization_budgets (organization_id, budget_cents)
		VALUES (?, ?)
		ON CONFLICT (organization_id) DO UPDATE SET budget_cents = excluded.budget_cents
	`)

	if _, err := l.db.ExecContext(ctx, query, organizationID, cents); err != nil {
		return fmt.Errorf("failed to set budget: %w", err)
	}

	l.logger.Info("Budget updated",
		slog.String("organization_id", organizationID),
		slog.Int64("budget_cents", cents),
	)
	return nil
}
