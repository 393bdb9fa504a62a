package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/agentflow/internal/config"
	"github.com/cuongbtq/agentflow/internal/domain"
)

// Guard derives budget status from the usage ledger and blocks invocations
// once an organization reached its monthly ceiling
type Guard struct {
	ledger        *Ledger
	defaultBudget int64
	warning       float64
	critical      float64
	logger        *slog.Logger
	now           func() time.Time
}

// NewGuard creates a budget guard
func NewGuard(ledger *Ledger, cfg config.BudgetConfig, logger *slog.Logger) *Guard {
	return &Guard{
		ledger:        ledger,
		defaultBudget: cfg.DefaultBudgetCents,
		warning:       cfg.WarningThreshold,
		critical:      cfg.CriticalThreshold,
		logger:        logger,
		now:           time.Now,
	}
}

// SetClock overrides the time source
func (g *Guard) SetClock(now func() time.Time) {
	g.now = now
}

// Status recomputes the current month's budget status of organizationID
func (g *Guard) Status(ctx context.Context, organizationID string) (domain.BudgetStatus, error) {
	bucket := domain.MonthBucket(g.now())

	ceiling, ok, err := g.ledger.BudgetCents(ctx, organizationID)
	if err != nil {
		return domain.BudgetStatus{}, err
	}
	if !ok {
		ceiling = g.defaultBudget
	}

	spent, err := g.ledger.MonthlySpend(ctx, organizationID, bucket)
	if err != nil {
		return domain.BudgetStatus{}, err
	}

	status := domain.BudgetStatus{
		OrganizationID: organizationID,
		Bucket:         bucket,
		BudgetCents:    ceiling,
		SpentCents:     spent,
		Unlimited:      ceiling <= 0,
	}
	if status.Unlimited {
		return status, nil
	}

	ratio := spent / float64(ceiling)
	status.RemainingCents = max(float64(ceiling)-spent, 0)
	status.PercentUsed = ratio * 100
	status.Warning = ratio >= g.warning
	status.Critical = ratio >= g.critical

	return status, nil
}

// Check returns domain.ErrBudgetExceeded when organizationID may not invoke
// the model anymore this month
func (g *Guard) Check(ctx context.Context, organizationID string) error {
	status, err := g.Status(ctx, organizationID)
	if err != nil {
		return err
	}

	if status.Exceeded() {
		g.logger.Warn("Budget exceeded",
			slog.String("organization_id", organizationID),
			slog.Float64("spent_cents", status.SpentCents),
			slog.Int64("budget_cents", status.BudgetCents),
		)
		return fmt.Errorf("%w: spent %.2f of %d cents", domain.ErrBudgetExceeded, status.SpentCents, status.BudgetCents)
	}

	if status.Critical {
		g.logger.Warn("Budget critical",
			slog.String("organization_id", organizationID),
			slog.Float64("percent_used", status.PercentUsed),
		)
	}
	return nil
}
