package domain

import "time"

// UsageEntry is one row of the append-only usage ledger
type UsageEntry struct {
	ID             int64     `db:"id" json:"id"`
	OrganizationID string    `db:"organization_id" json:"organization_id"`
	Model          string    `db:"model" json:"model"`
	InputTokens    int       `db:"input_tokens" json:"input_tokens"`
	OutputTokens   int       `db:"output_tokens" json:"output_tokens"`
	CostCents      float64   `db:"cost_cents" json:"cost_cents"`
	Success        bool      `db:"success" json:"success"`
	Bucket         string    `db:"bucket" json:"bucket"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// BudgetStatus is derived on demand from the usage ledger
type BudgetStatus struct {
	OrganizationID string  `json:"organization_id"`
	Bucket         string  `json:"bucket"`
	BudgetCents    int64   `json:"budget_cents"`
	SpentCents     float64 `json:"spent_cents"`
	RemainingCents float64 `json:"remaining_cents"`
	PercentUsed    float64 `json:"percent_used"`
	Warning        bool    `json:"warning"`
	Critical       bool    `json:"critical"`
	Unlimited      bool    `json:"unlimited"`
}

// Exceeded reports whether further model invocations must be blocked
func (s BudgetStatus) Exceeded() bool {
	return s.BudgetCents > 0 && s.SpentCents >= float64(s.BudgetCents)
}

// MonthBucket returns the usage ledger time bucket for t
func MonthBucket(t time.Time) string {
	return t.UTC().Format("2006-01")
}
