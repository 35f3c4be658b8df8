package domain

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// MonthKey is a calendar month in "YYYY-MM" form.
type MonthKey string

// MonthKeyOf derives the month key for a date.
func MonthKeyOf(d civil.Date) MonthKey {
	return MonthKey(fmt.Sprintf("%04d-%02d", d.Year, int(d.Month)))
}

// ParseMonthKey validates s as a YYYY-MM month key.
func ParseMonthKey(s string) (MonthKey, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return "", fmt.Errorf("invalid month key %q: %w", s, err)
	}
	return MonthKey(t.Format("2006-01")), nil
}

// Bounds returns the first and last day of the month.
func (m MonthKey) Bounds() (civil.Date, civil.Date, error) {
	t, err := time.Parse("2006-01", string(m))
	if err != nil {
		return civil.Date{}, civil.Date{}, fmt.Errorf("invalid month key %q: %w", m, err)
	}
	first := civil.DateOf(t)
	last := civil.DateOf(t.AddDate(0, 1, -1))
	return first, last, nil
}

// CashFlowSummary is the monthly roll-up for one owner. Recomputation
// overwrites the previous row for the same (OwnerID, MonthKey).
type CashFlowSummary struct {
	OwnerID               string                       `json:"owner_id"`
	MonthKey              MonthKey                     `json:"month_key"`
	TotalsByCategory      map[Category]decimal.Decimal `json:"totals_by_category"`
	TotalIncome           decimal.Decimal              `json:"total_income"`
	TotalExpense          decimal.Decimal              `json:"total_expense"`
	NetCashFlow           decimal.Decimal              `json:"net_cash_flow"`
	TransactionsProcessed int                          `json:"transactions_processed"`
	ComputedAt            time.Time                    `json:"computed_at"`
}

// NetWorthSnapshot is the balance-sheet view for one owner on one date.
// At most one exists per (OwnerID, SnapshotDate).
type NetWorthSnapshot struct {
	ID                 string                     `json:"id"`
	OwnerID            string                     `json:"owner_id"`
	SnapshotDate       civil.Date                 `json:"snapshot_date"`
	TotalAssets        decimal.Decimal            `json:"total_assets"`
	TotalLiabilities   decimal.Decimal            `json:"total_liabilities"`
	NetWorth           decimal.Decimal            `json:"net_worth"`
	AssetBreakdown     map[string]decimal.Decimal `json:"asset_breakdown"`
	LiabilityBreakdown map[string]decimal.Decimal `json:"liability_breakdown"`
	AccountsCounted    int                        `json:"accounts_counted"`
	ComputedAt         time.Time                  `json:"computed_at"`
}
