package bigquery

import (
	"math/big"
	"sort"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/shopspring/decimal"
)

// CategoryTotalRow is one REPEATED entry of SummaryRow.Categories.
type CategoryTotalRow struct {
	Category     string   `bigquery:"category"`
	Amount       *big.Rat `bigquery:"amount"`        // NUMERIC
	TransferLike bool     `bigquery:"transfer_like"` // excluded from income and expense
}

// SummaryRow is one published cash-flow summary. Every recompute appends a
// row; readers take the latest computed_ts per (owner_id, month_key).
type SummaryRow struct {
	OwnerID               string             `bigquery:"owner_id"`  // REQUIRED
	MonthKey              string             `bigquery:"month_key"` // REQUIRED, YYYY-MM
	MonthStart            civil.Date         `bigquery:"month_start"`
	TotalIncome           *big.Rat           `bigquery:"total_income"`
	TotalExpense          *big.Rat           `bigquery:"total_expense"`
	NetCashFlow           *big.Rat           `bigquery:"net_cash_flow"`
	TransactionsProcessed int64              `bigquery:"transactions_processed"`
	Categories            []CategoryTotalRow `bigquery:"categories"`
	ComputedTS            time.Time          `bigquery:"computed_ts"`
}

// BreakdownRow is one REPEATED entry of SnapshotRow.Breakdown.
type BreakdownRow struct {
	Side    string   `bigquery:"side"` // ASSET or LIABILITY
	Key     string   `bigquery:"key"`
	Balance *big.Rat `bigquery:"balance"`
}

// SnapshotRow is one net-worth snapshot.
type SnapshotRow struct {
	SnapshotID       string         `bigquery:"snapshot_id"` // REQUIRED
	OwnerID          string         `bigquery:"owner_id"`    // REQUIRED
	SnapshotDate     civil.Date     `bigquery:"snapshot_date"`
	TotalAssets      *big.Rat       `bigquery:"total_assets"`
	TotalLiabilities *big.Rat       `bigquery:"total_liabilities"`
	NetWorth         *big.Rat       `bigquery:"net_worth"`
	AccountsCounted  int64          `bigquery:"accounts_counted"`
	Breakdown        []BreakdownRow `bigquery:"breakdown"`
	ComputedTS       time.Time      `bigquery:"computed_ts"`
}

// TransactionRow is a canonical transaction exported for analysis.
type TransactionRow struct {
	TransactionID         string `bigquery:"transaction_id"` // REQUIRED
	OwnerID               string `bigquery:"owner_id"`
	ProviderTransactionID string `bigquery:"provider_transaction_id"`
	ConnectionID          string `bigquery:"connection_id"`
	AccountID             string `bigquery:"account_id"`

	AccountType    bigquery.NullString `bigquery:"account_type"`
	AccountSubtype bigquery.NullString `bigquery:"account_subtype"`

	TransactionDate civil.Date          `bigquery:"transaction_date"`
	MonthKey        string              `bigquery:"month_key"`
	Amount          *big.Rat            `bigquery:"amount"`
	Currency        bigquery.NullString `bigquery:"currency"`
	IsPending       bool                `bigquery:"is_pending"`

	MerchantLabel        string   `bigquery:"merchant_label"`
	ProviderCategoryPath []string `bigquery:"provider_category_path"` // REPEATED STRING

	CategoryName   string `bigquery:"category_name"`
	IsUserReviewed bool   `bigquery:"is_user_reviewed"`
	IsTransferLike bool   `bigquery:"is_transfer_like"`

	UpdatedTS  time.Time `bigquery:"updated_ts"`
	ExportedTS time.Time `bigquery:"exported_ts"`
}

func rat(d decimal.Decimal) *big.Rat {
	return d.Rat()
}

func nullString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}

// NewSummaryRow converts a summary. Categories are sorted by name so the
// row is stable across recomputes.
func NewSummaryRow(s *domain.CashFlowSummary) (*SummaryRow, error) {
	start, _, err := s.MonthKey.Bounds()
	if err != nil {
		return nil, err
	}
	row := &SummaryRow{
		OwnerID:               s.OwnerID,
		MonthKey:              string(s.MonthKey),
		MonthStart:            start,
		TotalIncome:           rat(s.TotalIncome),
		TotalExpense:          rat(s.TotalExpense),
		NetCashFlow:           rat(s.NetCashFlow),
		TransactionsProcessed: int64(s.TransactionsProcessed),
		ComputedTS:            s.ComputedAt.UTC(),
	}
	for c, amount := range s.TotalsByCategory {
		row.Categories = append(row.Categories, CategoryTotalRow{
			Category:     string(c),
			Amount:       rat(amount),
			TransferLike: c.IsTransferLike(),
		})
	}
	sort.Slice(row.Categories, func(i, j int) bool { return row.Categories[i].Category < row.Categories[j].Category })
	return row, nil
}

// NewSnapshotRow converts a snapshot.
func NewSnapshotRow(s *domain.NetWorthSnapshot) *SnapshotRow {
	row := &SnapshotRow{
		SnapshotID:       s.ID,
		OwnerID:          s.OwnerID,
		SnapshotDate:     s.SnapshotDate,
		TotalAssets:      rat(s.TotalAssets),
		TotalLiabilities: rat(s.TotalLiabilities),
		NetWorth:         rat(s.NetWorth),
		AccountsCounted:  int64(s.AccountsCounted),
		ComputedTS:       s.ComputedAt.UTC(),
	}
	row.Breakdown = appendBreakdown(row.Breakdown, "ASSET", s.AssetBreakdown)
	row.Breakdown = appendBreakdown(row.Breakdown, "LIABILITY", s.LiabilityBreakdown)
	return row
}

func appendBreakdown(rows []BreakdownRow, side string, m map[string]decimal.Decimal) []BreakdownRow {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rows = append(rows, BreakdownRow{Side: side, Key: k, Balance: rat(m[k])})
	}
	return rows
}

// NewTransactionRow converts a canonical transaction.
func NewTransactionRow(tx *domain.Transaction, exportedAt time.Time) *TransactionRow {
	return &TransactionRow{
		TransactionID:         tx.ID,
		OwnerID:               tx.OwnerID,
		ProviderTransactionID: tx.ProviderTransactionID,
		ConnectionID:          tx.ConnectionID,
		AccountID:             tx.AccountID,
		AccountType:           nullString(string(tx.AccountType)),
		AccountSubtype:        nullString(tx.AccountSubtype),
		TransactionDate:       tx.OccurredOn,
		MonthKey:              string(tx.MonthKey),
		Amount:                rat(tx.Amount),
		Currency:              nullString(tx.CurrencyCode),
		IsPending:             tx.Pending,
		MerchantLabel:         tx.MerchantLabel,
		ProviderCategoryPath:  tx.ProviderCategoryPath,
		CategoryName:          string(tx.AssignedCategory),
		IsUserReviewed:        tx.IsUserReviewed,
		IsTransferLike:        tx.AssignedCategory.IsTransferLike(),
		UpdatedTS:             tx.UpdatedAt.UTC(),
		ExportedTS:            exportedAt.UTC(),
	}
}

// ToSummary converts a row read back from the warehouse.
func (r *SummaryRow) ToSummary() *domain.CashFlowSummary {
	s := &domain.CashFlowSummary{
		OwnerID:               r.OwnerID,
		MonthKey:              domain.MonthKey(r.MonthKey),
		TotalsByCategory:      make(map[domain.Category]decimal.Decimal, len(r.Categories)),
		TotalIncome:           fromRat(r.TotalIncome),
		TotalExpense:          fromRat(r.TotalExpense),
		NetCashFlow:           fromRat(r.NetCashFlow),
		TransactionsProcessed: int(r.TransactionsProcessed),
		ComputedAt:            r.ComputedTS,
	}
	for _, c := range r.Categories {
		s.TotalsByCategory[domain.Category(c.Category)] = fromRat(c.Amount)
	}
	return s
}

func fromRat(r *big.Rat) decimal.Decimal {
	if r == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigRat(r, 9)
}
