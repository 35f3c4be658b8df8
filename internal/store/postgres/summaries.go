package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// UpsertCashFlowSummary implements store.SummaryRepository.
func (s *Store) UpsertCashFlowSummary(ctx context.Context, summary *domain.CashFlowSummary) error {
	totals, err := json.Marshal(summary.TotalsByCategory)
	if err != nil {
		return fmt.Errorf("UpsertCashFlowSummary: encoding totals: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO cash_flow_summaries (owner_id, month_key, totals_by_category, total_income, total_expense, net_cash_flow, transactions_processed, computed_at)
		VALUES ($1, $2, $3::jsonb, $4::numeric, $5::numeric, $6::numeric, $7, $8)
		ON CONFLICT (owner_id, month_key) DO UPDATE SET
			totals_by_category = EXCLUDED.totals_by_category,
			total_income = EXCLUDED.total_income,
			total_expense = EXCLUDED.total_expense,
			net_cash_flow = EXCLUDED.net_cash_flow,
			transactions_processed = EXCLUDED.transactions_processed,
			computed_at = EXCLUDED.computed_at`,
		summary.OwnerID, string(summary.MonthKey), string(totals),
		summary.TotalIncome.String(), summary.TotalExpense.String(), summary.NetCashFlow.String(),
		summary.TransactionsProcessed, summary.ComputedAt.UTC())
	if err != nil {
		return fmt.Errorf("UpsertCashFlowSummary %s/%s: %w", summary.OwnerID, summary.MonthKey, err)
	}
	return nil
}

// GetCashFlowSummary implements store.SummaryRepository.
func (s *Store) GetCashFlowSummary(ctx context.Context, ownerID string, month domain.MonthKey) (*domain.CashFlowSummary, error) {
	var (
		sum                      domain.CashFlowSummary
		monthKey                 string
		totals                   []byte
		income, expense, netFlow string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT owner_id, month_key, totals_by_category, total_income::text, total_expense::text, net_cash_flow::text, transactions_processed, computed_at
		FROM cash_flow_summaries WHERE owner_id = $1 AND month_key = $2`,
		ownerID, string(month)).
		Scan(&sum.OwnerID, &monthKey, &totals, &income, &expense, &netFlow, &sum.TransactionsProcessed, &sum.ComputedAt)
	if err != nil {
		return nil, notFound("GetCashFlowSummary", ownerID+"/"+string(month), err)
	}

	sum.MonthKey = domain.MonthKey(monthKey)
	if err := json.Unmarshal(totals, &sum.TotalsByCategory); err != nil {
		return nil, fmt.Errorf("GetCashFlowSummary: decoding totals: %w", err)
	}
	if sum.TotalIncome, err = decimal.NewFromString(income); err != nil {
		return nil, fmt.Errorf("GetCashFlowSummary: total income: %w", err)
	}
	if sum.TotalExpense, err = decimal.NewFromString(expense); err != nil {
		return nil, fmt.Errorf("GetCashFlowSummary: total expense: %w", err)
	}
	if sum.NetCashFlow, err = decimal.NewFromString(netFlow); err != nil {
		return nil, fmt.Errorf("GetCashFlowSummary: net cash flow: %w", err)
	}
	return &sum, nil
}

const snapshotColumns = `id, owner_id, snapshot_date, total_assets::text, total_liabilities::text, net_worth::text,
	asset_breakdown, liability_breakdown, accounts_counted, computed_at`

func scanSnapshot(row pgx.Row) (*domain.NetWorthSnapshot, error) {
	var (
		snap                     domain.NetWorthSnapshot
		date                     time.Time
		assets, liabilities, net string
		assetJSON, liabilityJSON []byte
	)
	if err := row.Scan(&snap.ID, &snap.OwnerID, &date, &assets, &liabilities, &net,
		&assetJSON, &liabilityJSON, &snap.AccountsCounted, &snap.ComputedAt); err != nil {
		return nil, err
	}
	snap.SnapshotDate = civil.DateOf(date)

	var err error
	if snap.TotalAssets, err = decimal.NewFromString(assets); err != nil {
		return nil, fmt.Errorf("total assets: %w", err)
	}
	if snap.TotalLiabilities, err = decimal.NewFromString(liabilities); err != nil {
		return nil, fmt.Errorf("total liabilities: %w", err)
	}
	if snap.NetWorth, err = decimal.NewFromString(net); err != nil {
		return nil, fmt.Errorf("net worth: %w", err)
	}
	if err := json.Unmarshal(assetJSON, &snap.AssetBreakdown); err != nil {
		return nil, fmt.Errorf("asset breakdown: %w", err)
	}
	if err := json.Unmarshal(liabilityJSON, &snap.LiabilityBreakdown); err != nil {
		return nil, fmt.Errorf("liability breakdown: %w", err)
	}
	return &snap, nil
}

// GetNetWorthSnapshot implements store.SummaryRepository.
func (s *Store) GetNetWorthSnapshot(ctx context.Context, ownerID string, date civil.Date) (*domain.NetWorthSnapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+snapshotColumns+` FROM net_worth_snapshots
		WHERE owner_id = $1 AND snapshot_date = $2`, ownerID, dateValue(date))
	snap, err := scanSnapshot(row)
	if err != nil {
		return nil, notFound("GetNetWorthSnapshot", ownerID+"/"+date.String(), err)
	}
	return snap, nil
}

// CreateNetWorthSnapshot implements store.SummaryRepository. The unique
// (owner_id, snapshot_date) constraint decides between concurrent writers;
// the loser reads back the winner's row.
func (s *Store) CreateNetWorthSnapshot(ctx context.Context, snap *domain.NetWorthSnapshot) (*domain.NetWorthSnapshot, bool, error) {
	assets, err := json.Marshal(snap.AssetBreakdown)
	if err != nil {
		return nil, false, fmt.Errorf("CreateNetWorthSnapshot: encoding asset breakdown: %w", err)
	}
	liabilities, err := json.Marshal(snap.LiabilityBreakdown)
	if err != nil {
		return nil, false, fmt.Errorf("CreateNetWorthSnapshot: encoding liability breakdown: %w", err)
	}
	id := snap.ID
	if id == "" {
		id = uuid.New().String()
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO net_worth_snapshots (id, owner_id, snapshot_date, total_assets, total_liabilities, net_worth, asset_breakdown, liability_breakdown, accounts_counted, computed_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::jsonb, $8::jsonb, $9, $10)
		ON CONFLICT (owner_id, snapshot_date) DO NOTHING
		RETURNING `+snapshotColumns,
		id, snap.OwnerID, dateValue(snap.SnapshotDate),
		snap.TotalAssets.String(), snap.TotalLiabilities.String(), snap.NetWorth.String(),
		string(assets), string(liabilities), snap.AccountsCounted, snap.ComputedAt.UTC())

	stored, err := scanSnapshot(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("CreateNetWorthSnapshot: %w", err)
	}

	existing, err := s.GetNetWorthSnapshot(ctx, snap.OwnerID, snap.SnapshotDate)
	if err != nil {
		return nil, false, fmt.Errorf("CreateNetWorthSnapshot: reading existing snapshot: %w", err)
	}
	return existing, false, nil
}
