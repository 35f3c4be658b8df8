// Package aggregate derives monthly cash-flow summaries and daily net-worth
// snapshots from the canonical store.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/logger"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/shopspring/decimal"
)

// Repository is the subset of the store the engine reads and writes.
type Repository interface {
	store.ConnectionRepository
	store.TransactionRepository
	store.AccountRepository
	store.SummaryRepository
}

// BalanceRefresher pulls current balances from the provider before a
// snapshot is taken.
type BalanceRefresher interface {
	RefreshBalances(ctx context.Context, ownerID string) ([]*domain.Account, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithBalanceRefresher refreshes balances before computing today's snapshot.
func WithBalanceRefresher(r BalanceRefresher) Option {
	return func(e *Engine) { e.balances = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine computes aggregates.
type Engine struct {
	repo     Repository
	balances BalanceRefresher
	now      func() time.Time
}

// NewEngine creates an aggregation engine.
func NewEngine(repo Repository, opts ...Option) *Engine {
	e := &Engine{repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ComputeCashFlowSummary recomputes the summary for one month and overwrites
// the stored row. Transfer-like categories appear in TotalsByCategory but
// count toward neither income nor expense.
func (e *Engine) ComputeCashFlowSummary(ctx context.Context, ownerID string, month domain.MonthKey) (*domain.CashFlowSummary, error) {
	if _, _, err := month.Bounds(); err != nil {
		return nil, fmt.Errorf("ComputeCashFlowSummary: %w", err)
	}

	txs, err := e.repo.ListTransactions(ctx, ownerID, store.TransactionFilter{MonthKey: month})
	if err != nil {
		return nil, fmt.Errorf("ComputeCashFlowSummary: listing transactions: %w", err)
	}

	summary := Summarize(ownerID, month, txs)
	summary.ComputedAt = e.now().UTC()

	if err := e.repo.UpsertCashFlowSummary(ctx, summary); err != nil {
		return nil, fmt.Errorf("ComputeCashFlowSummary: storing summary: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("owner_id", ownerID).
		Str("month", string(month)).
		Int("transactions", summary.TransactionsProcessed).
		Str("income", summary.TotalIncome.StringFixed(2)).
		Str("expense", summary.TotalExpense.StringFixed(2)).
		Msg("Cash flow summary computed")

	return summary, nil
}

// Summarize folds transactions into a CashFlowSummary without touching the
// store. Transactions outside month are ignored.
func Summarize(ownerID string, month domain.MonthKey, txs []*domain.Transaction) *domain.CashFlowSummary {
	summary := &domain.CashFlowSummary{
		OwnerID:          ownerID,
		MonthKey:         month,
		TotalsByCategory: make(map[domain.Category]decimal.Decimal),
		TotalIncome:      decimal.Zero,
		TotalExpense:     decimal.Zero,
	}

	for _, tx := range txs {
		if tx.MonthKey != month {
			continue
		}
		summary.TransactionsProcessed++

		cat := tx.AssignedCategory
		if cat == "" {
			cat = domain.CategoryUncategorized
		}
		summary.TotalsByCategory[cat] = summary.TotalsByCategory[cat].Add(tx.Amount)

		if cat.IsTransferLike() {
			continue
		}
		switch {
		case tx.Amount.IsPositive():
			summary.TotalIncome = summary.TotalIncome.Add(tx.Amount)
		case tx.Amount.IsNegative():
			summary.TotalExpense = summary.TotalExpense.Add(tx.Amount.Neg())
		}
	}

	summary.NetCashFlow = summary.TotalIncome.Sub(summary.TotalExpense)
	return summary
}

// ComputeNetWorthSnapshot returns the snapshot for (ownerID, date), creating
// it from the latest known balances if none exists. Repeated calls for the
// same date return the stored snapshot unchanged.
func (e *Engine) ComputeNetWorthSnapshot(ctx context.Context, ownerID string, date civil.Date) (*domain.NetWorthSnapshot, error) {
	log := logger.FromContext(ctx)

	existing, err := e.repo.GetNetWorthSnapshot(ctx, ownerID, date)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("ComputeNetWorthSnapshot: loading snapshot: %w", err)
	}

	// Balances can only be refreshed for today (UTC); past dates use what is
	// stored.
	if e.balances != nil && date == civil.DateOf(e.now().UTC()) {
		if _, err := e.balances.RefreshBalances(ctx, ownerID); err != nil {
			log.Warn().Err(err).Str("owner_id", ownerID).Msg("Balance refresh failed, using stored balances")
		}
	}

	accounts, err := e.activeAccounts(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("ComputeNetWorthSnapshot: %w", err)
	}

	snap := Snapshot(ownerID, date, accounts)
	snap.ComputedAt = e.now().UTC()

	stored, created, err := e.repo.CreateNetWorthSnapshot(ctx, snap)
	if err != nil {
		return nil, fmt.Errorf("ComputeNetWorthSnapshot: storing snapshot: %w", err)
	}

	if created {
		log.Info().
			Str("owner_id", ownerID).
			Str("date", date.String()).
			Int("accounts", stored.AccountsCounted).
			Str("net_worth", stored.NetWorth.StringFixed(2)).
			Msg("Net worth snapshot created")
	}
	return stored, nil
}

// activeAccounts lists the owner's accounts, leaving out those of
// deactivated connections. Their balances stopped updating at revocation.
func (e *Engine) activeAccounts(ctx context.Context, ownerID string) ([]*domain.Account, error) {
	accounts, err := e.repo.ListAccounts(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	conns, err := e.repo.ListConnections(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	inactive := make(map[string]bool)
	for _, c := range conns {
		if !c.IsActive {
			inactive[c.ConnectionID] = true
		}
	}

	kept := accounts[:0:0]
	for _, acc := range accounts {
		if !inactive[acc.ConnectionID] {
			kept = append(kept, acc)
		}
	}
	return kept, nil
}

// Snapshot partitions accounts into assets and liabilities. Liability
// balances are owed amounts and are counted by magnitude.
func Snapshot(ownerID string, date civil.Date, accounts []*domain.Account) *domain.NetWorthSnapshot {
	snap := &domain.NetWorthSnapshot{
		OwnerID:            ownerID,
		SnapshotDate:       date,
		TotalAssets:        decimal.Zero,
		TotalLiabilities:   decimal.Zero,
		AssetBreakdown:     make(map[string]decimal.Decimal),
		LiabilityBreakdown: make(map[string]decimal.Decimal),
	}

	sorted := append([]*domain.Account(nil), accounts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AccountID < sorted[j].AccountID })

	for _, acc := range sorted {
		if acc.OwnerID != ownerID {
			continue
		}
		snap.AccountsCounted++
		key := acc.BreakdownKey()
		if acc.Type.IsLiability() {
			owed := acc.LatestBalance.Abs()
			snap.TotalLiabilities = snap.TotalLiabilities.Add(owed)
			snap.LiabilityBreakdown[key] = snap.LiabilityBreakdown[key].Add(owed)
			continue
		}
		snap.TotalAssets = snap.TotalAssets.Add(acc.LatestBalance)
		snap.AssetBreakdown[key] = snap.AssetBreakdown[key].Add(acc.LatestBalance)
	}

	snap.NetWorth = snap.TotalAssets.Sub(snap.TotalLiabilities)
	return snap
}
