// Package store defines the canonical record store used by the sync,
// categorization and aggregation engines.
package store

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/domain"
)

// ErrNotFound is returned when a keyed lookup has no row.
var ErrNotFound = errors.New("store: not found")

// ErrOwnerMismatch is returned when a write targets a connection that
// belongs to a different owner.
var ErrOwnerMismatch = errors.New("store: connection belongs to another owner")

// ConnectionRepository stores provider connections.
type ConnectionRepository interface {
	// SaveConnection inserts or updates a connection. Updating a connection
	// owned by someone else fails with ErrOwnerMismatch.
	SaveConnection(ctx context.Context, conn *domain.Connection) error
	GetConnection(ctx context.Context, connectionID string) (*domain.Connection, error)
	// ListConnections lists an owner's connections; an empty ownerID lists all.
	ListConnections(ctx context.Context, ownerID string) ([]*domain.Connection, error)
	UpdateConnectionState(ctx context.Context, connectionID string, state domain.SyncState, lastError string) error
	SetConnectionActive(ctx context.Context, connectionID string, active bool) error
}

// CursorRepository stores the last committed provider cursor per connection.
type CursorRepository interface {
	// GetCursor returns ErrNotFound before the first committed cycle.
	GetCursor(ctx context.Context, connectionID string) (*domain.SyncCursor, error)
	AdvanceCursor(ctx context.Context, cursor domain.SyncCursor) error
}

// AccountRepository stores accounts and their latest balances.
type AccountRepository interface {
	UpsertAccounts(ctx context.Context, accounts []*domain.Account) error
	ListAccounts(ctx context.Context, ownerID string) ([]*domain.Account, error)
}

// TransactionRepository stores canonical transactions keyed by
// (OwnerID, ProviderTransactionID).
type TransactionRepository interface {
	// GetTransactionsByProviderIDs returns the stored rows for the given
	// provider ids, keyed by provider id. Missing ids are absent from the map.
	GetTransactionsByProviderIDs(ctx context.Context, ownerID string, providerIDs []string) (map[string]*domain.Transaction, error)

	// UpsertTransactions inserts or updates rows atomically. An existing row
	// keeps its ID and CreatedAt. A stored human override is never cleared:
	// if the stored row is user reviewed, its category and review flag win.
	UpsertTransactions(ctx context.Context, txs []*domain.Transaction) error

	// DeleteTransactions removes rows by provider id and reports how many existed.
	DeleteTransactions(ctx context.Context, ownerID string, providerIDs []string) (int, error)

	// GetTransaction looks a row up by internal id or provider id.
	GetTransaction(ctx context.Context, ownerID, transactionID string) (*domain.Transaction, error)

	ListTransactions(ctx context.Context, ownerID string, filter TransactionFilter) ([]*domain.Transaction, error)

	// SetCategory assigns a category and review flag to one row.
	SetCategory(ctx context.Context, ownerID, transactionID string, category domain.Category, reviewed bool, at time.Time) (*domain.Transaction, error)
}

// SummaryRepository stores aggregation results.
type SummaryRepository interface {
	// UpsertCashFlowSummary overwrites the row for (OwnerID, MonthKey).
	UpsertCashFlowSummary(ctx context.Context, summary *domain.CashFlowSummary) error
	GetCashFlowSummary(ctx context.Context, ownerID string, month domain.MonthKey) (*domain.CashFlowSummary, error)

	GetNetWorthSnapshot(ctx context.Context, ownerID string, date civil.Date) (*domain.NetWorthSnapshot, error)
	// CreateNetWorthSnapshot inserts the snapshot unless one already exists
	// for (OwnerID, SnapshotDate). It returns the stored row and whether this
	// call created it.
	CreateNetWorthSnapshot(ctx context.Context, snapshot *domain.NetWorthSnapshot) (*domain.NetWorthSnapshot, bool, error)
}

// Store is the full canonical record store.
type Store interface {
	ConnectionRepository
	CursorRepository
	AccountRepository
	TransactionRepository
	SummaryRepository
}

// TransactionFilter narrows ListTransactions. Zero fields do not filter.
type TransactionFilter struct {
	AccountID      string
	MonthKey       domain.MonthKey
	From           *civil.Date
	To             *civil.Date
	Category       domain.Category
	UnreviewedOnly bool
	Limit          int
	Offset         int
}

// Matches reports whether tx passes every set field of the filter except
// Limit and Offset.
func (f TransactionFilter) Matches(tx *domain.Transaction) bool {
	if f.AccountID != "" && tx.AccountID != f.AccountID {
		return false
	}
	if f.MonthKey != "" && tx.MonthKey != f.MonthKey {
		return false
	}
	if f.From != nil && tx.OccurredOn.Before(*f.From) {
		return false
	}
	if f.To != nil && tx.OccurredOn.After(*f.To) {
		return false
	}
	if f.Category != "" && tx.AssignedCategory != f.Category {
		return false
	}
	if f.UnreviewedOnly && tx.IsUserReviewed {
		return false
	}
	return true
}
