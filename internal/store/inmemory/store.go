// Package inmemory is a map-backed implementation of store.Store.
// It is safe for concurrent use. Data is lost when the process exits; use
// the postgres store for durable deployments.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type txKey struct {
	owner      string
	providerID string
}

type accountKey struct {
	owner     string
	accountID string
}

type snapshotKey struct {
	owner string
	date  civil.Date
}

type summaryKey struct {
	owner string
	month domain.MonthKey
}

// Store keeps every record in maps guarded by one RWMutex. Multi-row writes
// happen under a single lock acquisition, so they are atomic.
type Store struct {
	mu sync.RWMutex

	connections  map[string]*domain.Connection
	cursors      map[string]domain.SyncCursor
	accounts     map[accountKey]*domain.Account
	transactions map[txKey]*domain.Transaction
	summaries    map[summaryKey]*domain.CashFlowSummary
	snapshots    map[snapshotKey]*domain.NetWorthSnapshot

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		connections:  make(map[string]*domain.Connection),
		cursors:      make(map[string]domain.SyncCursor),
		accounts:     make(map[accountKey]*domain.Account),
		transactions: make(map[txKey]*domain.Transaction),
		summaries:    make(map[summaryKey]*domain.CashFlowSummary),
		snapshots:    make(map[snapshotKey]*domain.NetWorthSnapshot),
		now:          time.Now,
	}
}

// SaveConnection implements store.ConnectionRepository.
func (s *Store) SaveConnection(ctx context.Context, conn *domain.Connection) error {
	if conn.ConnectionID == "" {
		return fmt.Errorf("SaveConnection: connection ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.connections[conn.ConnectionID]; ok && existing.OwnerID != conn.OwnerID {
		return fmt.Errorf("SaveConnection %s: %w", conn.ConnectionID, store.ErrOwnerMismatch)
	}
	c := conn.Clone()
	if c.State == "" {
		c.State = domain.SyncStateIdle
	}
	c.UpdatedAt = s.now()
	s.connections[c.ConnectionID] = c
	return nil
}

// GetConnection implements store.ConnectionRepository.
func (s *Store) GetConnection(ctx context.Context, connectionID string) (*domain.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.connections[connectionID]
	if !ok {
		return nil, fmt.Errorf("GetConnection %s: %w", connectionID, store.ErrNotFound)
	}
	return c.Clone(), nil
}

// ListConnections implements store.ConnectionRepository.
func (s *Store) ListConnections(ctx context.Context, ownerID string) ([]*domain.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Connection
	for _, c := range s.connections {
		if ownerID != "" && c.OwnerID != ownerID {
			continue
		}
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out, nil
}

// UpdateConnectionState implements store.ConnectionRepository.
func (s *Store) UpdateConnectionState(ctx context.Context, connectionID string, state domain.SyncState, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.connections[connectionID]
	if !ok {
		return fmt.Errorf("UpdateConnectionState %s: %w", connectionID, store.ErrNotFound)
	}
	c.State = state
	c.LastError = lastError
	c.UpdatedAt = s.now()
	return nil
}

// SetConnectionActive implements store.ConnectionRepository.
func (s *Store) SetConnectionActive(ctx context.Context, connectionID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.connections[connectionID]
	if !ok {
		return fmt.Errorf("SetConnectionActive %s: %w", connectionID, store.ErrNotFound)
	}
	c.IsActive = active
	c.UpdatedAt = s.now()
	return nil
}

// GetCursor implements store.CursorRepository.
func (s *Store) GetCursor(ctx context.Context, connectionID string) (*domain.SyncCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cursors[connectionID]
	if !ok {
		return nil, fmt.Errorf("GetCursor %s: %w", connectionID, store.ErrNotFound)
	}
	return &c, nil
}

// AdvanceCursor implements store.CursorRepository.
func (s *Store) AdvanceCursor(ctx context.Context, cursor domain.SyncCursor) error {
	if cursor.ConnectionID == "" {
		return fmt.Errorf("AdvanceCursor: connection ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[cursor.ConnectionID] = cursor
	return nil
}

// UpsertAccounts implements store.AccountRepository.
func (s *Store) UpsertAccounts(ctx context.Context, accounts []*domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range accounts {
		cp := *a
		s.accounts[accountKey{a.OwnerID, a.AccountID}] = &cp
	}
	return nil
}

// ListAccounts implements store.AccountRepository.
func (s *Store) ListAccounts(ctx context.Context, ownerID string) ([]*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Account
	for _, a := range s.accounts {
		if a.OwnerID != ownerID {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

// GetTransactionsByProviderIDs implements store.TransactionRepository.
func (s *Store) GetTransactionsByProviderIDs(ctx context.Context, ownerID string, providerIDs []string) (map[string]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*domain.Transaction, len(providerIDs))
	for _, id := range providerIDs {
		if tx, ok := s.transactions[txKey{ownerID, id}]; ok {
			out[id] = tx.Clone()
		}
	}
	return out, nil
}

// UpsertTransactions implements store.TransactionRepository.
func (s *Store) UpsertTransactions(ctx context.Context, txs []*domain.Transaction) error {
	for _, tx := range txs {
		if tx.OwnerID == "" || tx.ProviderTransactionID == "" {
			return fmt.Errorf("UpsertTransactions: owner and provider transaction ID are required")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, tx := range txs {
		key := txKey{tx.OwnerID, tx.ProviderTransactionID}
		next := tx.Clone()
		if existing, ok := s.transactions[key]; ok {
			next.ID = existing.ID
			next.CreatedAt = existing.CreatedAt
			if existing.IsUserReviewed {
				next.AssignedCategory = existing.AssignedCategory
				next.IsUserReviewed = true
			}
		} else {
			if next.ID == "" {
				next.ID = uuid.New().String()
			}
			next.CreatedAt = now
		}
		next.UpdatedAt = now
		s.transactions[key] = next
	}
	return nil
}

// DeleteTransactions implements store.TransactionRepository.
func (s *Store) DeleteTransactions(ctx context.Context, ownerID string, providerIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range providerIDs {
		key := txKey{ownerID, id}
		if _, ok := s.transactions[key]; ok {
			delete(s.transactions, key)
			n++
		}
	}
	return n, nil
}

// GetTransaction implements store.TransactionRepository.
func (s *Store) GetTransaction(ctx context.Context, ownerID, transactionID string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx := s.findLocked(ownerID, transactionID)
	if tx == nil {
		return nil, fmt.Errorf("GetTransaction %s: %w", transactionID, store.ErrNotFound)
	}
	return tx.Clone(), nil
}

func (s *Store) findLocked(ownerID, transactionID string) *domain.Transaction {
	if tx, ok := s.transactions[txKey{ownerID, transactionID}]; ok {
		return tx
	}
	for k, tx := range s.transactions {
		if k.owner == ownerID && tx.ID == transactionID {
			return tx
		}
	}
	return nil
}

// ListTransactions implements store.TransactionRepository.
func (s *Store) ListTransactions(ctx context.Context, ownerID string, filter store.TransactionFilter) ([]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Transaction
	for k, tx := range s.transactions {
		if k.owner != ownerID || !filter.Matches(tx) {
			continue
		}
		out = append(out, tx.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].OccurredOn != out[j].OccurredOn {
			return out[i].OccurredOn.After(out[j].OccurredOn)
		}
		return out[i].ProviderTransactionID < out[j].ProviderTransactionID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*domain.Transaction{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SetCategory implements store.TransactionRepository.
func (s *Store) SetCategory(ctx context.Context, ownerID, transactionID string, category domain.Category, reviewed bool, at time.Time) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.findLocked(ownerID, transactionID)
	if tx == nil {
		return nil, fmt.Errorf("SetCategory %s: %w", transactionID, store.ErrNotFound)
	}
	tx.AssignedCategory = category
	tx.IsUserReviewed = reviewed
	tx.UpdatedAt = at
	return tx.Clone(), nil
}

// UpsertCashFlowSummary implements store.SummaryRepository.
func (s *Store) UpsertCashFlowSummary(ctx context.Context, summary *domain.CashFlowSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[summaryKey{summary.OwnerID, summary.MonthKey}] = cloneSummary(summary)
	return nil
}

// GetCashFlowSummary implements store.SummaryRepository.
func (s *Store) GetCashFlowSummary(ctx context.Context, ownerID string, month domain.MonthKey) (*domain.CashFlowSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum, ok := s.summaries[summaryKey{ownerID, month}]
	if !ok {
		return nil, fmt.Errorf("GetCashFlowSummary %s/%s: %w", ownerID, month, store.ErrNotFound)
	}
	return cloneSummary(sum), nil
}

// GetNetWorthSnapshot implements store.SummaryRepository.
func (s *Store) GetNetWorthSnapshot(ctx context.Context, ownerID string, date civil.Date) (*domain.NetWorthSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[snapshotKey{ownerID, date}]
	if !ok {
		return nil, fmt.Errorf("GetNetWorthSnapshot %s/%s: %w", ownerID, date, store.ErrNotFound)
	}
	return cloneSnapshot(snap), nil
}

// CreateNetWorthSnapshot implements store.SummaryRepository.
func (s *Store) CreateNetWorthSnapshot(ctx context.Context, snapshot *domain.NetWorthSnapshot) (*domain.NetWorthSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := snapshotKey{snapshot.OwnerID, snapshot.SnapshotDate}
	if existing, ok := s.snapshots[key]; ok {
		return cloneSnapshot(existing), false, nil
	}
	stored := cloneSnapshot(snapshot)
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	s.snapshots[key] = stored
	return cloneSnapshot(stored), true, nil
}

func cloneSummary(s *domain.CashFlowSummary) *domain.CashFlowSummary {
	cp := *s
	cp.TotalsByCategory = make(map[domain.Category]decimal.Decimal, len(s.TotalsByCategory))
	for k, v := range s.TotalsByCategory {
		cp.TotalsByCategory[k] = v
	}
	return &cp
}

func cloneSnapshot(s *domain.NetWorthSnapshot) *domain.NetWorthSnapshot {
	cp := *s
	cp.AssetBreakdown = make(map[string]decimal.Decimal, len(s.AssetBreakdown))
	for k, v := range s.AssetBreakdown {
		cp.AssetBreakdown[k] = v
	}
	cp.LiabilityBreakdown = make(map[string]decimal.Decimal, len(s.LiabilityBreakdown))
	for k, v := range s.LiabilityBreakdown {
		cp.LiabilityBreakdown[k] = v
	}
	return &cp
}

var _ store.Store = (*Store)(nil)
