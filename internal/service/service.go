// Package service exposes the downstream operations used by the HTTP API,
// the worker and the CLI. It composes the sync coordinator, the
// categorization engine and the aggregation engine over one store.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/aggregate"
	"github.com/dvloznov/finance-sync/internal/categorize"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/logger"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/dvloznov/finance-sync/internal/syncer"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidArgument marks caller input the service rejected.
var ErrInvalidArgument = errors.New("invalid argument")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// Syncer runs sync cycles. *syncer.Coordinator implements it.
type Syncer interface {
	SyncConnection(ctx context.Context, conn *domain.Connection) (*syncer.SyncResult, error)
	RefreshBalances(ctx context.Context, ownerID string) ([]*domain.Account, error)
}

// SummarySink receives every recomputed cash-flow summary.
type SummarySink interface {
	PublishCashFlowSummary(ctx context.Context, summary *domain.CashFlowSummary) error
}

// SnapshotSink receives every scheduled net-worth snapshot.
type SnapshotSink interface {
	PublishNetWorthSnapshot(ctx context.Context, snapshot *domain.NetWorthSnapshot) error
}

// Suggester proposes a category for a transaction awaiting review.
type Suggester interface {
	SuggestCategory(ctx context.Context, tx *domain.Transaction) (domain.Category, error)
}

// Option configures a Service.
type Option func(*Service)

// WithSyncWorkers bounds how many connections TriggerSync runs at once.
func WithSyncWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithSummarySinks publishes recomputed summaries.
func WithSummarySinks(sinks ...SummarySink) Option {
	return func(s *Service) { s.summarySinks = append(s.summarySinks, sinks...) }
}

// WithSnapshotSinks publishes scheduled snapshots.
func WithSnapshotSinks(sinks ...SnapshotSink) Option {
	return func(s *Service) { s.snapshotSinks = append(s.snapshotSinks, sinks...) }
}

// WithSuggester enables category suggestions in the review queue.
func WithSuggester(sg Suggester) Option {
	return func(s *Service) { s.suggester = sg }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service implements the downstream operations.
type Service struct {
	store       store.Store
	syncer      Syncer
	categorizer *categorize.Engine
	aggregator  *aggregate.Engine

	summarySinks  []SummarySink
	snapshotSinks []SnapshotSink
	suggester     Suggester

	workers int
	now     func() time.Time
}

// New creates a Service.
func New(s store.Store, sy Syncer, categorizer *categorize.Engine, aggregator *aggregate.Engine, opts ...Option) *Service {
	svc := &Service{
		store:       s,
		syncer:      sy,
		categorizer: categorizer,
		aggregator:  aggregator,
		workers:     4,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// TriggerResult reports one TriggerSync call.
type TriggerResult struct {
	OwnerID    string               `json:"owner_id"`
	Results    []*syncer.SyncResult `json:"results"`
	Recomputed []domain.MonthKey    `json:"recomputed_months,omitempty"`
	Skipped    []string             `json:"skipped_connections,omitempty"`
}

// TriggerSync syncs every active connection of the owner, at most
// WithSyncWorkers at a time, then recomputes the cash-flow summaries of the
// months the commits touched. Per-connection failures are reported in the
// results; the returned error covers only failures to start.
func (s *Service) TriggerSync(ctx context.Context, ownerID string) (*TriggerResult, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, invalid("owner ID is required")
	}
	log := logger.FromContext(ctx)

	conns, err := s.store.ListConnections(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("TriggerSync: listing connections: %w", err)
	}

	out := &TriggerResult{OwnerID: ownerID}
	var active []*domain.Connection
	for _, c := range conns {
		if !c.IsActive {
			out.Skipped = append(out.Skipped, c.ConnectionID)
			continue
		}
		active = append(active, c)
	}

	results := make([]*syncer.SyncResult, len(active))
	var g errgroup.Group
	g.SetLimit(s.workers)
	for i, conn := range active {
		g.Go(func() error {
			res, err := s.syncer.SyncConnection(ctx, conn)
			if err != nil {
				log.Warn().Err(err).Str("connection_id", conn.ConnectionID).Msg("Connection sync failed")
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	months := make(map[domain.MonthKey]bool)
	for _, r := range results {
		if r == nil {
			continue
		}
		out.Results = append(out.Results, r)
		for _, m := range r.TouchedMonths {
			months[m] = true
		}
	}

	out.Recomputed = s.recompute(ctx, ownerID, months)

	log.Info().
		Str("owner_id", ownerID).
		Int("connections", len(active)).
		Int("skipped", len(out.Skipped)).
		Int("recomputed_months", len(out.Recomputed)).
		Msg("Sync triggered")

	return out, ctx.Err()
}

// SyncConnectionByID runs one cycle for a single connection and recomputes
// the touched months. It backs the asynchronous sync jobs.
func (s *Service) SyncConnectionByID(ctx context.Context, connectionID string) (*syncer.SyncResult, error) {
	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("SyncConnectionByID: %w", err)
	}

	res, err := s.syncer.SyncConnection(ctx, conn)
	if res != nil && len(res.TouchedMonths) > 0 {
		months := make(map[domain.MonthKey]bool, len(res.TouchedMonths))
		for _, m := range res.TouchedMonths {
			months[m] = true
		}
		s.recompute(ctx, conn.OwnerID, months)
	}
	return res, err
}

// recompute refreshes the summaries for months and publishes them. Failures
// are logged; a later recompute corrects them.
func (s *Service) recompute(ctx context.Context, ownerID string, months map[domain.MonthKey]bool) []domain.MonthKey {
	keys := make([]domain.MonthKey, 0, len(months))
	for m := range months {
		keys = append(keys, m)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	ctx = context.WithoutCancel(ctx)
	log := logger.FromContext(ctx)

	var done []domain.MonthKey
	for _, m := range keys {
		summary, err := s.aggregator.ComputeCashFlowSummary(ctx, ownerID, m)
		if err != nil {
			log.Warn().Err(err).Str("month", string(m)).Msg("Failed to recompute cash flow summary")
			continue
		}
		s.publishSummary(ctx, summary)
		done = append(done, m)
	}
	return done
}

func (s *Service) publishSummary(ctx context.Context, summary *domain.CashFlowSummary) {
	for _, sink := range s.summarySinks {
		if err := sink.PublishCashFlowSummary(ctx, summary); err != nil {
			log := logger.FromContext(ctx)
			log.Warn().
				Err(err).
				Str("owner_id", summary.OwnerID).
				Str("month", string(summary.MonthKey)).
				Msg("Failed to publish cash flow summary")
		}
	}
}

// TransactionQuery is the caller-facing filter for GetTransactions.
type TransactionQuery struct {
	AccountID      string
	Month          string
	From           string
	To             string
	Category       string
	UnreviewedOnly bool
	Limit          int
	Offset         int
}

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// GetTransactions lists the owner's canonical transactions, newest first.
func (s *Service) GetTransactions(ctx context.Context, ownerID string, q TransactionQuery) ([]*domain.Transaction, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, invalid("owner ID is required")
	}
	filter, err := q.filter()
	if err != nil {
		return nil, err
	}
	txs, err := s.store.ListTransactions(ctx, ownerID, filter)
	if err != nil {
		return nil, fmt.Errorf("GetTransactions: %w", err)
	}
	if txs == nil {
		txs = []*domain.Transaction{}
	}
	return txs, nil
}

func (q TransactionQuery) filter() (store.TransactionFilter, error) {
	f := store.TransactionFilter{
		AccountID:      q.AccountID,
		UnreviewedOnly: q.UnreviewedOnly,
		Limit:          q.Limit,
		Offset:         q.Offset,
	}
	if f.Limit <= 0 {
		f.Limit = defaultPageLimit
	}
	if f.Limit > maxPageLimit {
		f.Limit = maxPageLimit
	}
	if f.Offset < 0 {
		return f, invalid("offset must not be negative")
	}
	if q.Month != "" {
		m, err := domain.ParseMonthKey(q.Month)
		if err != nil {
			return f, invalid("%v", err)
		}
		f.MonthKey = m
	}
	if q.From != "" {
		d, err := civil.ParseDate(q.From)
		if err != nil {
			return f, invalid("from: %v", err)
		}
		f.From = &d
	}
	if q.To != "" {
		d, err := civil.ParseDate(q.To)
		if err != nil {
			return f, invalid("to: %v", err)
		}
		f.To = &d
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return f, invalid("to must not be before from")
	}
	if q.Category != "" {
		c, err := domain.ParseCategory(q.Category)
		if err != nil {
			return f, invalid("%v", err)
		}
		f.Category = c
	}
	return f, nil
}

// SetUserCategory records a human override and refreshes the summary of
// the transaction's month.
func (s *Service) SetUserCategory(ctx context.Context, ownerID, transactionID, category string) (*domain.Transaction, error) {
	if strings.TrimSpace(ownerID) == "" || strings.TrimSpace(transactionID) == "" {
		return nil, invalid("owner ID and transaction ID are required")
	}
	c, err := domain.ParseCategory(category)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	tx, err := s.categorizer.SetUserCategory(ctx, ownerID, transactionID, c)
	if err != nil {
		return nil, err
	}

	s.recompute(ctx, ownerID, map[domain.MonthKey]bool{tx.MonthKey: true})
	return tx, nil
}

// GetCashFlowSummary recomputes and returns the summary for month ("YYYY-MM").
func (s *Service) GetCashFlowSummary(ctx context.Context, ownerID, month string) (*domain.CashFlowSummary, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, invalid("owner ID is required")
	}
	m, err := domain.ParseMonthKey(month)
	if err != nil {
		return nil, invalid("%v", err)
	}
	return s.aggregator.ComputeCashFlowSummary(ctx, ownerID, m)
}

// GetNetWorthSnapshot returns the snapshot for date ("YYYY-MM-DD"), creating
// it on first request. An empty date means today in UTC.
func (s *Service) GetNetWorthSnapshot(ctx context.Context, ownerID, date string) (*domain.NetWorthSnapshot, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, invalid("owner ID is required")
	}
	today := civil.DateOf(s.now().UTC())
	d := today
	if date != "" {
		parsed, err := civil.ParseDate(date)
		if err != nil {
			return nil, invalid("date: %v", err)
		}
		d = parsed
	}
	if d.After(today) {
		return nil, invalid("date %s is in the future", d)
	}
	return s.aggregator.ComputeNetWorthSnapshot(ctx, ownerID, d)
}

// TakeDailySnapshots creates the snapshot for date for every owner with an
// active connection and publishes it. It returns how many owners succeeded.
func (s *Service) TakeDailySnapshots(ctx context.Context, date civil.Date) (int, error) {
	log := logger.FromContext(ctx)

	owners, err := s.activeOwners(ctx)
	if err != nil {
		return 0, fmt.Errorf("TakeDailySnapshots: %w", err)
	}

	var errs []error
	ok := 0
	for _, owner := range owners {
		snap, err := s.aggregator.ComputeNetWorthSnapshot(ctx, owner, date)
		if err != nil {
			log.Warn().Err(err).Str("owner_id", owner).Msg("Failed to take net worth snapshot")
			errs = append(errs, fmt.Errorf("owner %s: %w", owner, err))
			continue
		}
		for _, sink := range s.snapshotSinks {
			if err := sink.PublishNetWorthSnapshot(ctx, snap); err != nil {
				log.Warn().Err(err).Str("owner_id", owner).Msg("Failed to publish net worth snapshot")
			}
		}
		ok++
	}

	log.Info().Str("date", date.String()).Int("owners", ok).Msg("Daily snapshots taken")
	return ok, errors.Join(errs...)
}

func (s *Service) activeOwners(ctx context.Context) ([]string, error) {
	conns, err := s.store.ListConnections(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	seen := make(map[string]bool)
	var owners []string
	for _, c := range conns {
		if c.IsActive && !seen[c.OwnerID] {
			seen[c.OwnerID] = true
			owners = append(owners, c.OwnerID)
		}
	}
	sort.Strings(owners)
	return owners, nil
}

// AddConnection registers a provider connection for the owner. Registering
// an existing connection again replaces its credential and reactivates it;
// a connection of another owner is rejected with store.ErrOwnerMismatch.
func (s *Service) AddConnection(ctx context.Context, conn *domain.Connection) error {
	if conn.ConnectionID == "" || conn.OwnerID == "" || conn.CredentialRef == "" {
		return invalid("connection ID, owner ID and credential reference are required")
	}
	existing, err := s.store.GetConnection(ctx, conn.ConnectionID)
	switch {
	case err == nil && existing.OwnerID != conn.OwnerID:
		return fmt.Errorf("AddConnection %s: %w", conn.ConnectionID, store.ErrOwnerMismatch)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("AddConnection: %w", err)
	}
	c := conn.Clone()
	c.IsActive = true
	c.State = domain.SyncStateIdle
	if err := s.store.SaveConnection(ctx, c); err != nil {
		return fmt.Errorf("AddConnection: %w", err)
	}
	log := logger.FromContext(ctx)
	log.Info().
		Str("connection_id", c.ConnectionID).
		Str("owner_id", c.OwnerID).
		Msg("Connection registered")
	return nil
}

// ListConnections returns the owner's connections.
func (s *Service) ListConnections(ctx context.Context, ownerID string) ([]*domain.Connection, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, invalid("owner ID is required")
	}
	conns, err := s.store.ListConnections(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("ListConnections: %w", err)
	}
	if conns == nil {
		conns = []*domain.Connection{}
	}
	return conns, nil
}

// DeactivateConnection marks a revoked connection inactive. Its records and
// cursor are kept.
func (s *Service) DeactivateConnection(ctx context.Context, ownerID, connectionID string) error {
	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("DeactivateConnection: %w", err)
	}
	if conn.OwnerID != ownerID {
		return fmt.Errorf("DeactivateConnection %s: %w", connectionID, store.ErrNotFound)
	}
	if err := s.store.SetConnectionActive(ctx, connectionID, false); err != nil {
		return fmt.Errorf("DeactivateConnection: %w", err)
	}
	log := logger.FromContext(ctx)
	log.Info().Str("connection_id", connectionID).Msg("Connection deactivated")
	return nil
}

// ReviewItem is one transaction awaiting human categorization.
type ReviewItem struct {
	Transaction *domain.Transaction `json:"transaction"`
	Suggestion  domain.Category     `json:"suggestion,omitempty"`
}

// ReviewQueue lists unreviewed Uncategorized transactions, newest first,
// each with an optional suggestion. Suggestions are never applied.
func (s *Service) ReviewQueue(ctx context.Context, ownerID string, limit int) ([]ReviewItem, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, invalid("owner ID is required")
	}
	if limit <= 0 || limit > maxPageLimit {
		limit = defaultPageLimit
	}

	txs, err := s.store.ListTransactions(ctx, ownerID, store.TransactionFilter{
		Category:       domain.CategoryUncategorized,
		UnreviewedOnly: true,
		Limit:          limit,
	})
	if err != nil {
		return nil, fmt.Errorf("ReviewQueue: %w", err)
	}

	items := make([]ReviewItem, len(txs))
	for i, tx := range txs {
		items[i] = ReviewItem{Transaction: tx}
	}
	if s.suggester == nil {
		return items, nil
	}

	var g errgroup.Group
	g.SetLimit(s.workers)
	for i := range items {
		g.Go(func() error {
			c, err := s.suggester.SuggestCategory(ctx, items[i].Transaction)
			if err != nil {
				log := logger.FromContext(ctx)
				log.Warn().Err(err).
					Str("transaction_id", items[i].Transaction.ID).
					Msg("Category suggestion failed")
				return nil
			}
			items[i].Suggestion = c
			return nil
		})
	}
	_ = g.Wait()
	return items, nil
}
