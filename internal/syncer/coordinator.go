// Package syncer runs the per-connection incremental sync protocol against
// the aggregation provider: page through changes, buffer them, commit them
// in one idempotent step and only then advance the cursor.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dvloznov/finance-sync/internal/categorize"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/logger"
	"github.com/dvloznov/finance-sync/internal/provider"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/rs/zerolog"
)

// SyncResult summarizes one SyncConnection call. It is returned alongside
// any error so callers can report connection status.
type SyncResult struct {
	ConnectionID  string            `json:"connection_id"`
	OwnerID       string            `json:"owner_id"`
	Added         int               `json:"added"`
	Modified      int               `json:"modified"`
	Removed       int               `json:"removed"`
	Errors        []RecordError     `json:"errors,omitempty"`
	State         domain.SyncState  `json:"state"`
	Cursor        string            `json:"cursor,omitempty"`
	Pages         int               `json:"pages"`
	Restarts      int               `json:"restarts"`
	PageRetries   int               `json:"page_retries"`
	NotReady      bool              `json:"not_ready,omitempty"`
	TouchedMonths []domain.MonthKey `json:"touched_months,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// Archiver receives the raw provider payloads of every committed cycle.
type Archiver interface {
	ArchiveCycle(ctx context.Context, cycle CycleArchive) error
}

// CycleArchive is the audit record of one committed cycle.
type CycleArchive struct {
	ConnectionID string
	OwnerID      string
	FromCursor   domain.Cursor
	ToCursor     domain.Cursor
	CommittedAt  time.Time
	Records      [][]byte
	RemovedIDs   []string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithArchiver archives raw payloads after each commit.
func WithArchiver(a Archiver) Option {
	return func(c *Coordinator) { c.archiver = a }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithSleep overrides the backoff wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) { c.sleep = sleep }
}

// Coordinator owns the sync protocol. One Coordinator serves all
// connections; calls for the same connection are serialized.
type Coordinator struct {
	provider    provider.Client
	store       store.Store
	categorizer *categorize.Engine
	archiver    Archiver
	cfg         Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(p provider.Client, s store.Store, categorizer *categorize.Engine, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		provider:    p,
		store:       s,
		categorizer: categorizer,
		cfg:         cfg,
		now:         time.Now,
		sleep:       sleepContext,
		locks:       make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SyncConnection runs one full sync cycle for conn.
//
// Changes are paged into memory and committed only once the provider
// reports no more pages. A pagination-mutation conflict discards the buffer
// and restarts from the cursor the cycle began with. Transient failures are
// retried per page. Cancellation is observed between pages; once the commit
// starts it runs to completion.
func (c *Coordinator) SyncConnection(ctx context.Context, conn *domain.Connection) (*SyncResult, error) {
	result := &SyncResult{
		ConnectionID: conn.ConnectionID,
		OwnerID:      conn.OwnerID,
		State:        conn.State,
	}
	if !conn.IsActive {
		result.Error = ErrConnectionInactive.Error()
		return result, fmt.Errorf("SyncConnection %s: %w", conn.ConnectionID, ErrConnectionInactive)
	}

	log := logger.WithFields(logger.FromContext(ctx), map[string]interface{}{
		"connection_id": conn.ConnectionID,
		"owner_id":      conn.OwnerID,
	})
	ctx = logger.WithContext(ctx, log)

	release, err := c.acquire(ctx, conn.ConnectionID)
	if err != nil {
		return c.fail(ctx, result, domain.SyncStateIdle, fmt.Errorf("SyncConnection: waiting for connection lock: %w", err))
	}
	defer release()

	start, err := c.loadCursor(ctx, conn.ConnectionID)
	if err != nil {
		return c.fail(ctx, result, domain.SyncStateFailed, fmt.Errorf("SyncConnection: %w", err))
	}
	result.Cursor = start.Value

	balances, err := c.fetchBalances(ctx, conn, result)
	if err != nil {
		if errors.Is(err, provider.ErrCredentialExpired) {
			return c.fail(ctx, result, domain.SyncStateRequiresReauthorization, err)
		}
		if ctx.Err() != nil {
			return c.fail(ctx, result, domain.SyncStateIdle, fmt.Errorf("SyncConnection: %w", ctx.Err()))
		}
		log.Warn().Err(err).Msg("Balance refresh failed, using stored accounts")
	}

	known, err := c.knownAccounts(ctx, conn.OwnerID)
	if err != nil {
		return c.fail(ctx, result, domain.SyncStateFailed, fmt.Errorf("SyncConnection: %w", err))
	}

	log.Info().Str("cursor", start.String()).Msg("Starting sync cycle")

	for attempt := 0; ; attempt++ {
		acc := newAccumulator(conn, known)
		acc.addAccounts(ctx, balances, c.now())

		final, err := c.paginate(ctx, conn, start, acc, result)
		if err == nil {
			result.Pages = acc.pages
			return c.commit(ctx, conn, start, final, acc, result)
		}

		switch {
		case errors.Is(err, provider.ErrPaginationMutation):
			if attempt >= c.cfg.MaxCycleRestarts {
				return c.fail(ctx, result, domain.SyncStateFailed,
					fmt.Errorf("SyncConnection: %w after %d restarts: %w", ErrRestartBudgetExhausted, attempt, err))
			}
			result.Restarts++
			wait := c.cfg.backoff(attempt)
			log.Warn().
				Err(err).
				Int("restart", result.Restarts).
				Dur("backoff", wait).
				Str("cursor", start.String()).
				Msg("Pagination mutated, restarting cycle from starting cursor")
			c.setState(ctx, conn.ConnectionID, domain.SyncStateRetryBackoff, err.Error())
			if err := c.sleep(ctx, wait); err != nil {
				return c.fail(ctx, result, domain.SyncStateIdle, fmt.Errorf("SyncConnection: %w", err))
			}
		case errors.Is(err, provider.ErrCredentialExpired):
			return c.fail(ctx, result, domain.SyncStateRequiresReauthorization, err)
		case ctx.Err() != nil:
			return c.fail(ctx, result, domain.SyncStateIdle, fmt.Errorf("SyncConnection: %w", ctx.Err()))
		default:
			return c.fail(ctx, result, domain.SyncStateFailed, err)
		}
	}
}

// paginate pages from start until the provider reports no more data and
// returns the final cursor. Nothing is persisted here.
func (c *Coordinator) paginate(ctx context.Context, conn *domain.Connection, start domain.Cursor, acc *accumulator, result *SyncResult) (domain.Cursor, error) {
	c.setState(ctx, conn.ConnectionID, domain.SyncStatePaginating, "")

	cursor := start
	for {
		if err := ctx.Err(); err != nil {
			return cursor, err
		}

		page, err := c.fetchPage(ctx, conn, cursor, result)
		if err != nil {
			return cursor, err
		}

		acc.apply(ctx, page, c.now())
		cursor = domain.CursorOf(page.NextCursor)

		log := logger.FromContext(ctx)
		log.Debug().
			Int("page", acc.pages).
			Int("added", len(page.Added)).
			Int("modified", len(page.Modified)).
			Int("removed", len(page.Removed)).
			Bool("has_more", page.HasMore).
			Msg("Fetched change page")

		if !page.HasMore {
			return cursor, nil
		}
	}
}

// fetchPage requests one page, retrying transient failures with backoff.
func (c *Coordinator) fetchPage(ctx context.Context, conn *domain.Connection, cursor domain.Cursor, result *SyncResult) (*provider.ChangePage, error) {
	var page *provider.ChangePage
	err := c.withRetry(ctx, conn, "FetchIncrementalChanges", result, func(callCtx context.Context) error {
		var err error
		page, err = c.provider.FetchIncrementalChanges(callCtx, conn.CredentialRef, cursor)
		return err
	})
	return page, err
}

// withRetry runs call under the page timeout and retries transient
// failures up to MaxPageRetries times. Mutation conflicts and credential
// errors are returned immediately.
func (c *Coordinator) withRetry(ctx context.Context, conn *domain.Connection, op string, result *SyncResult, call func(context.Context) error) error {
	log := logger.FromContext(ctx)

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if c.cfg.PageTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.cfg.PageTimeout)
		}
		err := call(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(err) {
			return err
		}
		if attempt >= c.cfg.MaxPageRetries {
			return fmt.Errorf("%s: %w after %d attempts: %w", op, ErrPageRetryBudgetExhausted, attempt+1, err)
		}

		wait := c.cfg.backoff(attempt)
		var te *provider.TransientError
		if errors.As(err, &te) && te.RetryAfter > wait {
			wait = te.RetryAfter
			if c.cfg.MaxBackoff > 0 && wait > c.cfg.MaxBackoff {
				wait = c.cfg.MaxBackoff
			}
		}
		log.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt+1).
			Dur("backoff", wait).
			Msg("Transient provider failure, retrying")

		// Only sync cycles (non-nil result) drive the connection state.
		if result != nil {
			result.PageRetries++
			c.setState(ctx, conn.ConnectionID, domain.SyncStateRetryBackoff, err.Error())
		}
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
		if result != nil {
			c.setState(ctx, conn.ConnectionID, domain.SyncStatePaginating, "")
		}
	}
}

func retryable(err error) bool {
	if errors.Is(err, provider.ErrPaginationMutation) || errors.Is(err, provider.ErrCredentialExpired) {
		return false
	}
	return provider.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

// commit persists the buffered cycle: accounts, then transactions through
// the categorization merge, then removals, and finally the cursor. It runs
// on a context detached from cancellation.
func (c *Coordinator) commit(ctx context.Context, conn *domain.Connection, start, final domain.Cursor, acc *accumulator, result *SyncResult) (*SyncResult, error) {
	ctx = context.WithoutCancel(ctx)
	log := logger.FromContext(ctx)
	c.setState(ctx, conn.ConnectionID, domain.SyncStateCommitting, "")

	months := make(map[domain.MonthKey]bool)

	if accounts := acc.accountsToCommit(); len(accounts) > 0 {
		if err := c.store.UpsertAccounts(ctx, accounts); err != nil {
			return c.fail(ctx, result, domain.SyncStateFailed, &PersistenceError{Step: "accounts", Err: err})
		}
	}

	pending := acc.pending()
	removedIDs := acc.removedIDs()

	lookupIDs := append(acc.pendingIDs(), removedIDs...)
	existing, err := c.store.GetTransactionsByProviderIDs(ctx, conn.OwnerID, lookupIDs)
	if err != nil {
		return c.fail(ctx, result, domain.SyncStateFailed, &PersistenceError{Step: "load existing", Err: err})
	}

	merged := make([]*domain.Transaction, 0, len(pending))
	var added, modified int
	for _, tx := range pending {
		stored := existing[tx.ProviderTransactionID]
		if stored == nil {
			added++
		} else {
			modified++
			months[stored.MonthKey] = true
		}
		m := c.categorizer.Merge(stored, tx)
		months[m.MonthKey] = true
		merged = append(merged, m)
	}

	if len(merged) > 0 {
		if err := c.store.UpsertTransactions(ctx, merged); err != nil {
			return c.fail(ctx, result, domain.SyncStateFailed, &PersistenceError{Step: "transactions", Err: err})
		}
	}

	removed := 0
	if len(removedIDs) > 0 {
		n, err := c.store.DeleteTransactions(ctx, conn.OwnerID, removedIDs)
		if err != nil {
			return c.fail(ctx, result, domain.SyncStateFailed, &PersistenceError{Step: "removals", Err: err})
		}
		removed = n
		for _, id := range removedIDs {
			if stored := existing[id]; stored != nil {
				months[stored.MonthKey] = true
			}
		}
	}

	committedAt := c.now()
	if final.IsEmpty() {
		// Provider has no data ready yet; keep the stored cursor and poll later.
		result.NotReady = true
	} else {
		if err := c.store.AdvanceCursor(ctx, domain.SyncCursor{
			ConnectionID:    conn.ConnectionID,
			Cursor:          final,
			LastCommittedAt: committedAt,
		}); err != nil {
			return c.fail(ctx, result, domain.SyncStateFailed, &PersistenceError{Step: "cursor", Err: err})
		}
		result.Cursor = final.Value
	}

	result.Added = added
	result.Modified = modified
	result.Removed = removed
	result.Errors = acc.errors
	result.TouchedMonths = sortedMonths(months)
	result.State = domain.SyncStateIdle
	c.setState(ctx, conn.ConnectionID, domain.SyncStateIdle, "")

	log.Info().
		Int("added", added).
		Int("modified", modified).
		Int("removed", removed).
		Int("skipped", len(acc.errors)).
		Int("pages", acc.pages).
		Int("restarts", result.Restarts).
		Bool("not_ready", result.NotReady).
		Str("cursor", final.String()).
		Msg("Sync cycle committed")

	c.archive(ctx, conn, start, final, committedAt, merged, removedIDs)

	return result, nil
}

func (c *Coordinator) archive(ctx context.Context, conn *domain.Connection, from, to domain.Cursor, at time.Time, txs []*domain.Transaction, removed []string) {
	if c.archiver == nil || (len(txs) == 0 && len(removed) == 0) {
		return
	}
	records := make([][]byte, 0, len(txs))
	for _, tx := range txs {
		if len(tx.RawProviderPayload) > 0 {
			records = append(records, tx.RawProviderPayload)
		}
	}
	err := c.archiver.ArchiveCycle(ctx, CycleArchive{
		ConnectionID: conn.ConnectionID,
		OwnerID:      conn.OwnerID,
		FromCursor:   from,
		ToCursor:     to,
		CommittedAt:  at,
		Records:      records,
		RemovedIDs:   removed,
	})
	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Msg("Failed to archive raw payloads")
	}
}

func (c *Coordinator) loadCursor(ctx context.Context, connectionID string) (domain.Cursor, error) {
	sc, err := c.store.GetCursor(ctx, connectionID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Cursor{}, nil
	}
	if err != nil {
		return domain.Cursor{}, fmt.Errorf("loading cursor: %w", err)
	}
	return sc.Cursor, nil
}

func (c *Coordinator) knownAccounts(ctx context.Context, ownerID string) (map[string]*domain.Account, error) {
	accounts, err := c.store.ListAccounts(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("loading accounts: %w", err)
	}
	out := make(map[string]*domain.Account, len(accounts))
	for _, a := range accounts {
		out[a.AccountID] = a
	}
	return out, nil
}

// fail records the terminal state of a cycle and returns err.
func (c *Coordinator) fail(ctx context.Context, result *SyncResult, state domain.SyncState, err error) (*SyncResult, error) {
	result.State = state
	result.Error = err.Error()

	lastErr := err.Error()
	if state == domain.SyncStateIdle {
		lastErr = ""
	}
	c.setState(context.WithoutCancel(ctx), result.ConnectionID, state, lastErr)

	log := logger.FromContext(ctx)
	var event *zerolog.Event
	if state == domain.SyncStateIdle {
		event = log.Warn()
	} else {
		event = log.Error()
	}
	event.Err(err).Str("state", string(state)).Msg("Sync cycle did not commit")

	return result, err
}

// setState persists the connection state. Failures are logged only; the
// state column is informational.
func (c *Coordinator) setState(ctx context.Context, connectionID string, state domain.SyncState, lastError string) {
	if err := c.store.UpdateConnectionState(ctx, connectionID, state, lastError); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("state", string(state)).Msg("Failed to record connection state")
	}
}

func (c *Coordinator) acquire(ctx context.Context, connectionID string) (func(), error) {
	c.locksMu.Lock()
	ch, ok := c.locks[connectionID]
	if !ok {
		ch = make(chan struct{}, 1)
		c.locks[connectionID] = ch
	}
	c.locksMu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func sortedMonths(m map[domain.MonthKey]bool) []domain.MonthKey {
	out := make([]domain.MonthKey, 0, len(m))
	for k := range m {
		if k != "" {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
