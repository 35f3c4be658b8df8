package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dvloznov/finance-sync/internal/aggregate"
	"github.com/dvloznov/finance-sync/internal/categorize"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/provider"
	"github.com/dvloznov/finance-sync/internal/provider/providertest"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/dvloznov/finance-sync/internal/store/inmemory"
	"github.com/shopspring/decimal"
)

var absent = domain.Cursor{}

// faultyStore fails selected commit steps.
type faultyStore struct {
	*inmemory.Store
	failUpsert error
	failCursor error
}

func (f *faultyStore) UpsertTransactions(ctx context.Context, txs []*domain.Transaction) error {
	if f.failUpsert != nil {
		return f.failUpsert
	}
	return f.Store.UpsertTransactions(ctx, txs)
}

func (f *faultyStore) AdvanceCursor(ctx context.Context, c domain.SyncCursor) error {
	if f.failCursor != nil {
		return f.failCursor
	}
	return f.Store.AdvanceCursor(ctx, c)
}

type harness struct {
	coord  *Coordinator
	store  *faultyStore
	prov   *providertest.Scripted
	conn   *domain.Connection
	sleeps []time.Duration
	mu     sync.Mutex
}

func testConfig() Config {
	return Config{
		MaxCycleRestarts: 3,
		MaxPageRetries:   3,
		BaseBackoff:      100 * time.Millisecond,
		MaxBackoff:       time.Second,
		PageTimeout:      time.Second,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store: &faultyStore{Store: inmemory.New()},
		prov:  providertest.New(),
		conn: &domain.Connection{
			ConnectionID:     "conn-1",
			OwnerID:          "owner-1",
			CredentialRef:    "access-token",
			InstitutionLabel: "First Bank",
			AccountIDs:       []string{"acc-1"},
			IsActive:         true,
		},
	}
	h.prov.Balances = []provider.AccountRecord{{
		AccountID: "acc-1",
		Name:      "Checking",
		Type:      "depository",
		Subtype:   "checking",
		Balances:  provider.Balances{Current: decimal.NewNullDecimal(decimal.NewFromInt(1000)), ISOCurrencyCode: "USD"},
	}}
	if err := h.store.SaveConnection(context.Background(), h.conn); err != nil {
		t.Fatalf("SaveConnection() error = %v", err)
	}

	sleep := func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	h.coord = NewCoordinator(h.prov, h.store, categorize.NewEngine(h.store), cfg, WithSleep(sleep))
	return h
}

func rec(id, amount, date string, path ...string) provider.TransactionRecord {
	return provider.TransactionRecord{
		TransactionID: id,
		AccountID:     "acc-1",
		Amount:        decimal.NewNullDecimal(decimal.RequireFromString(amount)),
		Date:          date,
		Name:          "Merchant " + id,
		Category:      path,
		Raw:           []byte(fmt.Sprintf(`{"transaction_id":%q}`, id)),
	}
}

func page(next string, hasMore bool, added ...provider.TransactionRecord) *provider.ChangePage {
	return &provider.ChangePage{Added: added, NextCursor: next, HasMore: hasMore}
}

func (h *harness) sync(t *testing.T) (*SyncResult, error) {
	t.Helper()
	return h.coord.SyncConnection(context.Background(), h.conn)
}

func (h *harness) transactions(t *testing.T) []*domain.Transaction {
	t.Helper()
	txs, err := h.store.ListTransactions(context.Background(), "owner-1", store.TransactionFilter{})
	if err != nil {
		t.Fatalf("ListTransactions() error = %v", err)
	}
	return txs
}

func (h *harness) storedCursor(t *testing.T) (domain.Cursor, bool) {
	t.Helper()
	c, err := h.store.GetCursor(context.Background(), "conn-1")
	if errors.Is(err, store.ErrNotFound) {
		return domain.Cursor{}, false
	}
	if err != nil {
		t.Fatalf("GetCursor() error = %v", err)
	}
	return c.Cursor, true
}

func (h *harness) state(t *testing.T) domain.SyncState {
	t.Helper()
	c, err := h.store.GetConnection(context.Background(), "conn-1")
	if err != nil {
		t.Fatalf("GetConnection() error = %v", err)
	}
	return c.State
}

func TestSyncConnection_CommitsAllPagesThenAdvancesCursor(t *testing.T) {
	h := newHarness(t, testConfig())
	h.prov.AddPage(absent, page("c1", true,
		rec("p1", "12.00", "2025-03-01", "Shops", "Supermarkets and Groceries"),
		rec("p2", "-3000", "2025-03-02", "Transfer", "Payroll")))
	h.prov.AddPage(domain.CursorOf("c1"), page("c2", false,
		rec("p3", "40", "2025-04-01", "Food and Drink")))

	result, err := h.sync(t)
	if err != nil {
		t.Fatalf("SyncConnection() error = %v", err)
	}

	if result.Added != 3 || result.Modified != 0 || result.Removed != 0 {
		t.Errorf("counts = %d/%d/%d, want 3/0/0", result.Added, result.Modified, result.Removed)
	}
	if result.State != domain.SyncStateIdle || h.state(t) != domain.SyncStateIdle {
		t.Errorf("state = %s (stored %s), want idle", result.State, h.state(t))
	}
	if result.Pages != 2 {
		t.Errorf("Pages = %d, want 2", result.Pages)
	}
	if got := fmt.Sprint(result.TouchedMonths); got != "[2025-03 2025-04]" {
		t.Errorf("TouchedMonths = %s", got)
	}

	cursor, ok := h.storedCursor(t)
	if !ok || cursor.Value != "c2" {
		t.Errorf("stored cursor = %v (present %v), want c2", cursor, ok)
	}

	calls := h.prov.Calls()
	if len(calls) != 2 || !calls[0].IsAbsent() || calls[1].Value != "c1" {
		t.Errorf("provider calls = %v", calls)
	}

	byID := map[string]*domain.Transaction{}
	for _, tx := range h.transactions(t) {
		byID[tx.ProviderTransactionID] = tx
	}
	if byID["p1"].AssignedCategory != domain.CategoryGroceries || !byID["p1"].Amount.Equal(decimal.NewFromInt(-12)) {
		t.Errorf("p1 = %s %s", byID["p1"].AssignedCategory, byID["p1"].Amount)
	}
	if byID["p2"].AssignedCategory != domain.CategorySalary || !byID["p2"].IsInflow() {
		t.Errorf("p2 = %s %s", byID["p2"].AssignedCategory, byID["p2"].Amount)
	}

	accounts, _ := h.store.ListAccounts(context.Background(), "owner-1")
	if len(accounts) != 1 || !accounts[0].LatestBalance.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("accounts not refreshed: %+v", accounts)
	}
}

func TestSyncConnection_ReplayAfterCursorFailureIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	h.prov.AddPage(absent, page("c1", true, rec("p1", "10", "2025-03-01"), rec("p2", "20", "2025-03-02")))
	h.prov.AddPage(domain.CursorOf("c1"), page("c2", false, rec("p3", "30", "2025-03-03")))

	h.store.failCursor = errors.New("connection reset")
	result, err := h.sync(t)
	var perr *PersistenceError
	if !errors.As(err, &perr) || perr.Step != "cursor" {
		t.Fatalf("expected cursor PersistenceError, got %v", err)
	}
	if result.State != domain.SyncStateFailed {
		t.Errorf("State = %s, want failed", result.State)
	}
	if _, ok := h.storedCursor(t); ok {
		t.Fatal("cursor must not advance when the cursor write fails")
	}

	first := h.transactions(t)
	if len(first) != 3 {
		t.Fatalf("len(first) = %d, want 3", len(first))
	}
	ids := map[string]string{}
	for _, tx := range first {
		ids[tx.ProviderTransactionID] = tx.ID
	}

	h.store.failCursor = nil
	result, err = h.sync(t)
	if err != nil {
		t.Fatalf("replay SyncConnection() error = %v", err)
	}
	if result.Added != 0 || result.Modified != 3 {
		t.Errorf("replay counts = %d added/%d modified, want 0/3", result.Added, result.Modified)
	}

	second := h.transactions(t)
	if len(second) != 3 {
		t.Fatalf("replay produced %d rows, want 3", len(second))
	}
	for _, tx := range second {
		if ids[tx.ProviderTransactionID] != tx.ID {
			t.Errorf("%s changed id on replay", tx.ProviderTransactionID)
		}
	}
	if c, ok := h.storedCursor(t); !ok || c.Value != "c2" {
		t.Errorf("cursor = %v, want c2", c)
	}
}

func TestSyncConnection_ReplayLeavesSummaryUnchanged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	records := []provider.TransactionRecord{
		rec("p1", "42.50", "2025-03-01", "Shops", "Supermarkets and Groceries"),
		rec("p2", "-3000", "2025-03-02", "Transfer", "Payroll"),
		rec("p3", "500", "2025-03-03", "Transfer"),
	}
	h.prov.AddPage(absent, page("c1", true, records[0], records[1]))
	h.prov.AddPage(domain.CursorOf("c1"), page("c2", false, records[2]))

	agg := aggregate.NewEngine(h.store)
	summarize := func() *domain.CashFlowSummary {
		t.Helper()
		s, err := agg.ComputeCashFlowSummary(ctx, "owner-1", "2025-03")
		if err != nil {
			t.Fatalf("ComputeCashFlowSummary() error = %v", err)
		}
		return s
	}

	// The first cycle commits its rows but not the cursor, so the next cycle
	// receives the identical pages again.
	h.store.failCursor = errors.New("connection reset")
	if _, err := h.sync(t); err == nil {
		t.Fatal("expected cursor failure")
	}
	want := summarize()
	if want.TransactionsProcessed != 3 ||
		!want.TotalIncome.Equal(decimal.NewFromInt(3000)) ||
		!want.TotalExpense.Equal(decimal.RequireFromString("42.50")) {
		t.Fatalf("unexpected first summary: %+v", want)
	}

	h.store.failCursor = nil
	if _, err := h.sync(t); err != nil {
		t.Fatalf("replay SyncConnection() error = %v", err)
	}
	assertSameSummary(t, "replay from the same cursor", summarize(), want)

	// Re-delivery of unchanged records as modifications is also a no-op.
	h.prov.AddPage(domain.CursorOf("c2"), &provider.ChangePage{Modified: records, NextCursor: "c3"})
	if _, err := h.sync(t); err != nil {
		t.Fatalf("re-delivery SyncConnection() error = %v", err)
	}
	assertSameSummary(t, "re-delivered records", summarize(), want)
}

func assertSameSummary(t *testing.T, label string, got, want *domain.CashFlowSummary) {
	t.Helper()
	if got.TransactionsProcessed != want.TransactionsProcessed {
		t.Errorf("%s: TransactionsProcessed = %d, want %d", label, got.TransactionsProcessed, want.TransactionsProcessed)
	}
	for name, pair := range map[string][2]decimal.Decimal{
		"income":  {got.TotalIncome, want.TotalIncome},
		"expense": {got.TotalExpense, want.TotalExpense},
		"net":     {got.NetCashFlow, want.NetCashFlow},
	} {
		if !pair[0].Equal(pair[1]) {
			t.Errorf("%s: %s = %s, want %s", label, name, pair[0], pair[1])
		}
	}
	if len(got.TotalsByCategory) != len(want.TotalsByCategory) {
		t.Errorf("%s: %d categories, want %d", label, len(got.TotalsByCategory), len(want.TotalsByCategory))
	}
	for c, total := range want.TotalsByCategory {
		if !got.TotalsByCategory[c].Equal(total) {
			t.Errorf("%s: %s total = %s, want %s", label, c, got.TotalsByCategory[c], total)
		}
	}
}

func TestSyncConnection_TransactionWriteFailureKeepsCursor(t *testing.T) {
	h := newHarness(t, testConfig())
	h.prov.AddPage(absent, page("c1", false, rec("p1", "10", "2025-03-01")))

	h.store.failUpsert = errors.New("disk full")
	_, err := h.sync(t)
	var perr *PersistenceError
	if !errors.As(err, &perr) || perr.Step != "transactions" {
		t.Fatalf("expected transactions PersistenceError, got %v", err)
	}
	if _, ok := h.storedCursor(t); ok {
		t.Error("cursor advanced after failed commit")
	}
	if n := len(h.transactions(t)); n != 0 {
		t.Errorf("stored %d rows, want 0", n)
	}
	if h.state(t) != domain.SyncStateFailed {
		t.Errorf("state = %s, want failed", h.state(t))
	}
}

func TestSyncConnection_PreservesUserOverride(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	h.prov.AddPage(absent, page("c1", false, rec("p1", "18.50", "2025-03-04", "Shops")))

	if _, err := h.sync(t); err != nil {
		t.Fatalf("first SyncConnection() error = %v", err)
	}
	tx, err := h.store.GetTransaction(ctx, "owner-1", "p1")
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if tx.AssignedCategory != domain.CategoryShopping {
		t.Fatalf("default category = %s, want Shopping", tx.AssignedCategory)
	}

	engine := categorize.NewEngine(h.store)
	if _, err := engine.SetUserCategory(ctx, "owner-1", tx.ID, domain.CategoryDining); err != nil {
		t.Fatalf("SetUserCategory() error = %v", err)
	}

	modified := rec("p1", "18.50", "2025-03-04", "Shops")
	modified.MerchantName = "Pret A Manger"
	h.prov.AddPage(domain.CursorOf("c1"), &provider.ChangePage{
		Modified:   []provider.TransactionRecord{modified},
		NextCursor: "c2",
	})

	result, err := h.sync(t)
	if err != nil {
		t.Fatalf("second SyncConnection() error = %v", err)
	}
	if result.Modified != 1 {
		t.Errorf("Modified = %d, want 1", result.Modified)
	}

	got, _ := h.store.GetTransaction(ctx, "owner-1", "p1")
	if got.AssignedCategory != domain.CategoryDining || !got.IsUserReviewed {
		t.Errorf("override lost: %s reviewed=%v", got.AssignedCategory, got.IsUserReviewed)
	}
	if got.MerchantLabel != "Pret A Manger" {
		t.Errorf("MerchantLabel = %q, want provider update applied", got.MerchantLabel)
	}
}

func TestSyncConnection_MutationConflictRestartsFromStartingCursor(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	if err := h.store.AdvanceCursor(ctx, domain.SyncCursor{ConnectionID: "conn-1", Cursor: domain.CursorOf("c0")}); err != nil {
		t.Fatal(err)
	}

	h.prov.AddPage(domain.CursorOf("c0"), page("c1", true, rec("p1", "1", "2025-03-01"), rec("p2", "2", "2025-03-02")))
	h.prov.AddPage(domain.CursorOf("c1"), page("c2", true, rec("p3", "3", "2025-03-03")))
	h.prov.AddPage(domain.CursorOf("c2"), page("c3", false, rec("p4", "4", "2025-03-04"), rec("p2", "2", "2025-03-02")))
	h.prov.FailCall(2, fmt.Errorf("page 2: %w", provider.ErrPaginationMutation))

	result, err := h.sync(t)
	if err != nil {
		t.Fatalf("SyncConnection() error = %v", err)
	}

	wantCalls := []string{"c0", "c1", "c0", "c1", "c2"}
	calls := h.prov.Calls()
	if len(calls) != len(wantCalls) {
		t.Fatalf("calls = %v, want %v", calls, wantCalls)
	}
	for i, c := range calls {
		if c.Value != wantCalls[i] {
			t.Errorf("call %d cursor = %s, want %s", i+1, c, wantCalls[i])
		}
	}

	if result.Restarts != 1 {
		t.Errorf("Restarts = %d, want 1", result.Restarts)
	}
	if len(h.sleeps) != 1 || h.sleeps[0] != 100*time.Millisecond {
		t.Errorf("backoff waits = %v, want [100ms]", h.sleeps)
	}

	txs := h.transactions(t)
	if len(txs) != 4 {
		t.Errorf("stored %d rows, want 4 (union of pages without duplicates)", len(txs))
	}
	if result.Added != 4 {
		t.Errorf("Added = %d, want 4", result.Added)
	}
	if c, _ := h.storedCursor(t); c.Value != "c3" {
		t.Errorf("cursor = %s, want c3", c)
	}
}

func TestSyncConnection_RestartBudgetExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCycleRestarts = 2
	h := newHarness(t, cfg)

	h.prov.AddPage(absent, page("c1", false, rec("p1", "1", "2025-03-01")))
	for i := 1; i <= 3; i++ {
		h.prov.FailCall(i, provider.ErrPaginationMutation)
	}

	result, err := h.sync(t)
	if !errors.Is(err, ErrRestartBudgetExhausted) || !errors.Is(err, provider.ErrPaginationMutation) {
		t.Fatalf("expected restart budget error, got %v", err)
	}
	if result.State != domain.SyncStateFailed || h.state(t) != domain.SyncStateFailed {
		t.Errorf("state = %s / %s, want failed", result.State, h.state(t))
	}
	if result.Restarts != cfg.MaxCycleRestarts {
		t.Errorf("Restarts = %d, want %d (only restarts that ran)", result.Restarts, cfg.MaxCycleRestarts)
	}
	if got := len(h.prov.Calls()); got != cfg.MaxCycleRestarts+1 {
		t.Errorf("provider calls = %d, want %d", got, cfg.MaxCycleRestarts+1)
	}
	if len(h.sleeps) != 2 || h.sleeps[0] != 100*time.Millisecond || h.sleeps[1] != 200*time.Millisecond {
		t.Errorf("backoff waits = %v, want [100ms 200ms]", h.sleeps)
	}
	if _, ok := h.storedCursor(t); ok {
		t.Error("cursor must not advance")
	}
	if n := len(h.transactions(t)); n != 0 {
		t.Errorf("stored %d rows, want 0", n)
	}
}

func TestSyncConnection_TransientErrorRetriesPageOnly(t *testing.T) {
	h := newHarness(t, testConfig())
	h.prov.AddPage(absent, page("c1", true, rec("p1", "1", "2025-03-01")))
	h.prov.AddPage(domain.CursorOf("c1"), page("c2", false, rec("p2", "2", "2025-03-02")))
	h.prov.FailCall(2, &provider.TransientError{Op: "test", Code: "RATE_LIMIT_EXCEEDED", RetryAfter: 500 * time.Millisecond, Err: errors.New("slow down")})

	result, err := h.sync(t)
	if err != nil {
		t.Fatalf("SyncConnection() error = %v", err)
	}

	calls := h.prov.Calls()
	if len(calls) != 3 || !calls[0].IsAbsent() || calls[1].Value != "c1" || calls[2].Value != "c1" {
		t.Errorf("calls = %v, want [<absent> c1 c1]", calls)
	}
	if result.Restarts != 0 || result.PageRetries != 1 {
		t.Errorf("restarts/retries = %d/%d, want 0/1", result.Restarts, result.PageRetries)
	}
	if len(h.sleeps) != 1 || h.sleeps[0] != 500*time.Millisecond {
		t.Errorf("waits = %v, want Retry-After honoured", h.sleeps)
	}
	if result.Added != 2 {
		t.Errorf("Added = %d, want 2", result.Added)
	}
}

func TestSyncConnection_PageTimeoutIsTransient(t *testing.T) {
	cfg := testConfig()
	cfg.PageTimeout = 10 * time.Millisecond
	h := newHarness(t, cfg)
	h.prov.AddPage(absent, page("c1", false, rec("p1", "1", "2025-03-01")))
	h.prov.FailCall(1, fmt.Errorf("fetch: %w", context.DeadlineExceeded))

	result, err := h.sync(t)
	if err != nil {
		t.Fatalf("SyncConnection() error = %v", err)
	}
	if result.PageRetries != 1 || result.Restarts != 0 {
		t.Errorf("retries/restarts = %d/%d, want 1/0", result.PageRetries, result.Restarts)
	}
}

func TestSyncConnection_PageRetryBudgetExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPageRetries = 2
	h := newHarness(t, cfg)
	h.prov.AddPage(absent, page("c1", false))
	for i := 1; i <= 3; i++ {
		h.prov.FailCall(i, &provider.TransientError{Op: "test", Err: errors.New("503")})
	}

	result, err := h.sync(t)
	if !errors.Is(err, ErrPageRetryBudgetExhausted) {
		t.Fatalf("expected page retry budget error, got %v", err)
	}
	if result.State != domain.SyncStateFailed {
		t.Errorf("State = %s, want failed", result.State)
	}
	if got := len(h.prov.Calls()); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
	if result.Restarts != 0 {
		t.Errorf("Restarts = %d, transient errors must not restart the cycle", result.Restarts)
	}
}

func TestSyncConnection_CredentialExpiredIsNotRetried(t *testing.T) {
	h := newHarness(t, testConfig())
	h.prov.AddPage(absent, page("c1", false))
	h.prov.FailCall(1, fmt.Errorf("sync: %w", provider.ErrCredentialExpired))

	result, err := h.sync(t)
	if !errors.Is(err, provider.ErrCredentialExpired) {
		t.Fatalf("expected ErrCredentialExpired, got %v", err)
	}
	if result.State != domain.SyncStateRequiresReauthorization || h.state(t) != domain.SyncStateRequiresReauthorization {
		t.Errorf("state = %s / %s", result.State, h.state(t))
	}
	if got := len(h.prov.Calls()); got != 1 {
		t.Errorf("calls = %d, want exactly 1", got)
	}
	if len(h.sleeps) != 0 {
		t.Errorf("unexpected backoff: %v", h.sleeps)
	}
}

func TestSyncConnection_CredentialExpiredOnBalances(t *testing.T) {
	h := newHarness(t, testConfig())
	h.prov.BalanceErr = provider.ErrCredentialExpired

	result, err := h.sync(t)
	if !errors.Is(err, provider.ErrCredentialExpired) {
		t.Fatalf("expected ErrCredentialExpired, got %v", err)
	}
	if result.State != domain.SyncStateRequiresReauthorization {
		t.Errorf("State = %s", result.State)
	}
	if len(h.prov.Calls()) != 0 {
		t.Error("change feed should not be called")
	}
}

func TestSyncConnection_SkipsInvalidRecords(t *testing.T) {
	h := newHarness(t, testConfig())
	bad := rec("p-bad", "5", "2025-03-01")
	bad.AccountID = "unknown-account"
	undated := rec("p-undated", "5", "not-a-date")
	h.prov.AddPage(absent, page("c1", false, rec("p1", "1", "2025-03-01"), bad, undated))

	result, err := h.sync(t)
	if err != nil {
		t.Fatalf("SyncConnection() error = %v", err)
	}
	if result.Added != 1 {
		t.Errorf("Added = %d, want 1", result.Added)
	}
	if len(result.Errors) != 2 {
		t.Errorf("Errors = %v, want 2 skipped records", result.Errors)
	}
	if c, _ := h.storedCursor(t); c.Value != "c1" {
		t.Errorf("cursor = %s, want c1", c)
	}
}

func TestSyncConnection_RemovalsAndLaterPageWins(t *testing.T) {
	h := newHarness(t, testConfig())
	h.prov.AddPage(absent, page("c1", false, rec("p1", "1", "2025-02-01"), rec("p2", "2", "2025-03-01")))
	if _, err := h.sync(t); err != nil {
		t.Fatalf("first sync error = %v", err)
	}

	h.prov.AddPage(domain.CursorOf("c1"), &provider.ChangePage{
		Added:      []provider.TransactionRecord{rec("p3", "10", "2025-03-05")},
		Removed:    []provider.RemovedRecord{{TransactionID: "p1"}},
		NextCursor: "c2",
		HasMore:    true,
	})
	h.prov.AddPage(domain.CursorOf("c2"), &provider.ChangePage{
		Modified:   []provider.TransactionRecord{rec("p3", "25", "2025-03-05")},
		NextCursor: "c3",
	})

	result, err := h.sync(t)
	if err != nil {
		t.Fatalf("second sync error = %v", err)
	}
	if result.Added != 1 || result.Removed != 1 {
		t.Errorf("added/removed = %d/%d, want 1/1", result.Added, result.Removed)
	}
	if got := fmt.Sprint(result.TouchedMonths); got != "[2025-02 2025-03]" {
		t.Errorf("TouchedMonths = %s", got)
	}

	txs := h.transactions(t)
	if len(txs) != 2 {
		t.Fatalf("rows = %d, want 2", len(txs))
	}
	for _, tx := range txs {
		if tx.ProviderTransactionID == "p1" {
			t.Error("p1 should be removed")
		}
		if tx.ProviderTransactionID == "p3" && !tx.Amount.Equal(decimal.NewFromInt(-25)) {
			t.Errorf("p3 amount = %s, want later page to win", tx.Amount)
		}
	}
}

func TestSyncConnection_EmptyCursorMeansNotReady(t *testing.T) {
	h := newHarness(t, testConfig())
	h.prov.AddPage(absent, page("", false))

	result, err := h.sync(t)
	if err != nil {
		t.Fatalf("SyncConnection() error = %v", err)
	}
	if !result.NotReady {
		t.Error("expected NotReady")
	}
	if _, ok := h.storedCursor(t); ok {
		t.Error("empty provider cursor must not be stored")
	}
}

func TestSyncConnection_InactiveConnection(t *testing.T) {
	h := newHarness(t, testConfig())
	h.conn.IsActive = false

	_, err := h.sync(t)
	if !errors.Is(err, ErrConnectionInactive) {
		t.Fatalf("expected ErrConnectionInactive, got %v", err)
	}
	if len(h.prov.Calls()) != 0 || h.prov.BalanceCalls() != 0 {
		t.Error("provider must not be called for inactive connections")
	}
}

func TestSyncConnection_CancelledBetweenPages(t *testing.T) {
	h := newHarness(t, testConfig())
	h.prov.AddPage(absent, page("c1", true, rec("p1", "1", "2025-03-01")))
	h.prov.AddPage(domain.CursorOf("c1"), page("c2", false, rec("p2", "2", "2025-03-02")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.prov.BeforeFetch = func(call int, cursor domain.Cursor) {
		if call == 2 {
			cancel()
		}
	}

	result, err := h.coord.SyncConnection(ctx, h.conn)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if result.State != domain.SyncStateIdle {
		t.Errorf("State = %s, want idle", result.State)
	}
	if n := len(h.transactions(t)); n != 0 {
		t.Errorf("stored %d rows after cancellation, want 0", n)
	}
	if _, ok := h.storedCursor(t); ok {
		t.Error("cursor must not advance after cancellation")
	}
}

func TestSyncConnection_SerializesSameConnection(t *testing.T) {
	h := newHarness(t, testConfig())
	h.prov.AddPage(absent, page("c1", false, rec("p1", "1", "2025-03-01")))
	h.prov.AddPage(domain.CursorOf("c1"), page("c1", false))

	var inFlight, maxInFlight int32
	h.prov.BeforeFetch = func(call int, cursor domain.Cursor) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
	}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.coord.SyncConnection(context.Background(), h.conn)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("sync %d error = %v", i, err)
		}
	}
	if maxInFlight != 1 {
		t.Errorf("max concurrent fetches = %d, want 1", maxInFlight)
	}
	if n := len(h.transactions(t)); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}

func TestRefreshBalances(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	if err := h.store.SaveConnection(ctx, &domain.Connection{ConnectionID: "conn-off", OwnerID: "owner-1", IsActive: false}); err != nil {
		t.Fatal(err)
	}

	accounts, err := h.coord.RefreshBalances(ctx, "owner-1")
	if err != nil {
		t.Fatalf("RefreshBalances() error = %v", err)
	}
	if len(accounts) != 1 || accounts[0].AccountID != "acc-1" {
		t.Errorf("accounts = %+v", accounts)
	}
	if h.prov.BalanceCalls() != 1 {
		t.Errorf("balance calls = %d, want 1 (inactive connections skipped)", h.prov.BalanceCalls())
	}

	h.prov.BalanceErr = provider.ErrCredentialExpired
	if _, err := h.coord.RefreshBalances(ctx, "owner-1"); !errors.Is(err, provider.ErrCredentialExpired) {
		t.Errorf("expected ErrCredentialExpired, got %v", err)
	}
	if h.state(t) != domain.SyncStateRequiresReauthorization {
		t.Errorf("state = %s, want requires_reauthorization", h.state(t))
	}
}

func TestConfigBackoff(t *testing.T) {
	cfg := Config{BaseBackoff: time.Second, MaxBackoff: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for attempt, w := range want {
		if got := cfg.backoff(attempt); got != w {
			t.Errorf("backoff(%d) = %s, want %s", attempt, got, w)
		}
	}
}
