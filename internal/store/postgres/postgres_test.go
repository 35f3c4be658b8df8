package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestFilterClause(t *testing.T) {
	from := civil.Date{Year: 2025, Month: time.March, Day: 1}
	to := civil.Date{Year: 2025, Month: time.March, Day: 31}

	tests := []struct {
		name      string
		filter    store.TransactionFilter
		wantWhere string
		wantArgs  int
	}{
		{
			name:      "owner only",
			wantWhere: "owner_id = $1",
			wantArgs:  1,
		},
		{
			name:      "month and category",
			filter:    store.TransactionFilter{MonthKey: "2025-03", Category: domain.CategoryDining},
			wantWhere: "owner_id = $1 AND month_key = $2 AND assigned_category = $3",
			wantArgs:  3,
		},
		{
			name:      "date range and unreviewed",
			filter:    store.TransactionFilter{AccountID: "acc-1", From: &from, To: &to, UnreviewedOnly: true},
			wantWhere: "owner_id = $1 AND account_id = $2 AND occurred_on >= $3 AND occurred_on <= $4 AND NOT is_user_reviewed",
			wantArgs:  4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, args := filterClause("owner-1", tt.filter)
			if where != tt.wantWhere {
				t.Errorf("where = %q, want %q", where, tt.wantWhere)
			}
			if len(args) != tt.wantArgs {
				t.Errorf("len(args) = %d, want %d", len(args), tt.wantArgs)
			}
		})
	}
}

// openTestStore connects to TEST_DATABASE_URL and applies the schema. Tests
// that need it are skipped when the variable is unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := Connect(ctx, url, DefaultPoolConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile(filepath.Join("..", "..", "..", "migrations", "postgres", "0001_init.sql"))
	if err != nil {
		t.Fatalf("reading schema: %v", err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		t.Fatalf("applying schema: %v", err)
	}
	return New(pool)
}

func TestStore_TransactionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	owner := "owner-" + uuid.NewString()
	day := civil.Date{Year: 2025, Month: time.March, Day: 4}

	tx := &domain.Transaction{
		OwnerID:               owner,
		ProviderTransactionID: "p1",
		ConnectionID:          "conn-1",
		AccountID:             "acc-1",
		AccountType:           domain.AccountTypeDepository,
		Amount:                decimal.RequireFromString("-18.50"),
		CurrencyCode:          "USD",
		OccurredOn:            day,
		MonthKey:              domain.MonthKeyOf(day),
		MerchantLabel:         "Corner Shop",
		ProviderCategoryPath:  []string{"Shops"},
		AssignedCategory:      domain.CategoryShopping,
		RawProviderPayload:    []byte(`{"transaction_id":"p1"}`),
	}
	if err := s.UpsertTransactions(ctx, []*domain.Transaction{tx}); err != nil {
		t.Fatalf("UpsertTransactions() error = %v", err)
	}

	stored, err := s.GetTransaction(ctx, owner, "p1")
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if !stored.Amount.Equal(tx.Amount) || stored.OccurredOn != day || !reflect.DeepEqual(stored.ProviderCategoryPath, []string{"Shops"}) {
		t.Errorf("round trip mismatch: %+v", stored)
	}

	if _, err := s.SetCategory(ctx, owner, stored.ID, domain.CategoryDining, true, time.Now()); err != nil {
		t.Fatalf("SetCategory() error = %v", err)
	}

	update := tx.Clone()
	update.MerchantLabel = "Pret"
	update.AssignedCategory = domain.CategoryShopping
	if err := s.UpsertTransactions(ctx, []*domain.Transaction{update}); err != nil {
		t.Fatalf("second UpsertTransactions() error = %v", err)
	}

	got, err := s.GetTransaction(ctx, owner, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != stored.ID {
		t.Errorf("ID changed: %s -> %s", stored.ID, got.ID)
	}
	if got.AssignedCategory != domain.CategoryDining || !got.IsUserReviewed {
		t.Errorf("override lost: %s reviewed=%v", got.AssignedCategory, got.IsUserReviewed)
	}
	if got.MerchantLabel != "Pret" {
		t.Errorf("MerchantLabel = %q", got.MerchantLabel)
	}

	n, err := s.DeleteTransactions(ctx, owner, []string{"p1", "missing"})
	if err != nil || n != 1 {
		t.Errorf("DeleteTransactions() = %d, %v; want 1, nil", n, err)
	}
	if _, err := s.GetTransaction(ctx, owner, "p1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestStore_SnapshotCreatedOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	owner := "owner-" + uuid.NewString()
	date := civil.Date{Year: 2025, Month: time.March, Day: 5}

	first := &domain.NetWorthSnapshot{
		OwnerID:            owner,
		SnapshotDate:       date,
		TotalAssets:        decimal.NewFromInt(100),
		TotalLiabilities:   decimal.Zero,
		NetWorth:           decimal.NewFromInt(100),
		AssetBreakdown:     map[string]decimal.Decimal{"depository/checking": decimal.NewFromInt(100)},
		LiabilityBreakdown: map[string]decimal.Decimal{},
		AccountsCounted:    1,
		ComputedAt:         time.Now(),
	}
	stored, created, err := s.CreateNetWorthSnapshot(ctx, first)
	if err != nil || !created {
		t.Fatalf("CreateNetWorthSnapshot() = %v, %v", created, err)
	}

	second := *first
	second.NetWorth = decimal.NewFromInt(999)
	again, created, err := s.CreateNetWorthSnapshot(ctx, &second)
	if err != nil {
		t.Fatal(err)
	}
	if created || again.ID != stored.ID || !again.NetWorth.Equal(decimal.NewFromInt(100)) {
		t.Errorf("second create returned %+v (created %v), want stored row", again, created)
	}
}

func TestStore_CursorAndConnection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := "conn-" + uuid.NewString()

	if err := s.SaveConnection(ctx, &domain.Connection{ConnectionID: id, OwnerID: "owner-1", IsActive: true}); err != nil {
		t.Fatalf("SaveConnection() error = %v", err)
	}
	if _, err := s.GetCursor(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetCursor() before commit = %v, want ErrNotFound", err)
	}
	if err := s.AdvanceCursor(ctx, domain.SyncCursor{ConnectionID: id, Cursor: domain.CursorOf("c1"), LastCommittedAt: time.Now()}); err != nil {
		t.Fatalf("AdvanceCursor() error = %v", err)
	}
	c, err := s.GetCursor(ctx, id)
	if err != nil || c.Cursor.Value != "c1" {
		t.Errorf("GetCursor() = %+v, %v", c, err)
	}

	err = s.SaveConnection(ctx, &domain.Connection{ConnectionID: id, OwnerID: "owner-2", CredentialRef: "tok-2"})
	if !errors.Is(err, store.ErrOwnerMismatch) {
		t.Errorf("SaveConnection() for another owner = %v, want ErrOwnerMismatch", err)
	}

	if err := s.UpdateConnectionState(ctx, id, domain.SyncStateFailed, "boom"); err != nil {
		t.Fatal(err)
	}
	conn, err := s.GetConnection(ctx, id)
	if err != nil || conn.State != domain.SyncStateFailed || conn.LastError != "boom" {
		t.Errorf("GetConnection() = %+v, %v", conn, err)
	}
}

func TestStore_AccountsScopedByOwner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	accountID := "acc-" + uuid.NewString()
	owner1, owner2 := "owner-"+uuid.NewString(), "owner-"+uuid.NewString()

	err := s.UpsertAccounts(ctx, []*domain.Account{
		{AccountID: accountID, OwnerID: owner1, ConnectionID: "conn-1", Type: domain.AccountTypeDepository, LatestBalance: decimal.NewFromInt(100), AsOf: time.Now()},
		{AccountID: accountID, OwnerID: owner2, ConnectionID: "conn-2", Type: domain.AccountTypeDepository, LatestBalance: decimal.NewFromInt(900), AsOf: time.Now()},
	})
	if err != nil {
		t.Fatalf("UpsertAccounts() error = %v", err)
	}
	for owner, want := range map[string]int64{owner1: 100, owner2: 900} {
		accounts, err := s.ListAccounts(ctx, owner)
		if err != nil {
			t.Fatal(err)
		}
		if len(accounts) != 1 || !accounts[0].LatestBalance.Equal(decimal.NewFromInt(want)) {
			t.Errorf("ListAccounts(%s) = %+v, want one with balance %d", owner, accounts, want)
		}
	}
}
