package inmemory

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/shopspring/decimal"
)

func newTx(providerID string, day int, category domain.Category) *domain.Transaction {
	date := civil.Date{Year: 2025, Month: 3, Day: day}
	return &domain.Transaction{
		OwnerID:               "owner-1",
		ProviderTransactionID: providerID,
		AccountID:             "acc-1",
		Amount:                decimal.NewFromInt(-10),
		OccurredOn:            date,
		MonthKey:              domain.MonthKeyOf(date),
		MerchantLabel:         "Shop",
		AssignedCategory:      category,
	}
}

func TestUpsertTransactions_KeepsIdentity(t *testing.T) {
	ctx := context.Background()
	s := New()

	if err := s.UpsertTransactions(ctx, []*domain.Transaction{newTx("p1", 1, domain.CategoryShopping)}); err != nil {
		t.Fatalf("UpsertTransactions() error = %v", err)
	}
	first, err := s.GetTransaction(ctx, "owner-1", "p1")
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if first.ID == "" {
		t.Fatal("expected ID to be assigned")
	}

	updated := newTx("p1", 1, domain.CategoryGroceries)
	updated.MerchantLabel = "Shop Renamed"
	if err := s.UpsertTransactions(ctx, []*domain.Transaction{updated}); err != nil {
		t.Fatalf("UpsertTransactions() error = %v", err)
	}

	second, err := s.GetTransaction(ctx, "owner-1", first.ID)
	if err != nil {
		t.Fatalf("GetTransaction(by id) error = %v", err)
	}
	if second.ID != first.ID || !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("identity changed: %s/%s -> %s/%s", first.ID, first.CreatedAt, second.ID, second.CreatedAt)
	}
	if second.MerchantLabel != "Shop Renamed" || second.AssignedCategory != domain.CategoryGroceries {
		t.Errorf("fields not updated: %+v", second)
	}

	all, _ := s.ListTransactions(ctx, "owner-1", store.TransactionFilter{})
	if len(all) != 1 {
		t.Errorf("len(all) = %d, want 1", len(all))
	}
}

func TestUpsertTransactions_NeverClearsOverride(t *testing.T) {
	ctx := context.Background()
	s := New()

	_ = s.UpsertTransactions(ctx, []*domain.Transaction{newTx("p1", 1, domain.CategoryShopping)})
	if _, err := s.SetCategory(ctx, "owner-1", "p1", domain.CategoryDining, true, s.now()); err != nil {
		t.Fatalf("SetCategory() error = %v", err)
	}

	// A writer that read the row before the override must not clobber it.
	stale := newTx("p1", 1, domain.CategoryShopping)
	if err := s.UpsertTransactions(ctx, []*domain.Transaction{stale}); err != nil {
		t.Fatalf("UpsertTransactions() error = %v", err)
	}

	got, _ := s.GetTransaction(ctx, "owner-1", "p1")
	if got.AssignedCategory != domain.CategoryDining || !got.IsUserReviewed {
		t.Errorf("override lost: category=%s reviewed=%v", got.AssignedCategory, got.IsUserReviewed)
	}
}

func TestDeleteTransactions(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.UpsertTransactions(ctx, []*domain.Transaction{newTx("p1", 1, ""), newTx("p2", 2, "")})

	n, err := s.DeleteTransactions(ctx, "owner-1", []string{"p1", "missing"})
	if err != nil {
		t.Fatalf("DeleteTransactions() error = %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	if _, err := s.GetTransaction(ctx, "owner-1", "p1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListTransactions_FilterSortPaginate(t *testing.T) {
	ctx := context.Background()
	s := New()
	other := newTx("p9", 9, domain.CategoryDining)
	other.OwnerID = "owner-2"
	_ = s.UpsertTransactions(ctx, []*domain.Transaction{
		newTx("p1", 1, domain.CategoryDining),
		newTx("p2", 5, domain.CategoryGroceries),
		newTx("p3", 3, domain.CategoryDining),
		other,
	})

	got, err := s.ListTransactions(ctx, "owner-1", store.TransactionFilter{Category: domain.CategoryDining})
	if err != nil {
		t.Fatalf("ListTransactions() error = %v", err)
	}
	if len(got) != 2 || got[0].ProviderTransactionID != "p3" || got[1].ProviderTransactionID != "p1" {
		t.Errorf("unexpected result order: %v", ids(got))
	}

	from := civil.Date{Year: 2025, Month: 3, Day: 2}
	got, _ = s.ListTransactions(ctx, "owner-1", store.TransactionFilter{From: &from, Limit: 1})
	if len(got) != 1 || got[0].ProviderTransactionID != "p2" {
		t.Errorf("unexpected limited result: %v", ids(got))
	}

	got, _ = s.ListTransactions(ctx, "owner-1", store.TransactionFilter{Offset: 10})
	if len(got) != 0 {
		t.Errorf("expected empty page, got %v", ids(got))
	}
}

func TestCreateNetWorthSnapshot_CreateIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := New()
	date := civil.Date{Year: 2025, Month: 3, Day: 5}

	first, created, err := s.CreateNetWorthSnapshot(ctx, &domain.NetWorthSnapshot{OwnerID: "owner-1", SnapshotDate: date, TotalAssets: decimal.NewFromInt(100)})
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}

	second, created, err := s.CreateNetWorthSnapshot(ctx, &domain.NetWorthSnapshot{OwnerID: "owner-1", SnapshotDate: date, TotalAssets: decimal.NewFromInt(999)})
	if err != nil {
		t.Fatalf("second create error = %v", err)
	}
	if created {
		t.Error("second create should not insert")
	}
	if second.ID != first.ID || !second.TotalAssets.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected stored snapshot, got %+v", second)
	}
}

func TestCursorAndConnectionState(t *testing.T) {
	ctx := context.Background()
	s := New()

	if _, err := s.GetCursor(ctx, "conn-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for absent cursor, got %v", err)
	}
	if err := s.AdvanceCursor(ctx, domain.SyncCursor{ConnectionID: "conn-1", Cursor: domain.CursorOf("c1")}); err != nil {
		t.Fatalf("AdvanceCursor() error = %v", err)
	}
	c, err := s.GetCursor(ctx, "conn-1")
	if err != nil || c.Cursor.Value != "c1" {
		t.Errorf("GetCursor() = %+v, %v", c, err)
	}

	if err := s.UpdateConnectionState(ctx, "missing", domain.SyncStateFailed, "x"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	_ = s.SaveConnection(ctx, &domain.Connection{ConnectionID: "conn-1", OwnerID: "owner-1", IsActive: true})
	_ = s.UpdateConnectionState(ctx, "conn-1", domain.SyncStateRequiresReauthorization, "login required")
	conn, _ := s.GetConnection(ctx, "conn-1")
	if conn.State != domain.SyncStateRequiresReauthorization || conn.LastError != "login required" {
		t.Errorf("unexpected connection: %+v", conn)
	}
}

func TestSaveConnection_OwnerMismatch(t *testing.T) {
	ctx := context.Background()
	s := New()

	if err := s.SaveConnection(ctx, &domain.Connection{ConnectionID: "conn-1", OwnerID: "owner-1", CredentialRef: "tok-1"}); err != nil {
		t.Fatal(err)
	}
	err := s.SaveConnection(ctx, &domain.Connection{ConnectionID: "conn-1", OwnerID: "owner-2", CredentialRef: "tok-2"})
	if !errors.Is(err, store.ErrOwnerMismatch) {
		t.Fatalf("SaveConnection() error = %v, want ErrOwnerMismatch", err)
	}
	conn, _ := s.GetConnection(ctx, "conn-1")
	if conn.OwnerID != "owner-1" || conn.CredentialRef != "tok-1" {
		t.Errorf("connection overwritten: %+v", conn)
	}
}

func TestUpsertAccounts_ScopedByOwner(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.UpsertAccounts(ctx, []*domain.Account{
		{AccountID: "acc-1", OwnerID: "owner-1", ConnectionID: "conn-1", LatestBalance: decimal.NewFromInt(100)},
		{AccountID: "acc-1", OwnerID: "owner-2", ConnectionID: "conn-2", LatestBalance: decimal.NewFromInt(900)},
	})
	if err != nil {
		t.Fatal(err)
	}
	for owner, want := range map[string]int64{"owner-1": 100, "owner-2": 900} {
		accounts, err := s.ListAccounts(ctx, owner)
		if err != nil {
			t.Fatal(err)
		}
		if len(accounts) != 1 || !accounts[0].LatestBalance.Equal(decimal.NewFromInt(want)) {
			t.Errorf("%s accounts = %+v, want one with balance %d", owner, accounts, want)
		}
	}
}

func ids(txs []*domain.Transaction) []string {
	var out []string
	for _, tx := range txs {
		out = append(out, tx.ProviderTransactionID)
	}
	return out
}
