package bigquery

import (
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestNewSummaryRow(t *testing.T) {
	computed := time.Date(2025, 4, 1, 8, 0, 0, 0, time.FixedZone("CET", 3600))
	s := &domain.CashFlowSummary{
		OwnerID:  "owner-1",
		MonthKey: "2025-03",
		TotalsByCategory: map[domain.Category]decimal.Decimal{
			domain.CategorySalary:           d("3000"),
			domain.CategoryGroceries:        d("-120.55"),
			domain.CategoryInternalTransfer: d("-500"),
		},
		TotalIncome:           d("3000"),
		TotalExpense:          d("120.55"),
		NetCashFlow:           d("2879.45"),
		TransactionsProcessed: 3,
		ComputedAt:            computed,
	}

	row, err := NewSummaryRow(s)
	if err != nil {
		t.Fatalf("NewSummaryRow() error = %v", err)
	}
	if row.MonthStart != (civil.Date{Year: 2025, Month: time.March, Day: 1}) {
		t.Errorf("MonthStart = %s", row.MonthStart)
	}
	if row.ComputedTS.Location() != time.UTC {
		t.Error("ComputedTS must be UTC")
	}
	if got := row.NetCashFlow.FloatString(2); got != "2879.45" {
		t.Errorf("NetCashFlow = %s", got)
	}

	wantOrder := []string{"Groceries", "InternalTransfer", "Salary"}
	if len(row.Categories) != len(wantOrder) {
		t.Fatalf("categories = %d", len(row.Categories))
	}
	for i, name := range wantOrder {
		if row.Categories[i].Category != name {
			t.Errorf("category %d = %s, want %s", i, row.Categories[i].Category, name)
		}
	}
	if !row.Categories[1].TransferLike || row.Categories[0].TransferLike {
		t.Error("TransferLike flag wrong")
	}

	back := row.ToSummary()
	if !back.TotalExpense.Equal(s.TotalExpense) || !back.TotalsByCategory[domain.CategoryGroceries].Equal(d("-120.55")) {
		t.Errorf("ToSummary() = %+v", back)
	}

	if _, err := NewSummaryRow(&domain.CashFlowSummary{MonthKey: "bad"}); err == nil {
		t.Error("expected error for invalid month key")
	}
}

func TestNewSnapshotRow(t *testing.T) {
	s := &domain.NetWorthSnapshot{
		ID:               "snap-1",
		OwnerID:          "owner-1",
		SnapshotDate:     civil.Date{Year: 2025, Month: time.March, Day: 31},
		TotalAssets:      d("5000"),
		TotalLiabilities: d("250"),
		NetWorth:         d("4750"),
		AssetBreakdown:   map[string]decimal.Decimal{"investment": d("1000"), "depository/checking": d("4000")},
		LiabilityBreakdown: map[string]decimal.Decimal{
			"credit": d("250"),
		},
		AccountsCounted: 3,
	}

	row := NewSnapshotRow(s)
	if len(row.Breakdown) != 3 {
		t.Fatalf("breakdown = %d rows", len(row.Breakdown))
	}
	want := []struct{ side, key string }{
		{"ASSET", "depository/checking"},
		{"ASSET", "investment"},
		{"LIABILITY", "credit"},
	}
	for i, w := range want {
		if row.Breakdown[i].Side != w.side || row.Breakdown[i].Key != w.key {
			t.Errorf("breakdown %d = %s/%s, want %s/%s", i, row.Breakdown[i].Side, row.Breakdown[i].Key, w.side, w.key)
		}
	}
}

func TestNewTransactionRow(t *testing.T) {
	tx := &domain.Transaction{
		ID:                    "tx-1",
		OwnerID:               "owner-1",
		ProviderTransactionID: "p-1",
		AccountType:           domain.AccountTypeCredit,
		Amount:                d("-500"),
		OccurredOn:            civil.Date{Year: 2025, Month: time.March, Day: 5},
		MonthKey:              "2025-03",
		AssignedCategory:      domain.CategoryLoanPayment,
		IsUserReviewed:        true,
	}
	row := NewTransactionRow(tx, time.Now())
	if !row.IsTransferLike || !row.IsUserReviewed || row.CategoryName != "LoanPayment" {
		t.Errorf("row = %+v", row)
	}
	if !row.AccountType.Valid || row.Currency.Valid {
		t.Errorf("nullable strings wrong: type=%+v currency=%+v", row.AccountType, row.Currency)
	}
}

func TestBatches(t *testing.T) {
	tests := []struct {
		n, size int
		want    []int
	}{
		{n: 0, size: 3, want: nil},
		{n: 3, size: 3, want: []int{3}},
		{n: 7, size: 3, want: []int{3, 3, 1}},
	}
	for _, tt := range tests {
		items := make([]int, tt.n)
		got := batches(items, tt.size)
		if len(got) != len(tt.want) {
			t.Fatalf("batches(%d, %d) = %d batches, want %d", tt.n, tt.size, len(got), len(tt.want))
		}
		for i := range got {
			if len(got[i]) != tt.want[i] {
				t.Errorf("batch %d len = %d, want %d", i, len(got[i]), tt.want[i])
			}
		}
	}
}

func TestSummaryInsertID(t *testing.T) {
	at := time.Unix(1700000000, 5)
	a := SummaryInsertID(&domain.CashFlowSummary{OwnerID: "o", MonthKey: "2025-03", ComputedAt: at})
	b := SummaryInsertID(&domain.CashFlowSummary{OwnerID: "o", MonthKey: "2025-03", ComputedAt: at.Add(time.Nanosecond)})
	if a == b {
		t.Error("different recomputes must not share an insert ID")
	}
}
