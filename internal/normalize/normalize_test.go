package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/provider"
	"github.com/shopspring/decimal"
)

func testAccounts() map[string]*domain.Account {
	return map[string]*domain.Account{
		"acc-1": {
			AccountID:    "acc-1",
			OwnerID:      "owner-1",
			Type:         domain.AccountTypeDepository,
			Subtype:      "checking",
			DisplayName:  "Everyday Checking",
			CurrencyCode: "USD",
		},
	}
}

func amount(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func TestTransaction_Valid(t *testing.T) {
	rec := provider.TransactionRecord{
		TransactionID: "tx-1",
		AccountID:     "acc-1",
		Amount:        amount("42.10"),
		Date:          "2025-03-05",
		Name:          "  WHOLE   FOODS #123 ",
		Category:      []string{"Shops", "Supermarkets and Groceries"},
		Raw:           []byte(`{"transaction_id":"tx-1"}`),
	}

	tx, err := Transaction("owner-1", "conn-1", rec, testAccounts())
	if err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}

	if !tx.Amount.Equal(decimal.RequireFromString("-42.10")) {
		t.Errorf("Amount = %s, want -42.10 (outflow)", tx.Amount)
	}
	if tx.MonthKey != "2025-03" {
		t.Errorf("MonthKey = %q, want 2025-03", tx.MonthKey)
	}
	if tx.MerchantLabel != "WHOLE FOODS #123" {
		t.Errorf("MerchantLabel = %q", tx.MerchantLabel)
	}
	if tx.AccountType != domain.AccountTypeDepository || tx.AccountSubtype != "checking" || tx.AccountName != "Everyday Checking" {
		t.Errorf("account fields not resolved: %+v", tx)
	}
	if tx.CurrencyCode != "USD" {
		t.Errorf("CurrencyCode = %q, want fallback to account currency", tx.CurrencyCode)
	}
	if string(tx.RawProviderPayload) != `{"transaction_id":"tx-1"}` {
		t.Errorf("RawProviderPayload = %s", tx.RawProviderPayload)
	}
	if tx.AssignedCategory != "" {
		t.Errorf("AssignedCategory = %q, want empty before categorization", tx.AssignedCategory)
	}
}

func TestTransaction_Inflow(t *testing.T) {
	rec := provider.TransactionRecord{
		TransactionID: "tx-2",
		AccountID:     "acc-1",
		Amount:        amount("-3000"),
		Date:          "2025-03-01",
		MerchantName:  "ACME Payroll",
	}
	tx, err := Transaction("owner-1", "conn-1", rec, testAccounts())
	if err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}
	if !tx.IsInflow() {
		t.Errorf("Amount = %s, expected inflow", tx.Amount)
	}
	if tx.MerchantLabel != "ACME Payroll" {
		t.Errorf("MerchantLabel = %q, want merchant name preferred", tx.MerchantLabel)
	}
}

func TestTransaction_ValidationErrors(t *testing.T) {
	base := func() provider.TransactionRecord {
		return provider.TransactionRecord{
			TransactionID: "tx-1",
			AccountID:     "acc-1",
			Amount:        amount("1"),
			Date:          "2025-03-05",
		}
	}

	tests := []struct {
		name  string
		owner string
		mut   func(*provider.TransactionRecord)
		field string
	}{
		{name: "missing owner", owner: "", mut: func(r *provider.TransactionRecord) {}, field: "owner_id"},
		{name: "missing id", owner: "owner-1", mut: func(r *provider.TransactionRecord) { r.TransactionID = "" }, field: "transaction_id"},
		{name: "unknown account", owner: "owner-1", mut: func(r *provider.TransactionRecord) { r.AccountID = "acc-x" }, field: "account_id"},
		{name: "foreign account", owner: "owner-2", mut: func(r *provider.TransactionRecord) {}, field: "account_id"},
		{name: "null amount", owner: "owner-1", mut: func(r *provider.TransactionRecord) { r.Amount = decimal.NullDecimal{} }, field: "amount"},
		{name: "bad date", owner: "owner-1", mut: func(r *provider.TransactionRecord) { r.Date = "05/03/2025" }, field: "date"},
		{name: "decode failure", owner: "owner-1", mut: func(r *provider.TransactionRecord) { r.DecodeErr = errors.New("boom") }, field: "payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := base()
			tt.mut(&rec)
			_, err := Transaction(tt.owner, "conn-1", rec, testAccounts())
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestAccount(t *testing.T) {
	asOf := time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)

	t.Run("current balance", func(t *testing.T) {
		rec := provider.AccountRecord{
			AccountID: "acc-1",
			Name:      "Visa",
			Type:      "credit",
			Subtype:   "Credit Card",
			Balances:  provider.Balances{Current: amount("250.00"), ISOCurrencyCode: "usd"},
		}
		acc, err := Account("owner-1", "conn-1", rec, asOf)
		if err != nil {
			t.Fatalf("Account() error = %v", err)
		}
		if acc.Type != domain.AccountTypeCredit || acc.Subtype != "credit card" {
			t.Errorf("type/subtype = %s/%s", acc.Type, acc.Subtype)
		}
		if !acc.LatestBalance.Equal(decimal.RequireFromString("250")) {
			t.Errorf("LatestBalance = %s", acc.LatestBalance)
		}
		if acc.CurrencyCode != "USD" || !acc.AsOf.Equal(asOf) {
			t.Errorf("currency/asOf = %s/%s", acc.CurrencyCode, acc.AsOf)
		}
	})

	t.Run("falls back to available", func(t *testing.T) {
		rec := provider.AccountRecord{
			AccountID: "acc-2",
			Type:      "depository",
			Balances:  provider.Balances{Available: amount("10")},
		}
		acc, err := Account("owner-1", "conn-1", rec, asOf)
		if err != nil {
			t.Fatalf("Account() error = %v", err)
		}
		if !acc.LatestBalance.Equal(decimal.NewFromInt(10)) {
			t.Errorf("LatestBalance = %s, want 10", acc.LatestBalance)
		}
	})

	t.Run("no balance", func(t *testing.T) {
		rec := provider.AccountRecord{AccountID: "acc-3", Type: "depository"}
		_, err := Account("owner-1", "conn-1", rec, asOf)
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Field != "balances" {
			t.Errorf("expected balances ValidationError, got %v", err)
		}
	})
}
