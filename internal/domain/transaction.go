package domain

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// Transaction is the canonical, committed form of one provider transaction.
// Records are unique per (OwnerID, ProviderTransactionID).
//
// Amount sign convention: positive values are inflows to the account holder
// (salary, refunds), negative values are outflows (purchases, transfers out).
type Transaction struct {
	ID                    string `json:"id"`
	OwnerID               string `json:"owner_id"`
	ProviderTransactionID string `json:"provider_transaction_id"`
	ConnectionID          string `json:"connection_id"`
	AccountID             string `json:"account_id"`

	// Denormalized from the owning Account at normalization time.
	AccountType    AccountType `json:"account_type"`
	AccountSubtype string      `json:"account_subtype,omitempty"`
	AccountName    string      `json:"account_name,omitempty"`

	Amount       decimal.Decimal `json:"amount"`
	CurrencyCode string          `json:"currency_code,omitempty"`
	OccurredOn   civil.Date      `json:"occurred_on"`
	MonthKey     MonthKey        `json:"month_key"`
	Pending      bool            `json:"pending"`

	MerchantLabel        string   `json:"merchant_label"`
	ProviderCategoryPath []string `json:"provider_category_path,omitempty"`

	AssignedCategory Category `json:"assigned_category"`
	IsUserReviewed   bool     `json:"is_user_reviewed"`

	RawProviderPayload []byte `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so stores can hand out values without aliasing
// slices they keep internally.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	if t.ProviderCategoryPath != nil {
		c.ProviderCategoryPath = append([]string(nil), t.ProviderCategoryPath...)
	}
	if t.RawProviderPayload != nil {
		c.RawProviderPayload = append([]byte(nil), t.RawProviderPayload...)
	}
	return &c
}

// IsInflow reports whether the transaction moved money into the account.
func (t *Transaction) IsInflow() bool {
	return t.Amount.IsPositive()
}
