package provider

import (
	"context"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/shopspring/decimal"
)

// Client is the upstream account-aggregation provider.
type Client interface {
	// FetchIncrementalChanges returns one page of changes after cursor.
	// An absent cursor requests full history.
	FetchIncrementalChanges(ctx context.Context, credentialRef string, cursor domain.Cursor) (*ChangePage, error)

	// FetchAccountBalances returns the current balance of every account
	// reachable through the credential.
	FetchAccountBalances(ctx context.Context, credentialRef string) ([]AccountRecord, error)
}

// ChangePage is one page of the incremental change feed.
type ChangePage struct {
	Added      []TransactionRecord `json:"added"`
	Modified   []TransactionRecord `json:"modified"`
	Removed    []RemovedRecord     `json:"removed"`
	Accounts   []AccountRecord     `json:"accounts"`
	NextCursor string              `json:"next_cursor"`
	HasMore    bool                `json:"has_more"`
}

// TransactionRecord is a transaction as delivered on the wire.
// Amount follows the provider convention: positive means money left the
// account.
type TransactionRecord struct {
	TransactionID           string                   `json:"transaction_id"`
	AccountID               string                   `json:"account_id"`
	Amount                  decimal.NullDecimal      `json:"amount"`
	ISOCurrencyCode         string                   `json:"iso_currency_code"`
	Date                    string                   `json:"date"`
	AuthorizedDate          string                   `json:"authorized_date,omitempty"`
	Name                    string                   `json:"name"`
	MerchantName            string                   `json:"merchant_name,omitempty"`
	Category                []string                 `json:"category,omitempty"`
	PersonalFinanceCategory *PersonalFinanceCategory `json:"personal_finance_category,omitempty"`
	Pending                 bool                     `json:"pending"`

	// Raw holds the exact bytes received for this record.
	Raw []byte `json:"-"`
	// DecodeErr is set when the record could not be decoded; the record is
	// then carried only so the normalizer can reject it.
	DecodeErr error `json:"-"`
}

// PersonalFinanceCategory is the provider's two-level category.
type PersonalFinanceCategory struct {
	Primary  string `json:"primary"`
	Detailed string `json:"detailed"`
}

// CategoryPath returns the provider category as a path from most general to
// most specific.
func (r *TransactionRecord) CategoryPath() []string {
	if len(r.Category) > 0 {
		return append([]string(nil), r.Category...)
	}
	if r.PersonalFinanceCategory != nil && r.PersonalFinanceCategory.Primary != "" {
		path := []string{r.PersonalFinanceCategory.Primary}
		if r.PersonalFinanceCategory.Detailed != "" {
			path = append(path, r.PersonalFinanceCategory.Detailed)
		}
		return path
	}
	return nil
}

// RemovedRecord identifies a transaction the provider no longer reports.
type RemovedRecord struct {
	TransactionID string `json:"transaction_id"`
	AccountID     string `json:"account_id,omitempty"`
}

// AccountRecord is an account with balances as delivered on the wire.
type AccountRecord struct {
	AccountID    string   `json:"account_id"`
	Name         string   `json:"name"`
	OfficialName string   `json:"official_name,omitempty"`
	Mask         string   `json:"mask,omitempty"`
	Type         string   `json:"type"`
	Subtype      string   `json:"subtype,omitempty"`
	Balances     Balances `json:"balances"`
}

// Balances are the provider's balance readings for one account.
type Balances struct {
	Current         decimal.NullDecimal `json:"current"`
	Available       decimal.NullDecimal `json:"available"`
	ISOCurrencyCode string              `json:"iso_currency_code"`
}
