package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AccountType is the coarse classification reported by the provider.
type AccountType string

const (
	AccountTypeDepository AccountType = "depository"
	AccountTypeCredit     AccountType = "credit"
	AccountTypeInvestment AccountType = "investment"
	AccountTypeLoan       AccountType = "loan"
	AccountTypeOther      AccountType = "other"
)

// ParseAccountType maps a provider type string to an AccountType.
// Unknown but non-empty values become AccountTypeOther.
func ParseAccountType(s string) (AccountType, error) {
	switch AccountType(strings.ToLower(strings.TrimSpace(s))) {
	case AccountTypeDepository:
		return AccountTypeDepository, nil
	case AccountTypeCredit:
		return AccountTypeCredit, nil
	case AccountTypeInvestment, "brokerage":
		return AccountTypeInvestment, nil
	case AccountTypeLoan:
		return AccountTypeLoan, nil
	case "":
		return "", fmt.Errorf("account type is empty")
	default:
		return AccountTypeOther, nil
	}
}

// IsLiability reports whether balances of this type count against net worth.
func (t AccountType) IsLiability() bool {
	return t == AccountTypeCredit || t == AccountTypeLoan
}

// Account is a provider account with its most recently fetched balance.
// LatestBalance is always a direct provider reading, never derived from
// transaction history.
type Account struct {
	AccountID     string          `json:"account_id"`
	OwnerID       string          `json:"owner_id"`
	ConnectionID  string          `json:"connection_id"`
	Type          AccountType     `json:"type"`
	Subtype       string          `json:"subtype,omitempty"`
	DisplayName   string          `json:"display_name"`
	Mask          string          `json:"mask,omitempty"`
	CurrencyCode  string          `json:"currency_code,omitempty"`
	LatestBalance decimal.Decimal `json:"latest_balance"`
	AsOf          time.Time       `json:"as_of"`
}

// BreakdownKey groups balances in net-worth breakdowns, e.g. "depository/checking".
func (a *Account) BreakdownKey() string {
	if a.Subtype == "" {
		return string(a.Type)
	}
	return string(a.Type) + "/" + a.Subtype
}
