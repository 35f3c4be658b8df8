// Package normalize maps provider wire records onto canonical domain records.
// Every function here is pure: no I/O, no clock reads.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/provider"
)

// ValidationError reports a record that cannot be normalized. The record is
// skipped; the rest of its page is still processed.
type ValidationError struct {
	RecordID string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.RecordID == "" {
		return fmt.Sprintf("invalid record: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid record %s: %s: %s", e.RecordID, e.Field, e.Reason)
}

func invalid(id, field, reason string) *ValidationError {
	return &ValidationError{RecordID: id, Field: field, Reason: reason}
}

// Transaction converts a wire transaction into a canonical Transaction.
// accounts must hold the owner's known accounts keyed by account id; the
// account's type, subtype and name are copied onto the result.
//
// The provider reports outflows as positive amounts. The canonical
// convention is the opposite, so the sign is flipped here.
//
// AssignedCategory is left empty; the categorization engine sets it.
func Transaction(ownerID, connectionID string, rec provider.TransactionRecord, accounts map[string]*domain.Account) (*domain.Transaction, error) {
	id := strings.TrimSpace(rec.TransactionID)
	if rec.DecodeErr != nil {
		return nil, invalid(id, "payload", rec.DecodeErr.Error())
	}
	if strings.TrimSpace(ownerID) == "" {
		return nil, invalid(id, "owner_id", "missing")
	}
	if id == "" {
		return nil, invalid(id, "transaction_id", "missing")
	}
	if rec.AccountID == "" {
		return nil, invalid(id, "account_id", "missing")
	}
	acc, ok := accounts[rec.AccountID]
	if !ok {
		return nil, invalid(id, "account_id", fmt.Sprintf("unknown account %q", rec.AccountID))
	}
	if acc.OwnerID != "" && acc.OwnerID != ownerID {
		return nil, invalid(id, "account_id", "account belongs to another owner")
	}
	if !rec.Amount.Valid {
		return nil, invalid(id, "amount", "missing")
	}
	occurred, err := civil.ParseDate(strings.TrimSpace(rec.Date))
	if err != nil {
		return nil, invalid(id, "date", fmt.Sprintf("unparseable %q", rec.Date))
	}
	if !occurred.IsValid() {
		return nil, invalid(id, "date", fmt.Sprintf("out of range %q", rec.Date))
	}

	currency := strings.ToUpper(rec.ISOCurrencyCode)
	if currency == "" {
		currency = acc.CurrencyCode
	}

	tx := &domain.Transaction{
		OwnerID:               ownerID,
		ProviderTransactionID: id,
		ConnectionID:          connectionID,
		AccountID:             rec.AccountID,
		AccountType:           acc.Type,
		AccountSubtype:        acc.Subtype,
		AccountName:           acc.DisplayName,
		Amount:                rec.Amount.Decimal.Neg(),
		CurrencyCode:          currency,
		OccurredOn:            occurred,
		MonthKey:              domain.MonthKeyOf(occurred),
		Pending:               rec.Pending,
		MerchantLabel:         merchantLabel(rec),
		ProviderCategoryPath:  rec.CategoryPath(),
		RawProviderPayload:    append([]byte(nil), rec.Raw...),
	}
	return tx, nil
}

func merchantLabel(rec provider.TransactionRecord) string {
	if m := strings.TrimSpace(rec.MerchantName); m != "" {
		return m
	}
	return strings.Join(strings.Fields(rec.Name), " ")
}

// Account converts a wire account into a canonical Account as of asOf.
// The current balance is preferred; available is used when current is null.
func Account(ownerID, connectionID string, rec provider.AccountRecord, asOf time.Time) (*domain.Account, error) {
	id := strings.TrimSpace(rec.AccountID)
	if id == "" {
		return nil, invalid("", "account_id", "missing")
	}
	if strings.TrimSpace(ownerID) == "" {
		return nil, invalid(id, "owner_id", "missing")
	}
	typ, err := domain.ParseAccountType(rec.Type)
	if err != nil {
		return nil, invalid(id, "type", err.Error())
	}

	balance := rec.Balances.Current
	if !balance.Valid {
		balance = rec.Balances.Available
	}
	if !balance.Valid {
		return nil, invalid(id, "balances", "no current or available balance")
	}

	name := strings.TrimSpace(rec.Name)
	if name == "" {
		name = strings.TrimSpace(rec.OfficialName)
	}

	return &domain.Account{
		AccountID:     id,
		OwnerID:       ownerID,
		ConnectionID:  connectionID,
		Type:          typ,
		Subtype:       strings.ToLower(strings.TrimSpace(rec.Subtype)),
		DisplayName:   name,
		Mask:          rec.Mask,
		CurrencyCode:  strings.ToUpper(rec.Balances.ISOCurrencyCode),
		LatestBalance: balance.Decimal,
		AsOf:          asOf,
	}, nil
}
