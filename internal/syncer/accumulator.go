package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/logger"
	"github.com/dvloznov/finance-sync/internal/normalize"
	"github.com/dvloznov/finance-sync/internal/provider"
)

// accumulator buffers one cycle's changes in memory. Nothing is written to
// the store until the cycle is committed. Records are keyed by provider id
// so a later page's version of a record replaces an earlier one.
type accumulator struct {
	ownerID      string
	connectionID string

	accounts map[string]*domain.Account
	// freshAccounts are accounts delivered during this cycle; they are
	// upserted at commit time.
	freshAccounts map[string]*domain.Account

	upserts map[string]*domain.Transaction
	order   []string
	ordered map[string]bool
	removed map[string]bool

	errors []RecordError
	pages  int
}

func newAccumulator(conn *domain.Connection, known map[string]*domain.Account) *accumulator {
	accounts := make(map[string]*domain.Account, len(known))
	for id, a := range known {
		accounts[id] = a
	}
	return &accumulator{
		ownerID:       conn.OwnerID,
		connectionID:  conn.ConnectionID,
		accounts:      accounts,
		freshAccounts: make(map[string]*domain.Account),
		upserts:       make(map[string]*domain.Transaction),
		ordered:       make(map[string]bool),
		removed:       make(map[string]bool),
	}
}

// addAccounts normalizes provider accounts and makes them available to the
// transactions that follow.
func (a *accumulator) addAccounts(ctx context.Context, recs []provider.AccountRecord, asOf time.Time) {
	log := logger.FromContext(ctx)
	for _, rec := range recs {
		acc, err := normalize.Account(a.ownerID, a.connectionID, rec, asOf)
		if err != nil {
			log.Warn().Err(err).Str("account_id", rec.AccountID).Msg("Skipping invalid account")
			a.recordError(rec.AccountID, err)
			continue
		}
		a.accounts[acc.AccountID] = acc
		a.freshAccounts[acc.AccountID] = acc
	}
}

// apply folds one page into the buffer.
func (a *accumulator) apply(ctx context.Context, page *provider.ChangePage, asOf time.Time) {
	a.pages++
	a.addAccounts(ctx, page.Accounts, asOf)

	for _, rec := range page.Added {
		a.put(ctx, rec)
	}
	for _, rec := range page.Modified {
		a.put(ctx, rec)
	}
	for _, rm := range page.Removed {
		if rm.TransactionID == "" {
			continue
		}
		delete(a.upserts, rm.TransactionID)
		a.removed[rm.TransactionID] = true
	}
}

func (a *accumulator) put(ctx context.Context, rec provider.TransactionRecord) {
	tx, err := normalize.Transaction(a.ownerID, a.connectionID, rec, a.accounts)
	if err != nil {
		var verr *normalize.ValidationError
		if errors.As(err, &verr) {
			log := logger.FromContext(ctx)
			log.Warn().
				Err(err).
				Str("transaction_id", rec.TransactionID).
				Msg("Skipping invalid transaction")
		}
		a.recordError(rec.TransactionID, err)
		return
	}

	id := tx.ProviderTransactionID
	if !a.ordered[id] {
		a.ordered[id] = true
		a.order = append(a.order, id)
	}
	delete(a.removed, id)
	a.upserts[id] = tx
}

func (a *accumulator) recordError(id string, err error) {
	a.errors = append(a.errors, RecordError{RecordID: id, Reason: err.Error()})
}

// pending returns buffered upserts in first-seen order.
func (a *accumulator) pending() []*domain.Transaction {
	out := make([]*domain.Transaction, 0, len(a.upserts))
	for _, id := range a.order {
		if tx, ok := a.upserts[id]; ok {
			out = append(out, tx)
		}
	}
	return out
}

func (a *accumulator) pendingIDs() []string {
	ids := make([]string, 0, len(a.upserts))
	for _, id := range a.order {
		if _, ok := a.upserts[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (a *accumulator) removedIDs() []string {
	ids := make([]string, 0, len(a.removed))
	for id := range a.removed {
		ids = append(ids, id)
	}
	return ids
}

func (a *accumulator) accountsToCommit() []*domain.Account {
	out := make([]*domain.Account, 0, len(a.freshAccounts))
	for _, acc := range a.freshAccounts {
		out = append(out, acc)
	}
	return out
}
