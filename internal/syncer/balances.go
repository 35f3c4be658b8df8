package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/logger"
	"github.com/dvloznov/finance-sync/internal/normalize"
	"github.com/dvloznov/finance-sync/internal/provider"
)

func (c *Coordinator) fetchBalances(ctx context.Context, conn *domain.Connection, result *SyncResult) ([]provider.AccountRecord, error) {
	var recs []provider.AccountRecord
	err := c.withRetry(ctx, conn, "FetchAccountBalances", result, func(callCtx context.Context) error {
		var err error
		recs, err = c.provider.FetchAccountBalances(callCtx, conn.CredentialRef)
		return err
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// RefreshBalances fetches current balances for every active connection of
// the owner and stores them. A connection whose credential expired is moved
// to RequiresReauthorization; other failures are collected and returned
// after the remaining connections have been refreshed.
func (c *Coordinator) RefreshBalances(ctx context.Context, ownerID string) ([]*domain.Account, error) {
	log := logger.FromContext(ctx)

	conns, err := c.store.ListConnections(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("RefreshBalances: listing connections: %w", err)
	}

	var errs []error
	var refreshed []*domain.Account
	for _, conn := range conns {
		if !conn.IsActive {
			continue
		}

		recs, err := c.fetchBalances(ctx, conn, nil)
		if err != nil {
			if errors.Is(err, provider.ErrCredentialExpired) {
				c.setState(ctx, conn.ConnectionID, domain.SyncStateRequiresReauthorization, err.Error())
			}
			log.Warn().Err(err).Str("connection_id", conn.ConnectionID).Msg("Failed to refresh balances")
			errs = append(errs, fmt.Errorf("connection %s: %w", conn.ConnectionID, err))
			continue
		}

		asOf := c.now()
		accounts := make([]*domain.Account, 0, len(recs))
		for _, rec := range recs {
			acc, err := normalize.Account(conn.OwnerID, conn.ConnectionID, rec, asOf)
			if err != nil {
				log.Warn().Err(err).Str("account_id", rec.AccountID).Msg("Skipping invalid account")
				continue
			}
			accounts = append(accounts, acc)
		}
		if len(accounts) == 0 {
			continue
		}
		if err := c.store.UpsertAccounts(ctx, accounts); err != nil {
			errs = append(errs, fmt.Errorf("connection %s: storing accounts: %w", conn.ConnectionID, err))
			continue
		}
		refreshed = append(refreshed, accounts...)
	}

	log.Info().
		Str("owner_id", ownerID).
		Int("accounts", len(refreshed)).
		Int("failures", len(errs)).
		Msg("Balances refreshed")

	return refreshed, errors.Join(errs...)
}
