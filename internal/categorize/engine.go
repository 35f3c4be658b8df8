// Package categorize assigns internal categories to transactions and keeps
// human overrides intact across re-synchronization.
package categorize

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/logger"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/google/uuid"
)

// Engine is the categorization engine. It is safe for concurrent use.
type Engine struct {
	repo  store.TransactionRepository
	table map[string]domain.Category
	now   func() time.Time
}

// NewEngine creates an Engine backed by repo with the built-in taxonomy table.
func NewEngine(repo store.TransactionRepository) *Engine {
	return &Engine{
		repo:  repo,
		table: defaultTable,
		now:   time.Now,
	}
}

// Default is the automated assignment for a provider category path. It is a
// total function: unmapped paths yield Uncategorized.
func (e *Engine) Default(path []string) domain.Category {
	return lookup(e.table, path)
}

// Merge combines an incoming normalized record with the stored row for the
// same provider id and returns the row to persist. stored may be nil.
//
//   - no stored row: default category, not reviewed, fresh ID
//   - stored row reviewed: provider fields from incoming, category and
//     review flag from stored
//   - stored row not reviewed: provider fields from incoming, category
//     recomputed from the incoming path
func (e *Engine) Merge(stored, incoming *domain.Transaction) *domain.Transaction {
	out := incoming.Clone()

	if stored == nil {
		if out.ID == "" {
			out.ID = uuid.New().String()
		}
		out.AssignedCategory = e.Default(out.ProviderCategoryPath)
		out.IsUserReviewed = false
		return out
	}

	out.ID = stored.ID
	out.CreatedAt = stored.CreatedAt
	if stored.IsUserReviewed {
		out.AssignedCategory = stored.AssignedCategory
		out.IsUserReviewed = true
		return out
	}
	out.AssignedCategory = e.Default(out.ProviderCategoryPath)
	out.IsUserReviewed = false
	return out
}

// SetUserCategory records a human override. It is the only operation that
// sets IsUserReviewed.
func (e *Engine) SetUserCategory(ctx context.Context, ownerID, transactionID string, category domain.Category) (*domain.Transaction, error) {
	log := logger.FromContext(ctx)

	if !category.Valid() {
		return nil, fmt.Errorf("SetUserCategory: %w: %q", domain.ErrUnknownCategory, category)
	}

	tx, err := e.repo.SetCategory(ctx, ownerID, transactionID, category, true, e.now())
	if err != nil {
		return nil, fmt.Errorf("SetUserCategory: %w", err)
	}

	log.Info().
		Str("owner_id", ownerID).
		Str("transaction_id", tx.ID).
		Str("category", string(category)).
		Msg("Category override recorded")

	return tx, nil
}
