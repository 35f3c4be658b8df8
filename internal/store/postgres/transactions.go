package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const transactionColumns = `id, owner_id, provider_transaction_id, connection_id, account_id,
	account_type, account_subtype, account_name, amount::text, currency_code,
	occurred_on, month_key, pending, merchant_label, provider_category_path,
	assigned_category, is_user_reviewed, raw_provider_payload, created_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		t                          domain.Transaction
		accountType, amount, month string
		category                   string
		occurredOn                 time.Time
		path                       []byte
	)
	err := row.Scan(&t.ID, &t.OwnerID, &t.ProviderTransactionID, &t.ConnectionID, &t.AccountID,
		&accountType, &t.AccountSubtype, &t.AccountName, &amount, &t.CurrencyCode,
		&occurredOn, &month, &t.Pending, &t.MerchantLabel, &path,
		&category, &t.IsUserReviewed, &t.RawProviderPayload, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	t.AccountType = domain.AccountType(accountType)
	t.MonthKey = domain.MonthKey(month)
	t.AssignedCategory = domain.Category(category)
	t.OccurredOn = civil.DateOf(occurredOn)
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("amount of %s: %w", t.ProviderTransactionID, err)
	}
	if len(path) > 0 {
		if err := json.Unmarshal(path, &t.ProviderCategoryPath); err != nil {
			return nil, fmt.Errorf("category path of %s: %w", t.ProviderTransactionID, err)
		}
	}
	return &t, nil
}

func collectTransactions(rows pgx.Rows) ([]*domain.Transaction, error) {
	defer rows.Close()
	var out []*domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func dateValue(d civil.Date) time.Time {
	return d.In(time.UTC)
}

// GetTransactionsByProviderIDs implements store.TransactionRepository.
func (s *Store) GetTransactionsByProviderIDs(ctx context.Context, ownerID string, providerIDs []string) (map[string]*domain.Transaction, error) {
	out := make(map[string]*domain.Transaction, len(providerIDs))
	if len(providerIDs) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE owner_id = $1 AND provider_transaction_id = ANY($2)`,
		ownerID, providerIDs)
	if err != nil {
		return nil, fmt.Errorf("GetTransactionsByProviderIDs: %w", err)
	}
	txs, err := collectTransactions(rows)
	if err != nil {
		return nil, fmt.Errorf("GetTransactionsByProviderIDs: %w", err)
	}
	for _, t := range txs {
		out[t.ProviderTransactionID] = t
	}
	return out, nil
}

// UpsertTransactions implements store.TransactionRepository. All rows are
// written in one database transaction. The ON CONFLICT clause keeps the
// stored id, created_at and any reviewed category.
func (s *Store) UpsertTransactions(ctx context.Context, txs []*domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	dbTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("UpsertTransactions: begin: %w", err)
	}
	defer dbTx.Rollback(ctx)

	now := s.now().UTC()
	for _, t := range txs {
		if t.OwnerID == "" || t.ProviderTransactionID == "" {
			return fmt.Errorf("UpsertTransactions: owner and provider transaction ID are required")
		}
		id := t.ID
		if id == "" {
			id = uuid.New().String()
		}
		path := t.ProviderCategoryPath
		if path == nil {
			path = []string{}
		}
		pathJSON, err := json.Marshal(path)
		if err != nil {
			return fmt.Errorf("UpsertTransactions %s: encoding category path: %w", t.ProviderTransactionID, err)
		}

		_, err = dbTx.Exec(ctx, `
			INSERT INTO transactions (
				id, owner_id, provider_transaction_id, connection_id, account_id,
				account_type, account_subtype, account_name, amount, currency_code,
				occurred_on, month_key, pending, merchant_label, provider_category_path,
				assigned_category, is_user_reviewed, raw_provider_payload, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10, $11, $12, $13, $14, $15::jsonb, $16, $17, $18, $19, $19)
			ON CONFLICT (owner_id, provider_transaction_id) DO UPDATE SET
				connection_id = EXCLUDED.connection_id,
				account_id = EXCLUDED.account_id,
				account_type = EXCLUDED.account_type,
				account_subtype = EXCLUDED.account_subtype,
				account_name = EXCLUDED.account_name,
				amount = EXCLUDED.amount,
				currency_code = EXCLUDED.currency_code,
				occurred_on = EXCLUDED.occurred_on,
				month_key = EXCLUDED.month_key,
				pending = EXCLUDED.pending,
				merchant_label = EXCLUDED.merchant_label,
				provider_category_path = EXCLUDED.provider_category_path,
				assigned_category = CASE WHEN transactions.is_user_reviewed
					THEN transactions.assigned_category ELSE EXCLUDED.assigned_category END,
				is_user_reviewed = transactions.is_user_reviewed OR EXCLUDED.is_user_reviewed,
				raw_provider_payload = EXCLUDED.raw_provider_payload,
				updated_at = EXCLUDED.updated_at`,
			id, t.OwnerID, t.ProviderTransactionID, t.ConnectionID, t.AccountID,
			string(t.AccountType), t.AccountSubtype, t.AccountName, t.Amount.String(), t.CurrencyCode,
			dateValue(t.OccurredOn), string(t.MonthKey), t.Pending, t.MerchantLabel, string(pathJSON),
			string(t.AssignedCategory), t.IsUserReviewed, t.RawProviderPayload, now)
		if err != nil {
			return fmt.Errorf("UpsertTransactions %s: %w", t.ProviderTransactionID, err)
		}
	}

	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("UpsertTransactions: commit: %w", err)
	}
	return nil
}

// DeleteTransactions implements store.TransactionRepository.
func (s *Store) DeleteTransactions(ctx context.Context, ownerID string, providerIDs []string) (int, error) {
	if len(providerIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM transactions
		WHERE owner_id = $1 AND provider_transaction_id = ANY($2)`,
		ownerID, providerIDs)
	if err != nil {
		return 0, fmt.Errorf("DeleteTransactions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetTransaction implements store.TransactionRepository.
func (s *Store) GetTransaction(ctx context.Context, ownerID, transactionID string) (*domain.Transaction, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE owner_id = $1 AND (id = $2 OR provider_transaction_id = $2)
		LIMIT 1`, ownerID, transactionID)
	t, err := scanTransaction(row)
	if err != nil {
		return nil, notFound("GetTransaction", transactionID, err)
	}
	return t, nil
}

// ListTransactions implements store.TransactionRepository.
func (s *Store) ListTransactions(ctx context.Context, ownerID string, filter store.TransactionFilter) ([]*domain.Transaction, error) {
	where, args := filterClause(ownerID, filter)

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE ` + where +
		` ORDER BY occurred_on DESC, provider_transaction_id ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListTransactions: %w", err)
	}
	txs, err := collectTransactions(rows)
	if err != nil {
		return nil, fmt.Errorf("ListTransactions: %w", err)
	}
	return txs, nil
}

// filterClause builds the WHERE clause for a TransactionFilter.
func filterClause(ownerID string, f store.TransactionFilter) (string, []any) {
	conds := []string{"owner_id = $1"}
	args := []any{ownerID}
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.AccountID != "" {
		add("account_id = $%d", f.AccountID)
	}
	if f.MonthKey != "" {
		add("month_key = $%d", string(f.MonthKey))
	}
	if f.From != nil {
		add("occurred_on >= $%d", dateValue(*f.From))
	}
	if f.To != nil {
		add("occurred_on <= $%d", dateValue(*f.To))
	}
	if f.Category != "" {
		add("assigned_category = $%d", string(f.Category))
	}
	if f.UnreviewedOnly {
		conds = append(conds, "NOT is_user_reviewed")
	}
	return strings.Join(conds, " AND "), args
}

// SetCategory implements store.TransactionRepository.
func (s *Store) SetCategory(ctx context.Context, ownerID, transactionID string, category domain.Category, reviewed bool, at time.Time) (*domain.Transaction, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE transactions
		SET assigned_category = $3, is_user_reviewed = $4, updated_at = $5
		WHERE owner_id = $1 AND (id = $2 OR provider_transaction_id = $2)
		RETURNING `+transactionColumns,
		ownerID, transactionID, string(category), reviewed, at.UTC())
	t, err := scanTransaction(row)
	if err != nil {
		return nil, notFound("SetCategory", transactionID, err)
	}
	return t, nil
}
