// Package postgres implements store.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultPoolConfig returns pool settings suited to a small service.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConns:        10,
		MinConns:        0,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string, pc PoolConfig) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("postgres: database URL is not set")
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parsing database URL: %w", err)
	}
	cfg.MaxConns = pc.MaxConns
	cfg.MinConns = pc.MinConns
	cfg.MaxConnLifetime = pc.MaxConnLifetime
	cfg.MaxConnIdleTime = pc.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Store is a store.Store backed by a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New wraps an open pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func notFound(op, key string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", op, key, store.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}

// SaveConnection implements store.ConnectionRepository.
func (s *Store) SaveConnection(ctx context.Context, conn *domain.Connection) error {
	if conn.ConnectionID == "" {
		return fmt.Errorf("SaveConnection: connection ID is required")
	}
	state := conn.State
	if state == "" {
		state = domain.SyncStateIdle
	}
	accountIDs := conn.AccountIDs
	if accountIDs == nil {
		accountIDs = []string{}
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO connections (connection_id, owner_id, credential_ref, institution_label, account_ids, is_active, state, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (connection_id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			credential_ref = EXCLUDED.credential_ref,
			institution_label = EXCLUDED.institution_label,
			account_ids = EXCLUDED.account_ids,
			is_active = EXCLUDED.is_active,
			state = EXCLUDED.state,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
		WHERE connections.owner_id = EXCLUDED.owner_id`,
		conn.ConnectionID, conn.OwnerID, conn.CredentialRef, conn.InstitutionLabel,
		accountIDs, conn.IsActive, string(state), conn.LastError, s.now().UTC())
	if err != nil {
		return fmt.Errorf("SaveConnection %s: %w", conn.ConnectionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("SaveConnection %s: %w", conn.ConnectionID, store.ErrOwnerMismatch)
	}
	return nil
}

const connectionColumns = `connection_id, owner_id, credential_ref, institution_label, account_ids, is_active, state, last_error, updated_at`

func scanConnection(row pgx.Row) (*domain.Connection, error) {
	var c domain.Connection
	var state string
	if err := row.Scan(&c.ConnectionID, &c.OwnerID, &c.CredentialRef, &c.InstitutionLabel,
		&c.AccountIDs, &c.IsActive, &state, &c.LastError, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.State = domain.SyncState(state)
	return &c, nil
}

// GetConnection implements store.ConnectionRepository.
func (s *Store) GetConnection(ctx context.Context, connectionID string) (*domain.Connection, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+connectionColumns+` FROM connections WHERE connection_id = $1`, connectionID)
	c, err := scanConnection(row)
	if err != nil {
		return nil, notFound("GetConnection", connectionID, err)
	}
	return c, nil
}

// ListConnections implements store.ConnectionRepository.
func (s *Store) ListConnections(ctx context.Context, ownerID string) ([]*domain.Connection, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+connectionColumns+` FROM connections
		WHERE $1 = '' OR owner_id = $1
		ORDER BY connection_id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("ListConnections: %w", err)
	}
	defer rows.Close()

	var out []*domain.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("ListConnections: scanning: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListConnections: %w", err)
	}
	return out, nil
}

// UpdateConnectionState implements store.ConnectionRepository.
func (s *Store) UpdateConnectionState(ctx context.Context, connectionID string, state domain.SyncState, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE connections SET state = $2, last_error = $3, updated_at = $4
		WHERE connection_id = $1`,
		connectionID, string(state), lastError, s.now().UTC())
	if err != nil {
		return fmt.Errorf("UpdateConnectionState %s: %w", connectionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("UpdateConnectionState %s: %w", connectionID, store.ErrNotFound)
	}
	return nil
}

// SetConnectionActive implements store.ConnectionRepository.
func (s *Store) SetConnectionActive(ctx context.Context, connectionID string, active bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE connections SET is_active = $2, updated_at = $3
		WHERE connection_id = $1`,
		connectionID, active, s.now().UTC())
	if err != nil {
		return fmt.Errorf("SetConnectionActive %s: %w", connectionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("SetConnectionActive %s: %w", connectionID, store.ErrNotFound)
	}
	return nil
}

// GetCursor implements store.CursorRepository.
func (s *Store) GetCursor(ctx context.Context, connectionID string) (*domain.SyncCursor, error) {
	var c domain.SyncCursor
	var value string
	err := s.pool.QueryRow(ctx, `
		SELECT connection_id, cursor_value, last_committed_at
		FROM sync_cursors WHERE connection_id = $1`, connectionID).
		Scan(&c.ConnectionID, &value, &c.LastCommittedAt)
	if err != nil {
		return nil, notFound("GetCursor", connectionID, err)
	}
	c.Cursor = domain.CursorOf(value)
	return &c, nil
}

// AdvanceCursor implements store.CursorRepository.
func (s *Store) AdvanceCursor(ctx context.Context, cursor domain.SyncCursor) error {
	if cursor.Cursor.IsAbsent() {
		return fmt.Errorf("AdvanceCursor %s: cursor is absent", cursor.ConnectionID)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_cursors (connection_id, cursor_value, last_committed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (connection_id) DO UPDATE SET
			cursor_value = EXCLUDED.cursor_value,
			last_committed_at = EXCLUDED.last_committed_at`,
		cursor.ConnectionID, cursor.Cursor.Value, cursor.LastCommittedAt.UTC())
	if err != nil {
		return fmt.Errorf("AdvanceCursor %s: %w", cursor.ConnectionID, err)
	}
	return nil
}

// UpsertAccounts implements store.AccountRepository.
func (s *Store) UpsertAccounts(ctx context.Context, accounts []*domain.Account) error {
	if len(accounts) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("UpsertAccounts: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, a := range accounts {
		_, err := tx.Exec(ctx, `
			INSERT INTO accounts (account_id, owner_id, connection_id, type, subtype, display_name, mask, currency_code, latest_balance, as_of)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10)
			ON CONFLICT (owner_id, account_id) DO UPDATE SET
				connection_id = EXCLUDED.connection_id,
				type = EXCLUDED.type,
				subtype = EXCLUDED.subtype,
				display_name = EXCLUDED.display_name,
				mask = EXCLUDED.mask,
				currency_code = EXCLUDED.currency_code,
				latest_balance = EXCLUDED.latest_balance,
				as_of = EXCLUDED.as_of`,
			a.AccountID, a.OwnerID, a.ConnectionID, string(a.Type), a.Subtype, a.DisplayName,
			a.Mask, a.CurrencyCode, a.LatestBalance.String(), a.AsOf.UTC())
		if err != nil {
			return fmt.Errorf("UpsertAccounts %s: %w", a.AccountID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("UpsertAccounts: commit: %w", err)
	}
	return nil
}

// ListAccounts implements store.AccountRepository.
func (s *Store) ListAccounts(ctx context.Context, ownerID string) ([]*domain.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT account_id, owner_id, connection_id, type, subtype, display_name, mask, currency_code, latest_balance::text, as_of
		FROM accounts WHERE owner_id = $1
		ORDER BY account_id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("ListAccounts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Account
	for rows.Next() {
		var a domain.Account
		var typ, balance string
		if err := rows.Scan(&a.AccountID, &a.OwnerID, &a.ConnectionID, &typ, &a.Subtype,
			&a.DisplayName, &a.Mask, &a.CurrencyCode, &balance, &a.AsOf); err != nil {
			return nil, fmt.Errorf("ListAccounts: scanning: %w", err)
		}
		a.Type = domain.AccountType(typ)
		if a.LatestBalance, err = decimal.NewFromString(balance); err != nil {
			return nil, fmt.Errorf("ListAccounts: balance of %s: %w", a.AccountID, err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListAccounts: %w", err)
	}
	return out, nil
}

var _ store.Store = (*Store)(nil)
