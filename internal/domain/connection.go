package domain

import "time"

// SyncState is the lifecycle position of a connection's sync cycle.
type SyncState string

const (
	SyncStateIdle                    SyncState = "idle"
	SyncStatePaginating              SyncState = "paginating"
	SyncStateRetryBackoff            SyncState = "retry_backoff"
	SyncStateCommitting              SyncState = "committing"
	SyncStateFailed                  SyncState = "failed"
	SyncStateRequiresReauthorization SyncState = "requires_reauthorization"
)

// Connection links one owner to one provider credential.
// Revoked connections are deactivated, never deleted.
type Connection struct {
	ConnectionID     string    `json:"connection_id"`
	OwnerID          string    `json:"owner_id"`
	CredentialRef    string    `json:"-"`
	InstitutionLabel string    `json:"institution_label"`
	AccountIDs       []string  `json:"account_ids"`
	IsActive         bool      `json:"is_active"`
	State            SyncState `json:"state"`
	LastError        string    `json:"last_error,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Clone returns a copy that does not share the AccountIDs slice.
func (c *Connection) Clone() *Connection {
	if c == nil {
		return nil
	}
	cp := *c
	cp.AccountIDs = append([]string(nil), c.AccountIDs...)
	return &cp
}

// Cursor is the opaque provider position. The zero value is "absent", which
// asks the provider for full history. A valid empty cursor means the provider
// has no data ready yet.
type Cursor struct {
	Value string
	Valid bool
}

// CursorOf wraps a provider-issued cursor value.
func CursorOf(v string) Cursor {
	return Cursor{Value: v, Valid: true}
}

// IsAbsent reports whether no cursor has ever been committed.
func (c Cursor) IsAbsent() bool { return !c.Valid }

// IsEmpty reports whether the provider issued an empty cursor.
func (c Cursor) IsEmpty() bool { return c.Valid && c.Value == "" }

func (c Cursor) String() string {
	switch {
	case !c.Valid:
		return "<absent>"
	case c.Value == "":
		return "<empty>"
	default:
		return c.Value
	}
}

// SyncCursor is the last fully committed provider position for a connection.
type SyncCursor struct {
	ConnectionID    string    `json:"connection_id"`
	Cursor          Cursor    `json:"-"`
	LastCommittedAt time.Time `json:"last_committed_at"`
}
