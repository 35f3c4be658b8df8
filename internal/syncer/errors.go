package syncer

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionInactive is returned for deactivated connections.
	ErrConnectionInactive = errors.New("syncer: connection is inactive")

	// ErrRestartBudgetExhausted is returned when pagination-mutation
	// conflicts persist past Config.MaxCycleRestarts.
	ErrRestartBudgetExhausted = errors.New("syncer: cycle restart budget exhausted")

	// ErrPageRetryBudgetExhausted is returned when one page keeps failing
	// transiently past Config.MaxPageRetries.
	ErrPageRetryBudgetExhausted = errors.New("syncer: page retry budget exhausted")
)

// PersistenceError reports a store failure during commit. The cursor was
// not advanced; the next cycle replays the same changes.
type PersistenceError struct {
	Step string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("syncer: commit failed at %s: %v", e.Step, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// RecordError describes one record skipped during a cycle.
type RecordError struct {
	RecordID string `json:"record_id,omitempty"`
	Reason   string `json:"reason"`
}
