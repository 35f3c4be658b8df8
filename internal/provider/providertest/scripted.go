// Package providertest provides a scripted provider.Client for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/provider"
)

// Scripted serves change pages keyed by the cursor they are requested with.
// Faults injects an error on a given call number (1-based) instead of
// serving the page.
type Scripted struct {
	mu sync.Mutex

	Pages    map[string]*provider.ChangePage
	Faults   map[int]error
	Balances []provider.AccountRecord

	BalanceErr error

	// BeforeFetch, when set, runs at the start of every change-feed call.
	BeforeFetch func(call int, cursor domain.Cursor)

	calls        []domain.Cursor
	balanceCalls int
}

// New returns an empty Scripted provider.
func New() *Scripted {
	return &Scripted{
		Pages:  make(map[string]*provider.ChangePage),
		Faults: make(map[int]error),
	}
}

// Key is the map key used for a cursor in Pages.
func Key(c domain.Cursor) string {
	return c.String()
}

// AddPage serves page when the given cursor is requested.
func (s *Scripted) AddPage(cursor domain.Cursor, page *provider.ChangePage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Pages[Key(cursor)] = page
}

// FailCall makes the nth change-feed call return err.
func (s *Scripted) FailCall(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Faults[n] = err
}

// FetchIncrementalChanges implements provider.Client.
func (s *Scripted) FetchIncrementalChanges(ctx context.Context, credentialRef string, cursor domain.Cursor) (*provider.ChangePage, error) {
	s.mu.Lock()
	s.calls = append(s.calls, cursor)
	n := len(s.calls)
	hook := s.BeforeFetch
	s.mu.Unlock()

	if hook != nil {
		hook(n, cursor)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.Faults[n]; ok {
		return nil, err
	}
	page, ok := s.Pages[Key(cursor)]
	if !ok {
		return nil, fmt.Errorf("providertest: no page scripted for cursor %s", cursor)
	}
	cp := *page
	return &cp, nil
}

// FetchAccountBalances implements provider.Client.
func (s *Scripted) FetchAccountBalances(ctx context.Context, credentialRef string) ([]provider.AccountRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balanceCalls++
	if s.BalanceErr != nil {
		return nil, s.BalanceErr
	}
	return append([]provider.AccountRecord(nil), s.Balances...), nil
}

// Calls returns the cursors requested so far, in order.
func (s *Scripted) Calls() []domain.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Cursor(nil), s.calls...)
}

// BalanceCalls returns how many times balances were fetched.
func (s *Scripted) BalanceCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balanceCalls
}

var _ provider.Client = (*Scripted)(nil)
