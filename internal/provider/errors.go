package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

var (
	// ErrPaginationMutation means the underlying data changed while a
	// multi-page cycle was in progress. The whole cycle must restart from the
	// cursor it began with.
	ErrPaginationMutation = errors.New("provider: data mutated during pagination")

	// ErrCredentialExpired means the credential needs user re-authorization.
	// It is never retried automatically.
	ErrCredentialExpired = errors.New("provider: credential requires reauthorization")
)

// TransientError is a failure expected to clear on retry: timeouts, rate
// limits and upstream 5xx responses.
type TransientError struct {
	Op         string
	Code       string
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: transient provider error (%s): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: transient provider error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried at page level.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// APIError is a structured error body returned by the provider.
type APIError struct {
	StatusCode int    `json:"-"`
	Type       string `json:"error_type"`
	Code       string `json:"error_code"`
	Message    string `json:"error_message"`
	RequestID  string `json:"request_id"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider API error %d %s/%s: %s (request %s)", e.StatusCode, e.Type, e.Code, e.Message, e.RequestID)
}

const (
	codeMutationDuringPagination = "TRANSACTIONS_SYNC_MUTATION_DURING_PAGINATION"
	codeItemLoginRequired        = "ITEM_LOGIN_REQUIRED"
	codeInvalidAccessToken       = "INVALID_ACCESS_TOKEN"
	codeAccessNotGranted         = "ACCESS_NOT_GRANTED"
	codeRateLimitExceeded        = "RATE_LIMIT_EXCEEDED"
	codeInternalServerError      = "INTERNAL_SERVER_ERROR"
	codeInstitutionDown          = "INSTITUTION_DOWN"
	codeInstitutionNotResponding = "INSTITUTION_NOT_RESPONDING"
)

// classify maps an API error onto the error kinds the sync coordinator acts on.
func classify(op string, apiErr *APIError, retryAfter time.Duration) error {
	switch apiErr.Code {
	case codeMutationDuringPagination:
		return fmt.Errorf("%s: %w: %w", op, ErrPaginationMutation, apiErr)
	case codeItemLoginRequired, codeInvalidAccessToken, codeAccessNotGranted:
		return fmt.Errorf("%s: %w: %w", op, ErrCredentialExpired, apiErr)
	case codeRateLimitExceeded, codeInternalServerError, codeInstitutionDown, codeInstitutionNotResponding:
		return &TransientError{Op: op, Code: apiErr.Code, RetryAfter: retryAfter, Err: apiErr}
	}
	if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
		return &TransientError{Op: op, Code: apiErr.Code, RetryAfter: retryAfter, Err: apiErr}
	}
	return fmt.Errorf("%s: %w", op, apiErr)
}

// classifyTransport wraps network-level failures. Cancellation of the
// caller's context is returned as-is.
func classifyTransport(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Op: op, Code: "TIMEOUT", Err: err}
	}
	return &TransientError{Op: op, Code: "TRANSPORT", Err: err}
}
