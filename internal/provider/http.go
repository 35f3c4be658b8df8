package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/logger"
	"github.com/goccy/go-json"
)

const (
	syncPath    = "/transactions/sync"
	balancePath = "/accounts/balance/get"

	defaultPageSize = 500
	maxPageSize     = 500
)

// HTTPConfig configures HTTPClient.
type HTTPConfig struct {
	BaseURL  string
	ClientID string
	Secret   string
	PageSize int
	Timeout  time.Duration
}

// HTTPClient talks to the provider's JSON API.
type HTTPClient struct {
	baseURL  string
	clientID string
	secret   string
	pageSize int
	http     *http.Client
}

// NewHTTPClient creates a provider client. A zero Timeout leaves per-call
// deadlines to the caller's context.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return &HTTPClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		clientID: cfg.ClientID,
		secret:   cfg.Secret,
		pageSize: pageSize,
		http:     &http.Client{Timeout: cfg.Timeout},
	}
}

type syncRequest struct {
	ClientID    string  `json:"client_id"`
	Secret      string  `json:"secret"`
	AccessToken string  `json:"access_token"`
	Cursor      *string `json:"cursor,omitempty"`
	Count       int     `json:"count"`
}

// syncResponse keeps records raw so each one can be decoded and archived on
// its own.
type syncResponse struct {
	Added      []json.RawMessage `json:"added"`
	Modified   []json.RawMessage `json:"modified"`
	Removed    []RemovedRecord   `json:"removed"`
	Accounts   []AccountRecord   `json:"accounts"`
	NextCursor string            `json:"next_cursor"`
	HasMore    bool              `json:"has_more"`
}

// FetchIncrementalChanges implements Client.
func (c *HTTPClient) FetchIncrementalChanges(ctx context.Context, credentialRef string, cursor domain.Cursor) (*ChangePage, error) {
	req := syncRequest{
		ClientID:    c.clientID,
		Secret:      c.secret,
		AccessToken: credentialRef,
		Count:       c.pageSize,
	}
	if cursor.Valid {
		v := cursor.Value
		req.Cursor = &v
	}

	var resp syncResponse
	if err := c.post(ctx, "FetchIncrementalChanges", syncPath, req, &resp); err != nil {
		return nil, err
	}

	page := &ChangePage{
		Added:      decodeRecords(ctx, resp.Added),
		Modified:   decodeRecords(ctx, resp.Modified),
		Removed:    resp.Removed,
		Accounts:   resp.Accounts,
		NextCursor: resp.NextCursor,
		HasMore:    resp.HasMore,
	}
	return page, nil
}

type balanceRequest struct {
	ClientID    string `json:"client_id"`
	Secret      string `json:"secret"`
	AccessToken string `json:"access_token"`
}

type balanceResponse struct {
	Accounts  []AccountRecord `json:"accounts"`
	RequestID string          `json:"request_id"`
}

// FetchAccountBalances implements Client.
func (c *HTTPClient) FetchAccountBalances(ctx context.Context, credentialRef string) ([]AccountRecord, error) {
	req := balanceRequest{
		ClientID:    c.clientID,
		Secret:      c.secret,
		AccessToken: credentialRef,
	}
	var resp balanceResponse
	if err := c.post(ctx, "FetchAccountBalances", balancePath, req, &resp); err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

func (c *HTTPClient) post(ctx context.Context, op, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encoding request: %w", op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: building request: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return classifyTransport(ctx, op, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return classifyTransport(ctx, op, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: httpResp.StatusCode}
		if err := json.Unmarshal(data, apiErr); err != nil {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return classify(op, apiErr, retryAfter(httpResp.Header.Get("Retry-After")))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	return nil
}

func decodeRecords(ctx context.Context, raw []json.RawMessage) []TransactionRecord {
	if len(raw) == 0 {
		return nil
	}
	log := logger.FromContext(ctx)
	records := make([]TransactionRecord, 0, len(raw))
	for _, r := range raw {
		var rec TransactionRecord
		if err := json.Unmarshal(r, &rec); err != nil {
			log.Warn().Err(err).Msg("Failed to decode provider transaction")
			rec = TransactionRecord{DecodeErr: err}
		}
		rec.Raw = append([]byte(nil), r...)
		records = append(records, rec)
	}
	return records
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

var _ Client = (*HTTPClient)(nil)
