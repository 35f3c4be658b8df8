package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dvloznov/finance-sync/internal/api/middleware"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/jobs"
	"github.com/dvloznov/finance-sync/internal/logger"
	"github.com/dvloznov/finance-sync/internal/service"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

// Service is the part of service.Service the HTTP layer calls.
type Service interface {
	TriggerSync(ctx context.Context, ownerID string) (*service.TriggerResult, error)
	EnqueueConnectionSync(ctx context.Context, pub jobs.Publisher, ownerID, connectionID string) (*jobs.SyncConnectionJob, error)
	GetTransactions(ctx context.Context, ownerID string, q service.TransactionQuery) ([]*domain.Transaction, error)
	SetUserCategory(ctx context.Context, ownerID, transactionID, category string) (*domain.Transaction, error)
	GetCashFlowSummary(ctx context.Context, ownerID, month string) (*domain.CashFlowSummary, error)
	GetNetWorthSnapshot(ctx context.Context, ownerID, date string) (*domain.NetWorthSnapshot, error)
	AddConnection(ctx context.Context, conn *domain.Connection) error
	ListConnections(ctx context.Context, ownerID string) ([]*domain.Connection, error)
	DeactivateConnection(ctx context.Context, ownerID, connectionID string) error
	ReviewQueue(ctx context.Context, ownerID string, limit int) ([]service.ReviewItem, error)
}

var _ Service = (*service.Service)(nil)

// writeServiceError maps service errors to HTTP statuses. Internal errors
// are logged and hidden from the caller.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, jobs.ErrJobNotFound):
		middleware.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidArgument), errors.Is(err, domain.ErrUnknownCategory):
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrOwnerMismatch):
		middleware.WriteError(w, http.StatusConflict, "connection is registered to another owner")
	default:
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg(msg)
		middleware.WriteError(w, http.StatusInternalServerError, msg)
	}
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// TransactionsHandler handles transaction endpoints.
type TransactionsHandler struct {
	svc Service
}

// NewTransactionsHandler creates a new transactions handler.
func NewTransactionsHandler(svc Service) *TransactionsHandler {
	return &TransactionsHandler{svc: svc}
}

// ListTransactions handles GET /api/transactions
func (h *TransactionsHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := service.TransactionQuery{
		AccountID: query.Get("account_id"),
		Month:     query.Get("month"),
		From:      query.Get("from"),
		To:        query.Get("to"),
		Category:  query.Get("category"),
	}
	if v := query.Get("unreviewed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid unreviewed value")
			return
		}
		q.UnreviewedOnly = b
	}
	var err error
	if q.Limit, err = queryInt(r, "limit"); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	if q.Offset, err = queryInt(r, "offset"); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid offset")
		return
	}

	txs, err := h.svc.GetTransactions(r.Context(), middleware.OwnerID(r.Context()), q)
	if err != nil {
		writeServiceError(w, r, err, "Failed to list transactions")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"count":        len(txs),
	})
}

// SetCategory handles PUT /api/transactions/{id}/category
func (h *TransactionsHandler) SetCategory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category string `json:"category"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Category == "" {
		middleware.WriteError(w, http.StatusBadRequest, "Category is required")
		return
	}

	tx, err := h.svc.SetUserCategory(r.Context(), middleware.OwnerID(r.Context()), mux.Vars(r)["id"], req.Category)
	if err != nil {
		writeServiceError(w, r, err, "Failed to set category")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, tx)
}

// ReviewQueue handles GET /api/review
func (h *TransactionsHandler) ReviewQueue(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	items, err := h.svc.ReviewQueue(r.Context(), middleware.OwnerID(r.Context()), limit)
	if err != nil {
		writeServiceError(w, r, err, "Failed to build review queue")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

// ReportsHandler serves cash-flow summaries and net-worth snapshots.
type ReportsHandler struct {
	svc Service
}

// NewReportsHandler creates a new reports handler.
func NewReportsHandler(svc Service) *ReportsHandler {
	return &ReportsHandler{svc: svc}
}

// GetSummary handles GET /api/summaries/{month}
func (h *ReportsHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.GetCashFlowSummary(r.Context(), middleware.OwnerID(r.Context()), mux.Vars(r)["month"])
	if err != nil {
		writeServiceError(w, r, err, "Failed to compute summary")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, summary)
}

// GetSnapshot handles GET /api/snapshots/{date} and GET /api/snapshots
// (today).
func (h *ReportsHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.GetNetWorthSnapshot(r.Context(), middleware.OwnerID(r.Context()), mux.Vars(r)["date"])
	if err != nil {
		writeServiceError(w, r, err, "Failed to compute snapshot")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, snap)
}

// ConnectionsHandler handles connection and sync endpoints.
type ConnectionsHandler struct {
	svc       Service
	publisher jobs.Publisher
}

// NewConnectionsHandler creates a new connections handler. A nil publisher
// disables the queued sync endpoint.
func NewConnectionsHandler(svc Service, publisher jobs.Publisher) *ConnectionsHandler {
	return &ConnectionsHandler{svc: svc, publisher: publisher}
}

// TriggerSync handles POST /api/sync. It runs the sync inline and returns
// the per-connection results.
func (h *ConnectionsHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.TriggerSync(r.Context(), middleware.OwnerID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err, "Failed to sync")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, res)
}

// EnqueueSync handles POST /api/connections/{id}/sync
func (h *ConnectionsHandler) EnqueueSync(w http.ResponseWriter, r *http.Request) {
	if h.publisher == nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "Job queue is not configured")
		return
	}
	job, err := h.svc.EnqueueConnectionSync(r.Context(), h.publisher, middleware.OwnerID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, r, err, "Failed to enqueue sync job")
		return
	}
	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.JobID,
		"status": string(job.Status),
	})
}

// ListConnections handles GET /api/connections
func (h *ConnectionsHandler) ListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := h.svc.ListConnections(r.Context(), middleware.OwnerID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err, "Failed to list connections")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"connections": conns,
		"count":       len(conns),
	})
}

// AddConnection handles POST /api/connections
func (h *ConnectionsHandler) AddConnection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConnectionID     string   `json:"connection_id"`
		CredentialRef    string   `json:"credential_ref"`
		InstitutionLabel string   `json:"institution_label"`
		AccountIDs       []string `json:"account_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	conn := &domain.Connection{
		ConnectionID:     req.ConnectionID,
		OwnerID:          middleware.OwnerID(r.Context()),
		CredentialRef:    req.CredentialRef,
		InstitutionLabel: req.InstitutionLabel,
		AccountIDs:       req.AccountIDs,
	}
	if err := h.svc.AddConnection(r.Context(), conn); err != nil {
		writeServiceError(w, r, err, "Failed to add connection")
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, map[string]string{"connection_id": conn.ConnectionID})
}

// DeactivateConnection handles DELETE /api/connections/{id}
func (h *ConnectionsHandler) DeactivateConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeactivateConnection(r.Context(), middleware.OwnerID(r.Context()), mux.Vars(r)["id"]); err != nil {
		writeServiceError(w, r, err, "Failed to deactivate connection")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	store jobs.JobStore
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore) *JobsHandler {
	return &JobsHandler{store: store}
}

// GetJob handles GET /api/jobs/{id}. Jobs of other owners are not found.
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	job, err := h.store.GetJob(r.Context(), jobID)
	if err == nil && job.OwnerID != middleware.OwnerID(r.Context()) {
		err = jobs.ErrJobNotFound
	}
	if err != nil {
		writeServiceError(w, r, err, "Failed to get job")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := jobs.JobFilter{
		OwnerID:      middleware.OwnerID(r.Context()),
		ConnectionID: query.Get("connection_id"),
		Status:       jobs.JobStatus(query.Get("status")),
	}
	if limit, err := queryInt(r, "limit"); err == nil {
		filter.Limit = limit
	}
	if offset, err := queryInt(r, "offset"); err == nil {
		filter.Offset = offset
	}

	jobsList, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err, "Failed to list jobs")
		return
	}
	if jobsList == nil {
		jobsList = []*jobs.SyncConnectionJob{}
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}

// Health handles GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}
