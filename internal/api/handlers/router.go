package handlers

import (
	"net/http"

	"github.com/dvloznov/finance-sync/internal/api/middleware"
	"github.com/dvloznov/finance-sync/internal/jobs"
	"github.com/gorilla/mux"
)

var (
	methodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	notFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, http.StatusNotFound, "Not found")
	})
)

// NewRouter registers every API route. jobStore and publisher may be nil
// when the process runs without a queue.
func NewRouter(svc Service, publisher jobs.Publisher, jobStore jobs.JobStore) *mux.Router {
	r := mux.NewRouter()
	r.MethodNotAllowedHandler = methodNotAllowed
	r.NotFoundHandler = notFound

	// Every route stays on the root router. Method mismatches under a
	// subrouter come back as 404.
	r.HandleFunc("/health", Health).Methods(http.MethodGet)

	transactions := NewTransactionsHandler(svc)
	r.HandleFunc("/api/transactions", transactions.ListTransactions).Methods(http.MethodGet)
	r.HandleFunc("/api/transactions/{id}/category", transactions.SetCategory).Methods(http.MethodPut, http.MethodPost)
	r.HandleFunc("/api/review", transactions.ReviewQueue).Methods(http.MethodGet)

	reports := NewReportsHandler(svc)
	r.HandleFunc("/api/summaries/{month}", reports.GetSummary).Methods(http.MethodGet)
	r.HandleFunc("/api/snapshots", reports.GetSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/api/snapshots/{date}", reports.GetSnapshot).Methods(http.MethodGet)

	conns := NewConnectionsHandler(svc, publisher)
	r.HandleFunc("/api/sync", conns.TriggerSync).Methods(http.MethodPost)
	r.HandleFunc("/api/connections", conns.ListConnections).Methods(http.MethodGet)
	r.HandleFunc("/api/connections", conns.AddConnection).Methods(http.MethodPost)
	r.HandleFunc("/api/connections/{id}", conns.DeactivateConnection).Methods(http.MethodDelete)
	r.HandleFunc("/api/connections/{id}/sync", conns.EnqueueSync).Methods(http.MethodPost)

	if jobStore != nil {
		jobsHandler := NewJobsHandler(jobStore)
		r.HandleFunc("/api/jobs", jobsHandler.ListJobs).Methods(http.MethodGet)
		r.HandleFunc("/api/jobs/{id}", jobsHandler.GetJob).Methods(http.MethodGet)
	}

	return r
}
