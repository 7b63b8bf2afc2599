// Package server provides HTTP server setup for the ledger service.
package server

import (
	"net/http"

	"github.com/arenaledger/arena-stack/common/middleware"
	"github.com/arenaledger/arena-stack/ledger/internal/handlers"
)

// Options configures the router edges.
type Options struct {
	// Admin guards /admin routes. Nil leaves them open.
	Admin func(http.Handler) http.Handler
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// CORSOrigins enables CORS for the listed origins.
	CORSOrigins []string
}

// NewRouter constructs a ServeMux with ledger routes registered.
func NewRouter(h *handlers.Handler, opts Options) http.Handler {
	admin := opts.Admin
	if admin == nil {
		admin = func(next http.Handler) http.Handler { return next }
	}
	adminFunc := func(fn http.HandlerFunc) http.Handler { return admin(fn) }

	mux := http.NewServeMux()

	// Health check endpoints
	mux.HandleFunc("GET /healthz", h.HealthCheck)
	mux.HandleFunc("GET /readyz", h.ReadyCheck)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	// Read model
	mux.HandleFunc("GET /api/v1/events/top", h.TopEvents)
	mux.HandleFunc("GET /api/v1/events/{id}", h.GetAggregate)
	mux.HandleFunc("GET /api/v1/events/{id}/statistics", h.EventStatistics)
	mux.HandleFunc("GET /api/v1/events/{id}/history", h.AggregateHistory)

	// Reconciliation
	mux.Handle("POST /admin/reconciliation/run", adminFunc(h.RunReconciliation))
	mux.Handle("GET /admin/reconciliation/reports", adminFunc(h.ListReports))
	mux.Handle("GET /admin/reconciliation/reports/{id}", adminFunc(h.GetReport))
	mux.Handle("GET /admin/reconciliation/summary", adminFunc(h.LatestSummary))
	mux.Handle("GET /admin/reconciliation/status", adminFunc(h.SchedulerStatus))
	mux.Handle("POST /admin/reconciliation/scheduler/enable", adminFunc(h.EnableScheduler))
	mux.Handle("POST /admin/reconciliation/scheduler/disable", adminFunc(h.DisableScheduler))
	mux.Handle("GET /admin/reconciliation/check/{rule}", adminFunc(h.CheckRule))

	// Maintenance
	mux.Handle("POST /admin/views/refresh", adminFunc(h.RefreshViews))
	mux.Handle("POST /admin/events", adminFunc(h.IngestEvent))
	mux.Handle("POST /admin/events/reprocess", adminFunc(h.ReprocessEvents))

	var handler http.Handler = mux
	if len(opts.CORSOrigins) > 0 {
		handler = middleware.CORS(middleware.DefaultCORSConfig(opts.CORSOrigins))(handler)
	}
	return middleware.RequestID(handler)
}
