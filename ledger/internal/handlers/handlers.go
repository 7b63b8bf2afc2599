// Package handlers provides HTTP request handlers for the ledger service.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/arenaledger/arena-stack/common/httputil"
	"github.com/arenaledger/arena-stack/common/logging"
	"github.com/arenaledger/arena-stack/ledger/internal/models"
	"github.com/arenaledger/arena-stack/ledger/internal/processor"
	"github.com/arenaledger/arena-stack/ledger/internal/projection"
	"github.com/arenaledger/arena-stack/ledger/internal/scheduler"
)

// Reconciliation is the report side of the reconciliation service.
type Reconciliation interface {
	RunRule(ctx context.Context, name string) (*models.RuleCheck, error)
	GetReports(ctx context.Context, page, limit int) (*models.ReportList, error)
	GetReportByID(ctx context.Context, id string) (*models.Report, error)
	GetLatestReportSummary(ctx context.Context) (*models.LatestSummary, error)
}

// Scheduler guards full runs and exposes the toggle.
type Scheduler interface {
	RunManual(ctx context.Context) (*models.Report, error)
	Status() scheduler.Status
	SetEnabled(enabled bool) scheduler.Status
}

// Views serves the read model.
type Views interface {
	FullRefresh(ctx context.Context) (*projection.RefreshResult, error)
	GetStatistics(ctx context.Context, aggregateID string) (*models.Statistics, error)
	GetTopByRegistration(ctx context.Context, limit int) ([]*models.ReadModelRecord, error)
}

// WriteModel serves aggregate state and history.
type WriteModel interface {
	Get(ctx context.Context, aggregateID string) (*models.Aggregate, error)
	History(ctx context.Context, aggregateID string) ([]models.VersionLogEntry, error)
}

// Ingester applies raw events pushed over HTTP and sweeps failed ones.
type Ingester interface {
	Ingest(ctx context.Context, ev *models.RawEvent) (processor.Result, error)
	Reprocess(ctx context.Context, limit int) (*processor.ReprocessResult, error)
}

// Pinger reports storage reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides HTTP handlers for the ledger service
type Handler struct {
	recon  Reconciliation
	sched  Scheduler
	views  Views
	writes WriteModel
	ingest Ingester
	store  Pinger
	logger *logging.Logger
}

// Deps groups the services the handlers call.
type Deps struct {
	Reconciliation Reconciliation
	Scheduler      Scheduler
	Views          Views
	WriteModel     WriteModel
	Ingester       Ingester
	Store          Pinger
}

// NewHandler creates a new Handler instance
func NewHandler(d Deps, logger *logging.Logger) *Handler {
	return &Handler{
		recon:  d.Reconciliation,
		sched:  d.Scheduler,
		views:  d.Views,
		writes: d.WriteModel,
		ingest: d.Ingester,
		store:  d.Store,
		logger: logger.Component("http"),
	}
}

// =============================================================================
// Error Mapping
// =============================================================================

// writeServiceError maps a service error to a status and stable code. Server
// side failures get a fixed detail; the cause is only logged.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrRunInProgress):
		httputil.WriteError(w, http.StatusConflict, "run_in_progress", err.Error())
		return
	case errors.Is(err, models.ErrUnknownRule), errors.Is(err, models.ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, "not_found", err.Error())
		return
	case errors.Is(err, models.ErrConcurrencyConflict),
		errors.Is(err, models.ErrAggregateExists),
		errors.Is(err, models.ErrAggregateDeleted),
		errors.Is(err, models.ErrAlreadyExists):
		httputil.WriteError(w, http.StatusConflict, "conflict", err.Error())
		return
	case errors.Is(err, models.ErrInvalidEvent):
		httputil.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	h.logger.ErrorContext(r.Context(), "Request failed",
		"method", r.Method,
		"path", r.URL.Path,
		logging.Error(err))

	switch {
	case errors.Is(err, models.ErrRuleExecution):
		httputil.WriteError(w, http.StatusInternalServerError, "rule_execution_failure", "a reconciliation rule failed")
	case errors.Is(err, models.ErrStorageFailure):
		httputil.WriteError(w, http.StatusServiceUnavailable, "storage_failure", "storage is unavailable")
	default:
		httputil.WriteError(w, http.StatusInternalServerError, "internal_error", "unexpected error")
	}
}

// =============================================================================
// Health Check Handlers
// =============================================================================

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Error   string `json:"error,omitempty"`
}

// HealthCheck handles GET /healthz
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, healthResponse{Status: "ok", Service: "ledger"})
}

// ReadyCheck handles GET /readyz. The service is ready when storage answers.
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			h.logger.WarnContext(r.Context(), "Readiness check failed", logging.Error(err))
			httputil.WriteJSON(w, http.StatusServiceUnavailable, healthResponse{
				Status:  "unavailable",
				Service: "ledger",
				Error:   "storage unreachable",
			})
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, healthResponse{Status: "ready", Service: "ledger"})
}
