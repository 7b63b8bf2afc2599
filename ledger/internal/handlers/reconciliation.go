package handlers

import (
	"context"
	"net/http"

	"github.com/arenaledger/arena-stack/common/httputil"
	"github.com/arenaledger/arena-stack/common/logging"
	"github.com/arenaledger/arena-stack/ledger/internal/models"
	"github.com/arenaledger/arena-stack/ledger/internal/reconciliation"
)

// failedRunResponse is the error envelope for a run whose rules all failed.
// The stored report rides along so callers see which rules broke.
type failedRunResponse struct {
	Errors []httputil.ErrorObject `json:"errors"`
	Report *models.Report         `json:"report"`
}

// RunReconciliation handles POST /admin/reconciliation/run. The run outlives
// a client that disconnects so its report is still stored. A FAILED report is
// answered with 500 rule_execution_failure.
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	report, err := h.sched.RunManual(context.WithoutCancel(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "Manual reconciliation finished",
		logging.ReportID(report.ID),
		"status", string(report.Status),
		"total", report.Summary.Total)
	if report.Status == models.ReportFailed {
		httputil.WriteJSON(w, http.StatusInternalServerError, failedRunResponse{
			Errors: []httputil.ErrorObject{{
				Status: http.StatusInternalServerError,
				Code:   "rule_execution_failure",
				Title:  http.StatusText(http.StatusInternalServerError),
				Detail: "reconciliation run failed",
			}},
			Report: report,
		})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

// ListReports handles GET /admin/reconciliation/reports?page=&limit=
func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	p := httputil.ParsePagination(r, reconciliation.DefaultReportLimit, reconciliation.MaxReportLimit)
	list, err := h.recon.GetReports(r.Context(), p.Page, p.Limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

// GetReport handles GET /admin/reconciliation/reports/{id}
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	report, err := h.recon.GetReportByID(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

// LatestSummary handles GET /admin/reconciliation/summary
func (h *Handler) LatestSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.recon.GetLatestReportSummary(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, summary)
}

// SchedulerStatus handles GET /admin/reconciliation/status
func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.sched.Status())
}

// EnableScheduler handles POST /admin/reconciliation/scheduler/enable
func (h *Handler) EnableScheduler(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.sched.SetEnabled(true))
}

// DisableScheduler handles POST /admin/reconciliation/scheduler/disable
func (h *Handler) DisableScheduler(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.sched.SetEnabled(false))
}

// CheckRule handles GET /admin/reconciliation/check/{rule}
func (h *Handler) CheckRule(w http.ResponseWriter, r *http.Request) {
	check, err := h.recon.RunRule(r.Context(), r.PathValue("rule"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, check)
}
