package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/arenaledger/arena-stack/common/httputil"
	"github.com/arenaledger/arena-stack/ledger/internal/models"
	"github.com/arenaledger/arena-stack/ledger/internal/processor"
)

const (
	defaultReprocessLimit = 100
	maxReprocessLimit     = 1000
	maxEventBody          = 1 << 20
)

// EventStatistics handles GET /api/v1/events/{id}/statistics
func (h *Handler) EventStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.views.GetStatistics(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

// TopEvents handles GET /api/v1/events/top?limit=
func (h *Handler) TopEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httputil.WriteError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}

	rows, err := h.views.GetTopByRegistration(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if rows == nil {
		rows = []*models.ReadModelRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": rows})
}

// GetAggregate handles GET /api/v1/events/{id}
func (h *Handler) GetAggregate(w http.ResponseWriter, r *http.Request) {
	agg, err := h.writes.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, agg)
}

// AggregateHistory handles GET /api/v1/events/{id}/history
func (h *Handler) AggregateHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	history, err := h.writes.History(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if len(history) == 0 {
		httputil.WriteNotFound(w, "event", id)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"aggregateId": id, "versions": history})
}

type refreshResponse struct {
	Rows       int   `json:"rows"`
	Changed    int   `json:"changed"`
	DurationMs int64 `json:"durationMs"`
}

// RefreshViews handles POST /admin/views/refresh
func (h *Handler) RefreshViews(w http.ResponseWriter, r *http.Request) {
	res, err := h.views.FullRefresh(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, refreshResponse{
		Rows:       res.Rows,
		Changed:    res.Changed,
		DurationMs: res.Duration.Milliseconds(),
	})
}

// IngestEvent handles POST /admin/events. It feeds the processor directly, for
// backfills from an indexer when the stream is not available.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var ev models.RawEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody)).Decode(&ev); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_request", "body must be a chain event")
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	result, err := h.ingest.Ingest(r.Context(), &ev)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result == processor.ResultDuplicate {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, map[string]string{"eventId": ev.EventID, "result": string(result)})
}

// ReprocessEvents handles POST /admin/events/reprocess?limit=
func (h *Handler) ReprocessEvents(w http.ResponseWriter, r *http.Request) {
	p := httputil.ParsePagination(r, defaultReprocessLimit, maxReprocessLimit)
	res, err := h.ingest.Reprocess(r.Context(), p.Limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}
