package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenaledger/arena-stack/common/httputil"
	"github.com/arenaledger/arena-stack/common/logging"
	"github.com/arenaledger/arena-stack/ledger/internal/models"
	"github.com/arenaledger/arena-stack/ledger/internal/processor"
	"github.com/arenaledger/arena-stack/ledger/internal/projection"
	"github.com/arenaledger/arena-stack/ledger/internal/scheduler"
)

// mockReconciliation is a func-field stub of Reconciliation.
type mockReconciliation struct {
	runRuleFunc    func(ctx context.Context, name string) (*models.RuleCheck, error)
	getReportsFunc func(ctx context.Context, page, limit int) (*models.ReportList, error)
	getReportFunc  func(ctx context.Context, id string) (*models.Report, error)
	summaryFunc    func(ctx context.Context) (*models.LatestSummary, error)
}

func (m *mockReconciliation) RunRule(ctx context.Context, name string) (*models.RuleCheck, error) {
	if m.runRuleFunc != nil {
		return m.runRuleFunc(ctx, name)
	}
	return &models.RuleCheck{Inconsistencies: []models.Inconsistency{}}, nil
}

func (m *mockReconciliation) GetReports(ctx context.Context, page, limit int) (*models.ReportList, error) {
	if m.getReportsFunc != nil {
		return m.getReportsFunc(ctx, page, limit)
	}
	return &models.ReportList{Reports: []*models.Report{}, Page: page, Limit: limit}, nil
}

func (m *mockReconciliation) GetReportByID(ctx context.Context, id string) (*models.Report, error) {
	if m.getReportFunc != nil {
		return m.getReportFunc(ctx, id)
	}
	return nil, fmt.Errorf("report %s: %w", id, models.ErrNotFound)
}

func (m *mockReconciliation) GetLatestReportSummary(ctx context.Context) (*models.LatestSummary, error) {
	if m.summaryFunc != nil {
		return m.summaryFunc(ctx)
	}
	return &models.LatestSummary{Summary: models.NewSummary(nil)}, nil
}

type mockScheduler struct {
	status  scheduler.Status
	runFunc func(ctx context.Context) (*models.Report, error)
}

func (m *mockScheduler) RunManual(ctx context.Context) (*models.Report, error) {
	if m.runFunc != nil {
		return m.runFunc(ctx)
	}
	return &models.Report{ID: "rep-1", Type: models.ReportManual, Status: models.ReportCompleted, Summary: models.NewSummary(nil)}, nil
}

func (m *mockScheduler) Status() scheduler.Status { return m.status }

func (m *mockScheduler) SetEnabled(enabled bool) scheduler.Status {
	m.status.Enabled = enabled
	return m.status
}

type mockViews struct {
	refreshFunc func(ctx context.Context) (*projection.RefreshResult, error)
	statsFunc   func(ctx context.Context, id string) (*models.Statistics, error)
	topLimit    int
}

func (m *mockViews) FullRefresh(ctx context.Context) (*projection.RefreshResult, error) {
	if m.refreshFunc != nil {
		return m.refreshFunc(ctx)
	}
	return &projection.RefreshResult{Rows: 3, Changed: 1, Duration: 15 * time.Millisecond}, nil
}

func (m *mockViews) GetStatistics(ctx context.Context, id string) (*models.Statistics, error) {
	if m.statsFunc != nil {
		return m.statsFunc(ctx, id)
	}
	return nil, fmt.Errorf("read model %s: %w", id, models.ErrNotFound)
}

func (m *mockViews) GetTopByRegistration(ctx context.Context, limit int) ([]*models.ReadModelRecord, error) {
	m.topLimit = limit
	return nil, nil
}

type mockIngester struct {
	result processor.Result
	err    error
	seen   *models.RawEvent
}

func (m *mockIngester) Ingest(ctx context.Context, ev *models.RawEvent) (processor.Result, error) {
	m.seen = ev
	return m.result, m.err
}

func (m *mockIngester) Reprocess(ctx context.Context, limit int) (*processor.ReprocessResult, error) {
	return &processor.ReprocessResult{Attempted: limit}, nil
}

type mockPinger struct{ err error }

func (m mockPinger) Ping(ctx context.Context) error { return m.err }

func newTestHandler(d Deps) *Handler {
	if d.Reconciliation == nil {
		d.Reconciliation = &mockReconciliation{}
	}
	if d.Scheduler == nil {
		d.Scheduler = &mockScheduler{}
	}
	if d.Views == nil {
		d.Views = &mockViews{}
	}
	if d.Ingester == nil {
		d.Ingester = &mockIngester{result: processor.ResultApplied}
	}
	if d.Store == nil {
		d.Store = mockPinger{}
	}
	return NewHandler(d, logging.Discard())
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) httputil.ErrorObject {
	t.Helper()
	var body httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Errors, 1)
	return body.Errors[0]
}

func TestHealthCheck(t *testing.T) {
	h := newTestHandler(Deps{})
	w := httptest.NewRecorder()
	h.HealthCheck(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","service":"ledger"}`, w.Body.String())
}

func TestReadyCheck(t *testing.T) {
	w := httptest.NewRecorder()
	newTestHandler(Deps{}).ReadyCheck(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	newTestHandler(Deps{Store: mockPinger{err: errors.New("dial tcp: refused")}}).
		ReadyCheck(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotContains(t, w.Body.String(), "dial tcp", "internal errors are not echoed")
}

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"run in progress", models.ErrRunInProgress, http.StatusConflict, "run_in_progress"},
		{"not found", fmt.Errorf("report x: %w", models.ErrNotFound), http.StatusNotFound, "not_found"},
		{"unknown rule", fmt.Errorf("%w: bogus", models.ErrUnknownRule), http.StatusNotFound, "not_found"},
		{"conflict", &models.ConflictError{AggregateID: "a1", Expected: 3, Actual: 4}, http.StatusConflict, "conflict"},
		{"duplicate", fmt.Errorf("bet b1: %w", models.ErrAlreadyExists), http.StatusConflict, "conflict"},
		{"invalid event", models.InvalidEvent("rating out of range"), http.StatusBadRequest, "invalid_request"},
		{"storage", fmt.Errorf("%w: connection reset", models.ErrStorageFailure), http.StatusServiceUnavailable, "storage_failure"},
		{"rule", fmt.Errorf("negative-balances: %w: boom", models.ErrRuleExecution), http.StatusInternalServerError, "rule_execution_failure"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	h := newTestHandler(Deps{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.writeServiceError(w, httptest.NewRequest(http.MethodGet, "/x", nil), tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)
			e := decodeError(t, w)
			assert.Equal(t, tt.wantCode, e.Code)
			assert.Equal(t, tt.wantStatus, e.Status)
			if tt.wantStatus >= 500 {
				assert.NotContains(t, e.Detail, "boom")
				assert.NotContains(t, e.Detail, "connection reset")
			}
		})
	}
}

func TestRunReconciliation(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		h := newTestHandler(Deps{})
		w := httptest.NewRecorder()
		h.RunReconciliation(w, httptest.NewRequest(http.MethodPost, "/admin/reconciliation/run", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		var report models.Report
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
		assert.Equal(t, "rep-1", report.ID)
		assert.Equal(t, models.ReportManual, report.Type)
	})

	t.Run("already running", func(t *testing.T) {
		h := newTestHandler(Deps{Scheduler: &mockScheduler{runFunc: func(ctx context.Context) (*models.Report, error) {
			return nil, models.ErrRunInProgress
		}}})
		w := httptest.NewRecorder()
		h.RunReconciliation(w, httptest.NewRequest(http.MethodPost, "/admin/reconciliation/run", nil))

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "run_in_progress", decodeError(t, w).Code)
	})

	t.Run("failed run returns the stored report", func(t *testing.T) {
		h := newTestHandler(Deps{Scheduler: &mockScheduler{runFunc: func(ctx context.Context) (*models.Report, error) {
			return &models.Report{
				ID:          "rep-3",
				Type:        models.ReportManual,
				Status:      models.ReportFailed,
				Summary:     models.NewSummary(nil),
				FailedRules: []models.RuleFailure{{Rule: "negative-balances", Error: "boom"}},
			}, nil
		}}})
		w := httptest.NewRecorder()
		h.RunReconciliation(w, httptest.NewRequest(http.MethodPost, "/admin/reconciliation/run", nil))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		var body struct {
			Errors []httputil.ErrorObject `json:"errors"`
			Report *models.Report         `json:"report"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.Len(t, body.Errors, 1)
		assert.Equal(t, "rule_execution_failure", body.Errors[0].Code)
		require.NotNil(t, body.Report)
		assert.Equal(t, "rep-3", body.Report.ID)
		assert.Equal(t, models.ReportFailed, body.Report.Status)
		require.Len(t, body.Report.FailedRules, 1)
		assert.Equal(t, "negative-balances", body.Report.FailedRules[0].Rule)
	})

	t.Run("survives client disconnect", func(t *testing.T) {
		var runCtxErr error
		h := newTestHandler(Deps{Scheduler: &mockScheduler{runFunc: func(ctx context.Context) (*models.Report, error) {
			runCtxErr = ctx.Err()
			return &models.Report{ID: "rep-2"}, nil
		}}})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		req := httptest.NewRequest(http.MethodPost, "/admin/reconciliation/run", nil).WithContext(ctx)

		h.RunReconciliation(httptest.NewRecorder(), req)
		assert.NoError(t, runCtxErr)
	})
}

func TestListReports_Pagination(t *testing.T) {
	var gotPage, gotLimit int
	h := newTestHandler(Deps{Reconciliation: &mockReconciliation{
		getReportsFunc: func(ctx context.Context, page, limit int) (*models.ReportList, error) {
			gotPage, gotLimit = page, limit
			return &models.ReportList{Reports: []*models.Report{}, Page: page, Limit: limit, Total: 41}, nil
		},
	}})

	tests := []struct {
		query               string
		wantPage, wantLimit int
	}{
		{"", 1, 20},
		{"?page=3&limit=10", 3, 10},
		{"?page=0&limit=500", 1, 100},
		{"?page=abc&limit=-1", 1, 20},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.ListReports(w, httptest.NewRequest(http.MethodGet, "/admin/reconciliation/reports"+tt.query, nil))

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.wantPage, gotPage)
			assert.Equal(t, tt.wantLimit, gotLimit)

			var list models.ReportList
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
			assert.Equal(t, 41, list.Total)
			assert.NotNil(t, list.Reports)
		})
	}
}

func TestSchedulerToggle(t *testing.T) {
	sched := &mockScheduler{status: scheduler.Status{Enabled: true}}
	h := newTestHandler(Deps{Scheduler: sched})

	w := httptest.NewRecorder()
	h.DisableScheduler(w, httptest.NewRequest(http.MethodPost, "/admin/reconciliation/scheduler/disable", nil))
	assert.JSONEq(t, `{"enabled":false,"isRunning":false,"isQuickCheckRunning":false}`, w.Body.String())

	w = httptest.NewRecorder()
	h.EnableScheduler(w, httptest.NewRequest(http.MethodPost, "/admin/reconciliation/scheduler/enable", nil))
	assert.JSONEq(t, `{"enabled":true,"isRunning":false,"isQuickCheckRunning":false}`, w.Body.String())
}

func TestTopEvents_Limit(t *testing.T) {
	views := &mockViews{}
	h := newTestHandler(Deps{Views: views})

	w := httptest.NewRecorder()
	h.TopEvents(w, httptest.NewRequest(http.MethodGet, "/api/v1/events/top?limit=5", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, views.topLimit)
	assert.JSONEq(t, `{"events":[]}`, w.Body.String())

	w = httptest.NewRecorder()
	h.TopEvents(w, httptest.NewRequest(http.MethodGet, "/api/v1/events/top", nil))
	assert.Equal(t, 0, views.topLimit, "service applies the default")

	w = httptest.NewRecorder()
	h.TopEvents(w, httptest.NewRequest(http.MethodGet, "/api/v1/events/top?limit=ten", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", decodeError(t, w).Code)
}

func TestRefreshViews(t *testing.T) {
	h := newTestHandler(Deps{})
	w := httptest.NewRecorder()
	h.RefreshViews(w, httptest.NewRequest(http.MethodPost, "/admin/views/refresh", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"rows":3,"changed":1,"durationMs":15}`, w.Body.String())

	failing := newTestHandler(Deps{Views: &mockViews{refreshFunc: func(ctx context.Context) (*projection.RefreshResult, error) {
		return nil, fmt.Errorf("%w: lock timeout", models.ErrStorageFailure)
	}}})
	w = httptest.NewRecorder()
	failing.RefreshViews(w, httptest.NewRequest(http.MethodPost, "/admin/views/refresh", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestIngestEvent(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		ingester   *mockIngester
		wantStatus int
	}{
		{"applied", `{"eventId":"tx1:0","type":"create","payload":{}}`, &mockIngester{result: processor.ResultApplied}, http.StatusCreated},
		{"duplicate", `{"eventId":"tx1:0","type":"create","payload":{}}`, &mockIngester{result: processor.ResultDuplicate}, http.StatusOK},
		{"malformed", `{"eventId":`, &mockIngester{}, http.StatusBadRequest},
		{"rejected", `{"eventId":"tx2:0","type":"mint"}`, &mockIngester{err: models.InvalidEvent("unsupported type")}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(Deps{Ingester: tt.ingester})
			w := httptest.NewRecorder()
			h.IngestEvent(w, httptest.NewRequest(http.MethodPost, "/admin/events", strings.NewReader(tt.body)))
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}

	ing := &mockIngester{result: processor.ResultApplied}
	h := newTestHandler(Deps{Ingester: ing})
	h.IngestEvent(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/admin/events",
		strings.NewReader(`{"eventId":"tx3:0","type":"deposit"}`)))
	require.NotNil(t, ing.seen)
	assert.False(t, ing.seen.Timestamp.IsZero(), "missing chain time defaults to now")
}
