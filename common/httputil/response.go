package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// WriteJSON writes data as a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// ErrorObject is one entry of an error response. Code is stable and meant for
// machines; Detail is for humans.
type ErrorObject struct {
	Status int    `json:"status"`
	Code   string `json:"code"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

// ErrorResponse is the envelope for every non-2xx body.
type ErrorResponse struct {
	Errors []ErrorObject `json:"errors"`
}

// WriteError writes a single-error envelope.
func WriteError(w http.ResponseWriter, status int, code, detail string) {
	WriteJSON(w, status, ErrorResponse{Errors: []ErrorObject{{
		Status: status,
		Code:   code,
		Title:  http.StatusText(status),
		Detail: detail,
	}}})
}

// WriteNotFound writes a 404 naming the missing resource.
func WriteNotFound(w http.ResponseWriter, resource, id string) {
	WriteError(w, http.StatusNotFound, "not_found", resource+" "+id+" not found")
}

// WriteMethodNotAllowed writes a 405.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
}

// Pagination is a parsed page/limit pair. Page is 1-based.
type Pagination struct {
	Page  int
	Limit int
}

// Offset returns the row offset for the page.
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.Limit
}

// ParsePagination reads ?page= and ?limit=, falling back to page 1 and
// defaultLimit, and capping limit at maxLimit. Malformed values use defaults.
func ParsePagination(r *http.Request, defaultLimit, maxLimit int) Pagination {
	q := r.URL.Query()

	page, err := strconv.Atoi(q.Get("page"))
	if err != nil || page < 1 {
		page = 1
	}

	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit < 1 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	return Pagination{Page: page, Limit: limit}
}
