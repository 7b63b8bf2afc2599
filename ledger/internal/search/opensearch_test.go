package search

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenaledger/arena-stack/ledger/internal/config"
	"github.com/arenaledger/arena-stack/ledger/internal/models"
)

// fakeCluster answers the info and bulk endpoints and remembers bulk lines.
type fakeCluster struct {
	mu       sync.Mutex
	lines    []map[string]any
	bulkBody string
}

func (f *fakeCluster) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/":
			w.Write([]byte(`{"name":"test-node","cluster_name":"test","version":{"number":"2.11.0"}}`))
		case r.Method == http.MethodPost && (r.URL.Path == "/_bulk" || r.URL.Path == "/arena-test/_bulk"):
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			f.mu.Lock()
			sc := bufio.NewScanner(bytes.NewReader(body))
			for sc.Scan() {
				var line map[string]any
				require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
				f.lines = append(f.lines, line)
			}
			resp := f.bulkBody
			f.mu.Unlock()
			if resp == "" {
				resp = `{"took":1,"errors":false,"items":[]}`
			}
			w.Write([]byte(resp))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newMirror(t *testing.T, f *fakeCluster) *Mirror {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	m, err := NewMirror(config.OpenSearchConfig{URL: srv.URL, Index: "arena-test", Insecure: true})
	require.NoError(t, err)
	return m
}

func TestNewMirror_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	m, err := NewMirror(config.OpenSearchConfig{URL: srv.URL})
	assert.Error(t, err)
	assert.Nil(t, m)
}

func TestMirror_Index(t *testing.T) {
	f := &fakeCluster{}
	m := newMirror(t, f)

	avg := 4.5
	err := m.Index(context.Background(), []*models.ReadModelRecord{
		{ID: "a1", Title: "Final", Capacity: 100, Published: true, RegisteredCount: 7, AverageRating: &avg},
		{ID: "a2", Title: "Semi", Capacity: 50},
	})
	require.NoError(t, err)

	require.Len(t, f.lines, 4, "one action line and one source line per row")
	action := f.lines[0]["index"].(map[string]any)
	assert.Equal(t, "arena-test", action["_index"])
	assert.Equal(t, "a1", action["_id"])
	assert.Equal(t, "Final", f.lines[1]["title"])
	assert.Equal(t, float64(7), f.lines[1]["registeredCount"])
	assert.Equal(t, "a2", f.lines[2]["index"].(map[string]any)["_id"])
}

func TestMirror_IndexEmptyIsNoop(t *testing.T) {
	f := &fakeCluster{}
	m := newMirror(t, f)

	require.NoError(t, m.Index(context.Background(), nil))
	assert.Empty(t, f.lines)
}

func TestMirror_IndexItemErrors(t *testing.T) {
	f := &fakeCluster{bulkBody: `{"took":1,"errors":true,"items":[
		{"index":{"_id":"a1","status":201}},
		{"index":{"_id":"a2","status":400,"error":{"type":"mapper_parsing_exception","reason":"bad title"}}}
	]}`}
	m := newMirror(t, f)

	err := m.Index(context.Background(), []*models.ReadModelRecord{{ID: "a1"}, {ID: "a2"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 rows failed")
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}

func TestMirror_Ping(t *testing.T) {
	m := newMirror(t, &fakeCluster{})
	assert.NoError(t, m.Ping(context.Background()))
}
