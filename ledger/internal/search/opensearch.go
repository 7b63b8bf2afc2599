// Package search mirrors read-model rows into an OpenSearch index so
// external query services can search them. The mirror is best effort; the
// Postgres read model stays authoritative.
package search

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/arenaledger/arena-stack/ledger/internal/config"
	"github.com/arenaledger/arena-stack/ledger/internal/models"
)

const DefaultIndex = "arena-read-model"

// Mirror indexes read-model rows by aggregate id.
type Mirror struct {
	client *opensearch.Client
	index  string
}

// NewMirror connects to OpenSearch and verifies the cluster answers.
func NewMirror(cfg config.OpenSearchConfig) (*Mirror, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.Insecure,
			},
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	info, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to ping opensearch: %w", err)
	}
	defer info.Body.Close()

	if info.IsError() {
		return nil, fmt.Errorf("opensearch returned error: %s", info.Status())
	}

	index := cfg.Index
	if index == "" {
		index = DefaultIndex
	}
	return &Mirror{client: client, index: index}, nil
}

type bulkAction struct {
	Index bulkMeta `json:"index"`
}

type bulkMeta struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error,omitempty"`
	} `json:"items"`
}

// Index writes recs with one bulk request. Re-indexing a row replaces it.
func (m *Mirror) Index(ctx context.Context, recs []*models.ReadModelRecord) error {
	if len(recs) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, rec := range recs {
		if err := enc.Encode(bulkAction{Index: bulkMeta{Index: m.index, ID: rec.ID}}); err != nil {
			return err
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to marshal read model %s: %w", rec.ID, err)
		}
	}

	res, err := m.client.Bulk(
		bytes.NewReader(body.Bytes()),
		m.client.Bulk.WithContext(ctx),
		m.client.Bulk.WithIndex(m.index),
	)
	if err != nil {
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		b, _ := io.ReadAll(res.Body)
		return fmt.Errorf("bulk request rejected: %s - %s", res.Status(), string(b))
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("failed to decode bulk response: %w", err)
	}
	if !parsed.Errors {
		return nil
	}

	failed := 0
	var first string
	for _, item := range parsed.Items {
		for _, r := range item {
			if r.Error == nil {
				continue
			}
			if failed == 0 {
				first = fmt.Sprintf("%s: %s: %s", r.ID, r.Error.Type, r.Error.Reason)
			}
			failed++
		}
	}
	return fmt.Errorf("%d of %d rows failed to index (first: %s)", failed, len(recs), first)
}

// Ping reports whether the cluster is reachable.
func (m *Mirror) Ping(ctx context.Context) error {
	res, err := m.client.Info(m.client.Info.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("opensearch returned error: %s", res.Status())
	}
	return nil
}
