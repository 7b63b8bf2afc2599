// Package projection maintains the materialized read model. Full refreshes
// rebuild every row in one transaction; targeted refreshes rewrite one row
// under its lock. Rows are only written when a projected column changed.
package projection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arenaledger/arena-stack/common/logging"
	"github.com/arenaledger/arena-stack/ledger/internal/metrics"
	"github.com/arenaledger/arena-stack/ledger/internal/models"
	"github.com/arenaledger/arena-stack/ledger/internal/repository"
)

const (
	DefaultTopLimit  = 10
	MaxTopLimit      = 100
	DefaultQueueSize = 1024
)

// Sink receives rows after a refresh commits. A failing sink never rolls
// back the view.
type Sink interface {
	Index(ctx context.Context, records []*models.ReadModelRecord) error
}

// RefreshResult summarizes one refresh.
type RefreshResult struct {
	Rows     int           `json:"rows"`
	Changed  int           `json:"changed"`
	Duration time.Duration `json:"duration"`
}

// Service refreshes and queries the read model.
type Service struct {
	store   repository.Store
	logger  *logging.Logger
	metrics *metrics.Metrics
	sink    Sink

	queue   chan string
	mu      sync.Mutex
	pending map[string]struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithSink mirrors refreshed rows to s.
func WithSink(s Sink) Option {
	return func(svc *Service) { svc.sink = s }
}

// WithQueueSize bounds the asynchronous refresh queue.
func WithQueueSize(n int) Option {
	return func(svc *Service) {
		if n > 0 {
			svc.queue = make(chan string, n)
		}
	}
}

// NewService creates a projection service.
func NewService(store repository.Store, logger *logging.Logger, m *metrics.Metrics, opts ...Option) *Service {
	s := &Service{
		store:   store,
		logger:  logger.Component("projection"),
		metrics: m,
		queue:   make(chan string, DefaultQueueSize),
		pending: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FullRefresh recomputes every row from the write model and activity tables.
// Aggregates without a row are inserted. Any failure rolls back the whole
// refresh and leaves the previous view in place.
func (s *Service) FullRefresh(ctx context.Context) (*RefreshResult, error) {
	start := time.Now()
	var (
		rows    int
		changed []*models.ReadModelRecord
	)

	err := repository.RunInTx(ctx, s.store, func(tx repository.Tx) error {
		rows, changed = 0, nil

		current, err := tx.LockAllReadModels(ctx)
		if err != nil {
			return err
		}
		byID := make(map[string]*models.ReadModelRecord, len(current))
		for _, rec := range current {
			byID[rec.ID] = rec
		}

		aggs, err := tx.ListAggregates(ctx)
		if err != nil {
			return err
		}
		counts, err := tx.AllActivityCounts(ctx)
		if err != nil {
			return err
		}

		for _, agg := range aggs {
			rows++
			prev := byID[agg.ID]
			next := models.Project(agg, counts[agg.ID], prev)
			if next.Equal(prev) {
				continue
			}
			if err := tx.UpsertReadModel(ctx, next); err != nil {
				return err
			}
			changed = append(changed, next)
		}
		return nil
	})

	d := time.Since(start)
	s.metrics.Refresh("full", d, len(changed), err)
	if err != nil {
		s.logger.ErrorContext(ctx, "Full view refresh failed, rolled back",
			logging.Error(err),
			logging.Duration(d.Milliseconds()))
		return nil, err
	}

	s.mirror(ctx, changed)
	s.logger.InfoContext(ctx, "Full view refresh completed",
		"rows", rows,
		"changed", len(changed),
		logging.Duration(d.Milliseconds()))
	return &RefreshResult{Rows: rows, Changed: len(changed), Duration: d}, nil
}

// RefreshFor recomputes the row of one aggregate. It reports whether the row
// changed.
func (s *Service) RefreshFor(ctx context.Context, aggregateID string) (bool, error) {
	start := time.Now()
	var next *models.ReadModelRecord

	err := repository.RunInTx(ctx, s.store, func(tx repository.Tx) error {
		next = nil

		prev, err := tx.LockReadModel(ctx, aggregateID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}
		agg, err := tx.GetAggregate(ctx, aggregateID)
		if err != nil {
			return err
		}
		counts, err := tx.ActivityCounts(ctx, aggregateID)
		if err != nil {
			return err
		}

		rec := models.Project(agg, counts, prev)
		if rec.Equal(prev) {
			return nil
		}
		if err := tx.UpsertReadModel(ctx, rec); err != nil {
			return err
		}
		next = rec
		return nil
	})

	changed := 0
	if next != nil {
		changed = 1
	}
	s.metrics.Refresh("targeted", time.Since(start), changed, err)
	if err != nil {
		s.logger.ErrorContext(ctx, "Targeted view refresh failed",
			logging.AggregateID(aggregateID),
			logging.Error(err))
		return false, err
	}

	if next != nil {
		s.mirror(ctx, []*models.ReadModelRecord{next})
	}
	return next != nil, nil
}

func (s *Service) mirror(ctx context.Context, recs []*models.ReadModelRecord) {
	if s.sink == nil || len(recs) == 0 {
		return
	}
	if err := s.sink.Index(ctx, recs); err != nil {
		s.logger.WarnContext(ctx, "Read model mirror failed",
			"rows", len(recs),
			logging.Error(err))
	}
}

// Enqueue schedules an asynchronous RefreshFor. An id already waiting is not
// queued twice. It returns false when the queue is full.
func (s *Service) Enqueue(aggregateID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[aggregateID]; ok {
		return true
	}
	select {
	case s.queue <- aggregateID:
		s.pending[aggregateID] = struct{}{}
		s.metrics.QueueDepth(len(s.queue))
		return true
	default:
		return false
	}
}

// Run drains the refresh queue until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("Refresh worker started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Refresh worker stopped")
			return ctx.Err()
		case id := <-s.queue:
			s.mu.Lock()
			delete(s.pending, id)
			s.mu.Unlock()
			s.metrics.QueueDepth(len(s.queue))

			// Errors are logged by RefreshFor; the next full refresh repairs the row.
			_, _ = s.RefreshFor(ctx, id)
		}
	}
}

// GetStatistics returns a row with its derived rates.
func (s *Service) GetStatistics(ctx context.Context, aggregateID string) (*models.Statistics, error) {
	rec, err := s.store.GetReadModel(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	return models.NewStatistics(rec), nil
}

// GetTopByRegistration returns published, live rows by registration count.
// limit defaults to DefaultTopLimit and is capped at MaxTopLimit.
func (s *Service) GetTopByRegistration(ctx context.Context, limit int) ([]*models.ReadModelRecord, error) {
	if limit <= 0 {
		limit = DefaultTopLimit
	}
	if limit > MaxTopLimit {
		limit = MaxTopLimit
	}
	return s.store.TopByRegistration(ctx, limit)
}
