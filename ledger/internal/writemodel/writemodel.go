// Package writemodel owns the versioned aggregates. Every change goes through
// ApplyMutation, which checks the caller's expected version, bumps the
// version by one and appends a version-log row in the same transaction.
package writemodel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arenaledger/arena-stack/common/logging"
	"github.com/arenaledger/arena-stack/ledger/internal/metrics"
	"github.com/arenaledger/arena-stack/ledger/internal/models"
	"github.com/arenaledger/arena-stack/ledger/internal/repository"
)

// Mutation is one requested change to an aggregate.
type Mutation struct {
	Operation models.Operation
	Fields    models.AggregateFields
	// EventID links the version-log row to the raw event that caused it.
	EventID string
}

// Service applies mutations with optimistic concurrency.
type Service struct {
	store   repository.Store
	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService creates a write-model service.
func NewService(store repository.Store, logger *logging.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		logger:  logger.Component("writemodel"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ApplyMutation applies m in its own transaction.
func (s *Service) ApplyMutation(ctx context.Context, aggregateID string, expectedVersion int, m Mutation) (*models.Aggregate, error) {
	var out *models.Aggregate
	err := repository.RunInTx(ctx, s.store, func(tx repository.Tx) error {
		agg, err := s.ApplyMutationTx(ctx, tx, aggregateID, expectedVersion, m)
		out = agg
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyMutationTx applies m inside tx. Create expects version 0 and yields
// version 1; update and delete expect the stored version. A stale expected
// version fails with *models.ConflictError and writes nothing.
func (s *Service) ApplyMutationTx(ctx context.Context, tx repository.Tx, aggregateID string, expectedVersion int, m Mutation) (*models.Aggregate, error) {
	if aggregateID == "" {
		return nil, models.InvalidEvent("aggregate id is required")
	}

	var (
		agg *models.Aggregate
		err error
	)
	switch m.Operation {
	case models.OpCreate, models.OpBulk:
		agg, err = s.create(ctx, tx, aggregateID, expectedVersion, m)
	case models.OpUpdate, models.OpDelete:
		agg, err = s.change(ctx, tx, aggregateID, expectedVersion, m)
	default:
		return nil, fmt.Errorf("unknown operation %q", m.Operation)
	}
	if err != nil {
		if errors.Is(err, models.ErrConcurrencyConflict) {
			s.metrics.Conflict()
			s.logger.WarnContext(ctx, "Version conflict",
				logging.AggregateID(aggregateID),
				logging.Version(expectedVersion),
				logging.Error(err))
		}
		return nil, err
	}

	s.metrics.Mutation(string(m.Operation))
	s.logger.DebugContext(ctx, "Mutation applied",
		logging.AggregateID(aggregateID),
		logging.Version(agg.Version),
		"operation", m.Operation)
	return agg, nil
}

func (s *Service) create(ctx context.Context, tx repository.Tx, id string, expectedVersion int, m Mutation) (*models.Aggregate, error) {
	if expectedVersion != 0 {
		if existing, err := tx.GetAggregate(ctx, id); err == nil {
			return nil, &models.ConflictError{AggregateID: id, Expected: expectedVersion, Actual: existing.Version}
		}
		return nil, &models.ConflictError{AggregateID: id, Expected: expectedVersion, Actual: 0}
	}

	now := s.now()
	agg := &models.Aggregate{ID: id, Version: 1, CreatedAt: now, UpdatedAt: now}
	applyFields(agg, m.Fields)
	if err := validate(agg); err != nil {
		return nil, err
	}

	if err := tx.InsertAggregate(ctx, agg); err != nil {
		return nil, err
	}
	if err := tx.AppendVersionLog(ctx, models.VersionLogEntry{
		AggregateID: id,
		FromVersion: 0,
		ToVersion:   1,
		Operation:   m.Operation,
		EventID:     m.EventID,
		AppliedAt:   now,
	}); err != nil {
		return nil, err
	}
	return agg, nil
}

func (s *Service) change(ctx context.Context, tx repository.Tx, id string, expectedVersion int, m Mutation) (*models.Aggregate, error) {
	current, err := tx.GetAggregate(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Deleted {
		return nil, fmt.Errorf("aggregate %s: %w", id, models.ErrAggregateDeleted)
	}
	if current.Version != expectedVersion {
		return nil, &models.ConflictError{AggregateID: id, Expected: expectedVersion, Actual: current.Version}
	}

	next := *current
	next.UpdatedAt = s.now()
	if m.Operation == models.OpDelete {
		next.Deleted = true
	} else {
		applyFields(&next, m.Fields)
		if err := validate(&next); err != nil {
			return nil, err
		}
	}

	// The store re-checks the version so a writer that committed after our
	// read still wins the race.
	if err := tx.UpdateAggregate(ctx, &next, expectedVersion); err != nil {
		return nil, err
	}
	if err := tx.AppendVersionLog(ctx, models.VersionLogEntry{
		AggregateID: id,
		FromVersion: expectedVersion,
		ToVersion:   next.Version,
		Operation:   m.Operation,
		EventID:     m.EventID,
		AppliedAt:   next.UpdatedAt,
	}); err != nil {
		return nil, err
	}
	return &next, nil
}

func applyFields(agg *models.Aggregate, f models.AggregateFields) {
	if f.Title != nil {
		agg.Title = *f.Title
	}
	if f.Capacity != nil {
		agg.Capacity = *f.Capacity
	}
	if f.Published != nil {
		agg.Published = *f.Published
	}
}

func validate(agg *models.Aggregate) error {
	if agg.Title == "" {
		return models.InvalidEvent("aggregate %s: title is required", agg.ID)
	}
	if agg.Capacity < 0 {
		return models.InvalidEvent("aggregate %s: capacity must not be negative", agg.ID)
	}
	return nil
}

// History returns the ordered version log of an aggregate.
func (s *Service) History(ctx context.Context, aggregateID string) ([]models.VersionLogEntry, error) {
	if _, err := s.store.GetAggregate(ctx, aggregateID); err != nil {
		return nil, err
	}
	return s.store.GetVersionLog(ctx, aggregateID)
}

// Get returns the current state of an aggregate.
func (s *Service) Get(ctx context.Context, aggregateID string) (*models.Aggregate, error) {
	return s.store.GetAggregate(ctx, aggregateID)
}
