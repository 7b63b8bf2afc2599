// Package processor turns raw chain events into state changes. Each event is
// stored once, applied in a single transaction together with its processed
// flag, and followed by a targeted read-model refresh.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arenaledger/arena-stack/common/logging"
	"github.com/arenaledger/arena-stack/ledger/internal/metrics"
	"github.com/arenaledger/arena-stack/ledger/internal/models"
	"github.com/arenaledger/arena-stack/ledger/internal/repository"
	"github.com/arenaledger/arena-stack/ledger/internal/writemodel"
)

// Result is the outcome of ingesting one event.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate"
)

const (
	DefaultMaxConflictRetries = 3
	DefaultMaxAttempts        = 10
)

// ErrNotStored marks an Ingest failure that happened before the raw event was
// durably stored. Nothing will retry it unless the caller redelivers.
var ErrNotStored = errors.New("event not stored")

// Refresher updates read-model rows after a commit.
type Refresher interface {
	RefreshFor(ctx context.Context, aggregateID string) (bool, error)
	Enqueue(aggregateID string) bool
}

// Config tunes the processor.
type Config struct {
	// MaxConflictRetries bounds retries of updates that carry no expected
	// version. Zero means DefaultMaxConflictRetries.
	MaxConflictRetries int
	// MaxAttempts parks a stored event after this many failed attempts.
	// Zero means DefaultMaxAttempts.
	MaxAttempts int
	// AsyncRefresh hands affected aggregates to the refresh queue instead of
	// refreshing before Ingest returns.
	AsyncRefresh bool
}

// Processor applies chain events.
type Processor struct {
	store    repository.Store
	writes   *writemodel.Service
	views    Refresher
	logger   *logging.Logger
	metrics  *metrics.Metrics
	cfg      Config
	handlers map[string]MutationHandler
	now      func() time.Time
}

// New creates a processor with every event type registered.
func New(store repository.Store, writes *writemodel.Service, views Refresher, logger *logging.Logger, m *metrics.Metrics, cfg Config) *Processor {
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = DefaultMaxConflictRetries
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	p := &Processor{
		store:   store,
		writes:  writes,
		views:   views,
		logger:  logger.Component("processor"),
		metrics: m,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
	p.registerHandlers()
	return p
}

// Supports reports whether eventType has a handler.
func (p *Processor) Supports(eventType string) bool {
	_, ok := p.handlers[eventType]
	return ok
}

// Ingest stores ev if it is new and applies it exactly once. Redelivering an
// event that was already applied returns ResultDuplicate with no writes.
func (p *Processor) Ingest(ctx context.Context, ev *models.RawEvent) (Result, error) {
	if ev.EventID == "" {
		return "", models.InvalidEvent("event id is required")
	}
	if ev.Type == "" {
		return "", models.InvalidEvent("event %s has no type", ev.EventID)
	}
	if !p.Supports(ev.Type) {
		return "", models.InvalidEvent("event %s has unsupported type %q", ev.EventID, ev.Type)
	}

	// Processing bookkeeping is ours, whatever the message carried.
	stored := *ev
	stored.Processed, stored.ProcessedAt = false, nil
	stored.Attempts, stored.LastError, stored.ParkedAt = 0, "", nil
	if stored.ReceivedAt.IsZero() {
		stored.ReceivedAt = p.now()
	}
	inserted, err := p.store.InsertRawEvent(ctx, &stored)
	if err != nil {
		p.metrics.Event(ev.Type, "failed")
		return "", fmt.Errorf("%w: %w", ErrNotStored, err)
	}
	if !inserted {
		p.logger.DebugContext(ctx, "Raw event already stored",
			logging.EventID(ev.EventID))
	}

	return p.process(ctx, ev.EventID, ev.Type)
}

// ReprocessResult summarizes one sweep.
type ReprocessResult struct {
	Attempted int `json:"attempted"`
	Applied   int `json:"applied"`
	Failed    int `json:"failed"`
}

// Reprocess retries up to limit stored events that are still unprocessed and
// not parked, fewest attempts first so failing events cannot starve the rest.
func (p *Processor) Reprocess(ctx context.Context, limit int) (*ReprocessResult, error) {
	events, err := p.store.ListUnprocessedEvents(ctx, limit)
	if err != nil {
		return nil, err
	}

	res := &ReprocessResult{}
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Attempted++
		if _, err := p.process(ctx, ev.EventID, ev.Type); err != nil {
			res.Failed++
			p.metrics.Reprocess("failed")
			continue
		}
		res.Applied++
		p.metrics.Reprocess("applied")
	}

	if res.Attempted > 0 {
		p.logger.InfoContext(ctx, "Reprocess sweep finished",
			"attempted", res.Attempted,
			"applied", res.Applied,
			"failed", res.Failed)
	}
	return res, nil
}

func (p *Processor) process(ctx context.Context, eventID, eventType string) (Result, error) {
	var (
		result   Result
		affected []string
		err      error
	)
	for attempt := 0; ; attempt++ {
		result, affected, err = p.apply(ctx, eventID)
		var stale *staleRead
		if err == nil || !errors.As(err, &stale) || attempt >= p.cfg.MaxConflictRetries {
			break
		}
		p.logger.DebugContext(ctx, "Retrying event after version conflict",
			logging.EventID(eventID),
			"attempt", attempt+1)
	}

	if err != nil {
		p.fail(ctx, eventID, eventType, err)
		return "", err
	}

	p.metrics.Event(eventType, string(result))
	if result == ResultDuplicate {
		p.logger.InfoContext(ctx, "Duplicate event ignored",
			logging.EventID(eventID),
			logging.EventType(eventType))
		return result, nil
	}

	p.refresh(ctx, affected)
	p.logger.DebugContext(ctx, "Event applied",
		logging.EventID(eventID),
		logging.EventType(eventType),
		"affected", len(affected))
	return result, nil
}

// apply runs the handler and marks the event processed in one transaction.
// The raw row is locked first so concurrent deliveries serialize here.
func (p *Processor) apply(ctx context.Context, eventID string) (Result, []string, error) {
	var (
		result   Result
		affected []string
	)
	err := repository.RunInTx(ctx, p.store, func(tx repository.Tx) error {
		result, affected = "", nil

		ev, err := tx.LockRawEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if ev.Processed {
			result = ResultDuplicate
			return nil
		}

		handler, ok := p.handlers[ev.Type]
		if !ok {
			return models.InvalidEvent("event %s has unsupported type %q", ev.EventID, ev.Type)
		}
		ids, err := handler(ctx, tx, ev)
		if err != nil {
			return fmt.Errorf("apply %s event %s: %w", ev.Type, ev.EventID, err)
		}
		if err := tx.MarkEventProcessed(ctx, ev.EventID, p.now()); err != nil {
			return err
		}
		result, affected = ResultApplied, ids
		return nil
	})
	return result, affected, err
}

// fail records the failure on the raw row, outside the rolled-back
// transaction. The event stays eligible for reprocessing unless the failure is
// permanent or the attempt cap is reached, in which case it is parked.
func (p *Processor) fail(ctx context.Context, eventID, eventType string, cause error) {
	p.metrics.Event(eventType, "failed")
	p.logger.ErrorContext(ctx, "Event processing failed",
		logging.EventID(eventID),
		logging.EventType(eventType),
		"permanent", permanent(cause),
		logging.Error(cause))

	err := p.store.RecordEventFailure(context.WithoutCancel(ctx), models.EventFailure{
		EventID:     eventID,
		Reason:      cause.Error(),
		Permanent:   permanent(cause),
		MaxAttempts: p.cfg.MaxAttempts,
		At:          p.now(),
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to record event failure",
			logging.EventID(eventID),
			logging.Error(err))
	}
}

func (p *Processor) refresh(ctx context.Context, ids []string) {
	if p.views == nil {
		return
	}
	for _, id := range ids {
		if p.cfg.AsyncRefresh && p.views.Enqueue(id) {
			continue
		}
		// A failed targeted refresh is repaired by the next full refresh.
		if _, err := p.views.RefreshFor(ctx, id); err != nil {
			p.logger.WarnContext(ctx, "Targeted refresh after event failed",
				logging.AggregateID(id),
				logging.Error(err))
		}
	}
}

// permanent reports whether retrying the same payload can never succeed.
func permanent(err error) bool {
	return errors.Is(err, models.ErrInvalidEvent) ||
		errors.Is(err, models.ErrAggregateExists) ||
		errors.Is(err, models.ErrAggregateDeleted) ||
		errors.Is(err, models.ErrAlreadyExists)
}
