package writemodel

import (
	"context"
	"errors"

	"github.com/arenaledger/arena-stack/common/logging"
	"github.com/arenaledger/arena-stack/ledger/internal/models"
	"github.com/arenaledger/arena-stack/ledger/internal/repository"
)

// BulkOutcome is the result of one bulk-create item.
type BulkOutcome string

const (
	BulkCreated  BulkOutcome = "created"
	BulkConflict BulkOutcome = "conflict"
	BulkInvalid  BulkOutcome = "invalid"
	BulkFailed   BulkOutcome = "failed"
)

// BulkItem is one aggregate to create.
type BulkItem struct {
	AggregateID string
	Fields      models.AggregateFields
}

// BulkItemResult reports what happened to one item.
type BulkItemResult struct {
	AggregateID string      `json:"aggregateId"`
	Outcome     BulkOutcome `json:"outcome"`
	Version     int         `json:"version,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// BulkResult reports a whole batch, in input order.
type BulkResult struct {
	Items     []BulkItemResult `json:"items"`
	Created   int              `json:"created"`
	Conflicts int              `json:"conflicts"`
	Invalid   int              `json:"invalid"`
	Failed    int              `json:"failed"`
}

// Succeeded lists the ids that were created.
func (r *BulkResult) Succeeded() []string {
	var ids []string
	for _, it := range r.Items {
		if it.Outcome == BulkCreated {
			ids = append(ids, it.AggregateID)
		}
	}
	return ids
}

// BulkCreate creates items in one transaction, each behind its own savepoint,
// so a failing item is reported without aborting the rest.
func (s *Service) BulkCreate(ctx context.Context, items []BulkItem, eventID string) (*BulkResult, error) {
	var out *BulkResult
	err := repository.RunInTx(ctx, s.store, func(tx repository.Tx) error {
		res, err := s.BulkCreateTx(ctx, tx, items, eventID)
		out = res
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BulkCreateTx is BulkCreate inside a caller's transaction.
func (s *Service) BulkCreateTx(ctx context.Context, tx repository.Tx, items []BulkItem, eventID string) (*BulkResult, error) {
	res := &BulkResult{Items: make([]BulkItemResult, 0, len(items))}

	for _, item := range items {
		var created *models.Aggregate
		err := repository.RunNested(ctx, tx, func(sp repository.Tx) error {
			agg, err := s.ApplyMutationTx(ctx, sp, item.AggregateID, 0, Mutation{
				Operation: models.OpBulk,
				Fields:    item.Fields,
				EventID:   eventID,
			})
			created = agg
			return err
		})

		r := BulkItemResult{AggregateID: item.AggregateID}
		switch {
		case err == nil:
			r.Outcome = BulkCreated
			r.Version = created.Version
			res.Created++
		case errors.Is(err, models.ErrAggregateExists), errors.Is(err, models.ErrConcurrencyConflict):
			r.Outcome = BulkConflict
			res.Conflicts++
		case errors.Is(err, models.ErrInvalidEvent):
			r.Outcome = BulkInvalid
			res.Invalid++
		default:
			r.Outcome = BulkFailed
			res.Failed++
		}
		if err != nil {
			r.Error = err.Error()
		}
		s.metrics.BulkItem(string(r.Outcome))
		res.Items = append(res.Items, r)
	}

	s.logger.InfoContext(ctx, "Bulk create applied",
		logging.EventID(eventID),
		"created", res.Created,
		"conflicts", res.Conflicts,
		"invalid", res.Invalid,
		"failed", res.Failed)
	return res, nil
}
