package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arenaledger/arena-stack/ledger/internal/models"
	"github.com/arenaledger/arena-stack/ledger/internal/repository"
	"github.com/arenaledger/arena-stack/ledger/internal/writemodel"
)

// MutationHandler applies one event type inside the processing transaction
// and returns the aggregates whose read-model rows it affected.
type MutationHandler func(ctx context.Context, tx repository.Tx, ev *models.RawEvent) ([]string, error)

// staleRead marks a conflict on a write that was planned against the version
// read in the same attempt. The processor retries these.
type staleRead struct {
	err error
}

func (e *staleRead) Error() string { return e.err.Error() }
func (e *staleRead) Unwrap() error { return e.err }

func (p *Processor) registerHandlers() {
	p.handlers = map[string]MutationHandler{
		models.EventCreate:            p.handleCreate,
		models.EventUpdate:            p.handleUpdate,
		models.EventDelete:            p.handleDelete,
		models.EventBulkCreate:        p.handleBulkCreate,
		models.EventRegistration:      p.handleRegistration,
		models.EventAttendance:        p.handleAttendance,
		models.EventFeedback:          p.handleFeedback,
		models.EventDeposit:           p.handleDeposit,
		models.EventWithdrawal:        p.handleWithdrawal,
		models.EventBetPlaced:         p.handleBetPlaced,
		models.EventSettlementCreated: p.handleSettlementCreated,
		models.EventSettlementUpdated: p.handleSettlementUpdated,
	}
}

func decode(ev *models.RawEvent, v any) error {
	if len(ev.Payload) == 0 {
		return models.InvalidEvent("%s event %s has no payload", ev.Type, ev.EventID)
	}
	if err := json.Unmarshal(ev.Payload, v); err != nil {
		return models.InvalidEvent("decode %s payload: %v", ev.Type, err)
	}
	return nil
}

// occurredAt is the chain time of ev, or now when the chain sent none.
func (p *Processor) occurredAt(ev *models.RawEvent) time.Time {
	if ev.Timestamp.IsZero() {
		return p.now()
	}
	return ev.Timestamp.UTC()
}

// =============================================================================
// WRITE MODEL
// =============================================================================

func (p *Processor) handleCreate(ctx context.Context, tx repository.Tx, ev *models.RawEvent) ([]string, error) {
	var pl models.CreatePayload
	if err := decode(ev, &pl); err != nil {
		return nil, err
	}
	_, err := p.writes.ApplyMutationTx(ctx, tx, pl.AggregateID, 0, writemodel.Mutation{
		Operation: models.OpCreate,
		Fields:    pl.Fields(),
		EventID:   ev.EventID,
	})
	if err != nil {
		return nil, err
	}
	return []string{pl.AggregateID}, nil
}

func (p *Processor) handleUpdate(ctx context.Context, tx repository.Tx, ev *models.RawEvent) ([]string, error) {
	var pl models.UpdatePayload
	if err := decode(ev, &pl); err != nil {
		return nil, err
	}
	return p.change(ctx, tx, ev, pl.AggregateID, pl.ExpectedVersion, writemodel.Mutation{
		Operation: models.OpUpdate,
		Fields:    pl.AggregateFields,
		EventID:   ev.EventID,
	})
}

func (p *Processor) handleDelete(ctx context.Context, tx repository.Tx, ev *models.RawEvent) ([]string, error) {
	var pl models.DeletePayload
	if err := decode(ev, &pl); err != nil {
		return nil, err
	}
	return p.change(ctx, tx, ev, pl.AggregateID, pl.ExpectedVersion, writemodel.Mutation{
		Operation: models.OpDelete,
		EventID:   ev.EventID,
	})
}

// change applies an update or delete. With an explicit expected version the
// write is strict; without one it targets the version read here and a
// conflict is retryable.
func (p *Processor) change(ctx context.Context, tx repository.Tx, ev *models.RawEvent, id string, expected *int, m writemodel.Mutation) ([]string, error) {
	if id == "" {
		return nil, models.InvalidEvent("%s event %s has no aggregate id", ev.Type, ev.EventID)
	}

	if expected != nil {
		if _, err := p.writes.ApplyMutationTx(ctx, tx, id, *expected, m); err != nil {
			return nil, err
		}
		return []string{id}, nil
	}

	current, err := tx.GetAggregate(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := p.writes.ApplyMutationTx(ctx, tx, id, current.Version, m); err != nil {
		if errors.Is(err, models.ErrConcurrencyConflict) {
			return nil, &staleRead{err: err}
		}
		return nil, err
	}
	return []string{id}, nil
}

func (p *Processor) handleBulkCreate(ctx context.Context, tx repository.Tx, ev *models.RawEvent) ([]string, error) {
	var pl models.BulkCreatePayload
	if err := decode(ev, &pl); err != nil {
		return nil, err
	}
	if len(pl.Items) == 0 {
		return nil, models.InvalidEvent("bulk_create event %s has no items", ev.EventID)
	}

	items := make([]writemodel.BulkItem, 0, len(pl.Items))
	for _, it := range pl.Items {
		items = append(items, writemodel.BulkItem{AggregateID: it.AggregateID, Fields: it.Fields()})
	}
	res, err := p.writes.BulkCreateTx(ctx, tx, items, ev.EventID)
	if err != nil {
		return nil, err
	}
	return res.Succeeded(), nil
}

// =============================================================================
// ACTIVITY
// =============================================================================

// liveAggregate fails unless id names an aggregate that is not deleted.
func liveAggregate(ctx context.Context, tx repository.Tx, id string) error {
	if id == "" {
		return models.InvalidEvent("aggregate id is required")
	}
	agg, err := tx.GetAggregate(ctx, id)
	if err != nil {
		return err
	}
	if agg.Deleted {
		return fmt.Errorf("aggregate %s: %w", id, models.ErrAggregateDeleted)
	}
	return nil
}

func activityID(pl models.ActivityPayload, ev *models.RawEvent) string {
	if pl.ID != "" {
		return pl.ID
	}
	return ev.EventID
}

func (p *Processor) handleRegistration(ctx context.Context, tx repository.Tx, ev *models.RawEvent) ([]string, error) {
	var pl models.ActivityPayload
	if err := decode(ev, &pl); err != nil {
		return nil, err
	}
	if err := liveAggregate(ctx, tx, pl.AggregateID); err != nil {
		return nil, err
	}
	err := tx.InsertRegistration(ctx, &models.Registration{
		ID:          activityID(pl, ev),
		AggregateID: pl.AggregateID,
		AccountID:   pl.AccountID,
		CreatedAt:   p.occurredAt(ev),
	})
	if err != nil {
		return nil, err
	}
	return []string{pl.AggregateID}, nil
}

func (p *Processor) handleAttendance(ctx context.Context, tx repository.Tx, ev *models.RawEvent) ([]string, error) {
	var pl models.ActivityPayload
	if err := decode(ev, &pl); err != nil {
		return nil, err
	}
	if err := liveAggregate(ctx, tx, pl.AggregateID); err != nil {
		return nil, err
	}
	err := tx.InsertAttendance(ctx, &models.Attendance{
		ID:          activityID(pl, ev),
		AggregateID: pl.AggregateID,
		AccountID:   pl.AccountID,
		CreatedAt:   p.occurredAt(ev),
	})
	if err != nil {
		return nil, err
	}
	return []string{pl.AggregateID}, nil
}

func (p *Processor) handleFeedback(ctx context.Context, tx repository.Tx, ev *models.RawEvent) ([]string, error) {
	var pl models.FeedbackPayload
	if err := decode(ev, &pl); err != nil {
		return nil, err
	}
	if pl.Rating < 1 || pl.Rating > 5 {
		return nil, models.InvalidEvent("feedback rating %d is outside 1-5", pl.Rating)
	}
	if err := liveAggregate(ctx, tx, pl.AggregateID); err != nil {
		return nil, err
	}
	err := tx.InsertFeedback(ctx, &models.Feedback{
		ID:          activityID(pl.ActivityPayload, ev),
		AggregateID: pl.AggregateID,
		AccountID:   pl.AccountID,
		Rating:      pl.Rating,
		CreatedAt:   p.occurredAt(ev),
	})
	if err != nil {
		return nil, err
	}
	return []string{pl.AggregateID}, nil
}

// =============================================================================
// BALANCES
// =============================================================================

// Balance events mirror the chain. A withdrawal or stake larger than the
// balance is applied as-is and surfaces in reconciliation.

func (p *Processor) transfer(ctx context.Context, tx repository.Tx, ev *models.RawEvent, sign int64) ([]string, error) {
	var pl models.TransferPayload
	if err := decode(ev, &pl); err != nil {
		return nil, err
	}
	if pl.AccountID == "" {
		return nil, models.InvalidEvent("%s event %s has no account id", ev.Type, ev.EventID)
	}
	if !pl.Amount.IsPositive() {
		return nil, models.InvalidEvent("%s amount must be positive, got %s", ev.Type, pl.Amount)
	}
	delta := pl.Amount
	if sign < 0 {
		delta = delta.Neg()
	}
	if _, err := tx.AdjustBalance(ctx, pl.AccountID, delta, p.occurredAt(ev)); err != nil {
		return nil, err
	}
	return nil, nil
}

func (p *Processor) handleDeposit(ctx context.Context, tx repository.Tx, ev *models.RawEvent) ([]string, error) {
	return p.transfer(ctx, tx, ev, 1)
}

func (p *Processor) handleWithdrawal(ctx context.Context, tx repository.Tx, ev *models.RawEvent) ([]string, error) {
	return p.transfer(ctx, tx, ev, -1)
}

func (p *Processor) handleBetPlaced(ctx context.Context, tx repository.Tx, ev *models.RawEvent) ([]string, error) {
	var pl models.BetPlacedPayload
	if err := decode(ev, &pl); err != nil {
		return nil, err
	}
	switch {
	case pl.BetID == "" || pl.AccountID == "":
		return nil, models.InvalidEvent("bet_placed event %s needs bet and account ids", ev.EventID)
	case !pl.Stake.IsPositive():
		return nil, models.InvalidEvent("bet %s stake must be positive", pl.BetID)
	case pl.Payout.IsNegative():
		return nil, models.InvalidEvent("bet %s payout must not be negative", pl.BetID)
	}

	at := p.occurredAt(ev)
	err := tx.InsertBet(ctx, &models.Bet{
		ID:          pl.BetID,
		AccountID:   pl.AccountID,
		AggregateID: pl.AggregateID,
		Stake:       pl.Stake,
		Payout:      pl.Payout,
		CreatedAt:   at,
	})
	if err != nil {
		return nil, err
	}
	if _, err := tx.AdjustBalance(ctx, pl.AccountID, pl.Stake.Neg(), at); err != nil {
		return nil, err
	}
	return nil, nil
}

func (p *Processor) handleSettlementCreated(ctx context.Context, tx repository.Tx, ev *models.RawEvent) ([]string, error) {
	var pl models.SettlementCreatedPayload
	if err := decode(ev, &pl); err != nil {
		return nil, err
	}
	if pl.SettlementID == "" {
		return nil, models.InvalidEvent("settlement_created event %s has no settlement id", ev.EventID)
	}
	if pl.Status == "" {
		pl.Status = models.SettlementPending
	}
	if !pl.Status.IsValid() {
		return nil, models.InvalidEvent("unknown settlement status %q", pl.Status)
	}

	bet, err := tx.GetBet(ctx, pl.BetID)
	if err != nil {
		return nil, err
	}

	at := p.occurredAt(ev)
	s := &models.Settlement{
		ID:        pl.SettlementID,
		BetID:     pl.BetID,
		Status:    pl.Status,
		Payout:    pl.Payout,
		CreatedAt: at,
		UpdatedAt: at,
	}
	if err := tx.InsertSettlement(ctx, s); err != nil {
		return nil, err
	}
	if s.Status == models.SettlementCompleted {
		if _, err := tx.AdjustBalance(ctx, bet.AccountID, s.Payout, at); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (p *Processor) handleSettlementUpdated(ctx context.Context, tx repository.Tx, ev *models.RawEvent) ([]string, error) {
	var pl models.SettlementUpdatedPayload
	if err := decode(ev, &pl); err != nil {
		return nil, err
	}
	if !pl.Status.IsValid() {
		return nil, models.InvalidEvent("unknown settlement status %q", pl.Status)
	}

	current, err := tx.GetSettlement(ctx, pl.SettlementID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return nil, models.InvalidEvent("settlement %s is already %s", current.ID, current.Status)
	}

	next := *current
	next.Status = pl.Status
	next.UpdatedAt = p.occurredAt(ev)
	if pl.Payout != nil {
		next.Payout = *pl.Payout
	}
	if err := tx.UpdateSettlement(ctx, &next); err != nil {
		return nil, err
	}

	if next.Status == models.SettlementCompleted {
		bet, err := tx.GetBet(ctx, next.BetID)
		if err != nil {
			return nil, err
		}
		if _, err := tx.AdjustBalance(ctx, bet.AccountID, next.Payout, next.UpdatedAt); err != nil {
			return nil, err
		}
	}
	return nil, nil
}
