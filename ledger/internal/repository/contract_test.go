package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenaledger/arena-stack/ledger/internal/models"
)

// storeContract runs the behaviour every Store implementation must share.
// newStore must return an empty store.
func storeContract(t *testing.T, newStore func(t *testing.T) Store) {
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("raw events", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		ev := &models.RawEvent{
			EventID: "e1", Contract: "arena", Type: "create",
			Payload: json.RawMessage(`{"aggregateId":"a1"}`), BlockNumber: 7,
			Timestamp: base, ReceivedAt: base,
		}
		inserted, err := store.InsertRawEvent(ctx, ev)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = store.InsertRawEvent(ctx, ev)
		require.NoError(t, err)
		assert.False(t, inserted, "second insert of the same id is a no-op")

		_, err = store.InsertRawEvent(ctx, &models.RawEvent{EventID: "e0", Contract: "arena", Type: "create", BlockNumber: 3, Timestamp: base, ReceivedAt: base})
		require.NoError(t, err)

		pending, err := store.ListUnprocessedEvents(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "e0", pending[0].EventID, "lowest block first")

		require.NoError(t, store.RecordEventFailure(ctx, models.EventFailure{EventID: "e1", Reason: "boom", MaxAttempts: 5, At: base}))
		got, err := store.GetRawEvent(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, 1, got.Attempts)
		assert.Equal(t, "boom", got.LastError)
		assert.JSONEq(t, `{"aggregateId":"a1"}`, string(got.Payload))

		require.NoError(t, store.MarkEventProcessed(ctx, "e1", base.Add(time.Second)))
		got, err = store.GetRawEvent(ctx, "e1")
		require.NoError(t, err)
		assert.True(t, got.Processed)
		require.NotNil(t, got.ProcessedAt)

		pending, err = store.ListUnprocessedEvents(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, pending, 1)

		_, err = store.GetRawEvent(ctx, "missing")
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.ErrorIs(t, store.MarkEventProcessed(ctx, "missing", base), models.ErrNotFound)
	})

	t.Run("failed events are retried fewest attempts first and parked", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		for i, id := range []string{"low", "mid", "high"} {
			_, err := store.InsertRawEvent(ctx, &models.RawEvent{
				EventID: id, Contract: "arena", Type: "create",
				BlockNumber: int64(i + 1), Timestamp: base, ReceivedAt: base,
			})
			require.NoError(t, err)
		}

		fail := func(id string, permanent bool) {
			require.NoError(t, store.RecordEventFailure(ctx, models.EventFailure{
				EventID: id, Reason: "boom", Permanent: permanent, MaxAttempts: 2, At: base,
			}))
		}
		fail("low", false)

		pending, err := store.ListUnprocessedEvents(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 3)
		assert.Equal(t, "mid", pending[0].EventID, "untried events come before retried ones")
		assert.Equal(t, "low", pending[2].EventID)

		fail("low", false)
		fail("mid", true)

		pending, err = store.ListUnprocessedEvents(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "high", pending[0].EventID)

		for _, id := range []string{"low", "mid"} {
			got, err := store.GetRawEvent(ctx, id)
			require.NoError(t, err)
			require.NotNil(t, got.ParkedAt, id)
			assert.True(t, got.ParkedAt.Equal(base), id)
			assert.False(t, got.Processed, id)
		}

		assert.ErrorIs(t, store.RecordEventFailure(ctx, models.EventFailure{EventID: "missing", Reason: "x", At: base}), models.ErrNotFound)
	})

	t.Run("aggregate compare and swap", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		agg := &models.Aggregate{ID: "a1", Title: "Opening", Capacity: 10, Version: 1, CreatedAt: base, UpdatedAt: base}
		require.NoError(t, store.InsertAggregate(ctx, agg))
		assert.ErrorIs(t, store.InsertAggregate(ctx, agg), models.ErrAggregateExists)

		next := *agg
		next.Title = "Opening Night"
		next.UpdatedAt = base.Add(time.Minute)
		require.NoError(t, store.UpdateAggregate(ctx, &next, 1))
		assert.Equal(t, 2, next.Version)

		stale := *agg
		err := store.UpdateAggregate(ctx, &stale, 1)
		require.Error(t, err)
		assert.ErrorIs(t, err, models.ErrConcurrencyConflict)
		var ce *models.ConflictError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, 2, ce.Actual)

		ghost := models.Aggregate{ID: "ghost", UpdatedAt: base}
		assert.ErrorIs(t, store.UpdateAggregate(ctx, &ghost, 1), models.ErrNotFound)

		got, err := store.GetAggregate(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "Opening Night", got.Title)
		assert.Equal(t, 2, got.Version)
	})

	t.Run("version log", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		require.NoError(t, store.InsertAggregate(ctx, &models.Aggregate{ID: "a1", Title: "t", Version: 1, CreatedAt: base, UpdatedAt: base}))
		require.NoError(t, store.AppendVersionLog(ctx, models.VersionLogEntry{AggregateID: "a1", FromVersion: 0, ToVersion: 1, Operation: models.OpCreate, AppliedAt: base}))
		require.NoError(t, store.AppendVersionLog(ctx, models.VersionLogEntry{AggregateID: "a1", FromVersion: 1, ToVersion: 2, Operation: models.OpUpdate, AppliedAt: base}))
		err := store.AppendVersionLog(ctx, models.VersionLogEntry{AggregateID: "a1", FromVersion: 1, ToVersion: 2, Operation: models.OpUpdate, AppliedAt: base})
		assert.ErrorIs(t, err, models.ErrAlreadyExists)

		log, err := store.GetVersionLog(ctx, "a1")
		require.NoError(t, err)
		require.Len(t, log, 2)
		assert.Equal(t, 1, log[0].ToVersion)
		assert.Equal(t, 2, log[1].ToVersion)
	})

	t.Run("transaction rollback and savepoints", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		err := RunInTx(ctx, store, func(tx Tx) error {
			require.NoError(t, tx.InsertAggregate(ctx, &models.Aggregate{ID: "a1", Title: "t", Version: 1, CreatedAt: base, UpdatedAt: base}))
			return errors.New("abort")
		})
		require.EqualError(t, err, "abort")
		_, err = store.GetAggregate(ctx, "a1")
		assert.ErrorIs(t, err, models.ErrNotFound)

		err = RunInTx(ctx, store, func(tx Tx) error {
			if err := tx.InsertAggregate(ctx, &models.Aggregate{ID: "kept", Title: "t", Version: 1, CreatedAt: base, UpdatedAt: base}); err != nil {
				return err
			}
			nestedErr := RunNested(ctx, tx, func(sp Tx) error {
				if err := sp.InsertAggregate(ctx, &models.Aggregate{ID: "dropped", Title: "t", Version: 1, CreatedAt: base, UpdatedAt: base}); err != nil {
					return err
				}
				return errors.New("item failed")
			})
			assert.EqualError(t, nestedErr, "item failed")
			return nil
		})
		require.NoError(t, err)

		_, err = store.GetAggregate(ctx, "kept")
		assert.NoError(t, err)
		_, err = store.GetAggregate(ctx, "dropped")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("activity counts", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		require.NoError(t, store.InsertRegistration(ctx, &models.Registration{ID: "r1", AggregateID: "a1", AccountID: "u1", CreatedAt: base}))
		require.NoError(t, store.InsertRegistration(ctx, &models.Registration{ID: "r2", AggregateID: "a1", AccountID: "u2", CreatedAt: base.Add(time.Minute)}))
		require.NoError(t, store.InsertAttendance(ctx, &models.Attendance{ID: "t1", AggregateID: "a1", AccountID: "u1", CreatedAt: base.Add(2 * time.Minute)}))
		require.NoError(t, store.InsertFeedback(ctx, &models.Feedback{ID: "f1", AggregateID: "a1", AccountID: "u1", Rating: 4, CreatedAt: base.Add(3 * time.Minute)}))
		require.NoError(t, store.InsertRegistration(ctx, &models.Registration{ID: "r3", AggregateID: "a2", AccountID: "u1", CreatedAt: base}))
		assert.ErrorIs(t, store.InsertRegistration(ctx, &models.Registration{ID: "r1", AggregateID: "a1", AccountID: "u1", CreatedAt: base}), models.ErrAlreadyExists)

		c, err := store.ActivityCounts(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, 2, c.Registered)
		assert.Equal(t, 1, c.Attended)
		assert.Equal(t, 1, c.Feedback)
		assert.Equal(t, 4, c.RatingSum)
		require.NotNil(t, c.LastActivityAt)
		assert.True(t, c.LastActivityAt.Equal(base.Add(3*time.Minute)))

		all, err := store.AllActivityCounts(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)
		assert.Equal(t, 1, all["a2"].Registered)

		empty, err := store.ActivityCounts(ctx, "none")
		require.NoError(t, err)
		assert.Zero(t, empty.Registered)
		assert.Nil(t, empty.LastActivityAt)
	})

	t.Run("read model", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		rating := 4.5
		rows := []*models.ReadModelRecord{
			{ID: "a1", Title: "one", Published: true, RegisteredCount: 5, AverageRating: &rating},
			{ID: "a2", Title: "two", Published: true, RegisteredCount: 9},
			{ID: "a3", Title: "three", Published: false, RegisteredCount: 50},
			{ID: "a4", Title: "four", Published: true, RegisteredCount: 70, IsDeleted: true},
			{ID: "a5", Title: "five", Published: true, RegisteredCount: 5},
		}
		for _, r := range rows {
			require.NoError(t, store.UpsertReadModel(ctx, r))
		}

		top, err := store.TopByRegistration(ctx, 10)
		require.NoError(t, err)
		ids := make([]string, 0, len(top))
		for _, r := range top {
			ids = append(ids, r.ID)
		}
		assert.Equal(t, []string{"a2", "a1", "a5"}, ids)

		top, err = store.TopByRegistration(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, top, 1)

		got, err := store.GetReadModel(ctx, "a1")
		require.NoError(t, err)
		require.NotNil(t, got.AverageRating)
		assert.Equal(t, 4.5, *got.AverageRating)

		_, err = store.GetReadModel(ctx, "missing")
		assert.ErrorIs(t, err, models.ErrNotFound)

		all, err := store.LockAllReadModels(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 5)
	})

	t.Run("balances and reconciliation candidates", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		_, err := store.AdjustBalance(ctx, "u1", decimal.RequireFromString("10.50"), base)
		require.NoError(t, err)
		acc, err := store.AdjustBalance(ctx, "u1", decimal.RequireFromString("-12.00"), base)
		require.NoError(t, err)
		assert.True(t, acc.Balance.Equal(decimal.RequireFromString("-1.50")))
		_, err = store.AdjustBalance(ctx, "u2", decimal.RequireFromString("3"), base)
		require.NoError(t, err)

		negative, err := store.ListNegativeBalances(ctx)
		require.NoError(t, err)
		require.Len(t, negative, 1)
		assert.Equal(t, "u1", negative[0].ID)

		require.NoError(t, store.InsertAggregate(ctx, &models.Aggregate{ID: "live", Title: "t", Version: 1, CreatedAt: base, UpdatedAt: base}))
		require.NoError(t, store.InsertAggregate(ctx, &models.Aggregate{ID: "gone", Title: "t", Deleted: true, Version: 2, CreatedAt: base, UpdatedAt: base}))

		hundred := decimal.RequireFromString("100.00")
		for _, b := range []*models.Bet{
			{ID: "b1", AccountID: "u1", AggregateID: "live", Stake: decimal.NewFromInt(10), Payout: hundred, CreatedAt: base},
			{ID: "b2", AccountID: "u1", AggregateID: "gone", Stake: decimal.NewFromInt(10), Payout: hundred, CreatedAt: base},
			{ID: "b3", AccountID: "u1", AggregateID: "never", Stake: decimal.NewFromInt(10), Payout: hundred, CreatedAt: base},
		} {
			require.NoError(t, store.InsertBet(ctx, b))
		}

		orphans, err := store.ListOrphanedBets(ctx)
		require.NoError(t, err)
		require.Len(t, orphans, 2)
		assert.Equal(t, "b2", orphans[0].Bet.ID)
		assert.Equal(t, "deleted", orphans[0].Reason)
		assert.Equal(t, "b3", orphans[1].Bet.ID)
		assert.Equal(t, "missing", orphans[1].Reason)

		require.NoError(t, store.InsertSettlement(ctx, &models.Settlement{ID: "s1", BetID: "b1", Status: models.SettlementCompleted, Payout: decimal.RequireFromString("99.99"), CreatedAt: base, UpdatedAt: base}))
		require.NoError(t, store.InsertSettlement(ctx, &models.Settlement{ID: "s2", BetID: "b2", Status: models.SettlementPending, Payout: decimal.RequireFromString("100"), CreatedAt: base.Add(-time.Hour), UpdatedAt: base}))

		mismatched, err := store.ListMismatchedSettlements(ctx)
		require.NoError(t, err)
		require.Len(t, mismatched, 1, "100 and 100.00 are the same amount")
		assert.Equal(t, "s1", mismatched[0].Settlement.ID)
		assert.Equal(t, "b1", mismatched[0].Bet.ID)

		open, err := store.ListOpenSettlements(ctx, base)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, "s2", open[0].ID)

		open, err = store.ListOpenSettlements(ctx, base.Add(-time.Hour))
		require.NoError(t, err)
		assert.Empty(t, open, "created exactly at the cutoff is not before it")

		s2, err := store.GetSettlement(ctx, "s2")
		require.NoError(t, err)
		s2.Status = models.SettlementCompleted
		s2.UpdatedAt = base.Add(time.Minute)
		require.NoError(t, store.UpdateSettlement(ctx, s2))
		open, err = store.ListOpenSettlements(ctx, base)
		require.NoError(t, err)
		assert.Empty(t, open)
	})

	t.Run("reports", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		mk := func(id string, status models.ReportStatus, startedAt time.Time, incs ...models.Inconsistency) *models.Report {
			return &models.Report{
				ID: id, Type: models.ReportManual, Status: status,
				StartedAt: startedAt, CompletedAt: startedAt.Add(time.Second),
				Inconsistencies: incs, Summary: models.NewSummary(incs),
			}
		}
		inc := models.Inconsistency{Kind: models.KindNegativeBalance, EntityID: "u1", Details: map[string]any{"balance": "-1.5"}, DetectedAt: base}

		for _, r := range []*models.Report{
			mk("r1", models.ReportCompleted, base, inc),
			mk("r2", models.ReportCompleted, base.Add(time.Minute)),
			mk("r3", models.ReportFailed, base.Add(2*time.Minute)),
		} {
			require.NoError(t, RunInTx(ctx, store, func(tx Tx) error { return tx.SaveReport(ctx, r) }))
		}

		page, total, err := store.ListReports(ctx, 0, 2)
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, page, 2)
		assert.Equal(t, "r3", page[0].ID)
		assert.Equal(t, "r2", page[1].ID)

		page, _, err = store.ListReports(ctx, 2, 2)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "r1", page[0].ID)
		assert.Empty(t, page[0].Inconsistencies, "listing omits inconsistency rows")
		assert.Equal(t, 1, page[0].Summary.Total)

		got, err := store.GetReport(ctx, "r1")
		require.NoError(t, err)
		require.Len(t, got.Inconsistencies, 1)
		assert.Equal(t, "u1", got.Inconsistencies[0].EntityID)
		assert.Equal(t, "-1.5", got.Inconsistencies[0].Details["balance"])

		latest, err := store.LatestCompletedReport(ctx)
		require.NoError(t, err)
		assert.Equal(t, "r2", latest.ID, "failed reports are skipped")

		_, err = store.GetReport(ctx, "nope")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("cursor only moves forward", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		_, err := store.GetCursor(ctx, "chain")
		assert.ErrorIs(t, err, models.ErrNotFound)

		require.NoError(t, store.SaveCursor(ctx, models.Cursor{Source: "chain", Sequence: 10, BlockNumber: 100, UpdatedAt: base}))
		require.NoError(t, store.SaveCursor(ctx, models.Cursor{Source: "chain", Sequence: 7, BlockNumber: 70, UpdatedAt: base}))

		c, err := store.GetCursor(ctx, "chain")
		require.NoError(t, err)
		assert.Equal(t, uint64(10), c.Sequence)
		assert.Equal(t, int64(100), c.BlockNumber)
	})
}
