// Package repository is the ledger's storage layer. Store is a unit of work:
// reads and single writes run directly, and multi-step changes run inside a
// Tx that commits or rolls back as a whole. PostgresRepository backs
// production; InMemoryRepository backs tests and local runs.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arenaledger/arena-stack/ledger/internal/models"
)

// Reader is the read side shared by Store and Tx.
type Reader interface {
	GetRawEvent(ctx context.Context, eventID string) (*models.RawEvent, error)
	// ListUnprocessedEvents returns unprocessed events that are not parked,
	// fewest attempts first, then lowest block.
	ListUnprocessedEvents(ctx context.Context, limit int) ([]*models.RawEvent, error)

	GetAggregate(ctx context.Context, id string) (*models.Aggregate, error)
	ListAggregates(ctx context.Context) ([]*models.Aggregate, error)
	GetVersionLog(ctx context.Context, aggregateID string) ([]models.VersionLogEntry, error)

	GetReadModel(ctx context.Context, id string) (*models.ReadModelRecord, error)
	// TopByRegistration returns published, non-deleted rows by registered
	// count, highest first.
	TopByRegistration(ctx context.Context, limit int) ([]*models.ReadModelRecord, error)
	ActivityCounts(ctx context.Context, aggregateID string) (models.ActivityCounts, error)
	AllActivityCounts(ctx context.Context) (map[string]models.ActivityCounts, error)

	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetBet(ctx context.Context, id string) (*models.Bet, error)
	GetSettlement(ctx context.Context, id string) (*models.Settlement, error)

	// Reconciliation candidates. Each query pre-filters; callers re-verify.
	ListNegativeBalances(ctx context.Context) ([]*models.Account, error)
	ListOrphanedBets(ctx context.Context) ([]models.OrphanedBet, error)
	ListMismatchedSettlements(ctx context.Context) ([]models.SettlementPair, error)
	ListOpenSettlements(ctx context.Context, createdBefore time.Time) ([]*models.Settlement, error)

	GetReport(ctx context.Context, id string) (*models.Report, error)
	// ListReports returns a page of reports by start time, newest first,
	// without inconsistency rows, plus the total count.
	ListReports(ctx context.Context, offset, limit int) ([]*models.Report, int, error)
	LatestCompletedReport(ctx context.Context) (*models.Report, error)

	GetCursor(ctx context.Context, source string) (*models.Cursor, error)
}

// Writer is the write side shared by Store and Tx.
type Writer interface {
	// InsertRawEvent stores ev unless its id exists; it reports whether a row
	// was inserted.
	InsertRawEvent(ctx context.Context, ev *models.RawEvent) (bool, error)
	// LockRawEvent reads an event and, inside a Tx, locks its row.
	LockRawEvent(ctx context.Context, eventID string) (*models.RawEvent, error)
	MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error
	// RecordEventFailure counts a failed attempt and parks the event when
	// the failure is permanent or the attempt cap is reached.
	RecordEventFailure(ctx context.Context, f models.EventFailure) error

	// InsertAggregate fails with models.ErrAggregateExists for a known id.
	InsertAggregate(ctx context.Context, agg *models.Aggregate) error
	// UpdateAggregate writes agg only if the stored version equals
	// expectedVersion, and stores it as expectedVersion+1.
	UpdateAggregate(ctx context.Context, agg *models.Aggregate, expectedVersion int) error
	AppendVersionLog(ctx context.Context, entry models.VersionLogEntry) error

	InsertRegistration(ctx context.Context, reg *models.Registration) error
	InsertAttendance(ctx context.Context, att *models.Attendance) error
	InsertFeedback(ctx context.Context, fb *models.Feedback) error

	// AdjustBalance adds delta to an account, creating it at zero if absent.
	AdjustBalance(ctx context.Context, accountID string, delta decimal.Decimal, at time.Time) (*models.Account, error)
	InsertBet(ctx context.Context, bet *models.Bet) error
	InsertSettlement(ctx context.Context, s *models.Settlement) error
	UpdateSettlement(ctx context.Context, s *models.Settlement) error

	// LockReadModel reads a read-model row and, inside a Tx, locks it.
	LockReadModel(ctx context.Context, id string) (*models.ReadModelRecord, error)
	// LockAllReadModels reads every read-model row and, inside a Tx, locks them.
	LockAllReadModels(ctx context.Context) ([]*models.ReadModelRecord, error)
	UpsertReadModel(ctx context.Context, rec *models.ReadModelRecord) error

	SaveReport(ctx context.Context, report *models.Report) error
	SaveCursor(ctx context.Context, cursor models.Cursor) error
}

// Tx is one unit of work. Nested opens a savepoint inside it.
type Tx interface {
	Reader
	Writer
	Nested(ctx context.Context) (Tx, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is the storage entry point.
type Store interface {
	Reader
	Writer
	Begin(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
	Close() error
}

// Beginner opens a unit of work.
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

// RunInTx runs fn in a transaction on store, committing on success and
// rolling back on any error or panic.
func RunInTx(ctx context.Context, store Beginner, fn func(tx Tx) error) error {
	tx, err := store.Begin(ctx)
	if err != nil {
		return models.StorageError("begin transaction", err)
	}
	return finish(ctx, tx, fn)
}

// RunNested runs fn in a savepoint of parent. An error rolls back only the
// savepoint; parent stays usable.
func RunNested(ctx context.Context, parent Tx, fn func(tx Tx) error) error {
	tx, err := parent.Nested(ctx)
	if err != nil {
		return models.StorageError("begin savepoint", err)
	}
	return finish(ctx, tx, fn)
}

func finish(ctx context.Context, tx Tx, fn func(tx Tx) error) error {
	done := false
	defer func() {
		if !done {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	done = true
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return models.StorageError("commit transaction", err)
	}
	return nil
}

// IsStorageFailure reports whether err is a storage failure rather than a
// domain outcome.
func IsStorageFailure(err error) bool {
	return errors.Is(err, models.ErrStorageFailure)
}
