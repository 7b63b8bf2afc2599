package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/arenaledger/arena-stack/common/database"
	"github.com/arenaledger/arena-stack/ledger/internal/models"
)

// querier is the statement surface shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository implements Store on PostgreSQL. Transactions run at
// read committed; SaveReport should run inside a Tx so the report and its
// inconsistency rows land together.
type PostgresRepository struct {
	pgOps
	pool *pgxpool.Pool
}

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultPoolConfig returns pool defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConns:        25,
		MinConns:        2,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: time.Minute,
	}
}

// NewPostgresRepository connects to PostgreSQL and verifies the connection.
func NewPostgresRepository(ctx context.Context, connString string, pc PoolConfig) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if pc.MaxConns > 0 {
		config.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		config.MinConns = pc.MinConns
	}
	if pc.MaxConnLifetime > 0 {
		config.MaxConnLifetime = pc.MaxConnLifetime
	}
	if pc.MaxConnIdleTime > 0 {
		config.MaxConnIdleTime = pc.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pgOps: pgOps{q: pool}, pool: pool}, nil
}

// Begin opens a read committed transaction.
func (r *PostgresRepository) Begin(ctx context.Context) (Tx, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &pgTx{pgOps: pgOps{q: tx}, tx: tx}, nil
}

// Ping checks database connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close closes the connection pool.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

type pgTx struct {
	pgOps
	tx pgx.Tx
}

// Nested opens a savepoint.
func (t *pgTx) Nested(ctx context.Context) (Tx, error) {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create savepoint: %w", err)
	}
	return &pgTx{pgOps: pgOps{q: sp}, tx: sp}, nil
}

func (t *pgTx) Commit(ctx context.Context) error { return t.tx.Commit(ctx) }

func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

// pgOps implements Reader and Writer over a pool or a transaction.
type pgOps struct {
	q querier
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, models.ErrNotFound)
	}
	return models.StorageError("get "+what, err)
}

// =============================================================================
// RAW EVENTS
// =============================================================================

const rawEventColumns = `event_id, contract, type, payload, block_number, timestamp,
	processed, attempts, last_error, received_at, processed_at, parked_at`

func scanRawEvent(row pgx.Row) (*models.RawEvent, error) {
	var ev models.RawEvent
	var payload []byte
	if err := row.Scan(&ev.EventID, &ev.Contract, &ev.Type, &payload, &ev.BlockNumber, &ev.Timestamp,
		&ev.Processed, &ev.Attempts, &ev.LastError, &ev.ReceivedAt, &ev.ProcessedAt, &ev.ParkedAt); err != nil {
		return nil, err
	}
	ev.Payload = json.RawMessage(payload)
	return &ev, nil
}

func (o pgOps) GetRawEvent(ctx context.Context, eventID string) (*models.RawEvent, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	ev, err := scanRawEvent(o.q.QueryRow(ctx,
		`SELECT `+rawEventColumns+` FROM raw_events WHERE event_id = $1`, eventID))
	if err != nil {
		return nil, notFound(err, "raw event", eventID)
	}
	return ev, nil
}

func (o pgOps) ListUnprocessedEvents(ctx context.Context, limit int) ([]*models.RawEvent, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := o.q.Query(ctx, `
		SELECT `+rawEventColumns+`
		FROM raw_events
		WHERE processed = FALSE AND parked_at IS NULL
		ORDER BY attempts, block_number, event_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, models.StorageError("list unprocessed events", err)
	}
	defer rows.Close()

	var out []*models.RawEvent
	for rows.Next() {
		ev, err := scanRawEvent(rows)
		if err != nil {
			return nil, models.StorageError("scan raw event", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, models.StorageError("list unprocessed events", err)
	}
	return out, nil
}

func (o pgOps) InsertRawEvent(ctx context.Context, ev *models.RawEvent) (bool, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	payload := []byte(ev.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	tag, err := o.q.Exec(ctx, `
		INSERT INTO raw_events (event_id, contract, type, payload, block_number, timestamp, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING
	`, ev.EventID, ev.Contract, ev.Type, payload, ev.BlockNumber, ev.Timestamp, ev.ReceivedAt)
	if err != nil {
		return false, models.StorageError("insert raw event", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (o pgOps) LockRawEvent(ctx context.Context, eventID string) (*models.RawEvent, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	ev, err := scanRawEvent(o.q.QueryRow(ctx,
		`SELECT `+rawEventColumns+` FROM raw_events WHERE event_id = $1 FOR UPDATE`, eventID))
	if err != nil {
		return nil, notFound(err, "raw event", eventID)
	}
	return ev, nil
}

func (o pgOps) MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := o.q.Exec(ctx,
		`UPDATE raw_events SET processed = TRUE, processed_at = $2 WHERE event_id = $1`, eventID, at)
	if err != nil {
		return models.StorageError("mark event processed", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("raw event %s: %w", eventID, models.ErrNotFound)
	}
	return nil
}

func (o pgOps) RecordEventFailure(ctx context.Context, f models.EventFailure) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := o.q.Exec(ctx, `
		UPDATE raw_events
		SET attempts = attempts + 1,
		    last_error = $2,
		    parked_at = CASE
		        WHEN parked_at IS NULL AND ($3 OR ($4 > 0 AND attempts + 1 >= $4)) THEN $5
		        ELSE parked_at
		    END
		WHERE event_id = $1
	`, f.EventID, f.Reason, f.Permanent, f.MaxAttempts, f.At)
	if err != nil {
		return models.StorageError("record event failure", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("raw event %s: %w", f.EventID, models.ErrNotFound)
	}
	return nil
}

// =============================================================================
// AGGREGATES (versioned: id + version)
// =============================================================================

const aggregateColumns = `id, title, capacity, published, deleted, version, created_at, updated_at`

func scanAggregate(row pgx.Row) (*models.Aggregate, error) {
	var a models.Aggregate
	if err := row.Scan(&a.ID, &a.Title, &a.Capacity, &a.Published, &a.Deleted,
		&a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (o pgOps) GetAggregate(ctx context.Context, id string) (*models.Aggregate, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	agg, err := scanAggregate(o.q.QueryRow(ctx,
		`SELECT `+aggregateColumns+` FROM aggregates WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "aggregate", id)
	}
	return agg, nil
}

func (o pgOps) ListAggregates(ctx context.Context) ([]*models.Aggregate, error) {
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	rows, err := o.q.Query(ctx, `SELECT `+aggregateColumns+` FROM aggregates ORDER BY id`)
	if err != nil {
		return nil, models.StorageError("list aggregates", err)
	}
	defer rows.Close()

	var out []*models.Aggregate
	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			return nil, models.StorageError("scan aggregate", err)
		}
		out = append(out, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, models.StorageError("list aggregates", err)
	}
	return out, nil
}

func (o pgOps) GetVersionLog(ctx context.Context, aggregateID string) ([]models.VersionLogEntry, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := o.q.Query(ctx, `
		SELECT aggregate_id, from_version, to_version, operation, event_id, applied_at
		FROM aggregate_version_log
		WHERE aggregate_id = $1
		ORDER BY to_version
	`, aggregateID)
	if err != nil {
		return nil, models.StorageError("get version log", err)
	}
	defer rows.Close()

	out := []models.VersionLogEntry{}
	for rows.Next() {
		var e models.VersionLogEntry
		if err := rows.Scan(&e.AggregateID, &e.FromVersion, &e.ToVersion, &e.Operation, &e.EventID, &e.AppliedAt); err != nil {
			return nil, models.StorageError("scan version log", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, models.StorageError("get version log", err)
	}
	return out, nil
}

func (o pgOps) InsertAggregate(ctx context.Context, agg *models.Aggregate) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err := o.q.Exec(ctx, `
		INSERT INTO aggregates (id, title, capacity, published, deleted, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, agg.ID, agg.Title, agg.Capacity, agg.Published, agg.Deleted, agg.Version, agg.CreatedAt, agg.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("aggregate %s: %w", agg.ID, models.ErrAggregateExists)
		}
		return models.StorageError("insert aggregate", err)
	}
	return nil
}

// UpdateAggregate is a compare-and-swap on version. A miss is resolved into
// not-found or a conflict carrying the stored version.
func (o pgOps) UpdateAggregate(ctx context.Context, agg *models.Aggregate, expectedVersion int) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	var newVersion int
	err := o.q.QueryRow(ctx, `
		UPDATE aggregates
		SET title = $3, capacity = $4, published = $5, deleted = $6,
		    version = version + 1, updated_at = $7
		WHERE id = $1 AND version = $2
		RETURNING version
	`, agg.ID, expectedVersion, agg.Title, agg.Capacity, agg.Published, agg.Deleted, agg.UpdatedAt).Scan(&newVersion)
	if err == nil {
		agg.Version = newVersion
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.StorageError("update aggregate", err)
	}

	var actual int
	err = o.q.QueryRow(ctx, `SELECT version FROM aggregates WHERE id = $1`, agg.ID).Scan(&actual)
	if err != nil {
		return notFound(err, "aggregate", agg.ID)
	}
	return &models.ConflictError{AggregateID: agg.ID, Expected: expectedVersion, Actual: actual}
}

func (o pgOps) AppendVersionLog(ctx context.Context, e models.VersionLogEntry) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err := o.q.Exec(ctx, `
		INSERT INTO aggregate_version_log (aggregate_id, from_version, to_version, operation, event_id, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.AggregateID, e.FromVersion, e.ToVersion, e.Operation, e.EventID, e.AppliedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("version log %s@%d: %w", e.AggregateID, e.ToVersion, models.ErrAlreadyExists)
		}
		return models.StorageError("append version log", err)
	}
	return nil
}

// =============================================================================
// ACTIVITY
// =============================================================================

func (o pgOps) insertActivity(ctx context.Context, what, sql string, id string, args ...any) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	if _, err := o.q.Exec(ctx, sql, append([]any{id}, args...)...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s %s: %w", what, id, models.ErrAlreadyExists)
		}
		return models.StorageError("insert "+what, err)
	}
	return nil
}

func (o pgOps) InsertRegistration(ctx context.Context, reg *models.Registration) error {
	return o.insertActivity(ctx, "registration",
		`INSERT INTO registrations (id, aggregate_id, account_id, created_at) VALUES ($1, $2, $3, $4)`,
		reg.ID, reg.AggregateID, reg.AccountID, reg.CreatedAt)
}

func (o pgOps) InsertAttendance(ctx context.Context, att *models.Attendance) error {
	return o.insertActivity(ctx, "attendance",
		`INSERT INTO attendances (id, aggregate_id, account_id, created_at) VALUES ($1, $2, $3, $4)`,
		att.ID, att.AggregateID, att.AccountID, att.CreatedAt)
}

func (o pgOps) InsertFeedback(ctx context.Context, fb *models.Feedback) error {
	return o.insertActivity(ctx, "feedback",
		`INSERT INTO feedback (id, aggregate_id, account_id, rating, created_at) VALUES ($1, $2, $3, $4, $5)`,
		fb.ID, fb.AggregateID, fb.AccountID, fb.Rating, fb.CreatedAt)
}

func (o pgOps) ActivityCounts(ctx context.Context, aggregateID string) (models.ActivityCounts, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var c models.ActivityCounts
	err := o.q.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM registrations WHERE aggregate_id = $1),
			(SELECT COUNT(*) FROM attendances WHERE aggregate_id = $1),
			(SELECT COUNT(*) FROM feedback WHERE aggregate_id = $1),
			(SELECT COALESCE(SUM(rating), 0) FROM feedback WHERE aggregate_id = $1),
			(SELECT MAX(created_at) FROM (
				SELECT created_at FROM registrations WHERE aggregate_id = $1
				UNION ALL SELECT created_at FROM attendances WHERE aggregate_id = $1
				UNION ALL SELECT created_at FROM feedback WHERE aggregate_id = $1
			) activity)
	`, aggregateID).Scan(&c.Registered, &c.Attended, &c.Feedback, &c.RatingSum, &c.LastActivityAt)
	if err != nil {
		return models.ActivityCounts{}, models.StorageError("activity counts", err)
	}
	return c, nil
}

func (o pgOps) AllActivityCounts(ctx context.Context) (map[string]models.ActivityCounts, error) {
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	rows, err := o.q.Query(ctx, `
		WITH activity AS (
			SELECT aggregate_id, 1 AS reg, 0 AS att, 0 AS fb, 0 AS rating, created_at FROM registrations
			UNION ALL
			SELECT aggregate_id, 0, 1, 0, 0, created_at FROM attendances
			UNION ALL
			SELECT aggregate_id, 0, 0, 1, rating, created_at FROM feedback
		)
		SELECT aggregate_id, SUM(reg), SUM(att), SUM(fb), SUM(rating), MAX(created_at)
		FROM activity
		GROUP BY aggregate_id
	`)
	if err != nil {
		return nil, models.StorageError("all activity counts", err)
	}
	defer rows.Close()

	out := make(map[string]models.ActivityCounts)
	for rows.Next() {
		var id string
		var c models.ActivityCounts
		if err := rows.Scan(&id, &c.Registered, &c.Attended, &c.Feedback, &c.RatingSum, &c.LastActivityAt); err != nil {
			return nil, models.StorageError("scan activity counts", err)
		}
		out[id] = c
	}
	if err := rows.Err(); err != nil {
		return nil, models.StorageError("all activity counts", err)
	}
	return out, nil
}

// =============================================================================
// READ MODEL
// =============================================================================

const readModelColumns = `id, title, capacity, published, registered_count, attendance_count,
	feedback_count, average_rating, last_activity_at, is_deleted`

func scanReadModel(row pgx.Row) (*models.ReadModelRecord, error) {
	var r models.ReadModelRecord
	if err := row.Scan(&r.ID, &r.Title, &r.Capacity, &r.Published, &r.RegisteredCount, &r.AttendanceCount,
		&r.FeedbackCount, &r.AverageRating, &r.LastActivityAt, &r.IsDeleted); err != nil {
		return nil, err
	}
	if r.LastActivityAt != nil {
		t := r.LastActivityAt.UTC()
		r.LastActivityAt = &t
	}
	return &r, nil
}

func (o pgOps) queryReadModels(ctx context.Context, op, sql string, args ...any) ([]*models.ReadModelRecord, error) {
	rows, err := o.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, models.StorageError(op, err)
	}
	defer rows.Close()

	out := []*models.ReadModelRecord{}
	for rows.Next() {
		rec, err := scanReadModel(rows)
		if err != nil {
			return nil, models.StorageError("scan read model", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, models.StorageError(op, err)
	}
	return out, nil
}

func (o pgOps) GetReadModel(ctx context.Context, id string) (*models.ReadModelRecord, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rec, err := scanReadModel(o.q.QueryRow(ctx,
		`SELECT `+readModelColumns+` FROM read_models WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "read model", id)
	}
	return rec, nil
}

func (o pgOps) TopByRegistration(ctx context.Context, limit int) ([]*models.ReadModelRecord, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	return o.queryReadModels(ctx, "top by registration", `
		SELECT `+readModelColumns+`
		FROM read_models
		WHERE published AND NOT is_deleted
		ORDER BY registered_count DESC, id
		LIMIT $1
	`, limit)
}

func (o pgOps) LockReadModel(ctx context.Context, id string) (*models.ReadModelRecord, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	rec, err := scanReadModel(o.q.QueryRow(ctx,
		`SELECT `+readModelColumns+` FROM read_models WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "read model", id)
	}
	return rec, nil
}

func (o pgOps) LockAllReadModels(ctx context.Context) ([]*models.ReadModelRecord, error) {
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	return o.queryReadModels(ctx, "lock read models",
		`SELECT `+readModelColumns+` FROM read_models ORDER BY id FOR UPDATE`)
}

func (o pgOps) UpsertReadModel(ctx context.Context, r *models.ReadModelRecord) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err := o.q.Exec(ctx, `
		INSERT INTO read_models (id, title, capacity, published, registered_count, attendance_count,
			feedback_count, average_rating, last_activity_at, is_deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			capacity = EXCLUDED.capacity,
			published = EXCLUDED.published,
			registered_count = EXCLUDED.registered_count,
			attendance_count = EXCLUDED.attendance_count,
			feedback_count = EXCLUDED.feedback_count,
			average_rating = EXCLUDED.average_rating,
			last_activity_at = EXCLUDED.last_activity_at,
			is_deleted = EXCLUDED.is_deleted
	`, r.ID, r.Title, r.Capacity, r.Published, r.RegisteredCount, r.AttendanceCount,
		r.FeedbackCount, r.AverageRating, r.LastActivityAt, r.IsDeleted)
	if err != nil {
		return models.StorageError("upsert read model", err)
	}
	return nil
}

// =============================================================================
// BALANCES, BETS AND SETTLEMENTS
// =============================================================================

func (o pgOps) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var a models.Account
	err := o.q.QueryRow(ctx, `SELECT id, balance, updated_at FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.Balance, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "account", id)
	}
	return &a, nil
}

func (o pgOps) AdjustBalance(ctx context.Context, accountID string, delta decimal.Decimal, at time.Time) (*models.Account, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	var a models.Account
	err := o.q.QueryRow(ctx, `
		INSERT INTO accounts (id, balance, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			balance = accounts.balance + EXCLUDED.balance,
			updated_at = EXCLUDED.updated_at
		RETURNING id, balance, updated_at
	`, accountID, delta, at).Scan(&a.ID, &a.Balance, &a.UpdatedAt)
	if err != nil {
		return nil, models.StorageError("adjust balance", err)
	}
	return &a, nil
}

const betColumns = `id, account_id, aggregate_id, stake, payout, created_at`

func (o pgOps) GetBet(ctx context.Context, id string) (*models.Bet, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var b models.Bet
	err := o.q.QueryRow(ctx, `SELECT `+betColumns+` FROM bets WHERE id = $1`, id).
		Scan(&b.ID, &b.AccountID, &b.AggregateID, &b.Stake, &b.Payout, &b.CreatedAt)
	if err != nil {
		return nil, notFound(err, "bet", id)
	}
	return &b, nil
}

func (o pgOps) InsertBet(ctx context.Context, b *models.Bet) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err := o.q.Exec(ctx, `INSERT INTO bets (`+betColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.AccountID, b.AggregateID, b.Stake, b.Payout, b.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("bet %s: %w", b.ID, models.ErrAlreadyExists)
		}
		return models.StorageError("insert bet", err)
	}
	return nil
}

const settlementColumns = `id, bet_id, status, payout, created_at, updated_at`

func scanSettlement(row pgx.Row) (*models.Settlement, error) {
	var s models.Settlement
	if err := row.Scan(&s.ID, &s.BetID, &s.Status, &s.Payout, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func (o pgOps) GetSettlement(ctx context.Context, id string) (*models.Settlement, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	s, err := scanSettlement(o.q.QueryRow(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "settlement", id)
	}
	return s, nil
}

func (o pgOps) InsertSettlement(ctx context.Context, s *models.Settlement) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err := o.q.Exec(ctx, `INSERT INTO settlements (`+settlementColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.BetID, s.Status, s.Payout, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("settlement %s: %w", s.ID, models.ErrAlreadyExists)
		}
		return models.StorageError("insert settlement", err)
	}
	return nil
}

func (o pgOps) UpdateSettlement(ctx context.Context, s *models.Settlement) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := o.q.Exec(ctx,
		`UPDATE settlements SET status = $2, payout = $3, updated_at = $4 WHERE id = $1`,
		s.ID, s.Status, s.Payout, s.UpdatedAt)
	if err != nil {
		return models.StorageError("update settlement", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("settlement %s: %w", s.ID, models.ErrNotFound)
	}
	return nil
}

func (o pgOps) ListNegativeBalances(ctx context.Context) ([]*models.Account, error) {
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	rows, err := o.q.Query(ctx, `SELECT id, balance, updated_at FROM accounts WHERE balance < 0 ORDER BY id`)
	if err != nil {
		return nil, models.StorageError("list negative balances", err)
	}
	defer rows.Close()

	var out []*models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.Balance, &a.UpdatedAt); err != nil {
			return nil, models.StorageError("scan account", err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, models.StorageError("list negative balances", err)
	}
	return out, nil
}

func (o pgOps) ListOrphanedBets(ctx context.Context) ([]models.OrphanedBet, error) {
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	rows, err := o.q.Query(ctx, `
		SELECT b.id, b.account_id, b.aggregate_id, b.stake, b.payout, b.created_at,
		       CASE WHEN a.id IS NULL THEN 'missing' ELSE 'deleted' END
		FROM bets b
		LEFT JOIN aggregates a ON a.id = b.aggregate_id
		WHERE a.id IS NULL OR a.deleted
		ORDER BY b.id
	`)
	if err != nil {
		return nil, models.StorageError("list orphaned bets", err)
	}
	defer rows.Close()

	var out []models.OrphanedBet
	for rows.Next() {
		var ob models.OrphanedBet
		b := &ob.Bet
		if err := rows.Scan(&b.ID, &b.AccountID, &b.AggregateID, &b.Stake, &b.Payout, &b.CreatedAt, &ob.Reason); err != nil {
			return nil, models.StorageError("scan orphaned bet", err)
		}
		out = append(out, ob)
	}
	if err := rows.Err(); err != nil {
		return nil, models.StorageError("list orphaned bets", err)
	}
	return out, nil
}

func (o pgOps) ListMismatchedSettlements(ctx context.Context) ([]models.SettlementPair, error) {
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	rows, err := o.q.Query(ctx, `
		SELECT s.id, s.bet_id, s.status, s.payout, s.created_at, s.updated_at,
		       b.id, b.account_id, b.aggregate_id, b.stake, b.payout, b.created_at
		FROM settlements s
		JOIN bets b ON b.id = s.bet_id
		WHERE s.payout <> b.payout
		ORDER BY s.id
	`)
	if err != nil {
		return nil, models.StorageError("list mismatched settlements", err)
	}
	defer rows.Close()

	var out []models.SettlementPair
	for rows.Next() {
		var p models.SettlementPair
		s, b := &p.Settlement, &p.Bet
		if err := rows.Scan(&s.ID, &s.BetID, &s.Status, &s.Payout, &s.CreatedAt, &s.UpdatedAt,
			&b.ID, &b.AccountID, &b.AggregateID, &b.Stake, &b.Payout, &b.CreatedAt); err != nil {
			return nil, models.StorageError("scan settlement pair", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, models.StorageError("list mismatched settlements", err)
	}
	return out, nil
}

func (o pgOps) ListOpenSettlements(ctx context.Context, createdBefore time.Time) ([]*models.Settlement, error) {
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	rows, err := o.q.Query(ctx, `
		SELECT `+settlementColumns+`
		FROM settlements
		WHERE status IN ('PENDING', 'PROCESSING') AND created_at < $1
		ORDER BY id
	`, createdBefore)
	if err != nil {
		return nil, models.StorageError("list open settlements", err)
	}
	defer rows.Close()

	var out []*models.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, models.StorageError("scan settlement", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, models.StorageError("list open settlements", err)
	}
	return out, nil
}

// =============================================================================
// REPORTS AND CURSORS
// =============================================================================

func (o pgOps) SaveReport(ctx context.Context, r *models.Report) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	failed := r.FailedRules
	if failed == nil {
		failed = []models.RuleFailure{}
	}

	_, err := o.q.Exec(ctx, `
		INSERT INTO reconciliation_reports (id, type, status, started_at, completed_at, summary, failed_rules)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.Type, r.Status, r.StartedAt, r.CompletedAt, r.Summary, failed)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("report %s: %w", r.ID, models.ErrAlreadyExists)
		}
		return models.StorageError("insert report", err)
	}

	for i, inc := range r.Inconsistencies {
		details := inc.Details
		if details == nil {
			details = map[string]any{}
		}
		if _, err := o.q.Exec(ctx, `
			INSERT INTO reconciliation_inconsistencies (report_id, position, kind, entity_id, details, detected_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, r.ID, i, inc.Kind, inc.EntityID, details, inc.DetectedAt); err != nil {
			return models.StorageError("insert inconsistency", err)
		}
	}
	return nil
}

const reportColumns = `id, type, status, started_at, completed_at, summary, failed_rules`

func scanReport(row pgx.Row) (*models.Report, error) {
	var r models.Report
	if err := row.Scan(&r.ID, &r.Type, &r.Status, &r.StartedAt, &r.CompletedAt, &r.Summary, &r.FailedRules); err != nil {
		return nil, err
	}
	if len(r.FailedRules) == 0 {
		r.FailedRules = nil
	}
	return &r, nil
}

func (o pgOps) GetReport(ctx context.Context, id string) (*models.Report, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	r, err := scanReport(o.q.QueryRow(ctx, `SELECT `+reportColumns+` FROM reconciliation_reports WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "report", id)
	}
	if err := o.loadInconsistencies(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (o pgOps) loadInconsistencies(ctx context.Context, r *models.Report) error {
	rows, err := o.q.Query(ctx, `
		SELECT kind, entity_id, details, detected_at
		FROM reconciliation_inconsistencies
		WHERE report_id = $1
		ORDER BY position
	`, r.ID)
	if err != nil {
		return models.StorageError("load inconsistencies", err)
	}
	defer rows.Close()

	for rows.Next() {
		var inc models.Inconsistency
		if err := rows.Scan(&inc.Kind, &inc.EntityID, &inc.Details, &inc.DetectedAt); err != nil {
			return models.StorageError("scan inconsistency", err)
		}
		r.Inconsistencies = append(r.Inconsistencies, inc)
	}
	if err := rows.Err(); err != nil {
		return models.StorageError("load inconsistencies", err)
	}
	return nil
}

func (o pgOps) ListReports(ctx context.Context, offset, limit int) ([]*models.Report, int, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var total int
	if err := o.q.QueryRow(ctx, `SELECT COUNT(*) FROM reconciliation_reports`).Scan(&total); err != nil {
		return nil, 0, models.StorageError("count reports", err)
	}

	rows, err := o.q.Query(ctx, `
		SELECT `+reportColumns+`
		FROM reconciliation_reports
		ORDER BY started_at DESC, id DESC
		OFFSET $1 LIMIT $2
	`, offset, limit)
	if err != nil {
		return nil, 0, models.StorageError("list reports", err)
	}
	defer rows.Close()

	out := []*models.Report{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, 0, models.StorageError("scan report", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, models.StorageError("list reports", err)
	}
	return out, total, nil
}

func (o pgOps) LatestCompletedReport(ctx context.Context) (*models.Report, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	r, err := scanReport(o.q.QueryRow(ctx, `
		SELECT `+reportColumns+`
		FROM reconciliation_reports
		WHERE status = 'COMPLETED'
		ORDER BY started_at DESC, id DESC
		LIMIT 1
	`))
	if err != nil {
		return nil, notFound(err, "report", "latest completed")
	}
	return r, nil
}

func (o pgOps) GetCursor(ctx context.Context, source string) (*models.Cursor, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var c models.Cursor
	err := o.q.QueryRow(ctx,
		`SELECT source, sequence, block_number, updated_at FROM ingestion_cursors WHERE source = $1`, source).
		Scan(&c.Source, &c.Sequence, &c.BlockNumber, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "cursor", source)
	}
	return &c, nil
}

// SaveCursor only moves a cursor forward.
func (o pgOps) SaveCursor(ctx context.Context, c models.Cursor) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err := o.q.Exec(ctx, `
		INSERT INTO ingestion_cursors (source, sequence, block_number, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source) DO UPDATE SET
			sequence = EXCLUDED.sequence,
			block_number = EXCLUDED.block_number,
			updated_at = EXCLUDED.updated_at
		WHERE ingestion_cursors.sequence < EXCLUDED.sequence
	`, c.Source, int64(c.Sequence), c.BlockNumber, c.UpdatedAt)
	if err != nil {
		return models.StorageError("save cursor", err)
	}
	return nil
}
