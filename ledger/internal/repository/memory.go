package repository

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arenaledger/arena-stack/ledger/internal/models"
)

// InMemoryRepository implements Store in process memory. A transaction holds
// the repository lock until it commits or rolls back and works on a private
// copy of the state, so transactions are serialized and all-or-nothing. Code
// holding a Tx must not call the repository directly from the same goroutine.
type InMemoryRepository struct {
	memOps
	mu sync.RWMutex
	st *memState
}

// NewInMemoryRepository creates an empty in-memory store.
func NewInMemoryRepository() *InMemoryRepository {
	r := &InMemoryRepository{st: newMemState()}
	r.memOps = memOps{acquire: r.acquire}
	return r
}

func (r *InMemoryRepository) acquire(write bool) (*memState, func()) {
	if write {
		r.mu.Lock()
		return r.st, r.mu.Unlock
	}
	r.mu.RLock()
	return r.st, r.mu.RUnlock
}

// Begin locks the repository for the lifetime of the transaction.
func (r *InMemoryRepository) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	tx := &memTx{repo: r, st: r.st.clone()}
	tx.memOps = memOps{acquire: tx.acquire}
	return tx, nil
}

func (r *InMemoryRepository) Ping(ctx context.Context) error { return ctx.Err() }

func (r *InMemoryRepository) Close() error { return nil }

type memTx struct {
	memOps
	repo   *InMemoryRepository
	parent *memTx
	st     *memState
	done   bool
}

func (t *memTx) acquire(bool) (*memState, func()) {
	return t.st, func() {}
}

func (t *memTx) Nested(ctx context.Context) (Tx, error) {
	if t.done {
		return nil, fmt.Errorf("transaction already closed")
	}
	child := &memTx{repo: t.repo, parent: t, st: t.st.clone()}
	child.memOps = memOps{acquire: child.acquire}
	return child, nil
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("transaction already closed")
	}
	t.done = true
	if t.parent != nil {
		t.parent.st = t.st
		return nil
	}
	t.repo.st = t.st
	t.repo.mu.Unlock()
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if t.parent == nil {
		t.repo.mu.Unlock()
	}
	return nil
}

// =============================================================================
// STATE
// =============================================================================

type memState struct {
	rawEvents     map[string]models.RawEvent
	aggregates    map[string]models.Aggregate
	versionLog    map[string][]models.VersionLogEntry
	registrations map[string]models.Registration
	attendances   map[string]models.Attendance
	feedback      map[string]models.Feedback
	readModels    map[string]models.ReadModelRecord
	accounts      map[string]models.Account
	bets          map[string]models.Bet
	settlements   map[string]models.Settlement
	reports       map[string]models.Report
	cursors       map[string]models.Cursor
}

func newMemState() *memState {
	return &memState{
		rawEvents:     make(map[string]models.RawEvent),
		aggregates:    make(map[string]models.Aggregate),
		versionLog:    make(map[string][]models.VersionLogEntry),
		registrations: make(map[string]models.Registration),
		attendances:   make(map[string]models.Attendance),
		feedback:      make(map[string]models.Feedback),
		readModels:    make(map[string]models.ReadModelRecord),
		accounts:      make(map[string]models.Account),
		bets:          make(map[string]models.Bet),
		settlements:   make(map[string]models.Settlement),
		reports:       make(map[string]models.Report),
		cursors:       make(map[string]models.Cursor),
	}
}

// clone copies every table. Values are stored by value and their slices and
// maps are never mutated in place, so a shallow map copy is enough.
func (s *memState) clone() *memState {
	return &memState{
		rawEvents:     maps.Clone(s.rawEvents),
		aggregates:    maps.Clone(s.aggregates),
		versionLog:    maps.Clone(s.versionLog),
		registrations: maps.Clone(s.registrations),
		attendances:   maps.Clone(s.attendances),
		feedback:      maps.Clone(s.feedback),
		readModels:    maps.Clone(s.readModels),
		accounts:      maps.Clone(s.accounts),
		bets:          maps.Clone(s.bets),
		settlements:   maps.Clone(s.settlements),
		reports:       maps.Clone(s.reports),
		cursors:       maps.Clone(s.cursors),
	}
}

// memOps implements Reader and Writer over whichever state acquire returns.
type memOps struct {
	acquire func(write bool) (*memState, func())
}

// =============================================================================
// RAW EVENTS
// =============================================================================

func (o memOps) GetRawEvent(ctx context.Context, eventID string) (*models.RawEvent, error) {
	st, release := o.acquire(false)
	defer release()

	ev, ok := st.rawEvents[eventID]
	if !ok {
		return nil, fmt.Errorf("raw event %s: %w", eventID, models.ErrNotFound)
	}
	return &ev, nil
}

func (o memOps) ListUnprocessedEvents(ctx context.Context, limit int) ([]*models.RawEvent, error) {
	st, release := o.acquire(false)
	defer release()

	var out []*models.RawEvent
	for _, ev := range st.rawEvents {
		if !ev.Processed && ev.ParkedAt == nil {
			out = append(out, &ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Attempts != out[j].Attempts {
			return out[i].Attempts < out[j].Attempts
		}
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].EventID < out[j].EventID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (o memOps) InsertRawEvent(ctx context.Context, ev *models.RawEvent) (bool, error) {
	st, release := o.acquire(true)
	defer release()

	if _, exists := st.rawEvents[ev.EventID]; exists {
		return false, nil
	}
	st.rawEvents[ev.EventID] = *ev
	return true, nil
}

func (o memOps) LockRawEvent(ctx context.Context, eventID string) (*models.RawEvent, error) {
	return o.GetRawEvent(ctx, eventID)
}

func (o memOps) MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error {
	st, release := o.acquire(true)
	defer release()

	ev, ok := st.rawEvents[eventID]
	if !ok {
		return fmt.Errorf("raw event %s: %w", eventID, models.ErrNotFound)
	}
	ev.Processed = true
	ev.ProcessedAt = &at
	st.rawEvents[eventID] = ev
	return nil
}

func (o memOps) RecordEventFailure(ctx context.Context, f models.EventFailure) error {
	st, release := o.acquire(true)
	defer release()

	ev, ok := st.rawEvents[f.EventID]
	if !ok {
		return fmt.Errorf("raw event %s: %w", f.EventID, models.ErrNotFound)
	}
	ev.Attempts++
	ev.LastError = f.Reason
	if ev.ParkedAt == nil && (f.Permanent || (f.MaxAttempts > 0 && ev.Attempts >= f.MaxAttempts)) {
		at := f.At
		ev.ParkedAt = &at
	}
	st.rawEvents[f.EventID] = ev
	return nil
}

// =============================================================================
// AGGREGATES
// =============================================================================

func (o memOps) GetAggregate(ctx context.Context, id string) (*models.Aggregate, error) {
	st, release := o.acquire(false)
	defer release()

	agg, ok := st.aggregates[id]
	if !ok {
		return nil, fmt.Errorf("aggregate %s: %w", id, models.ErrNotFound)
	}
	return &agg, nil
}

func (o memOps) ListAggregates(ctx context.Context) ([]*models.Aggregate, error) {
	st, release := o.acquire(false)
	defer release()

	out := make([]*models.Aggregate, 0, len(st.aggregates))
	for _, agg := range st.aggregates {
		out = append(out, &agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (o memOps) GetVersionLog(ctx context.Context, aggregateID string) ([]models.VersionLogEntry, error) {
	st, release := o.acquire(false)
	defer release()

	entries := st.versionLog[aggregateID]
	out := make([]models.VersionLogEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (o memOps) InsertAggregate(ctx context.Context, agg *models.Aggregate) error {
	st, release := o.acquire(true)
	defer release()

	if _, exists := st.aggregates[agg.ID]; exists {
		return fmt.Errorf("aggregate %s: %w", agg.ID, models.ErrAggregateExists)
	}
	st.aggregates[agg.ID] = *agg
	return nil
}

func (o memOps) UpdateAggregate(ctx context.Context, agg *models.Aggregate, expectedVersion int) error {
	st, release := o.acquire(true)
	defer release()

	current, ok := st.aggregates[agg.ID]
	if !ok {
		return fmt.Errorf("aggregate %s: %w", agg.ID, models.ErrNotFound)
	}
	if current.Version != expectedVersion {
		return &models.ConflictError{AggregateID: agg.ID, Expected: expectedVersion, Actual: current.Version}
	}
	next := *agg
	next.Version = expectedVersion + 1
	next.CreatedAt = current.CreatedAt
	st.aggregates[agg.ID] = next
	agg.Version = next.Version
	return nil
}

func (o memOps) AppendVersionLog(ctx context.Context, entry models.VersionLogEntry) error {
	st, release := o.acquire(true)
	defer release()

	entries := st.versionLog[entry.AggregateID]
	for _, e := range entries {
		if e.ToVersion == entry.ToVersion {
			return fmt.Errorf("version log %s@%d: %w", entry.AggregateID, entry.ToVersion, models.ErrAlreadyExists)
		}
	}
	next := make([]models.VersionLogEntry, len(entries), len(entries)+1)
	copy(next, entries)
	st.versionLog[entry.AggregateID] = append(next, entry)
	return nil
}

// =============================================================================
// ACTIVITY
// =============================================================================

func (o memOps) InsertRegistration(ctx context.Context, reg *models.Registration) error {
	st, release := o.acquire(true)
	defer release()

	if _, exists := st.registrations[reg.ID]; exists {
		return fmt.Errorf("registration %s: %w", reg.ID, models.ErrAlreadyExists)
	}
	st.registrations[reg.ID] = *reg
	return nil
}

func (o memOps) InsertAttendance(ctx context.Context, att *models.Attendance) error {
	st, release := o.acquire(true)
	defer release()

	if _, exists := st.attendances[att.ID]; exists {
		return fmt.Errorf("attendance %s: %w", att.ID, models.ErrAlreadyExists)
	}
	st.attendances[att.ID] = *att
	return nil
}

func (o memOps) InsertFeedback(ctx context.Context, fb *models.Feedback) error {
	st, release := o.acquire(true)
	defer release()

	if _, exists := st.feedback[fb.ID]; exists {
		return fmt.Errorf("feedback %s: %w", fb.ID, models.ErrAlreadyExists)
	}
	st.feedback[fb.ID] = *fb
	return nil
}

func (o memOps) ActivityCounts(ctx context.Context, aggregateID string) (models.ActivityCounts, error) {
	all, err := o.AllActivityCounts(ctx)
	if err != nil {
		return models.ActivityCounts{}, err
	}
	return all[aggregateID], nil
}

func (o memOps) AllActivityCounts(ctx context.Context) (map[string]models.ActivityCounts, error) {
	st, release := o.acquire(false)
	defer release()

	out := make(map[string]models.ActivityCounts)
	touch := func(id string, at time.Time, apply func(c *models.ActivityCounts)) {
		c := out[id]
		apply(&c)
		if c.LastActivityAt == nil || at.After(*c.LastActivityAt) {
			c.LastActivityAt = &at
		}
		out[id] = c
	}
	for _, r := range st.registrations {
		touch(r.AggregateID, r.CreatedAt, func(c *models.ActivityCounts) { c.Registered++ })
	}
	for _, a := range st.attendances {
		touch(a.AggregateID, a.CreatedAt, func(c *models.ActivityCounts) { c.Attended++ })
	}
	for _, f := range st.feedback {
		touch(f.AggregateID, f.CreatedAt, func(c *models.ActivityCounts) {
			c.Feedback++
			c.RatingSum += f.Rating
		})
	}
	return out, nil
}

// =============================================================================
// READ MODEL
// =============================================================================

func (o memOps) GetReadModel(ctx context.Context, id string) (*models.ReadModelRecord, error) {
	st, release := o.acquire(false)
	defer release()

	rec, ok := st.readModels[id]
	if !ok {
		return nil, fmt.Errorf("read model %s: %w", id, models.ErrNotFound)
	}
	return &rec, nil
}

func (o memOps) TopByRegistration(ctx context.Context, limit int) ([]*models.ReadModelRecord, error) {
	st, release := o.acquire(false)
	defer release()

	var out []*models.ReadModelRecord
	for _, rec := range st.readModels {
		if rec.Published && !rec.IsDeleted {
			out = append(out, &rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredCount != out[j].RegisteredCount {
			return out[i].RegisteredCount > out[j].RegisteredCount
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (o memOps) LockReadModel(ctx context.Context, id string) (*models.ReadModelRecord, error) {
	return o.GetReadModel(ctx, id)
}

func (o memOps) LockAllReadModels(ctx context.Context) ([]*models.ReadModelRecord, error) {
	st, release := o.acquire(false)
	defer release()

	out := make([]*models.ReadModelRecord, 0, len(st.readModels))
	for _, rec := range st.readModels {
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (o memOps) UpsertReadModel(ctx context.Context, rec *models.ReadModelRecord) error {
	st, release := o.acquire(true)
	defer release()

	st.readModels[rec.ID] = *rec
	return nil
}

// =============================================================================
// BALANCES, BETS AND SETTLEMENTS
// =============================================================================

func (o memOps) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	st, release := o.acquire(false)
	defer release()

	acc, ok := st.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, models.ErrNotFound)
	}
	return &acc, nil
}

func (o memOps) AdjustBalance(ctx context.Context, accountID string, delta decimal.Decimal, at time.Time) (*models.Account, error) {
	st, release := o.acquire(true)
	defer release()

	acc, ok := st.accounts[accountID]
	if !ok {
		acc = models.Account{ID: accountID, Balance: decimal.Zero}
	}
	acc.Balance = acc.Balance.Add(delta)
	acc.UpdatedAt = at
	st.accounts[accountID] = acc
	return &acc, nil
}

func (o memOps) GetBet(ctx context.Context, id string) (*models.Bet, error) {
	st, release := o.acquire(false)
	defer release()

	bet, ok := st.bets[id]
	if !ok {
		return nil, fmt.Errorf("bet %s: %w", id, models.ErrNotFound)
	}
	return &bet, nil
}

func (o memOps) InsertBet(ctx context.Context, bet *models.Bet) error {
	st, release := o.acquire(true)
	defer release()

	if _, exists := st.bets[bet.ID]; exists {
		return fmt.Errorf("bet %s: %w", bet.ID, models.ErrAlreadyExists)
	}
	st.bets[bet.ID] = *bet
	return nil
}

func (o memOps) GetSettlement(ctx context.Context, id string) (*models.Settlement, error) {
	st, release := o.acquire(false)
	defer release()

	s, ok := st.settlements[id]
	if !ok {
		return nil, fmt.Errorf("settlement %s: %w", id, models.ErrNotFound)
	}
	return &s, nil
}

func (o memOps) InsertSettlement(ctx context.Context, s *models.Settlement) error {
	st, release := o.acquire(true)
	defer release()

	if _, exists := st.settlements[s.ID]; exists {
		return fmt.Errorf("settlement %s: %w", s.ID, models.ErrAlreadyExists)
	}
	st.settlements[s.ID] = *s
	return nil
}

func (o memOps) UpdateSettlement(ctx context.Context, s *models.Settlement) error {
	st, release := o.acquire(true)
	defer release()

	current, ok := st.settlements[s.ID]
	if !ok {
		return fmt.Errorf("settlement %s: %w", s.ID, models.ErrNotFound)
	}
	next := *s
	next.CreatedAt = current.CreatedAt
	st.settlements[s.ID] = next
	return nil
}

func (o memOps) ListNegativeBalances(ctx context.Context) ([]*models.Account, error) {
	st, release := o.acquire(false)
	defer release()

	var out []*models.Account
	for _, acc := range st.accounts {
		if acc.Balance.IsNegative() {
			out = append(out, &acc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (o memOps) ListOrphanedBets(ctx context.Context) ([]models.OrphanedBet, error) {
	st, release := o.acquire(false)
	defer release()

	var out []models.OrphanedBet
	for _, bet := range st.bets {
		agg, ok := st.aggregates[bet.AggregateID]
		switch {
		case !ok:
			out = append(out, models.OrphanedBet{Bet: bet, Reason: "missing"})
		case agg.Deleted:
			out = append(out, models.OrphanedBet{Bet: bet, Reason: "deleted"})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bet.ID < out[j].Bet.ID })
	return out, nil
}

func (o memOps) ListMismatchedSettlements(ctx context.Context) ([]models.SettlementPair, error) {
	st, release := o.acquire(false)
	defer release()

	var out []models.SettlementPair
	for _, s := range st.settlements {
		bet, ok := st.bets[s.BetID]
		if !ok || s.Payout.Equal(bet.Payout) {
			continue
		}
		out = append(out, models.SettlementPair{Settlement: s, Bet: bet})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Settlement.ID < out[j].Settlement.ID })
	return out, nil
}

func (o memOps) ListOpenSettlements(ctx context.Context, createdBefore time.Time) ([]*models.Settlement, error) {
	st, release := o.acquire(false)
	defer release()

	var out []*models.Settlement
	for _, s := range st.settlements {
		if !s.Status.IsTerminal() && s.CreatedAt.Before(createdBefore) {
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// REPORTS AND CURSORS
// =============================================================================

func (o memOps) SaveReport(ctx context.Context, report *models.Report) error {
	st, release := o.acquire(true)
	defer release()

	if _, exists := st.reports[report.ID]; exists {
		return fmt.Errorf("report %s: %w", report.ID, models.ErrAlreadyExists)
	}
	st.reports[report.ID] = *report
	return nil
}

func (o memOps) GetReport(ctx context.Context, id string) (*models.Report, error) {
	st, release := o.acquire(false)
	defer release()

	report, ok := st.reports[id]
	if !ok {
		return nil, fmt.Errorf("report %s: %w", id, models.ErrNotFound)
	}
	return &report, nil
}

func (o memOps) sortedReports(st *memState) []models.Report {
	out := make([]models.Report, 0, len(st.reports))
	for _, r := range st.reports {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (o memOps) ListReports(ctx context.Context, offset, limit int) ([]*models.Report, int, error) {
	st, release := o.acquire(false)
	defer release()

	all := o.sortedReports(st)
	total := len(all)
	if offset >= total {
		return []*models.Report{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}

	out := make([]*models.Report, 0, end-offset)
	for _, r := range all[offset:end] {
		r.Inconsistencies = nil
		out = append(out, &r)
	}
	return out, total, nil
}

func (o memOps) LatestCompletedReport(ctx context.Context) (*models.Report, error) {
	st, release := o.acquire(false)
	defer release()

	for _, r := range o.sortedReports(st) {
		if r.Status == models.ReportCompleted {
			return &r, nil
		}
	}
	return nil, fmt.Errorf("completed report: %w", models.ErrNotFound)
}

func (o memOps) GetCursor(ctx context.Context, source string) (*models.Cursor, error) {
	st, release := o.acquire(false)
	defer release()

	c, ok := st.cursors[source]
	if !ok {
		return nil, fmt.Errorf("cursor %s: %w", source, models.ErrNotFound)
	}
	return &c, nil
}

// SaveCursor only moves a cursor forward.
func (o memOps) SaveCursor(ctx context.Context, cursor models.Cursor) error {
	st, release := o.acquire(true)
	defer release()

	if current, ok := st.cursors[cursor.Source]; ok && current.Sequence >= cursor.Sequence {
		return nil
	}
	st.cursors[cursor.Source] = cursor
	return nil
}
