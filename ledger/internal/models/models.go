// Package models holds the ledger's domain types: raw chain events, the
// versioned write model, the materialized read model, the balance-bearing
// tables and reconciliation reports.
package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// INGESTION
// =============================================================================

// RawEvent is a chain event as received from the stream. Rows are append-only;
// only the processing bookkeeping columns change after insert.
type RawEvent struct {
	EventID     string          `json:"eventId"`
	Contract    string          `json:"contract"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	BlockNumber int64           `json:"blockNumber"`
	Timestamp   time.Time       `json:"timestamp"`
	Processed   bool            `json:"processed"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"lastError,omitempty"`
	ReceivedAt  time.Time       `json:"receivedAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	// ParkedAt is set once the event is taken out of reprocessing.
	ParkedAt *time.Time `json:"parkedAt,omitempty"`
}

// EventFailure records one failed attempt to apply a stored event.
type EventFailure struct {
	EventID string
	Reason  string
	// Permanent parks the event now; retrying cannot change the outcome.
	Permanent bool
	// MaxAttempts parks the event once its attempt count reaches it. Zero
	// never parks on count.
	MaxAttempts int
	At          time.Time
}

// Cursor is the last committed position of a stream source.
type Cursor struct {
	Source      string    `json:"source"`
	Sequence    uint64    `json:"sequence"`
	BlockNumber int64     `json:"blockNumber"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// =============================================================================
// WRITE MODEL
// =============================================================================

// Operation names a version transition.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpBulk   Operation = "bulk"
)

// Aggregate is the versioned source-of-truth record for an arena event listing.
// Version starts at 1 and moves by exactly one per applied mutation.
type Aggregate struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Capacity  int       `json:"capacity"`
	Published bool      `json:"published"`
	Deleted   bool      `json:"deleted"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AggregateFields carries the business fields a mutation sets. Nil fields are
// left unchanged on update.
type AggregateFields struct {
	Title     *string `json:"title,omitempty"`
	Capacity  *int    `json:"capacity,omitempty"`
	Published *bool   `json:"published,omitempty"`
}

// VersionLogEntry records one version transition of an aggregate.
type VersionLogEntry struct {
	AggregateID string    `json:"aggregateId"`
	FromVersion int       `json:"fromVersion"`
	ToVersion   int       `json:"toVersion"`
	Operation   Operation `json:"operation"`
	EventID     string    `json:"eventId,omitempty"`
	AppliedAt   time.Time `json:"appliedAt"`
}

// =============================================================================
// TRANSACTIONAL ACTIVITY
// =============================================================================

// Registration is an account signing up for an aggregate.
type Registration struct {
	ID          string    `json:"id"`
	AggregateID string    `json:"aggregateId"`
	AccountID   string    `json:"accountId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Attendance is an account checking in to an aggregate.
type Attendance struct {
	ID          string    `json:"id"`
	AggregateID string    `json:"aggregateId"`
	AccountID   string    `json:"accountId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Feedback is a 1-5 rating left for an aggregate.
type Feedback struct {
	ID          string    `json:"id"`
	AggregateID string    `json:"aggregateId"`
	AccountID   string    `json:"accountId"`
	Rating      int       `json:"rating"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ActivityCounts are the grouped activity figures for one aggregate.
type ActivityCounts struct {
	Registered     int
	Attended       int
	Feedback       int
	RatingSum      int
	LastActivityAt *time.Time
}

// =============================================================================
// BALANCES, BETS AND SETTLEMENTS
// =============================================================================

// Account is a balance-bearing row.
type Account struct {
	ID        string          `json:"id"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Bet is a wager on an aggregate. Payout is the recorded expected payout.
type Bet struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"accountId"`
	AggregateID string          `json:"aggregateId"`
	Stake       decimal.Decimal `json:"stake"`
	Payout      decimal.Decimal `json:"payout"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// SettlementStatus is the settlement state machine.
type SettlementStatus string

const (
	SettlementPending    SettlementStatus = "PENDING"
	SettlementProcessing SettlementStatus = "PROCESSING"
	SettlementCompleted  SettlementStatus = "COMPLETED"
	SettlementFailed     SettlementStatus = "FAILED"
	SettlementCancelled  SettlementStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is expected.
func (s SettlementStatus) IsTerminal() bool {
	switch s {
	case SettlementCompleted, SettlementFailed, SettlementCancelled:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is a known status.
func (s SettlementStatus) IsValid() bool {
	switch s {
	case SettlementPending, SettlementProcessing, SettlementCompleted, SettlementFailed, SettlementCancelled:
		return true
	default:
		return false
	}
}

// Settlement pays out a bet.
type Settlement struct {
	ID        string           `json:"id"`
	BetID     string           `json:"betId"`
	Status    SettlementStatus `json:"status"`
	Payout    decimal.Decimal  `json:"payout"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// OrphanedBet is a bet whose aggregate is gone. Reason is "missing" or "deleted".
type OrphanedBet struct {
	Bet    Bet
	Reason string
}

// SettlementPair joins a settlement with the bet it pays out.
type SettlementPair struct {
	Settlement Settlement
	Bet        Bet
}
