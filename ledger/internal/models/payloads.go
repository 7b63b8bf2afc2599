package models

import "github.com/shopspring/decimal"

// Chain event types the processor understands.
const (
	EventCreate            = "create"
	EventUpdate            = "update"
	EventDelete            = "delete"
	EventBulkCreate        = "bulk_create"
	EventRegistration      = "registration"
	EventAttendance        = "attendance"
	EventFeedback          = "feedback"
	EventDeposit           = "deposit"
	EventWithdrawal        = "withdrawal"
	EventBetPlaced         = "bet_placed"
	EventSettlementCreated = "settlement_created"
	EventSettlementUpdated = "settlement_updated"
)

// CreatePayload creates an aggregate at version 1.
type CreatePayload struct {
	AggregateID string `json:"aggregateId"`
	Title       string `json:"title"`
	Capacity    int    `json:"capacity"`
	Published   bool   `json:"published"`
}

// Fields returns the payload as mutation fields.
func (p CreatePayload) Fields() AggregateFields {
	return AggregateFields{Title: &p.Title, Capacity: &p.Capacity, Published: &p.Published}
}

// UpdatePayload changes aggregate fields. Without ExpectedVersion the
// processor applies it against the current version.
type UpdatePayload struct {
	AggregateID     string `json:"aggregateId"`
	ExpectedVersion *int   `json:"expectedVersion,omitempty"`
	AggregateFields
}

// DeletePayload soft-deletes an aggregate.
type DeletePayload struct {
	AggregateID     string `json:"aggregateId"`
	ExpectedVersion *int   `json:"expectedVersion,omitempty"`
}

// BulkCreatePayload imports many aggregates; items succeed or fail alone.
type BulkCreatePayload struct {
	Items []CreatePayload `json:"items"`
}

// ActivityPayload is shared by registration and attendance events. ID
// defaults to the event id.
type ActivityPayload struct {
	ID          string `json:"id,omitempty"`
	AggregateID string `json:"aggregateId"`
	AccountID   string `json:"accountId"`
}

// FeedbackPayload rates an aggregate.
type FeedbackPayload struct {
	ActivityPayload
	Rating int `json:"rating"`
}

// TransferPayload moves funds into (deposit) or out of (withdrawal) an account.
type TransferPayload struct {
	AccountID string          `json:"accountId"`
	Amount    decimal.Decimal `json:"amount"`
}

// BetPlacedPayload records a bet and debits its stake.
type BetPlacedPayload struct {
	BetID       string          `json:"betId"`
	AccountID   string          `json:"accountId"`
	AggregateID string          `json:"aggregateId"`
	Stake       decimal.Decimal `json:"stake"`
	Payout      decimal.Decimal `json:"payout"`
}

// SettlementCreatedPayload opens a settlement for a bet.
type SettlementCreatedPayload struct {
	SettlementID string           `json:"settlementId"`
	BetID        string           `json:"betId"`
	Payout       decimal.Decimal  `json:"payout"`
	Status       SettlementStatus `json:"status,omitempty"`
}

// SettlementUpdatedPayload moves a settlement along its state machine.
type SettlementUpdatedPayload struct {
	SettlementID string           `json:"settlementId"`
	Status       SettlementStatus `json:"status"`
	Payout       *decimal.Decimal `json:"payout,omitempty"`
}
