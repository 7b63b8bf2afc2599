// Package seeder produces synthetic chain events for local runs and load
// tests. A generator tracks what it has emitted so every event it produces is
// applicable in order: registrations target live listings, settlements follow
// their bets and only open settlements are moved on.
package seeder

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"

	"github.com/arenaledger/arena-stack/ledger/internal/models"
)

type bet struct {
	id      string
	payout  decimal.Decimal
	settled bool
}

type settlement struct {
	id     string
	status models.SettlementStatus
}

// Generator emits a coherent event sequence from a seeded faker.
type Generator struct {
	faker    *gofakeit.Faker
	contract string
	anomaly  float64

	block int64
	clock time.Time

	listings    []string
	accounts    []string
	bets        []*bet
	settlements []*settlement
}

// Option configures a Generator.
type Option func(*Generator)

// WithAnomalyRate makes a share of settlements disagree with their bet payout
// and a share of withdrawals overdraw, so reconciliation has something to find.
func WithAnomalyRate(p float64) Option {
	return func(g *Generator) { g.anomaly = p }
}

// WithStart sets the first block number and chain time.
func WithStart(block int64, at time.Time) Option {
	return func(g *Generator) {
		g.block = block
		g.clock = at.UTC()
	}
}

// NewGenerator creates a generator. The same seed yields the same sequence.
func NewGenerator(seed int64, contract string, opts ...Option) *Generator {
	g := &Generator{
		faker:    gofakeit.New(seed),
		contract: contract,
		block:    1_000_000,
		clock:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Batch returns the next n events.
func (g *Generator) Batch(n int) []models.RawEvent {
	out := make([]models.RawEvent, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, g.Next())
	}
	return out
}

// Next returns the next event.
func (g *Generator) Next() models.RawEvent {
	g.block += int64(g.faker.Number(1, 3))
	g.clock = g.clock.Add(5 * time.Second)

	switch {
	case len(g.listings) < 3:
		return g.create()
	case len(g.accounts) < 3:
		return g.deposit()
	}

	switch g.pick() {
	case models.EventCreate:
		return g.create()
	case models.EventUpdate:
		return g.update()
	case models.EventDelete:
		return g.remove()
	case models.EventBulkCreate:
		return g.bulk()
	case models.EventRegistration:
		return g.activity(models.EventRegistration)
	case models.EventAttendance:
		return g.activity(models.EventAttendance)
	case models.EventFeedback:
		return g.feedback()
	case models.EventWithdrawal:
		return g.withdrawal()
	case models.EventBetPlaced:
		return g.placeBet()
	case models.EventSettlementCreated:
		return g.openSettlement()
	case models.EventSettlementUpdated:
		return g.moveSettlement()
	default:
		return g.deposit()
	}
}

type weight struct {
	eventType string
	weight    int
}

func (g *Generator) pick() string {
	weights := []weight{
		{models.EventCreate, 6},
		{models.EventUpdate, 8},
		{models.EventBulkCreate, 2},
		{models.EventRegistration, 20},
		{models.EventAttendance, 12},
		{models.EventFeedback, 8},
		{models.EventDeposit, 8},
		{models.EventWithdrawal, 4},
		{models.EventBetPlaced, 12},
	}
	if len(g.listings) > 3 {
		weights = append(weights, weight{models.EventDelete, 2})
	}
	if g.unsettled() != nil {
		weights = append(weights, weight{models.EventSettlementCreated, 8})
	}
	if g.open() != nil {
		weights = append(weights, weight{models.EventSettlementUpdated, 8})
	}

	total := 0
	for _, w := range weights {
		total += w.weight
	}
	n := g.faker.Number(1, total)
	for _, w := range weights {
		if n <= w.weight {
			return w.eventType
		}
		n -= w.weight
	}
	return models.EventDeposit
}

func (g *Generator) create() models.RawEvent {
	p := g.listing()
	g.listings = append(g.listings, p.AggregateID)
	return g.event(models.EventCreate, p)
}

func (g *Generator) bulk() models.RawEvent {
	items := make([]models.CreatePayload, g.faker.Number(2, 4))
	for i := range items {
		items[i] = g.listing()
		g.listings = append(g.listings, items[i].AggregateID)
	}
	return g.event(models.EventBulkCreate, models.BulkCreatePayload{Items: items})
}

func (g *Generator) listing() models.CreatePayload {
	return models.CreatePayload{
		AggregateID: "evt-" + g.faker.LetterN(10),
		Title:       g.title(),
		Capacity:    g.faker.Number(20, 500),
		Published:   g.faker.Number(1, 10) <= 8,
	}
}

func (g *Generator) title() string {
	return g.faker.City() + " " + g.faker.RandomString([]string{"Cup", "Open", "Invitational", "Classic", "Masters"})
}

func (g *Generator) update() models.RawEvent {
	p := models.UpdatePayload{AggregateID: g.anyListing()}
	switch g.faker.Number(1, 3) {
	case 1:
		title := g.title()
		p.Title = &title
	case 2:
		capacity := g.faker.Number(20, 500)
		p.Capacity = &capacity
	default:
		published := g.faker.Bool()
		p.Published = &published
	}
	return g.event(models.EventUpdate, p)
}

func (g *Generator) remove() models.RawEvent {
	i := g.faker.Number(0, len(g.listings)-1)
	id := g.listings[i]
	g.listings = append(g.listings[:i], g.listings[i+1:]...)
	return g.event(models.EventDelete, models.DeletePayload{AggregateID: id})
}

func (g *Generator) activity(eventType string) models.RawEvent {
	return g.event(eventType, models.ActivityPayload{
		AggregateID: g.anyListing(),
		AccountID:   g.anyAccount(),
	})
}

func (g *Generator) feedback() models.RawEvent {
	return g.event(models.EventFeedback, models.FeedbackPayload{
		ActivityPayload: models.ActivityPayload{AggregateID: g.anyListing(), AccountID: g.anyAccount()},
		Rating:          g.faker.Number(1, 5),
	})
}

func (g *Generator) deposit() models.RawEvent {
	var account string
	if len(g.accounts) < 3 || g.faker.Number(1, 4) == 1 {
		account = "G" + strings.ToUpper(g.faker.LetterN(55))
		g.accounts = append(g.accounts, account)
	} else {
		account = g.anyAccount()
	}
	return g.event(models.EventDeposit, models.TransferPayload{
		AccountID: account,
		Amount:    g.money(100, 1000),
	})
}

func (g *Generator) withdrawal() models.RawEvent {
	amount := g.money(1, 50)
	if g.anomalous() {
		amount = g.money(5000, 10000)
	}
	return g.event(models.EventWithdrawal, models.TransferPayload{
		AccountID: g.anyAccount(),
		Amount:    amount,
	})
}

func (g *Generator) placeBet() models.RawEvent {
	stake := g.money(1, 50)
	odds := decimal.NewFromFloat(g.faker.Float64Range(1.1, 5)).Round(2)
	b := &bet{id: "bet-" + g.faker.LetterN(12), payout: stake.Mul(odds).Round(2)}
	g.bets = append(g.bets, b)

	return g.event(models.EventBetPlaced, models.BetPlacedPayload{
		BetID:       b.id,
		AccountID:   g.anyAccount(),
		AggregateID: g.anyListing(),
		Stake:       stake,
		Payout:      b.payout,
	})
}

func (g *Generator) openSettlement() models.RawEvent {
	b := g.unsettled()
	b.settled = true
	payout := b.payout
	if g.anomalous() {
		payout = payout.Add(decimal.New(1, -2))
	}
	s := &settlement{id: "stl-" + g.faker.LetterN(12), status: models.SettlementPending}
	g.settlements = append(g.settlements, s)

	return g.event(models.EventSettlementCreated, models.SettlementCreatedPayload{
		SettlementID: s.id,
		BetID:        b.id,
		Payout:       payout,
		Status:       s.status,
	})
}

func (g *Generator) moveSettlement() models.RawEvent {
	s := g.open()
	next := g.faker.RandomString([]string{
		string(models.SettlementCompleted),
		string(models.SettlementCompleted),
		string(models.SettlementFailed),
		string(models.SettlementCancelled),
	})
	if s.status == models.SettlementPending && g.faker.Bool() {
		next = string(models.SettlementProcessing)
	}
	s.status = models.SettlementStatus(next)

	return g.event(models.EventSettlementUpdated, models.SettlementUpdatedPayload{
		SettlementID: s.id,
		Status:       s.status,
	})
}

func (g *Generator) unsettled() *bet {
	for _, b := range g.bets {
		if !b.settled {
			return b
		}
	}
	return nil
}

func (g *Generator) open() *settlement {
	for _, s := range g.settlements {
		if !s.status.IsTerminal() {
			return s
		}
	}
	return nil
}

func (g *Generator) anyListing() string {
	return g.listings[g.faker.Number(0, len(g.listings)-1)]
}

func (g *Generator) anyAccount() string {
	return g.accounts[g.faker.Number(0, len(g.accounts)-1)]
}

func (g *Generator) money(min, max float64) decimal.Decimal {
	return decimal.NewFromFloat(g.faker.Price(min, max)).Round(2)
}

func (g *Generator) anomalous() bool {
	return g.anomaly > 0 && g.faker.Float64Range(0, 1) < g.anomaly
}

// event wraps a payload the way a chain indexer reports it: the id is the
// transaction hash plus the event index inside the transaction.
func (g *Generator) event(eventType string, payload any) models.RawEvent {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("seeder: marshal %s payload: %v", eventType, err))
	}
	return models.RawEvent{
		EventID:     fmt.Sprintf("%016x%016x:0", g.faker.Uint64(), g.faker.Uint64()),
		Contract:    g.contract,
		Type:        eventType,
		Payload:     data,
		BlockNumber: g.block,
		Timestamp:   g.clock,
	}
}
