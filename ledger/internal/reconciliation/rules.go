package reconciliation

import (
	"context"
	"time"

	"github.com/arenaledger/arena-stack/ledger/internal/models"
	"github.com/arenaledger/arena-stack/ledger/internal/repository"
)

// Rule detects one kind of inconsistency. Storage queries pre-filter
// candidates; Check verifies each one before reporting it.
type Rule interface {
	Name() string
	Kind() models.InconsistencyKind
	Check(ctx context.Context, r repository.Reader, now time.Time) ([]models.Inconsistency, error)
}

// Rule names, also used by the single-rule check endpoints.
const (
	RuleNegativeBalances      = "negative-balances"
	RuleOrphanedBets          = "orphaned-bets"
	RuleMismatchedSettlements = "mismatched-settlements"
	RuleStuckSettlements      = "stuck-settlements"
)

type negativeBalances struct{}

func (negativeBalances) Name() string                   { return RuleNegativeBalances }
func (negativeBalances) Kind() models.InconsistencyKind { return models.KindNegativeBalance }

func (negativeBalances) Check(ctx context.Context, r repository.Reader, now time.Time) ([]models.Inconsistency, error) {
	accounts, err := r.ListNegativeBalances(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.Inconsistency
	for _, acc := range accounts {
		if !acc.Balance.IsNegative() {
			continue
		}
		out = append(out, models.Inconsistency{
			Kind:     models.KindNegativeBalance,
			EntityID: acc.ID,
			Details: map[string]any{
				"balance":   acc.Balance.String(),
				"updatedAt": acc.UpdatedAt,
			},
			DetectedAt: now,
		})
	}
	return out, nil
}

type orphanedBets struct{}

func (orphanedBets) Name() string                   { return RuleOrphanedBets }
func (orphanedBets) Kind() models.InconsistencyKind { return models.KindOrphanedBet }

func (orphanedBets) Check(ctx context.Context, r repository.Reader, now time.Time) ([]models.Inconsistency, error) {
	bets, err := r.ListOrphanedBets(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.Inconsistency
	for _, ob := range bets {
		if ob.Reason != "missing" && ob.Reason != "deleted" {
			continue
		}
		out = append(out, models.Inconsistency{
			Kind:     models.KindOrphanedBet,
			EntityID: ob.Bet.ID,
			Details: map[string]any{
				"reason":      ob.Reason,
				"aggregateId": ob.Bet.AggregateID,
				"accountId":   ob.Bet.AccountID,
				"stake":       ob.Bet.Stake.String(),
			},
			DetectedAt: now,
		})
	}
	return out, nil
}

// mismatchedSettlements compares payouts exactly; there is no tolerance.
type mismatchedSettlements struct{}

func (mismatchedSettlements) Name() string                   { return RuleMismatchedSettlements }
func (mismatchedSettlements) Kind() models.InconsistencyKind { return models.KindMismatchedSettlement }

func (mismatchedSettlements) Check(ctx context.Context, r repository.Reader, now time.Time) ([]models.Inconsistency, error) {
	pairs, err := r.ListMismatchedSettlements(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.Inconsistency
	for _, p := range pairs {
		if p.Settlement.Payout.Equal(p.Bet.Payout) {
			continue
		}
		out = append(out, models.Inconsistency{
			Kind:     models.KindMismatchedSettlement,
			EntityID: p.Bet.ID,
			Details: map[string]any{
				"settlementId":     p.Settlement.ID,
				"settlementStatus": p.Settlement.Status,
				"betPayout":        p.Bet.Payout.String(),
				"settlementPayout": p.Settlement.Payout.String(),
				"difference":       p.Settlement.Payout.Sub(p.Bet.Payout).String(),
			},
			DetectedAt: now,
		})
	}
	return out, nil
}

// stuckSettlements flags open settlements strictly older than threshold.
type stuckSettlements struct {
	threshold time.Duration
}

func (stuckSettlements) Name() string                   { return RuleStuckSettlements }
func (stuckSettlements) Kind() models.InconsistencyKind { return models.KindStuckSettlement }

func (r stuckSettlements) Check(ctx context.Context, rd repository.Reader, now time.Time) ([]models.Inconsistency, error) {
	open, err := rd.ListOpenSettlements(ctx, now.Add(-r.threshold))
	if err != nil {
		return nil, err
	}
	var out []models.Inconsistency
	for _, s := range open {
		age := now.Sub(s.CreatedAt)
		if s.Status.IsTerminal() || age <= r.threshold {
			continue
		}
		out = append(out, models.Inconsistency{
			Kind:     models.KindStuckSettlement,
			EntityID: s.ID,
			Details: map[string]any{
				"status":         s.Status,
				"betId":          s.BetID,
				"createdAt":      s.CreatedAt,
				"ageSeconds":     int64(age.Seconds()),
				"thresholdHours": r.threshold.Hours(),
			},
			DetectedAt: now,
		})
	}
	return out, nil
}

// DefaultRules returns the rules in report order.
func DefaultRules(stuckThreshold time.Duration) []Rule {
	return []Rule{
		negativeBalances{},
		orphanedBets{},
		mismatchedSettlements{},
		stuckSettlements{threshold: stuckThreshold},
	}
}
