// Package reconciliation cross-checks the transactional tables and the write
// model for financial inconsistencies and persists what it finds as
// immutable reports.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arenaledger/arena-stack/common/logging"
	"github.com/arenaledger/arena-stack/ledger/internal/metrics"
	"github.com/arenaledger/arena-stack/ledger/internal/models"
	"github.com/arenaledger/arena-stack/ledger/internal/repository"
)

const (
	DefaultStuckThreshold = 24 * time.Hour
	DefaultReportLimit    = 20
	MaxReportLimit        = 100
)

// Service runs rules and serves reports.
type Service struct {
	store   repository.Store
	rules   []Rule
	byName  map[string]Rule
	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService creates a reconciliation service over rules, in the given order.
func NewService(store repository.Store, rules []Rule, logger *logging.Logger, m *metrics.Metrics) *Service {
	s := &Service{
		store:   store,
		rules:   rules,
		byName:  make(map[string]Rule, len(rules)),
		logger:  logger.Component("reconciliation"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, r := range rules {
		s.byName[r.Name()] = r
	}
	return s
}

// RuleNames lists the registered rules in run order.
func (s *Service) RuleNames() []string {
	names := make([]string, 0, len(s.rules))
	for _, r := range s.rules {
		names = append(names, r.Name())
	}
	return names
}

// RunReconciliation runs every rule and persists the report. A failing rule
// is recorded and marks the report FAILED; the other rules still run and
// their findings are kept.
func (s *Service) RunReconciliation(ctx context.Context, typ models.ReportType) (*models.Report, error) {
	report := &models.Report{
		ID:        uuid.NewString(),
		Type:      typ,
		Status:    models.ReportCompleted,
		StartedAt: s.now(),
	}
	s.logger.InfoContext(ctx, "Reconciliation run started",
		logging.ReportID(report.ID),
		logging.RunType(string(typ)))

	found := make([]models.Inconsistency, 0)
	for _, rule := range s.rules {
		incs, err := s.check(ctx, rule, report.StartedAt)
		if err != nil {
			report.Status = models.ReportFailed
			report.FailedRules = append(report.FailedRules, models.RuleFailure{Rule: rule.Name(), Error: err.Error()})
			continue
		}
		found = append(found, incs...)
	}

	report.Inconsistencies = found
	report.Summary = models.NewSummary(found)
	report.CompletedAt = s.now()

	err := repository.RunInTx(ctx, s.store, func(tx repository.Tx) error {
		return tx.SaveReport(ctx, report)
	})
	d := report.CompletedAt.Sub(report.StartedAt)
	if err != nil {
		s.metrics.Run(string(typ), "PERSIST_FAILED", d)
		s.logger.ErrorContext(ctx, "Failed to persist reconciliation report",
			logging.ReportID(report.ID),
			logging.Error(err))
		if !repository.IsStorageFailure(err) {
			err = models.StorageError("persist report", err)
		}
		return nil, err
	}

	s.metrics.Run(string(typ), string(report.Status), d)
	for _, kind := range models.InconsistencyKinds {
		s.metrics.Found(string(kind), report.Summary.Counts[kind])
	}
	s.logger.InfoContext(ctx, "Reconciliation run finished",
		logging.ReportID(report.ID),
		logging.RunType(string(typ)),
		"status", report.Status,
		"inconsistencies", report.Summary.Total,
		"failed_rules", len(report.FailedRules),
		logging.Duration(d.Milliseconds()))
	return report, nil
}

// check runs one rule, turning an error or panic into a rule failure.
func (s *Service) check(ctx context.Context, rule Rule, now time.Time) (incs []models.Inconsistency, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rule panicked: %v", r)
		}
		if err != nil {
			s.metrics.RuleFailed(rule.Name())
			s.logger.ErrorContext(ctx, "Reconciliation rule failed",
				logging.Rule(rule.Name()),
				logging.Error(err))
		}
	}()
	return rule.Check(ctx, s.store, now)
}

// RunRule runs one rule without persisting anything.
func (s *Service) RunRule(ctx context.Context, name string) (*models.RuleCheck, error) {
	rule, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownRule, name)
	}
	incs, err := s.check(ctx, rule, s.now())
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", name, models.ErrRuleExecution, err)
	}
	if incs == nil {
		incs = []models.Inconsistency{}
	}
	return &models.RuleCheck{Count: len(incs), Inconsistencies: incs}, nil
}

// QuickCheck runs the negative-balance rule. Findings are logged and
// counted, not persisted.
func (s *Service) QuickCheck(ctx context.Context) (*models.RuleCheck, error) {
	start := s.now()
	check, err := s.RunRule(ctx, RuleNegativeBalances)
	s.metrics.Run("QUICK", quickStatus(err), s.now().Sub(start))
	if err != nil {
		return nil, err
	}

	s.metrics.Found(string(models.KindNegativeBalance), check.Count)
	if check.Count > 0 {
		s.logger.WarnContext(ctx, "Quick check found negative balances",
			"count", check.Count)
	} else {
		s.logger.DebugContext(ctx, "Quick check clean")
	}
	return check, nil
}

func quickStatus(err error) string {
	if err != nil {
		return string(models.ReportFailed)
	}
	return string(models.ReportCompleted)
}

// GetReports returns a page of reports, newest first. page starts at 1;
// limit defaults to DefaultReportLimit and is capped at MaxReportLimit.
func (s *Service) GetReports(ctx context.Context, page, limit int) (*models.ReportList, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultReportLimit
	}
	if limit > MaxReportLimit {
		limit = MaxReportLimit
	}

	reports, total, err := s.store.ListReports(ctx, (page-1)*limit, limit)
	if err != nil {
		return nil, err
	}
	if reports == nil {
		reports = []*models.Report{}
	}
	return &models.ReportList{Reports: reports, Page: page, Limit: limit, Total: total}, nil
}

// GetReportByID returns a full report with its inconsistencies.
func (s *Service) GetReportByID(ctx context.Context, id string) (*models.Report, error) {
	return s.store.GetReport(ctx, id)
}

// GetLatestReportSummary returns the counts of the latest completed report,
// or an all-zero summary when none exists.
func (s *Service) GetLatestReportSummary(ctx context.Context) (*models.LatestSummary, error) {
	report, err := s.store.LatestCompletedReport(ctx)
	if errors.Is(err, models.ErrNotFound) {
		return &models.LatestSummary{Summary: models.NewSummary(nil)}, nil
	}
	if err != nil {
		return nil, err
	}
	completed := report.CompletedAt
	return &models.LatestSummary{
		ReportID:    report.ID,
		CompletedAt: &completed,
		Summary:     report.Summary,
	}, nil
}
