// Package scheduler drives reconciliation and maintenance jobs on timers and
// guards reconciliation runs so at most one full run and one quick check are
// in flight at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/arenaledger/arena-stack/common/logging"
	"github.com/arenaledger/arena-stack/ledger/internal/metrics"
	"github.com/arenaledger/arena-stack/ledger/internal/models"
	"github.com/arenaledger/arena-stack/ledger/internal/runlock"
)

// Reconciler is the part of the reconciliation service the scheduler drives.
type Reconciler interface {
	RunReconciliation(ctx context.Context, typ models.ReportType) (*models.Report, error)
	QuickCheck(ctx context.Context) (*models.RuleCheck, error)
}

// Status is the observable scheduler state.
type Status struct {
	Enabled             bool `json:"enabled"`
	IsRunning           bool `json:"isRunning"`
	IsQuickCheckRunning bool `json:"isQuickCheckRunning"`
}

// Config sets job cadence. A zero interval leaves that job unscheduled.
type Config struct {
	Enabled           bool
	FullInterval      time.Duration
	QuickInterval     time.Duration
	RefreshInterval   time.Duration
	ReprocessInterval time.Duration
}

// Scheduler owns the run flags and the timers.
type Scheduler struct {
	mu           sync.Mutex
	enabled      bool
	running      bool
	quickRunning bool

	recon     Reconciler
	lock      *runlock.Locker
	refresh   func(ctx context.Context) error
	reprocess func(ctx context.Context) error

	cfg     Config
	logger  *logging.Logger
	metrics *metrics.Metrics
	cron    gocron.Scheduler
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLock takes a cross-replica lease around scheduled runs.
func WithLock(l *runlock.Locker) Option {
	return func(s *Scheduler) { s.lock = l }
}

// WithViewRefresh schedules fn every RefreshInterval.
func WithViewRefresh(fn func(ctx context.Context) error) Option {
	return func(s *Scheduler) { s.refresh = fn }
}

// WithReprocess schedules fn every ReprocessInterval.
func WithReprocess(fn func(ctx context.Context) error) Option {
	return func(s *Scheduler) { s.reprocess = fn }
}

// New creates a scheduler. Timers start with Start.
func New(recon Reconciler, cfg Config, logger *logging.Logger, m *metrics.Metrics, opts ...Option) *Scheduler {
	s := &Scheduler{
		enabled: cfg.Enabled,
		recon:   recon,
		cfg:     cfg,
		logger:  logger.Component("scheduler"),
		metrics: m,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Status returns the current flags.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Enabled: s.enabled, IsRunning: s.running, IsQuickCheckRunning: s.quickRunning}
}

// SetEnabled toggles scheduled triggers. In-flight and manual runs are not
// affected.
func (s *Scheduler) SetEnabled(enabled bool) Status {
	s.mu.Lock()
	s.enabled = enabled
	st := Status{Enabled: s.enabled, IsRunning: s.running, IsQuickCheckRunning: s.quickRunning}
	s.mu.Unlock()

	s.logger.Info("Scheduler toggled", "enabled", enabled)
	return st
}

// RunManual runs a full reconciliation now regardless of the enabled flag.
// It fails with models.ErrRunInProgress while another full run is in flight.
func (s *Scheduler) RunManual(ctx context.Context) (*models.Report, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, models.ErrRunInProgress
	}
	s.running = true
	s.mu.Unlock()
	defer s.clear(&s.running)

	return s.recon.RunReconciliation(ctx, models.ReportManual)
}

// TriggerFull is the scheduled full run. It reports whether a run happened;
// a trigger that finds the scheduler disabled or a run in flight is skipped.
func (s *Scheduler) TriggerFull(ctx context.Context) bool {
	if !s.claim("full", &s.running) {
		return false
	}
	defer s.clear(&s.running)

	release, ok := s.lease(ctx, "full")
	if !ok {
		return false
	}
	defer release()

	if _, err := s.recon.RunReconciliation(ctx, models.ReportScheduled); err != nil {
		s.logger.ErrorContext(ctx, "Scheduled reconciliation failed", logging.Error(err))
	}
	return true
}

// TriggerQuick is the scheduled quick check, guarded like TriggerFull but by
// its own flag.
func (s *Scheduler) TriggerQuick(ctx context.Context) bool {
	if !s.claim("quick", &s.quickRunning) {
		return false
	}
	defer s.clear(&s.quickRunning)

	release, ok := s.lease(ctx, "quick")
	if !ok {
		return false
	}
	defer release()

	if _, err := s.recon.QuickCheck(ctx); err != nil {
		s.logger.ErrorContext(ctx, "Quick check failed", logging.Error(err))
	}
	return true
}

func (s *Scheduler) claim(job string, flag *bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case !s.enabled:
		s.skip(job, "disabled")
		return false
	case *flag:
		s.skip(job, "running")
		return false
	}
	*flag = true
	return true
}

func (s *Scheduler) clear(flag *bool) {
	s.mu.Lock()
	*flag = false
	s.mu.Unlock()
}

func (s *Scheduler) skip(job, reason string) {
	s.metrics.Skipped(job, reason)
	s.logger.Info("Scheduled trigger skipped", "job", job, "reason", reason)
}

// lease takes the cross-replica lock when one is configured.
func (s *Scheduler) lease(ctx context.Context, job string) (func(), bool) {
	if s.lock == nil {
		return func() {}, true
	}
	l, err := s.lock.Acquire(ctx, "reconciliation-"+job)
	if err != nil {
		reason := "lock_error"
		if errors.Is(err, runlock.ErrNotAcquired) {
			reason = "locked"
		}
		s.metrics.Skipped(job, reason)
		s.logger.WarnContext(ctx, "Scheduled trigger skipped", "job", job, "reason", reason, logging.Error(err))
		return nil, false
	}
	return func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.WarnContext(ctx, "Failed to release run lock", "job", job, logging.Error(err))
		}
	}, true
}

type job struct {
	name     string
	interval time.Duration
	run      func()
}

// Start registers the jobs and starts the timers. Jobs run with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	jobs := []job{
		{"reconciliation-full", s.cfg.FullInterval, func() { s.TriggerFull(ctx) }},
		{"reconciliation-quick", s.cfg.QuickInterval, func() { s.TriggerQuick(ctx) }},
	}
	if s.refresh != nil {
		jobs = append(jobs, job{"view-refresh", s.cfg.RefreshInterval, s.plain(ctx, "view-refresh", s.refresh)})
	}
	if s.reprocess != nil {
		jobs = append(jobs, job{"reprocess", s.cfg.ReprocessInterval, s.plain(ctx, "reprocess", s.reprocess)})
	}

	for _, j := range jobs {
		if j.interval <= 0 {
			continue
		}
		_, err := cron.NewJob(
			gocron.DurationJob(j.interval),
			gocron.NewTask(j.run),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = cron.Shutdown()
			return fmt.Errorf("failed to schedule %s: %w", j.name, err)
		}
		s.logger.Info("Job scheduled", "job", j.name, "interval", j.interval.String())
	}

	s.cron = cron
	cron.Start()
	return nil
}

func (s *Scheduler) plain(ctx context.Context, name string, fn func(ctx context.Context) error) func() {
	return func() {
		if err := fn(ctx); err != nil {
			s.logger.ErrorContext(ctx, "Scheduled job failed", "job", name, logging.Error(err))
		}
	}
}

// Stop stops the timers and waits for running jobs.
func (s *Scheduler) Stop() error {
	if s.cron == nil {
		return nil
	}
	return s.cron.Shutdown()
}
