package models

import "time"

// ReportType says what started a reconciliation run.
type ReportType string

const (
	ReportManual    ReportType = "MANUAL"
	ReportScheduled ReportType = "SCHEDULED"
)

// ReportStatus is the outcome of a run.
type ReportStatus string

const (
	ReportCompleted ReportStatus = "COMPLETED"
	ReportFailed    ReportStatus = "FAILED"
)

// InconsistencyKind classifies a detected anomaly.
type InconsistencyKind string

const (
	KindNegativeBalance      InconsistencyKind = "NEGATIVE_BALANCE"
	KindOrphanedBet          InconsistencyKind = "ORPHANED_BET"
	KindMismatchedSettlement InconsistencyKind = "MISMATCHED_SETTLEMENT"
	KindStuckSettlement      InconsistencyKind = "STUCK_SETTLEMENT"
)

// InconsistencyKinds lists every kind in report order.
var InconsistencyKinds = []InconsistencyKind{
	KindNegativeBalance,
	KindOrphanedBet,
	KindMismatchedSettlement,
	KindStuckSettlement,
}

// Inconsistency is one anomaly found by a rule.
type Inconsistency struct {
	Kind       InconsistencyKind `json:"kind"`
	EntityID   string            `json:"entityId"`
	Details    map[string]any    `json:"details"`
	DetectedAt time.Time         `json:"detectedAt"`
}

// RuleFailure records a rule that could not finish.
type RuleFailure struct {
	Rule  string `json:"rule"`
	Error string `json:"error"`
}

// Summary counts inconsistencies per kind.
type Summary struct {
	Total  int                       `json:"total"`
	Counts map[InconsistencyKind]int `json:"counts"`
}

// NewSummary tallies found, always listing every kind.
func NewSummary(found []Inconsistency) Summary {
	s := Summary{Counts: make(map[InconsistencyKind]int, len(InconsistencyKinds))}
	for _, k := range InconsistencyKinds {
		s.Counts[k] = 0
	}
	for _, inc := range found {
		s.Counts[inc.Kind]++
		s.Total++
	}
	return s
}

// Report is the immutable result of one reconciliation run.
type Report struct {
	ID              string          `json:"id"`
	Type            ReportType      `json:"type"`
	Status          ReportStatus    `json:"status"`
	StartedAt       time.Time       `json:"startedAt"`
	CompletedAt     time.Time       `json:"completedAt"`
	Inconsistencies []Inconsistency `json:"inconsistencies,omitempty"`
	Summary         Summary         `json:"summary"`
	FailedRules     []RuleFailure   `json:"failedRules,omitempty"`
}

// ReportList is one page of reports, newest first. Listed reports carry their
// summary but not the inconsistency rows.
type ReportList struct {
	Reports []*Report `json:"reports"`
	Page    int       `json:"page"`
	Limit   int       `json:"limit"`
	Total   int       `json:"total"`
}

// LatestSummary is the summary of the most recent completed report. ReportID
// is empty when no report has completed yet.
type LatestSummary struct {
	ReportID    string     `json:"reportId,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Summary
}

// RuleCheck is the result of running one rule in isolation.
type RuleCheck struct {
	Count           int             `json:"count"`
	Inconsistencies []Inconsistency `json:"inconsistencies"`
}
