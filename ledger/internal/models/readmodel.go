package models

import (
	"math"
	"time"
)

// ReadModelRecord is the denormalized projection of one aggregate. It is
// rebuilt from the write model and activity tables and never trusted as a
// source of truth.
type ReadModelRecord struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Capacity        int        `json:"capacity"`
	Published       bool       `json:"published"`
	RegisteredCount int        `json:"registeredCount"`
	AttendanceCount int        `json:"attendanceCount"`
	FeedbackCount   int        `json:"feedbackCount"`
	AverageRating   *float64   `json:"averageRating"`
	LastActivityAt  *time.Time `json:"lastActivityAt"`
	IsDeleted       bool       `json:"isDeleted"`
}

// Equal compares every projected column.
func (r *ReadModelRecord) Equal(o *ReadModelRecord) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.ID == o.ID &&
		r.Title == o.Title &&
		r.Capacity == o.Capacity &&
		r.Published == o.Published &&
		r.RegisteredCount == o.RegisteredCount &&
		r.AttendanceCount == o.AttendanceCount &&
		r.FeedbackCount == o.FeedbackCount &&
		r.IsDeleted == o.IsDeleted &&
		floatPtrEqual(r.AverageRating, o.AverageRating) &&
		timePtrEqual(r.LastActivityAt, o.LastActivityAt)
}

// Project builds the read-model row for agg from its activity counts. Deleted
// aggregates keep the counts they had; prev may be nil.
func Project(agg *Aggregate, counts ActivityCounts, prev *ReadModelRecord) *ReadModelRecord {
	rec := &ReadModelRecord{
		ID:        agg.ID,
		Title:     agg.Title,
		Capacity:  agg.Capacity,
		Published: agg.Published,
		IsDeleted: agg.Deleted,
	}

	if agg.Deleted && prev != nil {
		rec.RegisteredCount = prev.RegisteredCount
		rec.AttendanceCount = prev.AttendanceCount
		rec.FeedbackCount = prev.FeedbackCount
		rec.AverageRating = prev.AverageRating
		rec.LastActivityAt = prev.LastActivityAt
		return rec
	}

	rec.RegisteredCount = counts.Registered
	rec.AttendanceCount = counts.Attended
	rec.FeedbackCount = counts.Feedback
	if counts.Feedback > 0 {
		avg := math.Round(float64(counts.RatingSum)/float64(counts.Feedback)*100) / 100
		rec.AverageRating = &avg
	}
	if counts.LastActivityAt != nil {
		t := counts.LastActivityAt.UTC()
		rec.LastActivityAt = &t
	}
	return rec
}

// Statistics is a read-model row plus rates derived on read. A rate is nil
// when its denominator is zero.
type Statistics struct {
	ReadModelRecord
	RegistrationRate *float64 `json:"registrationRate"`
	AttendanceRate   *float64 `json:"attendanceRate"`
}

// NewStatistics derives the rates for rec.
func NewStatistics(rec *ReadModelRecord) *Statistics {
	return &Statistics{
		ReadModelRecord:  *rec,
		RegistrationRate: percent(rec.RegisteredCount, rec.Capacity),
		AttendanceRate:   percent(rec.AttendanceCount, rec.RegisteredCount),
	}
}

func percent(num, den int) *float64 {
	if den == 0 {
		return nil
	}
	v := float64(num) * 100 / float64(den)
	return &v
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
