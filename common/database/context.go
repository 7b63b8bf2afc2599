// Package database holds the per-operation timeouts shared by storage code.
package database

import (
	"context"
	"time"
)

const (
	// DefaultQueryTimeout bounds single-row and filtered reads.
	DefaultQueryTimeout = 5 * time.Second

	// DefaultWriteTimeout bounds a single write or short transaction.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultBulkTimeout bounds full-table work such as a view refresh or a
	// reconciliation scan.
	DefaultBulkTimeout = 2 * time.Minute
)

// QueryContext derives a context with DefaultQueryTimeout.
func QueryContext(parent context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(parent, DefaultQueryTimeout)
}

// WriteContext derives a context with DefaultWriteTimeout.
func WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(parent, DefaultWriteTimeout)
}

// BulkContext derives a context with DefaultBulkTimeout.
func BulkContext(parent context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(parent, DefaultBulkTimeout)
}

// withTimeout keeps an earlier parent deadline instead of extending it.
func withTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if deadline, ok := parent.Deadline(); ok && time.Until(deadline) < d {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}
