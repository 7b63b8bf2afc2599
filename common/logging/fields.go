package logging

import "log/slog"

// Common field names so every component logs the same keys.
const (
	FieldService     = "service"
	FieldComponent   = "component"
	FieldRequestID   = "request_id"
	FieldError       = "error"
	FieldDuration    = "duration_ms"
	FieldEventID     = "event_id"
	FieldEventType   = "event_type"
	FieldBlock       = "block_number"
	FieldAggregateID = "aggregate_id"
	FieldVersion     = "version"
	FieldReportID    = "report_id"
	FieldRule        = "rule"
	FieldRunType     = "run_type"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Error returns a slog attribute for an error. A nil error logs as "<nil>".
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "<nil>")
	}
	return slog.String(FieldError, err.Error())
}

// Duration returns a slog attribute for a duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// EventID returns a slog attribute for a raw chain event id.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// EventType returns a slog attribute for a raw chain event type.
func EventType(t string) slog.Attr {
	return slog.String(FieldEventType, t)
}

// Block returns a slog attribute for a block (ledger) number.
func Block(n int64) slog.Attr {
	return slog.Int64(FieldBlock, n)
}

// AggregateID returns a slog attribute for a write-model aggregate id.
func AggregateID(id string) slog.Attr {
	return slog.String(FieldAggregateID, id)
}

// Version returns a slog attribute for an aggregate version.
func Version(v int) slog.Attr {
	return slog.Int(FieldVersion, v)
}

// ReportID returns a slog attribute for a reconciliation report id.
func ReportID(id string) slog.Attr {
	return slog.String(FieldReportID, id)
}

// Rule returns a slog attribute for a reconciliation rule name.
func Rule(name string) slog.Attr {
	return slog.String(FieldRule, name)
}

// RunType returns a slog attribute for a reconciliation run type.
func RunType(t string) slog.Attr {
	return slog.String(FieldRunType, t)
}
