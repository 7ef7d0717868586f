package postgres

import (
	"context"
	"fmt"

	"secureauth/internal/domain"
)

var _ domain.TelemetrySink = (*DB)(nil)

// Emit appends one telemetry event. Rows are never updated.
func (d *DB) Emit(ctx context.Context, ev domain.TelemetryEvent) error {
	const q = `
		INSERT INTO telemetry_events
			(ts, request_id, ip, method, path, status, event_type, result, reason, user_id, session_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := d.sql.ExecContext(ctx, q,
		ev.Timestamp,
		ev.RequestID,
		ev.IP,
		ev.Method,
		ev.Path,
		ev.Status,
		ev.EventType,
		ev.Result,
		ev.Reason,
		ev.UserID,
		ev.SessionID,
	)
	if err != nil {
		return fmt.Errorf("insert telemetry event: %w", err)
	}
	return nil
}

// CountByReason returns how many events were recorded with the given event
// type and reason, e.g. to audit how often the gate was bypassed.
func (d *DB) CountByReason(ctx context.Context, eventType, reason string) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM telemetry_events WHERE event_type = $1 AND reason = $2",
		eventType, reason,
	).Scan(&n)
	return n, err
}
