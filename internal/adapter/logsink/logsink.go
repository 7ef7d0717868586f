// Package logsink writes telemetry events as structured log records.
package logsink

import (
	"context"
	"errors"
	"log/slog"

	"secureauth/internal/domain"
)

// Sink logs every telemetry event as one "request" record.
type Sink struct {
	logger *slog.Logger
}

// New creates a Sink writing through logger.
func New(logger *slog.Logger) *Sink {
	return &Sink{logger: logger}
}

var _ domain.TelemetrySink = (*Sink)(nil)

// Emit logs the event. Unset fields are written as null.
func (s *Sink) Emit(ctx context.Context, ev domain.TelemetryEvent) error {
	s.logger.LogAttrs(ctx, slog.LevelInfo, "request",
		slog.String("timestamp", ev.Timestamp),
		slog.String("request_id", ev.RequestID),
		slog.String("ip", ev.IP),
		slog.String("method", ev.Method),
		slog.String("path", ev.Path),
		slog.Int("status", ev.Status),
		nullable("event_type", ev.EventType),
		nullable("result", ev.Result),
		nullable("reason", ev.Reason),
		nullable("user_id", ev.UserID),
		nullable("session_id", ev.SessionID),
	)
	return nil
}

func nullable(key string, v *string) slog.Attr {
	if v == nil {
		return slog.Any(key, nil)
	}
	return slog.String(key, *v)
}

// Multi fans an event out to several sinks. Every sink is called; their
// errors are joined.
type Multi []domain.TelemetrySink

// Emit forwards the event to every sink.
func (m Multi) Emit(ctx context.Context, ev domain.TelemetryEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
