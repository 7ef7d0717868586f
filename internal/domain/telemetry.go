package domain

import "context"

// Event types set by the handlers that serve a request.
const (
	EventSignupAttempt  = "signup_attempt"
	EventLoginAttempt   = "login_attempt"
	EventLogout         = "logout"
	EventInternalAccess = "internal_route_access"
	EventSSOLogin       = "sso_login"
)

// Results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// TelemetryEvent is the structured record emitted once per inbound request.
// Nil pointers are serialized as null.
type TelemetryEvent struct {
	Timestamp string  `json:"timestamp"`
	RequestID string  `json:"request_id"`
	IP        string  `json:"ip"`
	Method    string  `json:"method"`
	Path      string  `json:"path"`
	Status    int     `json:"status"`
	EventType *string `json:"event_type"`
	Result    *string `json:"result"`
	Reason    *string `json:"reason"`
	UserID    *string `json:"user_id"`
	SessionID *string `json:"session_id"`
}

// TelemetrySink receives finalized telemetry events.
type TelemetrySink interface {
	Emit(ctx context.Context, ev TelemetryEvent) error
}
