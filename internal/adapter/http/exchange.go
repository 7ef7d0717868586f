package adapthttp

import (
	"net/http"
	"strconv"
	"time"

	"secureauth/internal/domain"
)

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// exchange is the per-request record threaded through the gate and the
// handler. Handlers classify the request on it; once finalized it no longer
// changes.
type exchange struct {
	requestID string
	ip        string
	method    string
	path      string

	// cookiePresent reports whether the request carried a session cookie,
	// usable or not.
	cookiePresent bool
	session       *domain.Session
	resolveErr    error

	eventType string
	result    string
	reason    string
	userID    string
	sessionID string

	finalized bool
	event     domain.TelemetryEvent
}

func newExchange(r *http.Request, requestID string) *exchange {
	return &exchange{
		requestID: requestID,
		ip:        clientIP(r),
		method:    r.Method,
		path:      r.URL.RequestURI(),
	}
}

// bind attaches the resolved session and attributes the request to it.
func (ex *exchange) bind(sess *domain.Session) {
	ex.session = sess
	if sess != nil {
		ex.attribute(sess.UserID, sess.ID)
	}
}

func (ex *exchange) classify(eventType string) {
	if ex.finalized {
		return
	}
	ex.eventType = eventType
}

func (ex *exchange) succeed(reason string) {
	ex.conclude(domain.ResultSuccess, reason)
}

func (ex *exchange) fail(reason string) {
	ex.conclude(domain.ResultFailure, reason)
}

func (ex *exchange) conclude(result, reason string) {
	if ex.finalized {
		return
	}
	ex.result = result
	ex.reason = reason
}

// attribute records which user and session the request acted for.
func (ex *exchange) attribute(userID int64, sessionID string) {
	if ex.finalized {
		return
	}
	ex.userID = ""
	if userID != 0 {
		ex.userID = strconv.FormatInt(userID, 10)
	}
	ex.sessionID = sessionID
}

// finalize freezes the exchange and builds its telemetry event. Later calls
// return the same event.
func (ex *exchange) finalize(status int, at time.Time) domain.TelemetryEvent {
	if ex.finalized {
		return ex.event
	}
	ex.finalized = true
	ex.event = domain.TelemetryEvent{
		Timestamp: at.UTC().Format(timestampLayout),
		RequestID: ex.requestID,
		IP:        ex.ip,
		Method:    ex.method,
		Path:      ex.path,
		Status:    status,
		EventType: optional(ex.eventType),
		Result:    optional(ex.result),
		Reason:    optional(ex.reason),
		UserID:    optional(ex.userID),
		SessionID: optional(ex.sessionID),
	}
	return ex.event
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.status = code
	r.wroteHeader = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
