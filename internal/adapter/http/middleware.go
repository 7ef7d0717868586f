package adapthttp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"secureauth/internal/domain"

	"github.com/google/uuid"
)

const sessionCookieName = "session"

// serve runs one request through the route table: resolve the session,
// check the method, apply the gate, call the handler, then emit exactly one
// telemetry event once the status is final.
func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	ex := newExchange(r, uuid.NewString())
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("panic serving request",
				"request_id", ex.requestID, "path", ex.path, "panic", fmt.Sprint(p))
			ex.fail("server_error")
			if !rec.wroteHeader {
				writeError(rec, http.StatusInternalServerError, "internal error")
			}
		}
		s.emit(r.Context(), ex.finalize(rec.status, time.Now()))
	}()

	s.resolveSession(r, ex)

	rt := s.match(r.URL.Path)
	if rt == nil {
		writeError(rec, http.StatusNotFound, "not found")
		return
	}
	if rt.method != "" && r.Method != rt.method {
		rec.Header().Set("Allow", rt.method)
		writeError(rec, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(rec, ex, rt.policy) {
		return
	}
	rt.handle(rec, r, ex)
}

// resolveSession reads the session cookie and binds the live session, if
// any, to the exchange.
func (s *Server) resolveSession(r *http.Request, ex *exchange) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return
	}
	ex.cookiePresent = true

	id, err := s.codec.decode(cookie.Value)
	if err != nil {
		return
	}
	sess, err := s.auth.Resolve(r.Context(), id)
	if err != nil {
		ex.resolveErr = err
		return
	}
	ex.bind(sess)
}

// authorize applies the route's gate policy. It reports whether the handler
// may run; on denial the response has been written.
func (s *Server) authorize(w http.ResponseWriter, ex *exchange, p policy) bool {
	switch p {
	case policyPublic:
		return true
	case policyBypass:
		ex.classify(domain.EventInternalAccess)
		ex.succeed("bypass")
		return true
	}

	ex.classify(domain.EventInternalAccess)
	if ex.resolveErr != nil {
		s.logger.Error("resolve session", "request_id", ex.requestID, "error", ex.resolveErr)
		ex.fail("server_error")
		writeError(w, http.StatusInternalServerError, "internal error")
		return false
	}
	if ex.session != nil && ex.session.UserID != 0 {
		ex.succeed("authorized")
		return true
	}

	reason := "no_session"
	if ex.cookiePresent {
		reason = "invalid_session"
	}
	ex.fail(reason)
	writeError(w, http.StatusUnauthorized, "unauthorized")
	return false
}

// emit hands a finalized event to the sink. Failures are logged only.
func (s *Server) emit(ctx context.Context, ev domain.TelemetryEvent) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Emit(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("telemetry emit failed", "request_id", ev.RequestID, "error", err)
	}
}
