package adapthttp_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"slices"
	"strings"
	"testing"
	"time"

	adapthttp "secureauth/internal/adapter/http"
	"secureauth/internal/adapter/memory"
	"secureauth/internal/app"
	"secureauth/internal/domain"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
)

// ---------------------------------------------------------------------------
// Mock repositories (function-fields pattern)
// ---------------------------------------------------------------------------

type mockSessionRepo struct {
	domain.SessionRepository
	deleteFn func(ctx context.Context, id string) error
}

func (m *mockSessionRepo) Delete(ctx context.Context, id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return m.SessionRepository.Delete(ctx, id)
}

// ---------------------------------------------------------------------------
// Test-server helpers
// ---------------------------------------------------------------------------

type testEnv struct {
	handler http.Handler
	events  *memory.Telemetry
}

func newTestEnv(t *testing.T, opts adapthttp.Options, sessions *mockSessionRepo) *testEnv {
	t.Helper()

	db := memory.New()
	if sessions == nil {
		sessions = &mockSessionRepo{}
	}
	sessions.SessionRepository = db.NewSessionRepo()

	creds, err := app.NewCredentials(db, bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	authSvc := app.NewAuthService(creds, app.NewSessions(sessions, time.Hour))

	if opts.SessionSecret == nil {
		opts.SessionSecret = []byte("test-secret")
	}
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	events := memory.NewTelemetry()
	srv := adapthttp.New(authSvc, events, opts)
	return &testEnv{handler: srv.Handler(), events: events}
}

func (e *testEnv) do(t *testing.T, method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	return e.doRequest(t, newRequest(method, path, body, cookies...))
}

func (e *testEnv) doRequest(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) lastEvent(t *testing.T) domain.TelemetryEvent {
	t.Helper()
	events := e.events.Events()
	if len(events) == 0 {
		t.Fatal("no telemetry recorded")
	}
	return events[len(events)-1]
}

// login signs up and logs in, returning the session cookie.
func (e *testEnv) login(t *testing.T, username, password string) *http.Cookie {
	t.Helper()
	e.do(t, http.MethodPost, "/signup", credentialsJSON(username, password))
	rec := e.do(t, http.MethodPost, "/login", credentialsJSON(username, password))
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	c := sessionCookie(rec)
	if c == nil {
		t.Fatal("login did not set a session cookie")
	}
	return c
}

func newRequest(method, path, body string, cookies ...*http.Cookie) *http.Request {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	return req
}

func credentialsJSON(username, password string) string {
	b, _ := json.Marshal(map[string]string{"username": username, "password": password})
	return string(b)
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == "session" {
			return c
		}
	}
	return nil
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("failed to decode response body: %v\n%s", err, rec.Body.String())
	}
	return m
}

func deref(p *string) string {
	if p == nil {
		return "<nil>"
	}
	return *p
}

func assertClassification(t *testing.T, ev domain.TelemetryEvent, eventType, result, reason string) {
	t.Helper()
	if deref(ev.EventType) != eventType || deref(ev.Result) != result || deref(ev.Reason) != reason {
		t.Errorf("expected %s/%s/%s, got %s/%s/%s", eventType, result, reason,
			deref(ev.EventType), deref(ev.Result), deref(ev.Reason))
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, adapthttp.Options{}, nil)

	rec := env.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["ok"] != true {
		t.Fatalf("expected ok=true, got %v", body["ok"])
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("expected Cache-Control: no-store")
	}

	ev := env.lastEvent(t)
	if ev.Status != 200 || ev.Method != "GET" || ev.Path != "/health" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.RequestID == "" {
		t.Error("expected a request id")
	}
	if ev.IP != "192.0.2.1" {
		t.Errorf("expected peer ip 192.0.2.1, got %s", ev.IP)
	}
	if ev.EventType != nil || ev.Result != nil || ev.Reason != nil || ev.UserID != nil || ev.SessionID != nil {
		t.Errorf("expected null classification and attribution, got %+v", ev)
	}
	if _, err := time.Parse("2006-01-02T15:04:05.000Z07:00", ev.Timestamp); err != nil || !strings.HasSuffix(ev.Timestamp, "Z") {
		t.Errorf("timestamp %q is not UTC with milliseconds: %v", ev.Timestamp, err)
	}
}

func TestSignupValidation(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantError  string
		wantReason string
	}{
		{
			name:       "short username",
			body:       credentialsJSON("ab", "longenoughpw"),
			wantStatus: http.StatusBadRequest,
			wantError:  "username must be at least 3 characters",
			wantReason: "username_too_short",
		},
		{
			name:       "username short after trim",
			body:       credentialsJSON("  ab  ", "longenoughpw"),
			wantStatus: http.StatusBadRequest,
			wantError:  "username must be at least 3 characters",
			wantReason: "username_too_short",
		},
		{
			name:       "short password",
			body:       credentialsJSON("alice", "short"),
			wantStatus: http.StatusBadRequest,
			wantError:  "password must be at least 6 characters",
			wantReason: "password_too_short",
		},
		{
			name:       "non-string username",
			body:       `{"username":12345,"password":"secret1"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "username must be at least 3 characters",
			wantReason: "username_too_short",
		},
		{
			name:       "empty body",
			body:       "",
			wantStatus: http.StatusBadRequest,
			wantError:  "username must be at least 3 characters",
			wantReason: "username_too_short",
		},
		{
			name:       "malformed json",
			body:       `{"username":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid json",
			wantReason: "invalid_json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, adapthttp.Options{}, nil)

			rec := env.do(t, http.MethodPost, "/signup", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			body := decodeBody(t, rec)
			if body["ok"] != false || body["error"] != tt.wantError {
				t.Errorf("unexpected body: %v", body)
			}
			assertClassification(t, env.lastEvent(t), domain.EventSignupAttempt, domain.ResultFailure, tt.wantReason)
		})
	}
}

func TestSignupAndLoginWithLongPassword(t *testing.T) {
	env := newTestEnv(t, adapthttp.Options{}, nil)
	password := strings.Repeat("p", 80)

	rec := env.do(t, http.MethodPost, "/signup", credentialsJSON("longpw", password))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	assertClassification(t, env.lastEvent(t), domain.EventSignupAttempt, domain.ResultSuccess, "created")

	if rec := env.do(t, http.MethodPost, "/login", credentialsJSON("longpw", password)); rec.Code != http.StatusOK {
		t.Errorf("login with the full password: expected 200, got %d", rec.Code)
	}
	truncated := strings.Repeat("p", 72)
	if rec := env.do(t, http.MethodPost, "/login", credentialsJSON("longpw", truncated)); rec.Code != http.StatusUnauthorized {
		t.Errorf("login with the first 72 bytes: expected 401, got %d", rec.Code)
	}
}

func TestSignupDuplicate(t *testing.T) {
	env := newTestEnv(t, adapthttp.Options{}, nil)

	rec := env.do(t, http.MethodPost, "/signup", credentialsJSON("alice", "secret1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["ok"] != true || body["user_id"] != "1" || body["username"] != "alice" {
		t.Errorf("unexpected body: %v", body)
	}
	assertClassification(t, env.lastEvent(t), domain.EventSignupAttempt, domain.ResultSuccess, "created")

	rec = env.do(t, http.MethodPost, "/signup", credentialsJSON("alice", "secret1"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "username already exists" {
		t.Errorf("unexpected error: %v", body["error"])
	}
	assertClassification(t, env.lastEvent(t), domain.EventSignupAttempt, domain.ResultFailure, "username_taken")
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	env := newTestEnv(t, adapthttp.Options{}, nil)
	env.do(t, http.MethodPost, "/signup", credentialsJSON("alice", "secret1"))

	unknown := env.do(t, http.MethodPost, "/login", credentialsJSON("ghost", "secret1"))
	unknownEv := env.lastEvent(t)
	wrong := env.do(t, http.MethodPost, "/login", credentialsJSON("alice", "wrongpass"))
	wrongEv := env.lastEvent(t)

	if unknown.Code != http.StatusUnauthorized || wrong.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401/401, got %d/%d", unknown.Code, wrong.Code)
	}
	if unknown.Body.String() != wrong.Body.String() {
		t.Errorf("bodies differ:\n%s\n%s", unknown.Body.String(), wrong.Body.String())
	}
	if got := strings.TrimSpace(unknown.Body.String()); got != `{"error":"invalid credentials","ok":false}` {
		t.Errorf("unexpected body %s", got)
	}
	if sessionCookie(unknown) != nil || sessionCookie(wrong) != nil {
		t.Error("failed login must not set a session cookie")
	}

	assertClassification(t, unknownEv, domain.EventLoginAttempt, domain.ResultFailure, "no_such_user")
	assertClassification(t, wrongEv, domain.EventLoginAttempt, domain.ResultFailure, "bad_password")
}

func TestLoginAndInternalAccess(t *testing.T) {
	env := newTestEnv(t, adapthttp.Options{}, nil)
	env.do(t, http.MethodPost, "/signup", credentialsJSON("alice", "secret1"))

	rec := env.do(t, http.MethodPost, "/login", credentialsJSON("alice", "secret1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["ok"] != true || body["user_id"] != "1" || body["username"] != "alice" {
		t.Errorf("unexpected body: %v", body)
	}
	cookie := sessionCookie(rec)
	if cookie == nil {
		t.Fatal("expected session cookie")
	}
	if !cookie.HttpOnly || cookie.SameSite != http.SameSiteStrictMode {
		t.Errorf("cookie must be HttpOnly and SameSite=Strict: %+v", cookie)
	}

	loginEv := env.lastEvent(t)
	assertClassification(t, loginEv, domain.EventLoginAttempt, domain.ResultSuccess, "<nil>")
	if deref(loginEv.UserID) != "1" || loginEv.SessionID == nil {
		t.Errorf("login must be attributed to the new session: %+v", loginEv)
	}

	for _, page := range adapthttp.InternalPages {
		rec = env.do(t, http.MethodGet, "/internal/"+page, "", cookie)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", page, rec.Code)
		}
		body = decodeBody(t, rec)
		if body["page"] != page || body["user"] != "alice" || body["user_id"] != "1" {
			t.Errorf("%s: unexpected body %v", page, body)
		}
		ev := env.lastEvent(t)
		assertClassification(t, ev, domain.EventInternalAccess, domain.ResultSuccess, "authorized")
		if deref(ev.SessionID) != deref(loginEv.SessionID) {
			t.Errorf("expected session %s, got %s", deref(loginEv.SessionID), deref(ev.SessionID))
		}
	}

	rec = env.do(t, http.MethodGet, "/internal/dashboard", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without cookie, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["ok"] != false || body["error"] != "unauthorized" {
		t.Errorf("unexpected body: %v", body)
	}
	noCookieBody := rec.Body.String()
	assertClassification(t, env.lastEvent(t), domain.EventInternalAccess, domain.ResultFailure, "no_session")

	rec = env.do(t, http.MethodGet, "/internal/dashboard", "", &http.Cookie{Name: "session", Value: "garbage"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with garbage cookie, got %d", rec.Code)
	}
	if rec.Body.String() != noCookieBody {
		t.Error("denials must be externally identical")
	}
	assertClassification(t, env.lastEvent(t), domain.EventInternalAccess, domain.ResultFailure, "invalid_session")
}

func TestLogoutInvalidatesSession(t *testing.T) {
	env := newTestEnv(t, adapthttp.Options{}, nil)
	cookie := env.login(t, "alice", "secret1")
	loginEv := env.lastEvent(t)

	rec := env.do(t, http.MethodPost, "/logout", "", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["ok"] != true {
		t.Errorf("unexpected body: %v", body)
	}
	cleared := sessionCookie(rec)
	if cleared == nil || cleared.MaxAge >= 0 || cleared.Value != "" {
		t.Errorf("expected cleared cookie, got %+v", cleared)
	}
	ev := env.lastEvent(t)
	assertClassification(t, ev, domain.EventLogout, domain.ResultSuccess, "destroyed")
	if deref(ev.SessionID) != deref(loginEv.SessionID) || deref(ev.UserID) != "1" {
		t.Errorf("logout must be attributed to the destroyed session: %+v", ev)
	}

	rec = env.do(t, http.MethodGet, "/internal/dashboard", "", cookie)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rec.Code)
	}
	assertClassification(t, env.lastEvent(t), domain.EventInternalAccess, domain.ResultFailure, "invalid_session")
}

func TestLogoutWithoutSession(t *testing.T) {
	env := newTestEnv(t, adapthttp.Options{}, nil)

	rec := env.do(t, http.MethodPost, "/logout", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if sessionCookie(rec) == nil {
		t.Error("cookie must be cleared on every logout")
	}
	assertClassification(t, env.lastEvent(t), domain.EventLogout, domain.ResultSuccess, "no_session")
}

func TestLogoutDestroyFailure(t *testing.T) {
	sessions := &mockSessionRepo{
		deleteFn: func(ctx context.Context, id string) error {
			return errors.New("store unavailable")
		},
	}
	env := newTestEnv(t, adapthttp.Options{}, sessions)
	cookie := env.login(t, "alice", "secret1")

	rec := env.do(t, http.MethodPost, "/logout", "", cookie)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "logout failed" {
		t.Errorf("unexpected body: %v", body)
	}
	assertClassification(t, env.lastEvent(t), domain.EventLogout, domain.ResultFailure, "destroy_failed")
}

func TestLoginRotatesSession(t *testing.T) {
	env := newTestEnv(t, adapthttp.Options{}, nil)
	first := env.login(t, "alice", "secret1")

	rec := env.do(t, http.MethodPost, "/login", credentialsJSON("alice", "secret1"), first)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	second := sessionCookie(rec)
	if second == nil || second.Value == first.Value {
		t.Fatal("expected a fresh session cookie")
	}

	if rec := env.do(t, http.MethodGet, "/internal/dashboard", "", first); rec.Code != http.StatusUnauthorized {
		t.Errorf("previous session must be terminated, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/internal/dashboard", "", second); rec.Code != http.StatusOK {
		t.Errorf("new session must work, got %d", rec.Code)
	}
}

func TestFaultInjectionBypass(t *testing.T) {
	env := newTestEnv(t, adapthttp.Options{BypassRoute: "reports"}, nil)

	rec := env.do(t, http.MethodGet, "/internal/reports", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on bypassed route, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["page"] != "reports" || body["user"] != nil || body["user_id"] != nil {
		t.Errorf("unexpected body: %v", body)
	}
	ev := env.lastEvent(t)
	assertClassification(t, ev, domain.EventInternalAccess, domain.ResultSuccess, "bypass")
	if ev.UserID != nil || ev.SessionID != nil {
		t.Errorf("expected null attribution, got %+v", ev)
	}

	if rec := env.do(t, http.MethodGet, "/internal/dashboard", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("other routes stay gated, got %d", rec.Code)
	}
}

func TestGateIsOnByDefault(t *testing.T) {
	env := newTestEnv(t, adapthttp.Options{}, nil)

	for _, page := range adapthttp.InternalPages {
		if rec := env.do(t, http.MethodGet, "/internal/"+page, ""); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", page, rec.Code)
		}
	}
}

func TestUnknownInternalPath(t *testing.T) {
	env := newTestEnv(t, adapthttp.Options{}, nil)

	rec := env.do(t, http.MethodGet, "/internal/secrets", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", rec.Code)
	}

	cookie := env.login(t, "alice", "secret1")
	rec = env.do(t, http.MethodGet, "/internal/secrets", "", cookie)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with session, got %d", rec.Code)
	}
	assertClassification(t, env.lastEvent(t), domain.EventInternalAccess, domain.ResultSuccess, "authorized")
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, adapthttp.Options{}, nil)

	rec := env.do(t, http.MethodGet, "/nope?x=1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "not found" {
		t.Errorf("unexpected body: %v", body)
	}
	ev := env.lastEvent(t)
	if ev.Status != 404 || ev.Path != "/nope?x=1" || ev.EventType != nil {
		t.Errorf("unexpected event: %+v", ev)
	}

	rec = env.do(t, http.MethodGet, "/login", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["ok"] != false || body["error"] != "method not allowed" {
		t.Errorf("unexpected body: %v", body)
	}
	ev = env.lastEvent(t)
	if ev.Status != 405 || ev.EventType != nil || ev.Result != nil {
		t.Errorf("unexpected event: %+v", ev)
	}

	if got := len(env.events.Events()); got != 2 {
		t.Errorf("expected exactly one event per request, got %d", got)
	}
}

func TestLoginRateLimit(t *testing.T) {
	env := newTestEnv(t, adapthttp.Options{LoginRate: 0.01, LoginBurst: 2}, nil)
	env.do(t, http.MethodPost, "/signup", credentialsJSON("alice", "secret1"))

	// One peer rotating X-Forwarded-For still shares a single budget.
	var codes []int
	for i := 0; i < 4; i++ {
		req := newRequest(http.MethodPost, "/login", credentialsJSON("alice", "wrongpass"))
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		codes = append(codes, env.doRequest(t, req).Code)
	}
	if want := []int{401, 401, 429, 429}; !slices.Equal(codes, want) {
		t.Fatalf("expected %v, got %v", want, codes)
	}
	ev := env.lastEvent(t)
	assertClassification(t, ev, domain.EventLoginAttempt, domain.ResultFailure, "rate_limited")
	if ev.IP != "203.0.113.4" {
		t.Errorf("telemetry keeps the forwarded address, got %s", ev.IP)
	}

	req := newRequest(http.MethodPost, "/login", credentialsJSON("alice", "secret1"))
	req.RemoteAddr = "198.51.100.4:5555"
	if rec := env.doRequest(t, req); rec.Code != http.StatusOK {
		t.Errorf("other peers keep their own budget, got %d", rec.Code)
	}
}

func TestLoginRateLimitBehindTrustedProxy(t *testing.T) {
	opts := adapthttp.Options{
		LoginRate:      0.01,
		LoginBurst:     1,
		TrustedProxies: []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")},
	}
	env := newTestEnv(t, opts, nil)
	env.do(t, http.MethodPost, "/signup", credentialsJSON("alice", "secret1"))

	login := func(xff string) int {
		req := newRequest(http.MethodPost, "/login", credentialsJSON("alice", "wrongpass"))
		req.Header.Set("X-Forwarded-For", xff)
		return env.doRequest(t, req).Code
	}

	if code := login("203.0.113.1"); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
	if code := login("203.0.113.1"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for the same forwarded client, got %d", code)
	}
	if code := login("203.0.113.2"); code != http.StatusUnauthorized {
		t.Errorf("a different forwarded client keeps its own budget, got %d", code)
	}
}

func TestClientIPFromForwardedFor(t *testing.T) {
	env := newTestEnv(t, adapthttp.Options{}, nil)

	req := newRequest(http.MethodGet, "/health", "")
	req.Header.Set("X-Forwarded-For", " 203.0.113.7 , 10.0.0.1")
	env.doRequest(t, req)

	if ip := env.lastEvent(t).IP; ip != "203.0.113.7" {
		t.Errorf("expected 203.0.113.7, got %s", ip)
	}
}

func TestCookieFromAnotherSecretIsRejected(t *testing.T) {
	issuer := newTestEnv(t, adapthttp.Options{SessionSecret: []byte("one")}, nil)
	verifier := newTestEnv(t, adapthttp.Options{SessionSecret: []byte("two")}, nil)

	cookie := issuer.login(t, "alice", "secret1")

	rec := verifier.do(t, http.MethodGet, "/internal/dashboard", "", cookie)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	assertClassification(t, verifier.lastEvent(t), domain.EventInternalAccess, domain.ResultFailure, "invalid_session")
}

func TestSSODisabled(t *testing.T) {
	env := newTestEnv(t, adapthttp.Options{}, nil)

	rec := env.do(t, http.MethodGet, "/auth/config", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["sso_enabled"] != false {
		t.Errorf("unexpected body: %v", body)
	}

	for _, path := range []string{"/sso/login", "/sso/callback"} {
		if rec := env.do(t, http.MethodGet, path, ""); rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, rec.Code)
		}
	}
}

func TestSSOCallbackRejectsBadState(t *testing.T) {
	opts := adapthttp.Options{OIDC: adapthttp.OIDCConfig{Enabled: true}}
	env := newTestEnv(t, opts, nil)

	req := newRequest(http.MethodGet, "/sso/callback?state=forged&code=abc", "")
	req.AddCookie(&http.Cookie{Name: "oauth_state", Value: "expected"})
	rec := env.doRequest(t, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	assertClassification(t, env.lastEvent(t), domain.EventSSOLogin, domain.ResultFailure, "invalid_state")
}

func TestSSOLoginRedirects(t *testing.T) {
	opts := adapthttp.Options{OIDC: adapthttp.OIDCConfig{Enabled: true}}
	opts.OIDC.OAuth2Config.ClientID = "gateway"
	opts.OIDC.OAuth2Config.Endpoint.AuthURL = "https://idp.example.com/auth"
	env := newTestEnv(t, opts, nil)

	rec := env.do(t, http.MethodGet, "/sso/login", "")
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	loc := rec.Header().Get("Location")
	if !strings.HasPrefix(loc, "https://idp.example.com/auth?") || !strings.Contains(loc, "client_id=gateway") {
		t.Errorf("unexpected redirect %s", loc)
	}
}

// newTestIdP serves discovery-free OIDC endpoints: a token endpoint issuing
// an RS256 ID token for the given email and the matching key set.
func newTestIdP(t *testing.T, clientID, email string) (*httptest.Server, *oidc.Provider) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	idp := httptest.NewServer(mux)
	t.Cleanup(idp.Close)

	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{{
			"kty": "RSA",
			"alg": "RS256",
			"use": "sig",
			"kid": "test",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
			"iss":   idp.URL,
			"aud":   clientID,
			"sub":   "subject-1",
			"email": email,
			"iat":   now.Unix(),
			"exp":   now.Add(time.Hour).Unix(),
		})
		tok.Header["kid"] = "test"
		idToken, err := tok.SignedString(key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     idToken,
		})
	})

	provider := (&oidc.ProviderConfig{
		IssuerURL: idp.URL,
		AuthURL:   idp.URL + "/auth",
		TokenURL:  idp.URL + "/token",
		JWKSURL:   idp.URL + "/keys",
	}).NewProvider(context.Background())
	return idp, provider
}

func TestSSOCallbackLandsOnDashboard(t *testing.T) {
	_, provider := newTestIdP(t, "gateway", "sso@example.com")
	opts := adapthttp.Options{OIDC: adapthttp.OIDCConfig{
		Enabled:  true,
		Provider: provider,
		OAuth2Config: oauth2.Config{
			ClientID:     "gateway",
			ClientSecret: "secret",
			RedirectURL:  "http://gateway.test/sso/callback",
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "email"},
		},
	}}
	env := newTestEnv(t, opts, nil)

	req := newRequest(http.MethodGet, "/sso/callback?state=st&code=abc", "")
	req.AddCookie(&http.Cookie{Name: "oauth_state", Value: "st"})
	rec := env.doRequest(t, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d: %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/internal/dashboard" {
		t.Errorf("expected redirect to /internal/dashboard, got %q", loc)
	}
	ev := env.lastEvent(t)
	assertClassification(t, ev, domain.EventSSOLogin, domain.ResultSuccess, "<nil>")
	if ev.UserID == nil || ev.SessionID == nil {
		t.Errorf("expected attribution, got %+v", ev)
	}

	cookie := sessionCookie(rec)
	if cookie == nil {
		t.Fatal("callback did not set a session cookie")
	}
	rec = env.do(t, http.MethodGet, "/internal/dashboard", "", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("landing page: expected 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["user"] != "sso@example.com" {
		t.Errorf("unexpected body: %v", body)
	}
}
