// Package adapthttp implements the HTTP adapter for the gateway.
package adapthttp

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"

	"secureauth/internal/app"
	"secureauth/internal/domain"

	"github.com/coreos/go-oidc/v3/oidc"
)

// ssoLandingPath is where a completed single sign-on lands.
const ssoLandingPath = "/internal/dashboard"

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request, ex *exchange) {
	ex.classify(domain.EventSignupAttempt)

	body, err := parseObject(w, r)
	if err != nil {
		ex.fail("invalid_json")
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	user, err := s.auth.Signup(r.Context(), stringField(body, "username"), stringField(body, "password"))
	switch {
	case errors.Is(err, app.ErrUsernameTooShort):
		ex.fail("username_too_short")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, app.ErrPasswordTooShort):
		ex.fail("password_too_short")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, app.ErrUsernameTaken):
		ex.fail("username_taken")
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("signup", "request_id", ex.requestID, "error", err)
		ex.fail("server_error")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	ex.succeed("created")
	writeJSON(w, http.StatusCreated, map[string]any{
		"ok":       true,
		"user_id":  strconv.FormatInt(user.ID, 10),
		"username": user.Username,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, ex *exchange) {
	ex.classify(domain.EventLoginAttempt)

	if s.limiter != nil && !s.limiter.allow(s.limiter.key(r)) {
		ex.fail("rate_limited")
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	body, err := parseObject(w, r)
	if err != nil {
		ex.fail("invalid_json")
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	var previous string
	if ex.session != nil {
		previous = ex.session.ID
	}

	user, sess, err := s.auth.Login(r.Context(), stringField(body, "username"), stringField(body, "password"), previous)
	if errors.Is(err, app.ErrInvalidCredentials) {
		reason := "bad_password"
		if errors.Is(err, app.ErrUserNotFound) {
			reason = "no_such_user"
		}
		ex.fail(reason)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		s.logger.Error("login", "request_id", ex.requestID, "error", err)
		ex.fail("server_error")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	token, err := s.codec.encode(sess)
	if err != nil {
		s.logger.Error("sign session cookie", "request_id", ex.requestID, "error", err)
		ex.fail("server_error")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.setSessionCookie(w, token, s.auth.Sessions().TTL())
	ex.attribute(user.ID, sess.ID)
	ex.succeed("")
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"user_id":  strconv.FormatInt(user.ID, 10),
		"username": user.Username,
	})
}

// handleLogout destroys the caller's session. The telemetry keeps the ids of
// the destroyed session.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, ex *exchange) {
	ex.classify(domain.EventLogout)
	s.clearSessionCookie(w)

	if ex.session == nil {
		ex.succeed("no_session")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if err := s.auth.Logout(r.Context(), ex.session.ID); err != nil {
		s.logger.Error("logout", "request_id", ex.requestID, "error", err)
		ex.fail("destroy_failed")
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}

	ex.succeed("destroyed")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request, ex *exchange) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sso_enabled": s.oidc.Enabled,
	})
}

func (s *Server) handleSSOLogin(w http.ResponseWriter, r *http.Request, ex *exchange) {
	if !s.oidc.Enabled {
		writeError(w, http.StatusNotFound, "sso disabled")
		return
	}
	state := generateState()
	http.SetCookie(w, &http.Cookie{
		Name:     "oauth_state",
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode, // Lax required for cross-site redirect returns
		MaxAge:   300,
	})
	http.Redirect(w, r, s.oidc.OAuth2Config.AuthCodeURL(state), http.StatusFound)
}

func (s *Server) handleSSOCallback(w http.ResponseWriter, r *http.Request, ex *exchange) {
	if !s.oidc.Enabled {
		writeError(w, http.StatusNotFound, "sso disabled")
		return
	}
	ex.classify(domain.EventSSOLogin)

	state, err := r.Cookie("oauth_state")
	if err != nil || !app.ConstantTimeCompare(r.URL.Query().Get("state"), state.Value) {
		ex.fail("invalid_state")
		writeError(w, http.StatusBadRequest, "invalid state")
		return
	}

	http.SetCookie(w, &http.Cookie{Name: "oauth_state", MaxAge: -1, Path: "/"})

	token, err := s.oidc.OAuth2Config.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		s.logger.Warn("sso token exchange", "request_id", ex.requestID, "error", err)
		ex.fail("exchange_failed")
		writeError(w, http.StatusInternalServerError, "failed to exchange token")
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		ex.fail("no_id_token")
		writeError(w, http.StatusInternalServerError, "no id_token")
		return
	}

	idToken, err := s.oidc.Provider.Verifier(&oidc.Config{ClientID: s.oidc.OAuth2Config.ClientID}).Verify(r.Context(), rawIDToken)
	if err != nil {
		s.logger.Warn("sso token verify", "request_id", ex.requestID, "error", err)
		ex.fail("invalid_id_token")
		writeError(w, http.StatusInternalServerError, "failed to verify token")
		return
	}

	var claims struct {
		Email string `json:"email"`
		Sub   string `json:"sub"`
	}
	if err = idToken.Claims(&claims); err != nil {
		ex.fail("invalid_id_token")
		writeError(w, http.StatusInternalServerError, "failed to parse claims")
		return
	}

	username := claims.Email
	if username == "" {
		username = claims.Sub
	}

	sess, err := s.auth.LoginWithUser(r.Context(), username)
	if err != nil {
		s.logger.Error("sso login", "request_id", ex.requestID, "error", err)
		ex.fail("server_error")
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	cookie, err := s.codec.encode(sess)
	if err != nil {
		ex.fail("server_error")
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	if ex.session != nil {
		_ = s.auth.Logout(r.Context(), ex.session.ID)
	}
	s.setSessionCookie(w, cookie, s.auth.Sessions().TTL())
	ex.attribute(sess.UserID, sess.ID)
	ex.succeed("")
	http.Redirect(w, r, ssoLandingPath, http.StatusFound)
}

func generateState() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
