package adapthttp

import (
	"errors"
	"net/http"
	"time"

	"secureauth/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

var errInvalidCookie = errors.New("invalid session cookie")

// sessionClaims carry the session id as the JWT id. The token only proves
// the cookie was issued here; the session store stays authoritative.
type sessionClaims struct {
	jwt.RegisteredClaims
}

type sessionCodec struct {
	secret []byte
}

func newSessionCodec(secret []byte) *sessionCodec {
	return &sessionCodec{secret: secret}
}

func (c *sessionCodec) encode(sess *domain.Session) (string, error) {
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sess.ID,
			Subject:   sess.Username,
			IssuedAt:  jwt.NewNumericDate(sess.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(c.secret)
}

// decode verifies the cookie value and returns the session id it names.
func (c *sessionCodec) decode(value string) (string, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(value, claims, func(t *jwt.Token) (interface{}, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.ID == "" {
		return "", errInvalidCookie
	}
	return claims.ID, nil
}

func (s *Server) setSessionCookie(w http.ResponseWriter, value string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(ttl.Seconds()),
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}
