package adapthttp

import (
	"log/slog"
	"net/http"
	"net/netip"
	"strings"

	"secureauth/internal/app"
	"secureauth/internal/domain"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCConfig holds the optional single sign-on setup.
type OIDCConfig struct {
	Enabled      bool
	Provider     *oidc.Provider
	OAuth2Config oauth2.Config
}

// Options configure a Server.
type Options struct {
	Logger *slog.Logger
	// SessionSecret signs session cookies.
	SessionSecret []byte
	// CookieSecure marks cookies Secure, for deployments behind TLS.
	CookieSecure bool
	// BypassRoute names one /internal/ route served without the gate.
	// Empty disables fault injection.
	BypassRoute string
	// LoginRate is the sustained number of login attempts per second allowed
	// per client IP. Zero disables rate limiting.
	LoginRate  float64
	LoginBurst int
	// TrustedProxies are the peers whose X-Forwarded-For header is believed
	// when keying the login limiter. Empty trusts no one.
	TrustedProxies []netip.Prefix
	OIDC           OIDCConfig
}

// Server is the driving HTTP adapter that routes requests to application
// services.
type Server struct {
	auth    *app.AuthService
	sink    domain.TelemetrySink
	logger  *slog.Logger
	codec   *sessionCodec
	limiter *loginLimiter
	oidc    OIDCConfig
	secure  bool
	routes  []route
}

// New creates a Server wired to the auth service and a telemetry sink.
func New(authSvc *app.AuthService, sink domain.TelemetrySink, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		auth:   authSvc,
		sink:   sink,
		logger: logger,
		codec:  newSessionCodec(opts.SessionSecret),
		oidc:   opts.OIDC,
		secure: opts.CookieSecure,
	}
	if opts.LoginRate > 0 {
		s.limiter = newLoginLimiter(opts.LoginRate, opts.LoginBurst, opts.TrustedProxies)
	}
	s.routes = s.buildRoutes(opts.BypassRoute)
	return s
}

// InternalPages are the protected pages served under /internal/.
var InternalPages = []string{"dashboard", "settings", "reports"}

// policy decides how the gate treats a route.
type policy int

const (
	policyPublic policy = iota
	policySession
	policyBypass
)

type handlerFunc func(w http.ResponseWriter, r *http.Request, ex *exchange)

// route is one entry of the route table. A path ending in "/" matches every
// path under it; an empty method matches any method.
type route struct {
	method string
	path   string
	policy policy
	handle handlerFunc
}

func (s *Server) buildRoutes(bypass string) []route {
	routes := []route{
		{http.MethodGet, "/health", policyPublic, s.handleHealth},
		{http.MethodPost, "/signup", policyPublic, s.handleSignup},
		{http.MethodPost, "/login", policyPublic, s.handleLogin},
		{http.MethodPost, "/logout", policyPublic, s.handleLogout},
		{http.MethodGet, "/auth/config", policyPublic, s.handleConfig},
		{http.MethodGet, "/sso/login", policyPublic, s.handleSSOLogin},
		{http.MethodGet, "/sso/callback", policyPublic, s.handleSSOCallback},
	}

	for _, page := range InternalPages {
		p := "/internal/" + page
		pol := policySession
		if bypass != "" && p == normalizeInternalPath(bypass) {
			pol = policyBypass
		}
		routes = append(routes, route{http.MethodGet, p, pol, s.handleInternalPage(page)})
	}

	return append(routes,
		route{"", "/internal/", policySession, s.handleNotFound},
		route{"", "/", policyPublic, s.handleNotFound},
	)
}

// normalizeInternalPath accepts "reports", "/reports" or "/internal/reports".
func normalizeInternalPath(name string) string {
	name = strings.TrimPrefix(name, "/")
	name = strings.TrimPrefix(name, "internal/")
	return "/internal/" + name
}

// match returns the exact route for path, else the longest prefix route.
func (s *Server) match(path string) *route {
	var best *route
	for i := range s.routes {
		rt := &s.routes[i]
		if rt.path == path {
			return rt
		}
		if strings.HasSuffix(rt.path, "/") && strings.HasPrefix(path, rt.path) {
			if best == nil || len(rt.path) > len(best.path) {
				best = rt
			}
		}
	}
	return best
}

// Handler returns the root http.Handler for the application.
func (s *Server) Handler() http.Handler {
	return withNoCache(http.HandlerFunc(s.serve))
}
