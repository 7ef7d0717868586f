package adapthttp

import (
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultLoginBurst = 5
	limiterIdleTTL    = 10 * time.Minute
	limiterPruneAt    = 4096
)

// loginLimiter throttles login attempts per client IP. The client is the
// transport peer unless that peer is a trusted proxy.
type loginLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	trusted []netip.Prefix
	clients map[string]*clientLimiter
	now     func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLoginLimiter(perSecond float64, burst int, trusted []netip.Prefix) *loginLimiter {
	if burst <= 0 {
		burst = defaultLoginBurst
	}
	return &loginLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		trusted: trusted,
		clients: make(map[string]*clientLimiter),
		now:     time.Now,
	}
}

// key returns the address a request is throttled under. Behind a trusted
// proxy it is the rightmost X-Forwarded-For hop that is not itself trusted.
func (l *loginLimiter) key(r *http.Request) string {
	peer := peerIP(r)
	if !l.isTrusted(peer) {
		return peer
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop != "" && !l.isTrusted(hop) {
			return hop
		}
	}
	return peer
}

func (l *loginLimiter) isTrusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range l.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// allow reports whether ip may attempt a login now.
func (l *loginLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if len(l.clients) >= limiterPruneAt {
		l.prune(now)
	}

	c, ok := l.clients[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (l *loginLimiter) prune(now time.Time) {
	for ip, c := range l.clients {
		if now.Sub(c.lastSeen) > limiterIdleTTL {
			delete(l.clients, ip)
		}
	}
}
