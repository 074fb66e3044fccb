package httpserver

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/coachpo/inmembro/internal/domain/errs"
)

const (
	limiterIdleTTL       = 3 * time.Minute
	limiterSweepInterval = time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterStore keeps one token bucket per client address. Idle entries are
// swept lazily while handling requests.
type limiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*clientLimiter
	rps       float64
	burst     int
	lastSweep time.Time
}

func newLimiterStore(rps float64, burst int) *limiterStore {
	return &limiterStore{
		limiters:  make(map[string]*clientLimiter),
		rps:       rps,
		burst:     burst,
		lastSweep: time.Now(),
	}
}

func (s *limiterStore) allow(client string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) > limiterSweepInterval {
		for key, entry := range s.limiters {
			if now.Sub(entry.lastSeen) > limiterIdleTTL {
				delete(s.limiters, key)
			}
		}
		s.lastSweep = now
	}

	entry, ok := s.limiters[client]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(s.rps), s.burst)}
		s.limiters[client] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// rateLimitMiddleware enforces a per-client token bucket. A non-positive rps
// disables limiting. X-Forwarded-For is only consulted for peers in trusted.
func rateLimitMiddleware(rps float64, burst int, trusted []netip.Prefix) mux.MiddlewareFunc {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst <= 0 {
		burst = 1
	}
	store := newLimiterStore(rps, burst)
	metrics := newHTTPMetrics()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !store.allow(clientIP(r, trusted), time.Now()) {
				if metrics.rateLimited != nil {
					metrics.rateLimited.Add(r.Context(), 1)
				}
				writeErrorE(w, errs.New("push", errs.CodeRateLimited,
					errs.WithHTTP(http.StatusTooManyRequests),
					errs.WithMessage("rate limit exceeded")))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP keys the limiter. The peer address is used unless the peer is a
// trusted proxy, in which case X-Forwarded-For is walked from the right and the
// first untrusted hop wins.
func clientIP(r *http.Request, trusted []netip.Prefix) string {
	peer := remoteIP(r)
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" || !isTrusted(peer, trusted) {
		return peer
	}
	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		addr, err := netip.ParseAddr(hop)
		if err != nil {
			return peer
		}
		if i == 0 || !trustedAddr(addr, trusted) {
			return addr.Unmap().String()
		}
	}
	return peer
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return trustedAddr(addr, trusted)
}

func trustedAddr(addr netip.Addr, trusted []netip.Prefix) bool {
	addr = addr.Unmap()
	for _, prefix := range trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
