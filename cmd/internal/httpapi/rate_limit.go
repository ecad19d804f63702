package httpapi

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"helpdesk/cmd/internal/realtime"
)

// ipLimiter keeps one sliding window per client address.
type ipLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	byIP    map[string]*ipWindow
	lastGC  time.Time
	gcEvery time.Duration
}

type ipWindow struct {
	rl   *realtime.RateLimiter
	last time.Time
}

func newIPLimiter(limit int, window time.Duration) *ipLimiter {
	return &ipLimiter{
		limit:   limit,
		window:  window,
		byIP:    make(map[string]*ipWindow),
		gcEvery: window,
	}
}

// Allow records an event for ip. Unknown addresses share one window.
func (l *ipLimiter) Allow(ip net.IP, now time.Time) bool {
	key := "unknown"
	if ip != nil {
		key = ip.String()
	}

	l.mu.Lock()
	if now.Sub(l.lastGC) >= l.gcEvery {
		for k, w := range l.byIP {
			if now.Sub(w.last) > l.window {
				delete(l.byIP, k)
			}
		}
		l.lastGC = now
	}
	w, ok := l.byIP[key]
	if !ok {
		w = &ipWindow{rl: realtime.NewRateLimiter(l.limit, l.window)}
		l.byIP[key] = w
	}
	w.last = now
	l.mu.Unlock()

	return w.rl.Allow(now)
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
