package internal

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	sweepEvery = 100 // deliveries between sweeps of closed windows
	sweepAbove = 200 // tracked sources that force a sweep
)

// IngressLimiter caps provider deliveries per source address in fixed windows.
// A provider that is throttled retries the delivery later, so rejecting is safe.
type IngressLimiter struct {
	mu         sync.Mutex
	sources    map[string]*window
	limit      int
	span       time.Duration
	deliveries int
	now        func() time.Time
}

type window struct {
	used     int
	closesAt time.Time
}

// NewIngressLimiter allows limit deliveries per source in every span
func NewIngressLimiter(limit int, span time.Duration) *IngressLimiter {
	return &IngressLimiter{
		sources: make(map[string]*window),
		limit:   limit,
		span:    span,
		now:     time.Now,
	}
}

// Allow counts one delivery from source and reports whether it fits the open window
func (l *IngressLimiter) Allow(source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.deliveries++
	if l.deliveries%sweepEvery == 0 || len(l.sources) > sweepAbove {
		l.sweep(now)
		if l.deliveries >= sweepEvery*10 {
			l.deliveries = 0
		}
	}

	w, ok := l.sources[source]
	if !ok || now.After(w.closesAt) {
		l.sources[source] = &window{used: 1, closesAt: now.Add(l.span)}
		return true
	}
	if w.used >= l.limit {
		return false
	}
	w.used++
	return true
}

// Sweep forgets sources whose window has closed
func (l *IngressLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(l.now())
}

func (l *IngressLimiter) sweep(now time.Time) {
	for source, w := range l.sources {
		if now.After(w.closesAt) {
			delete(l.sources, source)
		}
	}
}

// Middleware rejects deliveries over the limit with 429 and a Retry-After hint.
// onLimited, if set, is called for every rejected delivery.
func (l *IngressLimiter) Middleware(next http.Handler, onLimited func(r *http.Request)) http.Handler {
	retryAfter := strconv.Itoa(max(1, int(l.span.Seconds())))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(ClientIP(r)) {
			if onLimited != nil {
				onLimited(r)
			}
			w.Header().Set("Retry-After", retryAfter)
			WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the first X-Forwarded-For hop, or the RemoteAddr host
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, _ := strings.Cut(xff, ","); strings.TrimSpace(first) != "" {
			return strings.TrimSpace(first)
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
