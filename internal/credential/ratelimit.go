package credential

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter applies a token-bucket limit per client IP to the
// anonymous credential endpoints. Idle buckets are dropped once the map
// grows past maxEntries so memory stays bounded.
type IPRateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*ipBucket
	limit      rate.Limit
	burst      int
	maxEntries int
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewIPRateLimiter(perMinute, burst int) *IPRateLimiter {
	if perMinute <= 0 {
		perMinute = 10
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &IPRateLimiter{
		buckets:    make(map[string]*ipBucket),
		limit:      rate.Limit(float64(perMinute) / 60.0),
		burst:      burst,
		maxEntries: 5000,
	}
}

func (l *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *IPRateLimiter) allow(ip string) bool {
	now := time.Now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[ip]
	if !ok {
		bucket = &ipBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = bucket
	}
	bucket.lastSeen = now

	if len(l.buckets) > l.maxEntries {
		threshold := now.Add(-10 * time.Minute)
		for key, value := range l.buckets {
			if value.lastSeen.Before(threshold) {
				delete(l.buckets, key)
			}
		}
	}

	return bucket.limiter.Allow()
}

func clientIP(r *http.Request) string {
	xForwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xForwardedFor != "" {
		parts := strings.Split(xForwardedFor, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
