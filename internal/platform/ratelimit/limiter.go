// Package ratelimit throttles callers with one token bucket per key.
package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/genfity/fulfillment/internal/platform/httpx"
)

const (
	defaultCapacity = 4096
	idleTTL         = 30 * time.Minute
)

// KeyedLimiter keeps a token bucket per key. Idle buckets are evicted after idleTTL or when the
// capacity is reached, so a flood of distinct keys cannot grow memory without bound.
type KeyedLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters *expirable.LRU[string, *rate.Limiter]
}

// NewPerMinute builds a limiter admitting perMinute requests per key with the given burst.
func NewPerMinute(perMinute, burst, capacity int) *KeyedLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = perMinute
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &KeyedLimiter{
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    burst,
		limiters: expirable.NewLRU[string, *rate.Limiter](capacity, nil, idleTTL),
	}
}

// Allow consumes one token for key. A nil limiter admits everything.
func (l *KeyedLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	return l.limiterFor(key).Allow()
}

// RetryAfter estimates how long key must wait for the next token.
func (l *KeyedLimiter) RetryAfter(key string) time.Duration {
	if l == nil {
		return 0
	}
	res := l.limiterFor(key).Reserve()
	delay := res.Delay()
	res.Cancel()
	return delay
}

func (l *KeyedLimiter) limiterFor(key string) *rate.Limiter {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-adding resets the idle TTL of an active key.
	if lim, ok := l.limiters.Get(key); ok {
		l.limiters.Add(key, lim)
		return lim
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.limiters.Add(key, lim)
	return lim
}

// Middleware rejects requests over the per-IP rate with 429.
func Middleware(limiter *KeyedLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r)
			if !limiter.Allow(key) {
				retry := limiter.RetryAfter(key)
				w.Header().Set("Retry-After", strconv.Itoa(int(retry.Round(time.Second)/time.Second)+1))
				httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
