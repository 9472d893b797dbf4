package server

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterIdleTimeout is how long a client's limiter is kept after its last
// request. It must exceed the time a bucket needs to refill.
const LimiterIdleTimeout = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter implements a simple token bucket rate limiter per IP address
type RateLimiter struct {
	limiters  map[string]*clientLimiter
	mu        sync.Mutex
	rateLimit rate.Limit // Requests per second
	burstSize int        // Maximum burst size
	lastSweep time.Time
	now       func() time.Time
}

// NewRateLimiter creates a new rate limiter
// rateLimit: requests per second
// burstSize: maximum number of requests allowed in a burst
func NewRateLimiter(rateLimit rate.Limit, burstSize int) *RateLimiter {
	return &RateLimiter{
		limiters:  make(map[string]*clientLimiter),
		rateLimit: rateLimit,
		burstSize: burstSize,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// GetLimiter returns the rate limiter for a given IP address
// Creates a new limiter for the IP if one doesn't exist. Limiters idle for
// longer than LimiterIdleTimeout are dropped.
func (rl *RateLimiter) GetLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) >= LimiterIdleTimeout {
		for key, c := range rl.limiters {
			if now.Sub(c.lastSeen) >= LimiterIdleTimeout {
				delete(rl.limiters, key)
			}
		}
		rl.lastSweep = now
	}

	c, exists := rl.limiters[ip]
	if !exists {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.rateLimit, rl.burstSize)}
		rl.limiters[ip] = c
	}
	c.lastSeen = now

	return c.limiter
}

// NewWebhookRateLimitMiddleware creates middleware for webhook-specific rate limiting
// limit: requests per minute
func NewWebhookRateLimitMiddleware(limit int, logger *slog.Logger) func(http.Handler) http.Handler {
	// Convert to requests per second
	rps := rate.Limit(float64(limit) / 60.0)
	limiter := NewRateLimiter(rps, limit)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)

			if !limiter.GetLimiter(ip).Allow() {
				logger.Warn("Webhook rate limit exceeded", "ip", ip, "path", r.URL.Path)
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port from RemoteAddr. middleware.RealIP has already
// substituted proxy headers when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
