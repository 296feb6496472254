package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SecurityHeaders adds standard security headers to all responses.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		// HSTS only makes sense over TLS.
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security",
				"max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

// RateLimitConfig holds configuration for the per-client rate limiter.
type RateLimitConfig struct {
	RequestsPerMin int
	Burst          int
	// TrustedProxies lists proxy IPs whose X-Forwarded-For / X-Real-IP
	// headers may be believed. Empty means proxy headers are ignored,
	// which prevents clients from spoofing their way past the limiter.
	TrustedProxies []string
}

// clientLimiters tracks one token bucket per client IP and evicts entries
// that have been idle for a few minutes.
type clientLimiters struct {
	mu      sync.Mutex
	clients map[string]*clientEntry
	rps     rate.Limit
	burst   int
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiters(ctx context.Context, cfg RateLimitConfig) *clientLimiters {
	cl := &clientLimiters{
		clients: make(map[string]*clientEntry),
		rps:     rate.Limit(cfg.RequestsPerMin) / 60.0,
		burst:   cfg.Burst,
	}
	go cl.evictLoop(ctx)
	return cl
}

func (cl *clientLimiters) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cl.mu.Lock()
			for ip, c := range cl.clients {
				if time.Since(c.lastSeen) > 3*time.Minute {
					delete(cl.clients, ip)
				}
			}
			cl.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

func (cl *clientLimiters) allow(ip string) bool {
	cl.mu.Lock()
	entry, ok := cl.clients[ip]
	if !ok {
		entry = &clientEntry{limiter: rate.NewLimiter(cl.rps, cl.burst)}
		cl.clients[ip] = entry
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	cl.mu.Unlock()

	return limiter.Allow()
}

// RateLimit returns middleware applying a per-IP token bucket. ctx bounds
// the lifetime of the background eviction goroutine.
func RateLimit(ctx context.Context, requestsPerMin, burst int) func(http.Handler) http.Handler {
	return RateLimitWithConfig(ctx, RateLimitConfig{
		RequestsPerMin: requestsPerMin,
		Burst:          burst,
	})
}

// RateLimitWithConfig is RateLimit with trusted proxy support. Proxy headers
// are believed only when the direct peer is a configured trusted proxy.
func RateLimitWithConfig(ctx context.Context, cfg RateLimitConfig) func(http.Handler) http.Handler {
	limiters := newClientLimiters(ctx, cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r, cfg.TrustedProxies)
			if !limiters.allow(ip) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the client IP from the request. Forwarding headers are
// consulted only when the TCP peer is a trusted proxy.
func clientIP(r *http.Request, trustedProxies []string) string {
	directIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(directIP); err == nil {
		directIP = host
	}

	trusted := false
	for _, p := range trustedProxies {
		if directIP == p {
			trusted = true
			break
		}
	}
	if !trusted {
		return directIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First entry in the chain is the original client.
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return directIP
}
