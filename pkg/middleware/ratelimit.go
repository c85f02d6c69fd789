package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/reelapps/authsync/pkg/httputil"
	"github.com/reelapps/authsync/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
}

// SSORateLimitConfig returns the per-IP limit for the SSO endpoints
func SSORateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 30,
		WindowDuration:    time.Minute,
	}
}

// Decision is the outcome of one rate limit check
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAfter is when the oldest counted request leaves the window.
	ResetAfter time.Duration
}

// Limiter counts requests per key
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// MemoryRateLimiter is a sliding window limiter for a single process.
type MemoryRateLimiter struct {
	config *RateLimitConfig
	now    func() time.Time

	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewMemoryRateLimiter creates an in-process limiter
func NewMemoryRateLimiter(config *RateLimitConfig) *MemoryRateLimiter {
	if config == nil {
		config = SSORateLimitConfig()
	}
	return &MemoryRateLimiter{
		config:  config,
		now:     time.Now,
		windows: make(map[string][]time.Time),
	}
}

func (rl *MemoryRateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.config.WindowDuration)
	hits := rl.windows[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]

	d := Decision{Limit: rl.config.RequestsPerWindow}
	if len(hits) < rl.config.RequestsPerWindow {
		hits = append(hits, now)
		d.Allowed = true
	}
	rl.windows[key] = hits
	d.Remaining = rl.config.RequestsPerWindow - len(hits)
	if len(hits) > 0 {
		d.ResetAfter = hits[0].Add(rl.config.WindowDuration).Sub(now)
	}
	return d, nil
}

// Cleanup drops keys with no request inside the window
func (rl *MemoryRateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.config.WindowDuration)
	for key, hits := range rl.windows {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(rl.windows, key)
		}
	}
}

// StartCleanup runs Cleanup every window until ctx is done
func (rl *MemoryRateLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.config.WindowDuration)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RateLimitMiddleware limits requests per client IP
type RateLimitMiddleware struct {
	limiter  Limiter
	failOpen bool
	logger   *observability.Logger
}

// NewRateLimitMiddleware creates a per-IP rate limit middleware. On a
// limiter error requests are let through.
func NewRateLimitMiddleware(limiter Limiter, logger *observability.Logger) *RateLimitMiddleware {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RateLimitMiddleware{
		limiter:  limiter,
		failOpen: true,
		logger:   logger.WithField("component", "ratelimit"),
	}
}

// SetFallbackEnabled controls whether to fail open (true) or closed (false) on limiter errors
func (m *RateLimitMiddleware) SetFallbackEnabled(enabled bool) {
	m.failOpen = enabled
}

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ip:" + getClientIP(r)

		d, err := m.limiter.Allow(r.Context(), key)
		if err != nil {
			m.logger.WithContext(r.Context()).WithError(err).Warn("Rate limiter unavailable")
			if m.failOpen {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteServiceUnavailable(w, "service temporarily unavailable")
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if d.ResetAfter > 0 {
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(d.ResetAfter).Unix(), 10))
		}

		if !d.Allowed {
			retryAfter := d.ResetAfter
			if retryAfter < time.Second {
				retryAfter = time.Second
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
			httputil.WriteTooManyRequests(w, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// getClientIP returns the first hop of X-Forwarded-For, then X-Real-IP,
// then the remote address without port.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
