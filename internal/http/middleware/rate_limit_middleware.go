package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sandeepkv93/keygate/internal/http/response"
	"github.com/sandeepkv93/keygate/internal/observability"
)

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
	ResetAt    time.Time
}

// RateLimitPolicy combines a sliding window with a refilling burst bucket.
type RateLimitPolicy struct {
	SustainedLimit    int
	SustainedWindow   time.Duration
	BurstCapacity     int
	BurstRefillPerSec float64
}

type Limiter interface {
	Allow(ctx context.Context, key string, policy RateLimitPolicy) (Decision, error)
}

type FailureMode string

const (
	FailOpen   FailureMode = "fail_open"
	FailClosed FailureMode = "fail_closed"
)

type RateLimiter struct {
	limiter Limiter
	policy  RateLimitPolicy
	mode    FailureMode
	scope   string
	keyFunc func(r *http.Request) string
}

// NewRateLimiter limits per client IP (or keyFunc) in process memory.
func NewRateLimiter(limit int, window time.Duration, scope string, keyFunc func(r *http.Request) string) *RateLimiter {
	return NewDistributedRateLimiter(NewLocalLimiter(), limit, window, FailClosed, scope, keyFunc)
}

func NewDistributedRateLimiter(
	limiter Limiter,
	limit int,
	window time.Duration,
	mode FailureMode,
	scope string,
	keyFunc func(r *http.Request) string,
) *RateLimiter {
	if scope == "" {
		scope = "api"
	}
	if keyFunc == nil {
		keyFunc = ClientIP
	}
	return &RateLimiter{
		limiter: limiter,
		policy:  newRateLimitPolicy(limit, window),
		mode:    mode,
		scope:   scope,
		keyFunc: keyFunc,
	}
}

func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rl.keyFunc(r)
			if key == "" {
				key = ClientIP(r)
			}
			decision, err := rl.limiter.Allow(r.Context(), rl.scope+":"+key, rl.policy)
			if err != nil {
				observability.RecordRateLimitDecision(r.Context(), rl.scope, "backend_error")
				if rl.mode == FailOpen {
					slog.Warn("rate limiter backend unavailable, allowing request",
						"scope", rl.scope,
						"error", err.Error(),
					)
					next.ServeHTTP(w, r)
					return
				}
				writeRateLimitHeaders(w.Header(), rl.policy.SustainedLimit, 0, time.Now().Add(rl.policy.SustainedWindow))
				w.Header().Set("Retry-After", retryAfterHeader(rl.policy.SustainedWindow))
				response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
				return
			}
			writeRateLimitHeaders(w.Header(), rl.policy.SustainedLimit, decision.Remaining, decision.ResetAt)
			if !decision.Allowed {
				observability.RecordRateLimitDecision(r.Context(), rl.scope, "deny")
				w.Header().Set("Retry-After", retryAfterHeader(decision.RetryAfter))
				response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
				return
			}
			observability.RecordRateLimitDecision(r.Context(), rl.scope, "allow")
			next.ServeHTTP(w, r)
		})
	}
}

// OwnerOrIPKey keys authenticated owner requests by owner id.
func OwnerOrIPKey(r *http.Request) string {
	if owner := OwnerIDFromContext(r.Context()); owner != "" {
		return "owner:" + owner
	}
	return ClientIP(r)
}

type localBucket struct {
	tokens     float64
	lastRefill time.Time
	hits       []time.Time
}

type localLimiter struct {
	mu      sync.Mutex
	store   map[string]*localBucket
	cleanup time.Time
	now     func() time.Time
}

func NewLocalLimiter() Limiter {
	return &localLimiter{
		store:   make(map[string]*localBucket),
		cleanup: time.Now().Add(time.Minute),
		now:     time.Now,
	}
}

func (l *localLimiter) Allow(_ context.Context, key string, policy RateLimitPolicy) (Decision, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.cleanup) {
		for k, b := range l.store {
			if len(b.hits) == 0 || now.Sub(b.hits[len(b.hits)-1]) > policy.SustainedWindow {
				delete(l.store, k)
			}
		}
		l.cleanup = now.Add(policy.SustainedWindow)
	}

	b, ok := l.store[key]
	if !ok {
		b = &localBucket{tokens: float64(policy.BurstCapacity), lastRefill: now}
		l.store[key] = b
	}
	if now.After(b.lastRefill) {
		b.tokens = min(float64(policy.BurstCapacity), b.tokens+now.Sub(b.lastRefill).Seconds()*policy.BurstRefillPerSec)
		b.lastRefill = now
	}

	cutoff := now.Add(-policy.SustainedWindow)
	kept := b.hits[:0]
	for _, hit := range b.hits {
		if hit.After(cutoff) {
			kept = append(kept, hit)
		}
	}
	b.hits = kept

	var retry time.Duration
	if b.tokens < 1 {
		retry = time.Duration(math.Ceil((1 - b.tokens) / policy.BurstRefillPerSec * float64(time.Second)))
	}
	if len(b.hits) >= policy.SustainedLimit {
		retry = max(retry, b.hits[0].Add(policy.SustainedWindow).Sub(now))
	}

	allowed := retry <= 0
	if allowed {
		b.tokens = max(b.tokens-1, 0)
		b.hits = append(b.hits, now)
	}
	remaining := max(min(int(math.Floor(b.tokens)), policy.SustainedLimit-len(b.hits)), 0)

	resetAt := now.Add(policy.SustainedWindow)
	if len(b.hits) > 0 {
		resetAt = b.hits[0].Add(policy.SustainedWindow)
	}
	if !allowed {
		resetAt = now.Add(retry)
	}
	return Decision{Allowed: allowed, RetryAfter: retry, Remaining: remaining, ResetAt: resetAt}, nil
}

func retryAfterHeader(d time.Duration) string {
	seconds := int(d.Round(time.Second).Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

func writeRateLimitHeaders(h http.Header, limit int, remaining int, resetAt time.Time) {
	h.Set("X-RateLimit-Limit", fmt.Sprintf("%d", max(limit, 0)))
	h.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", max(remaining, 0)))
	if resetAt.IsZero() {
		resetAt = time.Now().Add(time.Second)
	}
	h.Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))
}

func newRateLimitPolicy(limit int, window time.Duration) RateLimitPolicy {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return RateLimitPolicy{
		SustainedLimit:    limit,
		SustainedWindow:   window,
		BurstCapacity:     limit,
		BurstRefillPerSec: float64(limit) / window.Seconds(),
	}
}
