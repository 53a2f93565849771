package server

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig throttles traffic. GlobalRPS caps every request except the
// probes; ConnectLimit caps WebSocket handshakes per client within
// ConnectWindow.
type RateLimitConfig struct {
	GlobalRPS             float64
	GlobalBurst           int
	ConnectLimit          int
	ConnectWindow         time.Duration
	TrustForwardedHeaders bool
	TrustedProxies        []string
}

type rateLimiter struct {
	global        *rate.Limiter
	connectLimit  int
	connectWindow time.Duration
	mu            sync.Mutex
	buckets       map[string]*ipLimiter
	store         tokenStore
	now           func() time.Time
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// tokenStore counts attempts in a shared fixed window.
type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

func newRateLimiter(cfg RateLimitConfig, store tokenStore) *rateLimiter {
	rl := &rateLimiter{
		connectLimit:  cfg.ConnectLimit,
		connectWindow: cfg.ConnectWindow,
		buckets:       make(map[string]*ipLimiter),
		now:           time.Now,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(math.Max(1, cfg.GlobalRPS))
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	if rl.connectLimit < 0 {
		rl.connectLimit = 0
	}
	if rl.connectWindow <= 0 {
		rl.connectWindow = time.Minute
	}
	if rl.connectLimit > 0 {
		rl.store = store
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.AllowN(r.now(), 1)
}

// AllowConnect reports whether key may open another WebSocket session and,
// when it may not, how long to wait.
func (r *rateLimiter) AllowConnect(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.connectLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, key, r.connectLimit, r.connectWindow)
	}

	r.mu.Lock()
	now := r.now()
	client, exists := r.buckets[key]
	if !exists {
		every := rate.Every(r.connectWindow / time.Duration(r.connectLimit))
		client = &ipLimiter{limiter: rate.NewLimiter(every, r.connectLimit)}
		r.buckets[key] = client
	}
	client.lastSeen = now
	r.cleanupLocked(now)
	r.mu.Unlock()

	reservation := client.limiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

func (r *rateLimiter) cleanupLocked(now time.Time) {
	cutoff := now.Add(-2 * r.connectWindow)
	for key, limiter := range r.buckets {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.buckets, key)
		}
	}
}

func rateLimitMiddleware(rl *rateLimiter, resolver *clientIPResolver, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case healthPath, metricsPath:
			next.ServeHTTP(w, r)
			return
		}
		if !rl.AllowRequest() {
			writeJSON(w, http.StatusTooManyRequests, healthResponse{Status: "error", Error: "global rate limit exceeded"})
			return
		}
		if r.URL.Path == realtimePath {
			ip, _ := resolver.ClientIPFromRequest(r)
			allowed, retryAfter, err := rl.AllowConnect(r.Context(), ip)
			if err != nil {
				loggerWithRequestContext(r.Context(), logger).Error("rate limiter failure", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "error", Error: "rate limit failure"})
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				}
				writeJSON(w, http.StatusTooManyRequests, healthResponse{Status: "error", Error: "too many connection attempts"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
