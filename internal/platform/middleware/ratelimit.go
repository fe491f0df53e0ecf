package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/resqlink/resqlink/internal/platform/auth"
)

type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL drops buckets that have not been used for this long.
	IdleTTL time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 20,
		BurstSize:         40,
		IdleTTL:           10 * time.Minute,
	}
}

type bucket struct {
	mu       sync.Mutex
	tokens   float64
	lastSeen time.Time
}

// limiter holds one token bucket per caller.
type limiter struct {
	cfg       RateLimitConfig
	now       func() time.Time
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

func newLimiter(cfg RateLimitConfig, now func() time.Time) *limiter {
	return &limiter{cfg: cfg, now: now, buckets: make(map[string]*bucket), lastSweep: now()}
}

// take spends one token for key. It reports the tokens left, or how long
// until one is available when none is.
func (l *limiter) take(key string) (ok bool, remaining int, wait time.Duration) {
	now := l.now()

	l.mu.Lock()
	l.sweepLocked(now)
	b, found := l.buckets[key]
	if !found {
		b = &bucket{tokens: float64(l.cfg.BurstSize), lastSeen: now}
		l.buckets[key] = b
	}
	l.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = math.Min(float64(l.cfg.BurstSize), b.tokens+now.Sub(b.lastSeen).Seconds()*l.cfg.RequestsPerSecond)
	b.lastSeen = now
	if b.tokens >= 1 {
		b.tokens--
		return true, int(b.tokens), 0
	}
	if l.cfg.RequestsPerSecond <= 0 {
		return false, 0, time.Second
	}
	return false, 0, time.Duration((1 - b.tokens) / l.cfg.RequestsPerSecond * float64(time.Second))
}

// sweepLocked drops idle buckets at most once per IdleTTL.
func (l *limiter) sweepLocked(now time.Time) {
	if l.cfg.IdleTTL <= 0 || now.Sub(l.lastSweep) < l.cfg.IdleTTL {
		return
	}
	l.lastSweep = now
	for key, b := range l.buckets {
		b.mu.Lock()
		idle := now.Sub(b.lastSeen)
		b.mu.Unlock()
		if idle > l.cfg.IdleTTL {
			delete(l.buckets, key)
		}
	}
}

func (l *limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// SkipRoute matches one registered route, e.g. emergency reporting, which
// must never be answered with 429.
func SkipRoute(method, path string) func(echo.Context) bool {
	return func(c echo.Context) bool {
		return c.Request().Method == method && c.Path() == path
	}
}

// RateLimit limits each authenticated user, or each client IP before
// authentication, to a token bucket. Requests matching a skip func are not
// counted.
func RateLimit(cfg RateLimitConfig, skip ...func(echo.Context) bool) echo.MiddlewareFunc {
	return rateLimit(newLimiter(cfg, time.Now), skip)
}

func rateLimit(l *limiter, skip []func(echo.Context) bool) echo.MiddlewareFunc {
	limit := strconv.FormatFloat(l.cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, s := range skip {
				if s(c) {
					return next(c)
				}
			}

			key := "ip:" + c.RealIP()
			if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
				key = "user:" + uid
			}

			ok, remaining, wait := l.take(key)
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !ok {
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
