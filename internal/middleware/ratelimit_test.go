package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(rpm, burst int) *RateLimiter {
	return NewRateLimiter(RateLimitConfig{
		RequestsPerMinute: rpm,
		BurstSize:         burst,
		CleanupInterval:   time.Hour,
	})
}

func allowed(t *testing.T, l Limiter, key string) bool {
	t.Helper()
	d, err := l.Allow(context.Background(), key)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	return d.Allowed
}

func TestRateLimitConfigs(t *testing.T) {
	if cfg := DefaultRateLimitConfig(); cfg.RequestsPerMinute != 600 || cfg.BurstSize != 100 {
		t.Errorf("DefaultRateLimitConfig() = %+v", cfg)
	}
	if cfg := AuthRateLimitConfig(); cfg.RequestsPerMinute != 10 || cfg.BurstSize != 5 {
		t.Errorf("AuthRateLimitConfig() = %+v", cfg)
	}
}

func TestRateLimiter_AllowsUpToBurstSize(t *testing.T) {
	rl := newTestLimiter(60, 3)
	defer rl.Stop()

	n := 0
	for i := 0; i < 5; i++ {
		if allowed(t, rl, "burst") {
			n++
		}
	}
	if n != 3 {
		t.Errorf("allowed %d requests at burst=3, want 3", n)
	}
}

func TestRateLimiter_RetryAfterReflectsRefillRate(t *testing.T) {
	rl := newTestLimiter(60, 1) // one token per second
	defer rl.Stop()
	frozen := time.Now()
	rl.now = func() time.Time { return frozen }

	allowed(t, rl, "k")
	d, _ := rl.Allow(context.Background(), "k")
	if d.Allowed {
		t.Fatal("second request allowed, want rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Errorf("RetryAfter = %v, want (0, 1s]", d.RetryAfter)
	}
}

func TestRateLimiter_TokensRefillOverTime(t *testing.T) {
	rl := newTestLimiter(60, 1)
	defer rl.Stop()
	now := time.Now()
	rl.now = func() time.Time { return now }

	allowed(t, rl, "refill")
	if allowed(t, rl, "refill") {
		t.Fatal("bucket should be empty")
	}
	now = now.Add(1100 * time.Millisecond)
	if !allowed(t, rl, "refill") {
		t.Error("Allow() = false after refill, want true")
	}
}

func TestRateLimiter_DifferentKeysAreIndependent(t *testing.T) {
	rl := newTestLimiter(60, 1)
	defer rl.Stop()

	allowed(t, rl, "a")
	if allowed(t, rl, "a") {
		t.Fatal("key a should be exhausted")
	}
	if !allowed(t, rl, "b") {
		t.Error("key b rejected after exhausting key a")
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := newTestLimiter(60, 1)
	rl.Stop()
	rl.Stop()
}

func TestGetRateLimitKey(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.RemoteAddr = "10.1.2.3:4567"

	if got := getRateLimitKey(c); got != "ip:10.1.2.3" {
		t.Errorf("key = %q, want ip:10.1.2.3", got)
	}
	c.Set(UserIDKey, "u-1")
	if got := getRateLimitKey(c); got != "user:u-1" {
		t.Errorf("key = %q, want user:u-1", got)
	}
}

func newRateLimitedRouter(l Limiter) *gin.Engine {
	r := gin.New()
	r.Use(RateLimitMiddleware(l))
	r.POST("/login", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestRateLimitMiddleware_Returns429WithRetryAfter(t *testing.T) {
	rl := newTestLimiter(10, 2)
	defer rl.Stop()
	r := newRateLimitedRouter(rl)

	codes := make([]int, 3)
	var last *httptest.ResponseRecorder
	for i := range codes {
		last = httptest.NewRecorder()
		r.ServeHTTP(last, httptest.NewRequest(http.MethodPost, "/login", nil))
		codes[i] = last.Code
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("first two codes = %v, want 200", codes[:2])
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("third code = %d, want 429", codes[2])
	}
	if got := last.Header().Get("Retry-After"); got == "" || got == "0" {
		t.Errorf("Retry-After = %q, want a positive number of seconds", got)
	}
	if got := last.Header().Get("X-RateLimit-Limit"); got != "10" {
		t.Errorf("X-RateLimit-Limit = %q, want 10", got)
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{}, errors.New("connection refused")
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	w := httptest.NewRecorder()
	newRateLimitedRouter(failingLimiter{}).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/login", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when limiter errors", w.Code)
	}
}

func TestRedisRateLimiter_UnreachableRedis(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	rl := NewRedisRateLimiter(rdb, AuthRateLimitConfig(), "ratelimit:auth:")
	if _, err := rl.Allow(context.Background(), "ip:1.2.3.4"); err == nil {
		t.Error("Allow() = nil error with unreachable redis")
	}

	w := httptest.NewRecorder()
	newRateLimitedRouter(rl).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/login", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 (fail open)", w.Code)
	}
}
