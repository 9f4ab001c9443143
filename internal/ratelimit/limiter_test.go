package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/intelli/agent-gateway/internal/config"
)

func newTestLimiter(cfg config.RateLimitConfig) *Limiter {
	return New(func() config.RateLimitConfig { return cfg })
}

func TestClientWindowWithBurst(t *testing.T) {
	l := newTestLimiter(config.RateLimitConfig{
		MaxRequests: 3, WindowSeconds: 60, Burst: 2,
		UserMaxRequests: 30, UserWindowSeconds: 60,
	})

	for i := 0; i < 5; i++ {
		ok, _ := l.AllowClient("1.2.3.4")
		assert.True(t, ok, "request %d should pass (limit+burst=5)", i)
	}
	ok, retryAfter := l.AllowClient("1.2.3.4")
	assert.False(t, ok)
	assert.GreaterOrEqual(t, retryAfter, 1)
	assert.LessOrEqual(t, retryAfter, 60)
}

func TestClientsAreIndependent(t *testing.T) {
	l := newTestLimiter(config.RateLimitConfig{
		MaxRequests: 1, WindowSeconds: 60, Burst: 0,
		UserMaxRequests: 30, UserWindowSeconds: 60,
	})

	ok, _ := l.AllowClient("a")
	assert.True(t, ok)
	ok, _ = l.AllowClient("a")
	assert.False(t, ok)

	ok, _ = l.AllowClient("b")
	assert.True(t, ok)
}

func TestClientWindowSlides(t *testing.T) {
	l := newTestLimiter(config.RateLimitConfig{
		MaxRequests: 1, WindowSeconds: 60, Burst: 0,
		UserMaxRequests: 30, UserWindowSeconds: 60,
	})

	now := time.Now()
	l.now = func() time.Time { return now }

	ok, _ := l.AllowClient("a")
	assert.True(t, ok)
	ok, _ = l.AllowClient("a")
	assert.False(t, ok)

	// 61 s later the old entry left the window.
	l.now = func() time.Time { return now.Add(61 * time.Second) }
	ok, _ = l.AllowClient("a")
	assert.True(t, ok)
}

func TestUserQuotaResets(t *testing.T) {
	l := newTestLimiter(config.RateLimitConfig{
		MaxRequests: 60, WindowSeconds: 60, Burst: 10,
		UserMaxRequests: 2, UserWindowSeconds: 60,
	})

	now := time.Now()
	l.now = func() time.Time { return now }

	ok, _ := l.AllowUser("alice")
	assert.True(t, ok)
	ok, _ = l.AllowUser("alice")
	assert.True(t, ok)
	ok, retryAfter := l.AllowUser("alice")
	assert.False(t, ok)
	assert.GreaterOrEqual(t, retryAfter, 1)

	l.now = func() time.Time { return now.Add(61 * time.Second) }
	ok, _ = l.AllowUser("alice")
	assert.True(t, ok)
}

func TestLimitsAreIndependent(t *testing.T) {
	l := newTestLimiter(config.RateLimitConfig{
		MaxRequests: 1, WindowSeconds: 60, Burst: 0,
		UserMaxRequests: 5, UserWindowSeconds: 60,
	})

	// Exhausting the client window does not consume user quota.
	l.AllowClient("a")
	ok, _ := l.AllowClient("a")
	assert.False(t, ok)

	ok, _ = l.AllowUser("alice")
	assert.True(t, ok)
}

func TestDisabledShortCircuits(t *testing.T) {
	l := newTestLimiter(config.RateLimitConfig{Disabled: true})

	for i := 0; i < 100; i++ {
		ok, _ := l.AllowClient("a")
		assert.True(t, ok)
		ok, _ = l.AllowUser("alice")
		assert.True(t, ok)
	}
}

func TestResets(t *testing.T) {
	l := newTestLimiter(config.RateLimitConfig{
		MaxRequests: 1, WindowSeconds: 60, Burst: 0,
		UserMaxRequests: 1, UserWindowSeconds: 60,
	})

	l.AllowClient("a")
	l.AllowUser("alice")

	l.ResetClient("a")
	ok, _ := l.AllowClient("a")
	assert.True(t, ok)

	l.ResetUser("alice")
	ok, _ = l.AllowUser("alice")
	assert.True(t, ok)

	l.ResetAll()
	stats := l.Stats()
	assert.Equal(t, 0, stats["active_clients"])
	assert.Equal(t, 0, stats["active_users"])
}
