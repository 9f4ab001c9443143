// Package ratelimit enforces two independent limits: a sliding window per
// client IP and a counter-with-reset quota per authenticated user.
// Exhausting one does not affect the other.
package ratelimit

import (
	"log"
	"sync"
	"time"

	"github.com/intelli/agent-gateway/internal/config"
)

// Limiter reads its thresholds through a getter on every check so admin
// config swaps take effect immediately.
type Limiter struct {
	mu      sync.Mutex
	clients map[string][]time.Time // client key -> request timestamps
	users   map[string]*userQuota

	getConfig func() config.RateLimitConfig
	now       func() time.Time
	logger    *log.Logger
}

type userQuota struct {
	count   int
	resetAt time.Time
}

func New(getConfig func() config.RateLimitConfig) *Limiter {
	return &Limiter{
		clients:   make(map[string][]time.Time),
		users:     make(map[string]*userQuota),
		getConfig: getConfig,
		now:       time.Now,
		logger:    log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
}

// AllowClient applies the per-client sliding window. When denied, the
// second return is the number of seconds until the oldest entry leaves
// the window.
func (l *Limiter) AllowClient(clientKey string) (bool, int) {
	cfg := l.getConfig()
	if cfg.Disabled {
		return true, 0
	}

	window := time.Duration(cfg.WindowSeconds) * time.Second
	limit := cfg.MaxRequests + cfg.Burst
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	// Prune entries older than the window on every check.
	times := l.clients[clientKey]
	kept := times[:0]
	for _, t := range times {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}

	if len(kept) >= limit {
		l.clients[clientKey] = kept
		retryAfter := int(kept[0].Add(window).Sub(now).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		l.logger.Printf("🚫 Client limit exceeded: key=%s count=%d limit=%d", clientKey, len(kept), limit)
		return false, retryAfter
	}

	l.clients[clientKey] = append(kept, now)
	return true, 0
}

// AllowUser applies the per-user quota, evaluated after the client limit.
func (l *Limiter) AllowUser(username string) (bool, int) {
	cfg := l.getConfig()
	if cfg.Disabled {
		return true, 0
	}

	window := time.Duration(cfg.UserWindowSeconds) * time.Second
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.users[username]
	if !ok || now.After(q.resetAt) {
		q = &userQuota{resetAt: now.Add(window)}
		l.users[username] = q
	}

	if q.count >= cfg.UserMaxRequests {
		retryAfter := int(q.resetAt.Sub(now).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		l.logger.Printf("🚫 User quota exceeded: user=%s count=%d limit=%d", username, q.count, cfg.UserMaxRequests)
		return false, retryAfter
	}

	q.count++
	return true, 0
}

// ResetAll clears every window and quota. Operational recovery hook.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clients = make(map[string][]time.Time)
	l.users = make(map[string]*userQuota)
	l.logger.Printf("Reset all rate-limit state")
}

// ResetClient clears the window for one client key.
func (l *Limiter) ResetClient(clientKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, clientKey)
}

// ResetUser clears the quota for one user.
func (l *Limiter) ResetUser(username string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.users, username)
}

// Stats returns current limiter state for health endpoints.
func (l *Limiter) Stats() map[string]interface{} {
	cfg := l.getConfig()
	l.mu.Lock()
	defer l.mu.Unlock()
	return map[string]interface{}{
		"active_clients":    len(l.clients),
		"active_users":      len(l.users),
		"max_requests":      cfg.MaxRequests,
		"window_seconds":    cfg.WindowSeconds,
		"burst":             cfg.Burst,
		"user_max_requests": cfg.UserMaxRequests,
		"disabled":          cfg.Disabled,
	}
}
