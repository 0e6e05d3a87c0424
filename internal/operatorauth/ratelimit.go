package operatorauth

import (
	"sync"
	"time"
)

// RateLimitConfig bounds login attempts per source IP.
type RateLimitConfig struct {
	MaxAttempts    int           // attempts allowed within Window before a cooldown starts
	Window         time.Duration
	LockoutAfter   int           // consecutive recorded failures before a longer cooldown
	LockoutFor     time.Duration
}

// DefaultRateLimitConfig mirrors the thresholds a single-tenant admin
// dashboard needs: tolerate typos, stop a credential-stuffing burst.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxAttempts:  5,
		Window:       5 * time.Minute,
		LockoutAfter: 10,
		LockoutFor:   30 * time.Minute,
	}
}

type loginAttempt struct {
	count     int
	firstAt   time.Time
	blockedAt time.Time // non-zero once blocked
}

// RateLimiter tracks per-IP login attempt rates in memory. Intended for a
// single control-plane process; a multi-instance deployment would need this
// backed by Redis the way internal/sessionregistry is, but login traffic
// volume does not currently justify that move.
type RateLimiter struct {
	cfg      RateLimitConfig
	mu       sync.Mutex
	attempts map[string]*loginAttempt
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{cfg: cfg, attempts: make(map[string]*loginAttempt)}
}

// Allow reports whether a login attempt from ip is currently permitted.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	a, ok := rl.attempts[ip]
	if !ok {
		rl.attempts[ip] = &loginAttempt{count: 1, firstAt: now}
		return true
	}

	if !a.blockedAt.IsZero() {
		if now.Before(a.blockedAt.Add(rl.cfg.LockoutFor)) {
			return false
		}
		a.count, a.firstAt, a.blockedAt = 1, now, time.Time{}
		return true
	}

	if now.After(a.firstAt.Add(rl.cfg.Window)) {
		a.count, a.firstAt = 1, now
		return true
	}

	a.count++
	if a.count > rl.cfg.MaxAttempts {
		a.blockedAt = now
		return false
	}
	return true
}

// RecordFailure records a failed login attempt for ip, for the lockout
// escalation path distinct from the attempt-rate path Allow enforces.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	a, ok := rl.attempts[ip]
	if !ok {
		rl.attempts[ip] = &loginAttempt{count: 1, firstAt: time.Now()}
		return
	}
	a.count++
	if a.count >= rl.cfg.LockoutAfter {
		a.blockedAt = time.Now()
	}
}

// Reset clears rate-limit state for ip, called on successful login.
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip)
}

// Cleanup removes expired entries; call periodically from a background
// ticker so the map never grows unbounded under sustained login traffic.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for ip, a := range rl.attempts {
		if !a.blockedAt.IsZero() {
			if now.After(a.blockedAt.Add(rl.cfg.LockoutFor)) {
				delete(rl.attempts, ip)
			}
			continue
		}
		if now.After(a.firstAt.Add(rl.cfg.Window)) {
			delete(rl.attempts, ip)
		}
	}
}
