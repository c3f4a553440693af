package auth

import (
	"sync"
	"time"
)

// LoginRateLimiter blocks an IP after too many failed logins.
type LoginRateLimiter struct {
	mu       sync.Mutex
	attempts map[string]*ipAttempts
	now      func() time.Time

	maxFailures int           // Failures before blocking
	window      time.Duration // Time window for counting failures
	blockTime   time.Duration // How long to block after max failures
}

type ipAttempts struct {
	failures  int
	firstTime time.Time
	blockEnd  time.Time
}

// NewLoginRateLimiter creates a limiter: 5 failures per 2 minutes block
// the IP for 5 minutes.
func NewLoginRateLimiter() *LoginRateLimiter {
	return &LoginRateLimiter{
		attempts:    make(map[string]*ipAttempts),
		now:         time.Now,
		maxFailures: 5,
		window:      2 * time.Minute,
		blockTime:   5 * time.Minute,
	}
}

// Allow reports whether ip may attempt a login and, if not, how many
// seconds remain until the block ends.
func (rl *LoginRateLimiter) Allow(ip string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	att, exists := rl.attempts[ip]
	if !exists {
		return true, 0
	}

	now := rl.now()
	if now.Before(att.blockEnd) {
		return false, int(att.blockEnd.Sub(now).Seconds()) + 1
	}
	return true, 0
}

// RecordFailure counts a failed login. It returns true when the IP
// became blocked.
func (rl *LoginRateLimiter) RecordFailure(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	att, exists := rl.attempts[ip]
	if !exists || now.Sub(att.firstTime) > rl.window || (!att.blockEnd.IsZero() && !now.Before(att.blockEnd)) {
		att = &ipAttempts{firstTime: now}
		rl.attempts[ip] = att
	}

	att.failures++
	if att.failures >= rl.maxFailures {
		att.blockEnd = now.Add(rl.blockTime)
		return true
	}
	return false
}

// Reset clears the rate limit for an IP (e.g., after successful login)
func (rl *LoginRateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip)
}

// Cleanup removes entries whose window and block have passed.
func (rl *LoginRateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, att := range rl.attempts {
		if now.Sub(att.firstTime) > rl.window && !now.Before(att.blockEnd) {
			delete(rl.attempts, ip)
		}
	}
}

// RunCleanup calls Cleanup every interval until stop is closed.
func (rl *LoginRateLimiter) RunCleanup(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			rl.Cleanup()
		}
	}
}
