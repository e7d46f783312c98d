package monitor

import (
	"sync"
	"time"
)

// Rejection reasons reported in Decision.Reason.
const (
	ReasonCooldown  = "cooldown active"
	ReasonRateLimit = "rate limit exceeded"
)

const restartWindow = time.Hour

// Decision is the outcome of asking the limiter for a restart.
type Decision struct {
	Allowed bool
	Reason  string
}

// RateLimiter bounds tunnel restarts with a cooldown after each restart and
// a cap on restarts within a sliding one-hour window.
type RateLimiter struct {
	mu          sync.Mutex
	cooldown    time.Duration
	maxPerHour  int
	restarts    []time.Time // successful restarts, oldest first
	lastRestart time.Time
	nowFn       func() time.Time // injectable clock for testing
}

// NewRateLimiter creates a limiter. A zero cooldown disables the cooldown
// check; maxPerHour <= 0 disables the hourly cap.
func NewRateLimiter(cooldown time.Duration, maxPerHour int) *RateLimiter {
	return &RateLimiter{
		cooldown:   cooldown,
		maxPerHour: maxPerHour,
		nowFn:      time.Now,
	}
}

// Allow reports whether a restart may happen now. It does not record one.
func (rl *RateLimiter) Allow() Decision {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	if !rl.lastRestart.IsZero() && now.Sub(rl.lastRestart) < rl.cooldown {
		return Decision{Reason: ReasonCooldown}
	}

	rl.pruneLocked(now)
	if rl.maxPerHour > 0 && len(rl.restarts) >= rl.maxPerHour {
		return Decision{Reason: ReasonRateLimit}
	}
	return Decision{Allowed: true}
}

// Record registers a completed restart at the current time.
func (rl *RateLimiter) Record() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	rl.pruneLocked(now)
	rl.restarts = append(rl.restarts, now)
	rl.lastRestart = now
}

// RestartsLastHour returns the number of restarts within the window.
func (rl *RateLimiter) RestartsLastHour() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.pruneLocked(rl.nowFn())
	return len(rl.restarts)
}

// LastRestart returns the time of the last restart, or the zero time.
func (rl *RateLimiter) LastRestart() time.Time {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.lastRestart
}

// pruneLocked drops restarts older than the window. Must be called with rl.mu held.
func (rl *RateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-restartWindow)
	pruned := rl.restarts[:0]
	for _, t := range rl.restarts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	rl.restarts = pruned
}
