package resilience

import (
	"sync"
	"time"
)

// RateLimiterConfig holds configuration for the sliding-window rate limiter
type RateLimiterConfig struct {
	// Capacity is the maximum number of admitted requests per window
	Capacity int
	// Window is the trailing time window the capacity applies to
	Window time.Duration
}

// DefaultRateLimiterConfig returns a sensible default configuration
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Capacity: 240,
		Window:   time.Minute,
	}
}

// RateWindowSnapshot is a read-only view of one key's window utilization
type RateWindowSnapshot struct {
	Key       string    `json:"key"`
	Used      int       `json:"used"`
	Capacity  int       `json:"capacity"`
	ResetTime time.Time `json:"reset_time"`
}

// RateLimiter provides sliding-window admission control per key. Each key
// tracks the timestamps of admitted requests inside the trailing window;
// a request is admitted only while pruned window length is below capacity.
type RateLimiter struct {
	config RateLimiterConfig

	mutex   sync.Mutex
	windows map[string][]time.Time

	now func() time.Time
}

// NewRateLimiter creates a new sliding-window rate limiter
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Capacity <= 0 {
		config.Capacity = 240
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}

	return &RateLimiter{
		config:  config,
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// IsAllowed reports whether a request for key is admitted, recording the
// admission timestamp when it is. Denied requests leave the window untouched.
func (rl *RateLimiter) IsAllowed(key string) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	window := rl.prune(key, now)

	if len(window) >= rl.config.Capacity {
		rl.windows[key] = window
		return false
	}

	rl.windows[key] = append(window, now)
	return true
}

// RemainingRequests returns how many admissions key has left in the window
func (rl *RateLimiter) RemainingRequests(key string) int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	window := rl.prune(key, rl.now())
	rl.windows[key] = window

	remaining := rl.config.Capacity - len(window)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// ResetTime returns when the oldest admission for key leaves the window,
// freeing a slot. A key with no admissions resets immediately.
func (rl *RateLimiter) ResetTime(key string) time.Time {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	window := rl.prune(key, now)
	rl.windows[key] = window

	if len(window) == 0 {
		return now
	}
	return window[0].Add(rl.config.Window)
}

// Utilization returns a pruned snapshot of every tracked key for stats
// reporting. Keys whose windows have fully drained are dropped.
func (rl *RateLimiter) Utilization() map[string]RateWindowSnapshot {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	snapshot := make(map[string]RateWindowSnapshot, len(rl.windows))

	for key := range rl.windows {
		window := rl.prune(key, now)
		if len(window) == 0 {
			delete(rl.windows, key)
			continue
		}
		rl.windows[key] = window

		snapshot[key] = RateWindowSnapshot{
			Key:       key,
			Used:      len(window),
			Capacity:  rl.config.Capacity,
			ResetTime: window[0].Add(rl.config.Window),
		}
	}
	return snapshot
}

// prune drops admissions older than the trailing window. Callers must hold
// the mutex and store the returned slice back.
func (rl *RateLimiter) prune(key string, now time.Time) []time.Time {
	window := rl.windows[key]
	cutoff := now.Add(-rl.config.Window)

	idx := 0
	for idx < len(window) && !window[idx].After(cutoff) {
		idx++
	}
	return window[idx:]
}
