// Package ratelimit enforces per-requester submission cooldowns per channel.
package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrThrottled is returned (wrapped in *ThrottledError) when a requester
// submits again before the channel cooldown has elapsed.
var ErrThrottled = errors.New("rate limited")

// ThrottledError carries the wait hint for a throttled submission.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("rate limited: retry after %ds", RetryAfterSeconds(e.RetryAfter))
}

func (e *ThrottledError) Unwrap() error { return ErrThrottled }

// Config configures the limiter.
type Config struct {
	// MaxKeys triggers a prune of idle windows when exceeded.
	MaxKeys int `yaml:"max_keys"`
	// Now overrides the clock (tests).
	Now func() time.Time `yaml:"-"`
}

// DefaultConfig returns the default limiter configuration.
func DefaultConfig() Config {
	return Config{MaxKeys: 10000}
}

// Decision is the outcome of a cooldown check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Err converts a throttled decision into a *ThrottledError.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &ThrottledError{RetryAfter: d.RetryAfter}
}

// RetryAfterSeconds rounds a wait up to whole seconds, never below one.
func RetryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

type window struct {
	limiter     *rate.Limiter
	cooldown    time.Duration
	lastAllowed time.Time
}

// Limiter tracks one cooldown window per (requester, channel). A window is a
// single-token bucket refilled once per cooldown, so a submission is allowed
// exactly when the cooldown has elapsed since the last allowed one.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	maxKeys int
	now     func() time.Time
}

// NewLimiter creates a cooldown limiter.
func NewLimiter(config Config) *Limiter {
	if config.MaxKeys <= 0 {
		config.MaxKeys = DefaultConfig().MaxKeys
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		windows: make(map[string]*window),
		maxKeys: config.MaxKeys,
		now:     now,
	}
}

// Check admits or throttles a submission. State changes only when the
// submission is allowed; a throttled check leaves the window untouched.
// A non-positive cooldown always allows.
func (l *Limiter) Check(requesterID, channelID string, cooldown time.Duration) Decision {
	if cooldown <= 0 {
		return Decision{Allowed: true}
	}
	key := CompositeKey(requesterID, channelID)

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	w, ok := l.windows[key]
	if !ok {
		if len(l.windows) >= l.maxKeys {
			l.pruneLocked(now)
		}
		w = &window{limiter: rate.NewLimiter(rate.Every(cooldown), 1), cooldown: cooldown}
		l.windows[key] = w
	} else if w.cooldown != cooldown {
		// Rebuild the bucket as if the last allowed submission had happened
		// under the new cooldown.
		w.limiter = rate.NewLimiter(rate.Every(cooldown), 1)
		w.limiter.AllowN(w.lastAllowed, 1)
		w.cooldown = cooldown
	}

	if w.limiter.AllowN(now, 1) {
		w.lastAllowed = now
		return Decision{Allowed: true}
	}

	r := w.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return Decision{Allowed: false, RetryAfter: delay}
}

// Reset forgets the window for a requester on a channel.
func (l *Limiter) Reset(requesterID, channelID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, CompositeKey(requesterID, channelID))
}

// Prune drops windows whose cooldown has fully elapsed. Dropping them does
// not change any later decision. It returns the number removed.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pruneLocked(l.now())
}

func (l *Limiter) pruneLocked(now time.Time) int {
	removed := 0
	for key, w := range l.windows {
		if now.Sub(w.lastAllowed) >= w.cooldown {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked windows.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Status describes a window without consuming it.
type Status struct {
	Key        string        `json:"key"`
	AllowedNow bool          `json:"allowed_now"`
	RetryAfter time.Duration `json:"retry_after"`
	Cooldown   time.Duration `json:"cooldown"`
}

// GetStatus reports whether a submission would be allowed now.
func (l *Limiter) GetStatus(requesterID, channelID string) Status {
	key := CompositeKey(requesterID, channelID)
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		return Status{Key: key, AllowedNow: true}
	}
	remaining := w.cooldown - l.now().Sub(w.lastAllowed)
	if remaining <= 0 {
		return Status{Key: key, AllowedNow: true, Cooldown: w.cooldown}
	}
	return Status{Key: key, RetryAfter: remaining, Cooldown: w.cooldown}
}

// CompositeKey creates a limiter key from multiple parts.
func CompositeKey(parts ...string) string {
	key := ""
	for i, part := range parts {
		if i > 0 {
			key += ":"
		}
		key += part
	}
	return key
}
