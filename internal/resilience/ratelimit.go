package resilience

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type connLimit struct {
	mu sync.Mutex

	hits          []time.Time // admissions inside the rolling window, oldest first
	spacing       *rate.Limiter
	interval      time.Duration
	cooldownUntil time.Time
	backoff       int
	lastSignal    time.Time
}

func (c *connLimit) prune(now time.Time, window time.Duration) {
	if window <= 0 {
		c.hits = c.hits[:0]
		return
	}
	cut := 0
	for cut < len(c.hits) && now.Sub(c.hits[cut]) >= window {
		cut++
	}
	if cut > 0 {
		c.hits = append(c.hits[:0], c.hits[cut:]...)
	}
}

// syncSpacing keeps the minimum-interval limiter in line with the profile,
// which may be changed at runtime.
func (c *connLimit) syncSpacing(now time.Time, interval time.Duration) {
	if interval == c.interval {
		return
	}
	c.interval = interval
	if interval <= 0 {
		c.spacing = nil
		return
	}
	if c.spacing == nil {
		c.spacing = rate.NewLimiter(rate.Every(interval), 1)
		return
	}
	c.spacing.SetLimitAt(now, rate.Every(interval))
}

// RateLimitStatus is a snapshot of one connection's limiter.
type RateLimitStatus struct {
	Key           string    `json:"key"`
	InWindow      int       `json:"in_window"`
	Limit         int       `json:"limit,omitempty"`
	BackoffLevel  int       `json:"backoff_level"`
	CooldownUntil time.Time `json:"cooldown_until,omitzero"`
	Limited       bool      `json:"limited"`
}

// RateLimits tracks per-connection request pacing and upstream cooldowns.
// Keys are provider:connectionID.
type RateLimits struct {
	entries  *shardedMap[*connLimit]
	profiles *Profiles
	now      func() time.Time
}

func NewRateLimits(profiles *Profiles, now func() time.Time) *RateLimits {
	if now == nil {
		now = time.Now
	}
	return &RateLimits{entries: newShardedMap[*connLimit](), profiles: profiles, now: now}
}

func (r *RateLimits) entry(key string) *connLimit {
	return r.entries.getOrCreate(key, func() *connLimit { return &connLimit{} })
}

// Check reports whether one more request may be sent on key right now
// without admitting it. When the answer is no, retryAfter says how long
// until it would be yes.
func (r *RateLimits) Check(key string) (allowed bool, retryAfter time.Duration) {
	c, ok := r.entries.get(key)
	if !ok {
		return true, 0
	}
	prof := r.profiles.For(key)
	now := r.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.check(now, prof)
}

func (c *connLimit) check(now time.Time, prof Profile) (bool, time.Duration) {
	if now.Before(c.cooldownUntil) {
		return false, c.cooldownUntil.Sub(now)
	}

	c.prune(now, prof.Window())
	if prof.RequestsPerWindow > 0 && len(c.hits) >= prof.RequestsPerWindow {
		return false, prof.Window() - now.Sub(c.hits[0])
	}

	c.syncSpacing(now, prof.MinInterval())
	if c.spacing != nil {
		if tokens := c.spacing.TokensAt(now); tokens < 1 {
			wait := time.Duration((1 - tokens) / float64(c.spacing.Limit()) * float64(time.Second))
			return false, max(wait, time.Millisecond)
		}
	}
	return true, 0
}

// Acquire checks and, when allowed, admits one request on key.
func (r *RateLimits) Acquire(key string) (allowed bool, retryAfter time.Duration) {
	prof := r.profiles.For(key)
	now := r.now()
	c := r.entry(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if ok, wait := c.check(now, prof); !ok {
		return false, wait
	}
	if prof.RequestsPerWindow > 0 {
		c.hits = append(c.hits, now)
	}
	if c.spacing != nil {
		c.spacing.AllowN(now, 1)
	}
	return true, 0
}

// RecordRateLimited applies an upstream rate-limit signal. The level rises
// first, capped at MaxBackoffLevel, and the cooldown is
// RateLimitCooldown·2^level. A longer upstream hint (Retry-After) wins.
func (r *RateLimits) RecordRateLimited(key string, hint time.Duration) time.Duration {
	prof := r.profiles.For(key)
	now := r.now()
	c := r.entry(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.backoff = min(c.backoff+1, prof.MaxBackoffLevel)
	cooldown := prof.RateLimitCooldown() << uint(c.backoff)
	if hint > cooldown {
		cooldown = hint
	}
	c.lastSignal = now
	if until := now.Add(cooldown); until.After(c.cooldownUntil) {
		c.cooldownUntil = until
	}
	return cooldown
}

// RecordTransient applies the short cooldown used after a non-rate-limit
// upstream failure. The backoff level is left unchanged.
func (r *RateLimits) RecordTransient(key string) {
	prof := r.profiles.For(key)
	if prof.TransientCooldownMs == 0 {
		return
	}
	now := r.now()
	c := r.entry(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if until := now.Add(prof.TransientCooldown()); until.After(c.cooldownUntil) {
		c.cooldownUntil = until
	}
}

// RecordSuccess clears backoff and any cooldown on key.
func (r *RateLimits) RecordSuccess(key string) {
	c, ok := r.entries.get(key)
	if !ok {
		return
	}
	c.mu.Lock()
	c.backoff = 0
	c.cooldownUntil = time.Time{}
	c.mu.Unlock()
}

// BackoffLevel returns the current backoff level of key.
func (r *RateLimits) BackoffLevel(key string) int {
	c, ok := r.entries.get(key)
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff
}

// Reset drops all state for key.
func (r *RateLimits) Reset(key string) bool {
	return r.entries.delete(key)
}

// Snapshot returns every tracked connection ordered by key.
func (r *RateLimits) Snapshot() []RateLimitStatus {
	now := r.now()
	var out []RateLimitStatus
	r.entries.each(func(k string, c *connLimit) {
		prof := r.profiles.For(k)
		c.mu.Lock()
		c.prune(now, prof.Window())
		st := RateLimitStatus{
			Key:          k,
			InWindow:     len(c.hits),
			Limit:        prof.RequestsPerWindow,
			BackoffLevel: c.backoff,
		}
		if now.Before(c.cooldownUntil) {
			st.CooldownUntil = c.cooldownUntil
		}
		allowed, _ := c.check(now, prof)
		st.Limited = !allowed
		c.mu.Unlock()
		out = append(out, st)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
