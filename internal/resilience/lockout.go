package resilience

import (
	"sort"
	"sync"
	"time"
)

// LockoutConfig tunes the lockout tracker.
type LockoutConfig struct {
	Threshold int           // failures within Window that trigger a lock
	Window    time.Duration // rolling window for counting failures
	Duration  time.Duration // how long a lock lasts
}

// DefaultLockoutConfig locks an identifier for fifteen minutes after ten
// failures within five minutes.
func DefaultLockoutConfig() LockoutConfig {
	return LockoutConfig{Threshold: 10, Window: 5 * time.Minute, Duration: 15 * time.Minute}
}

// Identifier helpers for the three kinds of lockout subjects.
func IPKey(ip string) string                 { return "ip:" + ip }
func APIKeyKey(id string) string             { return "key:" + id }
func ModelKey(provider, model string) string { return "model:" + provider + "/" + model }

type lockEntry struct {
	mu          sync.Mutex
	failures    []time.Time
	lockedUntil time.Time
}

func (e *lockEntry) prune(now time.Time, window time.Duration) {
	cut := 0
	for cut < len(e.failures) && now.Sub(e.failures[cut]) >= window {
		cut++
	}
	if cut > 0 {
		e.failures = append(e.failures[:0], e.failures[cut:]...)
	}
}

// LockoutStatus is a snapshot of one identifier.
type LockoutStatus struct {
	Identifier  string    `json:"identifier"`
	Failures    int       `json:"failures"`
	Locked      bool      `json:"locked"`
	LockedUntil time.Time `json:"locked_until,omitzero"`
}

// Lockouts temporarily blocks identifiers (client IPs, API keys,
// provider/model pairs) that keep failing.
type Lockouts struct {
	entries *shardedMap[*lockEntry]
	cfg     LockoutConfig
	now     func() time.Time
}

func NewLockouts(cfg LockoutConfig, now func() time.Time) *Lockouts {
	def := DefaultLockoutConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Duration <= 0 {
		cfg.Duration = def.Duration
	}
	if now == nil {
		now = time.Now
	}
	return &Lockouts{entries: newShardedMap[*lockEntry](), cfg: cfg, now: now}
}

// Config returns the active configuration.
func (l *Lockouts) Config() LockoutConfig { return l.cfg }

// RecordFailedAttempt counts a failure for id and reports whether id is now
// locked.
func (l *Lockouts) RecordFailedAttempt(id string) bool {
	now := l.now()
	e := l.entries.getOrCreate(id, func() *lockEntry { return &lockEntry{} })

	e.mu.Lock()
	defer e.mu.Unlock()
	e.prune(now, l.cfg.Window)
	e.failures = append(e.failures, now)
	if len(e.failures) >= l.cfg.Threshold {
		e.lockedUntil = now.Add(l.cfg.Duration)
		e.failures = e.failures[:0]
	}
	return now.Before(e.lockedUntil)
}

// RecordSuccess forgets the failures counted for id. An active lock stays.
func (l *Lockouts) RecordSuccess(id string) {
	e, ok := l.entries.get(id)
	if !ok {
		return
	}
	e.mu.Lock()
	e.failures = e.failures[:0]
	e.mu.Unlock()
}

// Check reports whether id is locked and for how long.
func (l *Lockouts) Check(id string) (locked bool, retryAfter time.Duration) {
	e, ok := l.entries.get(id)
	if !ok {
		return false, 0
	}
	now := l.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if now.Before(e.lockedUntil) {
		return true, e.lockedUntil.Sub(now)
	}
	return false, 0
}

// ForceUnlock clears every trace of id. It reports whether id was tracked.
func (l *Lockouts) ForceUnlock(id string) bool {
	return l.entries.delete(id)
}

// Snapshot returns identifiers that are locked or have recent failures.
func (l *Lockouts) Snapshot() []LockoutStatus {
	now := l.now()
	var out []LockoutStatus
	l.entries.each(func(id string, e *lockEntry) {
		e.mu.Lock()
		e.prune(now, l.cfg.Window)
		st := LockoutStatus{Identifier: id, Failures: len(e.failures)}
		if now.Before(e.lockedUntil) {
			st.Locked = true
			st.LockedUntil = e.lockedUntil
		}
		e.mu.Unlock()
		if st.Locked || st.Failures > 0 {
			out = append(out, st)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}
