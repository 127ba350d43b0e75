// Package resilience keeps the process-lifetime failure state that the
// policy engine consults before routing a request: circuit breakers, rate
// limits, lockouts and budgets.
//
// Every tracker stores its entries in a sharded map with a mutex per entry,
// so traffic to unrelated providers, accounts or clients never shares a lock.
// State is in-memory only and is lost on restart.
package resilience

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Profile tunes breakers and rate limits for one provider.
type Profile struct {
	FailureThreshold int   `json:"failure_threshold" yaml:"failure_threshold"`
	FailureWindowMs  int64 `json:"failure_window_ms" yaml:"failure_window_ms"`
	ResetTimeoutMs   int64 `json:"reset_timeout_ms" yaml:"reset_timeout_ms"`

	RequestsPerWindow   int   `json:"requests_per_window" yaml:"requests_per_window"`
	WindowMs            int64 `json:"window_ms" yaml:"window_ms"`
	MinIntervalMs       int64 `json:"min_interval_ms" yaml:"min_interval_ms"`
	RateLimitCooldownMs int64 `json:"rate_limit_cooldown_ms" yaml:"rate_limit_cooldown_ms"`
	TransientCooldownMs int64 `json:"transient_cooldown_ms" yaml:"transient_cooldown_ms"`
	MaxBackoffLevel     int   `json:"max_backoff_level" yaml:"max_backoff_level"`
}

// DefaultProfile mirrors the gateway's historical breaker constants:
// five failures within a minute open the breaker for thirty seconds.
func DefaultProfile() Profile {
	return Profile{
		FailureThreshold:    5,
		FailureWindowMs:     60_000,
		ResetTimeoutMs:      30_000,
		WindowMs:            60_000,
		RateLimitCooldownMs: 10_000,
		TransientCooldownMs: 2_000,
		MaxBackoffLevel:     5,
	}
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

func (p Profile) FailureWindow() time.Duration     { return ms(p.FailureWindowMs) }
func (p Profile) ResetTimeout() time.Duration      { return ms(p.ResetTimeoutMs) }
func (p Profile) Window() time.Duration            { return ms(p.WindowMs) }
func (p Profile) MinInterval() time.Duration       { return ms(p.MinIntervalMs) }
func (p Profile) RateLimitCooldown() time.Duration { return ms(p.RateLimitCooldownMs) }
func (p Profile) TransientCooldown() time.Duration { return ms(p.TransientCooldownMs) }

// Validate rejects profiles that would disable the breaker or produce
// negative durations.
func (p Profile) Validate() error {
	switch {
	case p.FailureThreshold < 1:
		return fmt.Errorf("resilience: failure_threshold must be >= 1, got %d", p.FailureThreshold)
	case p.ResetTimeoutMs <= 0:
		return fmt.Errorf("resilience: reset_timeout_ms must be > 0, got %d", p.ResetTimeoutMs)
	case p.FailureWindowMs < 0, p.WindowMs < 0, p.MinIntervalMs < 0,
		p.RateLimitCooldownMs < 0, p.TransientCooldownMs < 0:
		return fmt.Errorf("resilience: durations must not be negative")
	case p.RequestsPerWindow < 0:
		return fmt.Errorf("resilience: requests_per_window must not be negative")
	case p.RequestsPerWindow > 0 && p.WindowMs == 0:
		return fmt.Errorf("resilience: window_ms is required when requests_per_window is set")
	case p.MaxBackoffLevel < 0 || p.MaxBackoffLevel > 16:
		return fmt.Errorf("resilience: max_backoff_level must be within [0,16], got %d", p.MaxBackoffLevel)
	}
	return nil
}

// ProviderOf returns the provider part of a "provider:account" key.
func ProviderOf(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

// AccountKey builds the key of an account-level breaker or rate limit.
func AccountKey(provider, accountID string) string {
	return provider + ":" + accountID
}

// Profiles holds the default profile and per-provider overrides. Reads are
// lock-free; Set swaps in a new copy of the override map.
type Profiles struct {
	mu        sync.Mutex
	def       Profile
	overrides atomic.Pointer[map[string]Profile]
}

func NewProfiles(def Profile) *Profiles {
	p := &Profiles{def: def}
	empty := map[string]Profile{}
	p.overrides.Store(&empty)
	return p
}

// Default returns the profile used by providers without an override.
func (p *Profiles) Default() Profile { return p.def }

// Get returns the profile for provider.
func (p *Profiles) Get(provider string) Profile {
	if prof, ok := (*p.overrides.Load())[provider]; ok {
		return prof
	}
	return p.def
}

// For returns the profile of the provider that owns key.
func (p *Profiles) For(key string) Profile {
	return p.Get(ProviderOf(key))
}

// Set validates and installs an override for provider.
func (p *Profiles) Set(provider string, prof Profile) error {
	if provider == "" {
		return fmt.Errorf("resilience: provider is required")
	}
	if err := prof.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	cur := *p.overrides.Load()
	next := make(map[string]Profile, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[provider] = prof
	p.overrides.Store(&next)
	return nil
}

// Overrides returns a copy of every per-provider override.
func (p *Profiles) Overrides() map[string]Profile {
	cur := *p.overrides.Load()
	out := make(map[string]Profile, len(cur))
	for k, v := range cur {
		out[k] = v
	}
	return out
}
