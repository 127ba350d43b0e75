package resilience

import "time"

// Registry bundles every resilience tracker. It is built once at startup
// and shared by the policy engine and the dispatch path.
type Registry struct {
	Profiles   *Profiles
	Breakers   *Breakers
	RateLimits *RateLimits
	Lockouts   *Lockouts
	Budgets    *Budgets
}

// Options configures NewRegistry. Now overrides the clock in tests.
type Options struct {
	Profile Profile
	Lockout LockoutConfig
	Now     func() time.Time
}

func NewRegistry(opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Profile == (Profile{}) {
		opts.Profile = DefaultProfile()
	}
	profiles := NewProfiles(opts.Profile)
	return &Registry{
		Profiles:   profiles,
		Breakers:   NewBreakers(profiles, opts.Now),
		RateLimits: NewRateLimits(profiles, opts.Now),
		Lockouts:   NewLockouts(opts.Lockout, opts.Now),
		Budgets:    NewBudgets(opts.Now),
	}
}
