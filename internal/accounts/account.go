// Package accounts holds the credentialed upstream accounts ("connections")
// and the selector that balances requests across them.
package accounts

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("accounts: not found")
	ErrInvalid  = errors.New("accounts: invalid account")
)

// HealthState is the mutable health of one account. The selector only reads it.
type HealthState struct {
	Error        bool      `json:"error"`
	RateLimited  bool      `json:"rate_limited"`
	BackoffLevel int       `json:"backoff_level"`
	LastFailure  time.Time `json:"last_failure,omitzero"`
}

// Account is one credential set bound to a provider type.
type Account struct {
	ID       string `json:"id" yaml:"id"`
	Provider string `json:"provider" yaml:"provider"`
	Name     string `json:"name" yaml:"name"`
	APIKey   string `json:"-" yaml:"api_key"`
	BaseURL  string `json:"base_url,omitempty" yaml:"base_url"`
	Priority int    `json:"priority" yaml:"priority"`
	Enabled  bool   `json:"enabled" yaml:"enabled"`

	Health HealthState `json:"health" yaml:"-"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Provider    string
	EnabledOnly bool
}

// Patch updates selected fields of an account. Nil fields are left alone.
type Patch struct {
	Enabled  *bool
	Priority *int
	APIKey   *string
	BaseURL  *string
	Health   *HealthState
}

// MaxBackoffLevel caps HealthState.BackoffLevel.
const MaxBackoffLevel = 5

type entry struct {
	mu  sync.Mutex
	acc Account
}

// Store is the in-memory connection store. The account set is fixed at
// construction; each account is guarded by its own mutex so updates to one
// account never block reads of another.
type Store struct {
	entries map[string]*entry
	order   []string // ids, sorted
	now     func() time.Time
}

// NewStore validates accs and builds a store. IDs default to provider/name.
func NewStore(accs []Account) (*Store, error) {
	s := &Store{entries: make(map[string]*entry, len(accs)), now: time.Now}
	for _, a := range accs {
		if a.Provider == "" {
			return nil, fmt.Errorf("%w: provider is required", ErrInvalid)
		}
		if a.ID == "" {
			name := a.Name
			if name == "" {
				name = "default"
			}
			a.ID = a.Provider + "/" + name
		}
		if _, dup := s.entries[a.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalid, a.ID)
		}
		s.entries[a.ID] = &entry{acc: a}
		s.order = append(s.order, a.ID)
	}
	sort.Strings(s.order)
	return s, nil
}

func less(a, b Account) bool {
	if a.Provider != b.Provider {
		return a.Provider < b.Provider
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ID < b.ID
}

// List returns copies of matching accounts ordered by provider, then
// priority, then id.
func (s *Store) List(f Filter) []Account {
	out := make([]Account, 0, len(s.order))
	for _, id := range s.order {
		e := s.entries[id]
		e.mu.Lock()
		a := e.acc
		e.mu.Unlock()

		if f.Provider != "" && a.Provider != f.Provider {
			continue
		}
		if f.EnabledOnly && !a.Enabled {
			continue
		}
		out = append(out, a)
	}
	// Priority is mutable, so ordering is taken from the copies.
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// Providers returns the distinct providers that have at least one account.
func (s *Store) Providers() []string {
	var out []string
	seen := map[string]bool{}
	for _, id := range s.order {
		p := s.entries[id].acc.Provider
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Get returns a copy of the account with the given id.
func (s *Store) Get(id string) (Account, bool) {
	e, ok := s.entries[id]
	if !ok {
		return Account{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acc, true
}

// Update applies p to the account with the given id.
func (s *Store) Update(id string, p Patch) error {
	return s.with(id, func(a *Account) {
		if p.Enabled != nil {
			a.Enabled = *p.Enabled
		}
		if p.Priority != nil {
			a.Priority = *p.Priority
		}
		if p.APIKey != nil {
			a.APIKey = *p.APIKey
		}
		if p.BaseURL != nil {
			a.BaseURL = *p.BaseURL
		}
		if p.Health != nil {
			a.Health = *p.Health
		}
	})
}

// RecordSuccess clears the account's failure flags.
func (s *Store) RecordSuccess(id string) {
	_ = s.with(id, func(a *Account) {
		a.Health = HealthState{LastFailure: a.Health.LastFailure}
	})
}

// RecordFailure marks the account unhealthy. A rate-limit failure raises
// the backoff level instead of setting the error flag.
func (s *Store) RecordFailure(id string, rateLimited bool) {
	now := s.now()
	_ = s.with(id, func(a *Account) {
		if rateLimited {
			a.Health.RateLimited = true
			a.Health.BackoffLevel = min(a.Health.BackoffLevel+1, MaxBackoffLevel)
		} else {
			a.Health.Error = true
		}
		a.Health.LastFailure = now
	})
}

func (s *Store) with(id string, fn func(*Account)) error {
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	fn(&e.acc)
	e.mu.Unlock()
	return nil
}
