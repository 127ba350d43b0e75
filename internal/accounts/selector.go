package accounts

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
)

// Strategy picks how an account is chosen among a provider's candidates.
type Strategy string

const (
	FillFirst  Strategy = "fill-first"
	RoundRobin Strategy = "round-robin"
	Random     Strategy = "random"
	P2C        Strategy = "p2c"
)

// ParseStrategy validates a strategy name. Empty selects P2C.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return P2C, nil
	case FillFirst, RoundRobin, Random, P2C:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("accounts: unknown selection strategy %q", s)
}

// Rand is the randomness used by Select.
type Rand interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// DefaultRand draws from the process-wide source.
var DefaultRand Rand = globalRand{}

// State carries the round-robin cursor between calls.
type State struct {
	Cursor uint64
}

// Selection is the result of Select. Account is nil when there were no
// candidates.
type Selection struct {
	Account *Account
	State   State
}

// Health score weights.
const (
	errorPenalty       = 0.1
	rateLimitedPenalty = 0.5
)

// Score rates an account's health in (0, 1]. Higher is healthier.
func Score(h HealthState) float64 {
	s := 1.0
	if h.Error {
		s *= errorPenalty
	}
	if h.RateLimited {
		s *= rateLimitedPenalty
	}
	if h.BackoffLevel > 0 {
		s /= float64(1 + h.BackoffLevel)
	}
	return s
}

// Select chooses one account from accs. It is pure apart from rng: the
// round-robin cursor travels in state and comes back in the result.
func Select(accs []Account, strategy Strategy, state State, rng Rand) Selection {
	n := len(accs)
	if n == 0 {
		return Selection{State: state}
	}
	if rng == nil {
		rng = DefaultRand
	}

	switch strategy {
	case FillFirst:
		return Selection{Account: &accs[0], State: state}

	case RoundRobin:
		i := state.Cursor % uint64(n)
		return Selection{Account: &accs[i], State: State{Cursor: state.Cursor + 1}}

	case Random:
		return Selection{Account: &accs[rng.IntN(n)], State: state}

	default:
		return Selection{Account: pickP2C(accs, rng), State: state}
	}
}

func pickP2C(accs []Account, rng Rand) *Account {
	n := len(accs)
	if n == 1 {
		return &accs[0]
	}
	i := rng.IntN(n)
	j := rng.IntN(n - 1)
	if j >= i {
		j++
	}

	si, sj := Score(accs[i].Health), Score(accs[j].Health)
	switch {
	case si > sj:
		return &accs[i]
	case sj > si:
		return &accs[j]
	case rng.IntN(2) == 0:
		return &accs[i]
	default:
		return &accs[j]
	}
}

// Selector applies one strategy across providers, keeping a round-robin
// cursor per provider.
type Selector struct {
	strategy Strategy
	rng      Rand
	cursors  sync.Map // provider -> *atomic.Uint64
}

func NewSelector(strategy Strategy, rng Rand) *Selector {
	if rng == nil {
		rng = DefaultRand
	}
	if strategy == "" {
		strategy = P2C
	}
	return &Selector{strategy: strategy, rng: rng}
}

// Strategy returns the configured strategy.
func (s *Selector) Strategy() Strategy { return s.strategy }

// Pick selects one of accs for provider, or nil when accs is empty.
func (s *Selector) Pick(provider string, accs []Account) *Account {
	if len(accs) == 0 {
		return nil
	}
	state := State{}
	if s.strategy == RoundRobin {
		state.Cursor = s.cursor(provider).Add(1) - 1
	}
	return Select(accs, s.strategy, state, s.rng).Account
}

func (s *Selector) cursor(provider string) *atomic.Uint64 {
	if v, ok := s.cursors.Load(provider); ok {
		return v.(*atomic.Uint64)
	}
	v, _ := s.cursors.LoadOrStore(provider, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}
