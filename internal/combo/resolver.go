package combo

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
)

// CostFunc returns the blended $/token price of a target, if known.
type CostFunc func(target string) (float64, bool)

// Rand is the randomness used by the weighted and random strategies.
type Rand interface {
	Float64() float64
	Perm(n int) []int
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }
func (globalRand) Perm(n int) []int { return rand.Perm(n) }

// lockedRand serializes access to a seeded *rand.Rand.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

func (l *lockedRand) Perm(n int) []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Perm(n)
}

// SeededRand returns a goroutine-safe deterministic Rand, mainly for tests.
func SeededRand(seed uint64) Rand {
	return &lockedRand{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Resolver expands combos from the store's current snapshot.
type Resolver struct {
	store   *Store
	metrics *Metrics
	cost    CostFunc
	rng     Rand

	cursors sync.Map // combo name -> *atomic.Uint64
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithRand overrides the random source.
func WithRand(r Rand) ResolverOption {
	return func(res *Resolver) { res.rng = r }
}

// WithCost sets the price lookup used by the cost-optimized strategy.
func WithCost(fn CostFunc) ResolverOption {
	return func(res *Resolver) { res.cost = fn }
}

func NewResolver(store *Store, metrics *Metrics, opts ...ResolverOption) *Resolver {
	if metrics == nil {
		metrics = NewMetrics()
	}
	r := &Resolver{store: store, metrics: metrics, rng: globalRand{}}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Metrics returns the per-combo counters used by the least-used strategy.
func (r *Resolver) Metrics() *Metrics { return r.metrics }

// IsCombo reports whether name is a known combo.
func (r *Resolver) IsCombo(name string) bool {
	_, ok := r.store.Snapshot().Get(name)
	return ok
}

// Get returns the named combo from the current snapshot.
func (r *Resolver) Get(name string) (*Combo, bool) {
	return r.store.Snapshot().Get(name)
}

// Expand returns the ordered, de-duplicated candidate targets of a combo.
// Nested combos are expanded in place using their own strategy.
func (r *Resolver) Expand(name string) ([]string, error) {
	snap := r.store.Snapshot()
	c, ok := snap.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	var out []string
	seen := make(map[string]bool)
	r.expand(snap, c, &out, seen, 0)
	return out, nil
}

func (r *Resolver) expand(snap *Snapshot, c *Combo, out *[]string, seen map[string]bool, depth int) {
	if depth > c.Config.MaxDepth() {
		return
	}
	for _, e := range r.order(snap, c) {
		if nested, ok := snap.Get(e.Model); ok {
			r.expand(snap, nested, out, seen, depth+1)
			continue
		}
		if seen[e.Model] {
			continue
		}
		seen[e.Model] = true
		*out = append(*out, e.Model)
	}
}

// Path returns the combos through which root reaches target, root first and
// the combo that lists target directly last. It returns nil when target is
// not a member of root's expansion.
func (r *Resolver) Path(root, target string) []string {
	snap := r.store.Snapshot()
	c, ok := snap.Get(root)
	if !ok {
		return nil
	}
	return r.path(snap, c, target, 0)
}

func (r *Resolver) path(snap *Snapshot, c *Combo, target string, depth int) []string {
	if depth > c.Config.MaxDepth() {
		return nil
	}
	for _, e := range c.Models {
		if nested, ok := snap.Get(e.Model); ok {
			if p := r.path(snap, nested, target, depth+1); p != nil {
				return append([]string{c.Name}, p...)
			}
			continue
		}
		if e.Model == target {
			return []string{c.Name}
		}
	}
	return nil
}

func (r *Resolver) order(snap *Snapshot, c *Combo) []ModelEntry {
	entries := append([]ModelEntry(nil), c.Models...)

	switch c.Strategy {
	case StrategyWeighted:
		return r.weightedPermutation(entries)

	case StrategyRoundRobin:
		n := uint64(len(entries))
		start := (r.cursor(c.Name).Add(1) - 1) % n
		return append(entries[start:], entries[:start]...)

	case StrategyRandom:
		out := make([]ModelEntry, len(entries))
		for i, j := range r.rng.Perm(len(entries)) {
			out[i] = entries[j]
		}
		return out

	case StrategyLeastUsed:
		// A nested combo member counts every attempt made through it.
		used := make(map[string]uint64, len(entries))
		for _, e := range entries {
			if _, nested := snap.Get(e.Model); nested {
				used[e.Model] = r.metrics.Snapshot(e.Model).Requests
			} else {
				used[e.Model] = r.metrics.Requests(c.Name, e.Model)
			}
		}
		sort.SliceStable(entries, func(i, j int) bool {
			return used[entries[i].Model] < used[entries[j].Model]
		})
		return entries

	case StrategyCostOptimized:
		r.sortByCost(entries)
		return entries

	default:
		return entries
	}
}

// weightedPermutation draws entries proportionally to weight without
// replacement. Zero-weight entries are excluded from the draw entirely.
func (r *Resolver) weightedPermutation(entries []ModelEntry) []ModelEntry {
	pool := entries[:0:0]
	total := 0
	for _, e := range entries {
		if e.Weight > 0 {
			pool = append(pool, e)
			total += e.Weight
		}
	}

	out := make([]ModelEntry, 0, len(pool))
	for len(pool) > 0 {
		x := r.rng.Float64() * float64(total)
		idx := len(pool) - 1
		acc := 0.0
		for i, e := range pool {
			acc += float64(e.Weight)
			if x < acc {
				idx = i
				break
			}
		}
		out = append(out, pool[idx])
		total -= pool[idx].Weight
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return out
}

func (r *Resolver) sortByCost(entries []ModelEntry) {
	type priced struct {
		cost  float64
		known bool
	}
	prices := make(map[string]priced, len(entries))
	for _, e := range entries {
		p := priced{}
		if r.cost != nil {
			p.cost, p.known = r.cost(e.Model)
		}
		prices[e.Model] = p
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := prices[entries[i].Model], prices[entries[j].Model]
		if a.known != b.known {
			return a.known
		}
		return a.cost < b.cost
	})
}

func (r *Resolver) cursor(name string) *atomic.Uint64 {
	if v, ok := r.cursors.Load(name); ok {
		return v.(*atomic.Uint64)
	}
	v, _ := r.cursors.LoadOrStore(name, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}
