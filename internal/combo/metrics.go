package combo

import (
	"sort"
	"sync"
	"time"
)

// ModelStats counts attempts a combo made against one of its models.
type ModelStats struct {
	Requests       uint64    `json:"requests"`
	Successes      uint64    `json:"successes"`
	Failures       uint64    `json:"failures"`
	TotalLatencyMs int64     `json:"total_latency_ms"`
	LastUsed       time.Time `json:"last_used"`
}

// Stats is a point-in-time copy of one combo's counters.
type Stats struct {
	Combo     string                `json:"combo"`
	Requests  uint64                `json:"requests"`
	Successes uint64                `json:"successes"`
	Failures  uint64                `json:"failures"`
	Models    map[string]ModelStats `json:"models"`
}

type comboStats struct {
	mu     sync.Mutex
	models map[string]*ModelStats
}

// Metrics keeps per-combo, per-model attempt counters. Each combo has its own
// lock so unrelated combos never contend.
type Metrics struct {
	combos sync.Map // name -> *comboStats
	now    func() time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{now: time.Now}
}

func (m *Metrics) stats(combo string) *comboStats {
	if v, ok := m.combos.Load(combo); ok {
		return v.(*comboStats)
	}
	v, _ := m.combos.LoadOrStore(combo, &comboStats{models: make(map[string]*ModelStats)})
	return v.(*comboStats)
}

// Record counts one attempt of model on behalf of combo.
func (m *Metrics) Record(combo, model string, ok bool, latency time.Duration) {
	cs := m.stats(combo)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	ms, found := cs.models[model]
	if !found {
		ms = &ModelStats{}
		cs.models[model] = ms
	}
	ms.Requests++
	if ok {
		ms.Successes++
	} else {
		ms.Failures++
	}
	ms.TotalLatencyMs += latency.Milliseconds()
	ms.LastUsed = m.now()
}

// Requests returns how many attempts combo made against model.
func (m *Metrics) Requests(combo, model string) uint64 {
	v, ok := m.combos.Load(combo)
	if !ok {
		return 0
	}
	cs := v.(*comboStats)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if ms, ok := cs.models[model]; ok {
		return ms.Requests
	}
	return 0
}

// Snapshot returns the counters of one combo.
func (m *Metrics) Snapshot(combo string) Stats {
	out := Stats{Combo: combo, Models: map[string]ModelStats{}}
	v, ok := m.combos.Load(combo)
	if !ok {
		return out
	}
	cs := v.(*comboStats)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for name, ms := range cs.models {
		out.Models[name] = *ms
		out.Requests += ms.Requests
		out.Successes += ms.Successes
		out.Failures += ms.Failures
	}
	return out
}

// All returns the counters of every combo that has recorded attempts.
func (m *Metrics) All() []Stats {
	var names []string
	m.combos.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)

	out := make([]Stats, 0, len(names))
	for _, n := range names {
		out = append(out, m.Snapshot(n))
	}
	return out
}

// Reset clears the counters of one combo.
func (m *Metrics) Reset(combo string) {
	m.combos.Delete(combo)
}

// ResetAll clears every combo's counters.
func (m *Metrics) ResetAll() {
	m.combos.Range(func(k, _ any) bool {
		m.combos.Delete(k)
		return true
	})
}
