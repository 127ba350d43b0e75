package resilience

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// State is the operational state of a circuit breaker.
//
//	Closed   normal operation; all requests pass through.
//	Open     the target is failing; requests are rejected immediately.
//	HalfOpen the reset timeout elapsed; one probe request is allowed.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// MarshalText renders the state label in JSON snapshots.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "closed":
		*s = Closed
	case "open":
		*s = Open
	case "half_open":
		*s = HalfOpen
	default:
		return fmt.Errorf("resilience: unknown breaker state %q", b)
	}
	return nil
}

type breaker struct {
	mu sync.Mutex

	state       State
	failures    int
	windowStart time.Time
	lastFailure time.Time
	openedAt    time.Time
	probeAt     time.Time // zero when no half-open probe is in flight
}

// BreakerStatus is a snapshot of one breaker.
type BreakerStatus struct {
	Key          string    `json:"key"`
	State        State     `json:"state"`
	FailureCount int       `json:"failure_count"`
	Threshold    int       `json:"threshold"`
	LastFailure  time.Time `json:"last_failure,omitzero"`
	OpenedAt     time.Time `json:"opened_at,omitzero"`
	RetryAfterMs int64     `json:"retry_after_ms,omitempty"`
}

// StateChangeFunc observes breaker transitions. It runs outside the breaker
// lock.
type StateChangeFunc func(key string, from, to State)

// Breakers tracks circuit breakers keyed by provider or provider:account.
// A breaker is created on its first recorded failure; keys that never failed
// are treated as closed.
type Breakers struct {
	entries  *shardedMap[*breaker]
	profiles *Profiles
	now      func() time.Time
	onChange StateChangeFunc
}

func NewBreakers(profiles *Profiles, now func() time.Time) *Breakers {
	if now == nil {
		now = time.Now
	}
	return &Breakers{entries: newShardedMap[*breaker](), profiles: profiles, now: now}
}

// OnStateChange registers fn to be called on every transition. Not safe to
// call concurrently with traffic; register during setup.
func (b *Breakers) OnStateChange(fn StateChangeFunc) { b.onChange = fn }

func (b *Breakers) notify(key string, from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(key, from, to)
	}
}

// Check reports whether key currently accepts traffic without reserving the
// half-open probe. An open breaker whose reset timeout has elapsed moves to
// HalfOpen here. retryAfter is set when the answer is no.
func (b *Breakers) Check(key string) (allowed bool, retryAfter time.Duration) {
	return b.admit(key, false)
}

// Acquire is Check for a request that is about to be dispatched: in
// HalfOpen it claims the single probe slot.
func (b *Breakers) Acquire(key string) bool {
	ok, _ := b.admit(key, true)
	return ok
}

// Release returns a half-open probe claimed by Acquire when the request is
// abandoned before dispatch. It is a no-op for closed or open breakers.
func (b *Breakers) Release(key string) {
	br, ok := b.entries.get(key)
	if !ok {
		return
	}
	br.mu.Lock()
	if br.state == HalfOpen {
		br.probeAt = time.Time{}
	}
	br.mu.Unlock()
}

func (b *Breakers) admit(key string, reserve bool) (bool, time.Duration) {
	br, ok := b.entries.get(key)
	if !ok {
		return true, 0
	}
	reset := b.profiles.For(key).ResetTimeout()
	now := b.now()

	br.mu.Lock()
	from := br.state
	allowed, wait := true, time.Duration(0)

	switch br.state {
	case Open:
		if elapsed := now.Sub(br.openedAt); elapsed < reset {
			allowed, wait = false, reset-elapsed
			break
		}
		br.state = HalfOpen
		br.probeAt = time.Time{}
		fallthrough

	case HalfOpen:
		// A probe that never reported back is abandoned after one reset period.
		if !br.probeAt.IsZero() && now.Sub(br.probeAt) < reset {
			allowed, wait = false, reset-now.Sub(br.probeAt)
			break
		}
		if reserve {
			br.probeAt = now
		}
	}
	to := br.state
	br.mu.Unlock()

	b.notify(key, from, to)
	return allowed, wait
}

// RecordSuccess closes the breaker and clears its failure count.
func (b *Breakers) RecordSuccess(key string) {
	br, ok := b.entries.get(key)
	if !ok {
		return
	}
	br.mu.Lock()
	from := br.state
	br.state = Closed
	br.failures = 0
	br.probeAt = time.Time{}
	br.windowStart = b.now()
	br.mu.Unlock()

	b.notify(key, from, Closed)
}

// RecordFailure counts a failure. Reaching the threshold within the failure
// window opens the breaker; a failed half-open probe reopens it and restarts
// the reset timer.
func (b *Breakers) RecordFailure(key string) {
	prof := b.profiles.For(key)
	now := b.now()
	br := b.entries.getOrCreate(key, func() *breaker {
		return &breaker{windowStart: now}
	})

	br.mu.Lock()
	from := br.state
	if w := prof.FailureWindow(); w > 0 && now.Sub(br.windowStart) > w {
		br.failures = 0
		br.windowStart = now
	}
	br.failures++
	br.lastFailure = now
	br.probeAt = time.Time{}

	switch {
	case br.state == HalfOpen:
		br.state = Open
		br.openedAt = now
	case br.state == Closed && br.failures >= prof.FailureThreshold:
		br.state = Open
		br.openedAt = now
	}
	to := br.state
	br.mu.Unlock()

	b.notify(key, from, to)
}

// State returns the current state of key without transitioning it.
func (b *Breakers) State(key string) State {
	br, ok := b.entries.get(key)
	if !ok {
		return Closed
	}
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.state
}

// FailureCount returns the failures counted in the current window.
func (b *Breakers) FailureCount(key string) int {
	br, ok := b.entries.get(key)
	if !ok {
		return 0
	}
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.failures
}

// Reset forces key back to Closed with zeroed counters. It reports whether
// the breaker existed.
func (b *Breakers) Reset(key string) bool {
	br, ok := b.entries.get(key)
	if !ok {
		return false
	}
	br.mu.Lock()
	from := br.state
	br.state = Closed
	br.failures = 0
	br.probeAt = time.Time{}
	br.openedAt = time.Time{}
	br.windowStart = b.now()
	br.mu.Unlock()

	b.notify(key, from, Closed)
	return true
}

// ResetAll closes every breaker and returns how many were reset.
func (b *Breakers) ResetAll() int {
	var keys []string
	b.entries.each(func(k string, _ *breaker) { keys = append(keys, k) })
	for _, k := range keys {
		b.Reset(k)
	}
	return len(keys)
}

// Snapshot returns every known breaker ordered by key.
func (b *Breakers) Snapshot() []BreakerStatus {
	now := b.now()
	var out []BreakerStatus
	b.entries.each(func(k string, br *breaker) {
		prof := b.profiles.For(k)
		br.mu.Lock()
		st := BreakerStatus{
			Key:          k,
			State:        br.state,
			FailureCount: br.failures,
			Threshold:    prof.FailureThreshold,
			LastFailure:  br.lastFailure,
			OpenedAt:     br.openedAt,
		}
		if br.state == Open {
			if wait := prof.ResetTimeout() - now.Sub(br.openedAt); wait > 0 {
				st.RetryAfterMs = wait.Milliseconds()
			}
		}
		br.mu.Unlock()
		out = append(out, st)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
