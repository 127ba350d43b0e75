package resilience

import (
	"testing"
	"time"
)

func newTestRateLimits(mut func(*Profile)) (*RateLimits, *fakeClock) {
	p := testProfile()
	if mut != nil {
		mut(&p)
	}
	clk := newFakeClock()
	return NewRateLimits(NewProfiles(p), clk.Now), clk
}

func TestRateLimits_Window(t *testing.T) {
	r, clk := newTestRateLimits(func(p *Profile) {
		p.RequestsPerWindow = 2
		p.WindowMs = 1_000
	})
	key := AccountKey("openai", "k1")

	for i := 0; i < 2; i++ {
		if ok, _ := r.Acquire(key); !ok {
			t.Fatalf("request %d should be admitted", i+1)
		}
		clk.Advance(100 * time.Millisecond)
	}
	ok, wait := r.Check(key)
	if ok {
		t.Fatal("third request inside the window must be denied")
	}
	if wait != 800*time.Millisecond {
		t.Errorf("retryAfter = %v, want 800ms", wait)
	}

	clk.Advance(wait)
	if ok, _ := r.Check(key); !ok {
		t.Fatal("oldest hit left the window; request should be allowed")
	}
}

func TestRateLimits_CheckDoesNotAdmit(t *testing.T) {
	r, _ := newTestRateLimits(func(p *Profile) {
		p.RequestsPerWindow = 1
		p.WindowMs = 1_000
	})
	for i := 0; i < 5; i++ {
		if ok, _ := r.Check("openai:k1"); !ok {
			t.Fatal("Check must not consume capacity")
		}
	}
}

func TestRateLimits_MinInterval(t *testing.T) {
	r, clk := newTestRateLimits(func(p *Profile) { p.MinIntervalMs = 500 })
	key := "anthropic:main"

	if ok, _ := r.Acquire(key); !ok {
		t.Fatal("first request should pass")
	}
	ok, wait := r.Check(key)
	if ok {
		t.Fatal("request inside the minimum interval must be denied")
	}
	if wait <= 0 || wait > 500*time.Millisecond {
		t.Errorf("retryAfter = %v", wait)
	}
	clk.Advance(500 * time.Millisecond)
	if ok, _ := r.Acquire(key); !ok {
		t.Fatal("request after the interval should pass")
	}
}

func TestRateLimits_UpstreamSignalBacksOff(t *testing.T) {
	r, clk := newTestRateLimits(func(p *Profile) {
		p.RateLimitCooldownMs = 1_000
		p.MaxBackoffLevel = 2
	})
	key := "openai:k1"

	wants := []time.Duration{2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, want := range wants {
		got := r.RecordRateLimited(key, 0)
		if got != want {
			t.Fatalf("signal %d: cooldown = %v, want %v", i+1, got, want)
		}
		if ok, _ := r.Check(key); ok {
			t.Fatalf("signal %d: key should be cooling down", i+1)
		}
		clk.Advance(got)
	}
	if lvl := r.BackoffLevel(key); lvl != 2 {
		t.Errorf("backoff level = %d, want cap 2", lvl)
	}

	r.RecordSuccess(key)
	if lvl := r.BackoffLevel(key); lvl != 0 {
		t.Errorf("success should reset backoff, got %d", lvl)
	}
}

func TestRateLimits_RetryHintWins(t *testing.T) {
	r, _ := newTestRateLimits(func(p *Profile) { p.RateLimitCooldownMs = 1_000 })
	if got := r.RecordRateLimited("openai:k1", 30*time.Second); got != 30*time.Second {
		t.Fatalf("cooldown = %v, want upstream hint", got)
	}
}

func TestRateLimits_TransientCooldown(t *testing.T) {
	r, clk := newTestRateLimits(func(p *Profile) { p.TransientCooldownMs = 200 })
	key := "gemini:k1"

	r.RecordTransient(key)
	if ok, wait := r.Check(key); ok || wait != 200*time.Millisecond {
		t.Fatalf("expected 200ms cooldown, got ok=%v wait=%v", ok, wait)
	}
	if lvl := r.BackoffLevel(key); lvl != 0 {
		t.Errorf("transient failure must not raise backoff, got %d", lvl)
	}
	clk.Advance(200 * time.Millisecond)
	if ok, _ := r.Check(key); !ok {
		t.Fatal("cooldown should have elapsed")
	}
}

func TestRateLimits_Snapshot(t *testing.T) {
	r, _ := newTestRateLimits(func(p *Profile) {
		p.RequestsPerWindow = 10
		p.WindowMs = 60_000
	})
	r.Acquire("openai:a")
	r.Acquire("openai:a")
	r.RecordRateLimited("openai:b", 0)

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot len = %d", len(snap))
	}
	if snap[0].Key != "openai:a" || snap[0].InWindow != 2 || snap[0].Limited {
		t.Errorf("unexpected a: %+v", snap[0])
	}
	if !snap[1].Limited || snap[1].BackoffLevel != 1 || snap[1].CooldownUntil.IsZero() {
		t.Errorf("unexpected b: %+v", snap[1])
	}
}
