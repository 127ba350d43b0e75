package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistry_CircuitBreakerTransitions(t *testing.T) {
	r := New()
	r.SetCircuitBreaker("openai", 0, 1, "closed", "open")
	r.SetCircuitBreaker("openai", 1, 2, "open", "half_open")

	if got := testutil.ToFloat64(r.circuitBreakerState.WithLabelValues("openai")); got != 2 {
		t.Errorf("expected state 2, got %v", got)
	}
	if got := testutil.ToFloat64(r.cbTransitions.WithLabelValues("openai", "closed", "open")); got != 1 {
		t.Errorf("expected one closed->open transition, got %v", got)
	}
}

func TestRegistry_UsageAndDenials(t *testing.T) {
	r := New()
	r.AddUsage("openai", 10, 5, 0.25)
	r.AddUsage("openai", 0, 0, 0)
	r.RecordPolicyDenial("rate_limit")
	r.RecordPolicyDenial("rate_limit")

	if got := testutil.ToFloat64(r.tokensTotal.WithLabelValues("openai", "input")); got != 10 {
		t.Errorf("expected 10 input tokens, got %v", got)
	}
	if got := testutil.ToFloat64(r.costTotal.WithLabelValues("openai")); got != 0.25 {
		t.Errorf("expected 0.25 USD, got %v", got)
	}
	if got := testutil.ToFloat64(r.policyDenials.WithLabelValues("rate_limit")); got != 2 {
		t.Errorf("expected 2 denials, got %v", got)
	}
}

func TestRegistry_TelemetryDrops(t *testing.T) {
	r := New()
	var n int64 = 7
	r.WatchTelemetryDrops(func() int64 { return n })

	const want = `
# HELP routegate_telemetry_dropped_total Telemetry events dropped because the buffer was full
# TYPE routegate_telemetry_dropped_total counter
routegate_telemetry_dropped_total 7
`
	if err := testutil.GatherAndCompare(r.PromRegistry(), strings.NewReader(want), "routegate_telemetry_dropped_total"); err != nil {
		t.Error(err)
	}
}
