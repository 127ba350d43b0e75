package pricing

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestRegistry_Defaults(t *testing.T) {
	r := NewRegistry()

	p, ok := r.Lookup("openai", "gpt-4o")
	if !ok {
		t.Fatal("expected gpt-4o in defaults")
	}
	if p.InputCostPerToken <= 0 || p.OutputCostPerToken <= 0 {
		t.Errorf("unexpected zero price: %+v", p)
	}

	if _, ok := r.Lookup("openai", "no-such-model"); ok {
		t.Error("unknown model should not resolve")
	}
}

func TestRegistry_ProviderQualifiedWins(t *testing.T) {
	r := NewRegistry()
	dir := t.TempDir()
	path := filepath.Join(dir, "prices.json")
	data := `{"m":{"input_cost_per_token":1,"output_cost_per_token":1},"p/m":{"input_cost_per_token":2,"output_cost_per_token":2}}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := r.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}

	if got, _ := r.PerToken("p", "m"); got != 4 {
		t.Errorf("expected provider-qualified price 4, got %v", got)
	}
	if got, _ := r.PerToken("other", "m"); got != 2 {
		t.Errorf("expected bare price 2, got %v", got)
	}
}

func TestRegistry_Cost(t *testing.T) {
	r := NewRegistry()
	got := r.Cost("openai", "gpt-4o", 1000, 500)
	want := 1000*0.0000025 + 500*0.00001
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("cost = %v, want %v", got, want)
	}
	if r.Cost("x", "unknown", 10, 10) != 0 {
		t.Error("unknown model should cost zero")
	}
}

func TestRegistry_LoadMissingFile(t *testing.T) {
	r := NewRegistry()
	if err := r.Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
