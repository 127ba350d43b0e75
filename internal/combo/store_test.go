package combo

import (
	"encoding/json"
	"errors"
	"testing"

	"gopkg.in/yaml.v3"
)

func newTestStore(t *testing.T, cs ...Combo) *Store {
	t.Helper()
	s, err := NewStore(cs)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestNewStore_RejectsCycle(t *testing.T) {
	_, err := NewStore([]Combo{
		{Name: "a", Models: entries("b")},
		{Name: "b", Models: entries("a")},
	})
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
}

func TestNewStore_RejectsDuplicates(t *testing.T) {
	_, err := NewStore([]Combo{
		{Name: "a", Models: entries("openai/gpt-4o")},
		{Name: "a", Models: entries("openai/gpt-4o-mini")},
	})
	if !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestStore_UpdateIntroducingCycleIsRejected(t *testing.T) {
	s := newTestStore(t,
		Combo{Name: "a", Models: entries("b")},
		Combo{Name: "b", Models: entries("openai/gpt-4o")},
	)
	before := s.Snapshot()

	err := s.Update("b", Combo{Models: entries("a")})
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
	if s.Snapshot() != before {
		t.Error("rejected mutation must not publish a new snapshot")
	}
	got, _ := s.Get("b")
	if got.Models[0].Model != "openai/gpt-4o" {
		t.Errorf("b was modified: %+v", got.Models)
	}
}

func TestStore_CreateSelfReferenceIsRejected(t *testing.T) {
	s := newTestStore(t)
	err := s.Create(Combo{Name: "me", Models: entries("me")})
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
	if _, ok := s.Get("me"); ok {
		t.Error("self-referencing combo must not be stored")
	}
}

func TestStore_CreateTooDeepIsRejected(t *testing.T) {
	s := newTestStore(t,
		Combo{Name: "l2", Models: entries("l3")},
		Combo{Name: "l3", Models: entries("l4")},
		Combo{Name: "l4", Models: entries("openai/gpt-4o")},
	)
	if err := s.Create(Combo{Name: "l1", Models: entries("l2")}); !errors.Is(err, ErrTooDeep) {
		t.Fatalf("expected ErrTooDeep, got %v", err)
	}
}

func TestStore_CreateGetList(t *testing.T) {
	s := newTestStore(t)
	if err := s.Create(Combo{Name: "fast", Models: entries("openai/gpt-4o-mini")}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(Combo{Name: "fast", Models: entries("openai/gpt-4o")}); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	c, ok := s.Get("fast")
	if !ok {
		t.Fatal("fast not found")
	}
	if c.Strategy != StrategyPriority {
		t.Errorf("default strategy = %q, want priority", c.Strategy)
	}

	// Mutating the returned copy must not leak into the store.
	c.Models[0].Model = "changed"
	again, _ := s.Get("fast")
	if again.Models[0].Model != "openai/gpt-4o-mini" {
		t.Error("Get must return a copy")
	}

	if n := len(s.List()); n != 1 {
		t.Errorf("List len = %d, want 1", n)
	}
}

func TestStore_UpdateRename(t *testing.T) {
	s := newTestStore(t, Combo{Name: "a", Models: entries("openai/gpt-4o")})
	err := s.Update("a", Combo{Name: "b", Models: entries("openai/gpt-4o")})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if err := s.Update("missing", Combo{Models: entries("openai/gpt-4o")}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_DeleteInUse(t *testing.T) {
	s := newTestStore(t,
		Combo{Name: "outer", Models: entries("inner")},
		Combo{Name: "inner", Models: entries("openai/gpt-4o")},
	)
	if err := s.Delete("inner"); !errors.Is(err, ErrInUse) {
		t.Fatalf("expected ErrInUse, got %v", err)
	}
	if err := s.Delete("outer"); err != nil {
		t.Fatalf("Delete outer: %v", err)
	}
	if err := s.Delete("inner"); err != nil {
		t.Fatalf("Delete inner: %v", err)
	}
	if err := s.Delete("inner"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		c    Combo
		ok   bool
	}{
		{"valid", Combo{Name: "x", Models: entries("openai/gpt-4o")}, true},
		{"empty name", Combo{Models: entries("openai/gpt-4o")}, false},
		{"slash in name", Combo{Name: "a/b", Models: entries("openai/gpt-4o")}, false},
		{"no models", Combo{Name: "x"}, false},
		{"unknown strategy", Combo{Name: "x", Strategy: "fastest", Models: entries("openai/gpt-4o")}, false},
		{"negative weight", Combo{Name: "x", Models: []ModelEntry{{Model: "m", Weight: -1}}}, false},
		{"all zero weighted", Combo{Name: "x", Strategy: StrategyWeighted, Models: []ModelEntry{{Model: "m"}}}, false},
		{"negative retries", Combo{Name: "x", Models: entries("m"), Config: Config{MaxRetries: -1}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(&tc.c)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestModelEntry_DecodeShapes(t *testing.T) {
	var c Combo
	body := `{"name":"mix","strategy":"weighted","models":["openai/gpt-4o",{"model":"azure/gpt-4o","weight":3},{"model":"x/y","weight":0},{"model":"a/b"}]}`
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		t.Fatalf("json: %v", err)
	}
	want := []ModelEntry{{"openai/gpt-4o", 1}, {"azure/gpt-4o", 3}, {"x/y", 0}, {"a/b", 1}}
	for i, w := range want {
		if c.Models[i] != w {
			t.Errorf("json entry %d = %+v, want %+v", i, c.Models[i], w)
		}
	}

	var y Combo
	doc := "name: mix\nmodels:\n  - openai/gpt-4o\n  - model: azure/gpt-4o\n    weight: 3\n  - model: x/y\n    weight: 0\n  - model: a/b\n"
	if err := yaml.Unmarshal([]byte(doc), &y); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	for i, w := range want {
		if y.Models[i] != w {
			t.Errorf("yaml entry %d = %+v, want %+v", i, y.Models[i], w)
		}
	}
}
