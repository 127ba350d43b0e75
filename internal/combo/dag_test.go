package combo

import (
	"errors"
	"testing"
)

func comboMap(cs ...Combo) map[string]*Combo {
	m := make(map[string]*Combo, len(cs))
	for i := range cs {
		m[cs[i].Name] = cs[i].clone()
	}
	return m
}

func entries(models ...string) []ModelEntry {
	out := make([]ModelEntry, len(models))
	for i, m := range models {
		out[i] = ModelEntry{Model: m, Weight: 1}
	}
	return out
}

func TestValidateDAG_SelfReference(t *testing.T) {
	m := comboMap(Combo{Name: "loop", Models: entries("openai/gpt-4o", "loop")})

	err := ValidateDAG("loop", m)
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if ve.Combo != "loop" {
		t.Errorf("combo = %q, want loop", ve.Combo)
	}
}

func TestValidateDAG_LongCycle(t *testing.T) {
	m := comboMap(
		Combo{Name: "a", Models: entries("b")},
		Combo{Name: "b", Models: entries("c")},
		Combo{Name: "c", Models: entries("openai/gpt-4o", "a")},
	)
	for _, name := range []string{"a", "b", "c"} {
		if err := ValidateDAG(name, m); !errors.Is(err, ErrCycle) {
			t.Errorf("ValidateDAG(%s): expected ErrCycle, got %v", name, err)
		}
	}
}

func TestValidateDAG_AcceptsAcyclicWithinDepth(t *testing.T) {
	m := comboMap(
		Combo{Name: "top", Models: entries("mid", "leaf")},
		Combo{Name: "mid", Models: entries("leaf", "anthropic/claude-sonnet-4")},
		Combo{Name: "leaf", Models: entries("openai/gpt-4o")},
	)
	if err := ValidateDAG("top", m); err != nil {
		t.Fatalf("expected valid graph, got %v", err)
	}
}

func TestValidateDAG_DiamondIsNotACycle(t *testing.T) {
	m := comboMap(
		Combo{Name: "root", Models: entries("left", "right")},
		Combo{Name: "left", Models: entries("shared")},
		Combo{Name: "right", Models: entries("shared")},
		Combo{Name: "shared", Models: entries("openai/gpt-4o")},
	)
	if err := ValidateDAG("root", m); err != nil {
		t.Fatalf("diamond should validate, got %v", err)
	}
}

func TestValidateDAG_TooDeep(t *testing.T) {
	m := comboMap(
		Combo{Name: "l1", Models: entries("l2")},
		Combo{Name: "l2", Models: entries("l3")},
		Combo{Name: "l3", Models: entries("l4")},
		Combo{Name: "l4", Models: entries("openai/gpt-4o")},
	)
	if err := ValidateDAG("l1", m); !errors.Is(err, ErrTooDeep) {
		t.Fatalf("expected ErrTooDeep, got %v", err)
	}
	if err := ValidateDAG("l2", m); err != nil {
		t.Fatalf("three levels should be allowed, got %v", err)
	}

	m["l1"].Config.MaxComboDepth = 4
	if err := ValidateDAG("l1", m); err != nil {
		t.Fatalf("raised max depth should allow four levels, got %v", err)
	}
}

func TestValidateDAG_UnknownRoot(t *testing.T) {
	if err := ValidateDAG("missing", comboMap()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
