package cache

import (
	"testing"
)

func TestExclusionList_NilSafe(t *testing.T) {
	var el *ExclusionList
	if el.Matches("gpt-4o") {
		t.Fatal("nil ExclusionList must never match")
	}
	if el.Len() != 0 {
		t.Fatal("nil ExclusionList Len must be 0")
	}
}

func TestExclusionList_ExactMatch(t *testing.T) {
	el, err := NewExclusionList([]string{"gpt-4o", "gemini/gemini-pro"})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		model string
		want  bool
	}{
		{"gpt-4o", true},
		{"GPT-4O", true},
		{"gemini/gemini-pro", true},
		{"gemini-pro", false},
		{"gpt-4-turbo", false},
		{"gpt-4", false},
	}
	for _, c := range cases {
		if got := el.Matches(c.model); got != c.want {
			t.Errorf("Matches(%q) = %v, want %v", c.model, got, c.want)
		}
	}
}

func TestExclusionList_GlobMatch(t *testing.T) {
	el, err := NewExclusionList([]string{"gpt-4*", "anthropic/claude-3-opus-?"})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		model string
		want  bool
	}{
		{"gpt-4o", true},
		{"gpt-4-turbo", true},
		{"gpt-4", true},
		{"anthropic/claude-3-opus-1", true},
		{"anthropic/claude-3-opus-12", false},
		{"gpt-3.5-turbo", false},
	}
	for _, c := range cases {
		if got := el.Matches(c.model); got != c.want {
			t.Errorf("Matches(%q) = %v, want %v", c.model, got, c.want)
		}
	}
	if el.Len() != 2 {
		t.Errorf("Len = %d, want 2", el.Len())
	}
}

func TestExclusionList_InvalidRule(t *testing.T) {
	if _, err := NewExclusionList([]string{"openai/"}); err == nil {
		t.Fatal("expected error for a rule with an empty model")
	}
}

func TestExclusionList_EmptyStringsSkipped(t *testing.T) {
	el, err := NewExclusionList([]string{"", "  ", "gpt-4o"})
	if err != nil {
		t.Fatal(err)
	}
	if el.Len() != 1 {
		t.Fatalf("expected 1 rule, got %d", el.Len())
	}
}
