// Package alias maps requested model names to concrete provider/model targets.
//
// Exact aliases are an O(1) map lookup and always win. When no exact alias
// exists, every wildcard alias whose glob matches the requested name is a
// candidate and the one with the highest Specificity wins; ties go to the
// alias that appears first in the list. Unmatched names pass through as-is.
package alias

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Alias is a single {pattern, target} mapping. Pattern is either an exact
// model name or a glob using '*' (any sequence) and '?' (one character).
type Alias struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Target  string `yaml:"target" json:"target"`
}

// ErrInvalidAlias is returned by Validate for malformed alias entries.
var ErrInvalidAlias = errors.New("alias: invalid alias")

const (
	literalWeight   = 10
	wildcardPenalty = 5
	exactBonus      = 1000
)

// Resolve returns the target for requested. exact is keyed by lower-cased
// model name, so exact and wildcard matching are both case-insensitive. The
// function is pure.
func Resolve(requested string, exact map[string]string, wildcards []Alias) string {
	if target, ok := exact[strings.ToLower(requested)]; ok {
		return target
	}

	best, bestScore := -1, 0
	for i, a := range wildcards {
		if !Match(a.Pattern, requested) {
			continue
		}
		score := Specificity(a.Pattern)
		if best < 0 || score > bestScore {
			best, bestScore = i, score
		}
	}
	if best >= 0 {
		return wildcards[best].Target
	}
	return requested
}

// Specificity ranks a pattern: literal characters are rewarded, wildcard
// characters penalized, and total length breaks remaining ties. A pattern
// without wildcards always outranks any wildcard pattern matching the same name.
func Specificity(pattern string) int {
	literals, wildcards := 0, 0
	for _, r := range pattern {
		if r == '*' || r == '?' {
			wildcards++
			continue
		}
		literals++
	}
	score := literalWeight*literals - wildcardPenalty*wildcards + utf8.RuneCountInString(pattern)
	if wildcards == 0 {
		score += exactBonus
	}
	return score
}

// IsWildcard reports whether pattern contains glob metacharacters.
func IsWildcard(pattern string) bool {
	return strings.ContainsAny(pattern, "*?")
}

// Match reports whether name matches the glob pattern, case-insensitively.
func Match(pattern, name string) bool {
	p := []rune(strings.ToLower(pattern))
	s := []rune(strings.ToLower(name))

	pi, si := 0, 0
	starP, starS := -1, 0
	for si < len(s) {
		switch {
		case pi < len(p) && p[pi] == '*':
			starP, starS = pi, si
			pi++
		case pi < len(p) && (p[pi] == '?' || p[pi] == s[si]):
			pi++
			si++
		case starP >= 0:
			// Backtrack: let the last '*' absorb one more character.
			starS++
			pi, si = starP+1, starS
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}

// Table is an immutable split of an alias list into exact and wildcard sets.
type Table struct {
	exact     map[string]string // lower-cased pattern -> target
	patterns  map[string]string // lower-cased pattern -> pattern as written
	wildcards []Alias
}

// NewTable splits aliases into exact and wildcard entries, preserving the
// list order of wildcards. Later exact entries override earlier ones,
// including entries that differ only in case.
func NewTable(aliases []Alias) *Table {
	t := &Table{
		exact:    make(map[string]string, len(aliases)),
		patterns: make(map[string]string, len(aliases)),
	}
	for _, a := range aliases {
		if IsWildcard(a.Pattern) {
			t.wildcards = append(t.wildcards, a)
			continue
		}
		key := strings.ToLower(a.Pattern)
		t.exact[key] = a.Target
		t.patterns[key] = a.Pattern
	}
	return t
}

// Resolve resolves requested against the table. A nil table passes through.
func (t *Table) Resolve(requested string) string {
	if t == nil {
		return requested
	}
	return Resolve(requested, t.exact, t.wildcards)
}

// Aliases returns all entries, exact ones first, for listing endpoints.
func (t *Table) Aliases() []Alias {
	if t == nil {
		return nil
	}
	out := make([]Alias, 0, len(t.exact)+len(t.wildcards))
	for key, target := range t.exact {
		out = append(out, Alias{Pattern: t.patterns[key], Target: target})
	}
	return append(out, t.wildcards...)
}

// Validate rejects aliases with empty patterns or targets and targets that
// are themselves globs.
func Validate(aliases []Alias) error {
	for i, a := range aliases {
		switch {
		case strings.TrimSpace(a.Pattern) == "":
			return fmt.Errorf("%w: entry %d has an empty pattern", ErrInvalidAlias, i)
		case strings.TrimSpace(a.Target) == "":
			return fmt.Errorf("%w: %q has an empty target", ErrInvalidAlias, a.Pattern)
		case IsWildcard(a.Target):
			return fmt.Errorf("%w: %q target %q must not contain wildcards", ErrInvalidAlias, a.Pattern, a.Target)
		}
	}
	return nil
}
