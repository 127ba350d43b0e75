package cache

import (
	"fmt"
	"strings"

	"github.com/nulpointcorp/routegate/internal/alias"
)

// ExclusionList decides whether a model is excluded from caching. Rules are
// exact names or case-insensitive globs ("*", "?"), the same syntax model
// aliases use. A nil *ExclusionList excludes nothing.
type ExclusionList struct {
	exact map[string]struct{}
	globs []string
}

// NewExclusionList splits rules into exact names and globs. Empty rules are
// skipped; a rule with a '/' must name both sides.
func NewExclusionList(rules []string) (*ExclusionList, error) {
	el := &ExclusionList{exact: make(map[string]struct{}, len(rules))}

	for _, r := range rules {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if strings.HasPrefix(r, "/") || strings.HasSuffix(r, "/") {
			return nil, fmt.Errorf("cache exclusion: invalid rule %q", r)
		}
		if alias.IsWildcard(r) {
			el.globs = append(el.globs, r)
			continue
		}
		el.exact[strings.ToLower(r)] = struct{}{}
	}
	return el, nil
}

// Matches reports whether model is excluded. Exact rules are checked first.
func (el *ExclusionList) Matches(model string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.exact[strings.ToLower(model)]; ok {
		return true
	}
	for _, g := range el.globs {
		if alias.Match(g, model) {
			return true
		}
	}
	return false
}

// Len returns the total number of rules.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.exact) + len(el.globs)
}
