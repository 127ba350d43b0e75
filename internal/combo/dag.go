package combo

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCycle   = errors.New("combo: reference cycle")
	ErrTooDeep = errors.New("combo: nesting exceeds max depth")
)

// ValidationError reports a graph violation found while walking from Combo.
type ValidationError struct {
	Combo string
	Path  []string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s (%s)", e.Err, e.Combo, strings.Join(e.Path, " -> "))
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ValidateDAG walks every combo reachable from name and fails on a cycle
// (self references included) or when nesting exceeds the root's MaxDepth.
// combos must be the proposed state, including any pending create or update.
func ValidateDAG(name string, combos map[string]*Combo) error {
	root, ok := combos[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	w := &dagWalker{
		root:     name,
		combos:   combos,
		maxDepth: root.Config.MaxDepth(),
		onStack:  make(map[string]bool),
		height:   make(map[string]int),
	}
	_, err := w.visit(name, nil)
	return err
}

type dagWalker struct {
	root     string
	combos   map[string]*Combo
	maxDepth int

	onStack map[string]bool
	height  map[string]int // memoized nesting height of fully explored combos
}

func (w *dagWalker) visit(name string, path []string) (int, error) {
	path = append(path[:len(path):len(path)], name)

	if h, ok := w.height[name]; ok {
		return h, nil
	}
	if w.onStack[name] {
		return 0, &ValidationError{Combo: w.root, Path: path, Err: ErrCycle}
	}

	w.onStack[name] = true
	h := 1
	for _, e := range w.combos[name].Models {
		if _, isCombo := w.combos[e.Model]; !isCombo {
			continue
		}
		child, err := w.visit(e.Model, path)
		if err != nil {
			return 0, err
		}
		if child+1 > h {
			h = child + 1
		}
		if h > w.maxDepth {
			return 0, &ValidationError{Combo: w.root, Path: append(path, e.Model), Err: ErrTooDeep}
		}
	}
	delete(w.onStack, name)
	w.height[name] = h
	return h, nil
}

// validateAll runs per-combo and graph validation over a whole proposed state.
func validateAll(combos map[string]*Combo) error {
	for name, c := range combos {
		if name != c.Name {
			return fmt.Errorf("%w: key %q does not match name %q", ErrInvalid, name, c.Name)
		}
		if err := Validate(c); err != nil {
			return err
		}
	}
	for name := range combos {
		if err := ValidateDAG(name, combos); err != nil {
			return err
		}
	}
	return nil
}
