package combo

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Snapshot is an immutable view of every combo at one point in time.
type Snapshot struct {
	combos map[string]*Combo
}

// Get returns the combo with the given name.
func (s *Snapshot) Get(name string) (*Combo, bool) {
	if s == nil {
		return nil, false
	}
	c, ok := s.combos[name]
	return c, ok
}

// Len returns the number of combos in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.combos)
}

// Names returns combo names in lexical order.
func (s *Snapshot) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.combos))
	for n := range s.combos {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Store keeps combos behind an atomically swapped snapshot. Readers never
// block and never see a partially applied mutation; writers are serialized,
// build the proposed state, validate the whole graph and only then publish.
type Store struct {
	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
}

// NewStore validates initial and returns a store holding it.
func NewStore(initial []Combo) (*Store, error) {
	m := make(map[string]*Combo, len(initial))
	for i := range initial {
		c := initial[i].clone()
		if _, dup := m[c.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrExists, c.Name)
		}
		m[c.Name] = c
	}
	if err := validateAll(m); err != nil {
		return nil, err
	}

	s := &Store{}
	s.snap.Store(&Snapshot{combos: m})
	return s, nil
}

// Snapshot returns the current immutable view.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// List returns copies of every combo ordered by name.
func (s *Store) List() []Combo {
	snap := s.Snapshot()
	out := make([]Combo, 0, snap.Len())
	for _, n := range snap.Names() {
		out = append(out, *snap.combos[n].clone())
	}
	return out
}

// Get returns a copy of the named combo.
func (s *Store) Get(name string) (Combo, bool) {
	c, ok := s.Snapshot().Get(name)
	if !ok {
		return Combo{}, false
	}
	return *c.clone(), true
}

// Create adds a new combo after validating the resulting graph.
func (s *Store) Create(c Combo) error {
	return s.mutate(func(next map[string]*Combo) error {
		if _, ok := next[c.Name]; ok {
			return fmt.Errorf("%w: %s", ErrExists, c.Name)
		}
		next[c.Name] = c.clone()
		return nil
	})
}

// Update replaces the named combo. c.Name may be empty or equal to name.
func (s *Store) Update(name string, c Combo) error {
	if c.Name == "" {
		c.Name = name
	}
	if c.Name != name {
		return fmt.Errorf("%w: renaming %s to %s is not supported", ErrInvalid, name, c.Name)
	}
	return s.mutate(func(next map[string]*Combo) error {
		if _, ok := next[name]; !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		next[name] = c.clone()
		return nil
	})
}

// Delete removes the named combo. Combos still referenced by others are kept.
func (s *Store) Delete(name string) error {
	return s.mutate(func(next map[string]*Combo) error {
		if _, ok := next[name]; !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		for _, other := range next {
			if other.Name == name {
				continue
			}
			for _, e := range other.Models {
				if e.Model == name {
					return fmt.Errorf("%w: %s is used by %s", ErrInUse, name, other.Name)
				}
			}
		}
		delete(next, name)
		return nil
	})
}

func (s *Store) mutate(apply func(next map[string]*Combo) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	next := make(map[string]*Combo, cur.Len()+1)
	for k, v := range cur.combos {
		next[k] = v
	}
	if err := apply(next); err != nil {
		return err
	}
	if err := validateAll(next); err != nil {
		return err
	}
	s.snap.Store(&Snapshot{combos: next})
	return nil
}
