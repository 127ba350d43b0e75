// Package combo implements named logical models ("combos") that expand into
// ordered candidate lists of concrete provider/model targets.
//
// Combos live in a flat map keyed by name. An entry whose model equals the
// name of another combo is a reference, so the combo set forms a directed
// graph; every mutation is validated to keep that graph acyclic and within
// the configured nesting depth.
package combo

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Strategy selects how a combo orders its entries.
type Strategy string

const (
	StrategyPriority      Strategy = "priority"
	StrategyWeighted      Strategy = "weighted"
	StrategyRoundRobin    Strategy = "round-robin"
	StrategyRandom        Strategy = "random"
	StrategyLeastUsed     Strategy = "least-used"
	StrategyCostOptimized Strategy = "cost-optimized"
)

// DefaultMaxComboDepth bounds nesting when a combo does not set its own limit.
const DefaultMaxComboDepth = 3

var (
	ErrNotFound = errors.New("combo: not found")
	ErrExists   = errors.New("combo: already exists")
	ErrInUse    = errors.New("combo: referenced by another combo")
	ErrInvalid  = errors.New("combo: invalid definition")
)

// ModelEntry is one member of a combo. Weight is only consulted by the
// weighted strategy; entries decoded without an explicit weight get 1, and
// entries with weight 0 are never drawn.
type ModelEntry struct {
	Model  string `json:"model" yaml:"model"`
	Weight int    `json:"weight" yaml:"weight"`
}

type entryFields struct {
	Model  string `json:"model" yaml:"model"`
	Weight *int   `json:"weight" yaml:"weight"`
}

func (e *ModelEntry) fill(f entryFields) {
	e.Model = f.Model
	e.Weight = 1
	if f.Weight != nil {
		e.Weight = *f.Weight
	}
}

// UnmarshalJSON accepts either "provider/model" or {"model": ..., "weight": ...}.
func (e *ModelEntry) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*e = ModelEntry{Model: s, Weight: 1}
		return nil
	}
	var f entryFields
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("combo: model entry: %w", err)
	}
	e.fill(f)
	return nil
}

// UnmarshalYAML accepts the same two shapes as UnmarshalJSON.
func (e *ModelEntry) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		*e = ModelEntry{Model: n.Value, Weight: 1}
		return nil
	}
	var f entryFields
	if err := n.Decode(&f); err != nil {
		return fmt.Errorf("combo: model entry: %w", err)
	}
	e.fill(f)
	return nil
}

// Config tunes execution of a combo's candidate walk.
type Config struct {
	MaxRetries         int  `json:"max_retries,omitempty" yaml:"max_retries"`
	RetryDelayMs       int  `json:"retry_delay_ms,omitempty" yaml:"retry_delay_ms"`
	TimeoutMs          int  `json:"timeout_ms,omitempty" yaml:"timeout_ms"`
	HealthCheckEnabled bool `json:"health_check_enabled,omitempty" yaml:"health_check_enabled"`
	MaxComboDepth      int  `json:"max_combo_depth,omitempty" yaml:"max_combo_depth"`
}

// MaxDepth returns MaxComboDepth or the package default.
func (c Config) MaxDepth() int {
	if c.MaxComboDepth > 0 {
		return c.MaxComboDepth
	}
	return DefaultMaxComboDepth
}

// Combo is a named logical model.
type Combo struct {
	Name     string       `json:"name" yaml:"name"`
	Strategy Strategy     `json:"strategy" yaml:"strategy"`
	Models   []ModelEntry `json:"models" yaml:"models"`
	Config   Config       `json:"config" yaml:"config"`
}

func (c *Combo) clone() *Combo {
	cp := *c
	cp.Models = append([]ModelEntry(nil), c.Models...)
	if cp.Strategy == "" {
		cp.Strategy = StrategyPriority
	}
	return &cp
}

// Validate checks a single combo in isolation. Graph checks live in ValidateDAG.
func Validate(c *Combo) error {
	if c == nil {
		return fmt.Errorf("%w: nil combo", ErrInvalid)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if strings.Contains(c.Name, "/") {
		return fmt.Errorf("%w: name %q must not contain '/'", ErrInvalid, c.Name)
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("%w: %s has no models", ErrInvalid, c.Name)
	}

	switch c.Strategy {
	case "", StrategyPriority, StrategyWeighted, StrategyRoundRobin,
		StrategyRandom, StrategyLeastUsed, StrategyCostOptimized:
	default:
		return fmt.Errorf("%w: %s has unknown strategy %q", ErrInvalid, c.Name, c.Strategy)
	}

	positive := 0
	for i, m := range c.Models {
		if strings.TrimSpace(m.Model) == "" {
			return fmt.Errorf("%w: %s entry %d has an empty model", ErrInvalid, c.Name, i)
		}
		if m.Weight < 0 {
			return fmt.Errorf("%w: %s entry %q has a negative weight", ErrInvalid, c.Name, m.Model)
		}
		if m.Weight > 0 {
			positive++
		}
	}
	if c.Strategy == StrategyWeighted && positive == 0 {
		return fmt.Errorf("%w: %s uses weighted strategy but every weight is zero", ErrInvalid, c.Name)
	}
	if c.Config.MaxRetries < 0 || c.Config.RetryDelayMs < 0 || c.Config.TimeoutMs < 0 || c.Config.MaxComboDepth < 0 {
		return fmt.Errorf("%w: %s config values must not be negative", ErrInvalid, c.Name)
	}
	return nil
}
