// Package pricing holds per-token USD prices used for budget accounting and
// the cost-optimized combo strategy.
package pricing

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

//go:embed data/defaults.json
var defaultPrices []byte

// ModelPrice is the USD cost of one input and one output token.
type ModelPrice struct {
	Provider           string  `json:"provider"`
	InputCostPerToken  float64 `json:"input_cost_per_token"`
	OutputCostPerToken float64 `json:"output_cost_per_token"`
}

// Registry is a concurrency-safe price table keyed by "provider/model" or
// bare model name.
type Registry struct {
	mu     sync.RWMutex
	prices map[string]ModelPrice
}

// NewRegistry returns a registry preloaded with the embedded defaults.
func NewRegistry() *Registry {
	r := &Registry{prices: make(map[string]ModelPrice)}
	if err := r.loadBytes(defaultPrices); err != nil {
		panic(fmt.Sprintf("pricing: embedded defaults: %v", err))
	}
	return r
}

// Load merges prices from a JSON file over the current table.
func (r *Registry) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("pricing: read %s: %w", path, err)
	}
	if err := r.loadBytes(data); err != nil {
		return fmt.Errorf("pricing: parse %s: %w", path, err)
	}
	return nil
}

func (r *Registry) loadBytes(data []byte) error {
	var prices map[string]ModelPrice
	if err := json.Unmarshal(data, &prices); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range prices {
		r.prices[k] = v
	}
	return nil
}

// Lookup tries "provider/model" first, then the bare model name.
func (r *Registry) Lookup(provider, model string) (ModelPrice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if provider != "" {
		if p, ok := r.prices[provider+"/"+model]; ok {
			return p, true
		}
	}
	p, ok := r.prices[model]
	return p, ok
}

// Cost returns the USD cost of a completed call. Unknown models cost zero.
func (r *Registry) Cost(provider, model string, inputTokens, outputTokens int) float64 {
	p, ok := r.Lookup(provider, model)
	if !ok {
		return 0
	}
	return float64(inputTokens)*p.InputCostPerToken + float64(outputTokens)*p.OutputCostPerToken
}

// PerToken returns the blended input+output price used to rank candidates.
func (r *Registry) PerToken(provider, model string) (float64, bool) {
	p, ok := r.Lookup(provider, model)
	if !ok {
		return 0, false
	}
	return p.InputCostPerToken + p.OutputCostPerToken, true
}
