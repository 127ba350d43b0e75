package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/nulpointcorp/routegate/internal/accounts"
	"github.com/nulpointcorp/routegate/internal/alias"
	"github.com/nulpointcorp/routegate/internal/combo"
	"github.com/nulpointcorp/routegate/internal/resilience"
)

// Routing is the content of the routing file.
//
//	providers:
//	  - name: local
//	    type: openai-compatible
//	    base_url: http://localhost:8000/v1
//	accounts:
//	  - provider: openai
//	    name: team-a
//	    api_key: sk-...
//	aliases:
//	  - pattern: "claude-*"
//	    target: anthropic/claude-sonnet-4-5
//	combos:
//	  - name: fallback-gpt
//	    models: [openai/gpt-4o, azure/gpt-4o]
//	budgets:
//	  team-a: {daily_limit_usd: 10, monthly_limit_usd: 200}
//	profiles:
//	  openai: {failure_threshold: 3}
type Routing struct {
	Providers []ProviderConfig
	Accounts  []accounts.Account
	Aliases   []alias.Alias
	Combos    []combo.Combo
	Budgets   map[string]resilience.Limits
	Profiles  map[string]resilience.Profile

	// CacheExclude is appended to CACHE_EXCLUDE.
	CacheExclude []string
}

type accountFields struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`
	Name     string `yaml:"name"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Priority int    `yaml:"priority"`
	Enabled  *bool  `yaml:"enabled"`
}

type routingFile struct {
	Providers    []ProviderConfig             `yaml:"providers"`
	Accounts     []accountFields              `yaml:"accounts"`
	Aliases      []alias.Alias                `yaml:"aliases"`
	Combos       []combo.Combo                `yaml:"combos"`
	Budgets      map[string]resilience.Limits `yaml:"budgets"`
	Profiles     map[string]yaml.Node         `yaml:"profiles"`
	CacheExclude []string                     `yaml:"cache_exclude"`
}

// LoadRouting reads and validates the routing file at path. Profiles are
// partial: unset fields inherit from base.
func LoadRouting(path string, base resilience.Profile) (*Routing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read routing file: %w", err)
	}
	r, err := ParseRouting(data, base)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return r, nil
}

// ParseRouting decodes and validates routing YAML.
func ParseRouting(data []byte, base resilience.Profile) (*Routing, error) {
	var raw routingFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse routing: %w", err)
	}

	r := &Routing{
		Providers:    raw.Providers,
		Aliases:      raw.Aliases,
		Combos:       raw.Combos,
		Budgets:      raw.Budgets,
		Profiles:     make(map[string]resilience.Profile, len(raw.Profiles)),
		CacheExclude: raw.CacheExclude,
	}

	for i, p := range r.Providers {
		if p.Name == "" {
			return nil, fmt.Errorf("providers[%d]: name is required", i)
		}
		if p.Type == "" {
			r.Providers[i].Type = TypeOf(p.Name)
		}
		if !knownType(r.Providers[i].Type) {
			return nil, fmt.Errorf("provider %s: unknown type %q", p.Name, p.Type)
		}
	}

	for _, a := range raw.Accounts {
		enabled := true
		if a.Enabled != nil {
			enabled = *a.Enabled
		}
		r.Accounts = append(r.Accounts, accounts.Account{
			ID:       a.ID,
			Provider: a.Provider,
			Name:     a.Name,
			APIKey:   a.APIKey,
			BaseURL:  a.BaseURL,
			Priority: a.Priority,
			Enabled:  enabled,
		})
	}

	names := make([]string, 0, len(raw.Profiles))
	for name := range raw.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		node := raw.Profiles[name]
		prof := base
		if err := node.Decode(&prof); err != nil {
			return nil, fmt.Errorf("profile %s: %w", name, err)
		}
		if err := prof.Validate(); err != nil {
			return nil, fmt.Errorf("profile %s: %w", name, err)
		}
		r.Profiles[name] = prof
	}

	if err := alias.Validate(r.Aliases); err != nil {
		return nil, err
	}
	if _, err := combo.NewStore(r.Combos); err != nil {
		return nil, err
	}
	if _, err := accounts.NewStore(r.Accounts); err != nil {
		return nil, err
	}
	for key, l := range r.Budgets {
		if err := l.Validate(); err != nil {
			return nil, fmt.Errorf("budget %s: %w", key, err)
		}
	}
	return r, nil
}

// TypeOf returns the adapter type implied by a well-known provider name.
// Unknown names are assumed to be OpenAI-compatible.
func TypeOf(name string) string {
	switch name {
	case "openai":
		return TypeOpenAI
	case "anthropic", "claude":
		return TypeAnthropic
	case "gemini", "google":
		return TypeGemini
	case "vertexai", "vertex":
		return TypeVertexAI
	case "azure":
		return TypeAzure
	case "ollama":
		return TypeOllama
	case "connect":
		return TypeConnect
	}
	return TypeOpenAICompatible
}

func knownType(t string) bool {
	switch t {
	case TypeOpenAI, TypeAnthropic, TypeGemini, TypeVertexAI, TypeAzure,
		TypeOpenAICompatible, TypeOllama, TypeConnect:
		return true
	}
	return false
}

// MergeProviders combines env-configured providers with the routing file.
// Routing entries override env entries of the same name field by field; a
// provider referenced only by accounts is added with its implied type.
func MergeProviders(env []ProviderConfig, r *Routing) ([]ProviderConfig, error) {
	byName := make(map[string]int, len(env))
	out := make([]ProviderConfig, 0, len(env))
	for _, p := range env {
		byName[p.Name] = len(out)
		out = append(out, p)
	}
	if r == nil {
		return out, nil
	}

	for _, p := range r.Providers {
		i, ok := byName[p.Name]
		if !ok {
			byName[p.Name] = len(out)
			out = append(out, p)
			continue
		}
		cur := &out[i]
		cur.Type = p.Type
		overlay(&cur.APIKey, p.APIKey)
		overlay(&cur.BaseURL, p.BaseURL)
		overlay(&cur.APIVersion, p.APIVersion)
		overlay(&cur.Project, p.Project)
		overlay(&cur.Location, p.Location)
	}

	for _, a := range r.Accounts {
		if _, ok := byName[a.Provider]; ok {
			continue
		}
		t := TypeOf(a.Provider)
		if t == TypeOpenAICompatible && a.BaseURL == "" {
			return nil, fmt.Errorf("config: account %s references unknown provider %q; declare it under providers", a.Name, a.Provider)
		}
		byName[a.Provider] = len(out)
		out = append(out, ProviderConfig{Name: a.Provider, Type: t})
	}
	return out, nil
}

func overlay(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Accounts returns the accounts of every provider: one implicit "env"
// account per provider with credentials on the ProviderConfig, followed by
// the routing file's accounts.
func Accounts(provs []ProviderConfig, r *Routing) []accounts.Account {
	var out []accounts.Account
	declared := make(map[string]bool)
	if r != nil {
		for _, a := range r.Accounts {
			declared[a.Provider] = true
		}
	}
	for _, p := range provs {
		// Keyless providers (ollama, vertex ADC) still need one account to
		// dispatch through.
		if p.APIKey == "" && declared[p.Name] {
			continue
		}
		out = append(out, accounts.Account{
			ID:       p.Name + "/env",
			Provider: p.Name,
			Name:     "env",
			APIKey:   p.APIKey,
			Enabled:  true,
		})
	}
	if r != nil {
		out = append(out, r.Accounts...)
	}
	return out
}
