package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nulpointcorp/routegate/internal/accounts"
	"github.com/nulpointcorp/routegate/internal/combo"
	"github.com/nulpointcorp/routegate/internal/resilience"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.Cache.Mode != "memory" || cfg.Cache.TTL != time.Hour {
		t.Errorf("Cache = %+v", cfg.Cache)
	}
	if cfg.AccountStrategy != accounts.P2C {
		t.Errorf("AccountStrategy = %q, want p2c", cfg.AccountStrategy)
	}
	if cfg.Failover.MaxRetries != 3 || cfg.Failover.ProviderTimeout != 30*time.Second {
		t.Errorf("Failover = %+v", cfg.Failover)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].Name != "openai" || cfg.Providers[0].Type != TypeOpenAI {
		t.Errorf("Providers = %+v", cfg.Providers)
	}

	prof := cfg.Profile()
	if prof.FailureThreshold != 5 || prof.ResetTimeoutMs != 30_000 || prof.RateLimitCooldownMs != 10_000 {
		t.Errorf("Profile = %+v", prof)
	}
	if err := prof.Validate(); err != nil {
		t.Errorf("default profile invalid: %v", err)
	}
	if lp := cfg.LockoutPolicy(); lp.Threshold != 10 || lp.Duration != 15*time.Minute {
		t.Errorf("LockoutPolicy = %+v", lp)
	}
}

func TestLoad_NoProvider(t *testing.T) {
	t.Chdir(t.TempDir())
	if _, err := Load(); err == nil {
		t.Fatal("expected error without any provider")
	}
}

func TestLoad_RoutingFileIsEnough(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ROUTING_FILE", "routing.yaml")
	if _, err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"cache mode":     {"CACHE_MODE", "disk"},
		"log level":      {"LOG_LEVEL", "trace"},
		"max retries":    {"MAX_RETRIES", "0"},
		"strategy":       {"ACCOUNT_STRATEGY", "fastest"},
		"breaker":        {"CB_FAILURE_THRESHOLD", "0"},
		"redis required": {"CACHE_MODE", "redis"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv("OPENAI_API_KEY", "sk-test")
			t.Setenv(kv[0], kv[1])
			if _, err := Load(); err == nil {
				t.Errorf("%s=%s: expected error", kv[0], kv[1])
			}
		})
	}
}

func TestLoad_DotEnvAndLists(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	env := "ANTHROPIC_API_KEY=sk-ant\nCLIENT_API_KEYS=team-a:k1,k2\nCACHE_EXCLUDE=gpt-4o-realtime*, *-preview\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.Unsetenv("ANTHROPIC_API_KEY")
		os.Unsetenv("CLIENT_API_KEYS")
		os.Unsetenv("CACHE_EXCLUDE")
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Auth.ClientKeys["k1"]; got != "team-a" {
		t.Errorf("ClientKeys[k1] = %q, want team-a", got)
	}
	if got := cfg.Auth.ClientKeys["k2"]; got != "k2" {
		t.Errorf("ClientKeys[k2] = %q, want k2", got)
	}
	if len(cfg.Cache.Exclude) != 2 || cfg.Cache.Exclude[1] != "*-preview" {
		t.Errorf("Cache.Exclude = %q", cfg.Cache.Exclude)
	}
}

func TestLoad_CompatibleAndAzure(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GROQ_API_KEY", "gsk")
	t.Setenv("AZURE_OPENAI_API_KEY", "az")
	t.Setenv("AZURE_OPENAI_ENDPOINT", "https://res.openai.azure.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	byName := map[string]ProviderConfig{}
	for _, p := range cfg.Providers {
		byName[p.Name] = p
	}
	if g := byName["groq"]; g.Type != TypeOpenAICompatible || g.BaseURL != "https://api.groq.com/openai/v1" {
		t.Errorf("groq = %+v", g)
	}
	if a := byName["azure"]; a.APIVersion != "2024-12-01-preview" {
		t.Errorf("azure api version = %q", a.APIVersion)
	}
}

const routingYAML = `
providers:
  - name: local
    type: openai-compatible
    base_url: http://localhost:8000/v1
  - name: openai
    base_url: http://proxy.internal/v1
accounts:
  - provider: openai
    name: team-a
    api_key: sk-a
    priority: 1
  - provider: openai
    name: team-b
    api_key: sk-b
    enabled: false
  - provider: anthropic
    name: main
    api_key: sk-ant
aliases:
  - pattern: "claude-*"
    target: anthropic/claude-sonnet-4-5
  - pattern: gpt4
    target: openai/gpt-4o
combos:
  - name: fallback-gpt
    strategy: priority
    models:
      - openai/gpt-4o
      - model: local/llama3
        weight: 2
budgets:
  team-a:
    daily_limit_usd: 10
    monthly_limit_usd: 200
    warning_threshold: 0.8
profiles:
  openai:
    failure_threshold: 2
cache_exclude: ["*-realtime"]
`

func TestParseRouting(t *testing.T) {
	base := resilience.DefaultProfile()
	r, err := ParseRouting([]byte(routingYAML), base)
	if err != nil {
		t.Fatalf("ParseRouting: %v", err)
	}

	if len(r.Accounts) != 3 {
		t.Fatalf("accounts = %d, want 3", len(r.Accounts))
	}
	if !r.Accounts[0].Enabled || r.Accounts[1].Enabled {
		t.Errorf("enabled defaults wrong: %+v", r.Accounts)
	}
	if r.Providers[1].Type != TypeOpenAI {
		t.Errorf("implied type = %q, want openai", r.Providers[1].Type)
	}
	if len(r.Combos) != 1 || r.Combos[0].Models[1].Weight != 2 || r.Combos[0].Models[0].Weight != 1 {
		t.Errorf("combos = %+v", r.Combos)
	}
	if l := r.Budgets["team-a"]; l.DailyUSD != 10 || l.WarningThreshold != 0.8 {
		t.Errorf("budget = %+v", l)
	}

	prof := r.Profiles["openai"]
	if prof.FailureThreshold != 2 {
		t.Errorf("FailureThreshold = %d, want 2", prof.FailureThreshold)
	}
	if prof.ResetTimeoutMs != base.ResetTimeoutMs {
		t.Errorf("ResetTimeoutMs = %d, want inherited %d", prof.ResetTimeoutMs, base.ResetTimeoutMs)
	}
	if len(r.CacheExclude) != 1 {
		t.Errorf("CacheExclude = %q", r.CacheExclude)
	}
}

func TestParseRouting_Rejects(t *testing.T) {
	cases := map[string]string{
		"cycle": `
combos:
  - name: a
    models: [b]
  - name: b
    models: [a]
`,
		"empty alias target": `
aliases:
  - pattern: x
    target: ""
`,
		"bad profile": `
profiles:
  openai:
    failure_threshold: 0
`,
		"unknown field": `
routes: []
`,
		"duplicate account": `
accounts:
  - {provider: openai, name: a}
  - {provider: openai, name: a}
`,
		"bad provider type": `
providers:
  - name: x
    type: grpc
`,
		"negative budget": `
budgets:
  k: {daily_limit_usd: -1}
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseRouting([]byte(doc), resilience.DefaultProfile()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseRouting_CycleIsValidationError(t *testing.T) {
	doc := "combos:\n  - name: a\n    models: [a]\n"
	_, err := ParseRouting([]byte(doc), resilience.DefaultProfile())
	if !errors.Is(err, combo.ErrCycle) {
		t.Errorf("err = %v, want ErrCycle", err)
	}
}

func TestParseRouting_Empty(t *testing.T) {
	r, err := ParseRouting(nil, resilience.DefaultProfile())
	if err != nil {
		t.Fatalf("ParseRouting(nil): %v", err)
	}
	if len(r.Accounts) != 0 || len(r.Combos) != 0 {
		t.Errorf("expected empty routing, got %+v", r)
	}
}

func TestLoadRouting_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.yaml")
	if err := os.WriteFile(path, []byte(routingYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRouting(path, resilience.DefaultProfile()); err != nil {
		t.Fatalf("LoadRouting: %v", err)
	}
	if _, err := LoadRouting(filepath.Join(t.TempDir(), "missing.yaml"), resilience.DefaultProfile()); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestMergeProvidersAndAccounts(t *testing.T) {
	r, err := ParseRouting([]byte(routingYAML), resilience.DefaultProfile())
	if err != nil {
		t.Fatal(err)
	}
	env := []ProviderConfig{{Name: "openai", Type: TypeOpenAI, APIKey: "sk-env"}}

	provs, err := MergeProviders(env, r)
	if err != nil {
		t.Fatalf("MergeProviders: %v", err)
	}
	byName := map[string]ProviderConfig{}
	for _, p := range provs {
		byName[p.Name] = p
	}
	if o := byName["openai"]; o.APIKey != "sk-env" || o.BaseURL != "http://proxy.internal/v1" {
		t.Errorf("openai merged = %+v", o)
	}
	if a, ok := byName["anthropic"]; !ok || a.Type != TypeAnthropic {
		t.Errorf("anthropic implied by account = %+v, %v", a, ok)
	}
	if _, ok := byName["local"]; !ok {
		t.Error("local provider missing")
	}

	accs := Accounts(provs, r)
	ids := map[string]bool{}
	for _, a := range accs {
		ids[a.Provider+"|"+a.Name] = true
	}
	if !ids["openai|env"] {
		t.Error("env account for openai missing")
	}
	if ids["anthropic|env"] {
		t.Error("keyless anthropic should not get an env account when accounts are declared")
	}
	if !ids["local|env"] {
		t.Error("keyless local provider without accounts needs an env account")
	}
	if _, err := accounts.NewStore(accs); err != nil {
		t.Errorf("accounts do not form a valid store: %v", err)
	}
}

func TestMergeProviders_UnknownAccountProvider(t *testing.T) {
	r := &Routing{Accounts: []accounts.Account{{Provider: "mystery", Name: "x"}}}
	if _, err := MergeProviders(nil, r); err == nil {
		t.Error("expected error for an account of an undeclared provider")
	}
}
