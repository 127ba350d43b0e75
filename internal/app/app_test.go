package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/routegate/internal/accounts"
	"github.com/nulpointcorp/routegate/internal/config"
)

func TestRedactURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"redis://:secret@localhost:6379", "redis://***@localhost:6379"},
		{"clickhouse://user:pw@ch:9000/db", "clickhouse://***@ch:9000/db"},
		{"redis://localhost:6379", "redis://localhost:6379"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := redactURL(tt.in); got != tt.want {
			t.Errorf("redactURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildProviders(t *testing.T) {
	provs, err := buildProviders(context.Background(), []config.ProviderConfig{
		{Name: "openai", Type: config.TypeOpenAI, APIKey: "sk"},
		{Name: "groq", Type: config.TypeOpenAICompatible, APIKey: "gsk", BaseURL: "https://api.groq.com/openai/v1"},
		{Name: "azure", Type: config.TypeAzure, APIKey: "az", BaseURL: "https://x.openai.azure.com", APIVersion: "2024-12-01-preview"},
		{Name: "anthropic", Type: config.TypeAnthropic, APIKey: "sk-ant"},
		{Name: "ollama", Type: config.TypeOllama, BaseURL: "http://localhost:11434"},
		{Name: "connect", Type: config.TypeConnect, BaseURL: "http://localhost:9090"},
	}, slog.Default())
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if len(provs) != 6 {
		t.Fatalf("got %d providers, want 6", len(provs))
	}
	if got := provs["groq"].Name(); got != "groq" {
		t.Errorf("groq adapter name = %q", got)
	}
	if got := providerNames(provs); got[0] != "anthropic" || got[len(got)-1] != "openai" {
		t.Errorf("providerNames not sorted: %v", got)
	}
}

func TestBuildProviders_UnknownType(t *testing.T) {
	_, err := buildProviders(context.Background(), []config.ProviderConfig{{Name: "x", Type: "smoke-signals"}}, slog.Default())
	if err == nil {
		t.Fatal("expected error for unknown provider type")
	}
}

// fakeOpenAI answers the two endpoints the openai adapter uses.
func fakeOpenAI(t *testing.T, auth *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/models") {
			_, _ = io.WriteString(w, `{"object":"list","data":[]}`)
			return
		}
		auth.Store(r.Header.Get("Authorization"))

		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 0,
			"model":   req.Model,
			"choices": []any{map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": "hi there"},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, upstream string) *config.Config {
	t.Helper()
	routing := filepath.Join(t.TempDir(), "routing.yaml")
	data := `
aliases:
  - pattern: fast
    target: openai/gpt-4o-mini
combos:
  - name: fallback-gpt
    models:
      - model: openai/gpt-4o
budgets:
  team-a: {daily_limit_usd: 10}
profiles:
  openai: {failure_threshold: 2}
`
	if err := os.WriteFile(routing, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	return &config.Config{
		Port:     0,
		LogLevel: "error",
		Providers: []config.ProviderConfig{
			{Name: "openai", Type: config.TypeOpenAI, APIKey: "sk-env", BaseURL: upstream},
		},
		Cache: config.CacheConfig{Mode: "memory", TTL: time.Minute, MaxEntries: 100},
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			FailureWindow:    time.Minute,
			ResetTimeout:     30 * time.Second,
		},
		RateLimit: config.RateLimitConfig{
			Window:            time.Minute,
			Cooldown:          10 * time.Second,
			TransientCooldown: 2 * time.Second,
			MaxBackoffLevel:   5,
		},
		Lockout:         config.LockoutConfig{Threshold: 10, Window: 5 * time.Minute, Duration: 15 * time.Minute},
		Failover:        config.FailoverConfig{MaxRetries: 2, ProviderTimeout: 5 * time.Second},
		Auth:            config.AuthConfig{AdminToken: "admin"},
		RoutingFile:     routing,
		AccountStrategy: accounts.FillFirst,
	}
}

func serveApp(t *testing.T, a *App) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = fasthttp.Serve(ln, a.Handler()) }()
	t.Cleanup(func() { ln.Close() })
	return &http.Client{Transport: &http.Transport{
		DialContext: func(context.Context, string, string) (net.Conn, error) { return ln.Dial() },
	}}
}

func TestNew_WiresRoutingFile(t *testing.T) {
	var auth atomic.Value
	upstream := fakeOpenAI(t, &auth)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(ctx, testConfig(t, upstream.URL), log, "test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if got := a.comps.Resilience.Profiles.Get("openai").FailureThreshold; got != 2 {
		t.Errorf("openai failure_threshold = %d, want 2", got)
	}
	if st := a.comps.Resilience.Budgets.Status("team-a"); st.Limits.DailyUSD != 10 {
		t.Errorf("team-a budget = %+v", st.Limits)
	}

	client := serveApp(t, a)
	for _, model := range []string{"fast", "fallback-gpt", "openai/gpt-4o"} {
		body := `{"model":"` + model + `","messages":[{"role":"user","content":"hello"}]}`
		resp, err := client.Post("http://gw/v1/chat/completions", "application/json", bytes.NewReader([]byte(body)))
		if err != nil {
			t.Fatal(err)
		}
		out, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status = %d: %s", model, resp.StatusCode, out)
		}
		if !strings.Contains(string(out), "hi there") {
			t.Errorf("%s: body = %s", model, out)
		}
	}
	if got, _ := auth.Load().(string); got != "Bearer sk-env" {
		t.Errorf("upstream Authorization = %q, want the env account key", got)
	}

	req, _ := http.NewRequest(http.MethodGet, "http://gw/admin/status", nil)
	req.Header.Set("Authorization", "Bearer admin")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("admin status = %d, want 200", resp.StatusCode)
	}

	resp, err = client.Get("http://gw/metrics")
	if err != nil {
		t.Fatal(err)
	}
	metricsBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(metricsBody), "routegate_") {
		t.Error("metrics endpoint should expose routegate_ series")
	}
}

func TestNew_BadRoutingFile(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	if err := os.WriteFile(cfg.RoutingFile, []byte("combos:\n  - name: loop\n    models: [{model: loop}]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), "test"); err == nil {
		t.Fatal("expected a self-referencing combo to fail startup")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	var auth atomic.Value
	cfg := testConfig(t, fakeOpenAI(t, &auth).URL)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Port = ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	a, err := New(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), "test")
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
