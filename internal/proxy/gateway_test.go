package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/routegate/internal/cache"
	"github.com/nulpointcorp/routegate/internal/combo"
	"github.com/nulpointcorp/routegate/internal/logger"
	"github.com/nulpointcorp/routegate/internal/pricing"
	"github.com/nulpointcorp/routegate/internal/providers"
	"github.com/nulpointcorp/routegate/internal/resilience"
	"github.com/nulpointcorp/routegate/internal/translator"
)

// --- helpers ----------------------------------------------------------------

// okProvider always returns a successful response.
func okProvider(name string) *funcProvider {
	return &funcProvider{
		name: name,
		requestFn: func(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			return &providers.ProxyResponse{
				ID:      "resp-" + req.RequestID,
				Model:   req.Envelope.Model,
				Content: "hello from " + name,
				Usage:   providers.Usage{InputTokens: 10, OutputTokens: 5},
			}, nil
		},
	}
}

// countingProvider wraps okProvider and counts calls.
func countingProvider(name string, calls *atomic.Int32) *funcProvider {
	ok := okProvider(name)
	return &funcProvider{
		name: name,
		requestFn: func(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			calls.Add(1)
			return ok.requestFn(ctx, req)
		},
	}
}

// failingProvider always fails with the given upstream status.
func failingProvider(name string, status int, calls *atomic.Int32) *funcProvider {
	return &funcProvider{
		name: name,
		requestFn: func(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			if calls != nil {
				calls.Add(1)
			}
			return nil, &providerError{status: status, msg: name + " failed"}
		},
	}
}

func newTestGateway(t *testing.T, c Components, opts GatewayOptions) *Gateway {
	t.Helper()
	gw := NewGateway(context.Background(), c, opts)
	t.Cleanup(gw.Close)
	return gw
}

// serveGateway starts a fasthttp server on an in-memory listener with the
// gateway's full handler. Returns an HTTP client that routes to it,
// and a cleanup function.
func serveGateway(t *testing.T, gw *Gateway) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, gw.Handler())
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return client, func() { ln.Close() }
}

// doPost sends a POST request via the in-memory listener client.
func doPost(t *testing.T, client *http.Client, path string, body []byte) *http.Response {
	t.Helper()
	return doCall(t, client, http.MethodPost, path, body, nil)
}

// doCall sends an arbitrary request with extra headers.
func doCall(t *testing.T, client *http.Client, method, path string, body []byte, hdr map[string]string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, "http://test"+path, r)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

// readBody reads and returns the full response body.
func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func decodeError(t *testing.T, body []byte) errorBody {
	t.Helper()
	var e errorBody
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("failed to parse error response %q: %v", body, err)
	}
	return e
}

const chatBody = `{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`

// --- NewGateway tests -------------------------------------------------------

func TestNewGateway_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil context")
		}
	}()
	NewGateway(nil, Components{}, GatewayOptions{})
}

func TestNewGateway_Defaults(t *testing.T) {
	gw := newTestGateway(t, Components{}, GatewayOptions{})

	if gw.health != nil {
		t.Error("health checker should be nil when no providers")
	}
	if gw.maxRetries != providers.MaxRetries {
		t.Errorf("maxRetries = %d, want %d", gw.maxRetries, providers.MaxRetries)
	}
	if gw.providerTimeout != providers.ProviderTimeout {
		t.Errorf("providerTimeout = %v, want %v", gw.providerTimeout, providers.ProviderTimeout)
	}
	if gw.policy == nil || gw.res == nil || gw.accounts == nil || gw.combos == nil || gw.tr == nil {
		t.Error("required collaborators should be defaulted")
	}
}

func TestNewGateway_WithProviders(t *testing.T) {
	gw := newTestGateway(t, Components{
		Providers: map[string]providers.Provider{"openai": okProvider("openai")},
	}, GatewayOptions{MaxRetries: 5, ProviderTimeout: time.Second})

	if gw.health == nil {
		t.Error("health checker should be created when providers exist")
	}
	if gw.maxRetries != 5 || gw.providerTimeout != time.Second {
		t.Errorf("options not applied: retries=%d timeout=%v", gw.maxRetries, gw.providerTimeout)
	}
}

// --- input validation (no upstream involved) ---------------------------------

func TestRouteRequest_InputErrors(t *testing.T) {
	gw := newTestGateway(t, Components{
		Providers: map[string]providers.Provider{"openai": okProvider("openai")},
	}, GatewayOptions{})

	tests := []struct {
		name string
		body string
	}{
		{"empty body", ``},
		{"invalid json", `{invalid`},
		{"no messages", `{"model":"gpt-4o"}`},
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`},
		{"unknown provider", `{"model":"mystery/foo","messages":[{"role":"user","content":"hi"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := newRequestCtx("/v1/chat/completions", []byte(tt.body))
			gw.routeRequest(ctx, routeOptions{hint: translator.OpenAI})

			if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
			}
			if e := decodeError(t, ctx.Response.Body()); e.Error.Code != "invalid_request" {
				t.Errorf("code = %q, want invalid_request", e.Error.Code)
			}
		})
	}
}

func TestRouteRequest_InputErrorsCountAgainstKey(t *testing.T) {
	res := resilience.NewRegistry(resilience.Options{
		Lockout: resilience.LockoutConfig{Threshold: 2, Window: time.Minute, Duration: time.Minute},
	})
	gw := newTestGateway(t, Components{
		Providers:  map[string]providers.Provider{"openai": okProvider("openai")},
		Resilience: res,
	}, GatewayOptions{})

	for range 2 {
		ctx := newRequestCtx("/v1/chat/completions", []byte(`{invalid`))
		ctx.SetUserValue(userValueAPIKeyID, "team-a")
		gw.routeRequest(ctx, routeOptions{hint: translator.OpenAI})
	}

	if locked, _ := res.Lockouts.Check(resilience.APIKeyKey("team-a")); !locked {
		t.Error("repeated malformed requests should lock the key")
	}
}

// --- end-to-end via the handler -----------------------------------------------

func TestRouteRequest_Success(t *testing.T) {
	gw := newTestGateway(t, Components{
		Providers: map[string]providers.Provider{"openai": okProvider("openai")},
	}, GatewayOptions{})

	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat/completions", []byte(chatBody))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if out.Object != "chat.completion" {
		t.Errorf("expected object=chat.completion, got %s", out.Object)
	}
	if len(out.Choices) != 1 {
		t.Fatalf("expected 1 choice, got %d", len(out.Choices))
	}
	if out.Choices[0].Message.Content != "hello from openai" {
		t.Errorf("content = %q", out.Choices[0].Message.Content)
	}
	if out.Choices[0].FinishReason != "stop" {
		t.Errorf("expected finish_reason=stop, got %s", out.Choices[0].FinishReason)
	}
	if out.Usage.TotalTokens != 15 {
		t.Errorf("expected total_tokens=15, got %d", out.Usage.TotalTokens)
	}
	if got := resp.Header.Get("X-Gateway-Provider"); got != "openai" {
		t.Errorf("X-Gateway-Provider = %q", got)
	}
	if got := resp.Header.Get("X-Gateway-Attempts"); got != "1" {
		t.Errorf("X-Gateway-Attempts = %q", got)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID to be set")
	}
}

func TestRouteRequest_ClaudeClientToOpenAIProvider(t *testing.T) {
	gw := newTestGateway(t, Components{
		Providers: map[string]providers.Provider{"openai": okProvider("openai")},
	}, GatewayOptions{})

	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/messages",
		[]byte(`{"model":"openai/gpt-4o","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Type    string `json:"type"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Type != "message" || len(out.Content) != 1 || out.Content[0].Text != "hello from openai" {
		t.Errorf("unexpected claude response: %s", body)
	}
	if out.StopReason != "end_turn" {
		t.Errorf("stop_reason = %q, want end_turn", out.StopReason)
	}
}

func TestRouteRequest_GeminiPathModel(t *testing.T) {
	var gotModel string
	gem := &funcProvider{
		name:   "gemini",
		format: translator.Gemini,
		requestFn: func(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			gotModel = req.Envelope.Model
			return &providers.ProxyResponse{Content: "from gemini", Usage: providers.Usage{InputTokens: 1, OutputTokens: 2}}, nil
		},
	}
	gw := newTestGateway(t, Components{
		Providers: map[string]providers.Provider{"gemini": gem},
	}, GatewayOptions{})

	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1beta/models/gemini-2.0-flash:generateContent",
		[]byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if gotModel != "gemini-2.0-flash" {
		t.Errorf("upstream model = %q, want gemini-2.0-flash", gotModel)
	}

	var out struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Candidates) != 1 || out.Candidates[0].Content.Parts[0].Text != "from gemini" {
		t.Errorf("unexpected gemini response: %s", body)
	}
}

func TestRouteRequest_OllamaNonStreaming(t *testing.T) {
	gw := newTestGateway(t, Components{
		Providers: map[string]providers.Provider{"openai": okProvider("openai")},
	}, GatewayOptions{})

	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/api/chat",
		[]byte(`{"model":"openai/gpt-4o","stream":false,"messages":[{"role":"user","content":"hi"}]}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Done bool `json:"done"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if !out.Done || out.Message.Content != "hello from openai" {
		t.Errorf("unexpected ollama response: %s", body)
	}
}

func TestRouteRequest_CacheHit(t *testing.T) {
	var calls atomic.Int32
	store := cache.NewMemoryStore(context.Background(), 100)
	defer store.Close()

	gw := newTestGateway(t, Components{
		Providers: map[string]providers.Provider{"openai": countingProvider("openai", &calls)},
		Cache:     cache.NewResponses(store, time.Minute, nil),
	}, GatewayOptions{})

	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	reqBody := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"cached"}]}`)

	resp1 := doPost(t, client, "/v1/chat/completions", reqBody)
	readBody(t, resp1)
	if resp1.Header.Get("X-Cache") != xCacheMISS {
		t.Error("first request should be a cache MISS")
	}

	resp2 := doPost(t, client, "/v1/chat/completions", reqBody)
	readBody(t, resp2)
	if resp2.Header.Get("X-Cache") != xCacheHIT {
		t.Error("second request should be a cache HIT")
	}
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("expected 200 on cache hit, got %d", resp2.StatusCode)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("provider called %d times, want 1", n)
	}
}

func TestRouteRequest_CacheExcludedModel(t *testing.T) {
	var calls atomic.Int32
	store := cache.NewMemoryStore(context.Background(), 100)
	defer store.Close()

	el, err := cache.NewExclusionList([]string{"gpt-4o"})
	if err != nil {
		t.Fatal(err)
	}
	gw := newTestGateway(t, Components{
		Providers: map[string]providers.Provider{"openai": countingProvider("openai", &calls)},
		Cache:     cache.NewResponses(store, time.Minute, el),
	}, GatewayOptions{})

	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	reqBody := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"no-cache"}]}`)
	for range 2 {
		resp := doPost(t, client, "/v1/chat/completions", reqBody)
		readBody(t, resp)
		if resp.Header.Get("X-Cache") == xCacheHIT {
			t.Error("excluded model should never produce a cache HIT")
		}
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("provider called %d times, want 2", n)
	}
}

func streamingProvider(name string, chunks ...providers.StreamChunk) *funcProvider {
	return &funcProvider{
		name: name,
		requestFn: func(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			ch := make(chan providers.StreamChunk, len(chunks))
			for _, c := range chunks {
				ch <- c
			}
			close(ch)
			return &providers.ProxyResponse{ID: "stream-resp", Model: req.Envelope.Model, Stream: ch}, nil
		},
	}
}

func readSSEData(t *testing.T, resp *http.Response) []string {
	t.Helper()
	defer resp.Body.Close()
	scanner := bufio.NewScanner(resp.Body)
	var data []string
	for scanner.Scan() {
		if line, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
			data = append(data, line)
		}
	}
	return data
}

func TestRouteRequest_StreamingResponse(t *testing.T) {
	gw := newTestGateway(t, Components{
		Providers: map[string]providers.Provider{
			"openai": streamingProvider("openai",
				providers.StreamChunk{Content: "hello "},
				providers.StreamChunk{Content: "world"},
				providers.StreamChunk{FinishReason: "stop", Usage: &providers.Usage{InputTokens: 3, OutputTokens: 2}},
			),
		},
	}, GatewayOptions{})

	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"stream"}],"stream":true}`))

	if resp.StatusCode != http.StatusOK {
		body := readBody(t, resp)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Errorf("expected text/event-stream content type, got %s", ct)
	}

	data := readSSEData(t, resp)
	if len(data) == 0 {
		t.Fatal("expected at least one data line in SSE stream")
	}
	if last := data[len(data)-1]; last != "[DONE]" {
		t.Errorf("expected last SSE line to be [DONE], got %q", last)
	}
	joined := strings.Join(data, "\n")
	if !strings.Contains(joined, "hello ") || !strings.Contains(joined, "world") {
		t.Errorf("stream lost content: %s", joined)
	}
}

func TestRouteRequest_StalledStreamIsCutOff(t *testing.T) {
	stalled := make(chan providers.StreamChunk, 1)
	stalled <- providers.StreamChunk{Content: "partial"}
	t.Cleanup(func() { close(stalled) })

	gw := newTestGateway(t, Components{
		Providers: map[string]providers.Provider{
			"openai": &funcProvider{
				name: "openai",
				requestFn: func(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
					return &providers.ProxyResponse{Model: req.Envelope.Model, Stream: stalled}, nil
				},
			},
		},
	}, GatewayOptions{ProviderTimeout: 100 * time.Millisecond})

	client, cleanup := serveGateway(t, gw)
	defer cleanup()
	client.Timeout = 5 * time.Second

	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"stream"}],"stream":true}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readBody(t, resp))
	}

	start := time.Now()
	data := strings.Join(readSSEData(t, resp), "\n")
	if !strings.Contains(data, "partial") {
		t.Errorf("stream lost the relayed chunk: %s", data)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("stalled stream ran for %s", elapsed)
	}
}

func TestRouteRequest_StreamFailsBeforeFirstChunkFallsBack(t *testing.T) {
	store, err := combo.NewStore([]combo.Combo{{
		Name:   "chat-fast",
		Models: []combo.ModelEntry{{Model: "openai/gpt-4o", Weight: 1}, {Model: "anthropic/claude-sonnet-4", Weight: 1}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	gw := newTestGateway(t, Components{
		Providers: map[string]providers.Provider{
			"openai":    streamingProvider("openai", providers.StreamChunk{Err: &providerError{status: 503, msg: "overloaded"}}),
			"anthropic": streamingProvider("anthropic", providers.StreamChunk{Content: "rescued"}),
		},
		ComboStore: store,
	}, GatewayOptions{})

	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"model":"chat-fast","messages":[{"role":"user","content":"hi"}],"stream":true}`))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	if got := resp.Header.Get("X-Gateway-Provider"); got != "anthropic" {
		t.Errorf("X-Gateway-Provider = %q, want anthropic", got)
	}
	if got := resp.Header.Get("X-Gateway-Attempts"); got != "2" {
		t.Errorf("X-Gateway-Attempts = %q, want 2", got)
	}
	if data := strings.Join(readSSEData(t, resp), "\n"); !strings.Contains(data, "rescued") {
		t.Errorf("stream should carry the fallback content: %s", data)
	}
}

func TestRouteRequest_ProviderErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantRetry  string
	}{
		{"5xx maps to 502", &providerError{status: 500, msg: "boom"}, http.StatusBadGateway, ""},
		{"429 keeps retry hint", &providerError{status: 429, msg: "slow down", retry: 7 * time.Second}, http.StatusTooManyRequests, "7"},
		{"429 without hint", &providerError{status: 429, msg: "slow down"}, http.StatusTooManyRequests, "60"},
		{"400 is terminal", &providerError{status: 400, msg: "bad input"}, http.StatusBadRequest, ""},
		{"timeout maps to 504", context.DeadlineExceeded, http.StatusGatewayTimeout, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			prov := &funcProvider{
				name: "openai",
				requestFn: func(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
					calls.Add(1)
					return nil, tt.err
				},
			}
			gw := newTestGateway(t, Components{
				Providers: map[string]providers.Provider{"openai": prov},
			}, GatewayOptions{})

			client, cleanup := serveGateway(t, gw)
			defer cleanup()

			resp := doPost(t, client, "/v1/chat/completions", []byte(chatBody))
			body := readBody(t, resp)

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", resp.StatusCode, tt.wantStatus, body)
			}
			if got := resp.Header.Get("Retry-After"); got != tt.wantRetry {
				t.Errorf("Retry-After = %q, want %q", got, tt.wantRetry)
			}
			if calls.Load() != 1 {
				t.Errorf("single-target request should dispatch once, got %d", calls.Load())
			}
		})
	}
}

func TestRouteRequest_BudgetExceeded(t *testing.T) {
	var calls atomic.Int32
	res := resilience.NewRegistry(resilience.Options{})
	if err := res.Budgets.SetLimits("team-a", resilience.Limits{DailyUSD: 1}); err != nil {
		t.Fatal(err)
	}
	res.Budgets.RecordCost("team-a", 2)

	gw := newTestGateway(t, Components{
		Providers:  map[string]providers.Provider{"openai": countingProvider("openai", &calls)},
		Resilience: res,
	}, GatewayOptions{ClientKeys: map[string]string{"sk-test": "team-a"}})

	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doCall(t, client, http.MethodPost, "/v1/chat/completions", []byte(chatBody),
		map[string]string{"Authorization": "Bearer sk-test"})
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429: %s", resp.StatusCode, body)
	}
	if e := decodeError(t, body); e.Error.Code != "budget_exceeded" {
		t.Errorf("code = %q, want budget_exceeded", e.Error.Code)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("budget denial must carry Retry-After")
	}
	if resp.Header.Get("X-Policy-Phase") != "budget" {
		t.Errorf("X-Policy-Phase = %q", resp.Header.Get("X-Policy-Phase"))
	}
	if calls.Load() != 0 {
		t.Error("denied request must not reach the provider")
	}
}

func TestRouteRequest_ChargesBudget(t *testing.T) {
	res := resilience.NewRegistry(resilience.Options{})
	if err := res.Budgets.SetLimits("team-a", resilience.Limits{DailyUSD: 10}); err != nil {
		t.Fatal(err)
	}
	gw := newTestGateway(t, Components{
		Providers:  map[string]providers.Provider{"openai": okProvider("openai")},
		Resilience: res,
		Pricing:    pricing.NewRegistry(),
	}, GatewayOptions{ClientKeys: map[string]string{"sk-test": "team-a"}})

	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doCall(t, client, http.MethodPost, "/v1/chat/completions", []byte(chatBody),
		map[string]string{"Authorization": "Bearer sk-test"})
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if st := res.Budgets.Status("team-a"); st.DailySpend <= 0 {
		t.Errorf("daily spend = %v, want > 0", st.DailySpend)
	}
}

func TestRouteRequest_BudgetWarningHeader(t *testing.T) {
	res := resilience.NewRegistry(resilience.Options{})
	if err := res.Budgets.SetLimits("team-a", resilience.Limits{DailyUSD: 10, WarningThreshold: 0.8}); err != nil {
		t.Fatal(err)
	}
	gw := newTestGateway(t, Components{
		Providers:  map[string]providers.Provider{"openai": okProvider("openai")},
		Resilience: res,
	}, GatewayOptions{ClientKeys: map[string]string{"sk-test": "team-a"}})

	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	call := func() *http.Response {
		resp := doCall(t, client, http.MethodPost, "/v1/chat/completions", []byte(chatBody),
			map[string]string{"Authorization": "Bearer sk-test"})
		readBody(t, resp)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		return resp
	}

	if got := call().Header.Get("X-Budget-Warning"); got != "" {
		t.Errorf("below threshold: X-Budget-Warning = %q, want unset", got)
	}

	res.Budgets.RecordCost("team-a", 9)
	if got := call().Header.Get("X-Budget-Warning"); got != "true" {
		t.Errorf("above threshold: X-Budget-Warning = %q, want true", got)
	}
}

func TestRouteRequest_PolicyDenials(t *testing.T) {
	tests := []struct {
		name     string
		prepare  func(*resilience.Registry)
		wantCode string
	}{
		{
			name: "model locked",
			prepare: func(r *resilience.Registry) {
				for range r.Lockouts.Config().Threshold {
					r.Lockouts.RecordFailedAttempt(resilience.ModelKey("openai", "gpt-4o"))
				}
			},
			wantCode: "no_available_provider",
		},
		{
			name: "circuit open",
			prepare: func(r *resilience.Registry) {
				for range r.Profiles.Get("openai").FailureThreshold {
					r.Breakers.RecordFailure("openai")
				}
			},
			wantCode: "circuit_open",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			res := resilience.NewRegistry(resilience.Options{})
			tt.prepare(res)

			gw := newTestGateway(t, Components{
				Providers:  map[string]providers.Provider{"openai": countingProvider("openai", &calls)},
				Resilience: res,
			}, GatewayOptions{})

			client, cleanup := serveGateway(t, gw)
			defer cleanup()

			resp := doPost(t, client, "/v1/chat/completions", []byte(chatBody))
			body := readBody(t, resp)

			if resp.StatusCode != http.StatusServiceUnavailable {
				t.Fatalf("status = %d, want 503: %s", resp.StatusCode, body)
			}
			if e := decodeError(t, body); e.Error.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", e.Error.Code, tt.wantCode)
			}
			if resp.Header.Get("Retry-After") == "" {
				t.Error("denial must carry Retry-After")
			}
			if calls.Load() != 0 {
				t.Error("denied request must not reach the provider")
			}
		})
	}
}

func TestLogRequest_NilTelemetry(t *testing.T) {
	gw := newTestGateway(t, Components{}, GatewayOptions{})
	// Should not panic when telemetry is not configured.
	gw.logRequest(logger.Event{RequestID: "req-1", Provider: "openai", Status: 200})
}

func TestChargeUsage_UnknownModelIsFree(t *testing.T) {
	gw := newTestGateway(t, Components{Pricing: pricing.NewRegistry()}, GatewayOptions{})
	if usd := gw.chargeUsage("team-a", "openai", "no-such-model", providers.Usage{InputTokens: 100}); usd != 0 {
		t.Errorf("cost = %v, want 0", usd)
	}
}
