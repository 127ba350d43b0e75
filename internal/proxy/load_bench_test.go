package proxy

// End-to-end benchmarks over the full HTTP pipeline: middleware, policy,
// walk, provider, encode. An in-memory listener keeps network I/O out of
// the numbers.
//
//	go test -bench=BenchmarkGateway -benchtime=10s -benchmem ./internal/proxy/

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/routegate/internal/cache"
	"github.com/nulpointcorp/routegate/internal/combo"
	"github.com/nulpointcorp/routegate/internal/providers"
)

// dialTransport dials the in-memory listener once per request so the numbers
// include connection setup.
type dialTransport struct {
	ln *fasthttputil.InmemoryListener
}

func (t *dialTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	conn, err := t.ln.Dial()
	if err != nil {
		return nil, err
	}
	tr := &http.Transport{
		DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
			return conn, nil
		},
	}
	return tr.RoundTrip(req)
}

// doRequest sends one chat completion for model and discards the body.
func doRequest(client *http.Client, model string) error {
	body := []byte(`{"model":"` + model + `","messages":[{"role":"user","content":"hi"}]}`)
	req, err := http.NewRequest(http.MethodPost, "http://bench/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}

func latencyStats(d []time.Duration) (p50, p95, p99 time.Duration) {
	if len(d) == 0 {
		return
	}
	sort.Slice(d, func(i, j int) bool { return d[i] < d[j] })
	n := len(d)
	p50 = d[n*50/100]
	p95 = d[int(math.Min(float64(n-1), float64(n*95/100)))]
	p99 = d[int(math.Min(float64(n-1), float64(n*99/100)))]
	return
}

func serveBench(b *testing.B, gw *Gateway) *http.Client {
	b.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: gw.Handler()}
	go func() { _ = srv.Serve(ln) }()
	b.Cleanup(func() {
		ln.Close()
		gw.Close()
	})
	return &http.Client{Transport: &dialTransport{ln: ln}}
}

// runLoad drives model through client at each concurrency level and reports
// latency percentiles.
func runLoad(b *testing.B, newClient func(b *testing.B) *http.Client, model string) {
	for _, concurrency := range []int{1, 50, 200} {
		b.Run(fmt.Sprintf("c%d", concurrency), func(b *testing.B) {
			client := newClient(b)
			if err := doRequest(client, model); err != nil {
				b.Fatalf("warmup: %v", err)
			}

			var (
				mu        sync.Mutex
				latencies = make([]time.Duration, 0, b.N)
				errCount  atomic.Int64
			)

			b.SetParallelism(concurrency)
			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					start := time.Now()
					if err := doRequest(client, model); err != nil {
						errCount.Add(1)
					}
					d := time.Since(start)
					mu.Lock()
					latencies = append(latencies, d)
					mu.Unlock()
				}
			})
			b.StopTimer()

			p50, p95, p99 := latencyStats(latencies)
			b.ReportMetric(float64(p50.Microseconds()), "p50_µs")
			b.ReportMetric(float64(p95.Microseconds()), "p95_µs")
			b.ReportMetric(float64(p99.Microseconds()), "p99_µs")
			if n := errCount.Load(); n > 0 {
				b.Logf("errors: %d", n)
			}
		})
	}
}

// BenchmarkGateway_Direct routes a provider-qualified model to an instant
// in-process provider.
func BenchmarkGateway_Direct(b *testing.B) {
	runLoad(b, func(b *testing.B) *http.Client {
		return serveBench(b, NewGateway(context.Background(), Components{
			Providers: map[string]providers.Provider{"openai": &mockProvider{name: "openai"}},
		}, GatewayOptions{}))
	}, "openai/gpt-4o")
}

// BenchmarkGateway_CacheHit serves every request after warmup from the
// in-memory response cache.
func BenchmarkGateway_CacheHit(b *testing.B) {
	runLoad(b, func(b *testing.B) *http.Client {
		ctx := context.Background()
		mc := cache.NewMemoryStore(ctx, 10_000)
		b.Cleanup(func() { mc.Close() })
		return serveBench(b, NewGateway(ctx, Components{
			Providers: map[string]providers.Provider{"openai": &mockProvider{name: "openai"}},
			Cache:     cache.NewResponses(mc, time.Hour, nil),
		}, GatewayOptions{}))
	}, "openai/gpt-4o")
}

// BenchmarkGateway_ComboFallback measures a combo whose first member always
// answers 503, so every request pays for one failed attempt.
func BenchmarkGateway_ComboFallback(b *testing.B) {
	runLoad(b, func(b *testing.B) *http.Client {
		store, err := combo.NewStore([]combo.Combo{{
			Name: "bench",
			Models: []combo.ModelEntry{
				{Model: "anthropic/claude-sonnet-4", Weight: 1},
				{Model: "openai/gpt-4o", Weight: 1},
			},
		}})
		if err != nil {
			b.Fatal(err)
		}
		down := &funcProvider{name: "anthropic", requestFn: func(context.Context, *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			return nil, &providerError{status: http.StatusServiceUnavailable, msg: "overloaded"}
		}}
		return serveBench(b, NewGateway(context.Background(), Components{
			Providers: map[string]providers.Provider{
				"anthropic": down,
				"openai":    &mockProvider{name: "openai"},
			},
			ComboStore: store,
		}, GatewayOptions{}))
	}, "bench")
}
