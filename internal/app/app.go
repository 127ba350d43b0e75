// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — routing file, Redis when needed
//  2. initProviders — provider adapters and their accounts
//  3. initServices  — metrics, telemetry, resilience, cache, pricing, combos
//  4. initGateway   — proxy, admin and management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/routegate/internal/cache"
	"github.com/nulpointcorp/routegate/internal/config"
	"github.com/nulpointcorp/routegate/internal/logger"
	"github.com/nulpointcorp/routegate/internal/metrics"
	"github.com/nulpointcorp/routegate/internal/providers"
	anthropicprov "github.com/nulpointcorp/routegate/internal/providers/anthropic"
	connectprov "github.com/nulpointcorp/routegate/internal/providers/connect"
	geminiprov "github.com/nulpointcorp/routegate/internal/providers/gemini"
	ollamaprov "github.com/nulpointcorp/routegate/internal/providers/ollama"
	openaiprov "github.com/nulpointcorp/routegate/internal/providers/openai"
	openaicompatprov "github.com/nulpointcorp/routegate/internal/providers/openaicompat"
	"github.com/nulpointcorp/routegate/internal/proxy"
)

// shutdownTimeout bounds how long in-flight requests may drain.
const shutdownTimeout = 30 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	routing *config.Routing
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb        *redis.Client
	clickhouse *logger.ClickHouseWriter

	telemetry *logger.Logger
	memStore  *cache.MemoryStore
	prom      *metrics.Registry

	provCfgs []config.ProviderConfig
	comps    proxy.Components
	opts     proxy.GatewayOptions
	gw       *proxy.Gateway

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails. In-flight requests get shutdownTimeout to finish.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)
	srv := a.gw.Server()

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Int("providers", len(a.comps.Providers)),
		slog.Int("combos", len(a.comps.ComboStore.List())),
		slog.Bool("admin_api", a.cfg.Auth.AdminToken != ""),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.ShutdownWithContext(shutdownCtx); err != nil {
			a.log.Warn("server shutdown", slog.String("error", err.Error()))
		}
		return nil
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	if a.gw != nil {
		a.gw.Close()
	}
	if a.telemetry != nil {
		if err := a.telemetry.Close(); err != nil {
			a.log.Error("telemetry close error", slog.String("error", err.Error()))
		}
	}
	if a.clickhouse != nil {
		if err := a.clickhouse.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
	}
	if a.memStore != nil {
		a.memStore.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
	}
}

// Handler exposes the fully wired HTTP handler.
func (a *App) Handler() fasthttp.RequestHandler { return a.gw.Handler() }

// ── Private helpers ──────────────────────────────────────────────────────────

// redisPinger returns a zero-argument probe function suitable for the
// HealthChecker. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// buildProviders creates one adapter per configured provider. Credentials on
// the ProviderConfig are only a default: each request carries the key of the
// account it was dispatched through.
func buildProviders(ctx context.Context, cfgs []config.ProviderConfig, log *slog.Logger) (map[string]providers.Provider, error) {
	provs := make(map[string]providers.Provider, len(cfgs))

	for _, p := range cfgs {
		var (
			prov providers.Provider
			err  error
		)
		switch p.Type {
		case config.TypeOpenAI:
			opts := []openaiprov.Option{openaiprov.WithName(p.Name)}
			if p.BaseURL != "" {
				opts = append(opts, openaiprov.WithBaseURL(p.BaseURL))
			}
			prov = openaiprov.New(p.APIKey, opts...)

		case config.TypeAnthropic:
			var opts []anthropicprov.Option
			if p.BaseURL != "" {
				opts = append(opts, anthropicprov.WithBaseURL(p.BaseURL))
			}
			prov = anthropicprov.New(p.APIKey, opts...)

		case config.TypeGemini:
			var opts []geminiprov.Option
			if p.BaseURL != "" {
				opts = append(opts, geminiprov.WithBaseURL(p.BaseURL))
			}
			prov, err = geminiprov.New(ctx, p.APIKey, opts...)

		case config.TypeVertexAI:
			prov, err = geminiprov.New(ctx, p.APIKey, geminiprov.WithVertex(p.Project, p.Location))

		case config.TypeAzure:
			prov = openaicompatprov.New(p.Name, p.APIKey, p.BaseURL, openaicompatprov.WithAzure(p.APIVersion))

		case config.TypeOpenAICompatible:
			prov = openaicompatprov.New(p.Name, p.APIKey, p.BaseURL)

		case config.TypeOllama:
			var opts []ollamaprov.Option
			if p.BaseURL != "" {
				opts = append(opts, ollamaprov.WithBaseURL(p.BaseURL))
			}
			prov = ollamaprov.New(opts...)

		case config.TypeConnect:
			prov = connectprov.New(p.Name, p.APIKey, p.BaseURL, connectprov.WithLogger(log))

		default:
			return nil, fmt.Errorf("provider %s: unknown type %q", p.Name, p.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.Name, err)
		}
		provs[p.Name] = prov
	}

	return provs, nil
}

func providerNames(provs map[string]providers.Provider) []string {
	names := make([]string, 0, len(provs))
	for n := range provs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
