package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/routegate/internal/accounts"
	"github.com/nulpointcorp/routegate/internal/alias"
	"github.com/nulpointcorp/routegate/internal/cache"
	"github.com/nulpointcorp/routegate/internal/combo"
	"github.com/nulpointcorp/routegate/internal/config"
	"github.com/nulpointcorp/routegate/internal/logger"
	"github.com/nulpointcorp/routegate/internal/metrics"
	"github.com/nulpointcorp/routegate/internal/policy"
	"github.com/nulpointcorp/routegate/internal/pricing"
	"github.com/nulpointcorp/routegate/internal/providers"
	"github.com/nulpointcorp/routegate/internal/proxy"
	"github.com/nulpointcorp/routegate/internal/ratelimit"
	"github.com/nulpointcorp/routegate/internal/resilience"
	"github.com/nulpointcorp/routegate/internal/translator"
)

// initInfra loads the routing file and establishes optional external
// connections. Redis is needed by CACHE_MODE=redis and, when REDIS_URL is
// set, shared by the client rate limiter.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.RoutingFile != "" {
		r, err := config.LoadRouting(a.cfg.RoutingFile, a.cfg.Profile())
		if err != nil {
			return err
		}
		a.routing = r
		a.log.Info("routing file loaded",
			slog.String("path", a.cfg.RoutingFile),
			slog.Int("accounts", len(r.Accounts)),
			slog.Int("aliases", len(r.Aliases)),
			slog.Int("combos", len(r.Combos)),
		)
	} else {
		a.routing = &config.Routing{}
	}

	needRedis := a.cfg.Cache.Mode == "redis" || (a.cfg.RateLimit.RPMLimit > 0 && a.cfg.Redis.URL != "")
	if needRedis {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := cache.Dial(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the provider adapters and the account pool. At least
// one provider must be configured.
func (a *App) initProviders(_ context.Context) error {
	cfgs, err := config.MergeProviders(a.cfg.Providers, a.routing)
	if err != nil {
		return err
	}
	a.provCfgs = cfgs

	provs, err := buildProviders(a.baseCtx, cfgs, a.log)
	if err != nil {
		return err
	}
	if len(provs) == 0 {
		return fmt.Errorf("no provider configured")
	}

	accs, err := accounts.NewStore(config.Accounts(cfgs, a.routing))
	if err != nil {
		return fmt.Errorf("accounts: %w", err)
	}

	a.comps.Providers = provs
	a.comps.Accounts = accs
	a.comps.Selector = accounts.NewSelector(a.cfg.AccountStrategy, nil)

	a.log.Info("providers loaded",
		slog.Any("providers", providerNames(provs)),
		slog.Int("accounts", len(accs.List(accounts.Filter{}))),
		slog.String("account_strategy", string(a.cfg.AccountStrategy)),
	)
	return nil
}

// initServices creates metrics, telemetry, the resilience registry, the
// response cache, pricing and the combo resolver.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	if err := a.initTelemetry(ctx); err != nil {
		return err
	}

	res, err := a.buildResilience()
	if err != nil {
		return err
	}
	a.comps.Resilience = res

	if err := a.initCache(ctx); err != nil {
		return err
	}

	prices := pricing.NewRegistry()
	if a.cfg.PricingFile != "" {
		if err := prices.Load(a.cfg.PricingFile); err != nil {
			return err
		}
		a.log.Info("pricing loaded", slog.String("path", a.cfg.PricingFile))
	}
	a.comps.Pricing = prices

	store, err := combo.NewStore(a.routing.Combos)
	if err != nil {
		return fmt.Errorf("combos: %w", err)
	}
	a.comps.ComboStore = store
	a.comps.Combos = combo.NewResolver(store, nil, combo.WithCost(func(target string) (float64, bool) {
		return prices.PerToken(providers.ParseTarget(target))
	}))
	a.comps.Aliases = alias.NewTable(a.routing.Aliases)
	a.comps.Policy = policy.NewEngine(res, a.comps.Accounts, a.comps.Combos, a.log)

	if a.cfg.RateLimit.RPMLimit > 0 {
		a.comps.RPM = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("client rate limiting enabled",
			slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit),
			slog.Bool("shared", a.rdb != nil),
		)
	}

	return nil
}

// initTelemetry starts the async event logger. Events always go to slog;
// ClickHouse receives the same batches when CLICKHOUSE_DSN is set.
func (a *App) initTelemetry(ctx context.Context) error {
	var writers []logger.Writer
	if a.cfg.ClickHouseDSN != "" {
		ch, err := logger.NewClickHouseWriter(ctx, a.cfg.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.clickhouse = ch
		writers = append(writers, ch)
		a.log.Info("clickhouse telemetry enabled", slog.String("dsn", redactURL(a.cfg.ClickHouseDSN)))
	}

	tl, err := logger.New(a.baseCtx, a.log, writers...)
	if err != nil {
		return err
	}
	a.telemetry = tl
	a.prom.WatchTelemetryDrops(tl.DroppedLogs)

	a.comps.Telemetry = tl
	a.comps.Metrics = a.prom
	a.comps.Translator = translator.NewService(translationSink{log: tl, metrics: a.prom})
	return nil
}

// buildResilience applies the configured default profile, per-provider
// overrides and budgets, and exports breaker transitions.
func (a *App) buildResilience() (*resilience.Registry, error) {
	res := resilience.NewRegistry(resilience.Options{
		Profile: a.cfg.Profile(),
		Lockout: a.cfg.LockoutPolicy(),
	})

	for name, prof := range a.routing.Profiles {
		if err := res.Profiles.Set(name, prof); err != nil {
			return nil, fmt.Errorf("profile %s: %w", name, err)
		}
	}
	for key, l := range a.routing.Budgets {
		if err := res.Budgets.SetLimits(key, l); err != nil {
			return nil, fmt.Errorf("budget %s: %w", key, err)
		}
	}

	log := a.log
	prom := a.prom
	res.Breakers.OnStateChange(func(key string, from, to resilience.State) {
		prom.SetCircuitBreaker(key, int(from), int(to), from.String(), to.String())
		log.Warn("circuit_breaker_transition",
			slog.String("key", key),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	})

	return res, nil
}

// initCache builds the response cache for the configured mode.
func (a *App) initCache(ctx context.Context) error {
	rules := append(append([]string(nil), a.cfg.Cache.Exclude...), a.routing.CacheExclude...)
	excl, err := cache.NewExclusionList(rules)
	if err != nil {
		return fmt.Errorf("cache exclusions: %w", err)
	}

	var store cache.Store
	switch a.cfg.Cache.Mode {
	case "redis":
		store = cache.NewRedisStore(a.rdb)
		a.opts.CacheReady = redisPinger(a.baseCtx, a.rdb)
		a.log.Info("cache backend: redis")

	case "memory":
		a.memStore = cache.NewMemoryStore(ctx, a.cfg.Cache.MaxEntries)
		store = a.memStore
		a.log.Info("cache backend: memory (in-process)", slog.Int("max_entries", a.cfg.Cache.MaxEntries))

	case "none":
		a.log.Info("cache backend: disabled")
		return nil

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	if excl.Len() > 0 {
		a.log.Info("cache exclusions loaded", slog.Int("rules", excl.Len()))
	}
	a.comps.Cache = cache.NewResponses(store, a.cfg.Cache.TTL, excl)
	return nil
}

// initGateway builds the Gateway from the assembled components.
func (a *App) initGateway(_ context.Context) error {
	a.opts.Logger = a.log
	a.opts.MaxRetries = a.cfg.Failover.MaxRetries
	a.opts.ProviderTimeout = a.cfg.Failover.ProviderTimeout
	a.opts.ClientKeys = a.cfg.Auth.ClientKeys
	a.opts.AdminToken = a.cfg.Auth.AdminToken
	a.opts.CORSOrigins = a.cfg.CORSOrigins
	a.opts.Management = &proxy.ManagementRoutes{Metrics: a.prom.Handler()}

	a.gw = proxy.NewGateway(a.baseCtx, a.comps, a.opts)
	return nil
}

// translationSink fans translation events out to the telemetry logger and
// the Prometheus counters.
type translationSink struct {
	log     *logger.Logger
	metrics *metrics.Registry
}

func (s translationSink) RecordTranslation(ev translator.Event) {
	s.log.RecordTranslation(ev)
	s.metrics.RecordTranslation(string(ev.Source), string(ev.Target), ev.Status)
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
