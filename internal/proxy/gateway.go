// Package proxy is the gateway's HTTP surface and request router.
//
// The Gateway accepts chat requests in any supported client format, resolves
// the requested model through aliases and combos, asks the policy engine
// which candidates may be tried, picks an account per candidate and
// dispatches to the upstream provider, walking the candidate list until one
// succeeds. The response is translated back into the caller's format.
//
// Key design constraints:
//   - Telemetry, cache and client rate limiter are optional and nil-safe.
//   - All upstream I/O uses context.Context so timeouts propagate correctly.
//   - The candidate walk is sequential; attempts are bounded by MaxRetries.
//   - Streaming responses are never cached.
package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/nulpointcorp/routegate/internal/accounts"
	"github.com/nulpointcorp/routegate/internal/alias"
	"github.com/nulpointcorp/routegate/internal/cache"
	"github.com/nulpointcorp/routegate/internal/combo"
	"github.com/nulpointcorp/routegate/internal/logger"
	"github.com/nulpointcorp/routegate/internal/metrics"
	"github.com/nulpointcorp/routegate/internal/policy"
	"github.com/nulpointcorp/routegate/internal/pricing"
	"github.com/nulpointcorp/routegate/internal/providers"
	"github.com/nulpointcorp/routegate/internal/ratelimit"
	"github.com/nulpointcorp/routegate/internal/resilience"
	"github.com/nulpointcorp/routegate/internal/translator"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	userValueRequestID = "request_id"
	userValueAPIKeyID  = "api_key_id"
)

// Components are the shared collaborators of a Gateway. Providers, Accounts,
// Combos and Resilience are required; everything else may be nil.
type Components struct {
	Providers  map[string]providers.Provider
	Accounts   *accounts.Store
	Aliases    *alias.Table
	ComboStore *combo.Store
	Combos     *combo.Resolver
	Resilience *resilience.Registry

	Selector   *accounts.Selector
	Policy     *policy.Engine
	Pricing    *pricing.Registry
	Translator *translator.Service
	Cache      *cache.Responses
	Telemetry  *logger.Logger
	Metrics    *metrics.Registry
	RPM        *ratelimit.RPMLimiter
}

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and failover
	// diagnostics. Defaults to slog.Default() when nil.
	Logger *slog.Logger

	// MaxRetries is the maximum number of upstream attempts per request
	// (including the first). Must be ≥ 1. Default: providers.MaxRetries (3).
	MaxRetries int

	// ProviderTimeout is the per-attempt timeout.
	// Default: providers.ProviderTimeout (30s).
	ProviderTimeout time.Duration

	// ClientKeys maps accepted client API keys to their ids. When empty,
	// inbound requests are not authenticated.
	ClientKeys map[string]string

	// AdminToken protects /admin/*. Admin routes are not registered when empty.
	AdminToken string

	// CORSOrigins is the CORS allowlist. Nil or ["*"] allows any origin.
	CORSOrigins []string

	// CacheReady probes the cache backend for /health. Nil means healthy.
	CacheReady func() bool

	// ManagementRoutes are extra handlers registered next to the API.
	Management *ManagementRoutes
}

// Gateway is the main proxy. All dependencies are injected via the
// constructor so they can be replaced with test doubles.
type Gateway struct {
	providers map[string]providers.Provider
	accounts  *accounts.Store
	aliases   *alias.Table
	comboDefs *combo.Store
	combos    *combo.Resolver
	res       *resilience.Registry
	selector  *accounts.Selector
	policy    *policy.Engine
	pricing   *pricing.Registry
	tr        *translator.Service

	// Optional dependencies — nil-safe when not configured.
	cache     *cache.Responses
	telemetry *logger.Logger
	metrics   *metrics.Registry
	rpm       *ratelimit.RPMLimiter
	health    *HealthChecker

	baseCtx context.Context
	log     *slog.Logger

	maxRetries      int
	providerTimeout time.Duration
	clientKeys      map[string]string
	adminToken      string
	corsOrigins     []string
	mgmt            *ManagementRoutes
}

// NewGateway creates a fully configured Gateway and starts its provider
// health checker.
func NewGateway(baseCtx context.Context, c Components, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = providers.MaxRetries
	}

	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = providers.ProviderTimeout
	}

	if c.Aliases == nil {
		c.Aliases = alias.NewTable(nil)
	}
	if c.Resilience == nil {
		c.Resilience = resilience.NewRegistry(resilience.Options{})
	}
	if c.ComboStore == nil {
		c.ComboStore, _ = combo.NewStore(nil)
	}
	if c.Combos == nil {
		c.Combos = combo.NewResolver(c.ComboStore, nil)
	}
	if c.Accounts == nil {
		c.Accounts, _ = accounts.NewStore(nil)
	}
	if c.Selector == nil {
		c.Selector = accounts.NewSelector(accounts.P2C, nil)
	}
	if c.Policy == nil {
		c.Policy = policy.NewEngine(c.Resilience, c.Accounts, c.Combos, log)
	}
	if c.Translator == nil {
		c.Translator = translator.NewService(nil)
	}

	gw := &Gateway{
		providers:       c.Providers,
		accounts:        c.Accounts,
		aliases:         c.Aliases,
		comboDefs:       c.ComboStore,
		combos:          c.Combos,
		res:             c.Resilience,
		selector:        c.Selector,
		policy:          c.Policy,
		pricing:         c.Pricing,
		tr:              c.Translator,
		cache:           c.Cache,
		telemetry:       c.Telemetry,
		metrics:         c.Metrics,
		rpm:             c.RPM,
		baseCtx:         baseCtx,
		log:             log,
		maxRetries:      maxRetries,
		providerTimeout: providerTimeout,
		clientKeys:      opts.ClientKeys,
		adminToken:      opts.AdminToken,
		corsOrigins:     opts.CORSOrigins,
		mgmt:            opts.Management,
	}

	if len(c.Providers) > 0 {
		gw.health = NewHealthChecker(baseCtx, c.Providers, opts.CacheReady, gw.metrics)
	}

	return gw
}

// Close stops background work owned by the gateway.
func (g *Gateway) Close() {
	if g.health != nil {
		g.health.Close()
	}
}

// logRequest enqueues a request event to the telemetry logger. Never blocks.
func (g *Gateway) logRequest(e logger.Event) {
	if g.telemetry == nil {
		return
	}
	e.Kind = logger.KindRequest
	e.CreatedAt = time.Now()
	g.telemetry.Log(e)
}

// cost prices one exchange; unknown models cost nothing.
func (g *Gateway) cost(provider, model string, u providers.Usage) float64 {
	if g.pricing == nil {
		return 0
	}
	return g.pricing.Cost(provider, model, u.InputTokens, u.OutputTokens)
}

// chargeUsage records token usage against metrics and the caller's budget.
func (g *Gateway) chargeUsage(apiKeyID, provider, model string, u providers.Usage) float64 {
	usd := g.cost(provider, model, u)
	if g.metrics != nil {
		g.metrics.AddUsage(provider, u.InputTokens, u.OutputTokens, usd)
	}
	if apiKeyID != "" && usd > 0 {
		g.res.Budgets.RecordCost(apiKeyID, usd)
	}
	return usd
}

func clampUint32(v int64) uint32 {
	if v < 0 {
		return 0
	}
	if v > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(v)
}
