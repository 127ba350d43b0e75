package proxy

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/routegate/internal/alias"
	"github.com/nulpointcorp/routegate/internal/resilience"
	"github.com/nulpointcorp/routegate/internal/translator"
	"github.com/nulpointcorp/routegate/pkg/apierr"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
func (g *Gateway) Start(addr string) error {
	return g.Server().ListenAndServe(addr)
}

// Server returns the configured fasthttp server without starting it.
func (g *Gateway) Server() *fasthttp.Server {
	return &fasthttp.Server{
		Handler:      g.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Minute,
	}
}

// Handler builds the full HTTP handler: API routes, admin routes and the
// middleware chain.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	client := func(h fasthttp.RequestHandler) fasthttp.RequestHandler {
		return applyMiddleware(h, g.clientAuth, g.clientRateLimit)
	}

	r.POST("/v1/chat/completions", client(g.handleFormat(translator.OpenAI)))
	r.POST("/v1/responses", client(g.handleFormat(translator.Responses)))
	r.POST("/v1/messages", client(g.handleFormat(translator.Claude)))
	r.POST("/api/chat", client(g.handleFormat(translator.Ollama)))
	r.POST("/v1beta/models/{model}", client(g.handleGemini))
	r.GET("/v1/models", client(g.handleModels))

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if g.mgmt != nil && g.mgmt.Metrics != nil {
		r.GET("/metrics", g.mgmt.Metrics)
	} else if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	if g.adminToken != "" {
		g.registerAdmin(r)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		g.observe,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

func (g *Gateway) handleFormat(f translator.Format) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		g.routeRequest(ctx, routeOptions{hint: f})
	}
}

// handleGemini serves /v1beta/models/{model}:generateContent and
// :streamGenerateContent. The model comes from the path.
func (g *Gateway) handleGemini(ctx *fasthttp.RequestCtx) {
	seg, _ := ctx.UserValue("model").(string)
	i := strings.LastIndexByte(seg, ':')
	if i <= 0 {
		apierr.WriteNotFound(ctx, "unknown gemini method")
		return
	}
	model, method := seg[:i], seg[i+1:]

	var stream bool
	switch method {
	case "generateContent":
	case "streamGenerateContent":
		stream = true
	default:
		apierr.WriteNotFound(ctx, "unsupported gemini method "+method)
		return
	}
	g.routeRequest(ctx, routeOptions{hint: translator.Gemini, pathModel: model, stream: stream})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
	Target  string `json:"target,omitempty"`
}

// handleModels lists the names a client can ask for: exact aliases and
// combos. Wildcard aliases are not enumerable and are omitted.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	var data []modelEntry
	for _, a := range g.aliases.Aliases() {
		if alias.IsWildcard(a.Pattern) {
			continue
		}
		data = append(data, modelEntry{ID: a.Pattern, Object: "model", OwnedBy: "alias", Target: a.Target})
	}
	for _, name := range g.comboDefs.Snapshot().Names() {
		data = append(data, modelEntry{ID: name, Object: "model", OwnedBy: "combo"})
	}
	sort.SliceStable(data, func(i, j int) bool { return data[i].ID < data[j].ID })
	if data == nil {
		data = []modelEntry{}
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	snap := g.health.Snapshot()
	snap.OpenCircuits = g.openCircuits()
	if len(snap.OpenCircuits) > 0 {
		snap.Status = "degraded"
	}
	writeJSON(ctx, snap)
}

func (g *Gateway) openCircuits() []string {
	var out []string
	for _, b := range g.res.Breakers.Snapshot() {
		if b.State != resilience.Closed {
			out = append(out, b.Key)
		}
	}
	sort.Strings(out)
	return out
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
