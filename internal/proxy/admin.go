package proxy

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/routegate/internal/accounts"
	"github.com/nulpointcorp/routegate/internal/combo"
	"github.com/nulpointcorp/routegate/internal/resilience"
	"github.com/nulpointcorp/routegate/pkg/apierr"
)

// registerAdmin mounts the operator API under /admin. Every route requires
// the admin bearer token.
func (g *Gateway) registerAdmin(r *router.Router) {
	a := r.Group("/admin")
	auth := g.adminAuth

	a.GET("/status", auth(g.handleAdminStatus))
	a.POST("/circuit-breakers/reset", auth(g.handleResetBreakers))
	a.POST("/lockouts/unlock", auth(g.handleUnlock))

	a.GET("/profiles/{provider}", auth(g.handleGetProfile))
	a.PUT("/profiles/{provider}", auth(g.handlePutProfile))

	a.GET("/combos", auth(g.handleListCombos))
	a.POST("/combos", auth(g.handleCreateCombo))
	a.PUT("/combos/{name}", auth(g.handleUpdateCombo))
	a.DELETE("/combos/{name}", auth(g.handleDeleteCombo))
	a.GET("/combos/metrics", auth(g.handleComboMetrics))
	a.DELETE("/combos/{name}/metrics", auth(g.handleResetComboMetrics))

	a.GET("/budgets/{key}", auth(g.handleGetBudget))
	a.PUT("/budgets/{key}", auth(g.handlePutBudget))

	a.GET("/accounts", auth(g.handleListAccounts))
	a.PATCH("/accounts/{id:*}", auth(g.handlePatchAccount))
}

func (g *Gateway) adminAuth(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	want := []byte("Bearer " + g.adminToken)
	return func(ctx *fasthttp.RequestCtx) {
		got := ctx.Request.Header.Peek("Authorization")
		if subtle.ConstantTimeCompare(got, want) != 1 {
			apierr.WriteUnauthorized(ctx, "invalid admin token")
			return
		}
		next(ctx)
	}
}

type adminStatus struct {
	Breakers   []resilience.BreakerStatus    `json:"circuit_breakers"`
	RateLimits []resilience.RateLimitStatus  `json:"rate_limits"`
	Lockouts   []resilience.LockoutStatus    `json:"lockouts"`
	Profiles   map[string]resilience.Profile `json:"profiles"`
	Default    resilience.Profile            `json:"default_profile"`
	Accounts   []accounts.Account            `json:"accounts"`
	Health     *HealthSnapshot               `json:"health,omitempty"`
}

func (g *Gateway) handleAdminStatus(ctx *fasthttp.RequestCtx) {
	st := adminStatus{
		Breakers:   g.res.Breakers.Snapshot(),
		RateLimits: g.res.RateLimits.Snapshot(),
		Lockouts:   g.res.Lockouts.Snapshot(),
		Profiles:   g.res.Profiles.Overrides(),
		Default:    g.res.Profiles.Default(),
		Accounts:   g.accounts.List(accounts.Filter{}),
	}
	if g.health != nil {
		snap := g.health.Snapshot()
		st.Health = &snap
	}
	writeJSON(ctx, st)
}

// handleResetBreakers resets one breaker when {"key": "..."} is given and
// every breaker otherwise.
func (g *Gateway) handleResetBreakers(ctx *fasthttp.RequestCtx) {
	var req struct {
		Key string `json:"key"`
	}
	if !decodeOptional(ctx, &req) {
		return
	}

	if req.Key == "" {
		n := g.res.Breakers.ResetAll()
		g.log.InfoContext(ctx, "admin_breakers_reset", slog.Int("count", n))
		writeJSON(ctx, map[string]any{"reset": n})
		return
	}
	if !g.res.Breakers.Reset(req.Key) {
		apierr.WriteNotFound(ctx, "no circuit breaker for "+req.Key)
		return
	}
	g.log.InfoContext(ctx, "admin_breaker_reset", slog.String("key", req.Key))
	writeJSON(ctx, map[string]any{"reset": 1})
}

func (g *Gateway) handleUnlock(ctx *fasthttp.RequestCtx) {
	var req struct {
		Identifier string `json:"identifier"`
	}
	if !decodeBody(ctx, &req) {
		return
	}
	if req.Identifier == "" {
		apierr.WriteBadRequest(ctx, "identifier is required")
		return
	}
	if !g.res.Lockouts.ForceUnlock(req.Identifier) {
		apierr.WriteNotFound(ctx, "no lockout for "+req.Identifier)
		return
	}
	g.log.InfoContext(ctx, "admin_unlocked", slog.String("identifier", req.Identifier))
	writeJSON(ctx, map[string]any{"unlocked": req.Identifier})
}

func (g *Gateway) handleGetProfile(ctx *fasthttp.RequestCtx) {
	provider := pathParam(ctx, "provider")
	writeJSON(ctx, g.res.Profiles.Get(provider))
}

// handlePutProfile applies a partial profile on top of the provider's
// current one.
func (g *Gateway) handlePutProfile(ctx *fasthttp.RequestCtx) {
	provider := pathParam(ctx, "provider")
	prof := g.res.Profiles.Get(provider)
	if !decodeBody(ctx, &prof) {
		return
	}
	if err := g.res.Profiles.Set(provider, prof); err != nil {
		apierr.WriteBadRequest(ctx, err.Error())
		return
	}
	g.log.InfoContext(ctx, "admin_profile_updated", slog.String("provider", provider))
	writeJSON(ctx, g.res.Profiles.Get(provider))
}

func (g *Gateway) handleListCombos(ctx *fasthttp.RequestCtx) {
	list := g.comboDefs.List()
	if list == nil {
		list = []combo.Combo{}
	}
	writeJSON(ctx, map[string]any{"combos": list})
}

func (g *Gateway) handleCreateCombo(ctx *fasthttp.RequestCtx) {
	var c combo.Combo
	if !decodeBody(ctx, &c) {
		return
	}
	if err := g.comboDefs.Create(c); err != nil {
		writeComboError(ctx, err)
		return
	}
	g.log.InfoContext(ctx, "admin_combo_created", slog.String("combo", c.Name))
	created, _ := g.comboDefs.Get(c.Name)
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, created)
}

func (g *Gateway) handleUpdateCombo(ctx *fasthttp.RequestCtx) {
	name := pathParam(ctx, "name")
	var c combo.Combo
	if !decodeBody(ctx, &c) {
		return
	}
	if err := g.comboDefs.Update(name, c); err != nil {
		writeComboError(ctx, err)
		return
	}
	g.log.InfoContext(ctx, "admin_combo_updated", slog.String("combo", name))
	updated, _ := g.comboDefs.Get(name)
	writeJSON(ctx, updated)
}

func (g *Gateway) handleDeleteCombo(ctx *fasthttp.RequestCtx) {
	name := pathParam(ctx, "name")
	if err := g.comboDefs.Delete(name); err != nil {
		writeComboError(ctx, err)
		return
	}
	if m := g.combos.Metrics(); m != nil {
		m.Reset(name)
	}
	g.log.InfoContext(ctx, "admin_combo_deleted", slog.String("combo", name))
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (g *Gateway) handleComboMetrics(ctx *fasthttp.RequestCtx) {
	var stats []combo.Stats
	if m := g.combos.Metrics(); m != nil {
		stats = m.All()
	}
	if stats == nil {
		stats = []combo.Stats{}
	}
	writeJSON(ctx, map[string]any{"combos": stats})
}

func (g *Gateway) handleResetComboMetrics(ctx *fasthttp.RequestCtx) {
	name := pathParam(ctx, "name")
	if m := g.combos.Metrics(); m != nil {
		m.Reset(name)
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// writeComboError maps store errors: unknown → 404, duplicate or still
// referenced → 409, anything that fails validation (cycles, depth) → 400.
func writeComboError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, combo.ErrNotFound):
		apierr.WriteNotFound(ctx, err.Error())
	case errors.Is(err, combo.ErrExists), errors.Is(err, combo.ErrInUse):
		apierr.Write(ctx, fasthttp.StatusConflict, err.Error(), apierr.TypeInvalidRequest, apierr.CodeConflict)
	default:
		apierr.WriteBadRequest(ctx, err.Error())
	}
}

func (g *Gateway) handleGetBudget(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, g.res.Budgets.Status(pathParam(ctx, "key")))
}

func (g *Gateway) handlePutBudget(ctx *fasthttp.RequestCtx) {
	key := pathParam(ctx, "key")
	var l resilience.Limits
	if !decodeBody(ctx, &l) {
		return
	}
	if err := g.res.Budgets.SetLimits(key, l); err != nil {
		apierr.WriteBadRequest(ctx, err.Error())
		return
	}
	g.log.InfoContext(ctx, "admin_budget_updated",
		slog.String("key", key),
		slog.Float64("daily_limit_usd", l.DailyUSD),
		slog.Float64("monthly_limit_usd", l.MonthlyUSD),
	)
	writeJSON(ctx, g.res.Budgets.Status(key))
}

func (g *Gateway) handleListAccounts(ctx *fasthttp.RequestCtx) {
	f := accounts.Filter{Provider: string(ctx.QueryArgs().Peek("provider"))}
	list := g.accounts.List(f)
	if list == nil {
		list = []accounts.Account{}
	}
	writeJSON(ctx, map[string]any{"accounts": list})
}

// handlePatchAccount toggles or reprioritizes an account. Credentials are
// not editable over HTTP.
func (g *Gateway) handlePatchAccount(ctx *fasthttp.RequestCtx) {
	id := strings.TrimPrefix(pathParam(ctx, "id"), "/")
	var req struct {
		Enabled  *bool `json:"enabled"`
		Priority *int  `json:"priority"`
	}
	if !decodeBody(ctx, &req) {
		return
	}
	err := g.accounts.Update(id, accounts.Patch{Enabled: req.Enabled, Priority: req.Priority})
	if errors.Is(err, accounts.ErrNotFound) {
		apierr.WriteNotFound(ctx, "no account "+id)
		return
	}
	if err != nil {
		apierr.WriteBadRequest(ctx, err.Error())
		return
	}
	acc, _ := g.accounts.Get(id)
	g.log.InfoContext(ctx, "admin_account_updated", slog.String("account_id", id))
	writeJSON(ctx, acc)
}

func pathParam(ctx *fasthttp.RequestCtx, name string) string {
	v, _ := ctx.UserValue(name).(string)
	return v
}

// decodeBody decodes a required JSON body, answering 400 on failure.
func decodeBody(ctx *fasthttp.RequestCtx, v any) bool {
	body := ctx.PostBody()
	if len(body) == 0 {
		apierr.WriteBadRequest(ctx, "request body is required")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		apierr.WriteBadRequest(ctx, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// decodeOptional is decodeBody for endpoints whose body may be empty.
func decodeOptional(ctx *fasthttp.RequestCtx, v any) bool {
	if len(ctx.PostBody()) == 0 {
		return true
	}
	return decodeBody(ctx, v)
}
