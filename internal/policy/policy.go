// Package policy composes the resilience checks into a single verdict per
// routing candidate.
//
// Checks run in a fixed order and stop at the first denial: budget, lockout,
// circuit breaker, rate limit. Evaluation never mutates resilience state;
// admission (breaker probe reservation, rate-limit slot) happens at dispatch.
package policy

import (
	"context"
	"log/slog"
	"time"

	"github.com/nulpointcorp/routegate/internal/accounts"
	"github.com/nulpointcorp/routegate/internal/combo"
	"github.com/nulpointcorp/routegate/internal/providers"
	"github.com/nulpointcorp/routegate/internal/resilience"
)

// Phase names the check that produced a verdict.
type Phase string

const (
	PhasePassed         Phase = "passed"
	PhaseBudget         Phase = "budget"
	PhaseLockout        Phase = "lockout"
	PhaseCircuitBreaker Phase = "circuit_breaker"
	PhaseRateLimit      Phase = "rate_limit"
)

// Request is the caller context evaluated against policy. Model is either a
// combo name or a "provider/model" target.
type Request struct {
	Model    string
	APIKeyID string
	ClientIP string
}

// Adjustments are routing hints attached to an allowed verdict.
type Adjustments struct {
	FallbackChain []string
}

// Verdict is the outcome of one evaluation.
type Verdict struct {
	Allowed     bool
	Phase       Phase
	Reason      string
	RetryAfter  time.Duration
	Warning     bool   // budget warning threshold crossed
	Subject     string // lockout identifier or breaker key that denied
	Adjustments Adjustments
}

func allow() Verdict { return Verdict{Allowed: true, Phase: PhasePassed} }

func deny(phase Phase, subject, reason string, retryAfter time.Duration) Verdict {
	return Verdict{Phase: phase, Subject: subject, Reason: reason, RetryAfter: retryAfter}
}

// Engine evaluates requests against shared resilience state.
type Engine struct {
	res      *resilience.Registry
	accounts *accounts.Store
	combos   *combo.Resolver
	log      *slog.Logger
}

func NewEngine(res *resilience.Registry, accs *accounts.Store, combos *combo.Resolver, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{res: res, accounts: accs, combos: combos, log: log}
}

// Evaluate runs every check for req.Model. Combos are checked only for
// caller-scoped policy (budget, lockout); their candidates are evaluated one
// by one through EvaluateFirstAllowed.
func (e *Engine) Evaluate(ctx context.Context, req Request) Verdict {
	budget := e.checkBudget(req)
	if !budget.Allowed {
		return e.denied(ctx, req, budget)
	}
	if v := e.checkCallerLockouts(req); !v.Allowed {
		return e.denied(ctx, req, v)
	}

	if e.combos != nil && e.combos.IsCombo(req.Model) {
		chain, err := e.combos.Expand(req.Model)
		if err != nil {
			// The snapshot changed between IsCombo and Expand.
			e.log.WarnContext(ctx, "policy_combo_expand_failed",
				slog.String("combo", req.Model),
				slog.String("error", err.Error()),
			)
		}
		v := allow()
		v.Warning = budget.Warning
		v.Adjustments.FallbackChain = chain
		return v
	}

	provider, model := providers.ParseTarget(req.Model)

	key := resilience.ModelKey(provider, model)
	if locked, wait := e.res.Lockouts.Check(key); locked {
		return e.denied(ctx, req, deny(PhaseLockout, key, "model temporarily locked", wait))
	}

	if ok, wait := e.res.Breakers.Check(provider); !ok {
		return e.denied(ctx, req, deny(PhaseCircuitBreaker, provider, "circuit breaker open for "+provider, wait))
	}

	if v := e.checkRateLimit(provider); !v.Allowed {
		return e.denied(ctx, req, v)
	}
	v := allow()
	v.Warning = budget.Warning
	return v
}

// EvaluateFirstAllowed returns the first candidate whose verdict allows it,
// or "" and the last denial when every candidate is denied.
func (e *Engine) EvaluateFirstAllowed(ctx context.Context, candidates []string, req Request) (string, Verdict) {
	var last Verdict
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		r := req
		r.Model = c
		v := e.Evaluate(ctx, r)
		if v.Allowed {
			return c, v
		}
		last = v
	}
	return "", last
}

// EligibleAccounts returns the enabled accounts of provider that pass both
// their rate limit and their account-level circuit breaker.
func (e *Engine) EligibleAccounts(provider string) []accounts.Account {
	out, _ := e.eligible(provider)
	return out
}

// eligible also reports the shortest wait until any denied account frees up.
func (e *Engine) eligible(provider string) ([]accounts.Account, time.Duration) {
	if e.accounts == nil {
		return nil, 0
	}
	all := e.accounts.List(accounts.Filter{Provider: provider, EnabledOnly: true})
	out := all[:0:0]
	var soonest time.Duration
	for _, a := range all {
		key := resilience.AccountKey(provider, a.ID)
		ok, wait := e.res.Breakers.Check(key)
		if ok {
			ok, wait = e.res.RateLimits.Check(key)
		}
		if ok {
			out = append(out, a)
			continue
		}
		if soonest == 0 || (wait > 0 && wait < soonest) {
			soonest = wait
		}
	}
	return out, soonest
}

func (e *Engine) checkBudget(req Request) Verdict {
	if req.APIKeyID == "" {
		return allow()
	}
	bc := e.res.Budgets.Check(req.APIKeyID)
	if !bc.Allowed {
		return deny(PhaseBudget, req.APIKeyID, bc.Reason, bc.RetryAfter)
	}
	v := allow()
	v.Warning = bc.Warning
	return v
}

func (e *Engine) checkCallerLockouts(req Request) Verdict {
	var ids []string
	if req.ClientIP != "" {
		ids = append(ids, resilience.IPKey(req.ClientIP))
	}
	if req.APIKeyID != "" {
		ids = append(ids, resilience.APIKeyKey(req.APIKeyID))
	}
	for _, id := range ids {
		if locked, wait := e.res.Lockouts.Check(id); locked {
			return deny(PhaseLockout, id, "too many failed attempts", wait)
		}
	}
	return allow()
}

// checkRateLimit passes when the provider has at least one eligible account.
// Providers without registered accounts are not rate limited here.
func (e *Engine) checkRateLimit(provider string) Verdict {
	if e.accounts == nil || len(e.accounts.List(accounts.Filter{Provider: provider, EnabledOnly: true})) == 0 {
		return allow()
	}
	eligible, wait := e.eligible(provider)
	if len(eligible) == 0 {
		return deny(PhaseRateLimit, provider, "all accounts for "+provider+" are rate limited or unavailable", wait)
	}
	return allow()
}

func (e *Engine) denied(ctx context.Context, req Request, v Verdict) Verdict {
	e.log.DebugContext(ctx, "policy_denied",
		slog.String("model", req.Model),
		slog.String("phase", string(v.Phase)),
		slog.String("subject", v.Subject),
		slog.String("reason", v.Reason),
		slog.Duration("retry_after", v.RetryAfter),
	)
	return v
}
