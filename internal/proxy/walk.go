package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/routegate/internal/accounts"
	"github.com/nulpointcorp/routegate/internal/combo"
	"github.com/nulpointcorp/routegate/internal/policy"
	"github.com/nulpointcorp/routegate/internal/providers"
	"github.com/nulpointcorp/routegate/internal/resilience"
	"github.com/nulpointcorp/routegate/internal/translator"
)

// outcome tags the result of a single dispatch attempt.
type outcome int

const (
	// outcomeSuccess: the upstream answered; stop walking.
	outcomeSuccess outcome = iota
	// outcomeRetryable: record the failure and try the next candidate.
	outcomeRetryable
	// outcomeTerminal: the request itself is at fault; stop walking.
	outcomeTerminal
	// outcomeSkipped: nothing was sent upstream. Does not count as an attempt.
	outcomeSkipped
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeRetryable:
		return "retryable"
	case outcomeTerminal:
		return "terminal"
	default:
		return "skipped"
	}
}

// attemptResult is what one candidate produced.
type attemptResult struct {
	outcome   outcome
	target    string
	provider  string
	model     string
	accountID string

	resp   *providers.ProxyResponse
	first  *providers.StreamChunk // first stream chunk, already consumed
	cancel context.CancelFunc     // releases a streaming attempt's context
	cached bool

	err        error
	status     int // upstream HTTP status; 0 for network errors
	retryAfter time.Duration
	reason     string // metrics label: success, http_503, timeout, network...
	latency    time.Duration

	verdict policy.Verdict // set on outcomeSkipped
}

// fallbackWalk is the retry/fallback state machine for one request. It walks
// candidates in order, asking the policy engine which ones may be tried.
// Upstream attempts are bounded by maxAttempts; policy skips are free.
type fallbackWalk struct {
	g  *Gateway
	in *inbound

	combo       *combo.Combo
	candidates  []string
	next        int
	attempts    int
	maxAttempts int
	timeout     time.Duration
	delay       time.Duration

	// tried holds account ids already dispatched to, so a same-provider
	// retry picks a different account.
	tried map[string]bool

	last    *attemptResult  // last dispatched failure
	denial  *policy.Verdict // last policy denial
	skipped int             // candidates skipped for lack of a provider
}

func newFallbackWalk(g *Gateway, in *inbound, candidates []string, c *combo.Combo) *fallbackWalk {
	w := &fallbackWalk{
		g:           g,
		in:          in,
		combo:       c,
		candidates:  candidates,
		maxAttempts: g.maxRetries,
		timeout:     g.providerTimeout,
		tried:       make(map[string]bool),
	}
	if c != nil {
		if c.Config.MaxRetries > 0 {
			w.maxAttempts = c.Config.MaxRetries
		}
		if c.Config.TimeoutMs > 0 {
			w.timeout = time.Duration(c.Config.TimeoutMs) * time.Millisecond
		}
		w.delay = time.Duration(c.Config.RetryDelayMs) * time.Millisecond
	}
	return w
}

// run walks until a candidate succeeds, a terminal error occurs, the
// candidates or attempts run out, or ctx is done. The returned result is nil
// when no candidate was ever dispatched.
func (w *fallbackWalk) run(ctx context.Context) *attemptResult {
	req := policy.Request{APIKeyID: w.in.apiKeyID, ClientIP: w.in.clientIP}

	for w.next < len(w.candidates) && w.attempts < w.maxAttempts {
		if ctx.Err() != nil {
			break
		}

		rest := w.candidates[w.next:]
		target, v := w.g.policy.EvaluateFirstAllowed(ctx, rest, req)
		if target == "" {
			if !v.Allowed && v.Phase != "" {
				w.deny(v)
			}
			break
		}
		w.next += slices.Index(rest, target)

		res := w.attempt(ctx, target)
		switch res.outcome {
		case outcomeSuccess, outcomeTerminal:
			return res

		case outcomeSkipped:
			if res.verdict.Phase != "" {
				w.deny(res.verdict)
			}
			w.next++

		case outcomeRetryable:
			w.attempts++
			w.last = res
			if ctx.Err() != nil {
				return res
			}
			if !w.retrySameProvider(res) {
				w.next++
				if w.next < len(w.candidates) {
					w.fallback(ctx, res, w.candidates[w.next])
				}
			}
			if w.delay > 0 && w.attempts < w.maxAttempts {
				select {
				case <-time.After(w.delay):
				case <-ctx.Done():
					return res
				}
			}
		}
	}

	if w.g.metrics != nil {
		w.g.metrics.RecordExhausted(w.in.resolved)
	}
	return w.last
}

func (w *fallbackWalk) deny(v policy.Verdict) {
	w.denial = &v
	if w.g.metrics != nil {
		w.g.metrics.RecordPolicyDenial(string(v.Phase))
	}
}

func (w *fallbackWalk) fallback(ctx context.Context, res *attemptResult, to string) {
	w.g.log.InfoContext(ctx, "fallback",
		slog.String("request_id", w.in.requestID),
		slog.String("from", res.target),
		slog.String("to", to),
		slog.String("reason", res.reason),
	)
	if w.g.metrics != nil {
		w.g.metrics.RecordFallback(res.target, to, res.reason)
	}
}

// retrySameProvider reports whether an account-scoped failure should be
// retried on another account of the same provider before moving on.
func (w *fallbackWalk) retrySameProvider(res *attemptResult) bool {
	switch res.status {
	case fasthttp.StatusTooManyRequests, fasthttp.StatusUnauthorized, fasthttp.StatusForbidden:
	default:
		return false
	}
	for _, a := range w.g.policy.EligibleAccounts(res.provider) {
		if !w.tried[a.ID] {
			return true
		}
	}
	return false
}

// attempt runs one candidate: cache lookup, account pick, admission, dispatch.
func (w *fallbackWalk) attempt(ctx context.Context, target string) *attemptResult {
	g := w.g
	provider, model := providers.ParseTarget(target)
	res := &attemptResult{target: target, provider: provider, model: model}

	prov, ok := g.providers[provider]
	if !ok {
		w.skipped++
		g.log.WarnContext(ctx, "candidate_unroutable",
			slog.String("request_id", w.in.requestID),
			slog.String("target", target),
		)
		res.outcome = outcomeSkipped
		return res
	}

	if w.combo != nil && w.combo.Config.HealthCheckEnabled && g.health != nil && !g.health.ProviderOK(provider) {
		res.outcome = outcomeSkipped
		res.verdict = policy.Verdict{Phase: policy.PhaseCircuitBreaker, Subject: provider, Reason: provider + " failed its health check"}
		return res
	}

	env := w.in.env.WithModel(model)

	if g.cache != nil && !env.Stream {
		if g.cache.Cacheable(model, env) {
			if cached, hit := g.cache.Lookup(ctx, target, env); hit {
				if g.metrics != nil {
					g.metrics.CacheGetHit()
				}
				res.outcome = outcomeSuccess
				res.cached = true
				res.resp = &providers.ProxyResponse{
					ID:           cached.ID,
					Model:        cached.Model,
					Content:      cached.Content,
					FinishReason: cached.FinishReason,
					Usage:        cached.Usage,
				}
				return res
			}
			if g.metrics != nil {
				g.metrics.CacheGetMiss()
			}
		} else if g.metrics != nil {
			g.metrics.CacheGetBypass()
		}
	}

	acc, v := w.admit(provider)
	if !v.Allowed {
		res.outcome = outcomeSkipped
		res.verdict = v
		return res
	}

	preq := &providers.ProxyRequest{Envelope: env, RequestID: w.in.requestID}
	if acc != nil {
		res.accountID = acc.ID
		preq.AccountID = acc.ID
		preq.APIKey = acc.APIKey
		preq.BaseURL = acc.BaseURL
		w.tried[acc.ID] = true
	}

	w.dispatch(ctx, prov, preq, res)
	w.record(ctx, res)
	return res
}

// admit picks an account of provider and reserves breaker and rate-limit
// capacity for it. Breaker probes are claimed before the rate-limit slot;
// a later rejection releases the probes already claimed, so nothing is held
// for a request that is never sent.
func (w *fallbackWalk) admit(provider string) (*accounts.Account, policy.Verdict) {
	res := w.g.res
	allow := policy.Verdict{Allowed: true, Phase: policy.PhasePassed}

	var (
		acc *accounts.Account
		key string
	)
	if len(w.g.accounts.List(accounts.Filter{Provider: provider, EnabledOnly: true})) > 0 {
		eligible := w.g.policy.EligibleAccounts(provider)
		fresh := eligible[:0:0]
		for _, a := range eligible {
			if !w.tried[a.ID] {
				fresh = append(fresh, a)
			}
		}
		if len(fresh) == 0 {
			fresh = eligible
		}
		acc = w.g.selector.Pick(provider, fresh)
		if acc == nil {
			return nil, policy.Verdict{Phase: policy.PhaseRateLimit, Subject: provider, Reason: "no eligible account for " + provider}
		}

		key = resilience.AccountKey(provider, acc.ID)
		if !res.Breakers.Acquire(key) {
			_, wait := res.Breakers.Check(key)
			return nil, policy.Verdict{Phase: policy.PhaseCircuitBreaker, Subject: key, Reason: "circuit breaker open for " + key, RetryAfter: wait}
		}
	}

	if !res.Breakers.Acquire(provider) {
		if key != "" {
			res.Breakers.Release(key)
		}
		_, wait := res.Breakers.Check(provider)
		return nil, policy.Verdict{Phase: policy.PhaseCircuitBreaker, Subject: provider, Reason: "circuit breaker open for " + provider, RetryAfter: wait}
	}

	if key != "" {
		if ok, wait := res.RateLimits.Acquire(key); !ok {
			res.Breakers.Release(key)
			res.Breakers.Release(provider)
			return nil, policy.Verdict{Phase: policy.PhaseRateLimit, Subject: key, Reason: "rate limited: " + key, RetryAfter: wait}
		}
	}
	return acc, allow
}

// dispatch sends preq upstream. Buffered calls run under a deadline; a
// streaming call only has until its first chunk, after which the stream runs
// until it ends or the client goes away.
func (w *fallbackWalk) dispatch(ctx context.Context, prov providers.Provider, preq *providers.ProxyRequest, res *attemptResult) {
	var (
		attemptCtx context.Context
		cancel     context.CancelFunc
		timer      *time.Timer
	)
	if preq.Envelope.Stream {
		attemptCtx, cancel = context.WithCancel(w.g.baseCtx)
		timer = time.AfterFunc(w.timeout, cancel)
	} else {
		attemptCtx, cancel = context.WithTimeout(ctx, w.timeout)
	}

	start := time.Now()
	resp, err := prov.Request(attemptCtx, preq)
	if err == nil && resp != nil && resp.Stream != nil {
		var first providers.StreamChunk
		first, err = primeStream(attemptCtx, resp.Stream)
		if err == nil {
			res.first = &first
		}
	}
	if timer != nil && err == nil {
		timer.Stop()
	}
	res.latency = time.Since(start)

	if err == nil && resp == nil {
		err = fmt.Errorf("%s: empty response", prov.Name())
	}
	if err != nil {
		if errors.Is(attemptCtx.Err(), context.Canceled) && ctx.Err() == nil && timer != nil {
			err = fmt.Errorf("%s: no response within %s: %w", prov.Name(), w.timeout, context.DeadlineExceeded)
		}
		cancel()
		res.err = err
		res.outcome, res.status, res.retryAfter, res.reason = classify(err)
		return
	}

	res.outcome = outcomeSuccess
	res.reason = "success"
	res.resp = resp
	if resp.Stream != nil {
		res.cancel = cancel
	} else {
		cancel()
	}

	w.g.tr.Observe(translator.Meta{
		RequestID:      w.in.requestID,
		Provider:       res.provider,
		RequestedModel: w.in.requested,
	}, res.target, w.in.source, prov.Format(), nil, res.latency)
}

// primeStream waits for the first chunk so a stream that fails before
// producing anything can still fall back.
func primeStream(ctx context.Context, ch <-chan providers.StreamChunk) (providers.StreamChunk, error) {
	select {
	case c, ok := <-ch:
		if !ok {
			return providers.StreamChunk{}, errors.New("stream closed before first chunk")
		}
		if c.Err != nil {
			return providers.StreamChunk{}, c.Err
		}
		return c, nil
	case <-ctx.Done():
		return providers.StreamChunk{}, ctx.Err()
	}
}

// classify maps an upstream error to a walk outcome.
//
//   - 400/404/413/422 → terminal; every candidate would reject the same input
//   - 429, 401, 403, 5xx → retryable
//   - timeouts, cancellations and network errors → retryable
func classify(err error) (o outcome, status int, retryAfter time.Duration, reason string) {
	var ra providers.RetryAfterer
	if errors.As(err, &ra) {
		retryAfter = ra.RetryAfter()
	}

	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		status = sc.HTTPStatus()
		reason = fmt.Sprintf("http_%d", status)
		switch status {
		case fasthttp.StatusBadRequest, fasthttp.StatusNotFound,
			fasthttp.StatusRequestEntityTooLarge, fasthttp.StatusUnprocessableEntity:
			return outcomeTerminal, status, retryAfter, reason
		}
		return outcomeRetryable, status, retryAfter, reason
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return outcomeRetryable, fasthttp.StatusGatewayTimeout, retryAfter, "timeout"
	case errors.Is(err, context.Canceled):
		return outcomeRetryable, 0, retryAfter, "canceled"
	}
	return outcomeRetryable, 0, retryAfter, "network"
}

// record feeds one dispatched attempt into breakers, rate limits, lockouts,
// account health and combo metrics.
func (w *fallbackWalk) record(ctx context.Context, res *attemptResult) {
	g := w.g
	rs := g.res
	accKey := ""
	if res.accountID != "" {
		accKey = resilience.AccountKey(res.provider, res.accountID)
	}
	modelKey := resilience.ModelKey(res.provider, res.model)

	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(res.provider, res.reason, res.latency)
	}
	if w.combo != nil {
		ok := res.outcome == outcomeSuccess
		if m := g.combos.Metrics(); m != nil {
			owners := g.combos.Path(w.combo.Name, res.target)
			if len(owners) == 0 {
				owners = []string{w.combo.Name}
			}
			for _, name := range owners {
				m.Record(name, res.target, ok, res.latency)
			}
		}
		if g.metrics != nil {
			g.metrics.RecordComboAttempt(w.combo.Name, res.target, ok)
		}
	}

	switch res.outcome {
	case outcomeSuccess, outcomeTerminal:
		// A rejected input still proves the upstream is reachable.
		rs.Breakers.RecordSuccess(res.provider)
		if accKey != "" {
			rs.Breakers.RecordSuccess(accKey)
			rs.RateLimits.RecordSuccess(accKey)
			g.accounts.RecordSuccess(res.accountID)
		}
		if res.outcome == outcomeSuccess {
			rs.Lockouts.RecordSuccess(modelKey)
		}
		return
	}

	rateLimited := res.status == fasthttp.StatusTooManyRequests
	accountScoped := rateLimited || res.status == fasthttp.StatusUnauthorized || res.status == fasthttp.StatusForbidden

	if accKey != "" {
		rs.Breakers.RecordFailure(accKey)
		if rateLimited {
			cooldown := rs.RateLimits.RecordRateLimited(accKey, res.retryAfter)
			if res.retryAfter < cooldown {
				res.retryAfter = cooldown
			}
		} else {
			rs.RateLimits.RecordTransient(accKey)
		}
		g.accounts.RecordFailure(res.accountID, rateLimited)
	}
	if !accountScoped {
		rs.Breakers.RecordFailure(res.provider)
	}
	if rs.Lockouts.RecordFailedAttempt(modelKey) {
		g.log.WarnContext(ctx, "model_locked",
			slog.String("request_id", w.in.requestID),
			slog.String("model", modelKey),
			slog.Duration("duration", rs.Lockouts.Config().Duration),
		)
	}

	g.log.WarnContext(ctx, "provider_attempt_failed",
		slog.String("request_id", w.in.requestID),
		slog.String("target", res.target),
		slog.String("account_id", res.accountID),
		slog.String("reason", res.reason),
		slog.Int64("latency_ms", res.latency.Milliseconds()),
		slog.String("error", res.err.Error()),
	)
}
