package proxy

import (
	"bufio"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/routegate/internal/combo"
	"github.com/nulpointcorp/routegate/internal/logger"
	"github.com/nulpointcorp/routegate/internal/policy"
	"github.com/nulpointcorp/routegate/internal/providers"
	"github.com/nulpointcorp/routegate/internal/resilience"
	"github.com/nulpointcorp/routegate/internal/translator"
	"github.com/nulpointcorp/routegate/pkg/apierr"
)

// inbound is the parsed caller side of one request.
type inbound struct {
	requestID string
	apiKeyID  string
	clientIP  string
	route     string

	source    translator.Format
	env       *translator.Envelope
	requested string // model as sent by the client
	resolved  string // after alias resolution
	combo     string

	start time.Time
}

// routeOptions carry what the route itself pins down: the client format, a
// model taken from the path (Gemini), and a forced stream flag.
type routeOptions struct {
	hint      translator.Format
	pathModel string
	stream    bool
}

// routeRequest is the single entry point behind every chat route. It parses
// the body in the client's format, resolves aliases and combos, evaluates
// caller policy, walks the candidates and answers in the client's format.
func (g *Gateway) routeRequest(ctx *fasthttp.RequestCtx, opts routeOptions) {
	in := &inbound{
		requestID: requestIDFrom(ctx),
		apiKeyID:  apiKeyIDFrom(ctx),
		clientIP:  ctx.RemoteIP().String(),
		route:     string(ctx.Path()),
		start:     time.Now(),
	}

	body := ctx.PostBody()
	if len(body) == 0 {
		apierr.WriteBadRequest(ctx, "request body is required")
		return
	}

	env, err := g.tr.Parse(translator.Meta{RequestID: in.requestID}, body, opts.hint)
	if err != nil {
		g.inputRejected(ctx, in)
		apierr.WriteBadRequest(ctx, "invalid request body: "+err.Error())
		return
	}
	if opts.pathModel != "" {
		env.Model = opts.pathModel
	}
	if opts.stream {
		env.Stream = true
	}
	if env.Model == "" {
		g.inputRejected(ctx, in)
		apierr.WriteBadRequest(ctx, "model is required")
		return
	}

	in.source = env.Source
	if in.source == "" {
		in.source = translator.DetectWithHint(body, opts.hint)
		env.Source = in.source
	}
	in.env = env
	in.requested = env.Model
	in.resolved = g.aliases.Resolve(env.Model)

	isCombo := g.combos.IsCombo(in.resolved)
	if !isCombo {
		provider, _ := providers.ParseTarget(in.resolved)
		if _, ok := g.providers[provider]; !ok {
			apierr.WriteBadRequest(ctx, fmt.Sprintf("no provider configured for model %q", in.requested))
			return
		}
	}

	verdict := g.policy.Evaluate(ctx, policy.Request{
		Model:    in.resolved,
		APIKeyID: in.apiKeyID,
		ClientIP: in.clientIP,
	})
	if !verdict.Allowed {
		if g.metrics != nil {
			g.metrics.RecordPolicyDenial(string(verdict.Phase))
		}
		g.writeDenial(ctx, verdict)
		return
	}
	if verdict.Warning {
		ctx.Response.Header.Set("X-Budget-Warning", "true")
	}

	candidates := []string{in.resolved}
	var def *combo.Combo
	if isCombo {
		in.combo = in.resolved
		candidates = verdict.Adjustments.FallbackChain
		def, _ = g.combos.Get(in.resolved)
		if len(candidates) == 0 {
			apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
				fmt.Sprintf("combo %q has no usable models", in.resolved),
				apierr.TypeProviderError, apierr.CodeNoAvailableProvider)
			return
		}
	}

	walk := newFallbackWalk(g, in, candidates, def)
	res := walk.run(ctx)

	switch {
	case res == nil && walk.denial != nil:
		g.writeDenial(ctx, *walk.denial)
		g.logFailure(in, nil, walk, ctx.Response.StatusCode())
		return
	case res == nil:
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			fmt.Sprintf("no provider available for model %q", in.requested),
			apierr.TypeProviderError, apierr.CodeNoAvailableProvider)
		g.logFailure(in, nil, walk, ctx.Response.StatusCode())
		return
	case res.outcome != outcomeSuccess:
		g.writeUpstreamError(ctx, res)
		g.logFailure(in, res, walk, ctx.Response.StatusCode())
		return
	}

	ctx.Response.Header.Set("X-Gateway-Provider", res.provider)
	ctx.Response.Header.Set("X-Gateway-Model", res.target)
	ctx.Response.Header.Set("X-Gateway-Attempts", strconv.Itoa(walk.attempts+1))

	if in.env.Stream {
		g.respondStream(ctx, in, res, walk)
		return
	}
	g.respond(ctx, in, res, walk)
}

// inputRejected counts a malformed request against the caller's API key.
func (g *Gateway) inputRejected(ctx *fasthttp.RequestCtx, in *inbound) {
	if in.apiKeyID == "" {
		return
	}
	id := resilience.APIKeyKey(in.apiKeyID)
	if g.res.Lockouts.RecordFailedAttempt(id) {
		g.log.WarnContext(ctx, "client_key_locked",
			slog.String("request_id", in.requestID),
			slog.String("api_key_id", in.apiKeyID),
		)
	}
}

// writeDenial maps a policy verdict to its HTTP answer.
//
//	budget            → 429 budget_exceeded
//	rate_limit        → 429 rate_limit_exceeded
//	lockout ip:/key:  → 403 locked_out
//	lockout model:    → 503 no_available_provider
//	circuit_breaker   → 503 circuit_open
//
// Every denial carries Retry-After.
func (g *Gateway) writeDenial(ctx *fasthttp.RequestCtx, v policy.Verdict) {
	retry := v.RetryAfter
	if retry <= 0 {
		retry = time.Second
	}
	ctx.Response.Header.Set("X-Policy-Phase", string(v.Phase))

	switch v.Phase {
	case policy.PhaseBudget:
		apierr.WriteRetryAfter(ctx, fasthttp.StatusTooManyRequests, retry, v.Reason,
			apierr.TypeRateLimitError, apierr.CodeBudgetExceeded)
	case policy.PhaseRateLimit:
		apierr.WriteRetryAfter(ctx, fasthttp.StatusTooManyRequests, retry, v.Reason,
			apierr.TypeRateLimitError, apierr.CodeRateLimitExceeded)
	case policy.PhaseLockout:
		if strings.HasPrefix(v.Subject, "model:") {
			apierr.WriteRetryAfter(ctx, fasthttp.StatusServiceUnavailable, retry, v.Reason,
				apierr.TypeProviderError, apierr.CodeNoAvailableProvider)
			return
		}
		apierr.WriteLockedOut(ctx, v.Reason, retry)
	case policy.PhaseCircuitBreaker:
		apierr.WriteRetryAfter(ctx, fasthttp.StatusServiceUnavailable, retry, v.Reason,
			apierr.TypeProviderError, apierr.CodeCircuitOpen)
	default:
		apierr.WriteInternal(ctx, "request denied")
	}
}

// writeUpstreamError normalizes the last upstream failure.
func (g *Gateway) writeUpstreamError(ctx *fasthttp.RequestCtx, res *attemptResult) {
	msg := "provider request failed"
	if res.err != nil {
		msg = res.err.Error()
	}
	if res.status == 0 && res.reason == "timeout" {
		apierr.WriteTimeout(ctx)
		return
	}
	apierr.WriteProviderError(ctx, res.status, res.retryAfter, msg)
}

// respond writes a buffered response.
func (g *Gateway) respond(ctx *fasthttp.RequestCtx, in *inbound, res *attemptResult, walk *fallbackWalk) {
	out := &translator.Response{
		ID:           res.resp.ID,
		Model:        res.resp.Model,
		Created:      time.Now().Unix(),
		Content:      res.resp.Content,
		FinishReason: res.resp.FinishReason,
		Usage:        res.resp.Usage,
	}
	if out.ID == "" {
		out.ID = in.requestID
	}
	if out.Model == "" {
		out.Model = res.model
	}
	if out.FinishReason == "" {
		out.FinishReason = translator.FinishStop
	}

	start := time.Now()
	body, err := translator.EncodeResponse(in.source, out)
	g.tr.Observe(translator.Meta{
		RequestID:      in.requestID,
		Provider:       res.provider,
		RequestedModel: in.requested,
	}, res.target, g.providerFormat(res.provider), in.source, err, time.Since(start))
	if err != nil {
		g.log.ErrorContext(ctx, "response_encode_failed",
			slog.String("request_id", in.requestID),
			slog.String("format", string(in.source)),
			slog.String("error", err.Error()),
		)
		apierr.WriteInternal(ctx, "failed to encode response")
		return
	}

	if g.cache != nil {
		if res.cached {
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
		} else {
			ctx.Response.Header.Set("X-Cache", xCacheMISS)
			env := in.env.WithModel(res.model)
			if g.cache.Cacheable(res.model, env) {
				if err := g.cache.Save(ctx, res.target, env, out); err != nil {
					g.log.WarnContext(ctx, "cache_set_failed",
						slog.String("request_id", in.requestID),
						slog.String("error", err.Error()),
					)
					if g.metrics != nil {
						g.metrics.CacheSetError()
					}
				} else if g.metrics != nil {
					g.metrics.CacheSetOK()
				}
			}
		}
	}

	var cost float64
	if !res.cached {
		cost = g.chargeUsage(in.apiKeyID, res.provider, res.model, out.Usage)
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType(in.source.ContentType(false))
	ctx.SetBody(body)

	g.logSuccess(in, res, walk, out.Usage, cost)
}

// respondStream relays the upstream stream in the client's format. The first
// chunk was consumed while the walk was still able to fall back.
func (g *Gateway) respondStream(ctx *fasthttp.RequestCtx, in *inbound, res *attemptResult, walk *fallbackWalk) {
	enc, err := translator.NewStreamEncoder(in.source, translator.StreamMeta{
		ID:      in.requestID,
		Model:   res.model,
		Created: time.Now().Unix(),
	})
	if err != nil {
		if res.cancel != nil {
			res.cancel()
		}
		apierr.WriteInternal(ctx, "unsupported stream format")
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType(in.source.ContentType(true))
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	ctx.SetBodyStreamWriter(func(bw *bufio.Writer) {
		if res.cancel != nil {
			defer res.cancel()
		}

		var (
			usage     translator.Usage
			finish    string
			streamErr error
		)
		write := func(b []byte) bool {
			if len(b) == 0 {
				return true
			}
			if _, err := bw.Write(b); err != nil {
				return false
			}
			return bw.Flush() == nil
		}
		handle := func(c providers.StreamChunk) bool {
			if c.Usage != nil {
				usage = *c.Usage
			}
			if c.FinishReason != "" {
				finish = c.FinishReason
			}
			if c.Content == "" {
				return true
			}
			return write(enc.Chunk(translator.Chunk{Content: c.Content}))
		}

		ok := write(enc.Start())
		if ok && res.first != nil {
			ok = handle(*res.first)
		}

		// An upstream that goes quiet mid-stream is cut off after the same
		// per-attempt timeout that bounded the first chunk.
		idle := time.NewTimer(walk.timeout)
		defer idle.Stop()
	relay:
		for ok {
			select {
			case c, more := <-res.resp.Stream:
				if !more {
					break relay
				}
				if c.Err != nil {
					streamErr = c.Err
					break relay
				}
				ok = handle(c)
				idle.Reset(walk.timeout)
			case <-idle.C:
				streamErr = fmt.Errorf("%s: no chunk within %s", res.provider, walk.timeout)
				break relay
			}
		}
		if ok {
			if finish == "" {
				finish = translator.FinishStop
			}
			write(enc.End(finish, usage))
		}

		g.finishStream(in, res, walk, usage, streamErr, !ok)
	})
}

// finishStream records the outcome of a stream once it has been relayed.
func (g *Gateway) finishStream(in *inbound, res *attemptResult, walk *fallbackWalk, usage translator.Usage, streamErr error, clientGone bool) {
	switch {
	case streamErr != nil:
		g.log.Warn("stream_upstream_error",
			slog.String("request_id", in.requestID),
			slog.String("target", res.target),
			slog.String("error", streamErr.Error()),
		)
		if res.accountID != "" {
			key := resilience.AccountKey(res.provider, res.accountID)
			g.res.Breakers.RecordFailure(key)
			g.res.RateLimits.RecordTransient(key)
		}
	case clientGone:
		g.log.Info("stream_client_disconnected",
			slog.String("request_id", in.requestID),
			slog.String("target", res.target),
		)
	}

	cost := g.chargeUsage(in.apiKeyID, res.provider, res.model, usage)
	e := g.requestEvent(in, res, walk, fasthttp.StatusOK)
	e.InputTokens = clampUint32(int64(usage.InputTokens))
	e.OutputTokens = clampUint32(int64(usage.OutputTokens))
	e.CostUSD = cost
	if streamErr != nil {
		e.Error = streamErr.Error()
	}
	g.logRequest(e)
	if g.metrics != nil {
		g.metrics.RecordRequest(res.provider, string(in.source), fasthttp.StatusOK)
	}
}

func (g *Gateway) providerFormat(name string) translator.Format {
	if p, ok := g.providers[name]; ok {
		return p.Format()
	}
	return ""
}

func (g *Gateway) requestEvent(in *inbound, res *attemptResult, walk *fallbackWalk, status int) logger.Event {
	e := logger.Event{
		RequestID:      in.requestID,
		RequestedModel: in.requested,
		Model:          in.resolved,
		Combo:          in.combo,
		SourceFormat:   string(in.source),
		LatencyMs:      clampUint32(time.Since(in.start).Milliseconds()),
		Status:         uint16(status),
		Stream:         in.env != nil && in.env.Stream,
	}
	if walk != nil {
		n := walk.attempts
		if res != nil && res.outcome != outcomeRetryable {
			n++
		}
		if n > 255 {
			n = 255
		}
		e.Attempts = uint8(n)
	}
	if res != nil {
		e.Provider = res.provider
		e.AccountID = res.accountID
		e.Model = res.target
		e.TargetFormat = string(g.providerFormat(res.provider))
		e.Cached = res.cached
	}
	return e
}

func (g *Gateway) logSuccess(in *inbound, res *attemptResult, walk *fallbackWalk, usage translator.Usage, cost float64) {
	e := g.requestEvent(in, res, walk, fasthttp.StatusOK)
	e.InputTokens = clampUint32(int64(usage.InputTokens))
	e.OutputTokens = clampUint32(int64(usage.OutputTokens))
	e.CostUSD = cost
	g.logRequest(e)
	if g.metrics != nil {
		g.metrics.RecordRequest(res.provider, string(in.source), fasthttp.StatusOK)
	}
}

func (g *Gateway) logFailure(in *inbound, res *attemptResult, walk *fallbackWalk, status int) {
	e := g.requestEvent(in, res, walk, status)
	switch {
	case res != nil && res.err != nil:
		e.Error = res.err.Error()
	case walk != nil && walk.denial != nil:
		e.Error = string(walk.denial.Phase) + ": " + walk.denial.Reason
	}
	g.logRequest(e)
	if g.metrics != nil {
		provider := ""
		if res != nil {
			provider = res.provider
		}
		g.metrics.RecordRequest(provider, string(in.source), status)
	}
}

func requestIDFrom(ctx *fasthttp.RequestCtx) string {
	if id, ok := ctx.UserValue(userValueRequestID).(string); ok && id != "" {
		return id
	}
	return string(ctx.Request.Header.Peek("X-Request-ID"))
}

func apiKeyIDFrom(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue(userValueAPIKeyID).(string)
	return id
}
