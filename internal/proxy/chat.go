package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/watchllm/proxy/internal/accounting"
	"github.com/watchllm/proxy/internal/cache"
	"github.com/watchllm/proxy/internal/coalesce"
	"github.com/watchllm/proxy/internal/normalize"
	"github.com/watchllm/proxy/internal/providers"
	"github.com/watchllm/proxy/internal/registry"
	"github.com/watchllm/proxy/internal/telemetry"
	"github.com/watchllm/proxy/pkg/apierr"
)

// reqState carries one request through the dispatch pipeline.
type reqState struct {
	start     time.Time
	reqID     string
	project   *registry.Project
	endpoint  normalize.Endpoint
	canonical *normalize.Request
	fp        string

	providerName string
	prov         providers.Provider
	callOpts     providers.CallOptions

	cacheEligible bool
	vec           []float32 // nil when degraded to exact-match-only
}

// dispatchChat serves POST /v1/chat/completions and /v1/completions.
//
// State machine: Received → Admitted → Normalized → (Cached | Leader |
// Follower) → (Upstream-Running | Replaying) → Responding → Completed|Failed.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	st := &reqState{
		start:    time.Now(),
		reqID:    requestIDFrom(ctx),
		project:  projectFrom(ctx),
		endpoint: normalize.EndpointChat,
	}
	if string(ctx.Path()) == "/v1/completions" {
		st.endpoint = normalize.EndpointCompletions
	}

	if g.metrics != nil {
		g.metrics.IncInFlight()
		defer g.metrics.DecInFlight()
	}

	// ── Admitted: per-minute bucket, before any normalization-heavy work.
	// Cache hits count: the bucket is charged for every request.
	if !g.admitMinute(ctx, st) {
		return
	}

	// ── Normalized.
	c, err := normalize.Canonicalize(st.endpoint, ctx.PostBody(), g.maxBodyBytes)
	if err != nil {
		apierr.Write(ctx, apierr.KindBadRequest, err.Error(), apierr.CodeInvalidRequest)
		g.emitError(st, apierr.KindBadRequest, fasthttp.StatusBadRequest, "", "")
		return
	}
	c.ProjectID = st.project.ID
	st.canonical = c
	st.fp = c.FingerprintHex()

	// Monthly quota is deferred until after normalization so the endpoint
	// attribution is accurate.
	if !g.admitMonthly(ctx, st) {
		return
	}

	prov, providerName, ok := g.provider(c.Model)
	if !ok {
		apierr.Write(ctx, apierr.KindUpstreamUnavailable,
			"no providers configured", apierr.CodeUpstreamError)
		g.emitError(st, apierr.KindUpstreamUnavailable, fasthttp.StatusBadGateway, providerName, c.Model)
		return
	}
	st.prov, st.providerName = prov, providerName
	st.callOpts = providers.CallOptions{
		APIKey:    credentials(st.project, providerName),
		RequestID: st.reqID,
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", st.reqID),
		slog.String("project_id", st.project.ID),
		slog.String("model", c.Model),
		slog.String("provider", providerName),
		slog.Bool("stream", c.Stream),
	)

	// ── Cache lookup: exact first, then semantic.
	st.cacheEligible = g.store != nil && st.project.CacheEnabled &&
		c.Cacheable() && !g.exclusions.Matches(c.Model)

	if st.cacheEligible {
		g.resolveEmbedding(ctx, st)

		if e, ok := g.store.LookupExact(ctx, st.project.ID, st.fp); ok {
			g.recordCacheOp("get", "hit")
			g.serveFromEntry(ctx, st, e, 1.0, true)
			return
		}
		if st.vec != nil {
			if e, sim, ok := g.store.LookupSemantic(ctx, st.project.ID,
				string(c.Endpoint), c.Model, st.vec, st.project.Threshold()); ok {
				g.recordCacheOp("get", "semantic_hit")
				g.serveFromEntry(ctx, st, e, sim, false)
				return
			}
		}
		g.recordCacheOp("get", "miss")
	}

	// ── Leader or Follower.
	if c.Stream {
		g.forwardStream(ctx, st)
		return
	}
	g.forwardUnary(ctx, st)
}

// admitMinute charges the per-minute bucket. Returns false after writing the
// rate-limited response.
func (g *Gateway) admitMinute(ctx *fasthttp.RequestCtx, st *reqState) bool {
	if g.minute == nil {
		return true
	}
	d, err := g.minute.Allow(ctx, st.project.ID, st.project.PerMinuteLimit)
	if err != nil || d.Allowed {
		g.recordRateLimit("minute", "allowed")
		return true
	}
	g.recordRateLimit("minute", "blocked")
	apierr.WriteRateLimit(ctx, int(d.RetryAfter.Seconds()+0.999),
		"per-minute rate limit exceeded", apierr.CodeRateLimitExceeded)
	g.emitError(st, apierr.KindRateLimited, fasthttp.StatusTooManyRequests, "", "")
	return false
}

// admitMonthly charges the monthly quota.
func (g *Gateway) admitMonthly(ctx *fasthttp.RequestCtx, st *reqState) bool {
	if g.monthly == nil {
		return true
	}
	d, err := g.monthly.Consume(ctx, st.project.ID, st.project.MonthlyRequestLimit)
	if err != nil || d.Allowed {
		g.recordRateLimit("monthly", "allowed")
		return true
	}
	g.recordRateLimit("monthly", "blocked")
	apierr.WriteRateLimit(ctx, int(d.RetryAfter.Seconds()+0.999),
		"monthly request quota exceeded", apierr.CodeQuotaExceeded)
	g.emitError(st, apierr.KindRateLimited, fasthttp.StatusTooManyRequests, "", st.canonical.Model)
	return false
}

// resolveEmbedding computes the semantic lookup vector. Failure is
// non-fatal: the request degrades to exact-match-only caching.
func (g *Gateway) resolveEmbedding(ctx *fasthttp.RequestCtx, st *reqState) {
	if g.embedder == nil {
		return
	}
	vec, err := g.embedder.Embed(ctx, st.canonical.PromptText())
	if err != nil {
		if g.metrics != nil {
			g.metrics.RecordEmbeddingDegraded()
		}
		g.log.DebugContext(ctx, "embedding_degraded",
			slog.String("request_id", st.reqID),
			slog.String("error", err.Error()),
		)
		return
	}
	st.vec = vec
}

// serveFromEntry responds from a cache entry, for every combination of
// requested form (unary/stream) and stored kind.
func (g *Gateway) serveFromEntry(ctx *fasthttp.RequestCtx, st *reqState, e *cache.Entry, sim float64, exact bool) {
	// Hit bookkeeping never blocks the response path.
	go g.store.Touch(context.WithoutCancel(g.baseCtx), st.project.ID, e.Fingerprint)

	simHeader := similarityExact
	if !exact {
		simHeader = fmt.Sprintf("%.2f", sim)
	}

	out := accounting.Compute(g.prices, st.providerName, e.Model,
		e.TokensIn, e.TokensOut, accounting.DispositionCacheHit)

	if st.canonical.Stream {
		g.replayEntry(ctx, st, e, sim, simHeader, out)
		return
	}

	var body []byte
	switch e.Kind {
	case cache.KindStream:
		// A unary request over a stream entry: collapse the transcript.
		body = buildUnaryBody(st.endpoint, st.reqID, e.Model, transcriptContent(e.Transcript), "stop", nil,
			providers.Usage{InputTokens: e.TokensIn, OutputTokens: e.TokensOut})
	default:
		body = e.Payload
	}

	latency := time.Since(st.start)
	setCostHeaders(ctx, cacheHit, simHeader, latency, 0)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)

	g.observe(st, cacheHit, latency, out)
	g.emit(telemetry.UsageEvent{
		RequestID: st.reqID, ProjectID: st.project.ID, Timestamp: time.Now(),
		Endpoint: string(st.endpoint), Provider: st.providerName, Model: e.Model,
		TokensIn: e.TokensIn, TokensOut: e.TokensOut,
		CostUSD: 0, PotentialCostUSD: out.PotentialCostUSD,
		Cached: true, CacheSimilarity: &sim,
		LatencyMs: latency.Milliseconds(), Status: fasthttp.StatusOK,
	})
}

// forwardUnary runs the Leader/Follower path for non-streaming requests.
func (g *Gateway) forwardUnary(ctx *fasthttp.RequestCtx, st *reqState) {
	key := st.project.ID + "\x00" + st.fp
	f, isLeader := g.flights.Acquire(key, false)

	if isLeader {
		g.recordCoalesce("leader")
		f.Run(g.baseCtx, func(runCtx context.Context) coalesce.Outcome {
			return g.callUnaryUpstream(runCtx, st)
		})
	} else {
		g.recordCoalesce("follower")
	}

	select {
	case <-f.Done():
	case <-ctx.Done():
		// This client is gone; other waiters keep the flight alive.
		f.Leave()
		return
	}
	out := f.Outcome()
	f.Leave()

	latency := time.Since(st.start)

	if out.Err != nil {
		kind := writeUpstreamError(ctx, out.Err)
		g.emitError(st, kind, ctx.Response.StatusCode(), st.providerName, st.canonical.Model)
		return
	}

	disposition := accounting.DispositionUpstream
	cacheLabel := cacheMiss
	simHeader := ""
	if !isLeader {
		// Followers inherit the leader's token attribution but are billed
		// as cache hits.
		disposition = accounting.DispositionCoalesced
		cacheLabel = cacheCoalesced
		simHeader = similarityExact
	}

	acct := accounting.Compute(g.prices, st.providerName, out.Model,
		out.Usage.InputTokens, out.Usage.OutputTokens, disposition)

	setCostHeaders(ctx, cacheLabel, simHeader, latency, acct.CostUSD)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(out.Body)

	g.observe(st, cacheLabel, latency, acct)

	ev := telemetry.UsageEvent{
		RequestID: st.reqID, ProjectID: st.project.ID, Timestamp: time.Now(),
		Endpoint: string(st.endpoint), Provider: st.providerName, Model: out.Model,
		TokensIn: acct.TokensIn, TokensOut: acct.TokensOut,
		CostUSD: acct.CostUSD, PotentialCostUSD: acct.PotentialCostUSD,
		LatencyMs: latency.Milliseconds(), Status: fasthttp.StatusOK,
	}
	if !isLeader {
		sim := 1.0
		ev.Cached = true
		ev.Coalesced = true
		ev.CacheSimilarity = &sim
	}
	g.emit(ev)
}

// callUnaryUpstream is the leader's work: one provider call, response
// translation, and the cache insert.
func (g *Gateway) callUnaryUpstream(runCtx context.Context, st *reqState) coalesce.Outcome {
	runCtx, cancel := context.WithTimeout(runCtx, g.unaryDeadline)
	defer cancel()

	c := st.canonical

	upStart := time.Now()
	var resp *providers.Response
	var err error
	if st.endpoint == normalize.EndpointCompletions {
		resp, err = st.prov.Completion(runCtx, c, st.callOpts)
	} else {
		resp, err = st.prov.ChatCompletion(runCtx, c, st.callOpts)
	}
	upDur := time.Since(upStart)

	if err != nil {
		g.observeUpstream(st.providerName, string(classifyUpstream(err)), upDur)
		return coalesce.Outcome{Err: err}
	}
	g.observeUpstream(st.providerName, "success", upDur)

	usage := resp.Usage
	if usage.InputTokens == 0 {
		usage.InputTokens = accounting.EstimateTokens(c.PromptText())
	}
	if usage.OutputTokens == 0 && resp.Content != "" {
		usage.OutputTokens = accounting.EstimateTokens(resp.Content)
	}

	model := resp.Model
	if model == "" {
		model = c.Model
	}

	body := buildUnaryBody(st.endpoint, resp.ID, model, resp.Content, resp.FinishReason, resp.ToolCalls, usage)

	if st.cacheEligible && c.ResponseCacheable(body) {
		acct := accounting.Compute(g.prices, st.providerName, model,
			usage.InputTokens, usage.OutputTokens, accounting.DispositionUpstream)
		entry := &cache.Entry{
			Fingerprint:     st.fp,
			Embedding:       st.vec,
			ProjectID:       st.project.ID,
			Endpoint:        string(c.Endpoint),
			Model:           c.Model,
			StoredAt:        time.Now(),
			ExpiresAt:       time.Now().Add(st.project.CacheTTL(g.defaultCacheTTL)),
			Kind:            cache.KindUnary,
			Payload:         body,
			TokensIn:        usage.InputTokens,
			TokensOut:       usage.OutputTokens,
			ProviderCostUSD: acct.CostUSD,
		}
		if err := g.store.Insert(runCtx, entry); err != nil {
			g.recordCacheOp("set", "error")
		} else {
			g.recordCacheOp("set", "ok")
		}
	}

	return coalesce.Outcome{Body: body, Model: model, Usage: usage}
}

// buildUnaryBody renders the canonical OpenAI response envelope.
func buildUnaryBody(endpoint normalize.Endpoint, id, model, content, finishReason string, toolCalls json.RawMessage, usage providers.Usage) []byte {
	if finishReason == "" {
		finishReason = "stop"
	}
	if id == "" {
		id = "resp-" + model
	}

	usageOut := map[string]int{
		"prompt_tokens":     usage.InputTokens,
		"completion_tokens": usage.OutputTokens,
		"total_tokens":      usage.InputTokens + usage.OutputTokens,
	}

	if endpoint == normalize.EndpointCompletions {
		body, _ := json.Marshal(map[string]any{
			"id":      id,
			"object":  "text_completion",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{"index": 0, "text": content, "finish_reason": finishReason},
			},
			"usage": usageOut,
		})
		return body
	}

	message := map[string]any{"role": "assistant", "content": content}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}
	body, _ := json.Marshal(map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{
			{"index": 0, "message": message, "finish_reason": finishReason},
		},
		"usage": usageOut,
	})
	return body
}

// transcriptContent reassembles the text of a recorded stream by parsing the
// content deltas out of each chunk payload.
func transcriptContent(transcript []cache.Chunk) string {
	var sb strings.Builder
	for _, ch := range transcript {
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(ch.Data, &chunk); err != nil {
			continue
		}
		for _, choice := range chunk.Choices {
			sb.WriteString(choice.Delta.Content)
		}
	}
	return sb.String()
}

// setCostHeaders writes the response headers every proxied request carries.
func setCostHeaders(ctx *fasthttp.RequestCtx, cacheLabel, simHeader string, latency time.Duration, cost float64) {
	ctx.Response.Header.Set(headerCache, cacheLabel)
	if simHeader != "" {
		ctx.Response.Header.Set(headerSimilarity, simHeader)
	}
	ctx.Response.Header.Set(headerLatency, fmt.Sprintf("%d", latency.Milliseconds()))
	ctx.Response.Header.Set(headerCost, fmt.Sprintf("%.6f", cost))
}

// ── Metric helpers (nil-safe) ────────────────────────────────────────────────

func (g *Gateway) recordCacheOp(op, result string) {
	if g.metrics != nil {
		g.metrics.RecordCacheOp(op, result)
	}
}

func (g *Gateway) recordCoalesce(role string) {
	if g.metrics != nil {
		g.metrics.RecordCoalesce(role)
	}
}

func (g *Gateway) recordRateLimit(dimension, result string) {
	if g.metrics != nil {
		g.metrics.RecordRateLimit(dimension, result)
	}
}

func (g *Gateway) observeUpstream(provider, outcome string, dur time.Duration) {
	if g.metrics != nil {
		g.metrics.ObserveUpstream(provider, outcome, dur)
	}
}

func (g *Gateway) observe(st *reqState, cacheLabel string, latency time.Duration, acct accounting.Outcome) {
	if g.metrics == nil {
		return
	}
	g.metrics.ObserveRequest(st.providerName, string(st.endpoint), cacheLabel, latency)
	g.metrics.AddTokens(st.providerName, cacheLabel, acct.TokensIn, acct.TokensOut)
	g.metrics.AddCost(st.providerName, acct.CostUSD, acct.PotentialCostUSD)
}

// emitError emits the telemetry event for a failed request.
func (g *Gateway) emitError(st *reqState, kind apierr.Kind, status int, provider, model string) {
	g.emit(telemetry.UsageEvent{
		RequestID: st.reqID,
		ProjectID: st.project.ID,
		Timestamp: time.Now(),
		Endpoint:  string(st.endpoint),
		Provider:  provider,
		Model:     model,
		LatencyMs: time.Since(st.start).Milliseconds(),
		Status:    status,
		ErrorKind: string(kind),
	})
}
