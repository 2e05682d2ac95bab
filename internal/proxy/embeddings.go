package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/watchllm/proxy/internal/accounting"
	"github.com/watchllm/proxy/internal/cache"
	"github.com/watchllm/proxy/internal/coalesce"
	"github.com/watchllm/proxy/internal/normalize"
	"github.com/watchllm/proxy/internal/providers"
	"github.com/watchllm/proxy/internal/telemetry"
	"github.com/watchllm/proxy/pkg/apierr"
)

// dispatchEmbeddings serves POST /v1/embeddings. Embedding responses are
// deterministic for identical input, so they participate in exact-match
// caching and coalescing; a semantic index over embedding requests would be
// circular, so that lookup is skipped.
func (g *Gateway) dispatchEmbeddings(ctx *fasthttp.RequestCtx) {
	st := &reqState{
		start:    time.Now(),
		reqID:    requestIDFrom(ctx),
		project:  projectFrom(ctx),
		endpoint: normalize.EndpointEmbeddings,
	}

	if g.metrics != nil {
		g.metrics.IncInFlight()
		defer g.metrics.DecInFlight()
	}

	if !g.admitMinute(ctx, st) {
		return
	}

	c, err := normalize.Canonicalize(normalize.EndpointEmbeddings, ctx.PostBody(), g.maxBodyBytes)
	if err != nil {
		apierr.Write(ctx, apierr.KindBadRequest, err.Error(), apierr.CodeInvalidRequest)
		g.emitError(st, apierr.KindBadRequest, fasthttp.StatusBadRequest, "", "")
		return
	}
	c.ProjectID = st.project.ID
	st.canonical = c
	st.fp = c.FingerprintHex()

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

	g.log.InfoContext(ctx, "embedding_request",
		slog.String("request_id", st.reqID),
		slog.String("project_id", st.project.ID),
		slog.String("model", c.Model),
		slog.Int("inputs", len(c.Input)),
	)

	st.cacheEligible = g.store != nil && st.project.CacheEnabled && !g.exclusions.Matches(c.Model)

	if st.cacheEligible {
		if e, ok := g.store.LookupExact(ctx, st.project.ID, st.fp); ok {
			g.recordCacheOp("get", "hit")
			g.serveFromEntry(ctx, st, e, 1.0, true)
			return
		}
		g.recordCacheOp("get", "miss")
	}

	key := st.project.ID + "\x00" + st.fp
	f, isLeader := g.flights.Acquire(key, false)
	if isLeader {
		g.recordCoalesce("leader")
		f.Run(g.baseCtx, func(runCtx context.Context) coalesce.Outcome {
			return g.callEmbeddingsUpstream(runCtx, st)
		})
	} else {
		g.recordCoalesce("follower")
	}

	select {
	case <-f.Done():
	case <-ctx.Done():
		f.Leave()
		return
	}
	out := f.Outcome()
	f.Leave()

	latency := time.Since(st.start)

	if out.Err != nil {
		kind := writeUpstreamError(ctx, out.Err)
		g.emitError(st, kind, ctx.Response.StatusCode(), st.providerName, c.Model)
		return
	}

	disposition := accounting.DispositionUpstream
	cacheLabel := cacheMiss
	simHeader := ""
	if !isLeader {
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
		TokensIn: acct.TokensIn,
		CostUSD:  acct.CostUSD, PotentialCostUSD: acct.PotentialCostUSD,
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

// callEmbeddingsUpstream is the embeddings leader's work.
func (g *Gateway) callEmbeddingsUpstream(runCtx context.Context, st *reqState) coalesce.Outcome {
	runCtx, cancel := context.WithTimeout(runCtx, g.unaryDeadline)
	defer cancel()

	c := st.canonical

	upStart := time.Now()
	resp, err := st.prov.Embeddings(runCtx, c, st.callOpts)
	upDur := time.Since(upStart)

	if err != nil {
		g.observeUpstream(st.providerName, string(classifyUpstream(err)), upDur)
		return coalesce.Outcome{Err: err}
	}
	g.observeUpstream(st.providerName, "success", upDur)

	model := resp.Model
	if model == "" {
		model = c.Model
	}

	usage := resp.Usage
	if usage.InputTokens == 0 {
		usage.InputTokens = accounting.EstimateTokens(c.PromptText())
	}

	data := make([]map[string]any, len(resp.Data))
	for i, d := range resp.Data {
		data[i] = map[string]any{
			"object":    "embedding",
			"index":     d.Index,
			"embedding": d.Embedding,
		}
	}
	body, _ := json.Marshal(map[string]any{
		"object": "list",
		"data":   data,
		"model":  model,
		"usage": map[string]int{
			"prompt_tokens": usage.InputTokens,
			"total_tokens":  usage.InputTokens,
		},
	})

	if st.cacheEligible {
		acct := accounting.Compute(g.prices, st.providerName, model,
			usage.InputTokens, 0, accounting.DispositionUpstream)
		entry := &cache.Entry{
			Fingerprint:     st.fp,
			ProjectID:       st.project.ID,
			Endpoint:        string(c.Endpoint),
			Model:           c.Model,
			StoredAt:        time.Now(),
			ExpiresAt:       time.Now().Add(st.project.CacheTTL(g.defaultCacheTTL)),
			Kind:            cache.KindUnary,
			Payload:         body,
			TokensIn:        usage.InputTokens,
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
