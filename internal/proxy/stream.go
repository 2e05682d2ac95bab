package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/watchllm/proxy/internal/accounting"
	"github.com/watchllm/proxy/internal/cache"
	"github.com/watchllm/proxy/internal/coalesce"
	"github.com/watchllm/proxy/internal/normalize"
	"github.com/watchllm/proxy/internal/providers"
	"github.com/watchllm/proxy/internal/stream"
	"github.com/watchllm/proxy/internal/telemetry"
	"github.com/watchllm/proxy/pkg/apierr"
)

// sseHeaders prepares the response for server-sent events.
func sseHeaders(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)
}

// replayEntry serves a streaming request from a cache entry: recorded
// transcripts replay with clamped pacing; unary entries synthesize a
// single-chunk stream so the stream/unary entry family stays unified.
func (g *Gateway) replayEntry(ctx *fasthttp.RequestCtx, st *reqState, e *cache.Entry, sim float64, simHeader string, acct accounting.Outcome) {
	transcript := e.Transcript
	if e.Kind == cache.KindUnary {
		content := unaryContent(e.Payload)
		transcript = []cache.Chunk{
			{DelayMs: 0, Data: providers.MarshalChunk(e.Model, content, "stop", time.Now().Unix())},
		}
	}

	sseHeaders(ctx)
	setCostHeaders(ctx, cacheHit, simHeader, time.Since(st.start), 0)
	if g.metrics != nil {
		g.metrics.RecordStreamReplay()
	}

	start := st.start
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { _ = recover() }()

		err := stream.Replay(ctx, w, transcript)

		latency := time.Since(start)
		g.observe(st, "replay", latency, acct)
		ev := telemetry.UsageEvent{
			RequestID: st.reqID, ProjectID: st.project.ID, Timestamp: time.Now(),
			Endpoint: string(st.endpoint), Provider: st.providerName, Model: e.Model,
			TokensIn: e.TokensIn, TokensOut: e.TokensOut,
			PotentialCostUSD: acct.PotentialCostUSD,
			Cached:           true, Replayed: true, CacheSimilarity: &sim,
			LatencyMs: latency.Milliseconds(), Status: fasthttp.StatusOK,
		}
		if err != nil {
			ev.ErrorKind = string(apierr.KindInternal)
		}
		g.emit(ev)
	})
}

// unaryContent extracts the assistant text from a stored unary payload.
func unaryContent(payload []byte) string {
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil || len(resp.Choices) == 0 {
		return ""
	}
	if resp.Choices[0].Message.Content != "" {
		return resp.Choices[0].Message.Content
	}
	return resp.Choices[0].Text
}

// forwardStream runs the Leader/Follower path for streaming requests. The
// leader forwards upstream chunks to every waiter through the flight's
// broadcaster while recording the transcript; followers attaching mid-stream
// receive the buffered prefix synchronously, then the live tail.
func (g *Gateway) forwardStream(ctx *fasthttp.RequestCtx, st *reqState) {
	key := st.project.ID + "\x00" + st.fp
	f, isLeader := g.flights.Acquire(key, true)

	if isLeader {
		g.recordCoalesce("leader")
		f.Run(g.baseCtx, func(runCtx context.Context) coalesce.Outcome {
			return g.runStreamUpstream(runCtx, st, f)
		})
	} else {
		g.recordCoalesce("follower")
	}

	sub := f.Broadcast.Subscribe()

	sseHeaders(ctx)
	cacheLabel := cacheMiss
	simHeader := ""
	if !isLeader {
		cacheLabel = cacheCoalesced
		simHeader = similarityExact
	}
	setCostHeaders(ctx, cacheLabel, simHeader, time.Since(st.start), 0)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { _ = recover() }()
		defer f.Leave()
		defer f.Broadcast.Unsubscribe(sub)

		wroteAll := true
		for _, c := range sub.Prefix {
			if err := stream.WriteEvent(w, c.Data); err != nil {
				wroteAll = false
				break
			}
		}
		if wroteAll {
			for c := range sub.C {
				if err := stream.WriteEvent(w, c.Data); err != nil {
					wroteAll = false
					break
				}
			}
		}

		if !wroteAll {
			// Client disconnected mid-stream. Deregister without waiting for
			// the flight: if this was the last waiter, leaving cancels the
			// upstream call; surviving waiters keep it running.
			return
		}

		streamErr := sub.Err()
		if streamErr == nil {
			_ = stream.WriteDone(w)
		} else {
			// Forward what arrived, then surface the failure. No [DONE]
			// terminator on broken streams.
			kind := classifyUpstream(streamErr)
			_ = stream.WriteError(w, string(kind), streamErr.Error())
		}

		// Terminal accounting for this waiter.
		<-f.Done()
		out := f.Outcome()
		g.finishStreamWaiter(st, isLeader, out, streamErr)
	})
}

// runStreamUpstream is the streaming leader's work: open the upstream
// stream, tee every chunk into the recorder and the broadcaster, and insert
// the transcript on clean completion. Partial transcripts are discarded.
func (g *Gateway) runStreamUpstream(runCtx context.Context, st *reqState, f *coalesce.Flight) coalesce.Outcome {
	runCtx, cancel := context.WithTimeout(runCtx, g.streamDeadline)
	defer cancel()

	c := st.canonical

	upStart := time.Now()
	var ch <-chan providers.StreamChunk
	var err error
	if st.endpoint == normalize.EndpointCompletions {
		ch, err = st.prov.CompletionStream(runCtx, c, st.callOpts)
	} else {
		ch, err = st.prov.ChatCompletionStream(runCtx, c, st.callOpts)
	}
	if err != nil {
		g.observeUpstream(st.providerName, string(classifyUpstream(err)), time.Since(upStart))
		f.Broadcast.Close(err)
		return coalesce.Outcome{Err: err}
	}

	rec := stream.NewRecorder()
	var content strings.Builder

	for chunk := range ch {
		if chunk.Err != nil {
			g.observeUpstream(st.providerName, string(classifyUpstream(chunk.Err)), time.Since(upStart))
			f.Broadcast.Close(chunk.Err)
			return coalesce.Outcome{Err: chunk.Err}
		}
		recorded := rec.Record(chunk.Data)
		f.Broadcast.Publish(recorded)
		content.WriteString(chunk.Content)
	}

	g.observeUpstream(st.providerName, "success", time.Since(upStart))
	rec.Finish()
	f.Broadcast.Close(nil)

	usage := providers.Usage{
		InputTokens:  accounting.EstimateTokens(c.PromptText()),
		OutputTokens: accounting.EstimateTokens(content.String()),
	}

	if transcript := rec.Transcript(); transcript != nil && st.cacheEligible && len(c.Params.Tools) == 0 {
		acct := accounting.Compute(g.prices, st.providerName, c.Model,
			usage.InputTokens, usage.OutputTokens, accounting.DispositionUpstream)
		entry := &cache.Entry{
			Fingerprint:     st.fp,
			Embedding:       st.vec,
			ProjectID:       st.project.ID,
			Endpoint:        string(c.Endpoint),
			Model:           c.Model,
			StoredAt:        time.Now(),
			ExpiresAt:       time.Now().Add(st.project.CacheTTL(g.defaultCacheTTL)),
			Kind:            cache.KindStream,
			Transcript:      transcript,
			TokensIn:        usage.InputTokens,
			TokensOut:       usage.OutputTokens,
			ProviderCostUSD: acct.CostUSD,
		}
		if err := g.store.Insert(runCtx, entry); err != nil {
			g.recordCacheOp("set", "error")
		} else {
			g.recordCacheOp("set", "ok")
			if g.metrics != nil {
				g.metrics.RecordStreamRecorded()
			}
		}
	}

	return coalesce.Outcome{Model: c.Model, Usage: usage}
}

// finishStreamWaiter emits the terminal metrics and telemetry for one
// streaming waiter once its flight has completed.
func (g *Gateway) finishStreamWaiter(st *reqState, isLeader bool, out coalesce.Outcome, streamErr error) {
	latency := time.Since(st.start)

	disposition := accounting.DispositionUpstream
	cacheLabel := cacheMiss
	if !isLeader {
		disposition = accounting.DispositionCoalesced
		cacheLabel = cacheCoalesced
	}

	model := out.Model
	if model == "" {
		model = st.canonical.Model
	}
	acct := accounting.Compute(g.prices, st.providerName, model,
		out.Usage.InputTokens, out.Usage.OutputTokens, disposition)

	g.observe(st, cacheLabel, latency, acct)

	ev := telemetry.UsageEvent{
		RequestID: st.reqID, ProjectID: st.project.ID, Timestamp: time.Now(),
		Endpoint: string(st.endpoint), Provider: st.providerName, Model: model,
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
	if err := out.Err; err != nil {
		ev.Status = classifyUpstream(err).HTTPStatus()
		ev.ErrorKind = string(classifyUpstream(err))
	} else if streamErr != nil {
		ev.ErrorKind = string(classifyUpstream(streamErr))
	}
	g.emit(ev)
}
