package proxy

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// analyticsMaxRequests caps the request-list response size.
const analyticsMaxRequests = 100

// handleAnalyticsSummary serves GET /v1/analytics/summary: read-only
// aggregates over the recent in-memory event window, scoped to the
// authenticated project. The durable analytics pipeline consumes the same
// event stream from the columnar store; this endpoint exists so operators
// can sanity-check a proxy instance without it.
func (g *Gateway) handleAnalyticsSummary(ctx *fasthttp.RequestCtx) {
	project := projectFrom(ctx)
	writeJSON(ctx, g.recent.Summarize(project.ID))
}

// handleAnalyticsRequests serves GET /v1/analytics/requests: the most recent
// usage events for the authenticated project, newest last. The optional
// ?limit= parameter caps the count (default and max 100).
func (g *Gateway) handleAnalyticsRequests(ctx *fasthttp.RequestCtx) {
	project := projectFrom(ctx)

	limit := analyticsMaxRequests
	if raw := string(ctx.QueryArgs().Peek("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n < analyticsMaxRequests {
			limit = n
		}
	}

	events := g.recent.Recent(project.ID)
	if len(events) > limit {
		events = events[len(events)-limit:]
	}

	writeJSON(ctx, map[string]any{
		"object": "list",
		"data":   events,
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
