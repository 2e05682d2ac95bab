package proxy

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/watchllm/proxy/internal/registry"
	"github.com/watchllm/proxy/pkg/apierr"
)

// Request context keys set by the middleware chain.
const (
	ctxKeyRequestID = "request_id"
	ctxKeyProject   = "project"
)

// recovery catches panics in any handler and returns a 500 without crashing
// the server process. The panic value is logged at ERROR level.
func recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				apierr.Write(ctx, apierr.KindInternal, "internal server error", apierr.CodeInternalError)
			}
		}()
		next(ctx)
	}
}

// requestID ensures every request has an X-Request-ID header. If the client
// does not supply one a UUID v4 is generated. The ID is also stored in the
// request context for downstream handlers.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue(ctxKeyRequestID, id)
		next(ctx)
	}
}

// timing records the total handler duration in the X-Response-Time response
// header.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders adds standard API hardening headers to every response.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
	}
}

// corsHandler returns a CORS middleware for the given allowed origins.
// nil or ["*"] allows any origin; OPTIONS preflights get 204 and no body.
func corsHandler(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	origin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		origin = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			ctx.Response.Header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// auth resolves the bearer token to a project via the registry. Missing or
// unknown tokens get 401; suspended projects 403. The project is stored in
// the request context for the handlers.
func (g *Gateway) auth(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		token := parseBearerToken(string(ctx.Request.Header.Peek("Authorization")))
		if token == "" {
			apierr.Write(ctx, apierr.KindUnauthenticated,
				"missing bearer token", apierr.CodeInvalidAPIKey)
			return
		}

		project, err := g.reg.Lookup(ctx, token)
		if err != nil {
			switch {
			case errors.Is(err, registry.ErrSuspended):
				apierr.Write(ctx, apierr.KindForbidden,
					"project is suspended", apierr.CodeProjectSuspended)
			case errors.Is(err, registry.ErrUnknownKey):
				apierr.Write(ctx, apierr.KindUnauthenticated,
					"invalid API key", apierr.CodeInvalidAPIKey)
			default:
				g.log.Error("registry_lookup_error", slog.String("error", err.Error()))
				apierr.Write(ctx, apierr.KindInternal,
					"registry unavailable", apierr.CodeInternalError)
			}
			return
		}

		ctx.SetUserValue(ctxKeyProject, project)
		next(ctx)
	}
}

func parseBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// projectFrom extracts the authenticated project placed by the auth
// middleware.
func projectFrom(ctx *fasthttp.RequestCtx) *registry.Project {
	p, _ := ctx.UserValue(ctxKeyProject).(*registry.Project)
	return p
}

func requestIDFrom(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue(ctxKeyRequestID).(string)
	return id
}

// applyMiddleware wraps h with the given middleware chain. The first
// middleware becomes the outermost wrapper:
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
