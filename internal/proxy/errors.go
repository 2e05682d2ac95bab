package proxy

import (
	"context"
	"errors"
	"strconv"

	"github.com/valyala/fasthttp"

	"github.com/watchllm/proxy/internal/providers"
	"github.com/watchllm/proxy/pkg/apierr"
)

// classifyUpstream maps an upstream failure to its external error kind.
func classifyUpstream(err error) apierr.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.KindTimeout
	}

	var perr *providers.Error
	if errors.As(err, &perr) {
		switch perr.Cat {
		case providers.CategoryAuth:
			return apierr.KindUpstreamAuth
		case providers.CategoryRateLimited:
			return apierr.KindUpstreamRateLimited
		case providers.CategoryInvalidRequest:
			return apierr.KindUpstreamInvalid
		default:
			return apierr.KindUpstreamUnavailable
		}
	}
	return apierr.KindUpstreamUnavailable
}

// writeUpstreamError surfaces an upstream failure to the client, unchanged
// where the taxonomy requires it (429 keeps the upstream status and carries
// a Retry-After). Returns the external kind for telemetry.
func writeUpstreamError(ctx *fasthttp.RequestCtx, err error) apierr.Kind {
	kind := classifyUpstream(err)

	switch kind {
	case apierr.KindTimeout:
		apierr.WriteTimeout(ctx)

	case apierr.KindUpstreamRateLimited:
		retryAfter := 60
		var perr *providers.Error
		if errors.As(err, &perr) && perr.RetryAfterSeconds > 0 {
			retryAfter = perr.RetryAfterSeconds
		}
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfter))
		apierr.Write(ctx, kind, err.Error(), apierr.CodeRateLimitExceeded)

	default:
		apierr.Write(ctx, kind, err.Error(), apierr.CodeUpstreamError)
	}

	return kind
}
