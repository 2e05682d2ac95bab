// Package apierr provides the structured API error envelope and HTTP status
// mapping compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// Kind identifies one externally visible error category.
type Kind string

// Error kinds. Upstream-prefixed kinds surface provider failures verbatim;
// the rest originate inside the proxy.
const (
	KindBadRequest          Kind = "bad_request"
	KindUnauthenticated     Kind = "unauthenticated"
	KindForbidden           Kind = "forbidden"
	KindRateLimited         Kind = "rate_limited"
	KindUpstreamRateLimited Kind = "upstream_rate_limited"
	KindUpstreamAuth        Kind = "upstream_auth"
	KindUpstreamInvalid     Kind = "upstream_invalid"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindTimeout             Kind = "timeout"
	KindInternal            Kind = "internal"
)

// Code constants used in the "code" field of the envelope.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeProjectSuspended  = "project_suspended"
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeQuotaExceeded     = "monthly_quota_exceeded"
	CodeUpstreamError     = "upstream_error"
	CodeRequestTimeout    = "request_timeout"
	CodeInternalError     = "internal_error"
)

// HTTPStatus returns the HTTP status code for a kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBadRequest:
		return fasthttp.StatusBadRequest
	case KindUnauthenticated:
		return fasthttp.StatusUnauthorized
	case KindForbidden:
		return fasthttp.StatusForbidden
	case KindRateLimited, KindUpstreamRateLimited:
		return fasthttp.StatusTooManyRequests
	case KindUpstreamAuth, KindUpstreamInvalid, KindUpstreamUnavailable:
		return fasthttp.StatusBadGateway
	case KindTimeout:
		return fasthttp.StatusGatewayTimeout
	default:
		return fasthttp.StatusInternalServerError
	}
}

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON with the status derived from kind.
func Write(ctx *fasthttp.RequestCtx, kind Kind, message, code string) {
	WriteStatus(ctx, kind.HTTPStatus(), kind, message, code)
}

// WriteStatus writes the error as JSON with an explicit HTTP status. Used when
// an upstream status must be surfaced unchanged (e.g. a provider 429).
func WriteStatus(ctx *fasthttp.RequestCtx, status int, kind Kind, message, code string) {
	ctx.ResetBody()
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    string(kind),
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteRateLimit writes a 429 with a Retry-After header in whole seconds
// (rounded up so clients never retry early).
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfterSeconds int, message, code string) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	Write(ctx, KindRateLimited, message, code)
}

// WriteTimeout writes a 504 deadline-exceeded error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, KindTimeout, "request deadline exceeded", CodeRequestTimeout)
}
