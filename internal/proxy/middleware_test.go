package proxy

import (
	"testing"

	"github.com/valyala/fasthttp"
)

func TestParseBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"bearer abc123", "abc123"},
		{"Bearer  abc123 ", "abc123"},
		{"Basic abc123", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := parseBearerToken(tc.header); got != tc.want {
			t.Errorf("parseBearerToken(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestRequestIDGenerated(t *testing.T) {
	var ctx fasthttp.RequestCtx

	handler := requestID(func(ctx *fasthttp.RequestCtx) {
		if requestIDFrom(ctx) == "" {
			t.Fatal("request id missing from context")
		}
	})
	handler(&ctx)

	if len(ctx.Response.Header.Peek("X-Request-ID")) == 0 {
		t.Fatal("X-Request-ID header not set")
	}
}

func TestRequestIDPropagated(t *testing.T) {
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.Set("X-Request-ID", "client-chosen")

	handler := requestID(func(ctx *fasthttp.RequestCtx) {})
	handler(&ctx)

	if got := string(ctx.Response.Header.Peek("X-Request-ID")); got != "client-chosen" {
		t.Fatalf("X-Request-ID = %q, want client-chosen", got)
	}
}

func TestRecoveryCatchesPanic(t *testing.T) {
	var ctx fasthttp.RequestCtx

	handler := recovery(func(ctx *fasthttp.RequestCtx) {
		panic("boom")
	})
	handler(&ctx) // must not propagate

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", ctx.Response.StatusCode())
	}
}

func TestCORSPreflight(t *testing.T) {
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(fasthttp.MethodOptions)

	called := false
	handler := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) { called = true })
	handler(&ctx)

	if called {
		t.Fatal("preflight must not reach the handler")
	}
	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Fatalf("status = %d, want 204", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != "*" {
		t.Fatalf("allow-origin = %q, want *", got)
	}
}

func TestCORSSpecificOrigins(t *testing.T) {
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(fasthttp.MethodGet)

	handler := corsHandler([]string{"https://app.example.com"})(func(ctx *fasthttp.RequestCtx) {})
	handler(&ctx)

	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != "https://app.example.com" {
		t.Fatalf("allow-origin = %q", got)
	}
}
