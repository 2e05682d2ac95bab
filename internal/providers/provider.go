// Package providers defines the common interface and types implemented by
// all upstream LLM provider adapters (OpenAI, Anthropic, Groq, Gemini, and
// generic OpenAI-compatible gateways).
//
// Each adapter lives in its own sub-package, translates the canonical
// request into the provider's native shape, and translates the response back
// into the canonical OpenAI-compatible form the client expects. Streaming
// adapters deliver chunks already framed as OpenAI chat.completion.chunk
// payloads so the edge can forward, record, and replay them byte-for-byte.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/watchllm/proxy/internal/normalize"
)

// Default adapter constants.
const (
	ProviderTimeout  = 30 * time.Second
	DefaultMaxTokens = 4096
)

// Category classifies provider failures for the error taxonomy.
type Category string

const (
	CategoryAuth           Category = "auth"
	CategoryRateLimited    Category = "rate_limited"
	CategoryInvalidRequest Category = "invalid_request"
	CategoryServerError    Category = "server_error"
	CategoryNetwork        Category = "network"
)

// Error is a structured upstream failure.
type Error struct {
	Provider   string
	StatusCode int
	Cat        Category
	Message    string

	// RetryAfterSeconds is the Retry-After value the edge sends on 429s; zero
	// makes the edge send its 60-second default. The bundled adapters do not
	// read the upstream Retry-After header, so they leave it zero.
	RetryAfterSeconds int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (status=%d, category=%s)", e.Provider, e.Message, e.StatusCode, e.Cat)
}

// HTTPStatus implements StatusCoder.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// Category returns the taxonomy bucket for this error.
func (e *Error) Category() Category { return e.Cat }

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface{ HTTPStatus() int }

// Categorize maps an HTTP status to a Category. Status 0 means no response
// was received (network failure).
func Categorize(status int) Category {
	switch {
	case status == 0:
		return CategoryNetwork
	case status == 401 || status == 403:
		return CategoryAuth
	case status == 429:
		return CategoryRateLimited
	case status >= 400 && status < 500:
		return CategoryInvalidRequest
	default:
		return CategoryServerError
	}
}

type (
	// Usage — token usage reported by the provider. Zero values mean the
	// provider did not report usage and the caller should estimate.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// Response is the canonical unary result.
	Response struct {
		ID           string
		Model        string
		Content      string
		FinishReason string

		// ToolCalls is the raw tool_calls JSON when the model invoked a
		// tool, passed through untranslated.
		ToolCalls json.RawMessage

		Usage Usage
	}

	// StreamChunk is one server-sent event of a streaming response.
	// Data is the full chunk payload exactly as it is written after
	// "data: " on the wire; Content is the bare text delta (kept alongside
	// so consumers can count tokens without re-parsing Data); FinishReason
	// is set on the final content chunk. Err terminates the stream when
	// non-nil.
	StreamChunk struct {
		Data         []byte
		Content      string
		FinishReason string
		Err          error
	}

	// CallOptions carries per-request overrides.
	CallOptions struct {
		// APIKey overrides the adapter's configured key (project-scoped
		// provider credentials from the registry).
		APIKey    string
		RequestID string
	}

	// EmbeddingData — a single embedding vector.
	EmbeddingData struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	// EmbeddingResponse — normalized embedding result.
	EmbeddingResponse struct {
		Model string
		Data  []EmbeddingData
		Usage Usage
	}
)

// Provider is the uniform adapter surface.
//
// Completion serves the legacy completions endpoint; adapters for providers
// without a native completions API map the prompt onto a single user turn.
// Embeddings has no streaming flavor (no provider streams embeddings).
type Provider interface {
	Name() string

	ChatCompletion(ctx context.Context, c *normalize.Request, opts CallOptions) (*Response, error)
	ChatCompletionStream(ctx context.Context, c *normalize.Request, opts CallOptions) (<-chan StreamChunk, error)

	Completion(ctx context.Context, c *normalize.Request, opts CallOptions) (*Response, error)
	CompletionStream(ctx context.Context, c *normalize.Request, opts CallOptions) (<-chan StreamChunk, error)

	Embeddings(ctx context.Context, c *normalize.Request, opts CallOptions) (*EmbeddingResponse, error)

	HealthCheck(ctx context.Context) error
}

// ModelAliases maps exact model names to provider names. Checked before the
// family-prefix rules in Route.
var ModelAliases = map[string]string{
	// OpenAI
	"gpt-4":         "openai",
	"gpt-4o":        "openai",
	"gpt-4o-mini":   "openai",
	"gpt-4-turbo":   "openai",
	"gpt-4.1":       "openai",
	"gpt-4.1-mini":  "openai",
	"gpt-3.5-turbo": "openai",
	"o1":            "openai",
	"o1-mini":       "openai",
	"o3-mini":       "openai",

	// Groq-hosted open models
	"llama-3.3-70b-versatile": "groq",
	"llama-3.1-70b-versatile": "groq",
	"llama-3.1-8b-instant":    "groq",
	"llama3-70b-8192":         "groq",
	"llama3-8b-8192":          "groq",
	"gemma2-9b-it":            "groq",
	"mixtral-8x7b-32768":      "groq",

	// Embedding models
	"text-embedding-3-small": "openai",
	"text-embedding-3-large": "openai",
	"text-embedding-ada-002": "openai",
	"text-embedding-004":     "gemini",
}

// familyPrefixes maps model-name prefixes to providers. A family prefix
// overrides the configured default ("claude-*" always routes to Anthropic).
var familyPrefixes = []struct {
	prefix   string
	provider string
}{
	{"claude", "anthropic"},
	{"gpt-", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"gemini", "gemini"},
	{"gemma", "gemini"},
	{"llama", "groq"},
	{"mixtral", "groq"},
}

// Route returns the provider name for a model: exact alias first, then
// family prefix, then the configured default (wildcard fallback).
func Route(model, defaultProvider string) string {
	if name, ok := ModelAliases[model]; ok {
		return name
	}
	lower := strings.ToLower(model)
	for _, f := range familyPrefixes {
		if strings.HasPrefix(lower, f.prefix) {
			return f.provider
		}
	}
	if defaultProvider != "" {
		return defaultProvider
	}
	return "openai"
}

// ChunkID is the synthetic id carried by replayed and recorded stream chunks.
const ChunkID = "chatcmpl-stream"

// MarshalChunk builds an OpenAI chat.completion.chunk payload for one content
// delta. Used by adapters that translate non-OpenAI SSE dialects and by the
// replayer when synthesizing a stream from a unary entry.
func MarshalChunk(model, content, finishReason string, created int64) []byte {
	var finish any
	if finishReason != "" {
		finish = finishReason
	}
	payload := map[string]any{
		"id":      ChunkID,
		"object":  "chat.completion.chunk",
		"created": created,
		"model":   model,
		"choices": []map[string]any{
			{
				"index":         0,
				"delta":         map[string]string{"content": content},
				"finish_reason": finish,
			},
		},
	}
	data, _ := json.Marshal(payload)
	return data
}
