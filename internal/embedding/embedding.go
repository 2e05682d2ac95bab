// Package embedding computes prompt embeddings for semantic cache lookups.
//
// The embedding provider is a black box: any OpenAI-compatible embeddings
// endpoint works. Vectors are cached in-process by content hash so retries
// and coalesced followers never re-embed the same prompt. Failures are
// non-fatal by design — callers degrade to exact-match-only caching.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	// DefaultDeadline bounds one embedding call. Kept deliberately tight:
	// a slow embedding must not stall the request path.
	DefaultDeadline = 2 * time.Second

	// DefaultModel is used when no embedding model is configured.
	DefaultModel = "text-embedding-3-small"

	defaultCacheSize = 4096
)

// ErrUnavailable wraps any embedding failure. Callers treat it as a signal
// to continue with exact-match-only caching.
var ErrUnavailable = errors.New("embedding: unavailable")

// Client computes embeddings with an in-process vector cache.
type Client struct {
	client   openaiSDK.Client
	model    string
	deadline time.Duration

	vectors *lru.Cache[string, []float32]
}

// Option configures a Client.
type Option func(*Client)

// WithDeadline overrides the per-call deadline.
func WithDeadline(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.deadline = d
		}
	}
}

// WithCacheSize overrides the vector cache capacity.
func WithCacheSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			cacheImpl, _ := lru.New[string, []float32](n)
			c.vectors = cacheImpl
		}
	}
}

// New creates a Client for the given OpenAI-compatible endpoint. An empty
// baseURL targets the OpenAI API; an empty model uses DefaultModel.
func New(apiKey, baseURL, model string, opts ...Option) *Client {
	if model == "" {
		model = DefaultModel
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: 10 * time.Second}),
	}
	if baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}

	vectors, _ := lru.New[string, []float32](defaultCacheSize)

	c := &Client{
		client:   openaiSDK.NewClient(clientOpts...),
		model:    model,
		deadline: DefaultDeadline,
		vectors:  vectors,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Model returns the configured embedding model name.
func (c *Client) Model() string { return c.model }

// Embed returns the embedding vector for text. The vector cache is consulted
// first; on a miss one embedding call is made under the client deadline.
// All failures are reported as ErrUnavailable.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: empty text", ErrUnavailable)
	}

	key := contentHash(text)
	if vec, ok := c.vectors.Get(key); ok {
		return vec, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	resp, err := c.client.Embeddings.New(ctx, openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(c.model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: []string{text},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err.Error())
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrUnavailable)
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}

	c.vectors.Add(key, vec)
	return vec, nil
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
