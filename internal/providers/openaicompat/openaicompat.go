// Package openaicompat provides a configurable adapter for any service that
// implements the OpenAI chat completions API (Groq, gateways, local mocks).
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/watchllm/proxy/internal/normalize"
	"github.com/watchllm/proxy/internal/providers"
)

// GroqBaseURL is the OpenAI-compatible endpoint for Groq.
const GroqBaseURL = "https://api.groq.com/openai/v1"

// Provider is a named OpenAI-compatible adapter.
type Provider struct {
	name    string
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// New creates an OpenAI-compatible Provider.
//
//   - name    — unique provider identifier used for routing and logs.
//   - apiKey  — API key sent as "Authorization: Bearer <key>".
//   - baseURL — API base URL, e.g. "https://api.groq.com/openai/v1".
func New(name, apiKey, baseURL string) *Provider {
	p := &Provider{name: name, apiKey: apiKey, baseURL: baseURL}

	opts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: providers.ProviderTimeout}),
	}
	if p.baseURL != "" {
		opts = append(opts, option.WithBaseURL(p.baseURL))
	}

	p.client = openaiSDK.NewClient(opts...)
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, p.toProviderError(err))
	}
	return nil
}

func (p *Provider) ChatCompletion(ctx context.Context, c *normalize.Request, opts providers.CallOptions) (*providers.Response, error) {
	params := p.buildParams(c)
	reqOpts, err := p.requestOptions(opts)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Chat.Completions.New(ctx, params, reqOpts...)
	if err != nil {
		return nil, p.toProviderError(err)
	}

	out := &providers.Response{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
		out.FinishReason = resp.Choices[0].FinishReason
	}
	return out, nil
}

func (p *Provider) ChatCompletionStream(ctx context.Context, c *normalize.Request, opts providers.CallOptions) (<-chan providers.StreamChunk, error) {
	params := p.buildParams(c)
	reqOpts, err := p.requestOptions(opts)
	if err != nil {
		return nil, err
	}

	ch := make(chan providers.StreamChunk, 64)
	stream := p.client.Chat.Completions.NewStreaming(ctx, params, reqOpts...)

	go func() {
		defer close(ch)
		created := time.Now().Unix()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content == "" && choice.FinishReason == "" {
				continue
			}
			ch <- providers.StreamChunk{
				Data:         providers.MarshalChunk(chunk.Model, choice.Delta.Content, choice.FinishReason, created),
				Content:      choice.Delta.Content,
				FinishReason: choice.FinishReason,
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{Err: p.toProviderError(err)}
		}
	}()

	return ch, nil
}

func (p *Provider) Completion(ctx context.Context, c *normalize.Request, opts providers.CallOptions) (*providers.Response, error) {
	return p.ChatCompletion(ctx, c, opts)
}

func (p *Provider) CompletionStream(ctx context.Context, c *normalize.Request, opts providers.CallOptions) (<-chan providers.StreamChunk, error) {
	return p.ChatCompletionStream(ctx, c, opts)
}

func (p *Provider) Embeddings(ctx context.Context, c *normalize.Request, opts providers.CallOptions) (*providers.EmbeddingResponse, error) {
	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(c.Model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: c.Input,
		},
	}

	reqOpts, err := p.requestOptions(opts)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Embeddings.New(ctx, params, reqOpts...)
	if err != nil {
		return nil, p.toProviderError(err)
	}

	data := make([]providers.EmbeddingData, len(resp.Data))
	for i, d := range resp.Data {
		f32 := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			f32[j] = float32(v)
		}
		data[i] = providers.EmbeddingData{Index: int(d.Index), Embedding: f32}
	}

	return &providers.EmbeddingResponse{
		Model: resp.Model,
		Data:  data,
		Usage: providers.Usage{InputTokens: int(resp.Usage.PromptTokens)},
	}, nil
}

func (p *Provider) buildParams(c *normalize.Request) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(c.Messages)+1)
	if c.Endpoint == normalize.EndpointCompletions {
		msgs = append(msgs, openaiSDK.UserMessage(c.Prompt))
	}
	for _, m := range c.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    c.Model,
	}

	if c.Params.Temperature != nil {
		params.Temperature = openaiSDK.Float(*c.Params.Temperature)
	}
	if c.Params.TopP != nil {
		params.TopP = openaiSDK.Float(*c.Params.TopP)
	}
	if c.Params.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(c.Params.MaxTokens))
	}
	if len(c.Params.Stop) > 0 {
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{
			OfStringArray: c.Params.Stop,
		}
	}

	return params
}

func (p *Provider) requestOptions(opts providers.CallOptions) ([]option.RequestOption, error) {
	key := opts.APIKey
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return nil, &providers.Error{
			Provider: p.name,
			Cat:      providers.CategoryAuth,
			Message:  "no API key configured",
		}
	}
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}

func (p *Provider) toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &providers.Error{
			Provider:   p.name,
			StatusCode: apierr.StatusCode,
			Cat:        providers.Categorize(apierr.StatusCode),
			Message:    apierr.Error(),
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return &providers.Error{
		Provider: p.name,
		Cat:      providers.CategoryNetwork,
		Message:  err.Error(),
	}
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch role {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
