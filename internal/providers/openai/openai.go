// Package openai implements providers.Provider on top of the official
// OpenAI Go SDK.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/watchllm/proxy/internal/normalize"
	"github.com/watchllm/proxy/internal/providers"
)

const providerName = "openai"

// Provider is the OpenAI adapter.
type Provider struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for mocks and gateways).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates an OpenAI Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey}
	for _, o := range opts {
		o(p)
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: providers.ProviderTimeout}),
	}
	if p.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(p.baseURL))
	}

	p.client = openaiSDK.NewClient(clientOpts...)
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", toProviderError(err))
	}
	return nil
}

// ChatCompletion performs a unary chat completion.
func (p *Provider) ChatCompletion(ctx context.Context, c *normalize.Request, opts providers.CallOptions) (*providers.Response, error) {
	params := buildParams(c, c.Messages)
	reqOpts, err := p.requestOptions(c, opts)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Chat.Completions.New(ctx, params, reqOpts...)
	if err != nil {
		return nil, toProviderError(err)
	}
	return fromSDKResponse(resp), nil
}

// ChatCompletionStream performs a streaming chat completion. Chunks are
// re-framed through providers.MarshalChunk so every adapter emits the same
// canonical chunk shape.
func (p *Provider) ChatCompletionStream(ctx context.Context, c *normalize.Request, opts providers.CallOptions) (<-chan providers.StreamChunk, error) {
	params := buildParams(c, c.Messages)
	reqOpts, err := p.requestOptions(c, opts)
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
			ch <- providers.StreamChunk{Err: toProviderError(err)}
		}
	}()

	return ch, nil
}

// Completion serves the legacy completions endpoint by mapping the prompt
// onto a single user turn.
func (p *Provider) Completion(ctx context.Context, c *normalize.Request, opts providers.CallOptions) (*providers.Response, error) {
	return p.ChatCompletion(ctx, c, opts)
}

// CompletionStream is the streaming flavor of Completion.
func (p *Provider) CompletionStream(ctx context.Context, c *normalize.Request, opts providers.CallOptions) (<-chan providers.StreamChunk, error) {
	return p.ChatCompletionStream(ctx, c, opts)
}

// Embeddings calls the embeddings API.
func (p *Provider) Embeddings(ctx context.Context, c *normalize.Request, opts providers.CallOptions) (*providers.EmbeddingResponse, error) {
	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(c.Model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: c.Input,
		},
	}

	reqOpts, err := p.requestOptions(c, opts)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Embeddings.New(ctx, params, reqOpts...)
	if err != nil {
		return nil, toProviderError(err)
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

// buildParams translates the canonical request into SDK params. Tools and
// tool_choice are injected as raw JSON so the canonical encoding passes
// through untouched.
func buildParams(c *normalize.Request, messages []normalize.Message) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if c.Endpoint == normalize.EndpointCompletions {
		msgs = append(msgs, openaiSDK.UserMessage(c.Prompt))
	}
	for _, m := range messages {
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
	if c.Params.N > 1 {
		params.N = openaiSDK.Int(int64(c.Params.N))
	}
	if len(c.Params.Stop) > 0 {
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{
			OfStringArray: c.Params.Stop,
		}
	}

	return params
}

func (p *Provider) requestOptions(c *normalize.Request, opts providers.CallOptions) ([]option.RequestOption, error) {
	key := opts.APIKey
	if key == "" {
		key = p.apiKey
	}
	if key == "" {
		return nil, &providers.Error{
			Provider: providerName,
			Cat:      providers.CategoryAuth,
			Message:  "no API key configured",
		}
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(key)}
	if len(c.Params.Tools) > 0 {
		reqOpts = append(reqOpts, option.WithJSONSet("tools", c.Params.Tools))
	}
	if c.Params.ToolChoice != "" {
		// A named-tool choice survives canonicalization as a JSON object
		// string; plain modes ("auto", "none", "required") as bare strings.
		if strings.HasPrefix(c.Params.ToolChoice, "{") {
			reqOpts = append(reqOpts, option.WithJSONSet("tool_choice", json.RawMessage(c.Params.ToolChoice)))
		} else {
			reqOpts = append(reqOpts, option.WithJSONSet("tool_choice", c.Params.ToolChoice))
		}
	}
	return reqOpts, nil
}

func fromSDKResponse(resp *openaiSDK.ChatCompletion) *providers.Response {
	out := &providers.Response{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out.Content = choice.Message.Content
		out.FinishReason = choice.FinishReason
		if len(choice.Message.ToolCalls) > 0 {
			out.ToolCalls = []byte(choice.Message.JSON.ToolCalls.Raw())
		}
	}
	return out
}

func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &providers.Error{
			Provider:   providerName,
			StatusCode: apierr.StatusCode,
			Cat:        providers.Categorize(apierr.StatusCode),
			Message:    apierr.Error(),
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return &providers.Error{
		Provider: providerName,
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
