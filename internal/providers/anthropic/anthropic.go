// Package anthropic implements providers.Provider on top of the official
// Anthropic Go SDK. System-role messages are merged into the top-level
// system field and SSE events are translated back into the canonical
// OpenAI-compatible chunk framing.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/watchllm/proxy/internal/normalize"
	"github.com/watchllm/proxy/internal/providers"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	providerName   = "anthropic"
)

// Provider is the Anthropic adapter.
type Provider struct {
	apiKey  string
	baseURL string
	client  anthropicSDK.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for mocks).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates an Anthropic Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(p)
	}

	p.client = anthropicSDK.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: providers.ProviderTimeout}),
	)
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, anthropicSDK.ModelListParams{
		Limit: anthropicSDK.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toProviderError(err))
	}
	return nil
}

// ChatCompletion performs a unary message call.
func (p *Provider) ChatCompletion(ctx context.Context, c *normalize.Request, opts providers.CallOptions) (*providers.Response, error) {
	params := buildParams(c)
	reqOpts, err := p.requestOptions(opts)
	if err != nil {
		return nil, err
	}

	msg, err := p.client.Messages.New(ctx, params, reqOpts...)
	if err != nil {
		return nil, toProviderError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch tb := b.AsAny().(type) {
		case anthropicSDK.TextBlock:
			sb.WriteString(tb.Text)
		case *anthropicSDK.TextBlock:
			sb.WriteString(tb.Text)
		}
	}
	content := sb.String()

	return &providers.Response{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Content:      content,
		FinishReason: translateStopReason(string(msg.StopReason)),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

// ChatCompletionStream performs a streaming message call, translating
// content_block_delta events into canonical chunk payloads.
func (p *Provider) ChatCompletionStream(ctx context.Context, c *normalize.Request, opts providers.CallOptions) (<-chan providers.StreamChunk, error) {
	params := buildParams(c)
	reqOpts, err := p.requestOptions(opts)
	if err != nil {
		return nil, err
	}

	ch := make(chan providers.StreamChunk, 64)
	stream := p.client.Messages.NewStreaming(ctx, params, reqOpts...)

	go func() {
		defer close(ch)
		created := time.Now().Unix()

		for stream.Next() {
			ev := stream.Current()
			switch event := ev.AsAny().(type) {
			case anthropicSDK.ContentBlockDeltaEvent:
				text := ""
				switch delta := event.Delta.AsAny().(type) {
				case anthropicSDK.TextDelta:
					text = delta.Text
				case *anthropicSDK.TextDelta:
					text = delta.Text
				}
				if text != "" {
					ch <- providers.StreamChunk{
						Data:    providers.MarshalChunk(c.Model, text, "", created),
						Content: text,
					}
				}
			case anthropicSDK.MessageDeltaEvent:
				if event.Delta.StopReason != "" {
					finish := translateStopReason(string(event.Delta.StopReason))
					ch <- providers.StreamChunk{
						Data:         providers.MarshalChunk(c.Model, "", finish, created),
						FinishReason: finish,
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{Err: toProviderError(err)}
		}
	}()

	return ch, nil
}

// Completion maps the legacy completions prompt onto a single user turn.
func (p *Provider) Completion(ctx context.Context, c *normalize.Request, opts providers.CallOptions) (*providers.Response, error) {
	return p.ChatCompletion(ctx, c, opts)
}

// CompletionStream is the streaming flavor of Completion.
func (p *Provider) CompletionStream(ctx context.Context, c *normalize.Request, opts providers.CallOptions) (<-chan providers.StreamChunk, error) {
	return p.ChatCompletionStream(ctx, c, opts)
}

// Embeddings is unsupported — Anthropic has no embeddings API.
func (p *Provider) Embeddings(_ context.Context, _ *normalize.Request, _ providers.CallOptions) (*providers.EmbeddingResponse, error) {
	return nil, &providers.Error{
		Provider:   providerName,
		StatusCode: 400,
		Cat:        providers.CategoryInvalidRequest,
		Message:    "anthropic does not support embeddings",
	}
}

// buildParams translates the canonical request. System and developer turns
// are merged into the top-level system field; a missing max_tokens gets the
// adapter default because Anthropic requires it.
func buildParams(c *normalize.Request) anthropicSDK.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropicSDK.MessageParam, 0, len(c.Messages)+1)

	if c.Endpoint == normalize.EndpointCompletions {
		msgs = append(msgs, toSDKMessage("user", c.Prompt))
	}

	for _, m := range c.Messages {
		switch m.Role {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := c.Params.MaxTokens
	if maxTokens == 0 {
		maxTokens = providers.DefaultMaxTokens
	}

	params := anthropicSDK.MessageNewParams{
		Model:     anthropicSDK.Model(c.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropicSDK.TextBlockParam{{Text: systemPrompt}}
	}
	if c.Params.Temperature != nil {
		params.Temperature = anthropicSDK.Float(*c.Params.Temperature)
	}
	if c.Params.TopP != nil {
		params.TopP = anthropicSDK.Float(*c.Params.TopP)
	}
	if len(c.Params.Stop) > 0 {
		params.StopSequences = c.Params.Stop
	}

	return params
}

func toSDKMessage(role, content string) anthropicSDK.MessageParam {
	sdkRole := anthropicSDK.MessageParamRoleUser
	if role == "assistant" {
		sdkRole = anthropicSDK.MessageParamRoleAssistant
	}
	return anthropicSDK.MessageParam{
		Role: sdkRole,
		Content: []anthropicSDK.ContentBlockParamUnion{
			{OfText: &anthropicSDK.TextBlockParam{Text: content}},
		},
	}
}

// translateStopReason maps Anthropic stop reasons onto OpenAI finish reasons.
func translateStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "":
		return ""
	default:
		return reason
	}
}

func toProviderError(err error) error {
	var apierr *anthropicSDK.Error
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

func (p *Provider) requestOptions(opts providers.CallOptions) ([]option.RequestOption, error) {
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
	return []option.RequestOption{option.WithAPIKey(key)}, nil
}
