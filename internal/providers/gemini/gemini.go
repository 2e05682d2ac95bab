// Package gemini implements providers.Provider on top of the official
// Google GenAI SDK. Responses are translated into the canonical
// OpenAI-compatible shape; system turns become the system instruction.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/watchllm/proxy/internal/normalize"
	"github.com/watchllm/proxy/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"
)

// Provider is the Gemini adapter.
type Provider struct {
	apiKey     string
	baseURL    string
	client     *genai.Client
	httpClient *http.Client
	base       string
	apiVersion string
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for mocks).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates a Gemini Provider. Returns an error when the SDK client
// cannot be constructed.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	p := &Provider{apiKey: apiKey, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(p)
	}

	p.httpClient = &http.Client{Timeout: providers.ProviderTimeout}
	p.base, p.apiVersion = splitBaseURLAndVersion(p.baseURL)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  p.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: p.base, APIVersion: p.apiVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	p.client = client

	return p, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) ChatCompletion(ctx context.Context, c *normalize.Request, opts providers.CallOptions) (*providers.Response, error) {
	contents, cfg := buildContentsAndConfig(c)

	client, err := p.clientForKey(ctx, opts.APIKey)
	if err != nil {
		return nil, err
	}

	resp, err := client.Models.GenerateContent(ctx, c.Model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	out := &providers.Response{
		ID:    opts.RequestID,
		Model: c.Model,
	}
	if resp != nil {
		if resp.ResponseID != "" {
			out.ID = resp.ResponseID
		}
		out.Content = resp.Text()
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			out.FinishReason = translateFinishReason(resp.Candidates[0].FinishReason)
		}
		if resp.UsageMetadata != nil {
			out.Usage = providers.Usage{
				InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
				OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			}
		}
	}

	return out, nil
}

func (p *Provider) ChatCompletionStream(ctx context.Context, c *normalize.Request, opts providers.CallOptions) (<-chan providers.StreamChunk, error) {
	contents, cfg := buildContentsAndConfig(c)

	client, err := p.clientForKey(ctx, opts.APIKey)
	if err != nil {
		return nil, err
	}

	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer close(ch)
		created := time.Now().Unix()

		for resp, err := range client.Models.GenerateContentStream(ctx, c.Model, contents, cfg) {
			if err != nil {
				ch <- providers.StreamChunk{Err: toProviderError(err)}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			cand := resp.Candidates[0]
			text := candidateText(cand)
			finish := translateFinishReason(cand.FinishReason)

			if text != "" || finish != "" {
				ch <- providers.StreamChunk{
					Data:         providers.MarshalChunk(c.Model, text, finish, created),
					Content:      text,
					FinishReason: finish,
				}
			}
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

// Embeddings sends all input strings in a single EmbedContent batch.
func (p *Provider) Embeddings(ctx context.Context, c *normalize.Request, opts providers.CallOptions) (*providers.EmbeddingResponse, error) {
	contents := make([]*genai.Content, len(c.Input))
	for i, text := range c.Input {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	client, err := p.clientForKey(ctx, opts.APIKey)
	if err != nil {
		return nil, err
	}

	resp, err := client.Models.EmbedContent(ctx, c.Model, contents, nil)
	if err != nil {
		return nil, toProviderError(err)
	}
	if resp == nil || len(resp.Embeddings) == 0 {
		return nil, &providers.Error{
			Provider:   providerName,
			StatusCode: 502,
			Cat:        providers.CategoryServerError,
			Message:    "empty embedding response",
		}
	}

	data := make([]providers.EmbeddingData, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			continue
		}
		data[i] = providers.EmbeddingData{Index: i, Embedding: emb.Values}
	}

	return &providers.EmbeddingResponse{Model: c.Model, Data: data}, nil
}

func buildContentsAndConfig(c *normalize.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(c.Messages)+1)

	if c.Endpoint == normalize.EndpointCompletions {
		contents = append(contents, genai.NewContentFromText(c.Prompt, genai.RoleUser))
	}

	for _, m := range c.Messages {
		switch m.Role {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	var cfg *genai.GenerateContentConfig
	ensure := func() *genai.GenerateContentConfig {
		if cfg == nil {
			cfg = &genai.GenerateContentConfig{}
		}
		return cfg
	}

	if systemPrompt != "" {
		ensure().SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if c.Params.Temperature != nil {
		ensure().Temperature = genai.Ptr[float32](float32(*c.Params.Temperature))
	}
	if c.Params.TopP != nil {
		ensure().TopP = genai.Ptr[float32](float32(*c.Params.TopP))
	}
	if c.Params.MaxTokens > 0 {
		ensure().MaxOutputTokens = int32(c.Params.MaxTokens)
	}
	if len(c.Params.Stop) > 0 {
		ensure().StopSequences = c.Params.Stop
	}

	return contents, cfg
}

func (p *Provider) clientForKey(ctx context.Context, overrideKey string) (*genai.Client, error) {
	key := overrideKey
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
	if key == p.apiKey {
		return p.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      key,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  p.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: p.base, APIVersion: p.apiVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: override client: %w", err)
	}
	return client, nil
}

func candidateText(cand *genai.Candidate) string {
	if cand == nil || cand.Content == nil || len(cand.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if part != nil && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// translateFinishReason maps Gemini finish reasons onto OpenAI finish reasons.
func translateFinishReason(reason genai.FinishReason) string {
	switch reason {
	case genai.FinishReasonStop:
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "length"
	case "":
		return ""
	default:
		return strings.ToLower(string(reason))
	}
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &providers.Error{
			Provider:   providerName,
			StatusCode: apiErr.Code,
			Cat:        providers.Categorize(apiErr.Code),
			Message:    apiErr.Message,
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
