// Package normalize reduces an incoming OpenAI-compatible request body to a
// canonical form and derives the two cache keys from it: the exact
// fingerprint (SHA-256 over canonical bytes) and the prompt-only projection
// used for the semantic embedding.
//
// Determinism is the sole invariant here: two semantically equivalent inputs
// must produce bit-identical canonical bytes. Any non-determinism fragments
// the cache.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Endpoint identifies the API surface a request arrived on.
type Endpoint string

const (
	EndpointChat        Endpoint = "chat"
	EndpointCompletions Endpoint = "completions"
	EndpointEmbeddings  Endpoint = "embeddings"
)

// DefaultMaxBodyBytes bounds the raw request body accepted by Canonicalize.
const DefaultMaxBodyBytes = 1 << 20 // 1 MiB

// Message is one canonical conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params holds the generation parameters that survive canonicalization.
// Pointer fields distinguish "explicitly set" from "elided provider default".
type Params struct {
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	N           int             `json:"n,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
}

// Request is the canonical form of an inbound request.
type Request struct {
	ProjectID string   `json:"-"`
	Endpoint  Endpoint `json:"endpoint"`
	Model     string   `json:"model"`

	// Messages is set for chat requests, Prompt for legacy completions,
	// Input for embeddings. Exactly one is populated per endpoint.
	Messages []Message `json:"messages,omitempty"`
	Prompt   string    `json:"prompt,omitempty"`
	Input    []string  `json:"input,omitempty"`

	Params Params `json:"params"`

	// Stream is excluded from the canonical byte encoding so that streaming
	// and non-streaming forms of the same prompt share a cache entry family.
	Stream bool `json:"-"`
}

// Error is a normalization failure. It always maps to bad_request.
type Error struct{ msg string }

func (e *Error) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// inbound mirrors the OpenAI chat/completions/embeddings request schema,
// limited to the fields the proxy understands. Unknown and client-only
// fields ("user", "metadata", "store", ...) are dropped.
type inbound struct {
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	Prompt      json.RawMessage `json:"prompt"`
	Input       json.RawMessage `json:"input"`
	Temperature *float64        `json:"temperature"`
	TopP        *float64        `json:"top_p"`
	MaxTokens   int             `json:"max_tokens"`
	N           int             `json:"n"`
	Stop        json.RawMessage `json:"stop"`
	Tools       json.RawMessage `json:"tools"`
	ToolChoice  json.RawMessage `json:"tool_choice"`
	Stream      bool            `json:"stream"`
}

// Canonicalize parses and normalizes a raw request body.
//
// Normalization rules:
//   - role names lowercased, trailing whitespace trimmed from content
//   - parameters equal to the documented defaults elided (temperature 1.0,
//     top_p 1.0, n 1)
//   - stop sequences sorted (order does not affect generation)
//   - tools canonicalized with sorted object keys
//   - the stream flag is carried but excluded from the hash input
func Canonicalize(endpoint Endpoint, raw []byte, maxBytes int) (*Request, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	if len(raw) == 0 {
		return nil, badRequest("empty request body")
	}
	if len(raw) > maxBytes {
		return nil, badRequest("request body exceeds %d bytes", maxBytes)
	}

	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, badRequest("invalid JSON: %s", err.Error())
	}
	if in.Model == "" {
		return nil, badRequest("field 'model' is required")
	}

	c := &Request{
		Endpoint: endpoint,
		Model:    in.Model,
		Stream:   in.Stream,
	}

	switch endpoint {
	case EndpointChat:
		if len(in.Messages) == 0 {
			return nil, badRequest("field 'messages' is required")
		}
		c.Messages = make([]Message, len(in.Messages))
		for i, m := range in.Messages {
			role := strings.ToLower(strings.TrimSpace(m.Role))
			if role == "" {
				return nil, badRequest("message %d: field 'role' is required", i)
			}
			c.Messages[i] = Message{
				Role:    role,
				Content: strings.TrimRight(m.Content, " \t\r\n"),
			}
		}

	case EndpointCompletions:
		prompt, err := parseStringOrJoin(in.Prompt)
		if err != nil || prompt == "" {
			return nil, badRequest("field 'prompt' is required")
		}
		c.Prompt = strings.TrimRight(prompt, " \t\r\n")

	case EndpointEmbeddings:
		inputs, err := parseStringArray(in.Input)
		if err != nil {
			return nil, badRequest("field 'input' must be a string or array of strings")
		}
		if len(inputs) == 0 {
			return nil, badRequest("field 'input' is required")
		}
		c.Input = inputs

	default:
		return nil, badRequest("unsupported endpoint %q", endpoint)
	}

	// Elide documented defaults so "temperature": 1 and an absent temperature
	// canonicalize identically.
	if in.Temperature != nil && *in.Temperature != 1.0 {
		c.Params.Temperature = in.Temperature
	}
	if in.TopP != nil && *in.TopP != 1.0 {
		c.Params.TopP = in.TopP
	}
	if in.MaxTokens > 0 {
		c.Params.MaxTokens = in.MaxTokens
	}
	if in.N > 1 {
		c.Params.N = in.N
	}

	stop, err := parseStringArray(in.Stop)
	if err != nil {
		return nil, badRequest("field 'stop' must be a string or array of strings")
	}
	if len(stop) > 0 {
		sort.Strings(stop)
		c.Params.Stop = stop
	}

	if len(in.Tools) > 0 && string(in.Tools) != "null" {
		canonTools, err := canonicalJSON(in.Tools)
		if err != nil {
			return nil, badRequest("field 'tools' is not valid JSON")
		}
		c.Params.Tools = canonTools
	}
	if len(in.ToolChoice) > 0 && string(in.ToolChoice) != "null" {
		var s string
		if err := json.Unmarshal(in.ToolChoice, &s); err == nil {
			c.Params.ToolChoice = s
		} else {
			canon, err := canonicalJSON(in.ToolChoice)
			if err != nil {
				return nil, badRequest("field 'tool_choice' is not valid JSON")
			}
			c.Params.ToolChoice = string(canon)
		}
	}

	return c, nil
}

// CanonicalBytes returns the deterministic byte encoding used for hashing.
// Struct field order is fixed at compile time and nested raw JSON has been
// key-sorted by Canonicalize, so the encoding is reproducible byte-for-byte.
func (c *Request) CanonicalBytes() []byte {
	data, _ := json.Marshal(c)
	return data
}

// Fingerprint returns the SHA-256 content hash of the canonical bytes.
func (c *Request) Fingerprint() [32]byte {
	return sha256.Sum256(c.CanonicalBytes())
}

// FingerprintHex returns the fingerprint as lowercase hex.
func (c *Request) FingerprintHex() string {
	fp := c.Fingerprint()
	return hex.EncodeToString(fp[:])
}

// PromptText returns the prompt-only projection embedded for semantic lookup:
// system and user message content concatenated in order. Assistant turns and
// tool results are excluded.
func (c *Request) PromptText() string {
	switch c.Endpoint {
	case EndpointCompletions:
		return c.Prompt
	case EndpointEmbeddings:
		return strings.Join(c.Input, "\n")
	}
	var sb strings.Builder
	for _, m := range c.Messages {
		if m.Role != "system" && m.Role != "user" && m.Role != "developer" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(m.Content)
	}
	return sb.String()
}

// Cacheable reports whether the request may participate in the cache at all.
// Sampling requests (explicit temperature > 0) and multi-choice requests are
// inherently non-deterministic and never cached. Requests carrying tool
// definitions are cacheable only when tool_choice is "none"; otherwise the
// decision is deferred to the response (see ResponseCacheable).
func (c *Request) Cacheable() bool {
	if c.Params.Temperature != nil && *c.Params.Temperature > 0 {
		return false
	}
	if c.Params.N > 1 {
		return false
	}
	return true
}

// ResponseCacheable reports whether a response body may be stored for this
// request. Tool-calling responses are stateful and never cached.
func (c *Request) ResponseCacheable(responseBody []byte) bool {
	if !c.Cacheable() {
		return false
	}
	if len(c.Params.Tools) == 0 {
		return true
	}
	if c.Params.ToolChoice == "none" {
		return true
	}
	return !containsToolCall(responseBody)
}

// containsToolCall detects a tool_calls block in an OpenAI-shaped response.
func containsToolCall(body []byte) bool {
	var resp struct {
		Choices []struct {
			Message struct {
				ToolCalls json.RawMessage `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false
	}
	for _, ch := range resp.Choices {
		if len(ch.Message.ToolCalls) > 0 && string(ch.Message.ToolCalls) != "null" {
			return true
		}
	}
	return false
}

func parseStringOrJoin(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	arr, err := parseStringArray(raw)
	if err != nil {
		return "", err
	}
	return strings.Join(arr, "\n"), nil
}

func parseStringArray(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, nil
		}
		return []string{s}, nil
	}
	return nil, fmt.Errorf("not a string or string array")
}

// canonicalJSON re-encodes raw JSON with object keys sorted at every level
// and numbers rendered in their shortest form.
func canonicalJSON(raw json.RawMessage) (json.RawMessage, error) {
	var v any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var sb strings.Builder
	writeCanonical(&sb, v)
	return json.RawMessage(sb.String()), nil
}

func writeCanonical(sb *strings.Builder, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			sb.Write(kb)
			sb.WriteByte(':')
			writeCanonical(sb, t[k])
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, e)
		}
		sb.WriteByte(']')
	case json.Number:
		sb.WriteString(t.String())
	case string:
		b, _ := json.Marshal(t)
		sb.Write(b)
	case bool:
		sb.WriteString(strconv.FormatBool(t))
	case nil:
		sb.WriteString("null")
	}
}
