package normalize

import (
	"bytes"
	"encoding/json"
	"testing"
)

func mustCanon(t *testing.T, endpoint Endpoint, body string) *Request {
	t.Helper()
	c, err := Canonicalize(endpoint, []byte(body), 0)
	if err != nil {
		t.Fatalf("Canonicalize(%s): %v", body, err)
	}
	return c
}

func TestDeterminism(t *testing.T) {
	// Semantically equivalent bodies: key order, default parameters spelled
	// out, trailing whitespace, role casing.
	a := mustCanon(t, EndpointChat,
		`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"Say hello."}]}`)
	b := mustCanon(t, EndpointChat,
		`{"messages":[{"content":"Say hello.  ","role":"USER"}],"temperature":1,"top_p":1.0,"n":1,"model":"gpt-4o-mini"}`)

	if !bytes.Equal(a.CanonicalBytes(), b.CanonicalBytes()) {
		t.Fatalf("canonical bytes differ:\n%s\n%s", a.CanonicalBytes(), b.CanonicalBytes())
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprints differ for equivalent requests")
	}
}

func TestStreamFlagExcludedFromFingerprint(t *testing.T) {
	a := mustCanon(t, EndpointChat,
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	b := mustCanon(t, EndpointChat,
		`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":false}`)

	if !a.Stream || b.Stream {
		t.Fatal("stream flag not carried")
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("stream flag must not affect the fingerprint")
	}
}

func TestDistinctContentDistinctFingerprint(t *testing.T) {
	a := mustCanon(t, EndpointChat, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	b := mustCanon(t, EndpointChat, `{"model":"gpt-4o","messages":[{"role":"user","content":"bye"}]}`)
	c := mustCanon(t, EndpointChat, `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)

	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("different content must produce different fingerprints")
	}
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatal("different model must produce different fingerprints")
	}
}

func TestStopOrderInsensitive(t *testing.T) {
	a := mustCanon(t, EndpointChat,
		`{"model":"gpt-4o","messages":[{"role":"user","content":"x"}],"stop":["a","b"]}`)
	b := mustCanon(t, EndpointChat,
		`{"model":"gpt-4o","messages":[{"role":"user","content":"x"}],"stop":["b","a"]}`)

	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("stop sequence order must not affect the fingerprint")
	}
}

func TestToolsKeyOrderInsensitive(t *testing.T) {
	a := mustCanon(t, EndpointChat,
		`{"model":"gpt-4o","messages":[{"role":"user","content":"x"}],"tools":[{"type":"function","function":{"name":"f","description":"d"}}]}`)
	b := mustCanon(t, EndpointChat,
		`{"model":"gpt-4o","messages":[{"role":"user","content":"x"}],"tools":[{"function":{"description":"d","name":"f"},"type":"function"}]}`)

	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("tool object key order must not affect the fingerprint")
	}
}

func TestBadRequests(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"empty", ``},
		{"invalid json", `{`},
		{"no model", `{"messages":[{"role":"user","content":"x"}]}`},
		{"no messages", `{"model":"gpt-4o"}`},
		{"message without role", `{"model":"gpt-4o","messages":[{"content":"x"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Canonicalize(EndpointChat, []byte(tc.body), 0); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}

func TestBodySizeLimit(t *testing.T) {
	big := `{"model":"gpt-4o","messages":[{"role":"user","content":"` +
		string(bytes.Repeat([]byte("a"), 2048)) + `"}]}`
	if _, err := Canonicalize(EndpointChat, []byte(big), 1024); err == nil {
		t.Fatal("expected size-limit error")
	}
}

func TestPromptText(t *testing.T) {
	c := mustCanon(t, EndpointChat, `{"model":"gpt-4o","messages":[
		{"role":"system","content":"You are terse."},
		{"role":"user","content":"What's the capital of France?"},
		{"role":"assistant","content":"Paris."},
		{"role":"tool","content":"{\"result\":1}"},
		{"role":"user","content":"And Italy?"}]}`)

	want := "You are terse.\nWhat's the capital of France?\nAnd Italy?"
	if got := c.PromptText(); got != want {
		t.Fatalf("PromptText = %q, want %q", got, want)
	}
}

func TestCacheabilityRules(t *testing.T) {
	deterministic := mustCanon(t, EndpointChat,
		`{"model":"gpt-4o","messages":[{"role":"user","content":"x"}]}`)
	if !deterministic.Cacheable() {
		t.Fatal("request without sampling params must be cacheable")
	}

	sampled := mustCanon(t, EndpointChat,
		`{"model":"gpt-4o","messages":[{"role":"user","content":"x"}],"temperature":0.7}`)
	if sampled.Cacheable() {
		t.Fatal("temperature > 0 must not be cacheable")
	}

	zeroTemp := mustCanon(t, EndpointChat,
		`{"model":"gpt-4o","messages":[{"role":"user","content":"x"}],"temperature":0}`)
	if !zeroTemp.Cacheable() {
		t.Fatal("temperature 0 must be cacheable")
	}

	multi := mustCanon(t, EndpointChat,
		`{"model":"gpt-4o","messages":[{"role":"user","content":"x"}],"n":3}`)
	if multi.Cacheable() {
		t.Fatal("n > 1 must not be cacheable")
	}
}

func TestToolResponseCacheability(t *testing.T) {
	withTools := mustCanon(t, EndpointChat,
		`{"model":"gpt-4o","messages":[{"role":"user","content":"x"}],"tools":[{"type":"function","function":{"name":"f"}}]}`)

	plain := []byte(`{"choices":[{"message":{"role":"assistant","content":"hi"}}]}`)
	if !withTools.ResponseCacheable(plain) {
		t.Fatal("tool-equipped request with plain response must be cacheable")
	}

	calling := []byte(`{"choices":[{"message":{"role":"assistant","tool_calls":[{"id":"1"}]}}]}`)
	if withTools.ResponseCacheable(calling) {
		t.Fatal("tool-calling response must not be cacheable")
	}

	choiceNone := mustCanon(t, EndpointChat,
		`{"model":"gpt-4o","messages":[{"role":"user","content":"x"}],"tools":[{"type":"function","function":{"name":"f"}}],"tool_choice":"none"}`)
	if !choiceNone.ResponseCacheable(calling) {
		t.Fatal("tool_choice none must always be cacheable")
	}
}

func TestCompletionsEndpoint(t *testing.T) {
	c := mustCanon(t, EndpointCompletions, `{"model":"gpt-3.5-turbo","prompt":"Once upon a time"}`)
	if c.Prompt != "Once upon a time" {
		t.Fatalf("Prompt = %q", c.Prompt)
	}
	if c.PromptText() != "Once upon a time" {
		t.Fatalf("PromptText = %q", c.PromptText())
	}
}

func TestEmbeddingsEndpoint(t *testing.T) {
	single := mustCanon(t, EndpointEmbeddings, `{"model":"text-embedding-3-small","input":"hello"}`)
	if len(single.Input) != 1 || single.Input[0] != "hello" {
		t.Fatalf("Input = %v", single.Input)
	}

	multi := mustCanon(t, EndpointEmbeddings, `{"model":"text-embedding-3-small","input":["a","b"]}`)
	if len(multi.Input) != 2 {
		t.Fatalf("Input = %v", multi.Input)
	}

	if _, err := Canonicalize(EndpointEmbeddings, []byte(`{"model":"m"}`), 0); err == nil {
		t.Fatal("missing input must fail")
	}
}

func TestCanonicalBytesValidJSON(t *testing.T) {
	c := mustCanon(t, EndpointChat,
		`{"model":"gpt-4o","messages":[{"role":"user","content":"x"}],"max_tokens":64,"temperature":0.2}`)
	var v map[string]any
	if err := json.Unmarshal(c.CanonicalBytes(), &v); err != nil {
		t.Fatalf("canonical bytes are not valid JSON: %v", err)
	}
}
