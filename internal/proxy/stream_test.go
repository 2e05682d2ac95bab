package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/watchllm/proxy/internal/normalize"
	"github.com/watchllm/proxy/internal/providers"
)

// streamWords configures newStreamProvider: the words it emits as chunks,
// the fixed delay between them, and an optional failure point.
type streamWords struct {
	words  []string
	delay  time.Duration
	failAt int // emit an error after this many chunks; 0 = never
}

func newStreamProvider(name string, sw streamWords) *funcProvider {
	return &funcProvider{
		name: name,
		chatFn: func(_ context.Context, c *normalize.Request) (*providers.Response, error) {
			return &providers.Response{
				ID: "resp-unary", Model: c.Model,
				Content: strings.Join(sw.words, " "),
				Usage:   providers.Usage{InputTokens: 10, OutputTokens: len(sw.words)},
			}, nil
		},
		streamFn: func(ctx context.Context, c *normalize.Request) (<-chan providers.StreamChunk, error) {
			ch := make(chan providers.StreamChunk, 8)
			go func() {
				defer close(ch)
				for i, w := range sw.words {
					if sw.failAt > 0 && i >= sw.failAt {
						ch <- providers.StreamChunk{Err: &providers.Error{
							Provider: name, StatusCode: 502,
							Cat: providers.CategoryServerError, Message: "mid-stream failure",
						}}
						return
					}
					if i > 0 {
						select {
						case <-time.After(sw.delay):
						case <-ctx.Done():
							ch <- providers.StreamChunk{Err: ctx.Err()}
							return
						}
					}
					ch <- providers.StreamChunk{
						Data:    providers.MarshalChunk(c.Model, w, "", 0),
						Content: w,
					}
				}
				ch <- providers.StreamChunk{
					Data:         providers.MarshalChunk(c.Model, "", "stop", 0),
					FinishReason: "stop",
				}
			}()
			return ch, nil
		},
	}
}

// readSSE collects the data payloads of an SSE response until EOF. The
// second return value is true when the [DONE] terminator was observed.
func readSSE(t *testing.T, resp *http.Response) ([]string, bool) {
	t.Helper()
	defer resp.Body.Close()

	var payloads []string
	done := false

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			done = true
			continue
		}
		payloads = append(payloads, data)
	}
	return payloads, done
}

// contentOf extracts the delta content from a chunk payload.
func contentOf(t *testing.T, payload string) string {
	t.Helper()
	var chunk struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		t.Fatalf("chunk %q: %v", payload, err)
	}
	if len(chunk.Choices) == 0 {
		return ""
	}
	return chunk.Choices[0].Delta.Content
}

func streamBody(content string) string {
	return fmt.Sprintf(`{"model":"gpt-4o-mini","stream":true,"messages":[{"role":"user","content":%q}]}`, content)
}

// ── Scenario: streaming record + replay ──────────────────────────────────────

func TestStreamingRecordAndReplay(t *testing.T) {
	words := []string{"one", "two", "three", "four", "five"}
	prov := newStreamProvider("openai", streamWords{words: words, delay: 20 * time.Millisecond})
	client, _, _ := newTestGateway(t, gatewayConfig{provider: prov})

	body := streamBody("count to five")

	// First call: live stream, recorded.
	resp1 := doPost(t, client, "/v1/chat/completions", testToken, body)
	if ct := resp1.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q", ct)
	}
	if got := resp1.Header.Get(headerCache); got != cacheMiss {
		t.Fatalf("%s = %q, want miss", headerCache, got)
	}
	payloads1, done1 := readSSE(t, resp1)
	if !done1 {
		t.Fatal("live stream missing [DONE]")
	}

	// Second identical call: replayed from cache with preserved order.
	start := time.Now()
	resp2 := doPost(t, client, "/v1/chat/completions", testToken, body)
	if got := resp2.Header.Get(headerCache); got != cacheHit {
		t.Fatalf("%s = %q, want hit (replay)", headerCache, got)
	}
	payloads2, done2 := readSSE(t, resp2)
	elapsed := time.Since(start)

	if !done2 {
		t.Fatal("replayed stream missing [DONE]")
	}
	if len(payloads2) != len(payloads1) {
		t.Fatalf("replay chunk count = %d, want %d", len(payloads2), len(payloads1))
	}
	for i := range payloads1 {
		if contentOf(t, payloads1[i]) != contentOf(t, payloads2[i]) {
			t.Fatalf("chunk %d order mismatch: %q vs %q", i, payloads1[i], payloads2[i])
		}
	}

	// Replay honors recorded pacing (4 gaps × ~20ms, within clamp bounds)
	// but never exceeds the original by much.
	if elapsed < 4*time.Millisecond {
		t.Fatalf("replay finished in %v, pacing ignored", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("replay took %v, clamping broken", elapsed)
	}

	if prov.callCount() != 1 {
		t.Fatalf("upstream calls = %d, want 1", prov.callCount())
	}
}

// ── Scenario: partial stream is never cached ─────────────────────────────────

func TestPartialStreamNotCached(t *testing.T) {
	words := []string{"a", "b", "c", "d", "e", "f"}
	prov := newStreamProvider("openai", streamWords{words: words, delay: time.Millisecond, failAt: 3})
	client, _, _ := newTestGateway(t, gatewayConfig{provider: prov})

	body := streamBody("will fail")

	// First call: upstream fails after 3 chunks. The prefix is forwarded,
	// the stream ends with an error event and no [DONE].
	resp1 := doPost(t, client, "/v1/chat/completions", testToken, body)
	payloads1, done1 := readSSE(t, resp1)
	if done1 {
		t.Fatal("failed stream must not emit [DONE]")
	}
	if len(payloads1) != 4 { // 3 content chunks + 1 error event
		t.Fatalf("payloads = %d (%v), want 3 chunks + error", len(payloads1), payloads1)
	}
	if !strings.Contains(payloads1[3], "error") {
		t.Fatalf("final event %q is not an error", payloads1[3])
	}

	// Second identical call still misses: no partial transcript was cached.
	resp2 := doPost(t, client, "/v1/chat/completions", testToken, body)
	if got := resp2.Header.Get(headerCache); got != cacheMiss {
		t.Fatalf("%s = %q, want miss (partial transcript cached?)", headerCache, got)
	}
	readSSE(t, resp2)

	if prov.callCount() != 2 {
		t.Fatalf("upstream calls = %d, want 2", prov.callCount())
	}
}

// ── Boundary: stream:true over an entry recorded from stream:false ───────────

func TestStreamRequestServedFromUnaryEntry(t *testing.T) {
	prov := newStreamProvider("openai", streamWords{words: []string{"whole", "answer"}, delay: time.Millisecond})
	client, _, _ := newTestGateway(t, gatewayConfig{provider: prov})

	// Seed with a unary request.
	unary := `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"shared prompt"}]}`
	readBody(t, doPost(t, client, "/v1/chat/completions", testToken, unary))

	// The streaming form of the same canonical content replays as a
	// synthesized single-chunk stream.
	resp := doPost(t, client, "/v1/chat/completions", testToken, streamBody("shared prompt"))
	if got := resp.Header.Get(headerCache); got != cacheHit {
		t.Fatalf("%s = %q, want hit", headerCache, got)
	}
	payloads, done := readSSE(t, resp)
	if !done {
		t.Fatal("synthesized stream missing [DONE]")
	}
	if len(payloads) != 1 {
		t.Fatalf("synthesized chunks = %d, want 1", len(payloads))
	}
	if got := contentOf(t, payloads[0]); got != "whole answer" {
		t.Fatalf("synthesized content = %q", got)
	}
	if prov.callCount() != 1 {
		t.Fatalf("upstream calls = %d, want 1", prov.callCount())
	}
}

// The unary form of the same canonical content collapses a recorded stream.
func TestUnaryRequestServedFromStreamEntry(t *testing.T) {
	prov := newStreamProvider("openai", streamWords{words: []string{"hello", "world"}, delay: time.Millisecond})
	client, _, _ := newTestGateway(t, gatewayConfig{provider: prov})

	readSSE(t, doPost(t, client, "/v1/chat/completions", testToken, streamBody("collapse me")))

	resp := doPost(t, client, "/v1/chat/completions", testToken,
		`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"collapse me"}]}`)
	if got := resp.Header.Get(headerCache); got != cacheHit {
		t.Fatalf("%s = %q, want hit", headerCache, got)
	}
	body := readBody(t, resp)

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &out); err != nil || len(out.Choices) == 0 {
		t.Fatalf("body: %s", body)
	}
	if out.Choices[0].Message.Content != "helloworld" && out.Choices[0].Message.Content != "hello world" {
		t.Fatalf("collapsed content = %q", out.Choices[0].Message.Content)
	}
}

// ── Streaming coalescing: followers share the leader's live stream ───────────

func TestStreamingCoalescing(t *testing.T) {
	words := []string{"w1", "w2", "w3", "w4"}
	prov := newStreamProvider("openai", streamWords{words: words, delay: 40 * time.Millisecond})
	client, _, _ := newTestGateway(t, gatewayConfig{provider: prov})

	body := streamBody("fan out")

	const n = 3
	var wg sync.WaitGroup
	results := make([][]string, n)
	dones := make([]bool, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := doPost(t, client, "/v1/chat/completions", testToken, body)
			results[i], dones[i] = readSSE(t, resp)
		}(i)
	}
	wg.Wait()

	if got := prov.callCount(); got != 1 {
		t.Fatalf("upstream calls = %d, want 1", got)
	}

	for i := 0; i < n; i++ {
		if !dones[i] {
			t.Fatalf("waiter %d missing [DONE]", i)
		}
		if len(results[i]) != len(words)+1 { // content chunks + finish chunk
			t.Fatalf("waiter %d chunks = %d, want %d", i, len(results[i]), len(words)+1)
		}
		for j := range results[0] {
			if contentOf(t, results[i][j]) != contentOf(t, results[0][j]) {
				t.Fatalf("waiter %d chunk %d differs", i, j)
			}
		}
	}
}
