package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// newEmbeddingServer returns an httptest server speaking the OpenAI
// embeddings protocol and a counter of calls it has served.
func newEmbeddingServer(t *testing.T) (*httptest.Server, *int64) {
	t.Helper()

	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "text-embedding-3-small",
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": []float64{0.1, 0.2, 0.3}},
			},
			"usage": map[string]int{"prompt_tokens": 3, "total_tokens": 3},
		})
	}))
	t.Cleanup(srv.Close)

	return srv, &calls
}

func TestEmbed(t *testing.T) {
	srv, _ := newEmbeddingServer(t)
	c := New("test-key", srv.URL, "")

	vec, err := c.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("vector length = %d, want 3", len(vec))
	}
}

func TestVectorCacheAvoidsRecomputation(t *testing.T) {
	srv, calls := newEmbeddingServer(t)
	c := New("test-key", srv.URL, "")

	for i := 0; i < 5; i++ {
		if _, err := c.Embed(context.Background(), "same prompt"); err != nil {
			t.Fatalf("Embed #%d: %v", i, err)
		}
	}

	if got := atomic.LoadInt64(calls); got != 1 {
		t.Fatalf("upstream calls = %d, want 1 (vector cache)", got)
	}
}

func TestEmbedFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New("test-key", srv.URL, "")

	_, err := c.Embed(context.Background(), "hello")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestEmbedDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := New("test-key", srv.URL, "", WithDeadline(20*time.Millisecond))

	start := time.Now()
	_, err := c.Embed(context.Background(), "hello")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("deadline not enforced")
	}
}

func TestEmbedEmptyText(t *testing.T) {
	srv, calls := newEmbeddingServer(t)
	c := New("test-key", srv.URL, "")

	if _, err := c.Embed(context.Background(), ""); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if atomic.LoadInt64(calls) != 0 {
		t.Fatal("empty text must not reach the upstream")
	}
}
