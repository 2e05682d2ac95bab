package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// newAnthropicHandler returns an http.Handler simulating the Anthropic
// Messages API, including its SSE event dialect.
func newAnthropicHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "api_error")
			return
		}

		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}

		model := req.Model
		if model == "" {
			model = "claude-3-5-haiku"
		}

		id := fmt.Sprintf("msg_mock%x", rand.Int64())
		content := fakeSentence(cfg.StreamWords)

		if req.Stream {
			serveAnthropicStream(w, cfg, id, model, content)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":    id,
			"type":  "message",
			"role":  "assistant",
			"model": model,
			"content": []map[string]any{
				{"type": "text", "text": content},
			},
			"stop_reason": "end_turn",
			"usage": map[string]int{
				"input_tokens":  10,
				"output_tokens": cfg.StreamWords,
			},
		})
	})

	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]any{
				{"id": "claude-3-5-haiku", "type": "model"},
			},
		})
	})

	return mux
}

// serveAnthropicStream emits the Anthropic SSE event sequence:
// message_start → content_block_delta* → message_delta → message_stop.
func serveAnthropicStream(w http.ResponseWriter, cfg Config, id, model, content string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "api_error")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(event string, payload map[string]any) {
		data, _ := json.Marshal(payload)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}

	writeEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id": id, "type": "message", "role": "assistant", "model": model,
			"content": []any{},
			"usage":   map[string]int{"input_tokens": 10, "output_tokens": 0},
		},
	})
	writeEvent("content_block_start", map[string]any{
		"type": "content_block_start", "index": 0,
		"content_block": map[string]any{"type": "text", "text": ""},
	})

	for i, word := range strings.Fields(content) {
		if i > 0 {
			word = " " + word
			time.Sleep(time.Duration(cfg.ChunkDelayMS) * time.Millisecond)
		}
		writeEvent("content_block_delta", map[string]any{
			"type": "content_block_delta", "index": 0,
			"delta": map[string]any{"type": "text_delta", "text": word},
		})
	}

	writeEvent("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
	writeEvent("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn"},
		"usage": map[string]int{"output_tokens": cfg.StreamWords},
	})
	writeEvent("message_stop", map[string]any{"type": "message_stop"})
}
