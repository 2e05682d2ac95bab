package main

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// fakeWords is the pool used to build mock responses.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "provider", "simulating", "a", "real", "LLM", "API", "call",
}

// fakeSentence returns a fake response of roughly n words.
func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

// deterministicEmbedding derives a unit-normalized vector from the input
// text. Identical inputs always embed identically, so the proxy's semantic
// cache behaves predictably against the mock.
func deterministicEmbedding(text string, dim int) []float32 {
	sum := sha256.Sum256([]byte(text))
	seed1 := binary.LittleEndian.Uint64(sum[0:8])
	seed2 := binary.LittleEndian.Uint64(sum[8:16])
	rng := rand.New(rand.NewPCG(seed1, seed2))

	v := make([]float32, dim)
	var norm float64
	for i := range v {
		v[i] = rng.Float32()*2 - 1
		norm += float64(v[i]) * float64(v[i])
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range v {
			v[i] *= scale
		}
	}
	return v
}

func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

func shouldError(cfg Config) bool {
	return cfg.ErrorRate > 0 && rand.Float64() < cfg.ErrorRate
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, errorResponse{Error: errorDetail{
		Message: msg,
		Type:    typ,
		Code:    strings.ToLower(strings.ReplaceAll(typ, " ", "_")),
	}})
}
