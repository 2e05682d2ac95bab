// Package accounting turns token counts and pricing into the cost figures
// attached to every terminal request.
package accounting

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/watchllm/proxy/internal/pricing"
)

// Disposition describes how a request was served, for cost attribution.
type Disposition int

const (
	// DispositionUpstream — the request paid for a provider call.
	DispositionUpstream Disposition = iota
	// DispositionCacheHit — served from cache, zero provider cost.
	DispositionCacheHit
	// DispositionCoalesced — attached to another request's provider call;
	// billed as a cache hit.
	DispositionCoalesced
)

// Outcome is the computed accounting for one request.
type Outcome struct {
	TokensIn  int
	TokensOut int

	// PotentialCostUSD is what the request would have cost upstream.
	PotentialCostUSD float64

	// CostUSD is the provider cost actually incurred: zero on cache hits
	// and coalesced followers, PotentialCostUSD otherwise.
	CostUSD float64

	// PriceStale reports that the consulted price was older than the
	// staleness threshold or a fallback default.
	PriceStale bool
}

// Compute resolves pricing and produces the Outcome for one request.
func Compute(src pricing.Source, provider, model string, tokensIn, tokensOut int, disp Disposition) Outcome {
	price, _ := src.Price(provider, model)

	potential := price.InputCost(tokensIn) + price.OutputCost(tokensOut)

	out := Outcome{
		TokensIn:         tokensIn,
		TokensOut:        tokensOut,
		PotentialCostUSD: potential,
		PriceStale:       price.Stale,
	}
	if disp == DispositionUpstream {
		out.CostUSD = potential
	}
	return out
}

var (
	encOnce sync.Once
	encoder *tiktoken.Tiktoken
)

// EstimateTokens approximates the token count of text for providers that do
// not report usage. Uses the cl100k_base tokenizer when available; when the
// encoding cannot be loaded (offline startup) it falls back to the ~4
// characters per token heuristic.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}

	encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoder = enc
		}
	})

	if encoder != nil {
		if n := len(encoder.Encode(text, nil, nil)); n > 0 {
			return n
		}
	}

	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
