// Package pricing maps (provider, model) to per-token prices used for cost
// accounting. Prices carry a last-verified timestamp; entries older than the
// staleness threshold are flagged so downstream cost figures can be marked
// approximate rather than silently wrong.
package pricing

import (
	"strings"
	"sync"
	"time"
)

// Price holds USD prices per million tokens for one model.
type Price struct {
	InputPerMTok       float64   `json:"input_per_1m"`
	OutputPerMTok      float64   `json:"output_per_1m"`
	CachedInputPerMTok float64   `json:"cached_input_per_1m,omitempty"`
	LastVerified       time.Time `json:"last_verified"`

	// Stale is set when LastVerified is older than the staleness threshold
	// or the price came from a fallback default.
	Stale bool `json:"stale"`
}

// InputCost returns the USD cost of n input tokens.
func (p Price) InputCost(n int) float64 { return float64(n) * p.InputPerMTok / 1e6 }

// OutputCost returns the USD cost of n output tokens.
func (p Price) OutputCost(n int) float64 { return float64(n) * p.OutputPerMTok / 1e6 }

// Source resolves prices. The boolean reports whether the price came from the
// table; a false return still yields a usable (stale, per-provider default)
// price so accounting never divides by zero.
type Source interface {
	Price(provider, model string) (Price, bool)
}

// Table is the in-process pricing table with optional runtime overrides.
// Reads take an RLock; override refresh swaps entries under the write lock.
type Table struct {
	mu        sync.RWMutex
	entries   map[string]Price // key: "provider/model"
	fallbacks map[string]Price // key: provider
	maxAge    time.Duration
}

// DefaultStalenessThreshold is how old a verified price may be before it is
// reported stale.
const DefaultStalenessThreshold = 30 * 24 * time.Hour

// NewTable returns a Table seeded with the built-in price list.
func NewTable(maxAge time.Duration) *Table {
	if maxAge <= 0 {
		maxAge = DefaultStalenessThreshold
	}
	return &Table{
		entries:   builtinPrices(),
		fallbacks: builtinFallbacks(),
		maxAge:    maxAge,
	}
}

// Price implements Source.
func (t *Table) Price(provider, model string) (Price, bool) {
	t.mu.RLock()
	p, ok := t.entries[provider+"/"+model]
	if !ok {
		// Versioned model names ("claude-3-5-sonnet-20241022") fall back to
		// their family prefix entry; the longest matching prefix wins.
		best := -1
		for key, v := range t.entries {
			name := strings.TrimPrefix(key, provider+"/")
			if strings.HasPrefix(key, provider+"/") && strings.HasPrefix(model, name) && len(name) > best {
				p, ok, best = v, true, len(name)
			}
		}
	}
	fb, haveFb := t.fallbacks[provider]
	t.mu.RUnlock()

	if !ok {
		if !haveFb {
			fb = Price{InputPerMTok: 1.0, OutputPerMTok: 3.0}
		}
		fb.Stale = true
		return fb, false
	}

	if time.Since(p.LastVerified) > t.maxAge {
		p.Stale = true
	}
	return p, true
}

// Override inserts or replaces one entry at runtime. Used by the optional
// control-plane overlay.
func (t *Table) Override(provider, model string, p Price) {
	t.mu.Lock()
	t.entries[provider+"/"+model] = p
	t.mu.Unlock()
}
