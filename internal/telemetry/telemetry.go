// Package telemetry emits one structured usage event per completed request
// to an external sink. Emission is asynchronous and best-effort: a full
// buffer drops events and counts the drops rather than blocking the request
// path.
package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// UsageEvent is the append-only record of one terminal request. The
// dashboard's analytics aggregations are computed downstream from this
// stream; the proxy itself forgets events once delivered.
type UsageEvent struct {
	RequestID string    `json:"request_id"`
	ProjectID string    `json:"project_id"`
	Timestamp time.Time `json:"timestamp"`
	Endpoint  string    `json:"endpoint"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`

	TokensIn  int `json:"tokens_in"`
	TokensOut int `json:"tokens_out"`

	CostUSD          float64 `json:"cost_usd"`
	PotentialCostUSD float64 `json:"potential_cost_usd"`

	Cached bool `json:"cached"`

	// Coalesced marks a follower served from another request's upstream
	// call; kept distinct from Cached so coalescing savings can be
	// aggregated separately.
	Coalesced bool `json:"coalesced"`

	// Replayed marks a streaming response served from a cached transcript.
	Replayed bool `json:"replayed"`

	// CacheSimilarity is 1.0 on exact hits, the measured cosine on semantic
	// hits, nil on misses.
	CacheSimilarity *float64 `json:"cache_similarity,omitempty"`

	LatencyMs int64  `json:"latency_ms"`
	Status    int    `json:"status"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// NewRequestID returns a fresh request identifier.
func NewRequestID() string { return uuid.New().String() }

// Sink receives usage events. Emit must never block the caller.
type Sink interface {
	Emit(UsageEvent)
	Close() error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Emit(UsageEvent) {}
func (NopSink) Close() error    { return nil }
