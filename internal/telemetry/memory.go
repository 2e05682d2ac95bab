package telemetry

import (
	"log/slog"
	"sync"
	"time"
)

// SlogSink writes events to the structured logger. The fallback when no
// ClickHouse sink is configured: events still reach the log pipeline.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink creates a SlogSink.
func NewSlogSink(log *slog.Logger) *SlogSink {
	return &SlogSink{log: log}
}

// Emit implements Sink.
func (s *SlogSink) Emit(e UsageEvent) {
	attrs := []any{
		slog.String("request_id", e.RequestID),
		slog.String("project_id", e.ProjectID),
		slog.String("endpoint", e.Endpoint),
		slog.String("provider", e.Provider),
		slog.String("model", e.Model),
		slog.Int("tokens_in", e.TokensIn),
		slog.Int("tokens_out", e.TokensOut),
		slog.Float64("cost_usd", e.CostUSD),
		slog.Float64("potential_cost_usd", e.PotentialCostUSD),
		slog.Bool("cached", e.Cached),
		slog.Bool("coalesced", e.Coalesced),
		slog.Bool("replayed", e.Replayed),
		slog.Int64("latency_ms", e.LatencyMs),
		slog.Int("status", e.Status),
	}
	if e.CacheSimilarity != nil {
		attrs = append(attrs, slog.Float64("cache_similarity", *e.CacheSimilarity))
	}
	if e.ErrorKind != "" {
		attrs = append(attrs, slog.String("error_kind", e.ErrorKind))
	}
	s.log.Info("usage_event", attrs...)
}

// Close implements Sink.
func (s *SlogSink) Close() error { return nil }

// RecentWindow is how long MemorySink retains events for the read-only
// analytics endpoints.
const RecentWindow = time.Hour

const memoryCap = 10_000

// MemorySink retains a bounded window of recent events in memory. It backs
// the /v1/analytics endpoints (an out-of-core consumer of the same stream)
// and the telemetry tests. It can tee into a delegate sink.
type MemorySink struct {
	mu     sync.Mutex
	events []UsageEvent

	delegate Sink
}

// NewMemorySink creates a MemorySink. delegate may be nil.
func NewMemorySink(delegate Sink) *MemorySink {
	return &MemorySink{delegate: delegate}
}

// Emit implements Sink.
func (s *MemorySink) Emit(e UsageEvent) {
	s.mu.Lock()
	s.events = append(s.events, e)
	if len(s.events) > memoryCap {
		s.events = s.events[len(s.events)-memoryCap:]
	}
	s.mu.Unlock()

	if s.delegate != nil {
		s.delegate.Emit(e)
	}
}

// Close implements Sink.
func (s *MemorySink) Close() error {
	if s.delegate != nil {
		return s.delegate.Close()
	}
	return nil
}

// Recent returns events for projectID emitted within the retention window,
// newest last. An empty projectID returns all projects.
func (s *MemorySink) Recent(projectID string) []UsageEvent {
	cutoff := time.Now().Add(-RecentWindow)

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]UsageEvent, 0, len(s.events))
	for _, e := range s.events {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		if projectID != "" && e.ProjectID != projectID {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Summary aggregates the retained window for one project.
type Summary struct {
	Requests     int     `json:"requests"`
	CacheHits    int     `json:"cache_hits"`
	Coalesced    int     `json:"coalesced"`
	Replayed     int     `json:"replayed"`
	Errors       int     `json:"errors"`
	TokensIn     int     `json:"tokens_in"`
	TokensOut    int     `json:"tokens_out"`
	CostUSD      float64 `json:"cost_usd"`
	SavedUSD     float64 `json:"saved_usd"`
	HitRatePct   float64 `json:"hit_rate_pct"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Summarize computes the Summary for projectID over the retained window.
func (s *MemorySink) Summarize(projectID string) Summary {
	events := s.Recent(projectID)

	var sum Summary
	var latencyTotal int64
	for _, e := range events {
		sum.Requests++
		if e.Cached {
			sum.CacheHits++
		}
		if e.Coalesced {
			sum.Coalesced++
		}
		if e.Replayed {
			sum.Replayed++
		}
		if e.ErrorKind != "" {
			sum.Errors++
		}
		sum.TokensIn += e.TokensIn
		sum.TokensOut += e.TokensOut
		sum.CostUSD += e.CostUSD
		sum.SavedUSD += e.PotentialCostUSD - e.CostUSD
		latencyTotal += e.LatencyMs
	}
	if sum.Requests > 0 {
		sum.HitRatePct = 100 * float64(sum.CacheHits) / float64(sum.Requests)
		sum.AvgLatencyMs = float64(latencyTotal) / float64(sum.Requests)
	}
	return sum
}
