package telemetry

import (
	"testing"
	"time"
)

func event(project string, mutate func(*UsageEvent)) UsageEvent {
	e := UsageEvent{
		RequestID:        NewRequestID(),
		ProjectID:        project,
		Timestamp:        time.Now(),
		Endpoint:         "chat",
		Provider:         "openai",
		Model:            "gpt-4o-mini",
		TokensIn:         10,
		TokensOut:        20,
		CostUSD:          0.001,
		PotentialCostUSD: 0.001,
		LatencyMs:        120,
		Status:           200,
	}
	if mutate != nil {
		mutate(&e)
	}
	return e
}

func TestMemorySinkRecentScopedByProject(t *testing.T) {
	s := NewMemorySink(nil)
	s.Emit(event("p1", nil))
	s.Emit(event("p2", nil))

	if got := len(s.Recent("p1")); got != 1 {
		t.Fatalf("Recent(p1) = %d events, want 1", got)
	}
	if got := len(s.Recent("")); got != 2 {
		t.Fatalf("Recent(\"\") = %d events, want 2", got)
	}
}

func TestMemorySinkDropsOldEvents(t *testing.T) {
	s := NewMemorySink(nil)
	s.Emit(event("p1", func(e *UsageEvent) {
		e.Timestamp = time.Now().Add(-2 * RecentWindow)
	}))

	if got := len(s.Recent("p1")); got != 0 {
		t.Fatalf("stale events returned: %d", got)
	}
}

func TestSummarize(t *testing.T) {
	s := NewMemorySink(nil)

	s.Emit(event("p1", func(e *UsageEvent) { // miss
		e.CostUSD = 0.01
		e.PotentialCostUSD = 0.01
	}))
	s.Emit(event("p1", func(e *UsageEvent) { // hit
		e.Cached = true
		e.CostUSD = 0
		e.PotentialCostUSD = 0.01
		sim := 1.0
		e.CacheSimilarity = &sim
	}))
	s.Emit(event("p1", func(e *UsageEvent) { // coalesced follower
		e.Cached = true
		e.Coalesced = true
		e.CostUSD = 0
		e.PotentialCostUSD = 0.01
	}))
	s.Emit(event("p1", func(e *UsageEvent) { // error
		e.Status = 502
		e.ErrorKind = "upstream_unavailable"
	}))

	sum := s.Summarize("p1")
	if sum.Requests != 4 {
		t.Fatalf("Requests = %d, want 4", sum.Requests)
	}
	if sum.CacheHits != 2 || sum.Coalesced != 1 || sum.Errors != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if sum.HitRatePct != 50 {
		t.Fatalf("HitRatePct = %v, want 50", sum.HitRatePct)
	}
	if sum.SavedUSD < 0.019 || sum.SavedUSD > 0.021 {
		t.Fatalf("SavedUSD = %v, want ≈ 0.02", sum.SavedUSD)
	}
}

func TestMemorySinkTee(t *testing.T) {
	inner := NewMemorySink(nil)
	outer := NewMemorySink(inner)

	outer.Emit(event("p1", nil))

	if len(inner.Recent("p1")) != 1 {
		t.Fatal("delegate sink did not receive the event")
	}
}
