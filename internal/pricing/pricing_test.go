package pricing

import (
	"testing"
	"time"
)

func TestKnownModelPrice(t *testing.T) {
	tbl := NewTable(0)

	p, ok := tbl.Price("openai", "gpt-4o-mini")
	if !ok {
		t.Fatal("expected table hit for gpt-4o-mini")
	}
	if p.InputPerMTok != 0.15 || p.OutputPerMTok != 0.60 {
		t.Fatalf("unexpected price: %+v", p)
	}
}

func TestVersionedModelFallsBackToFamily(t *testing.T) {
	tbl := NewTable(0)

	p, ok := tbl.Price("anthropic", "claude-3-5-sonnet-20241022")
	if !ok {
		t.Fatal("expected family-prefix hit")
	}
	if p.InputPerMTok != 3.00 {
		t.Fatalf("InputPerMTok = %v, want 3.00", p.InputPerMTok)
	}
}

func TestUnknownModelUsesProviderFallback(t *testing.T) {
	tbl := NewTable(0)

	p, ok := tbl.Price("groq", "some-future-model")
	if ok {
		t.Fatal("expected table miss")
	}
	if !p.Stale {
		t.Fatal("fallback price must be flagged stale")
	}
	if p.InputPerMTok == 0 {
		t.Fatal("fallback price must be usable")
	}
}

func TestUnknownProviderFallback(t *testing.T) {
	tbl := NewTable(0)

	p, ok := tbl.Price("nobody", "nothing")
	if ok || !p.Stale || p.InputPerMTok == 0 {
		t.Fatalf("want stale non-zero default, got ok=%v %+v", ok, p)
	}
}

func TestStalenessThreshold(t *testing.T) {
	tbl := NewTable(time.Hour)
	tbl.Override("openai", "old-model", Price{
		InputPerMTok:  1,
		OutputPerMTok: 2,
		LastVerified:  time.Now().Add(-2 * time.Hour),
	})

	p, ok := tbl.Price("openai", "old-model")
	if !ok {
		t.Fatal("expected hit")
	}
	if !p.Stale {
		t.Fatal("price older than threshold must be stale")
	}
}

func TestCostComputation(t *testing.T) {
	p := Price{InputPerMTok: 3.00, OutputPerMTok: 15.00}

	if got := p.InputCost(1_000_000); got != 3.00 {
		t.Fatalf("InputCost = %v, want 3.00", got)
	}
	if got := p.OutputCost(200_000); got != 3.00 {
		t.Fatalf("OutputCost = %v, want 3.00", got)
	}
}
