package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// newRedisStore starts a miniredis server and returns a RedisStore backed by
// it plus the server handle for clock control.
func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	s, err := NewRedisStoreFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStoreFromURL: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	return s, mr
}

func TestRedisInsertThenLookupExact(t *testing.T) {
	s, _ := newRedisStore(t)
	e := testEntry("p1", "fp1", []float32{1, 0}, time.Hour)

	if err := s.Insert(context.Background(), e); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, ok := s.LookupExact(context.Background(), "p1", "fp1")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Model != "gpt-4o-mini" || got.TokensOut != 5 {
		t.Fatalf("entry round-trip mismatch: %+v", got)
	}
}

func TestRedisTTLExpiry(t *testing.T) {
	s, mr := newRedisStore(t)
	_ = s.Insert(context.Background(), testEntry("p1", "fp1", nil, 10*time.Second))

	mr.FastForward(11 * time.Second)

	if _, ok := s.LookupExact(context.Background(), "p1", "fp1"); ok {
		t.Fatal("entry should have expired with its TTL")
	}
}

func TestRedisDuplicateInsertFirstWriterWins(t *testing.T) {
	s, _ := newRedisStore(t)

	first := testEntry("p1", "fp1", nil, time.Hour)
	first.Payload = []byte(`first`)
	second := testEntry("p1", "fp1", nil, time.Hour)
	second.Payload = []byte(`second`)

	if err := s.Insert(context.Background(), first); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(context.Background(), second); err != nil {
		t.Fatal(err)
	}

	got, _ := s.LookupExact(context.Background(), "p1", "fp1")
	if string(got.Payload) != "first" {
		t.Fatalf("payload = %s, want first", got.Payload)
	}
}

func TestRedisLookupSemantic(t *testing.T) {
	s, _ := newRedisStore(t)

	_ = s.Insert(context.Background(), testEntry("p1", "fp1", []float32{1, 0, 0}, time.Hour))
	_ = s.Insert(context.Background(), testEntry("p1", "fp2", []float32{0, 1, 0}, time.Hour))

	got, sim, ok := s.LookupSemantic(context.Background(), "p1", "chat", "gpt-4o-mini",
		[]float32{0.98, 0.02, 0}, 0.9)
	if !ok {
		t.Fatal("expected semantic hit")
	}
	if got.Fingerprint != "fp1" || sim < 0.9 {
		t.Fatalf("got %s sim=%v", got.Fingerprint, sim)
	}
}

func TestRedisSemanticScopedByProject(t *testing.T) {
	s, _ := newRedisStore(t)
	_ = s.Insert(context.Background(), testEntry("p1", "fp1", []float32{1, 0}, time.Hour))

	if _, _, ok := s.LookupSemantic(context.Background(), "p2", "chat", "gpt-4o-mini",
		[]float32{1, 0}, 0.5); ok {
		t.Fatal("semantic lookup crossed project boundary")
	}
}

func TestRedisSemanticPrunesExpiredIndexMembers(t *testing.T) {
	s, mr := newRedisStore(t)
	_ = s.Insert(context.Background(), testEntry("p1", "fp1", []float32{1, 0}, 5*time.Second))

	mr.FastForward(6 * time.Second)

	if _, _, ok := s.LookupSemantic(context.Background(), "p1", "chat", "gpt-4o-mini",
		[]float32{1, 0}, 0.5); ok {
		t.Fatal("expired entry served via semantic index")
	}
}

func TestRedisGracefulDegradation(t *testing.T) {
	s, mr := newRedisStore(t)
	mr.Close()

	if _, ok := s.LookupExact(context.Background(), "p1", "fp1"); ok {
		t.Fatal("expected miss when redis is down")
	}
	if err := s.Insert(context.Background(), testEntry("p1", "fp1", nil, time.Hour)); err != nil {
		t.Fatalf("Insert must degrade gracefully, got: %v", err)
	}
}

func TestRedisStreamTranscriptRoundTrip(t *testing.T) {
	s, _ := newRedisStore(t)

	e := testEntry("p1", "fp-stream", nil, time.Hour)
	e.Kind = KindStream
	e.Payload = nil
	e.Transcript = []Chunk{
		{DelayMs: 0, Data: []byte(`{"choices":[{"delta":{"content":"he"}}]}`)},
		{DelayMs: 40, Data: []byte(`{"choices":[{"delta":{"content":"llo"}}]}`)},
	}
	_ = s.Insert(context.Background(), e)

	got, ok := s.LookupExact(context.Background(), "p1", "fp-stream")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Kind != KindStream || len(got.Transcript) != 2 {
		t.Fatalf("transcript round-trip mismatch: %+v", got)
	}
	if got.Transcript[1].DelayMs != 40 {
		t.Fatalf("delay = %d, want 40", got.Transcript[1].DelayMs)
	}
}

func TestRedisStoreImplementsStore(t *testing.T) {
	var _ Store = (*RedisStore)(nil)
}
