package stream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/watchllm/proxy/internal/cache"
)

func TestRecorderDelaysAndOrder(t *testing.T) {
	r := NewRecorder()

	r.Record([]byte("one"))
	time.Sleep(15 * time.Millisecond)
	r.Record([]byte("two"))
	r.Finish()

	tr := r.Transcript()
	if len(tr) != 2 {
		t.Fatalf("transcript length = %d, want 2", len(tr))
	}
	if tr[0].DelayMs != 0 {
		t.Fatalf("first delay = %d, want 0", tr[0].DelayMs)
	}
	if tr[1].DelayMs < 10 {
		t.Fatalf("second delay = %dms, want ≥ 10ms", tr[1].DelayMs)
	}
	if string(tr[0].Data) != "one" || string(tr[1].Data) != "two" {
		t.Fatal("chunk order not preserved")
	}
}

func TestPartialTranscriptDiscarded(t *testing.T) {
	r := NewRecorder()
	r.Record([]byte("one"))
	// No Finish — upstream errored mid-stream.

	if tr := r.Transcript(); tr != nil {
		t.Fatal("partial transcript must never be cached")
	}
}

func TestEmptyTranscriptDiscarded(t *testing.T) {
	r := NewRecorder()
	r.Finish()
	if tr := r.Transcript(); tr != nil {
		t.Fatal("empty transcript must not be cached")
	}
}

func TestBroadcasterLiveDelivery(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe()

	b.Publish(cache.Chunk{Data: []byte("a")})
	b.Publish(cache.Chunk{Data: []byte("b")})
	b.Close(nil)

	var got []string
	for c := range sub.C {
		got = append(got, string(c.Data))
	}
	if strings.Join(got, "") != "ab" {
		t.Fatalf("received %v, want [a b]", got)
	}
	if sub.Err() != nil {
		t.Fatalf("Err = %v, want nil", sub.Err())
	}
}

func TestBroadcasterMidStreamAttachGetsPrefix(t *testing.T) {
	b := NewBroadcaster()

	b.Publish(cache.Chunk{Data: []byte("a")})
	b.Publish(cache.Chunk{Data: []byte("b")})

	sub := b.Subscribe()
	if len(sub.Prefix) != 2 {
		t.Fatalf("prefix length = %d, want 2", len(sub.Prefix))
	}

	b.Publish(cache.Chunk{Data: []byte("c")})
	b.Close(nil)

	var tail []string
	for c := range sub.C {
		tail = append(tail, string(c.Data))
	}
	if len(tail) != 1 || tail[0] != "c" {
		t.Fatalf("tail = %v, want [c]", tail)
	}
}

func TestBroadcasterErrorPropagatesToAllSubscribers(t *testing.T) {
	b := NewBroadcaster()
	s1 := b.Subscribe()
	s2 := b.Subscribe()

	wantErr := fmt.Errorf("upstream exploded")
	b.Close(wantErr)

	for _, s := range []*Subscription{s1, s2} {
		for range s.C {
		}
		if s.Err() != wantErr {
			t.Fatalf("Err = %v, want %v", s.Err(), wantErr)
		}
	}
}

func TestBroadcasterSubscribeAfterClose(t *testing.T) {
	b := NewBroadcaster()
	b.Publish(cache.Chunk{Data: []byte("a")})
	b.Close(nil)

	sub := b.Subscribe()
	if len(sub.Prefix) != 1 {
		t.Fatalf("prefix length = %d, want 1", len(sub.Prefix))
	}
	if _, open := <-sub.C; open {
		t.Fatal("channel must be closed")
	}
}

func TestBroadcasterUnsubscribeIdempotent(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe()

	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // second call must not panic
	b.Publish(cache.Chunk{Data: []byte("a")})
	b.Close(nil)
}

func TestBroadcasterDropsSlowSubscriber(t *testing.T) {
	b := NewBroadcaster()
	slow := b.Subscribe()

	// Overfill the subscriber buffer without draining.
	for i := 0; i < subBuffer+1; i++ {
		b.Publish(cache.Chunk{Data: []byte("x")})
	}

	// Drain what was delivered; the channel must already be closed.
	n := 0
	for range slow.C {
		n++
	}
	if n != subBuffer {
		t.Fatalf("delivered %d chunks, want %d", n, subBuffer)
	}
	if slow.Err() != ErrSlowSubscriber {
		t.Fatalf("Err = %v, want ErrSlowSubscriber", slow.Err())
	}
}

func TestReplayFraming(t *testing.T) {
	transcript := []cache.Chunk{
		{DelayMs: 0, Data: []byte(`{"n":1}`)},
		{DelayMs: 5, Data: []byte(`{"n":2}`)},
		{DelayMs: 500, Data: []byte(`{"n":3}`)}, // clamped to 50ms
	}

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	start := time.Now()
	if err := Replay(context.Background(), w, transcript); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	elapsed := time.Since(start)

	out := buf.String()
	want := "data: {\"n\":1}\n\ndata: {\"n\":2}\n\ndata: {\"n\":3}\n\ndata: [DONE]\n\n"
	if out != want {
		t.Fatalf("framing mismatch:\n%q\nwant\n%q", out, want)
	}

	// 5ms + clamp(500→50ms); generous upper bound for slow CI.
	if elapsed > time.Second {
		t.Fatalf("replay took %v, clamping not applied", elapsed)
	}
	if elapsed < 5*time.Millisecond {
		t.Fatalf("replay took %v, recorded delays ignored", elapsed)
	}
}

func TestReplayCancellation(t *testing.T) {
	transcript := []cache.Chunk{
		{DelayMs: 0, Data: []byte(`{"n":1}`)},
		{DelayMs: 50, Data: []byte(`{"n":2}`)},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	if err := Replay(ctx, w, transcript); err == nil {
		t.Fatal("expected context error")
	}
	if strings.Contains(buf.String(), "[DONE]") {
		t.Fatal("cancelled replay must not emit [DONE]")
	}
}

func TestClampDelay(t *testing.T) {
	if got := clampDelay(0); got != MinReplayDelay {
		t.Fatalf("clamp(0) = %v", got)
	}
	if got := clampDelay(time.Second); got != MaxReplayDelay {
		t.Fatalf("clamp(1s) = %v", got)
	}
	if got := clampDelay(20 * time.Millisecond); got != 20*time.Millisecond {
		t.Fatalf("clamp(20ms) = %v", got)
	}
}
