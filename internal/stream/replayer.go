package stream

import (
	"bufio"
	"context"
	"time"

	"github.com/watchllm/proxy/internal/cache"
)

// Delay clamps applied during replay. The recorded pacing is preserved in
// shape but bounded: a floor so replay never busy-loops, a ceiling so a
// transcript recorded over a slow upstream does not inflict its tail latency
// twice. The goal is "preserves streaming UX", not bit-perfect timing.
const (
	MinReplayDelay = 1 * time.Millisecond
	MaxReplayDelay = 50 * time.Millisecond
)

// Replay writes a recorded transcript to w as SSE, honoring recorded
// inter-chunk delays clamped to [MinReplayDelay, MaxReplayDelay], then the
// [DONE] terminator. Chunk order is the recorded insertion order. Returns
// early when ctx is cancelled (client disconnect).
func Replay(ctx context.Context, w *bufio.Writer, transcript []cache.Chunk) error {
	for i, c := range transcript {
		if i > 0 {
			delay := clampDelay(time.Duration(c.DelayMs) * time.Millisecond)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := WriteEvent(w, c.Data); err != nil {
			return err
		}
	}
	return WriteDone(w)
}

func clampDelay(d time.Duration) time.Duration {
	if d < MinReplayDelay {
		return MinReplayDelay
	}
	if d > MaxReplayDelay {
		return MaxReplayDelay
	}
	return d
}
