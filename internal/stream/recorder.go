package stream

import (
	"time"

	"github.com/watchllm/proxy/internal/cache"
)

// Recorder accumulates a streaming transcript while chunks are forwarded to
// the client: each chunk is stored with the monotonic delay since the
// previous one. The transcript is only usable after Finish — partial
// transcripts are never cached.
type Recorder struct {
	chunks   []cache.Chunk
	last     time.Time
	finished bool
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record appends one chunk, stamping it with the delay since the previous
// chunk (zero for the first). Returns the recorded chunk for fan-out.
func (r *Recorder) Record(data []byte) cache.Chunk {
	now := time.Now()

	var delay int64
	if !r.last.IsZero() {
		delay = now.Sub(r.last).Milliseconds()
	}
	r.last = now

	// Copy: the caller may reuse its buffer.
	buf := make([]byte, len(data))
	copy(buf, data)

	c := cache.Chunk{DelayMs: delay, Data: buf}
	r.chunks = append(r.chunks, c)
	return c
}

// Finish marks the transcript complete (upstream sent its terminator).
func (r *Recorder) Finish() {
	r.finished = true
}

// Transcript returns the recorded chunks, or nil when the stream did not
// complete cleanly.
func (r *Recorder) Transcript() []cache.Chunk {
	if !r.finished || len(r.chunks) == 0 {
		return nil
	}
	return r.chunks
}

// Len returns the number of chunks recorded so far.
func (r *Recorder) Len() int { return len(r.chunks) }
