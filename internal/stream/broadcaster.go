package stream

import (
	"errors"
	"sync"

	"github.com/watchllm/proxy/internal/cache"
)

// subBuffer is the per-subscriber channel depth. A subscriber that falls
// more than a full buffer behind the live stream is dropped rather than
// allowed to stall every other waiter — its stream ends with an error and
// the client retries.
const subBuffer = 256

// ErrSlowSubscriber is delivered to subscribers dropped for falling behind.
var ErrSlowSubscriber = errors.New("stream: subscriber fell behind")

// Broadcaster multicasts a live stream to its leader and any followers that
// attach mid-flight. A follower attaching mid-stream receives the
// already-buffered prefix synchronously, then joins the live tail.
type Broadcaster struct {
	mu     sync.Mutex
	prefix []cache.Chunk
	subs   map[*Subscription]struct{}
	closed bool
	err    error
}

// Subscription is one attached reader.
type Subscription struct {
	// Prefix holds the chunks published before this subscriber attached.
	Prefix []cache.Chunk

	// C delivers live chunks published after attach. Closed when the
	// stream ends; check Err afterwards.
	C <-chan cache.Chunk

	ch     chan cache.Chunk
	b      *Broadcaster
	errVal error
}

// Err returns the terminal stream error, nil on clean completion.
func (s *Subscription) Err() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.errVal != nil {
		return s.errVal
	}
	return s.b.err
}

// NewBroadcaster returns an open Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*Subscription]struct{})}
}

// Subscribe attaches a reader. The returned subscription carries the
// buffered prefix; live chunks follow on C.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan cache.Chunk, subBuffer)
	sub := &Subscription{ch: ch, C: ch, b: b}

	sub.Prefix = make([]cache.Chunk, len(b.prefix))
	copy(sub.Prefix, b.prefix)

	if b.closed {
		close(ch)
		return sub
	}

	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe detaches a reader. Safe to call after close.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish appends a chunk to the prefix and delivers it to every live
// subscriber. Subscribers whose buffer is full are dropped.
func (b *Broadcaster) Publish(c cache.Chunk) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.prefix = append(b.prefix, c)

	for sub := range b.subs {
		select {
		case sub.ch <- c:
		default:
			sub.errVal = ErrSlowSubscriber
			delete(b.subs, sub)
			close(sub.ch)
		}
	}
}

// Close terminates the stream. A nil err means clean completion; a non-nil
// err propagates verbatim to every subscriber.
func (b *Broadcaster) Close(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.err = err

	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}
