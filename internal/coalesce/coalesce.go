// Package coalesce deduplicates identical in-flight upstream requests.
//
// At most one upstream call runs per (project, fingerprint): the first
// caller becomes the leader and performs the call; concurrent callers become
// followers and block on the leader's result. The upstream call runs on a
// context detached from the leader's client connection, cancelled only when
// the last waiter departs — so a leader disconnect promotes a surviving
// follower instead of killing the shared call.
//
// golang.org/x/sync/singleflight was considered and rejected: it has no
// bounded attach window, ties the call to the initiating goroutine's
// lifetime (no follower promotion), and has no streaming fan-out.
package coalesce

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/watchllm/proxy/internal/providers"
	"github.com/watchllm/proxy/internal/stream"
)

// DefaultAttachWindow bounds how old a flight may be for followers to join.
// Past the window the leader is presumed stuck and new callers go upstream
// themselves.
const DefaultAttachWindow = 30 * time.Second

const shardCount = 32

// Outcome is the terminal result of a unary flight, published verbatim to
// every waiter.
type Outcome struct {
	Body  []byte
	Model string
	Usage providers.Usage
	Err   error
}

// Flight is one in-flight upstream request.
type Flight struct {
	key       string
	createdAt time.Time

	// Broadcast fans chunks out to waiters on streaming flights; nil for
	// unary flights.
	Broadcast *stream.Broadcaster

	done    chan struct{}
	outcome Outcome

	mu             sync.Mutex
	waiters        int
	finished       bool
	cancelUpstream context.CancelFunc

	group *Group
	shard *shard
}

// Done is closed when the flight terminates.
func (f *Flight) Done() <-chan struct{} { return f.done }

// Outcome returns the published result. Valid only after Done is closed.
func (f *Flight) Outcome() Outcome { return f.outcome }

// Age returns how long the flight has been running.
func (f *Flight) Age() time.Duration { return time.Since(f.createdAt) }

// Leave deregisters one waiter (client disconnect or completion). When the
// last waiter leaves an unfinished flight, the upstream call is cancelled.
// Idempotence is the caller's responsibility: one Leave per Acquire.
func (f *Flight) Leave() {
	f.mu.Lock()
	f.waiters--
	cancel := f.waiters <= 0 && !f.finished
	cancelFn := f.cancelUpstream
	f.mu.Unlock()

	if cancel && cancelFn != nil {
		cancelFn()
	}
}

// Run starts the upstream work on a goroutine with a context derived from
// baseCtx — deliberately not from any client's request context. Must be
// called exactly once, by the leader.
func (f *Flight) Run(baseCtx context.Context, work func(ctx context.Context) Outcome) {
	ctx, cancel := context.WithCancel(baseCtx)

	f.mu.Lock()
	f.cancelUpstream = cancel
	f.mu.Unlock()

	go func() {
		defer cancel()
		out := work(ctx)
		f.finish(out)
	}()
}

func (f *Flight) finish(out Outcome) {
	f.mu.Lock()
	f.finished = true
	f.outcome = out
	f.mu.Unlock()

	if f.shard != nil {
		f.shard.release(f)
	}
	close(f.done)
}

// Group is the sharded in-flight map. The hot path takes one shard mutex for
// a map read; no global lock exists.
type Group struct {
	attachWindow time.Duration
	shards       [shardCount]shard
}

type shard struct {
	mu      sync.Mutex
	flights map[string]*Flight
}

// NewGroup creates a Group. attachWindow ≤ 0 uses DefaultAttachWindow.
func NewGroup(attachWindow time.Duration) *Group {
	if attachWindow <= 0 {
		attachWindow = DefaultAttachWindow
	}
	g := &Group{attachWindow: attachWindow}
	for i := range g.shards {
		g.shards[i].flights = make(map[string]*Flight)
	}
	return g
}

// Acquire joins or creates the flight for key. The boolean reports whether
// the caller is the leader and must call Run. Followers block on Done (or
// subscribe to Broadcast for streams). Every caller — leader included — must
// call Leave exactly once when its client departs or its response is
// written.
//
// A flight older than the attach window is presumed stuck: the caller
// replaces it in the slot and leads its own attempt. The stale flight keeps
// running for its remaining waiters but accepts no new ones.
func (g *Group) Acquire(key string, streaming bool) (*Flight, bool) {
	s := &g.shards[shardIndex(key)]

	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.flights[key]; ok && f.Age() < g.attachWindow {
		f.mu.Lock()
		f.waiters++
		f.mu.Unlock()
		return f, false
	}

	f := &Flight{
		key:       key,
		createdAt: time.Now(),
		done:      make(chan struct{}),
		waiters:   1,
		shard:     s,
	}
	if streaming {
		f.Broadcast = stream.NewBroadcaster()
	}
	s.flights[key] = f
	return f, true
}

// Len returns the number of live flights (observability).
func (g *Group) Len() int {
	n := 0
	for i := range g.shards {
		g.shards[i].mu.Lock()
		n += len(g.shards[i].flights)
		g.shards[i].mu.Unlock()
	}
	return n
}

// release removes a terminated flight from the slot, unless a replacement
// has already taken it.
func (s *shard) release(f *Flight) {
	s.mu.Lock()
	if cur, ok := s.flights[f.key]; ok && cur == f {
		delete(s.flights, f.key)
	}
	s.mu.Unlock()
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}
