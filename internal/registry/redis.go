package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix           = "registry:key:"
	defaultRefreshEvery = 30 * time.Second
	lookupTimeout       = 500 * time.Millisecond
)

// RedisRegistry reads key records written by the control plane at
// "registry:key:<sha256(token)>". Records already seen are cached in an
// in-process snapshot refreshed on a timer, so repeated lookups for the same
// token are served without touching Redis; readers take a shared snapshot.
type RedisRegistry struct {
	rdb     *redis.Client
	log     *slog.Logger
	refresh time.Duration

	// snapshot maps token hash → project. Swapped atomically by the
	// refresher; readers never lock.
	snapshot atomic.Pointer[map[string]*Project]

	mu     sync.Mutex // guards known (the set of hashes to refresh)
	known  map[string]struct{}
	done   chan struct{}
	closed sync.Once
}

// NewRedisRegistry creates a RedisRegistry and starts the snapshot refresher.
// The caller owns the Redis client lifecycle.
func NewRedisRegistry(ctx context.Context, rdb *redis.Client, log *slog.Logger, refreshEvery time.Duration) *RedisRegistry {
	if refreshEvery <= 0 {
		refreshEvery = defaultRefreshEvery
	}
	r := &RedisRegistry{
		rdb:     rdb,
		log:     log,
		refresh: refreshEvery,
		known:   make(map[string]struct{}),
		done:    make(chan struct{}),
	}
	empty := make(map[string]*Project)
	r.snapshot.Store(&empty)

	go r.run(ctx)
	return r
}

// Lookup resolves token via the snapshot, falling back to a direct Redis read
// for tokens not seen before. First-seen tokens are added to the refresh set.
func (r *RedisRegistry) Lookup(ctx context.Context, token string) (*Project, error) {
	if token == "" {
		return nil, ErrUnknownKey
	}
	hash := HashToken(token)

	if p, ok := (*r.snapshot.Load())[hash]; ok {
		if p.Suspended {
			return nil, ErrSuspended
		}
		return p, nil
	}

	p, err := r.fetch(ctx, hash)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.known[hash] = struct{}{}
	r.mu.Unlock()
	r.merge(hash, p)

	if p.Suspended {
		return nil, ErrSuspended
	}
	return p, nil
}

// Close stops the background refresher.
func (r *RedisRegistry) Close() {
	r.closed.Do(func() { close(r.done) })
}

func (r *RedisRegistry) fetch(ctx context.Context, hash string) (*Project, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	raw, err := r.rdb.Get(ctx, keyPrefix+hash).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrUnknownKey
		}
		return nil, fmt.Errorf("registry: read key record: %w", err)
	}

	var p Project
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("registry: decode key record: %w", err)
	}
	return &p, nil
}

// merge publishes an updated snapshot containing the given record.
func (r *RedisRegistry) merge(hash string, p *Project) {
	old := *r.snapshot.Load()
	next := make(map[string]*Project, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[hash] = p
	r.snapshot.Store(&next)
}

// run re-reads every known key record on a timer so plan changes, threshold
// updates, and suspensions propagate without a proxy restart.
func (r *RedisRegistry) run(ctx context.Context) {
	ticker := time.NewTicker(r.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.refreshAll(ctx)
		case <-ctx.Done():
			return
		case <-r.done:
			return
		}
	}
}

func (r *RedisRegistry) refreshAll(ctx context.Context) {
	r.mu.Lock()
	hashes := make([]string, 0, len(r.known))
	for h := range r.known {
		hashes = append(hashes, h)
	}
	r.mu.Unlock()

	if len(hashes) == 0 {
		return
	}

	next := make(map[string]*Project, len(hashes))
	for _, h := range hashes {
		p, err := r.fetch(ctx, h)
		if err != nil {
			if err == ErrUnknownKey {
				// Key revoked by the control plane — drop it from the snapshot.
				r.mu.Lock()
				delete(r.known, h)
				r.mu.Unlock()
				continue
			}
			r.log.Warn("registry_refresh_error", slog.String("error", err.Error()))
			// Keep serving the stale record rather than failing lookups.
			if old, ok := (*r.snapshot.Load())[h]; ok {
				next[h] = old
			}
			continue
		}
		next[h] = p
	}
	r.snapshot.Store(&next)
}
