package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisQueryTimeout = 500 * time.Millisecond

	// semanticScanLimit bounds how many family members one semantic lookup
	// will fetch and score. Oversized families degrade to a sampled scan
	// rather than an unbounded MGET.
	semanticScanLimit = 512
)

// RedisStore is the Redis-backed Store shared across replicas.
//
// Layout:
//   - cache:<project>:<fingerprint>        → entry JSON, TTL = entry TTL
//   - cachescope:<project>:<endpoint>:<model> → set of fingerprints
//
// Inserts use SETNX so concurrent leaders commute: the first writer wins and
// later writers observe success with their payload discarded. All read
// operations degrade gracefully — any Redis error reads as a miss so the
// proxy never fails because the cache is unavailable.
type RedisStore struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewRedisStoreFromClient wraps an existing Redis client. The caller owns the
// client lifecycle.
func NewRedisStoreFromClient(cli *redis.Client) *RedisStore {
	return &RedisStore{client: cli, queryTimeout: redisQueryTimeout}
}

// NewRedisStoreFromURL parses redisURL, verifies connectivity with a PING,
// and returns a RedisStore that owns the client.
func NewRedisStoreFromURL(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return &RedisStore{client: cli, queryTimeout: redisQueryTimeout}, nil
}

func redisEntryKey(projectID, fingerprint string) string {
	return "cache:" + projectID + ":" + fingerprint
}

func redisScopeKey(projectID, endpoint, model string) string {
	return "cachescope:" + projectID + ":" + endpoint + ":" + model
}

// LookupExact implements Store.
func (s *RedisStore) LookupExact(ctx context.Context, projectID, fingerprint string) (*Entry, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	raw, err := s.client.Get(ctx, redisEntryKey(projectID, fingerprint)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_get_error", slog.String("error", err.Error()))
		}
		return nil, false
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		slog.WarnContext(ctx, "cache_decode_error", slog.String("error", err.Error()))
		return nil, false
	}
	if e.Expired(time.Now()) {
		// TTL should have removed it; belt-and-braces against clock skew.
		return nil, false
	}

	return &e, true
}

// LookupSemantic implements Store. Family members are fetched in one MGET and
// scored in-process; expired or vanished members are pruned from the scope
// set as a side effect.
func (s *RedisStore) LookupSemantic(ctx context.Context, projectID, endpoint, model string, vec []float32, threshold float64) (*Entry, float64, bool) {
	if len(vec) == 0 {
		return nil, 0, false
	}

	ctx, cancel := context.WithTimeout(ctx, 2*s.queryTimeout)
	defer cancel()

	scopeKey := redisScopeKey(projectID, endpoint, model)
	members, err := s.client.SRandMemberN(ctx, scopeKey, semanticScanLimit).Result()
	if err != nil || len(members) == 0 {
		if err != nil && !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_scope_error", slog.String("error", err.Error()))
		}
		return nil, 0, false
	}

	keys := make([]string, len(members))
	for i, fp := range members {
		keys[i] = redisEntryKey(projectID, fp)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		slog.WarnContext(ctx, "cache_mget_error", slog.String("error", err.Error()))
		return nil, 0, false
	}

	now := time.Now()
	var (
		best    *Entry
		bestSim float64
		gone    []any
	)
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// Entry expired out from under its index membership.
			gone = append(gone, members[i])
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(str), &e); err != nil {
			continue
		}
		if e.Expired(now) {
			gone = append(gone, members[i])
			continue
		}
		sim := Cosine(vec, e.Embedding)
		if sim < threshold {
			continue
		}
		if best == nil || better(sim, e.StoredAt, bestSim, best.StoredAt) {
			entry := e
			best, bestSim = &entry, sim
		}
	}

	if len(gone) > 0 {
		_ = s.client.SRem(ctx, scopeKey, gone...).Err()
	}

	if best == nil {
		return nil, 0, false
	}
	return best, bestSim, true
}

// Insert implements Store. SETNX makes concurrent inserts commute; the scope
// index is updated only by the winning writer.
func (s *RedisStore) Insert(ctx context.Context, e *Entry) error {
	ctx, cancel := context.WithTimeout(ctx, 2*s.queryTimeout)
	defer cancel()

	ttl := time.Until(e.ExpiresAt)
	if ttl <= 0 {
		return nil // already expired, nothing to store
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache: encode entry: %w", err)
	}

	won, err := s.client.SetNX(ctx, redisEntryKey(e.ProjectID, e.Fingerprint), raw, ttl).Result()
	if err != nil {
		slog.WarnContext(ctx, "cache_set_error", slog.String("error", err.Error()))
		return nil // degrade gracefully — the response was already served
	}
	if !won {
		return nil // first writer wins
	}

	scopeKey := redisScopeKey(e.ProjectID, e.Endpoint, e.Model)
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, scopeKey, e.Fingerprint)
	// Keep the scope set from outliving its last member indefinitely.
	pipe.Expire(ctx, scopeKey, ttl+time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.WarnContext(ctx, "cache_index_error", slog.String("error", err.Error()))
	}

	return nil
}

// Touch implements Store. The hit counter lives inside the entry JSON, so a
// transactional increment would mean a read-modify-write cycle per hit; a
// plain side counter keeps the hot path cheap and the count best-effort.
func (s *RedisStore) Touch(ctx context.Context, projectID, fingerprint string) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_ = s.client.Incr(ctx, "cachehits:"+projectID+":"+fingerprint).Err()
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
