package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLimiter(t *testing.T) (*RedisMinuteLimiter, *RedisMonthlyQuota, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewRedisMinuteLimiter(rdb), NewRedisMonthlyQuota(rdb), mr
}

func TestRedisMinuteLimit(t *testing.T) {
	limiter, _, _ := newRedisLimiter(t)
	ctx := context.Background()

	const limit = 10
	allowed, limited := 0, 0
	for i := 0; i < 15; i++ {
		d, err := limiter.Allow(ctx, "p1", limit)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if d.Allowed {
			allowed++
		} else {
			limited++
			if d.RetryAfter <= 0 {
				t.Fatal("limited decision must carry a Retry-After hint")
			}
		}
	}

	if allowed != limit || limited != 5 {
		t.Fatalf("allowed=%d limited=%d, want 10/5", allowed, limited)
	}
}

func TestRedisMinuteLimitPerProject(t *testing.T) {
	limiter, _, _ := newRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if d, _ := limiter.Allow(ctx, "p1", 3); !d.Allowed {
			t.Fatal("p1 should be within limit")
		}
	}
	if d, _ := limiter.Allow(ctx, "p1", 3); d.Allowed {
		t.Fatal("p1 should be limited")
	}
	// Another project is unaffected.
	if d, _ := limiter.Allow(ctx, "p2", 3); !d.Allowed {
		t.Fatal("p2 must have its own window")
	}
}

func TestRedisLimiterUnlimited(t *testing.T) {
	limiter, _, _ := newRedisLimiter(t)
	for i := 0; i < 100; i++ {
		if d, _ := limiter.Allow(context.Background(), "p1", 0); !d.Allowed {
			t.Fatal("limit 0 means unlimited")
		}
	}
}

func TestRedisLimiterGracefulDegradation(t *testing.T) {
	limiter, quota, mr := newRedisLimiter(t)
	mr.Close()

	if d, _ := limiter.Allow(context.Background(), "p1", 1); !d.Allowed {
		t.Fatal("limiter must allow when redis is down")
	}
	if d, _ := quota.Consume(context.Background(), "p1", 1); !d.Allowed {
		t.Fatal("quota must allow when redis is down")
	}
}

func TestRedisMonthlyQuota(t *testing.T) {
	_, quota, _ := newRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := quota.Consume(ctx, "p1", 5)
		if err != nil || !d.Allowed {
			t.Fatalf("request %d: %+v %v", i, d, err)
		}
	}

	d, _ := quota.Consume(ctx, "p1", 5)
	if d.Allowed {
		t.Fatal("6th request must exceed the quota")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > 32*24*time.Hour {
		t.Fatalf("RetryAfter = %v, want within next month boundary", d.RetryAfter)
	}
}

func TestMemoryMinuteLimit(t *testing.T) {
	limiter := NewMemoryMinuteLimiter()
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 15; i++ {
		if d, _ := limiter.Allow(ctx, "p1", 10); d.Allowed {
			allowed++
		}
	}
	if allowed != 10 {
		t.Fatalf("allowed = %d, want 10", allowed)
	}
}

func TestMemoryMonthlyQuota(t *testing.T) {
	quota := NewMemoryMonthlyQuota()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if d, _ := quota.Consume(ctx, "p1", 3); !d.Allowed {
			t.Fatalf("request %d unexpectedly limited", i)
		}
	}
	if d, _ := quota.Consume(ctx, "p1", 3); d.Allowed {
		t.Fatal("quota breach not detected")
	}
}

func TestNextMonthBoundary(t *testing.T) {
	now := time.Date(2026, time.February, 10, 12, 0, 0, 0, time.UTC)
	d := nextMonthBoundary(now)
	want := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC).Sub(now)
	if d != want {
		t.Fatalf("nextMonthBoundary = %v, want %v", d, want)
	}
}
