package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryMinuteLimiter is the in-process sliding-window limiter for
// single-instance deployments. Per-project windows are rings of request
// timestamps.
type MemoryMinuteLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewMemoryMinuteLimiter creates a MemoryMinuteLimiter.
func NewMemoryMinuteLimiter() *MemoryMinuteLimiter {
	return &MemoryMinuteLimiter{windows: make(map[string][]time.Time)}
}

// Allow implements MinuteLimiter.
func (m *MemoryMinuteLimiter) Allow(_ context.Context, projectID string, limit int) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := time.Now()
	cutoff := now.Add(-time.Minute)

	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.windows[projectID]
	// Drop timestamps that slid out of the window.
	keep := 0
	for _, ts := range w {
		if ts.After(cutoff) {
			w[keep] = ts
			keep++
		}
	}
	w = w[:keep]

	if len(w) >= limit {
		m.windows[projectID] = w
		retry := w[0].Add(time.Minute).Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		return Decision{Allowed: false, RetryAfter: retry}, nil
	}

	m.windows[projectID] = append(w, now)
	return Decision{Allowed: true}, nil
}

// MemoryMonthlyQuota is the in-process monthly counter.
type MemoryMonthlyQuota struct {
	mu     sync.Mutex
	counts map[string]int64 // key: project + "\x00" + month
}

// NewMemoryMonthlyQuota creates a MemoryMonthlyQuota.
func NewMemoryMonthlyQuota() *MemoryMonthlyQuota {
	return &MemoryMonthlyQuota{counts: make(map[string]int64)}
}

// Consume implements MonthlyQuota.
func (m *MemoryMonthlyQuota) Consume(_ context.Context, projectID string, limit int64) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true}, nil
	}

	now := time.Now()
	key := projectID + "\x00" + monthKey(now)

	m.mu.Lock()
	m.counts[key]++
	count := m.counts[key]
	m.mu.Unlock()

	if count > limit {
		return Decision{Allowed: false, RetryAfter: nextMonthBoundary(now)}, nil
	}
	return Decision{Allowed: true}, nil
}
