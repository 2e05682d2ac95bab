// Package ratelimit implements the two admission dimensions: a per-project
// per-minute sliding window and a per-project monthly request quota.
//
// Cache hits count against both dimensions — an explicit product decision:
// a request served from cache is still a request.
//
// Redis backends use atomic Lua scripts so replicas share limits; in-memory
// backends serve single-instance deployments. All Redis errors degrade to
// "allow" so a limiter outage never takes the proxy down with it.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool

	// RetryAfter hints when the caller may retry. Zero when allowed.
	RetryAfter time.Duration
}

// MinuteLimiter enforces the per-minute bucket. Checked before any
// normalization-heavy work.
type MinuteLimiter interface {
	// Allow records one request against projectID's minute window of size
	// limit. limit ≤ 0 means unlimited.
	Allow(ctx context.Context, projectID string, limit int) (Decision, error)
}

// MonthlyQuota enforces the plan's monthly request count. Checked after
// normalization so the endpoint attribution is accurate.
type MonthlyQuota interface {
	// Consume records one request against projectID's quota for the current
	// month. limit ≤ 0 means unlimited.
	Consume(ctx context.Context, projectID string, limit int64) (Decision, error)
}

// nextMonthBoundary returns the duration until the first instant of the next
// calendar month in UTC — the Retry-After hint for exhausted quotas.
func nextMonthBoundary(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return next.Sub(now)
}

// monthKey formats the quota bucket for the current month, e.g. "2026-08".
func monthKey(now time.Time) string {
	return now.UTC().Format("2006-01")
}
