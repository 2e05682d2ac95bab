package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/watchllm/proxy/internal/metrics"
	"github.com/watchllm/proxy/internal/providers"
)

const (
	healthProbeInterval = 30 * time.Second
	healthProbeTimeout  = 5 * time.Second
)

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "unknown"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes against the configured providers and
// the cache backend, exposing the latest results to /health and /readiness.
type HealthChecker struct {
	providers  map[string]providers.Provider
	cacheReady func() bool
	baseCtx    context.Context
	metrics    *metrics.Registry

	providerStatuses map[string]*componentStatus
	cacheStatus      componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts probes.
func NewHealthChecker(
	ctx context.Context,
	provs map[string]providers.Provider,
	cacheReady func() bool,
	met *metrics.Registry,
) *HealthChecker {
	hc := &HealthChecker{
		providers:        provs,
		cacheReady:       cacheReady,
		providerStatuses: make(map[string]*componentStatus),
		startTime:        time.Now(),
		done:             make(chan struct{}),
		baseCtx:          ctx,
		metrics:          met,
	}

	for name := range provs {
		hc.providerStatuses[name] = &componentStatus{status: "unknown"}
	}

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot is the /health response body.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Cache         string            `json:"cache"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	provs := make(map[string]string, len(hc.providerStatuses))
	for name, s := range hc.providerStatuses {
		st := s.get()
		provs[name] = st
		if st == "degraded" {
			overall = "degraded"
		}
	}

	cacheState := hc.cacheStatus.get()
	if cacheState == "degraded" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     provs,
		Cache:         cacheState,
	}
}

// ReadinessOK reports whether the cache backend is reachable. Provider
// outages degrade /health but do not fail readiness — the proxy can still
// serve from cache.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.cacheStatus.get() != "degraded"
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()

	hc.probe()

	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for name, prov := range hc.providers {
		s := hc.providerStatuses[name]
		wg.Add(1)
		go func(name string, prov providers.Provider) {
			defer wg.Done()
			healthy := prov.HealthCheck(ctx) == nil
			if healthy {
				s.set("ok")
			} else {
				s.set("degraded")
			}
			if hc.metrics != nil {
				hc.metrics.SetProviderHealth(name, healthy)
			}
		}(name, prov)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		// A nil probe means the cache is not configured → ok.
		if hc.cacheReady == nil || hc.cacheReady() {
			hc.cacheStatus.set("ok")
		} else {
			hc.cacheStatus.set("degraded")
		}
	}()

	wg.Wait()
}
