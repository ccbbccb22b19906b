package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chainwatch/internal/logger"
	"chainwatch/internal/metrics"
	"chainwatch/pkg/models"
)

// ErrNoHealthyEndpoint is returned by SelectBest when every endpoint of a
// source is currently unhealthy. Callers must treat it as retryable.
var ErrNoHealthyEndpoint = errors.New("no healthy endpoint")

// ProbeFunc issues a lightweight liveness call against one endpoint URL.
type ProbeFunc func(ctx context.Context, url string, timeout time.Duration) error

// Endpoint is the registry's live health record for one configured endpoint.
// Readers (listeners) and the probe loop touch it concurrently, so mutable
// fields use atomics; a few seconds of staleness is acceptable.
type Endpoint struct {
	URL      string
	Priority int
	Weight   int
	Timeout  time.Duration

	healthy       atomic.Bool
	latencyMicros atomic.Int64
	consecErrors  atomic.Int32
	lastProbe     atomic.Int64 // unix nanos
}

// Healthy reports the endpoint's current probed status.
func (e *Endpoint) Healthy() bool {
	return e.healthy.Load()
}

// Latency returns the rolling probe latency.
func (e *Endpoint) Latency() time.Duration {
	return time.Duration(e.latencyMicros.Load()) * time.Microsecond
}

func (e *Endpoint) snapshot(source string) models.EndpointHealth {
	status := models.EndpointUnhealthy
	if e.healthy.Load() {
		status = models.EndpointHealthy
	}
	snap := models.EndpointHealth{
		Source:            source,
		URL:               e.URL,
		Priority:          e.Priority,
		Weight:            e.Weight,
		Status:            status,
		LatencyMillis:     e.Latency().Milliseconds(),
		ConsecutiveErrors: int(e.consecErrors.Load()),
	}
	if ns := e.lastProbe.Load(); ns > 0 {
		snap.LastProbe = time.Unix(0, ns).UTC()
	}
	return snap
}

// Config configures a per-source registry.
type Config struct {
	Source           string
	ProbeInterval    time.Duration
	FailureThreshold int
}

// Registry tracks the endpoint pool of one source, probes it periodically and
// answers SelectBest. Endpoints are fixed at construction; disabled ones stay
// visible for observability.
type Registry struct {
	source    string
	endpoints []*Endpoint
	interval  time.Duration
	threshold int
	probe     ProbeFunc
	metrics   *metrics.Metrics
}

// NewRegistry builds a registry from static endpoint configuration. All
// endpoints start healthy; the first probe cycle corrects that if needed.
func NewRegistry(cfg Config, endpoints []*Endpoint, probe ProbeFunc, m *metrics.Metrics) (*Registry, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("source %s: endpoint pool is empty", cfg.Source)
	}
	if probe == nil {
		return nil, fmt.Errorf("source %s: probe function is required", cfg.Source)
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 15 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	for _, ep := range endpoints {
		ep.healthy.Store(true)
		if m != nil {
			m.EndpointUp.WithLabelValues(cfg.Source, ep.URL).Set(1)
		}
	}
	return &Registry{
		source:    cfg.Source,
		endpoints: endpoints,
		interval:  cfg.ProbeInterval,
		threshold: cfg.FailureThreshold,
		probe:     probe,
		metrics:   m,
	}, nil
}

// Run probes all endpoints on a fixed interval until the context is
// cancelled. Probing is independent of listener activity so failover is
// proactive.
func (r *Registry) Run(ctx context.Context) {
	logger.Infof("health registry started: source=%s endpoints=%d interval=%s", r.source, len(r.endpoints), r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.ProbeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ProbeAll(ctx)
		}
	}
}

// ProbeAll issues one liveness call per endpoint and updates health records.
func (r *Registry) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, ep := range r.endpoints {
		wg.Add(1)
		go func(ep *Endpoint) {
			defer wg.Done()
			r.probeOne(ctx, ep)
		}(ep)
	}
	wg.Wait()
}

func (r *Registry) probeOne(ctx context.Context, ep *Endpoint) {
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	start := time.Now()
	err := r.probe(ctx, ep.URL, timeout)
	elapsed := time.Since(start)
	ep.lastProbe.Store(time.Now().UnixNano())

	if err != nil {
		errs := ep.consecErrors.Add(1)
		if int(errs) >= r.threshold && ep.healthy.CompareAndSwap(true, false) {
			logger.Warnf("endpoint unhealthy: source=%s url=%s consecutive_errors=%d err=%v", r.source, ep.URL, errs, err)
			r.recordTransition(ep, false)
		}
		return
	}

	ep.latencyMicros.Store(elapsed.Microseconds())
	ep.consecErrors.Store(0)
	if r.metrics != nil {
		r.metrics.EndpointLatency.WithLabelValues(r.source, ep.URL).Set(elapsed.Seconds())
	}
	// One success flips an endpoint back to healthy.
	if ep.healthy.CompareAndSwap(false, true) {
		logger.Infof("endpoint recovered: source=%s url=%s latency=%s", r.source, ep.URL, elapsed)
		r.recordTransition(ep, true)
	}
}

func (r *Registry) recordTransition(ep *Endpoint, healthy bool) {
	if r.metrics == nil {
		return
	}
	up := 0.0
	to := "unhealthy"
	if healthy {
		up = 1.0
		to = "healthy"
	}
	r.metrics.EndpointUp.WithLabelValues(r.source, ep.URL).Set(up)
	r.metrics.HealthTransitions.WithLabelValues(r.source, ep.URL, to).Inc()
}

// SelectBest returns the lowest-latency healthy endpoint, with configured
// priority as tie-break (lower value wins).
func (r *Registry) SelectBest() (*Endpoint, error) {
	var best *Endpoint
	for _, ep := range r.endpoints {
		if !ep.Healthy() {
			continue
		}
		if best == nil {
			best = ep
			continue
		}
		l, bl := ep.Latency(), best.Latency()
		if l < bl || (l == bl && ep.Priority < best.Priority) {
			best = ep
		}
	}
	if best == nil {
		return nil, fmt.Errorf("source %s: %w", r.source, ErrNoHealthyEndpoint)
	}
	return best, nil
}

// Snapshot returns the health of every endpoint for the monitoring layer.
func (r *Registry) Snapshot() []models.EndpointHealth {
	out := make([]models.EndpointHealth, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep.snapshot(r.source))
	}
	return out
}
