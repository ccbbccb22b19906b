package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// scriptedProbe fails URLs listed in failing and succeeds otherwise.
type scriptedProbe struct {
	mu      sync.Mutex
	failing map[string]bool
}

func (p *scriptedProbe) probe(ctx context.Context, url string, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing[url] {
		return errors.New("connection refused")
	}
	return nil
}

func (p *scriptedProbe) setFailing(url string, failing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing[url] = failing
}

func newTestRegistry(t *testing.T, probe ProbeFunc) (*Registry, []*Endpoint) {
	t.Helper()
	endpoints := []*Endpoint{
		{URL: "https://primary.example.com", Priority: 1, Timeout: time.Second},
		{URL: "https://fallback.example.com", Priority: 2, Timeout: time.Second},
	}
	registry, err := NewRegistry(Config{
		Source:           "ethereum-mainnet",
		ProbeInterval:    time.Minute,
		FailureThreshold: 3,
	}, endpoints, probe, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return registry, endpoints
}

func TestNewRegistryRejectsEmptyPool(t *testing.T) {
	_, err := NewRegistry(Config{Source: "s"}, nil, func(ctx context.Context, url string, timeout time.Duration) error {
		return nil
	}, nil)
	if err == nil {
		t.Fatalf("expected error for empty endpoint pool")
	}
}

func TestEndpointUnhealthyAfterConsecutiveFailures(t *testing.T) {
	probe := &scriptedProbe{failing: map[string]bool{"https://primary.example.com": true}}
	registry, endpoints := newTestRegistry(t, probe.probe)

	ctx := context.Background()
	registry.ProbeAll(ctx)
	registry.ProbeAll(ctx)
	if !endpoints[0].Healthy() {
		t.Fatalf("endpoint must stay healthy below the failure threshold")
	}

	registry.ProbeAll(ctx)
	if endpoints[0].Healthy() {
		t.Fatalf("expected endpoint unhealthy after 3 consecutive failures")
	}
	if endpoints[1].Healthy() != true {
		t.Fatalf("fallback endpoint must stay healthy")
	}
}

func TestSelectBestFailsOverAndRecovers(t *testing.T) {
	probe := &scriptedProbe{failing: map[string]bool{"https://primary.example.com": true}}
	registry, endpoints := newTestRegistry(t, probe.probe)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		registry.ProbeAll(ctx)
	}

	ep, err := registry.SelectBest()
	if err != nil {
		t.Fatalf("SelectBest: %v", err)
	}
	if ep.URL != "https://fallback.example.com" {
		t.Fatalf("expected failover to fallback, got %s", ep.URL)
	}

	// One successful probe flips the primary back.
	probe.setFailing("https://primary.example.com", false)
	registry.ProbeAll(ctx)
	if !endpoints[0].Healthy() {
		t.Fatalf("expected primary healthy after a single successful probe")
	}
	if endpoints[0].consecErrors.Load() != 0 {
		t.Fatalf("expected consecutive error count reset on success")
	}
}

func TestSelectBestReturnsSentinelWhenAllUnhealthy(t *testing.T) {
	probe := &scriptedProbe{failing: map[string]bool{
		"https://primary.example.com":  true,
		"https://fallback.example.com": true,
	}}
	registry, _ := newTestRegistry(t, probe.probe)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		registry.ProbeAll(ctx)
	}

	_, err := registry.SelectBest()
	if !errors.Is(err, ErrNoHealthyEndpoint) {
		t.Fatalf("expected ErrNoHealthyEndpoint, got %v", err)
	}
}

func TestSelectBestPrefersLowerLatencyThenPriority(t *testing.T) {
	registry, endpoints := newTestRegistry(t, func(ctx context.Context, url string, timeout time.Duration) error {
		return nil
	})

	endpoints[0].latencyMicros.Store(900)
	endpoints[1].latencyMicros.Store(200)

	ep, err := registry.SelectBest()
	if err != nil {
		t.Fatalf("SelectBest: %v", err)
	}
	if ep.URL != "https://fallback.example.com" {
		t.Fatalf("expected lowest-latency endpoint, got %s", ep.URL)
	}

	// On equal latency the configured priority decides.
	endpoints[1].latencyMicros.Store(900)
	ep, err = registry.SelectBest()
	if err != nil {
		t.Fatalf("SelectBest: %v", err)
	}
	if ep.URL != "https://primary.example.com" {
		t.Fatalf("expected priority tie-break toward primary, got %s", ep.URL)
	}
}

func TestSnapshotReportsAllEndpoints(t *testing.T) {
	probe := &scriptedProbe{failing: map[string]bool{"https://primary.example.com": true}}
	registry, _ := newTestRegistry(t, probe.probe)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		registry.ProbeAll(ctx)
	}

	snap := registry.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 endpoints in snapshot, got %d", len(snap))
	}
	byURL := make(map[string]string, len(snap))
	for _, s := range snap {
		byURL[s.URL] = string(s.Status)
	}
	if byURL["https://primary.example.com"] != "unhealthy" {
		t.Fatalf("expected primary unhealthy in snapshot, got %q", byURL["https://primary.example.com"])
	}
	if byURL["https://fallback.example.com"] != "healthy" {
		t.Fatalf("expected fallback healthy in snapshot, got %q", byURL["https://fallback.example.com"])
	}
}
