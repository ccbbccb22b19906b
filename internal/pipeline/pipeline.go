package pipeline

import (
	"context"
	"sync"

	"chainwatch/internal/canonical"
	"chainwatch/internal/dedup"
	"chainwatch/internal/health"
	"chainwatch/internal/listener"
	"chainwatch/internal/logger"
	"chainwatch/internal/metrics"
	"chainwatch/internal/queue"
	"chainwatch/internal/sink"
	"chainwatch/pkg/models"
)

// Deps are the explicitly constructed stage components. Nothing here is a
// global: tests run several isolated pipelines side by side.
type Deps struct {
	Canonicalizer *canonical.Canonicalizer
	Dedup         dedup.Cache
	Queue         *queue.Queue
	Sink          *sink.Sink
	Metrics       *metrics.Metrics
}

// Snapshot is the observability surface polled by the monitoring layer.
type Snapshot struct {
	Endpoints []models.EndpointHealth `json:"endpoints"`
	Listeners []listener.Status       `json:"listeners"`
	Queue     queue.Stats             `json:"queue"`
}

// Pipeline wires listeners, the dedup gate, the dispatch queue and the
// result sink together with an explicit start/stop lifecycle.
type Pipeline struct {
	deps       Deps
	registries []*health.Registry
	listeners  []*listener.Listener

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a pipeline around the shared stage components. Sources are
// attached with AddSource before Start.
func New(deps Deps) *Pipeline {
	return &Pipeline{deps: deps}
}

// AddSource registers a source's health registry and its listeners.
func (p *Pipeline) AddSource(registry *health.Registry, listeners ...*listener.Listener) {
	p.registries = append(p.registries, registry)
	p.listeners = append(p.listeners, listeners...)
}

// ProcessWindow is the ProcessFunc handed to every listener: canonicalize,
// dedup-gate and enqueue each raw event of a window. Malformed records are
// dropped without failing the window; only cancellation aborts it.
func (p *Pipeline) ProcessWindow(ctx context.Context, events []models.RawEvent) error {
	for i := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw := &events[i]

		event := p.deps.Canonicalizer.Canonicalize(raw)
		if event == nil {
			logger.Debugf("skipping malformed record: source=%s position=%d sub_index=%d", raw.Source, raw.Position, raw.SubIndex)
			p.countCanonical(raw.Source, "skipped")
			continue
		}
		p.countCanonical(raw.Source, "ok")

		seen, err := p.deps.Dedup.SeenRecently(ctx, event.ID)
		if err != nil {
			// Best-effort gate: on cache failure fall through to the
			// idempotent upsert.
			logger.Warnf("dedup check failed for event %s: %v", event.ID, err)
			seen = false
		}
		if seen {
			if p.deps.Metrics != nil {
				p.deps.Metrics.EventsDeduped.WithLabelValues(raw.Source).Inc()
			}
			continue
		}
		if err := p.deps.Dedup.MarkSeen(ctx, event.ID); err != nil {
			logger.Warnf("dedup mark failed for event %s: %v", event.ID, err)
		}

		p.deps.Queue.Enqueue(event)
	}
	return nil
}

// Start launches probe loops, listeners and the worker pool.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for _, registry := range p.registries {
		reg := registry
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			reg.Run(runCtx)
		}()
	}
	for _, lst := range p.listeners {
		l := lst
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			l.Run(runCtx)
		}()
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.deps.Queue.Run(runCtx)
	}()

	logger.Infof("pipeline started: sources=%d listeners=%d", len(p.registries), len(p.listeners))
}

// Stop cancels all loops and waits for in-flight work to wind down.
// Uncommitted windows are abandoned; their cursors stay put.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	started := p.started
	p.started = false
	p.mu.Unlock()

	if !started || cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.deps.Sink.Wait()
	logger.Infof("pipeline stopped")
}

// Snapshot collects the observability surface across all stages.
func (p *Pipeline) Snapshot() Snapshot {
	snap := Snapshot{Queue: p.deps.Queue.Stats()}
	for _, registry := range p.registries {
		snap.Endpoints = append(snap.Endpoints, registry.Snapshot()...)
	}
	for _, lst := range p.listeners {
		snap.Listeners = append(snap.Listeners, lst.Snapshot())
	}
	return snap
}

func (p *Pipeline) countCanonical(source, result string) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.EventsCanonical.WithLabelValues(source, result).Inc()
	}
}
