package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"chainwatch/internal/canonical"
	"chainwatch/internal/dedup"
	"chainwatch/internal/queue"
	"chainwatch/internal/scoring"
	"chainwatch/internal/sink"
	"chainwatch/internal/storage"
	"chainwatch/pkg/models"
)

type captureAlerts struct {
	mu     sync.Mutex
	alerts []*models.Alert
}

func (c *captureAlerts) Notify(ctx context.Context, a *models.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *a
	c.alerts = append(c.alerts, &cp)
	return nil
}

func (c *captureAlerts) Close() error { return nil }

func (c *captureAlerts) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

type testPipeline struct {
	pipe   *Pipeline
	queue  *queue.Queue
	store  *storage.MemoryStorage
	alerts *captureAlerts
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()

	store := storage.NewMemoryStorage()
	alerts := &captureAlerts{}
	resultSink := sink.New(sink.Config{}, store, alerts, nil)
	engine := scoring.NewEngine(scoring.Config{AlertThreshold: 40}, []scoring.Rule{
		&scoring.ValueThresholdRule{Threshold: 10000, Score: 40},
	})

	q := queue.New(queue.Config{Workers: 2, MaxAttempts: 3}, func(ctx context.Context, ev *models.ComplianceEvent) error {
		return resultSink.Handle(ctx, engine.Score(ctx, ev))
	}, store, resultSink.NotifyExhausted, nil)

	pipe := New(Deps{
		Canonicalizer: canonical.New(map[string]string{"bridge-subgraph": "USD"}),
		Dedup:         dedup.NewMemoryCache(1000, time.Minute),
		Queue:         q,
		Sink:          resultSink,
	})
	return &testPipeline{pipe: pipe, queue: q, store: store, alerts: alerts}
}

func bridgeWindow() []models.RawEvent {
	return []models.RawEvent{
		{
			Source:       "bridge-subgraph",
			Kind:         models.SourceSubgraph,
			Subscription: "bridgeTransfers",
			Position:     19000050,
			SubIndex:     0,
			Payload: map[string]interface{}{
				"id":         "0xdeadbeef-1",
				"entityType": "BridgeTransfer",
				"from":       "0xalice",
				"to":         "0xbob",
				"amount":     "15000",
			},
		},
		// Malformed: no entity id. Dropped, never fails the window.
		{
			Source:       "bridge-subgraph",
			Kind:         models.SourceSubgraph,
			Subscription: "bridgeTransfers",
			Position:     19000050,
			SubIndex:     1,
			Payload:      map[string]interface{}{"entityType": "BridgeTransfer"},
		},
	}
}

func drainQueue(t *testing.T, q *queue.Queue, want int64) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for q.Stats().Completed < want {
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatalf("queue never completed %d jobs: %+v", want, q.Stats())
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestProcessWindowScoresPersistsAndAlerts(t *testing.T) {
	tp := newTestPipeline(t)

	if err := tp.pipe.ProcessWindow(context.Background(), bridgeWindow()); err != nil {
		t.Fatalf("ProcessWindow: %v", err)
	}
	if stats := tp.queue.Stats(); stats.Waiting != 1 {
		t.Fatalf("expected 1 job queued (malformed record dropped), got %d", stats.Waiting)
	}

	drainQueue(t, tp.queue, 1)
	tp.pipe.deps.Sink.Wait()

	if tp.store.ScoredCount() != 1 {
		t.Fatalf("expected 1 scored row, got %d", tp.store.ScoredCount())
	}
	id := models.EventIdentity("bridge-subgraph", "bridgeTransfers", 19000050, 0)
	scored, ok := tp.store.ScoredEvent(id)
	if !ok {
		t.Fatalf("expected scored row for canonical identity")
	}
	if scored.RiskScore != 40 || !scored.AlertRequired {
		t.Fatalf("expected alerting score 40, got %+v", scored)
	}
	if scored.Event.Kind != models.KindCrossSourceTransfer {
		t.Fatalf("expected cross_source_transfer, got %s", scored.Event.Kind)
	}
	if tp.alerts.count() != 1 {
		t.Fatalf("expected exactly one alert, got %d", tp.alerts.count())
	}
}

func TestProcessWindowIsIdempotentAcrossRedelivery(t *testing.T) {
	tp := newTestPipeline(t)

	window := bridgeWindow()
	if err := tp.pipe.ProcessWindow(context.Background(), window); err != nil {
		t.Fatalf("first ProcessWindow: %v", err)
	}
	// Same window again, as after a commit failure and reprocess.
	if err := tp.pipe.ProcessWindow(context.Background(), window); err != nil {
		t.Fatalf("second ProcessWindow: %v", err)
	}

	if stats := tp.queue.Stats(); stats.Waiting != 1 {
		t.Fatalf("dedup gate must drop the redelivered event, waiting=%d", stats.Waiting)
	}

	drainQueue(t, tp.queue, 1)
	tp.pipe.deps.Sink.Wait()

	if tp.store.ScoredCount() != 1 {
		t.Fatalf("expected a single stored row, got %d", tp.store.ScoredCount())
	}
	id := models.EventIdentity("bridge-subgraph", "bridgeTransfers", 19000050, 0)
	if tp.store.UpsertCount(id) != 1 {
		t.Fatalf("expected one upsert, got %d", tp.store.UpsertCount(id))
	}
	if tp.alerts.count() != 1 {
		t.Fatalf("expected exactly one alert across redelivery, got %d", tp.alerts.count())
	}
}

func TestProcessWindowStopsOnCancelledContext(t *testing.T) {
	tp := newTestPipeline(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tp.pipe.ProcessWindow(ctx, bridgeWindow()); err == nil {
		t.Fatalf("expected context error")
	}
	if stats := tp.queue.Stats(); stats.Waiting != 0 {
		t.Fatalf("nothing must be enqueued after cancellation, waiting=%d", stats.Waiting)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	tp := newTestPipeline(t)

	ctx := context.Background()
	tp.pipe.Start(ctx)
	// Second Start is a no-op.
	tp.pipe.Start(ctx)

	if err := tp.pipe.ProcessWindow(ctx, bridgeWindow()); err != nil {
		t.Fatalf("ProcessWindow: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for tp.store.ScoredCount() < 1 {
		select {
		case <-deadline:
			t.Fatalf("pipeline never persisted the event")
		case <-time.After(10 * time.Millisecond):
		}
	}

	tp.pipe.Stop()
	// Second Stop is a no-op.
	tp.pipe.Stop()

	if tp.alerts.count() != 1 {
		t.Fatalf("expected one alert after shutdown, got %d", tp.alerts.count())
	}
}
