package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"chainwatch/internal/alert"
	"chainwatch/internal/logger"
	"chainwatch/internal/metrics"
	"chainwatch/internal/storage"
	"chainwatch/pkg/models"
)

// Config configures the result sink.
type Config struct {
	NotifyRetries int
	NotifyBackoff time.Duration
}

// Sink persists scored events and raises alerts. Persistence is the
// authoritative record: a notification failure never fails the write.
type Sink struct {
	cfg     Config
	storage storage.Storage
	alerts  alert.Sink
	metrics *metrics.Metrics

	retryWG sync.WaitGroup
}

// New creates a result sink.
func New(cfg Config, store storage.Storage, alerts alert.Sink, m *metrics.Metrics) *Sink {
	if cfg.NotifyRetries <= 0 {
		cfg.NotifyRetries = 5
	}
	if cfg.NotifyBackoff <= 0 {
		cfg.NotifyBackoff = 2 * time.Second
	}
	return &Sink{cfg: cfg, storage: store, alerts: alerts, metrics: m}
}

// Handle persists one scored event and, when required, notifies the alert
// sink. A persistence failure is returned to the caller so the queue's
// retry/backoff governs it; losing a scored result is unacceptable.
func (s *Sink) Handle(ctx context.Context, scored *models.ScoredEvent) error {
	if err := s.storage.UpsertScoredEvent(ctx, scored); err != nil {
		if s.metrics != nil {
			s.metrics.PersistFailures.Inc()
		}
		return fmt.Errorf("persist scored event: %w", err)
	}

	if s.metrics != nil {
		s.metrics.EventsScored.WithLabelValues(fmt.Sprintf("%t", scored.AlertRequired)).Inc()
	}

	if scored.AlertRequired {
		s.notify(ctx, &models.Alert{
			AlertID:   uuid.NewString(),
			Kind:      models.AlertScore,
			Event:     scored.Event,
			Score:     scored.RiskScore,
			Flags:     scored.Flags,
			CreatedAt: scored.ProcessedAt,
		})
	}
	return nil
}

// NotifyExhausted raises the alert for a dead-lettered job. The queue calls
// it exactly once per dead letter.
func (s *Sink) NotifyExhausted(ctx context.Context, dl *models.DeadLetter) {
	s.notify(ctx, &models.Alert{
		AlertID:   dl.ID,
		Kind:      models.AlertProcessingExhausted,
		Event:     dl.Event,
		Attempts:  dl.Attempts,
		LastError: dl.LastError,
		CreatedAt: dl.CreatedAt,
	})
}

// notify makes one delivery attempt inline; on failure the remaining attempts
// run in the background so the job is never blocked on the alerting
// collaborator.
func (s *Sink) notify(ctx context.Context, a *models.Alert) {
	if s.alerts == nil {
		return
	}
	err := s.alerts.Notify(ctx, a)
	s.recordNotify(err)
	if err == nil {
		return
	}
	logger.Warnf("alert delivery failed, retrying in background: alert=%s err=%v", a.AlertID, err)

	s.retryWG.Add(1)
	go func() {
		defer s.retryWG.Done()
		delay := s.cfg.NotifyBackoff
		for attempt := 1; attempt < s.cfg.NotifyRetries; attempt++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			err := s.alerts.Notify(ctx, a)
			s.recordNotify(err)
			if err == nil {
				return
			}
			logger.Warnf("alert delivery retry %d failed: alert=%s err=%v", attempt, a.AlertID, err)
			delay *= 2
		}
		logger.Errorf("alert delivery abandoned after %d attempts: alert=%s", s.cfg.NotifyRetries, a.AlertID)
	}()
}

func (s *Sink) recordNotify(err error) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.AlertsNotified.WithLabelValues(result).Inc()
}

// Wait blocks until background notification retries finish. Used on
// shutdown.
func (s *Sink) Wait() {
	s.retryWG.Wait()
}
