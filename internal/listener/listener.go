package listener

import (
	"context"
	"errors"
	"sync"
	"time"

	"chainwatch/internal/cursor"
	"chainwatch/internal/health"
	"chainwatch/internal/logger"
	"chainwatch/internal/metrics"
	"chainwatch/internal/source"
	"chainwatch/pkg/models"
)

// State is the listener's lifecycle phase.
type State string

const (
	StateIdle       State = "idle"
	StatePolling    State = "polling"
	StateProcessing State = "processing"
	StateBackoff    State = "backoff"
)

// ProcessFunc receives every raw event of one window. A returned error marks
// the whole window failed: the cursor is not advanced and the same window is
// retried next cycle.
type ProcessFunc func(ctx context.Context, events []models.RawEvent) error

// Config configures one (source, subscription) listener.
type Config struct {
	Source        string
	Subscription  string
	StartPosition uint64
	ChunkSize     uint64
	PollInterval  time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

// Status is a snapshot of listener progress for the monitoring layer.
type Status struct {
	Source       string `json:"source"`
	Subscription string `json:"subscription"`
	State        State  `json:"state"`
	Cursor       uint64 `json:"cursor"`
	Head         uint64 `json:"head"`
	Lag          uint64 `json:"lag"`
	LastError    string `json:"last_error,omitempty"`
}

// Listener polls one subscription of one source in bounded position windows.
// It owns its cursor: single writer, advanced only after a window fully
// succeeded, so positions are never skipped (at-least-once).
type Listener struct {
	cfg      Config
	adapter  source.Adapter
	registry *health.Registry
	cursors  cursor.Store
	process  ProcessFunc
	metrics  *metrics.Metrics

	mu       sync.RWMutex
	state    State
	cursor   uint64
	head     uint64
	lastErr  string
	failures int
}

// New creates a listener.
func New(cfg Config, adapter source.Adapter, registry *health.Registry, cursors cursor.Store, process ProcessFunc, m *metrics.Metrics) *Listener {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = cfg.PollInterval
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Minute
	}
	return &Listener{
		cfg:      cfg,
		adapter:  adapter,
		registry: registry,
		cursors:  cursors,
		process:  process,
		metrics:  m,
		state:    StateIdle,
	}
}

// Run polls until the context is cancelled. In-flight window processing is
// abandoned without committing the cursor, which is always safe.
func (l *Listener) Run(ctx context.Context) {
	pos, ok, err := l.cursors.Read(ctx, l.cfg.Source, l.cfg.Subscription)
	if err != nil {
		logger.Errorf("listener %s/%s: failed to read cursor, starting from configured position: %v", l.cfg.Source, l.cfg.Subscription, err)
		ok = false
	}
	if !ok {
		pos = l.cfg.StartPosition
	}
	l.setCursor(pos)
	logger.Infof("listener started: source=%s subscription=%s cursor=%d chunk=%d interval=%s",
		l.cfg.Source, l.cfg.Subscription, pos, l.cfg.ChunkSize, l.cfg.PollInterval)

	for {
		if err := l.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.enterBackoff(err)
		} else {
			l.mu.Lock()
			l.failures = 0
			l.lastErr = ""
			l.state = StateIdle
			l.mu.Unlock()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.delay()):
		}
	}
}

// cycle runs one poll: select endpoint, compute the next bounded window,
// fetch, process, commit.
func (l *Listener) cycle(ctx context.Context) error {
	l.setState(StatePolling)

	ep, err := l.registry.SelectBest()
	if err != nil {
		return err
	}

	head, err := l.adapter.HeadPosition(ctx, ep.URL, ep.Timeout)
	if err != nil {
		return err
	}
	l.setHead(head)

	cur := l.Cursor()
	if head <= cur {
		return nil
	}

	from := cur + 1
	to := head
	if limit := cur + l.cfg.ChunkSize; to > limit {
		to = limit
	}

	events, err := l.adapter.FetchWindow(ctx, ep.URL, l.cfg.Subscription, from, to, ep.Timeout)
	if err != nil {
		l.countWindow("fetch_failed")
		return err
	}

	l.setState(StateProcessing)
	if err := l.process(ctx, events); err != nil {
		l.countWindow("process_failed")
		return err
	}

	if err := l.cursors.Write(ctx, l.cfg.Source, l.cfg.Subscription, to); err != nil {
		// Without a committed cursor the window will be reprocessed; the
		// dedup gate and idempotent upsert absorb the duplicates.
		l.countWindow("commit_failed")
		return err
	}
	l.setCursor(to)
	l.countWindow("ok")
	logger.Debugf("window committed: source=%s subscription=%s range=[%d,%d] events=%d",
		l.cfg.Source, l.cfg.Subscription, from, to, len(events))
	return nil
}

func (l *Listener) enterBackoff(err error) {
	l.mu.Lock()
	l.failures++
	l.lastErr = err.Error()
	l.state = StateBackoff
	failures := l.failures
	l.mu.Unlock()

	if errors.Is(err, health.ErrNoHealthyEndpoint) {
		logger.Warnf("listener %s/%s: no healthy endpoint, backing off (failures=%d)", l.cfg.Source, l.cfg.Subscription, failures)
		return
	}
	logger.Warnf("listener %s/%s: cycle failed, backing off (failures=%d): %v", l.cfg.Source, l.cfg.Subscription, failures, err)
}

// delay returns the wait before the next cycle: the poll interval when
// healthy, exponential backoff capped at the maximum otherwise.
func (l *Listener) delay() time.Duration {
	l.mu.RLock()
	failures := l.failures
	l.mu.RUnlock()

	if failures == 0 {
		return l.cfg.PollInterval
	}
	delay := l.cfg.BackoffBase
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= l.cfg.BackoffMax {
			return l.cfg.BackoffMax
		}
	}
	if delay > l.cfg.BackoffMax {
		return l.cfg.BackoffMax
	}
	return delay
}

// Cursor returns the last committed position.
func (l *Listener) Cursor() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cursor
}

// Snapshot reports listener progress.
func (l *Listener) Snapshot() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lag := uint64(0)
	if l.head > l.cursor {
		lag = l.head - l.cursor
	}
	return Status{
		Source:       l.cfg.Source,
		Subscription: l.cfg.Subscription,
		State:        l.state,
		Cursor:       l.cursor,
		Head:         l.head,
		Lag:          lag,
		LastError:    l.lastErr,
	}
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Listener) setCursor(pos uint64) {
	l.mu.Lock()
	l.cursor = pos
	l.mu.Unlock()
	if l.metrics != nil {
		l.metrics.CursorPosition.WithLabelValues(l.cfg.Source, l.cfg.Subscription).Set(float64(pos))
	}
}

func (l *Listener) setHead(head uint64) {
	l.mu.Lock()
	l.head = head
	l.mu.Unlock()
}

func (l *Listener) countWindow(result string) {
	if l.metrics != nil {
		l.metrics.WindowsProcessed.WithLabelValues(l.cfg.Source, l.cfg.Subscription, result).Inc()
	}
}
