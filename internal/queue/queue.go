package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"chainwatch/internal/logger"
	"chainwatch/internal/metrics"
	"chainwatch/pkg/models"
)

// Handler scores one canonical event. An error triggers retry with backoff
// until the attempt ceiling, after which the job is dead-lettered.
type Handler func(ctx context.Context, event *models.ComplianceEvent) error

// DeadLetterStore persists jobs that exhausted their retry budget.
type DeadLetterStore interface {
	RecordDeadLetter(ctx context.Context, dl *models.DeadLetter) error
}

// ExhaustedFunc raises the ProcessingExhausted alert for a dead-lettered job.
type ExhaustedFunc func(ctx context.Context, dl *models.DeadLetter)

// PriorityConfig tunes the enqueue-time priority function.
type PriorityConfig struct {
	LargeAmount             float64
	LargeAmountBoost        int
	CrossSourceBoost        int
	UnknownCounterpartBoost int
}

// Config configures the dispatch queue.
type Config struct {
	Workers     int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Priority    PriorityConfig
}

// Stats is a point-in-time view of queue occupancy for operational health.
type Stats struct {
	Waiting      int   `json:"waiting"`
	InFlight     int   `json:"in_flight"`
	Completed    int64 `json:"completed"`
	DeadLettered int64 `json:"dead_lettered"`
}

// Queue is a priority-ordered, retrying, backoff-governed work queue served
// by a bounded worker pool.
type Queue struct {
	cfg     Config
	handler Handler
	dls     DeadLetterStore
	onDead  ExhaustedFunc
	metrics *metrics.Metrics

	mu           sync.Mutex
	jobs         jobHeap
	inFlight     int
	completed    int64
	deadLettered int64

	now func() time.Time
}

// New creates a queue. The handler runs on the worker pool once Run is
// called.
func New(cfg Config, handler Handler, dls DeadLetterStore, onDead ExhaustedFunc, m *metrics.Metrics) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Minute
	}
	return &Queue{
		cfg:     cfg,
		handler: handler,
		dls:     dls,
		onDead:  onDead,
		metrics: m,
		now:     time.Now,
	}
}

// ComputePriority derives a job's priority purely from event attributes.
// Higher values dequeue first.
func ComputePriority(event *models.ComplianceEvent, cfg PriorityConfig) int {
	priority := 1
	if cfg.LargeAmount > 0 && event.AmountValue() >= cfg.LargeAmount {
		priority += cfg.LargeAmountBoost
	}
	if event.Kind == models.KindCrossSourceTransfer {
		priority += cfg.CrossSourceBoost
	}
	if event.From == "" || event.To == "" {
		priority += cfg.UnknownCounterpartBoost
	}
	return priority
}

// Enqueue adds an event to the queue. Priority is computed here, from the
// event alone.
func (q *Queue) Enqueue(event *models.ComplianceEvent) {
	job := &models.QueueJob{
		Event:       event,
		Priority:    ComputePriority(event, q.cfg.Priority),
		EnqueuedAt:  q.now(),
		NextAttempt: q.now(),
	}
	q.push(job)
}

func (q *Queue) push(job *models.QueueJob) {
	q.mu.Lock()
	heap.Push(&q.jobs, job)
	waiting := q.jobs.Len()
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.QueueWaiting.Set(float64(waiting))
	}
}

// pop returns the highest-priority job whose retry time has arrived, or nil.
func (q *Queue) pop() *models.QueueJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var held []*models.QueueJob
	var picked *models.QueueJob
	for q.jobs.Len() > 0 {
		job := heap.Pop(&q.jobs).(*models.QueueJob)
		if !job.NextAttempt.After(now) {
			picked = job
			break
		}
		held = append(held, job)
	}
	for _, job := range held {
		heap.Push(&q.jobs, job)
	}
	if picked != nil {
		q.inFlight++
		if q.metrics != nil {
			q.metrics.QueueWaiting.Set(float64(q.jobs.Len()))
			q.metrics.QueueInFlight.Set(float64(q.inFlight))
		}
	}
	return picked
}

func (q *Queue) release() {
	q.mu.Lock()
	q.inFlight--
	inFlight := q.inFlight
	q.mu.Unlock()
	if q.metrics != nil {
		q.metrics.QueueInFlight.Set(float64(inFlight))
	}
}

// Run serves the queue with the configured worker pool until the context is
// cancelled.
func (q *Queue) Run(ctx context.Context) {
	logger.Infof("dispatch queue started: workers=%d max_attempts=%d", q.cfg.Workers, q.cfg.MaxAttempts)

	var wg sync.WaitGroup
	for i := 0; i < q.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.workerLoop(ctx)
		}()
	}
	wg.Wait()
}

func (q *Queue) workerLoop(ctx context.Context) {
	for {
		job := q.pop()
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		q.process(ctx, job)
		q.release()

		if ctx.Err() != nil {
			return
		}
	}
}

func (q *Queue) process(ctx context.Context, job *models.QueueJob) {
	err := q.invoke(ctx, job.Event)
	if err == nil {
		q.mu.Lock()
		q.completed++
		q.mu.Unlock()
		if q.metrics != nil {
			q.metrics.JobsCompleted.Inc()
		}
		return
	}

	job.Attempts++
	job.LastError = err.Error()

	if job.Attempts >= q.cfg.MaxAttempts {
		q.deadLetter(ctx, job)
		return
	}

	delay := BackoffDelay(q.cfg.BackoffBase, q.cfg.BackoffMax, job.Attempts)
	job.NextAttempt = q.now().Add(delay)
	logger.Warnf("job retry scheduled: event=%s attempt=%d delay=%s err=%v", job.Event.ID, job.Attempts, delay, err)
	if q.metrics != nil {
		q.metrics.JobsRetried.Inc()
	}
	q.push(job)
}

// invoke isolates handler panics so a single bad event cannot take down a
// worker.
func (q *Queue) invoke(ctx context.Context, event *models.ComplianceEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return q.handler(ctx, event)
}

func (q *Queue) deadLetter(ctx context.Context, job *models.QueueJob) {
	dl := &models.DeadLetter{
		ID:        uuid.NewString(),
		Event:     *job.Event,
		Attempts:  job.Attempts,
		LastError: job.LastError,
		CreatedAt: q.now().UTC(),
	}

	if !q.recordDeadLetter(ctx, dl) {
		logger.Errorf("dead letter for event %s dropped at shutdown: record never succeeded", dl.Event.ID)
		return
	}

	q.mu.Lock()
	q.deadLettered++
	q.mu.Unlock()
	if q.metrics != nil {
		q.metrics.JobsDeadLettered.Inc()
	}
	logger.Errorf("job exhausted after %d attempts: event=%s last_error=%s", dl.Attempts, dl.Event.ID, dl.LastError)

	if q.onDead != nil {
		q.onDead(ctx, dl)
	}
}

// recordDeadLetter keeps retrying the store while the pipeline is running.
// Once ctx is cancelled it makes one last attempt on a short detached context
// so shutdown does not silently lose the job.
func (q *Queue) recordDeadLetter(ctx context.Context, dl *models.DeadLetter) bool {
	for {
		err := q.dls.RecordDeadLetter(ctx, dl)
		if err == nil {
			return true
		}
		logger.Errorf("failed to record dead letter for event %s: %v", dl.Event.ID, err)
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return q.dls.RecordDeadLetter(final, dl) == nil
		case <-time.After(1 * time.Second):
		}
	}
}

// BackoffDelay computes the exponential retry delay for an attempt count,
// capped at max.
func BackoffDelay(base, max time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// Stats reports queue occupancy.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Waiting:      q.jobs.Len(),
		InFlight:     q.inFlight,
		Completed:    q.completed,
		DeadLettered: q.deadLettered,
	}
}

// jobHeap orders jobs by priority (highest first), then enqueue time.
type jobHeap []*models.QueueJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x interface{}) {
	*h = append(*h, x.(*models.QueueJob))
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
