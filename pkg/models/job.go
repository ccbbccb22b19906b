package models

import "time"

// QueueJob wraps a ComplianceEvent while it waits for a scoring worker.
type QueueJob struct {
	Event       *ComplianceEvent `json:"event"`
	Priority    int              `json:"priority"`
	Attempts    int              `json:"attempts"`
	NextAttempt time.Time        `json:"next_attempt"`
	EnqueuedAt  time.Time        `json:"enqueued_at"`
	LastError   string           `json:"last_error,omitempty"`
}

// DeadLetter records a job that exhausted its retry budget. Dead letters are
// kept for manual follow-up, never silently dropped.
type DeadLetter struct {
	ID        string          `json:"id"`
	Event     ComplianceEvent `json:"event"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
