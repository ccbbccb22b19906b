package models

import "time"

// AlertKind distinguishes score-driven alerts from operational ones.
type AlertKind string

const (
	AlertScore               AlertKind = "score"
	AlertProcessingExhausted AlertKind = "processing_exhausted"
)

// Alert is the payload handed to alert sinks.
type Alert struct {
	AlertID   string          `json:"alert_id"`
	Kind      AlertKind       `json:"alert_kind"`
	Event     ComplianceEvent `json:"event"`
	Score     int             `json:"score,omitempty"`
	Flags     []Flag          `json:"flags,omitempty"`
	Attempts  int             `json:"attempts,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
