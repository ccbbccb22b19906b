package models

import "time"

// Flag records a scoring rule that fired for an event.
type Flag struct {
	RuleID   string `json:"rule_id"`
	Severity string `json:"severity,omitempty"`
	Score    int    `json:"score"`
	Detail   string `json:"detail,omitempty"`
}

// ScoredEvent is a ComplianceEvent after rule evaluation. Immutable once
// created; storage writes are upsert-on-conflict(id) to absorb at-least-once
// redelivery.
type ScoredEvent struct {
	Event         ComplianceEvent `json:"event"`
	RiskScore     int             `json:"risk_score"`
	Flags         []Flag          `json:"flags,omitempty"`
	AlertRequired bool            `json:"alert_required"`
	ProcessedAt   time.Time       `json:"processed_at"`
}

// ID returns the canonical identity of the underlying event.
func (s *ScoredEvent) ID() string {
	return s.Event.ID
}
