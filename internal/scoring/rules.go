package scoring

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chainwatch/internal/lookup"
	"chainwatch/pkg/models"
)

// SanctionsRule checks event participants against the external sanctions/PEP
// list service. A lookup failure is treated as unknown and flagged, never
// silently passed.
type SanctionsRule struct {
	Lookup       lookup.Service
	ListedScore  int
	UnknownScore int
}

// ID returns the rule identifier.
func (r *SanctionsRule) ID() string { return "sanctions_pep" }

// Evaluate checks the from and to participants.
func (r *SanctionsRule) Evaluate(ctx context.Context, event *models.ComplianceEvent) (*models.Flag, error) {
	listedScore := r.ListedScore
	if listedScore <= 0 {
		listedScore = 80
	}
	unknownScore := r.UnknownScore
	if unknownScore <= 0 {
		unknownScore = 10
	}

	var unavailable bool
	for _, participant := range []string{event.From, event.To} {
		if participant == "" {
			continue
		}
		result, err := r.Lookup.CheckParticipant(ctx, participant)
		if err != nil {
			if errors.Is(err, lookup.ErrUnavailable) {
				unavailable = true
				continue
			}
			return nil, err
		}
		if result.Listed {
			return &models.Flag{
				RuleID:   r.ID(),
				Severity: SeverityCritical,
				Score:    listedScore,
				Detail:   fmt.Sprintf("%s listed on %s", participant, strings.Join(result.Lists, ",")),
			}, nil
		}
	}

	if unavailable {
		return &models.Flag{
			RuleID:   "lookup_unavailable",
			Severity: "medium",
			Score:    unknownScore,
			Detail:   "participant status unknown: list service unavailable",
		}, nil
	}
	return nil, nil
}

// ValueThresholdRule fires when a normalized amount crosses the configured
// threshold.
type ValueThresholdRule struct {
	Threshold float64
	Score     int
}

// ID returns the rule identifier.
func (r *ValueThresholdRule) ID() string { return "value_over_threshold" }

// Evaluate compares the event amount against the threshold.
func (r *ValueThresholdRule) Evaluate(ctx context.Context, event *models.ComplianceEvent) (*models.Flag, error) {
	if r.Threshold <= 0 || event.Amount == nil {
		return nil, nil
	}
	if *event.Amount < r.Threshold {
		return nil, nil
	}
	score := r.Score
	if score <= 0 {
		score = 40
	}
	return &models.Flag{
		RuleID:   r.ID(),
		Severity: "high",
		Score:    score,
		Detail:   fmt.Sprintf("amount %.4f >= threshold %.4f", *event.Amount, r.Threshold),
	}, nil
}

// VelocityRule flags participants with bursty recent activity. It keeps a
// sliding window of observation times per participant.
type VelocityRule struct {
	Window time.Duration
	Limit  int
	Score  int

	mu        sync.Mutex
	seen      map[string][]time.Time
	lastSweep time.Time
	now       func() time.Time
}

// NewVelocityRule creates a velocity heuristic.
func NewVelocityRule(window time.Duration, limit, score int) *VelocityRule {
	if window <= 0 {
		window = 10 * time.Minute
	}
	if limit <= 0 {
		limit = 20
	}
	if score <= 0 {
		score = 25
	}
	return &VelocityRule{
		Window: window,
		Limit:  limit,
		Score:  score,
		seen:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// ID returns the rule identifier.
func (r *VelocityRule) ID() string { return "velocity" }

// Evaluate records the event for both participants and fires when either
// exceeds the windowed limit.
func (r *VelocityRule) Evaluate(ctx context.Context, event *models.ComplianceEvent) (*models.Flag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.Window)
	r.sweep(now, cutoff)

	// Both participants are recorded before the verdict so the counterpart's
	// window stays accurate even when the first one already trips the limit.
	var flag *models.Flag
	for _, participant := range []string{event.From, event.To} {
		if participant == "" {
			continue
		}
		times := r.seen[participant]
		idx := 0
		for idx < len(times) && times[idx].Before(cutoff) {
			idx++
		}
		times = append(times[idx:], now)
		r.seen[participant] = times

		if flag == nil && len(times) > r.Limit {
			flag = &models.Flag{
				RuleID:   r.ID(),
				Severity: "medium",
				Score:    r.Score,
				Detail:   fmt.Sprintf("%s: %d events within %s", participant, len(times), r.Window),
			}
		}
	}
	return flag, nil
}

// sweep drops participants whose newest observation fell out of the window,
// keeping the map bounded under a stream of one-off addresses. Runs at most
// once per window.
func (r *VelocityRule) sweep(now, cutoff time.Time) {
	if now.Sub(r.lastSweep) < r.Window {
		return
	}
	r.lastSweep = now
	for participant, times := range r.seen {
		if len(times) == 0 || times[len(times)-1].Before(cutoff) {
			delete(r.seen, participant)
		}
	}
}
