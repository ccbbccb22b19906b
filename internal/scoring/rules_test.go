package scoring

import (
	"context"
	"fmt"
	"testing"
	"time"

	"chainwatch/internal/lookup"
)

type fakeLookup struct {
	listed map[string][]string
	err    error
}

func (f *fakeLookup) CheckParticipant(ctx context.Context, identifier string) (*lookup.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	if lists, ok := f.listed[identifier]; ok {
		return &lookup.Result{Listed: true, Lists: lists}, nil
	}
	return &lookup.Result{}, nil
}

func TestSanctionsRuleFlagsListedParticipantAsCritical(t *testing.T) {
	rule := &SanctionsRule{
		Lookup:      &fakeLookup{listed: map[string][]string{"0xbob": {"OFAC-SDN"}}},
		ListedScore: 80,
	}

	flag, err := rule.Evaluate(context.Background(), scoringEvent())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if flag == nil {
		t.Fatalf("expected flag for listed participant")
	}
	if flag.Severity != SeverityCritical || flag.Score != 80 {
		t.Fatalf("unexpected flag: %+v", flag)
	}
}

func TestSanctionsRulePassesUnlistedParticipants(t *testing.T) {
	rule := &SanctionsRule{Lookup: &fakeLookup{}}

	flag, err := rule.Evaluate(context.Background(), scoringEvent())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if flag != nil {
		t.Fatalf("expected no flag for clean participants, got %+v", flag)
	}
}

func TestSanctionsRuleFlagsUnknownWhenLookupUnavailable(t *testing.T) {
	rule := &SanctionsRule{
		Lookup: &fakeLookup{err: fmt.Errorf("dial tcp: %w", lookup.ErrUnavailable)},
	}

	flag, err := rule.Evaluate(context.Background(), scoringEvent())
	if err != nil {
		t.Fatalf("expected unavailable lookup to degrade, got error: %v", err)
	}
	if flag == nil || flag.RuleID != "lookup_unavailable" {
		t.Fatalf("expected lookup_unavailable flag, got %+v", flag)
	}
	if flag.Severity == SeverityCritical {
		t.Fatalf("unknown status must not be treated as listed")
	}
}

func TestSanctionsRuleSkipsEmptyParticipants(t *testing.T) {
	called := 0
	rule := &SanctionsRule{Lookup: countingLookup{&called}}

	event := scoringEvent()
	event.From = ""
	if _, err := rule.Evaluate(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != 1 {
		t.Fatalf("expected a single lookup for the non-empty participant, got %d", called)
	}
}

type countingLookup struct{ calls *int }

func (c countingLookup) CheckParticipant(ctx context.Context, identifier string) (*lookup.Result, error) {
	*c.calls++
	return &lookup.Result{}, nil
}

func TestVelocityRuleRecordsCounterpartWhenFirstParticipantTrips(t *testing.T) {
	rule := NewVelocityRule(10*time.Minute, 2, 25)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	rule.now = func() time.Time { return base }

	// Push the sender over the limit alone, then send together with a fresh
	// counterpart. The counterpart's activity must count from this event.
	solo := scoringEvent()
	solo.To = ""
	for i := 0; i < 3; i++ {
		if _, err := rule.Evaluate(context.Background(), solo); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	flag, err := rule.Evaluate(context.Background(), scoringEvent())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if flag == nil || flag.RuleID != "velocity" {
		t.Fatalf("expected velocity flag for the tripping sender, got %+v", flag)
	}

	rule.mu.Lock()
	recorded := len(rule.seen["0xbob"])
	rule.mu.Unlock()
	if recorded != 1 {
		t.Fatalf("expected counterpart recorded despite the sender tripping, got %d observations", recorded)
	}
}

func TestVelocityRuleSweepsStaleParticipants(t *testing.T) {
	rule := NewVelocityRule(10*time.Minute, 20, 25)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := base
	rule.now = func() time.Time { return now }

	for i := 0; i < 50; i++ {
		event := scoringEvent()
		event.From = fmt.Sprintf("0xoneoff%d", i)
		event.To = ""
		if _, err := rule.Evaluate(context.Background(), event); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	now = base.Add(25 * time.Minute)
	if _, err := rule.Evaluate(context.Background(), scoringEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rule.mu.Lock()
	size := len(rule.seen)
	rule.mu.Unlock()
	if size != 2 {
		t.Fatalf("expected stale one-off participants swept, got %d tracked", size)
	}
}
