package scoring

import (
	"context"
	"fmt"
	"time"

	"chainwatch/internal/logger"
	"chainwatch/pkg/models"
)

// FlagRuleEvaluationError marks a rule that failed to evaluate. The offending
// rule contributes zero and scoring of the event continues.
const FlagRuleEvaluationError = "rule_evaluation_error"

// SeverityCritical forces an alert regardless of aggregate score.
const SeverityCritical = "critical"

// Rule is one independent, additive check. A nil flag means the rule did not
// fire. Returned errors never abort scoring of the whole event.
type Rule interface {
	ID() string
	Evaluate(ctx context.Context, event *models.ComplianceEvent) (*models.Flag, error)
}

// Config configures the engine.
type Config struct {
	AlertThreshold int
}

// Engine runs an ordered list of rules and aggregates their contributions
// into a risk score. Rules are additive and independent: evaluation order
// affects flag ordering for display only, never the aggregate score.
type Engine struct {
	rules     []Rule
	threshold int
	now       func() time.Time
}

// NewEngine creates an engine over the given rules.
func NewEngine(cfg Config, rules []Rule) *Engine {
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = 70
	}
	return &Engine{
		rules:     rules,
		threshold: cfg.AlertThreshold,
		now:       time.Now,
	}
}

// Score evaluates every rule against the event and returns the scored result.
func (e *Engine) Score(ctx context.Context, event *models.ComplianceEvent) *models.ScoredEvent {
	total := 0
	critical := false
	var flags []models.Flag

	for _, rule := range e.rules {
		flag, err := evaluateRule(ctx, rule, event)
		if err != nil {
			logger.Warnf("rule %s failed for event %s: %v", rule.ID(), event.ID, err)
			flags = append(flags, models.Flag{
				RuleID: FlagRuleEvaluationError,
				Detail: fmt.Sprintf("%s: %v", rule.ID(), err),
			})
			continue
		}
		if flag == nil {
			continue
		}
		total += flag.Score
		if flag.Severity == SeverityCritical {
			critical = true
		}
		flags = append(flags, *flag)
	}

	if total > 100 {
		total = 100
	}

	return &models.ScoredEvent{
		Event:         *event,
		RiskScore:     total,
		Flags:         flags,
		AlertRequired: total >= e.threshold || critical,
		ProcessedAt:   e.now().UTC(),
	}
}

// evaluateRule contains rule panics so one misbehaving rule cannot abort the
// event.
func evaluateRule(ctx context.Context, rule Rule, event *models.ComplianceEvent) (flag *models.Flag, err error) {
	defer func() {
		if r := recover(); r != nil {
			flag = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return rule.Evaluate(ctx, event)
}
