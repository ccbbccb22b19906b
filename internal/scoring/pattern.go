package scoring

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	sigma "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"

	"chainwatch/pkg/models"
)

// PatternLoadStats tracks loaded and skipped pattern rule files.
type PatternLoadStats struct {
	TotalFiles     int
	Loaded         int
	SkippedInvalid int
}

type compiledPattern struct {
	id       string
	title    string
	severity string
	eval     *sigmaevaluator.RuleEvaluator
}

// PatternRule evaluates operator-authored Sigma rules against the event's
// raw payload. Suspicious-activity patterns live in rule files, not code, so
// compliance analysts can extend them without a deploy.
type PatternRule struct {
	patterns  []compiledPattern
	baseScore int
}

// NewPatternRule loads Sigma rules from a file or directory and compiles
// evaluators. Invalid files are skipped and counted in stats.
func NewPatternRule(path string, baseScore int) (*PatternRule, PatternLoadStats, error) {
	var stats PatternLoadStats
	if baseScore <= 0 {
		baseScore = 5
	}

	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, stats, fmt.Errorf("resolve pattern rule path: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, stats, fmt.Errorf("stat pattern rule path: %w", err)
	}

	files := make([]string, 0, 64)
	if info.IsDir() {
		err = filepath.WalkDir(resolved, func(filePath string, entry fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if !entry.IsDir() && isYAMLFile(filePath) {
				files = append(files, filePath)
			}
			return nil
		})
		if err != nil {
			return nil, stats, fmt.Errorf("walk pattern rule directory: %w", err)
		}
	} else {
		if !isYAMLFile(resolved) {
			return nil, stats, fmt.Errorf("pattern rule file must end with .yml or .yaml: %s", resolved)
		}
		files = append(files, resolved)
	}

	stats.TotalFiles = len(files)
	patterns := make([]compiledPattern, 0, len(files))
	for _, ruleFile := range files {
		raw, err := os.ReadFile(ruleFile)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}
		rule, err := sigma.ParseRule(raw)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}

		id := strings.TrimSpace(rule.ID)
		if id == "" {
			id = strings.TrimSpace(rule.Title)
		}
		level := strings.ToLower(strings.TrimSpace(rule.Level))
		if level == "" {
			level = "medium"
		}
		patterns = append(patterns, compiledPattern{
			id:       id,
			title:    strings.TrimSpace(rule.Title),
			severity: level,
			eval:     sigmaevaluator.ForRule(rule),
		})
		stats.Loaded++
	}

	return &PatternRule{patterns: patterns, baseScore: baseScore}, stats, nil
}

// ID returns the rule identifier.
func (r *PatternRule) ID() string { return "pattern_match" }

// Evaluate runs every compiled pattern against the event. Multiple matches
// combine into one flag carrying the highest severity seen.
func (r *PatternRule) Evaluate(ctx context.Context, event *models.ComplianceEvent) (*models.Flag, error) {
	if r == nil || len(r.patterns) == 0 {
		return nil, nil
	}

	eventMap := patternEventFrom(event)
	score := 0
	severity := ""
	var matched []string
	for _, pattern := range r.patterns {
		res, err := pattern.eval.Matches(ctx, eventMap)
		if err != nil {
			continue
		}
		if !res.Match {
			continue
		}
		score += r.baseScore * severityWeight(pattern.severity)
		if severityRank(pattern.severity) > severityRank(severity) {
			severity = pattern.severity
		}
		name := pattern.title
		if name == "" {
			name = pattern.id
		}
		matched = append(matched, name)
	}

	if len(matched) == 0 {
		return nil, nil
	}
	return &models.Flag{
		RuleID:   r.ID(),
		Severity: severity,
		Score:    score,
		Detail:   strings.Join(matched, "; "),
	}, nil
}

// patternEventFrom flattens the canonical fields and raw payload into the
// field map Sigma evaluators match against.
func patternEventFrom(event *models.ComplianceEvent) map[string]interface{} {
	buf := make(map[string]interface{}, len(event.Raw)+8)
	for k, v := range event.Raw {
		buf[k] = v
	}
	buf["Source"] = event.Source
	buf["Subscription"] = event.Subscription
	buf["EventKind"] = string(event.Kind)
	if event.From != "" {
		buf["From"] = event.From
	}
	if event.To != "" {
		buf["To"] = event.To
	}
	if event.Amount != nil {
		buf["Amount"] = *event.Amount
	}
	if event.Currency != "" {
		buf["Currency"] = event.Currency
	}
	return buf
}

func isYAMLFile(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yml") || strings.HasSuffix(lower, ".yaml")
}

func severityWeight(level string) int {
	switch strings.ToLower(level) {
	case "critical":
		return 7
	case "high":
		return 5
	case "medium":
		return 3
	default:
		return 1
	}
}

func severityRank(level string) int {
	switch strings.ToLower(level) {
	case "critical":
		return 4
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	default:
		return 0
	}
}
