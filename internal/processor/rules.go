package processor

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aiopsstack/aiops-engine/internal/models"
)

// ruleSet bundles the suppression and escalation rules the processor
// evaluates. Rules come from an optional YAML file; when the file is
// absent the built-in defaults apply.
type ruleSet struct {
	Suppression []models.SuppressionRule `yaml:"suppression"`
	Escalation  []models.EscalationRule  `yaml:"escalation"`
}

func defaultRules() ruleSet {
	return ruleSet{
		Suppression: []models.SuppressionRule{
			{
				ID:              "default-duplicate",
				AlertTypes:      nil, // all types
				Window:          5 * time.Minute,
				Duration:        30 * time.Minute,
				MaxSuppressions: 5,
			},
		},
		Escalation: []models.EscalationRule{
			{
				ID:             "critical-unacked",
				Severities:     []models.Severity{models.SeverityCritical},
				After:          15 * time.Minute,
				MaxEscalations: 3,
			},
			{
				ID:             "high-unacked",
				Severities:     []models.Severity{models.SeverityHigh},
				After:          30 * time.Minute,
				MaxEscalations: 2,
			},
		},
	}
}

// loadRules reads alerting rules from path. A missing or empty path is
// not an error, the defaults cover that case. A file that exists but
// does not parse is an error so a broken rules file never silently
// reverts to defaults.
func loadRules(path string, logger *slog.Logger) (ruleSet, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rules := defaultRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("alerting rules file not found, using defaults", "path", path)
			return rules, nil
		}
		return ruleSet{}, fmt.Errorf("read rules file %s: %w", path, err)
	}

	var loaded ruleSet
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return ruleSet{}, fmt.Errorf("parse rules file %s: %w", path, err)
	}

	if len(loaded.Suppression) > 0 {
		rules.Suppression = loaded.Suppression
	}
	if len(loaded.Escalation) > 0 {
		rules.Escalation = loaded.Escalation
	}
	if err := validateRules(rules); err != nil {
		return ruleSet{}, fmt.Errorf("rules file %s: %w", path, err)
	}

	logger.Info("loaded alerting rules",
		"path", path,
		"suppression_rules", len(rules.Suppression),
		"escalation_rules", len(rules.Escalation))
	return rules, nil
}

func validateRules(rules ruleSet) error {
	for _, r := range rules.Suppression {
		if r.ID == "" {
			return fmt.Errorf("suppression rule without id")
		}
		if r.Window <= 0 || r.Duration <= 0 {
			return fmt.Errorf("suppression rule %s: window and duration must be positive", r.ID)
		}
		if r.MaxSuppressions <= 0 {
			return fmt.Errorf("suppression rule %s: max_suppressions must be positive", r.ID)
		}
	}
	for _, r := range rules.Escalation {
		if r.ID == "" {
			return fmt.Errorf("escalation rule without id")
		}
		if r.After <= 0 {
			return fmt.Errorf("escalation rule %s: after must be positive", r.ID)
		}
		if r.MaxEscalations <= 0 {
			return fmt.Errorf("escalation rule %s: max_escalations must be positive", r.ID)
		}
	}
	return nil
}
