package models

import "time"

// SuppressionRule decides when a freshly raised alert is a duplicate of a
// recent one. Window bounds how close together two alerts must be to count
// as duplicates; Duration is how long the activated suppression stays in
// force afterwards. The two are deliberately distinct.
type SuppressionRule struct {
	ID              string        `yaml:"id" json:"id"`
	AlertTypes      []AnomalyType `yaml:"alert_types" json:"alert_types,omitempty"`
	Window          time.Duration `yaml:"window" json:"window"`
	Duration        time.Duration `yaml:"duration" json:"duration"`
	MaxSuppressions int           `yaml:"max_suppressions" json:"max_suppressions"`
}

// Matches reports whether the rule applies to the given alert type. An empty
// AlertTypes list matches every type.
func (r SuppressionRule) Matches(t AnomalyType) bool {
	if len(r.AlertTypes) == 0 {
		return true
	}
	for _, at := range r.AlertTypes {
		if at == t {
			return true
		}
	}
	return false
}

// EscalationRule drives unacknowledged-alert escalation. Targets name
// notification channels to contact on each escalation step.
type EscalationRule struct {
	ID             string        `yaml:"id" json:"id"`
	Severities     []Severity    `yaml:"severities" json:"severities,omitempty"`
	AlertTypes     []AnomalyType `yaml:"alert_types" json:"alert_types,omitempty"`
	After          time.Duration `yaml:"after" json:"after"`
	MaxEscalations int           `yaml:"max_escalations" json:"max_escalations"`
	Targets        []string      `yaml:"targets" json:"targets,omitempty"`
}

// Matches reports whether the rule applies to an alert's severity and type.
func (r EscalationRule) Matches(severity Severity, t AnomalyType) bool {
	if len(r.Severities) > 0 {
		found := false
		for _, s := range r.Severities {
			if s == severity {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(r.AlertTypes) == 0 {
		return true
	}
	for _, at := range r.AlertTypes {
		if at == t {
			return true
		}
	}
	return false
}

// NotificationChannelConfig describes one notification destination.
type NotificationChannelConfig struct {
	Name       string            `yaml:"name" json:"name"`
	Kind       string            `yaml:"kind" json:"kind"`
	Enabled    bool              `yaml:"enabled" json:"enabled"`
	Severities []Severity        `yaml:"severities" json:"severities,omitempty"`
	Cooldown   time.Duration     `yaml:"cooldown" json:"cooldown"`
	Options    map[string]string `yaml:"options" json:"options,omitempty"`
}

// Accepts reports whether the channel accepts alerts of the given severity.
// An empty severity list accepts everything.
func (c NotificationChannelConfig) Accepts(severity Severity) bool {
	if len(c.Severities) == 0 {
		return true
	}
	for _, s := range c.Severities {
		if s == severity {
			return true
		}
	}
	return false
}
