package models

import "time"

// AlertState is the lifecycle state of an alert. An alert is always in
// exactly one state; suppressed and resolved are terminal for the instance.
type AlertState string

const (
	AlertProcessing   AlertState = "processing"
	AlertActive       AlertState = "active"
	AlertSuppressed   AlertState = "suppressed"
	AlertAcknowledged AlertState = "acknowledged"
	AlertResolved     AlertState = "resolved"
)

// AlertAction records an operation applied to an alert.
type AlertAction struct {
	Time   time.Time `json:"time"`
	Action string    `json:"action"`
	Actor  string    `json:"actor,omitempty"`
	Note   string    `json:"note,omitempty"`
}

// Alert is a processed anomaly or an externally raised event moving through
// the lifecycle state machine owned by the alert processor.
type Alert struct {
	ID               string            `json:"id"`
	EntityID         string            `json:"entity_id"`
	EntityKind       EntityKind        `json:"entity_kind"`
	Type             AnomalyType       `json:"type"`
	Severity         Severity          `json:"severity"`
	Description      string            `json:"description"`
	State            AlertState        `json:"state"`
	CreatedAt        time.Time         `json:"created_at"`
	AcknowledgedAt   *time.Time        `json:"acknowledged_at,omitempty"`
	AcknowledgedBy   string            `json:"acknowledged_by,omitempty"`
	ResolvedAt       *time.Time        `json:"resolved_at,omitempty"`
	Resolution       string            `json:"resolution,omitempty"`
	EscalatedAt      *time.Time        `json:"escalated_at,omitempty"`
	EscalationLevel  int               `json:"escalation_level"`
	CorrelatedAlerts []string          `json:"correlated_alerts,omitempty"`
	Context          map[string]string `json:"context,omitempty"`
	ActionsTaken     []AlertAction     `json:"actions_taken,omitempty"`
}

// Open reports whether the alert still occupies the working set as a live
// incident (not suppressed or resolved).
func (a *Alert) Open() bool {
	return a.State == AlertProcessing || a.State == AlertActive || a.State == AlertAcknowledged
}

// AlertCorrelation is a derived grouping of alerts believed to stem from the
// same incident. It is a read-side view, never authoritative state.
type AlertCorrelation struct {
	ID               string    `json:"id"`
	PrimaryAlertID   string    `json:"primary_alert_id"`
	CorrelatedAlerts []string  `json:"correlated_alerts"`
	CorrelationType  string    `json:"correlation_type"`
	Strength         float64   `json:"strength"`
	CreatedAt        time.Time `json:"created_at"`
}
