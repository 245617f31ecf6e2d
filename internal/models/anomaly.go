package models

import "time"

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// SeverityFromScore maps a [0,1] anomaly score onto a severity band.
func SeverityFromScore(score float64) Severity {
	switch {
	case score >= 0.8:
		return SeverityCritical
	case score >= 0.6:
		return SeverityHigh
	case score >= 0.4:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// AnomalyType classifies what kind of deviation an anomaly represents.
type AnomalyType string

const (
	AnomalyLatencyIncrease        AnomalyType = "latency_increase"
	AnomalyPerformanceDegradation AnomalyType = "performance_degradation"
	AnomalyErrorRateIncrease      AnomalyType = "error_rate_increase"
	AnomalyAccuracyDrop           AnomalyType = "accuracy_drop"
	AnomalyResourceSpike          AnomalyType = "resource_spike"
	AnomalyThroughputDrop         AnomalyType = "throughput_drop"
)

// Percentiles holds the distribution cut points of a detection model.
type Percentiles struct {
	P05 float64 `json:"p05"`
	P25 float64 `json:"p25"`
	P75 float64 `json:"p75"`
	P95 float64 `json:"p95"`
}

// SeasonalityProfile describes a cyclical component of a metric series.
// Strength is in [0,1]; the anomaly score adjustment tied to it is currently
// an identity hook (see detector scoring).
type SeasonalityProfile struct {
	Period   time.Duration `json:"period"`
	Strength float64       `json:"strength"`
}

// TrendProfile describes a directional component of a metric series.
type TrendProfile struct {
	SlopePerHour float64 `json:"slope_per_hour"`
	Strength     float64 `json:"strength"`
}

// DetectionModel is the per-metric-name statistical profile used for scoring.
// A model only exists once at least MinModelSamples points were observed.
type DetectionModel struct {
	MetricName  string              `json:"metric_name"`
	Mean        float64             `json:"mean"`
	StdDev      float64             `json:"std_dev"`
	Percentiles Percentiles         `json:"percentiles"`
	Seasonality *SeasonalityProfile `json:"seasonality,omitempty"`
	Trend       *TrendProfile       `json:"trend,omitempty"`
	Quality     float64             `json:"quality"`
	SampleSize  int                 `json:"sample_size"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// MinModelSamples is the minimum history required before a detection model
// exists for a metric name. Below it scoring is skipped entirely.
const MinModelSamples = 20

// Anomaly records a detected deviation. Immutable once created; the alert
// processor consumes it and owns any downstream lifecycle.
type Anomaly struct {
	ID                 string             `json:"id"`
	EntityKind         EntityKind         `json:"entity_kind"`
	EntityID           string             `json:"entity_id"`
	Type               AnomalyType        `json:"type"`
	Severity           Severity           `json:"severity"`
	Description        string             `json:"description"`
	DetectedAt         time.Time          `json:"detected_at"`
	Score              float64            `json:"score"`
	SupportingMetrics  map[string]float64 `json:"supporting_metrics,omitempty"`
	PredictedImpact    string             `json:"predicted_impact,omitempty"`
	RecommendedActions []string           `json:"recommended_actions,omitempty"`
}
