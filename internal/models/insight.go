package models

import "time"

// InsightType enumerates the predictive insight families.
type InsightType string

const (
	InsightCapacityPlanning      InsightType = "capacity_planning"
	InsightPerformancePrediction InsightType = "performance_prediction"
	InsightCostOptimization      InsightType = "cost_optimization"
	InsightMaintenanceSchedule   InsightType = "maintenance_schedule"
)

// PredictiveInsight is a time-bounded recommendation produced by the
// predictive engine. Consumers must treat an insight as void once expired,
// even if it is still physically present in the store.
type PredictiveInsight struct {
	ID                 string        `json:"id"`
	Type               InsightType   `json:"type"`
	EntityID           string        `json:"entity_id"`
	Prediction         string        `json:"prediction"`
	Confidence         float64       `json:"confidence"`
	TimeHorizon        time.Duration `json:"time_horizon"`
	ImpactAssessment   string        `json:"impact_assessment,omitempty"`
	RecommendedActions []string      `json:"recommended_actions,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	ExpiresAt          time.Time     `json:"expires_at"`
}

// Active reports whether the insight is still valid at the given instant.
func (i PredictiveInsight) Active(now time.Time) bool {
	return now.Before(i.ExpiresAt)
}
