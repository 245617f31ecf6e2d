package models

import "time"

// EntityKind identifies the class of monitored entity.
type EntityKind string

const (
	EntityAgent  EntityKind = "agent"
	EntityModel  EntityKind = "model"
	EntitySystem EntityKind = "system"
)

// MetricKind enumerates metric categories.
type MetricKind string

const (
	MetricLatency    MetricKind = "latency"
	MetricThroughput MetricKind = "throughput"
	MetricErrorRate  MetricKind = "error_rate"
	MetricResource   MetricKind = "resource"
	MetricQuality    MetricKind = "quality"
	MetricCost       MetricKind = "cost"
)

// Metric is a single recorded sample for an entity. Metrics are append-only
// and never mutated after being stored.
type Metric struct {
	ID         string            `json:"id"`
	EntityID   string            `json:"entity_id"`
	EntityKind EntityKind        `json:"entity_kind"`
	Name       string            `json:"name"`
	Value      float64           `json:"value"`
	Unit       string            `json:"unit"`
	Kind       MetricKind        `json:"kind"`
	Timestamp  time.Time         `json:"timestamp"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// PerformanceSnapshot aggregates an entity's recent metric window. Each
// recomputation supersedes the previous snapshot wholesale.
type PerformanceSnapshot struct {
	EntityID            string    `json:"entity_id"`
	AvgLatency          float64   `json:"avg_latency"`
	P95Latency          float64   `json:"p95_latency"`
	P99Latency          float64   `json:"p99_latency"`
	SuccessRate         float64   `json:"success_rate"`
	ErrorRate           float64   `json:"error_rate"`
	Throughput          float64   `json:"throughput"`
	ResourceUtilization float64   `json:"resource_utilization"`
	QualityScore        float64   `json:"quality_score"`
	AccuracyScore       float64   `json:"accuracy_score"`
	SatisfactionScore   float64   `json:"satisfaction_score"`
	LastUpdated         time.Time `json:"last_updated"`
}

// Baseline holds an entity's historical averages used for drift comparison.
// It is distinct from a DetectionModel: a baseline tracks relative change for
// one entity, a detection model profiles one metric name across entities.
type Baseline struct {
	EntityID    string    `json:"entity_id"`
	AvgLatency  float64   `json:"avg_latency"`
	SuccessRate float64   `json:"success_rate"`
	Throughput  float64   `json:"throughput"`
	ErrorRate   float64   `json:"error_rate"`
	SampleSize  int       `json:"sample_size"`
	ComputedAt  time.Time `json:"computed_at"`
}
