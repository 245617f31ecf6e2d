// Package detector maintains one statistical model per metric name, scores
// incoming metrics for deviation, and detects multi-metric failure patterns
// per entity.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aiopsstack/aiops-engine/internal/bus"
	"github.com/aiopsstack/aiops-engine/internal/config"
	"github.com/aiopsstack/aiops-engine/internal/metrics"
	"github.com/aiopsstack/aiops-engine/internal/models"
	"github.com/aiopsstack/aiops-engine/internal/stats"
	"github.com/aiopsstack/aiops-engine/internal/store"
)

// ErrNoModel signals that scoring was requested for a metric without a model.
var ErrNoModel = errors.New("no detection model for metric")

// Detector owns the detection models working set; no other component writes
// to it.
type Detector struct {
	store  store.Store
	bus    bus.Bus
	cfg    config.DetectionConfig
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	models map[string]*models.DetectionModel
}

// New constructs a Detector.
func New(st store.Store, b bus.Bus, cfg config.DetectionConfig, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = models.MinModelSamples
	}
	if cfg.Sensitivity <= 0 {
		cfg.Sensitivity = 0.7
	}
	return &Detector{
		store:  st,
		bus:    b,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		models: make(map[string]*models.DetectionModel),
	}
}

// Score computes the anomaly score in [0,1] for a metric value against its
// model. ok is false when no model exists (fewer than the minimum samples),
// in which case no anomaly can be raised for that metric.
func (d *Detector) Score(m models.Metric) (float64, bool) {
	model, ok := d.Model(m.Name)
	if !ok {
		return 0, false
	}
	return scoreAgainst(model, m.Value), true
}

// scoreAgainst combines a z-score signal with a percentile-outlier signal.
// Three sigma maps to full scale; values outside the [p05,p95] band score at
// least 0.8, outside [p25,p75] at least 0.4.
func scoreAgainst(model *models.DetectionModel, value float64) float64 {
	var zScore float64
	if model.StdDev > 0 {
		z := value - model.Mean
		if z < 0 {
			z = -z
		}
		z /= model.StdDev
		zScore = stats.Clamp(z/3, 0, 1)
	}

	var pScore float64
	p := model.Percentiles
	switch {
	case value < p.P05 || value > p.P95:
		pScore = 0.8
	case value < p.P25 || value > p.P75:
		pScore = 0.4
	}

	score := zScore
	if pScore > score {
		score = pScore
	}

	// Trend/seasonality adjustment hook. Deliberately an identity multiplier
	// today; do not assume dampening occurs.
	if (model.Trend != nil && model.Trend.Strength > 0.5) ||
		(model.Seasonality != nil && model.Seasonality.Strength > 0.5) {
		score *= 1.0
	}

	return stats.Clamp(score, 0, 1)
}

// ScoreValue scores a raw value against the named metric's model, returning
// ErrNoModel when no model exists yet.
func (d *Detector) ScoreValue(name string, value float64) (float64, error) {
	model, ok := d.Model(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoModel, name)
	}
	return scoreAgainst(model, value), nil
}

// DetectBatch is the real-time scoring cycle over the trailing score window.
// Composite cross-metric patterns win over per-metric anomalies for the same
// entity; a failure for one metric is isolated and logged.
func (d *Detector) DetectBatch(ctx context.Context) {
	end := d.now().UTC()
	start := end.Add(-d.cfg.ScoreWindow)

	recent, err := d.store.QueryMetrics(ctx, store.MetricFilter{Start: start, End: end})
	if err != nil {
		d.logger.Warn("detection query failed", slog.Any("error", err))
		return
	}
	if len(recent) == 0 {
		return
	}

	byEntity := make(map[string][]models.Metric)
	for _, m := range recent {
		byEntity[m.EntityID] = append(byEntity[m.EntityID], m)
	}

	for entityID, entityMetrics := range byEntity {
		latest := latestPerName(entityMetrics)

		// A composite pattern subsumes the single-metric anomalies that
		// would otherwise fire separately for the same incident.
		if anomaly, ok := d.detectPatterns(entityID, latest); ok {
			d.raise(ctx, anomaly)
			continue
		}

		for _, m := range latest {
			if err := d.scoreOne(ctx, m); err != nil {
				d.logger.Warn("scoring failed",
					slog.String("entity", entityID),
					slog.String("metric", m.Name),
					slog.Any("error", err))
			}
		}
	}
}

func (d *Detector) scoreOne(ctx context.Context, m models.Metric) error {
	model, ok := d.Model(m.Name)
	if !ok {
		return nil
	}

	score := scoreAgainst(model, m.Value)
	if score <= d.cfg.Sensitivity {
		return nil
	}

	anomalyType := classify(m.Name, m.Value, model.Mean)
	anomaly := models.Anomaly{
		ID:          uuid.NewString(),
		EntityKind:  m.EntityKind,
		EntityID:    m.EntityID,
		Type:        anomalyType,
		Severity:    models.SeverityFromScore(score),
		Description: fmt.Sprintf("%s deviated to %.2f (model mean %.2f)", m.Name, m.Value, model.Mean),
		DetectedAt:  d.now().UTC(),
		Score:       score,
		SupportingMetrics: map[string]float64{
			m.Name: m.Value,
		},
		PredictedImpact:    predictedImpact(anomalyType),
		RecommendedActions: recommendedActions(anomalyType),
	}
	d.raise(ctx, anomaly)
	return nil
}

func (d *Detector) raise(ctx context.Context, anomaly models.Anomaly) {
	if err := d.store.StoreAnomaly(ctx, anomaly); err != nil {
		d.logger.Warn("store anomaly failed", slog.String("entity", anomaly.EntityID), slog.Any("error", err))
	}
	metrics.IncAnomaly(string(anomaly.Severity))
	d.bus.Publish(bus.Event{Type: bus.EventAnomalyDetected, EntityID: anomaly.EntityID, Payload: anomaly})
}

// classify is a deterministic lookup by metric-name substring.
func classify(name string, value, mean float64) models.AnomalyType {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "latency") || strings.Contains(lower, "response_time"):
		if value > mean {
			return models.AnomalyLatencyIncrease
		}
		return models.AnomalyPerformanceDegradation
	case strings.Contains(lower, "error"):
		return models.AnomalyErrorRateIncrease
	case strings.Contains(lower, "accuracy"):
		return models.AnomalyAccuracyDrop
	case strings.Contains(lower, "throughput"):
		return models.AnomalyThroughputDrop
	case strings.Contains(lower, "cpu") || strings.Contains(lower, "memory") ||
		strings.Contains(lower, "gpu") || strings.Contains(lower, "disk") ||
		strings.Contains(lower, "utilization") || strings.Contains(lower, "resource"):
		return models.AnomalyResourceSpike
	default:
		return models.AnomalyPerformanceDegradation
	}
}

func latestPerName(entityMetrics []models.Metric) []models.Metric {
	latest := make(map[string]models.Metric)
	for _, m := range entityMetrics {
		cur, ok := latest[m.Name]
		if !ok || m.Timestamp.After(cur.Timestamp) {
			latest[m.Name] = m
		}
	}
	out := make([]models.Metric, 0, len(latest))
	for _, m := range latest {
		out = append(out, m)
	}
	return out
}

func predictedImpact(t models.AnomalyType) string {
	switch t {
	case models.AnomalyLatencyIncrease, models.AnomalyPerformanceDegradation:
		return "degraded response times for downstream consumers"
	case models.AnomalyErrorRateIncrease:
		return "elevated failure rate for entity operations"
	case models.AnomalyAccuracyDrop:
		return "reduced output quality until the model is retrained or rolled back"
	case models.AnomalyResourceSpike:
		return "risk of saturation and cascading slowdowns"
	case models.AnomalyThroughputDrop:
		return "reduced processing capacity"
	default:
		return ""
	}
}

func recommendedActions(t models.AnomalyType) []string {
	switch t {
	case models.AnomalyLatencyIncrease, models.AnomalyPerformanceDegradation:
		return []string{"Check recent deployments for regressions", "Inspect dependency latency"}
	case models.AnomalyErrorRateIncrease:
		return []string{"Review error logs for the entity", "Check upstream dependencies"}
	case models.AnomalyAccuracyDrop:
		return []string{"Validate model inputs for drift", "Consider rolling back the model version"}
	case models.AnomalyResourceSpike:
		return []string{"Scale the affected resource", "Inspect for runaway workloads"}
	case models.AnomalyThroughputDrop:
		return []string{"Check for queue backpressure", "Verify worker pool health"}
	default:
		return nil
	}
}
