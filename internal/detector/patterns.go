package detector

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/aiopsstack/aiops-engine/internal/models"
)

// Composite pattern thresholds. Latency in milliseconds, error rate and
// utilization in percent, throughput in events per minute.
const (
	patternLatencyMs      = 2000.0
	patternErrorRatePct   = 5.0
	patternThroughputMin  = 10.0
	patternUtilizationPct = 90.0
	patternAccuracyFloor  = 0.7
	patternDriftCritical  = 0.5
)

// detectPatterns evaluates the named cross-metric failure patterns over the
// entity's most recent sample per metric name. The first matching pattern is
// returned as a single composite anomaly.
func (d *Detector) detectPatterns(entityID string, latest []models.Metric) (models.Anomaly, bool) {
	byName := make(map[string]models.Metric, len(latest))
	for _, m := range latest {
		byName[strings.ToLower(m.Name)] = m
	}

	var entityKind models.EntityKind
	if len(latest) > 0 {
		entityKind = latest[0].EntityKind
	}

	if anomaly, ok := resourceExhaustion(byName); ok {
		return d.composite(entityID, entityKind, anomaly), true
	}
	if anomaly, ok := performanceDegradation(byName); ok {
		return d.composite(entityID, entityKind, anomaly), true
	}
	if anomaly, ok := accuracyDrop(byName); ok {
		return d.composite(entityID, entityKind, anomaly), true
	}
	return models.Anomaly{}, false
}

type patternMatch struct {
	anomalyType models.AnomalyType
	severity    models.Severity
	description string
	supporting  map[string]float64
	impact      string
	actions     []string
}

func (d *Detector) composite(entityID string, kind models.EntityKind, match patternMatch) models.Anomaly {
	return models.Anomaly{
		ID:                 uuid.NewString(),
		EntityKind:         kind,
		EntityID:           entityID,
		Type:               match.anomalyType,
		Severity:           match.severity,
		Description:        match.description,
		DetectedAt:         d.now().UTC(),
		Score:              1,
		SupportingMetrics:  match.supporting,
		PredictedImpact:    match.impact,
		RecommendedActions: match.actions,
	}
}

// resourceExhaustion: cpu or memory utilization above 90% is always critical.
func resourceExhaustion(byName map[string]models.Metric) (patternMatch, bool) {
	supporting := make(map[string]float64)
	for name, m := range byName {
		if !strings.Contains(name, "cpu") && !strings.Contains(name, "memory") {
			continue
		}
		if m.Value > patternUtilizationPct {
			supporting[m.Name] = m.Value
		}
	}
	if len(supporting) == 0 {
		return patternMatch{}, false
	}
	return patternMatch{
		anomalyType: models.AnomalyResourceSpike,
		severity:    models.SeverityCritical,
		description: fmt.Sprintf("resource exhaustion: %d resource metric(s) above %.0f%% utilization", len(supporting), patternUtilizationPct),
		supporting:  supporting,
		impact:      "imminent saturation; requests may be dropped or severely delayed",
		actions:     []string{"Scale out the affected resource immediately", "Shed or defer non-critical load"},
	}, true
}

// performanceDegradation: slow, failing and starved at the same time.
func performanceDegradation(byName map[string]models.Metric) (patternMatch, bool) {
	latency, okL := findByFragment(byName, "latency", "response_time")
	errRate, okE := findByFragment(byName, "error")
	throughput, okT := findByFragment(byName, "throughput")
	if !okL || !okE || !okT {
		return patternMatch{}, false
	}
	if latency.Value <= patternLatencyMs || errRate.Value <= patternErrorRatePct || throughput.Value >= patternThroughputMin {
		return patternMatch{}, false
	}
	return patternMatch{
		anomalyType: models.AnomalyPerformanceDegradation,
		severity:    models.SeverityHigh,
		description: fmt.Sprintf("performance degradation: latency %.0fms, error rate %.1f%%, throughput %.1f/min", latency.Value, errRate.Value, throughput.Value),
		supporting: map[string]float64{
			latency.Name:    latency.Value,
			errRate.Name:    errRate.Value,
			throughput.Name: throughput.Value,
		},
		impact:  "entity is slow and failing while processing little work",
		actions: []string{"Check recent deployments for regressions", "Inspect dependency health", "Consider restarting the entity"},
	}, true
}

// accuracyDrop: accuracy below floor; critical when drift confirms it.
func accuracyDrop(byName map[string]models.Metric) (patternMatch, bool) {
	accuracy, ok := findByFragment(byName, "accuracy")
	if !ok || accuracy.Value >= patternAccuracyFloor {
		return patternMatch{}, false
	}

	severity := models.SeverityHigh
	supporting := map[string]float64{accuracy.Name: accuracy.Value}
	if drift, ok := findByFragment(byName, "drift"); ok && drift.Value > patternDriftCritical {
		severity = models.SeverityCritical
		supporting[drift.Name] = drift.Value
	}
	return patternMatch{
		anomalyType: models.AnomalyAccuracyDrop,
		severity:    severity,
		description: fmt.Sprintf("accuracy drop: %.2f below %.2f floor", accuracy.Value, patternAccuracyFloor),
		supporting:  supporting,
		impact:      "outputs below acceptable quality",
		actions:     []string{"Validate recent input distribution for drift", "Roll back to the previous model version"},
	}, true
}

func findByFragment(byName map[string]models.Metric, fragments ...string) (models.Metric, bool) {
	var (
		best  models.Metric
		found bool
	)
	for name, m := range byName {
		for _, fragment := range fragments {
			if strings.Contains(name, fragment) {
				if !found || m.Timestamp.After(best.Timestamp) {
					best = m
					found = true
				}
			}
		}
	}
	return best, found
}
