// Package analyzer converts raw metric streams into per-entity performance
// snapshots and flags drift against each entity's own historical baseline.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aiopsstack/aiops-engine/internal/bus"
	"github.com/aiopsstack/aiops-engine/internal/config"
	"github.com/aiopsstack/aiops-engine/internal/models"
	"github.com/aiopsstack/aiops-engine/internal/stats"
	"github.com/aiopsstack/aiops-engine/internal/store"
)

// neutralScore stands in for quality/accuracy/satisfaction when no samples
// contributed. Callers must treat it as "no data", not "good".
const neutralScore = 0.8

// PerformanceChange is the payload of a performance-change-detected event.
type PerformanceChange struct {
	EntityID     string  `json:"entity_id"`
	Metric       string  `json:"metric"`
	OldValue     float64 `json:"old_value"`
	NewValue     float64 `json:"new_value"`
	DeviationPct float64 `json:"deviation_pct"`
}

// Analyzer owns the per-entity metric histories and performance snapshots.
// No other component writes to them.
type Analyzer struct {
	store  store.Store
	bus    bus.Bus
	cfg    config.AnalyzerConfig
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	histories map[string][]models.Metric
	snapshots map[string]models.PerformanceSnapshot
}

// New constructs an Analyzer.
func New(st store.Store, b bus.Bus, cfg config.AnalyzerConfig, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 1000
	}
	if cfg.DeviationThreshold <= 0 {
		cfg.DeviationThreshold = 0.10
	}
	return &Analyzer{
		store:     st,
		bus:       b,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		histories: make(map[string][]models.Metric),
		snapshots: make(map[string]models.PerformanceSnapshot),
	}
}

// Record appends a metric to the entity's bounded history and recomputes the
// snapshot for that entity synchronously. Store failures are logged and the
// in-memory working set still advances.
func (a *Analyzer) Record(ctx context.Context, entityID string, m models.Metric) error {
	if entityID == "" {
		return fmt.Errorf("record metric: entity id is required")
	}
	if m.Name == "" {
		return fmt.Errorf("record metric: metric name is required")
	}
	m.EntityID = entityID
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = a.now().UTC()
	}

	a.mu.Lock()
	history := append(a.histories[entityID], m)
	if len(history) > a.cfg.HistoryLimit {
		history = history[len(history)-a.cfg.HistoryLimit:]
	}
	a.histories[entityID] = history
	snapshot := computeSnapshot(entityID, history, a.now().UTC())
	a.snapshots[entityID] = snapshot
	a.mu.Unlock()

	if err := a.store.StoreMetric(ctx, m); err != nil {
		a.logger.Warn("store metric failed", slog.String("entity", entityID), slog.Any("error", err))
	}
	if err := a.store.StoreSnapshot(ctx, snapshot); err != nil {
		a.logger.Warn("store snapshot failed", slog.String("entity", entityID), slog.Any("error", err))
	}

	a.bus.Publish(bus.Event{Type: bus.EventAgentMetricsUpdated, EntityID: entityID, Payload: m})
	a.bus.Publish(bus.Event{Type: bus.EventAgentPerformanceCalculated, EntityID: entityID, Payload: snapshot})
	return nil
}

// Snapshot returns the current performance snapshot for the entity.
func (a *Analyzer) Snapshot(entityID string) (models.PerformanceSnapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	snap, ok := a.snapshots[entityID]
	return snap, ok
}

// Entities lists the entity ids with recorded history.
func (a *Analyzer) Entities() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.histories))
	for id := range a.histories {
		out = append(out, id)
	}
	return out
}

// CheckBaselines is the periodic recompute cycle: it compares each entity's
// current snapshot against its historical baseline and publishes a
// performance-change event for deviations beyond the threshold. Advisory
// only; it never touches alert state. A failure for one entity is logged and
// the loop continues.
func (a *Analyzer) CheckBaselines(ctx context.Context) {
	for _, entityID := range a.Entities() {
		if err := a.checkEntityBaseline(ctx, entityID); err != nil {
			a.logger.Warn("baseline check failed", slog.String("entity", entityID), slog.Any("error", err))
		}
	}
}

func (a *Analyzer) checkEntityBaseline(ctx context.Context, entityID string) error {
	snap, ok := a.Snapshot(entityID)
	if !ok {
		return nil
	}

	baseline, ok, err := a.baseline(ctx, entityID)
	if err != nil {
		return err
	}
	if !ok {
		// Insufficient history is a condition, not an error.
		return nil
	}

	comparisons := []struct {
		metric   string
		old, new float64
	}{
		{"latency", baseline.AvgLatency, snap.AvgLatency},
		{"success_rate", baseline.SuccessRate, snap.SuccessRate},
		{"throughput", baseline.Throughput, snap.Throughput},
		{"error_rate", baseline.ErrorRate, snap.ErrorRate},
	}

	for _, c := range comparisons {
		if c.old == 0 {
			continue
		}
		deviation := (c.new - c.old) / c.old
		if deviation < 0 {
			deviation = -deviation
		}
		if deviation > a.cfg.DeviationThreshold {
			a.bus.Publish(bus.Event{
				Type:     bus.EventPerformanceChangeDetected,
				EntityID: entityID,
				Payload: PerformanceChange{
					EntityID:     entityID,
					Metric:       c.metric,
					OldValue:     c.old,
					NewValue:     c.new,
					DeviationPct: deviation * 100,
				},
			})
		}
	}
	return nil
}

// baseline computes the entity's historical averages over the configured
// window. ok is false when no usable history exists.
func (a *Analyzer) baseline(ctx context.Context, entityID string) (models.Baseline, bool, error) {
	end := a.now().UTC()
	start := end.Add(-a.cfg.BaselineWindow)

	history, err := a.store.QueryMetrics(ctx, store.MetricFilter{EntityID: entityID, Start: start, End: end})
	if err != nil {
		return models.Baseline{}, false, fmt.Errorf("query baseline window: %w", err)
	}
	if len(history) == 0 {
		return models.Baseline{}, false, nil
	}

	agg := aggregate(history)
	errorRate := normalizeRate(stats.Mean(agg.errorRates))
	return models.Baseline{
		EntityID:    entityID,
		AvgLatency:  stats.Mean(agg.latencies),
		SuccessRate: stats.Clamp(1-errorRate, 0, 1),
		Throughput:  stats.Mean(agg.throughputs),
		ErrorRate:   errorRate,
		SampleSize:  len(history),
		ComputedAt:  end,
	}, true, nil
}

type aggregated struct {
	latencies     []float64
	errorRates    []float64
	throughputs   []float64
	resources     []float64
	qualities     []float64
	accuracies    []float64
	satisfactions []float64
}

func aggregate(history []models.Metric) aggregated {
	var agg aggregated
	for _, m := range history {
		name := strings.ToLower(m.Name)
		switch {
		case m.Kind == models.MetricLatency || strings.Contains(name, "latency") || strings.Contains(name, "response_time"):
			agg.latencies = append(agg.latencies, m.Value)
		case m.Kind == models.MetricErrorRate || strings.Contains(name, "error"):
			agg.errorRates = append(agg.errorRates, m.Value)
		case m.Kind == models.MetricThroughput || strings.Contains(name, "throughput"):
			agg.throughputs = append(agg.throughputs, m.Value)
		case strings.Contains(name, "accuracy"):
			agg.accuracies = append(agg.accuracies, m.Value)
		case strings.Contains(name, "satisfaction"):
			agg.satisfactions = append(agg.satisfactions, m.Value)
		case m.Kind == models.MetricQuality || strings.Contains(name, "quality"):
			agg.qualities = append(agg.qualities, m.Value)
		case m.Kind == models.MetricResource || strings.Contains(name, "cpu") || strings.Contains(name, "memory") || strings.Contains(name, "gpu") || strings.Contains(name, "utilization"):
			agg.resources = append(agg.resources, m.Value)
		}
	}
	return agg
}

// normalizeRate folds percent-style rates (>1) down to fractions.
func normalizeRate(rate float64) float64 {
	if rate > 1 {
		return rate / 100
	}
	return rate
}

func scoreOrNeutral(values []float64) float64 {
	if len(values) == 0 {
		return neutralScore
	}
	return stats.Mean(values)
}

func computeSnapshot(entityID string, history []models.Metric, now time.Time) models.PerformanceSnapshot {
	agg := aggregate(history)
	errorRate := normalizeRate(stats.Mean(agg.errorRates))

	return models.PerformanceSnapshot{
		EntityID:            entityID,
		AvgLatency:          stats.Mean(agg.latencies),
		P95Latency:          stats.Percentile(agg.latencies, 95),
		P99Latency:          stats.Percentile(agg.latencies, 99),
		SuccessRate:         stats.Clamp(1-errorRate, 0, 1),
		ErrorRate:           errorRate,
		Throughput:          stats.Mean(agg.throughputs),
		ResourceUtilization: stats.Mean(agg.resources),
		QualityScore:        scoreOrNeutral(agg.qualities),
		AccuracyScore:       scoreOrNeutral(agg.accuracies),
		SatisfactionScore:   scoreOrNeutral(agg.satisfactions),
		LastUpdated:         now,
	}
}
