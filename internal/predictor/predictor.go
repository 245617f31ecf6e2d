// Package predictor builds per-entity forecast, capacity and cost models
// from trailing history and turns them into time-bounded predictive
// insights. It owns the model working sets; no other component writes them.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
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

// ErrNoHistory signals that an entity has not accumulated enough samples
// for the requested model family.
var ErrNoHistory = errors.New("insufficient history for prediction model")

// CapacityProjection is the result of a capacity forecast. BreachTime is
// nil unless the projection crosses the metric's capacity threshold within
// the horizon.
type CapacityProjection struct {
	EntityID   string        `json:"entity_id"`
	MetricName string        `json:"metric_name"`
	Current    float64       `json:"current"`
	Projected  float64       `json:"projected"`
	LowerBand  float64       `json:"lower_band"`
	UpperBand  float64       `json:"upper_band"`
	Threshold  float64       `json:"threshold"`
	Horizon    time.Duration `json:"horizon"`
	BreachTime *time.Time    `json:"breach_time,omitempty"`
}

// PerformanceTrend classifies an entity's projected performance direction.
type PerformanceTrend string

const (
	TrendImproving PerformanceTrend = "improving"
	TrendStable    PerformanceTrend = "stable"
	TrendDegrading PerformanceTrend = "degrading"
)

// PerformanceForecast is the result of a performance prediction. Insight is
// nil for a stable trend, which is deliberately not reported.
type PerformanceForecast struct {
	EntityID   string           `json:"entity_id"`
	MetricName string           `json:"metric_name"`
	Trend      PerformanceTrend `json:"trend"`
	Current    float64          `json:"current"`
	Projected  float64          `json:"projected"`
	Confidence float64          `json:"confidence"`
	Horizon    time.Duration    `json:"horizon"`
}

// Predictor owns the forecast, capacity and cost model working sets.
type Predictor struct {
	store  store.Store
	bus    bus.Bus
	cfg    config.PredictorConfig
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	forecasts map[string]*forecastModel            // entityID
	capacity  map[string]map[string]*capacityModel // entityID -> metric name
	costs     map[string]*costModel                // entityID
}

// New constructs a Predictor with empty model sets; call RebuildModels to
// populate them.
func New(st store.Store, b bus.Bus, cfg config.PredictorConfig, logger *slog.Logger) *Predictor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 30 * 24 * time.Hour
	}
	return &Predictor{
		store:     st,
		bus:       b,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		forecasts: make(map[string]*forecastModel),
		capacity:  make(map[string]map[string]*capacityModel),
		costs:     make(map[string]*costModel),
	}
}

// RebuildModels rebuilds all three model families from the trailing history
// window. Entities below a family's minimum sample count keep no model of
// that family.
func (p *Predictor) RebuildModels(ctx context.Context) {
	end := p.now().UTC()
	start := end.Add(-p.cfg.HistoryWindow)

	samples, err := p.store.QueryMetrics(ctx, store.MetricFilter{Start: start, End: end})
	if err != nil {
		p.logger.Warn("prediction model rebuild query failed", slog.Any("error", err))
		return
	}

	byEntity := make(map[string][]models.Metric)
	for _, m := range samples {
		byEntity[m.EntityID] = append(byEntity[m.EntityID], m)
	}

	forecasts := make(map[string]*forecastModel)
	capacity := make(map[string]map[string]*capacityModel)
	costs := make(map[string]*costModel)

	for entityID, series := range byEntity {
		sort.Slice(series, func(i, j int) bool { return series[i].Timestamp.Before(series[j].Timestamp) })

		if model, ok := buildForecastModel(entityID, performanceSeries(series), end); ok {
			forecasts[entityID] = model
		}
		for name, resource := range groupByName(series, models.MetricResource) {
			model, ok := buildCapacityModel(entityID, name, resource, end)
			if !ok {
				continue
			}
			if capacity[entityID] == nil {
				capacity[entityID] = make(map[string]*capacityModel)
			}
			capacity[entityID][name] = model
		}
		if p.cfg.CostMonitoring {
			if model, ok := buildCostModel(entityID, filterByKind(series, models.MetricCost), end); ok {
				costs[entityID] = model
			}
		}
	}

	p.mu.Lock()
	p.forecasts = forecasts
	p.capacity = capacity
	p.costs = costs
	p.mu.Unlock()

	p.logger.Info("prediction models rebuilt",
		slog.Int("entities", len(byEntity)),
		slog.Int("forecast_models", len(forecasts)),
		slog.Int("capacity_models", len(capacity)),
		slog.Int("cost_models", len(costs)))
}

// performanceSeries picks the entity's primary performance series. Latency
// is preferred, then throughput, then whichever quality series exists.
func performanceSeries(series []models.Metric) []models.Metric {
	for _, kind := range []models.MetricKind{models.MetricLatency, models.MetricThroughput, models.MetricQuality} {
		if picked := filterByKind(series, kind); len(picked) > 0 {
			return picked
		}
	}
	return nil
}

func filterByKind(series []models.Metric, kind models.MetricKind) []models.Metric {
	var out []models.Metric
	for _, m := range series {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func groupByName(series []models.Metric, kind models.MetricKind) map[string][]models.Metric {
	out := make(map[string][]models.Metric)
	for _, m := range series {
		if m.Kind == kind {
			out[m.Name] = append(out[m.Name], m)
		}
	}
	return out
}

// CapacityForecast projects a resource metric forward over the horizon.
// An insight and a capacity-alert event are produced only when the
// projection crosses the metric's threshold.
func (p *Predictor) CapacityForecast(ctx context.Context, entityID, metricName string, horizon time.Duration) (*CapacityProjection, error) {
	p.mu.RLock()
	model, ok := p.capacity[entityID][metricName]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("capacity forecast for %s/%s: %w", entityID, metricName, ErrNoHistory)
	}

	hours := horizon.Hours()
	projected := model.current + model.growth*hours
	if projected < 0 {
		projected = 0
	}
	band := bandWidth(model)

	projection := &CapacityProjection{
		EntityID:   entityID,
		MetricName: metricName,
		Current:    model.current,
		Projected:  projected,
		LowerBand:  stats.Clamp(projected-band, 0, projected),
		UpperBand:  projected + band,
		Threshold:  model.threshold,
		Horizon:    horizon,
	}

	if projected < model.threshold {
		return projection, nil
	}

	now := p.now().UTC()
	breach := now
	if model.current < model.threshold && model.growth > 0 {
		hoursToBreach := (model.threshold - model.current) / model.growth
		breach = now.Add(time.Duration(hoursToBreach * float64(time.Hour)))
	}
	projection.BreachTime = &breach

	insight := p.newInsight(models.InsightCapacityPlanning, entityID,
		fmt.Sprintf("%s projected to reach %.1f%% (threshold %.0f%%) by %s",
			metricName, projected, model.threshold, breach.Format(time.RFC3339)),
		confidenceFromSamples(model.sampleSize, minCapacitySamples), horizon)
	insight.ImpactAssessment = fmt.Sprintf("capacity exhaustion risk for %s", metricName)
	insight.RecommendedActions = []string{
		fmt.Sprintf("scale out or increase %s allocation before %s", metricName, breach.Format(time.RFC3339)),
		fmt.Sprintf("tighten monitoring on %s utilization", metricName),
	}
	p.emit(ctx, insight, bus.EventCapacityAlert)
	return projection, nil
}

// PerformancePrediction classifies the entity's performance trend over the
// horizon. A stable trend returns the forecast but produces no insight.
func (p *Predictor) PerformancePrediction(ctx context.Context, entityID string, horizon time.Duration) (*PerformanceForecast, error) {
	p.mu.RLock()
	model, ok := p.forecasts[entityID]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("performance prediction for %s: %w", entityID, ErrNoHistory)
	}

	elapsed := p.now().UTC().Sub(model.builtAt).Hours()
	current := model.level + model.slope*elapsed
	projected := current + model.slope*horizon.Hours()

	forecast := &PerformanceForecast{
		EntityID:   entityID,
		MetricName: model.metricName,
		Trend:      classifyTrend(model, current, projected),
		Current:    current,
		Projected:  projected,
		Confidence: stats.Clamp(model.r2, 0, 1),
		Horizon:    horizon,
	}
	if forecast.Trend == TrendStable {
		return forecast, nil
	}

	insight := p.newInsight(models.InsightPerformancePrediction, entityID,
		fmt.Sprintf("%s %s expected over the next %s (%.2f now, %.2f projected)",
			model.metricName, forecast.Trend, horizon, current, projected),
		forecast.Confidence, horizon)
	if forecast.Trend == TrendDegrading {
		insight.ImpactAssessment = "user-visible performance regression if the trend continues"
		insight.RecommendedActions = []string{
			"review recent deployments and configuration changes",
			fmt.Sprintf("profile %s hot paths for %s", entityID, model.metricName),
		}
	}
	p.emit(ctx, insight, bus.EventPerformanceForecast)
	return forecast, nil
}

// classifyTrend maps the projected relative change onto the trend scale.
// Direction is inverted for metrics where larger is better.
func classifyTrend(model *forecastModel, current, projected float64) PerformanceTrend {
	base := current
	if base == 0 {
		base = 1
	}
	change := (projected - current) / math.Abs(base)
	if math.Abs(change) < stableChangeRatio {
		return TrendStable
	}
	higherIsBetter := model.metricKind == models.MetricThroughput || model.metricKind == models.MetricQuality
	if (change > 0) == higherIsBetter {
		return TrendImproving
	}
	return TrendDegrading
}

// stableChangeRatio is the relative projected change below which a trend
// is reported as stable.
const stableChangeRatio = 0.05

// CostOptimization looks for a savings opportunity in the entity's cost
// trend. Periodic sweeps apply a $10/month floor so the event stream is not
// flooded with trivia; ad-hoc calls report any positive savings.
func (p *Predictor) CostOptimization(ctx context.Context, entityID string, adHoc bool) (*models.PredictiveInsight, error) {
	if !p.cfg.CostMonitoring {
		return nil, nil
	}
	p.mu.RLock()
	model, ok := p.costs[entityID]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("cost optimization for %s: %w", entityID, ErrNoHistory)
	}

	monthlySavings := model.trend * hoursPerMonth
	floor := costSavingsFloor
	if adHoc {
		floor = 0
	}
	if monthlySavings <= floor {
		return nil, nil
	}

	insight := p.newInsight(models.InsightCostOptimization, entityID,
		fmt.Sprintf("cost trending up by $%.2f/month; current run rate $%.2f/hour", monthlySavings, model.hourlyCost),
		confidenceFromSamples(model.sampleSize, minCostSamples), hoursPerMonth*time.Hour)
	insight.ImpactAssessment = fmt.Sprintf("potential savings of $%.2f per month", monthlySavings)
	insight.RecommendedActions = []string{
		"review recent usage growth against expected load",
		"evaluate cheaper model tiers or batching for low-priority work",
	}
	p.emit(ctx, insight, bus.EventCostOptimization)
	return insight, nil
}

const (
	hoursPerMonth    = 730
	costSavingsFloor = 10.0
)

// MaintenanceAnalysis scores an entity's maintenance urgency from its
// resource models. An insight is produced only above the urgency cutoff.
func (p *Predictor) MaintenanceAnalysis(ctx context.Context, entityID string) (*models.PredictiveInsight, error) {
	p.mu.RLock()
	resources := p.capacity[entityID]
	p.mu.RUnlock()
	if len(resources) == 0 {
		return nil, fmt.Errorf("maintenance analysis for %s: %w", entityID, ErrNoHistory)
	}

	var urgency float64
	var driver string
	for name, model := range resources {
		score := 0.7 * (model.current / model.threshold)
		if model.growth > 0 {
			score += 0.3
		}
		if score > urgency {
			urgency = score
			driver = name
		}
	}
	urgency = stats.Clamp(urgency, 0, 1)
	if urgency <= maintenanceUrgencyCutoff {
		return nil, nil
	}

	insight := p.newInsight(models.InsightMaintenanceSchedule, entityID,
		fmt.Sprintf("maintenance recommended; %s utilization is the main driver (urgency %.2f)", driver, urgency),
		urgency, 14*24*time.Hour)
	insight.RecommendedActions = []string{
		fmt.Sprintf("schedule a maintenance window for %s", entityID),
		fmt.Sprintf("investigate sustained %s pressure", driver),
	}
	p.emit(ctx, insight, "")
	return insight, nil
}

const maintenanceUrgencyCutoff = 0.5

// RunForecasts is the periodic performance-prediction sweep.
func (p *Predictor) RunForecasts(ctx context.Context) {
	for _, entityID := range p.forecastEntities() {
		if _, err := p.PerformancePrediction(ctx, entityID, 24*time.Hour); err != nil {
			p.logger.Warn("performance prediction failed", slog.String("entity", entityID), slog.Any("error", err))
		}
	}
}

// RunCapacityAnalysis is the periodic capacity sweep. It also refreshes
// maintenance urgency, which is derived from the same resource models.
func (p *Predictor) RunCapacityAnalysis(ctx context.Context) {
	p.mu.RLock()
	targets := make(map[string][]string, len(p.capacity))
	for entityID, resources := range p.capacity {
		for name := range resources {
			targets[entityID] = append(targets[entityID], name)
		}
	}
	p.mu.RUnlock()

	for entityID, names := range targets {
		for _, name := range names {
			if _, err := p.CapacityForecast(ctx, entityID, name, 24*time.Hour); err != nil {
				p.logger.Warn("capacity forecast failed",
					slog.String("entity", entityID), slog.String("metric", name), slog.Any("error", err))
			}
		}
		if _, err := p.MaintenanceAnalysis(ctx, entityID); err != nil {
			p.logger.Warn("maintenance analysis failed", slog.String("entity", entityID), slog.Any("error", err))
		}
	}
}

// RunCostSweep is the periodic cost-optimization sweep.
func (p *Predictor) RunCostSweep(ctx context.Context) {
	if !p.cfg.CostMonitoring {
		return
	}
	p.mu.RLock()
	entities := make([]string, 0, len(p.costs))
	for entityID := range p.costs {
		entities = append(entities, entityID)
	}
	p.mu.RUnlock()

	for _, entityID := range entities {
		if _, err := p.CostOptimization(ctx, entityID, false); err != nil {
			p.logger.Warn("cost optimization failed", slog.String("entity", entityID), slog.Any("error", err))
		}
	}
}

// ActiveInsights returns stored insights that have not expired.
func (p *Predictor) ActiveInsights(ctx context.Context, entityID string) ([]models.PredictiveInsight, error) {
	return p.store.QueryInsights(ctx, store.InsightFilter{EntityID: entityID, ActiveAt: p.now().UTC()})
}

func (p *Predictor) forecastEntities() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.forecasts))
	for entityID := range p.forecasts {
		out = append(out, entityID)
	}
	return out
}

func (p *Predictor) newInsight(t models.InsightType, entityID, prediction string, confidence float64, horizon time.Duration) *models.PredictiveInsight {
	now := p.now().UTC()
	return &models.PredictiveInsight{
		ID:          uuid.NewString(),
		Type:        t,
		EntityID:    entityID,
		Prediction:  prediction,
		Confidence:  stats.Clamp(confidence, 0, 1),
		TimeHorizon: horizon,
		CreatedAt:   now,
		ExpiresAt:   now.Add(insightTTL(t)),
	}
}

// insightTTL sets how long each insight family stays actionable.
func insightTTL(t models.InsightType) time.Duration {
	switch t {
	case models.InsightPerformancePrediction:
		return 7 * 24 * time.Hour
	case models.InsightMaintenanceSchedule:
		return 14 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

// emit stores the insight and publishes the associated event, if any. Store
// failures are logged and the insight is still published; the working copy
// remains usable by the caller.
func (p *Predictor) emit(ctx context.Context, insight *models.PredictiveInsight, event bus.EventType) {
	if err := p.store.StoreInsight(ctx, *insight); err != nil {
		p.logger.Warn("insight store failed",
			slog.String("insight", insight.ID), slog.String("type", string(insight.Type)), slog.Any("error", err))
	}
	metrics.IncInsight(string(insight.Type))
	if event != "" {
		p.bus.Publish(bus.Event{Type: event, EntityID: insight.EntityID, Payload: *insight})
	}
	p.logger.Info("predictive insight generated",
		slog.String("insight", insight.ID),
		slog.String("type", string(insight.Type)),
		slog.String("entity", insight.EntityID),
		slog.Float64("confidence", insight.Confidence))
}

func confidenceFromSamples(n, minimum int) float64 {
	return stats.Clamp(float64(n)/float64(minimum*5), 0.3, 0.95)
}
