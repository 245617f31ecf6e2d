package predictor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aiopsstack/aiops-engine/internal/bus"
	"github.com/aiopsstack/aiops-engine/internal/config"
	"github.com/aiopsstack/aiops-engine/internal/models"
	"github.com/aiopsstack/aiops-engine/internal/store"
)

func testPredictor(costMonitoring bool) (*Predictor, *store.MemoryStore, *bus.ChannelBus, time.Time) {
	st := store.NewMemoryStore(0)
	b := bus.NewChannelBus(64)
	p := New(st, b, config.PredictorConfig{
		HistoryWindow:  30 * 24 * time.Hour,
		CostMonitoring: costMonitoring,
	}, nil)
	now := time.Now().UTC().Truncate(time.Hour)
	p.now = func() time.Time { return now }
	return p, st, b, now
}

// seedHourly stores count hourly samples ending one hour before now, with
// value = base + growth per hour.
func seedHourly(t *testing.T, st *store.MemoryStore, entity, name string, kind models.MetricKind, count int, base, growth float64, now time.Time) {
	t.Helper()
	for i := 0; i < count; i++ {
		err := st.StoreMetric(context.Background(), models.Metric{
			EntityID:  entity,
			Name:      name,
			Value:     base + growth*float64(i),
			Kind:      kind,
			Timestamp: now.Add(-time.Duration(count-i) * time.Hour),
		})
		require.NoError(t, err)
	}
}

func TestCapacityForecastBreach(t *testing.T) {
	p, st, b, now := testPredictor(false)
	ctx := context.Background()

	// cpu climbing one point per hour, currently at 79% against the 80%
	// threshold: a 24h projection must cross it.
	seedHourly(t, st, "sys-1", "cpu_usage", models.MetricResource, 24, 56, 1, now)
	p.RebuildModels(ctx)

	alerts, cancel := b.Subscribe(bus.EventCapacityAlert)
	defer cancel()

	projection, err := p.CapacityForecast(ctx, "sys-1", "cpu_usage", 24*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, projection.BreachTime, "projection above threshold must carry a breach time")
	require.True(t, projection.BreachTime.After(now), "breach lies in the future while below threshold")
	require.Greater(t, projection.Projected, projection.Threshold)

	select {
	case e := <-alerts:
		insight, ok := e.Payload.(models.PredictiveInsight)
		require.True(t, ok)
		require.Equal(t, models.InsightCapacityPlanning, insight.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a capacity-alert event")
	}

	stored, err := st.QueryInsights(ctx, store.InsightFilter{EntityID: "sys-1", Type: models.InsightCapacityPlanning})
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestCapacityForecastBreachKeepsSubHourPrecision(t *testing.T) {
	p, st, _, now := testPredictor(false)
	ctx := context.Background()

	// Growth of 0.8 points per hour from a current 78% puts the 80%
	// threshold 2.5 hours out; the breach time must not round to whole
	// hours.
	seedHourly(t, st, "sys-1", "cpu_usage", models.MetricResource, 24, 59.6, 0.8, now)
	p.RebuildModels(ctx)

	projection, err := p.CapacityForecast(ctx, "sys-1", "cpu_usage", 24*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, projection.BreachTime)
	require.WithinDuration(t, now.Add(2*time.Hour+30*time.Minute), *projection.BreachTime, time.Minute)
}

func TestCapacityForecastNoBreachNoInsight(t *testing.T) {
	p, st, _, now := testPredictor(false)
	ctx := context.Background()

	// Steady 60% utilization never approaches the threshold.
	seedHourly(t, st, "sys-1", "cpu_usage", models.MetricResource, 24, 60, 0, now)
	p.RebuildModels(ctx)

	projection, err := p.CapacityForecast(ctx, "sys-1", "cpu_usage", 24*time.Hour)
	require.NoError(t, err)
	require.Nil(t, projection.BreachTime)

	stored, err := st.QueryInsights(ctx, store.InsightFilter{EntityID: "sys-1"})
	require.NoError(t, err)
	require.Empty(t, stored, "no insight is produced without a projected breach")
}

func TestCapacityForecastRequiresModel(t *testing.T) {
	p, st, _, now := testPredictor(false)
	ctx := context.Background()

	// 19 points is below the capacity model minimum of 20.
	seedHourly(t, st, "sys-1", "cpu_usage", models.MetricResource, 19, 70, 1, now)
	p.RebuildModels(ctx)

	_, err := p.CapacityForecast(ctx, "sys-1", "cpu_usage", time.Hour)
	require.True(t, errors.Is(err, ErrNoHistory))
}

func TestPerformancePredictionDegrading(t *testing.T) {
	p, st, b, now := testPredictor(false)
	ctx := context.Background()

	// Latency rising 5ms per hour over 60 hours: clearly degrading.
	seedHourly(t, st, "agent-1", "request_latency_ms", models.MetricLatency, 60, 100, 5, now)
	p.RebuildModels(ctx)

	forecasts, cancel := b.Subscribe(bus.EventPerformanceForecast)
	defer cancel()

	forecast, err := p.PerformancePrediction(ctx, "agent-1", 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, TrendDegrading, forecast.Trend)
	require.Greater(t, forecast.Projected, forecast.Current)

	select {
	case e := <-forecasts:
		insight := e.Payload.(models.PredictiveInsight)
		require.Equal(t, models.InsightPerformancePrediction, insight.Type)
		require.NotEmpty(t, insight.RecommendedActions)
	case <-time.After(time.Second):
		t.Fatal("expected a performance-forecast event")
	}
}

func TestPerformancePredictionThroughputDirection(t *testing.T) {
	p, st, _, now := testPredictor(false)
	ctx := context.Background()

	// Rising throughput is an improvement, not a degradation.
	seedHourly(t, st, "agent-1", "throughput", models.MetricThroughput, 60, 100, 5, now)
	p.RebuildModels(ctx)

	forecast, err := p.PerformancePrediction(ctx, "agent-1", 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, TrendImproving, forecast.Trend)
}

func TestPerformancePredictionStableProducesNoInsight(t *testing.T) {
	p, st, _, now := testPredictor(false)
	ctx := context.Background()

	seedHourly(t, st, "agent-1", "request_latency_ms", models.MetricLatency, 60, 100, 0, now)
	p.RebuildModels(ctx)

	forecast, err := p.PerformancePrediction(ctx, "agent-1", 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, TrendStable, forecast.Trend)

	stored, err := st.QueryInsights(ctx, store.InsightFilter{EntityID: "agent-1"})
	require.NoError(t, err)
	require.Empty(t, stored, "a stable prediction is deliberately not reported")
}

func TestPerformancePredictionBelowMinimumSamples(t *testing.T) {
	p, st, _, now := testPredictor(false)
	ctx := context.Background()

	seedHourly(t, st, "agent-1", "request_latency_ms", models.MetricLatency, 49, 100, 5, now)
	p.RebuildModels(ctx)

	_, err := p.PerformancePrediction(ctx, "agent-1", time.Hour)
	require.True(t, errors.Is(err, ErrNoHistory))
}

func TestCostOptimizationFloor(t *testing.T) {
	p, st, _, now := testPredictor(true)
	ctx := context.Background()

	// Cost creeping up by one cent per hour: ~$7.30/month, below the $10
	// periodic floor but positive for ad-hoc analysis.
	seedHourly(t, st, "agent-1", "inference_cost", models.MetricCost, 48, 2, 0.01, now)
	p.RebuildModels(ctx)

	periodic, err := p.CostOptimization(ctx, "agent-1", false)
	require.NoError(t, err)
	require.Nil(t, periodic, "savings under the floor stay silent in the periodic sweep")

	adhoc, err := p.CostOptimization(ctx, "agent-1", true)
	require.NoError(t, err)
	require.NotNil(t, adhoc)
	require.Equal(t, models.InsightCostOptimization, adhoc.Type)
}

func TestCostOptimizationDisabled(t *testing.T) {
	p, _, _, _ := testPredictor(false)
	insight, err := p.CostOptimization(context.Background(), "agent-1", true)
	require.NoError(t, err)
	require.Nil(t, insight)
}

func TestMaintenanceAnalysisUrgency(t *testing.T) {
	p, st, _, now := testPredictor(false)
	ctx := context.Background()

	// Sustained 75%+ cpu with positive growth pushes urgency past 0.5.
	seedHourly(t, st, "sys-1", "cpu_usage", models.MetricResource, 24, 55, 1, now)
	p.RebuildModels(ctx)

	insight, err := p.MaintenanceAnalysis(ctx, "sys-1")
	require.NoError(t, err)
	require.NotNil(t, insight)
	require.Equal(t, models.InsightMaintenanceSchedule, insight.Type)
	require.Greater(t, insight.Confidence, 0.5)
}

func TestMaintenanceAnalysisQuietWhenHealthy(t *testing.T) {
	p, st, _, now := testPredictor(false)
	ctx := context.Background()

	seedHourly(t, st, "sys-1", "cpu_usage", models.MetricResource, 24, 30, 0, now)
	p.RebuildModels(ctx)

	insight, err := p.MaintenanceAnalysis(ctx, "sys-1")
	require.NoError(t, err)
	require.Nil(t, insight)
}

func TestActiveInsightsExcludeExpired(t *testing.T) {
	p, st, _, now := testPredictor(false)
	ctx := context.Background()

	require.NoError(t, st.StoreInsight(ctx, models.PredictiveInsight{
		ID: "expired", EntityID: "agent-1", Type: models.InsightCapacityPlanning,
		CreatedAt: now.Add(-40 * 24 * time.Hour), ExpiresAt: now.Add(-10 * 24 * time.Hour),
	}))
	require.NoError(t, st.StoreInsight(ctx, models.PredictiveInsight{
		ID: "current", EntityID: "agent-1", Type: models.InsightCapacityPlanning,
		CreatedAt: now, ExpiresAt: now.Add(7 * 24 * time.Hour),
	}))

	active, err := p.ActiveInsights(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "current", active[0].ID)
}

func TestInsightTTLByType(t *testing.T) {
	require.Equal(t, 7*24*time.Hour, insightTTL(models.InsightPerformancePrediction))
	require.Equal(t, 14*24*time.Hour, insightTTL(models.InsightMaintenanceSchedule))
	require.Equal(t, 30*24*time.Hour, insightTTL(models.InsightCapacityPlanning))
	require.Equal(t, 30*24*time.Hour, insightTTL(models.InsightCostOptimization))
}
