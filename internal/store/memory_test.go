package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aiopsstack/aiops-engine/internal/models"
)

func metricAt(entity, name string, value float64, ts time.Time) models.Metric {
	return models.Metric{
		ID:        entity + "-" + name + "-" + ts.Format(time.RFC3339Nano),
		EntityID:  entity,
		Name:      name,
		Value:     value,
		Timestamp: ts,
	}
}

func TestMetricQueryFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	now := time.Now().UTC()

	require.NoError(t, s.StoreMetric(ctx, metricAt("agent-1", "latency", 100, now.Add(-2*time.Hour))))
	require.NoError(t, s.StoreMetric(ctx, metricAt("agent-1", "latency", 120, now.Add(-time.Hour))))
	require.NoError(t, s.StoreMetric(ctx, metricAt("agent-2", "latency", 300, now.Add(-30*time.Minute))))

	got, err := s.QueryMetrics(ctx, MetricFilter{EntityID: "agent-1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.True(t, got[0].Timestamp.Before(got[1].Timestamp), "results must be time ordered")

	got, err = s.QueryMetrics(ctx, MetricFilter{Start: now.Add(-90 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = s.QueryMetrics(ctx, MetricFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 300.0, got[0].Value, "limit keeps the newest samples")
}

func TestMetricRetentionBoundsSeries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(3)
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.StoreMetric(ctx, metricAt("agent-1", "latency", float64(i), now.Add(time.Duration(i)*time.Second))))
	}
	got, err := s.QueryMetrics(ctx, MetricFilter{EntityID: "agent-1", Name: "latency"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, 2.0, got[0].Value, "oldest samples are evicted first")
}

func TestStoreMetricValidation(t *testing.T) {
	s := NewMemoryStore(0)
	require.Error(t, s.StoreMetric(context.Background(), models.Metric{Name: "latency"}))
	require.Error(t, s.StoreMetric(context.Background(), models.Metric{EntityID: "agent-1"}))
}

func TestAlertUpdateLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	now := time.Now().UTC()

	alert := models.Alert{ID: "a1", EntityID: "agent-1", State: models.AlertActive, CreatedAt: now}
	require.NoError(t, s.StoreAlert(ctx, alert))

	resolved := models.AlertResolved
	resolution := "fixed"
	require.NoError(t, s.UpdateAlert(ctx, "a1", AlertUpdate{
		State:      &resolved,
		ResolvedAt: &now,
		Resolution: &resolution,
		Actions:    []models.AlertAction{{Time: now, Action: "resolve"}},
	}))

	got, err := s.QueryAlerts(ctx, AlertFilter{EntityID: "agent-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, models.AlertResolved, got[0].State)
	require.Equal(t, "fixed", got[0].Resolution)
	require.Len(t, got[0].ActionsTaken, 1)
}

func TestUpdateMissingAlert(t *testing.T) {
	s := NewMemoryStore(0)
	state := models.AlertResolved
	err := s.UpdateAlert(context.Background(), "missing", AlertUpdate{State: &state})
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestAlertFilterByState(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	now := time.Now().UTC()
	require.NoError(t, s.StoreAlert(ctx, models.Alert{ID: "a1", EntityID: "e", State: models.AlertActive, CreatedAt: now}))
	require.NoError(t, s.StoreAlert(ctx, models.Alert{ID: "a2", EntityID: "e", State: models.AlertResolved, CreatedAt: now}))

	got, err := s.QueryAlerts(ctx, AlertFilter{States: []models.AlertState{models.AlertActive}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "a1", got[0].ID)
}

func TestInsightExpiryExcludedFromActiveQueries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	now := time.Now().UTC()

	require.NoError(t, s.StoreInsight(ctx, models.PredictiveInsight{
		ID: "live", EntityID: "agent-1", Type: models.InsightCapacityPlanning,
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, s.StoreInsight(ctx, models.PredictiveInsight{
		ID: "stale", EntityID: "agent-1", Type: models.InsightCapacityPlanning,
		CreatedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))

	active, err := s.QueryInsights(ctx, InsightFilter{EntityID: "agent-1", ActiveAt: now})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "live", active[0].ID)

	// Without ActiveAt the stored record is still visible.
	all, err := s.QueryInsights(ctx, InsightFilter{EntityID: "agent-1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestSnapshotRangeQuery(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	now := time.Now().UTC()

	for _, offset := range []time.Duration{-3 * time.Hour, -time.Hour, -time.Minute} {
		require.NoError(t, s.StoreSnapshot(ctx, models.PerformanceSnapshot{
			EntityID: "agent-1", LastUpdated: now.Add(offset),
		}))
	}

	got, err := s.QuerySnapshots(ctx, "agent-1", now.Add(-2*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, got, 2)
}
