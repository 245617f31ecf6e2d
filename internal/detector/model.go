package detector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aiopsstack/aiops-engine/internal/bus"
	"github.com/aiopsstack/aiops-engine/internal/models"
	"github.com/aiopsstack/aiops-engine/internal/stats"
	"github.com/aiopsstack/aiops-engine/internal/store"
)

// RebuildModels rebuilds every per-metric-name detection model from the
// trailing model window. Metrics with fewer than the minimum sample count
// get no model, which silently disables scoring for them. A build failure
// for one metric is isolated; the rest continue.
func (d *Detector) RebuildModels(ctx context.Context) {
	end := d.now().UTC()
	start := end.Add(-d.cfg.ModelWindow)

	samples, err := d.store.QueryMetrics(ctx, store.MetricFilter{Start: start, End: end})
	if err != nil {
		d.logger.Warn("model rebuild query failed", slog.Any("error", err))
		return
	}

	byName := make(map[string][]models.Metric)
	for _, m := range samples {
		byName[m.Name] = append(byName[m.Name], m)
	}

	for name, series := range byName {
		model, ok := buildModel(name, series, d.cfg.MinSamples, end)
		if !ok {
			continue
		}
		d.mu.Lock()
		d.models[name] = model
		d.mu.Unlock()

		d.bus.Publish(bus.Event{Type: bus.EventDetectionModelUpdated, Payload: model})
		d.logger.Debug("detection model updated", slog.String("metric", name), slog.String("profile", describeModel(model)))
	}
}

// Model returns the current detection model for the metric name.
func (d *Detector) Model(name string) (*models.DetectionModel, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	model, ok := d.models[name]
	return model, ok
}

func buildModel(name string, series []models.Metric, minSamples int, builtAt time.Time) (*models.DetectionModel, bool) {
	if minSamples <= 0 {
		minSamples = models.MinModelSamples
	}
	if len(series) < minSamples {
		return nil, false
	}

	values := make([]float64, len(series))
	for i, m := range series {
		values[i] = m.Value
	}

	model := &models.DetectionModel{
		MetricName: name,
		Mean:       stats.Mean(values),
		StdDev:     stats.StdDev(values),
		Percentiles: models.Percentiles{
			P05: stats.Percentile(values, 5),
			P25: stats.Percentile(values, 25),
			P75: stats.Percentile(values, 75),
			P95: stats.Percentile(values, 95),
		},
		Quality:    stats.Clamp(float64(len(series))/100.0, 0, 1),
		SampleSize: len(series),
		UpdatedAt:  builtAt,
	}
	model.Seasonality = detectSeasonality(series, values)
	model.Trend = detectTrend(series, values)
	return model, true
}

// detectSeasonality compares within-hour-bucket variance to overall variance.
// A low ratio means the hour of day explains much of the spread.
func detectSeasonality(series []models.Metric, values []float64) *models.SeasonalityProfile {
	overall := stats.StdDev(values)
	if overall == 0 {
		return nil
	}

	buckets := make(map[int][]float64)
	for _, m := range series {
		h := m.Timestamp.UTC().Hour()
		buckets[h] = append(buckets[h], m.Value)
	}
	if len(buckets) < 3 {
		return nil
	}

	withinSum, counted := 0.0, 0
	for _, bucket := range buckets {
		if len(bucket) < 2 {
			continue
		}
		withinSum += stats.StdDev(bucket)
		counted++
	}
	if counted == 0 {
		return nil
	}

	strength := stats.Clamp(1-(withinSum/float64(counted))/overall, 0, 1)
	if strength < 0.3 {
		return nil
	}
	return &models.SeasonalityProfile{Period: 24 * time.Hour, Strength: strength}
}

// detectTrend fits a line over the sample timeline; regression fit quality
// becomes the trend strength.
func detectTrend(series []models.Metric, values []float64) *models.TrendProfile {
	xs := make([]float64, len(series))
	base := series[0].Timestamp
	for i, m := range series {
		xs[i] = m.Timestamp.Sub(base).Hours()
	}

	slope, _, r2, ok := stats.LinearRegression(xs, values)
	if !ok || r2 < 0.3 {
		return nil
	}
	return &models.TrendProfile{SlopePerHour: slope, Strength: stats.Clamp(r2, 0, 1)}
}

func describeModel(m *models.DetectionModel) string {
	return fmt.Sprintf("mean=%.2f stddev=%.2f n=%d", m.Mean, m.StdDev, m.SampleSize)
}
