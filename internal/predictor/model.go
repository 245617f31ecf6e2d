package predictor

import (
	"math"
	"strings"
	"time"

	"github.com/aiopsstack/aiops-engine/internal/models"
	"github.com/aiopsstack/aiops-engine/internal/stats"
)

// Minimum sample counts per model family. An entity below the minimum gets
// no model of that family, which silently disables the analyses that need it.
const (
	minForecastSamples = 50
	minCapacitySamples = 20
	minCostSamples     = 10
)

// forecastModel captures the trend of an entity's primary performance
// metric over the history window. Slope is in metric units per hour.
type forecastModel struct {
	entityID   string
	metricName string
	metricKind models.MetricKind
	slope      float64
	level      float64
	r2         float64
	residual   float64
	sampleSize int
	builtAt    time.Time
}

// capacityModel tracks one resource metric against its fixed capacity
// threshold. Growth is in utilization points per hour.
type capacityModel struct {
	entityID   string
	metricName string
	current    float64
	peak       float64
	growth     float64
	residual   float64
	threshold  float64
	sampleSize int
	builtAt    time.Time
}

// bandWidth approximates a 95% confidence band from the fit residual.
func bandWidth(model *capacityModel) float64 {
	return 2 * model.residual
}

// costModel summarizes an entity's cost series. Trend is in cost units
// per hour of elapsed time.
type costModel struct {
	entityID   string
	hourlyCost float64
	trend      float64
	sampleSize int
	builtAt    time.Time
}

// capacityThreshold returns the fixed utilization ceiling for a resource
// metric, by name fragment.
func capacityThreshold(name string) float64 {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "cpu"):
		return 80
	case strings.Contains(lower, "gpu"):
		return 90
	case strings.Contains(lower, "memory"):
		return 85
	case strings.Contains(lower, "disk"):
		return 85
	default:
		return 85
	}
}

// regress fits value against hours-since-first-sample. The series must be
// time ordered.
func regress(series []models.Metric) (slope, intercept, r2, residual float64, ok bool) {
	if len(series) < 2 {
		return 0, 0, 0, 0, false
	}
	origin := series[0].Timestamp
	xs := make([]float64, len(series))
	ys := make([]float64, len(series))
	for i, m := range series {
		xs[i] = m.Timestamp.Sub(origin).Hours()
		ys[i] = m.Value
	}
	slope, intercept, r2, ok = stats.LinearRegression(xs, ys)
	if !ok {
		return 0, 0, 0, 0, false
	}
	var sum float64
	for i := range xs {
		diff := ys[i] - (slope*xs[i] + intercept)
		sum += diff * diff
	}
	residual = math.Sqrt(sum / float64(len(xs)))
	return slope, intercept, r2, residual, true
}

func buildForecastModel(entityID string, series []models.Metric, builtAt time.Time) (*forecastModel, bool) {
	if len(series) < minForecastSamples {
		return nil, false
	}
	slope, intercept, r2, residual, ok := regress(series)
	if !ok {
		return nil, false
	}
	level := intercept + slope*builtAt.Sub(series[0].Timestamp).Hours()
	return &forecastModel{
		entityID:   entityID,
		metricName: series[0].Name,
		metricKind: series[0].Kind,
		slope:      slope,
		level:      level,
		r2:         r2,
		residual:   residual,
		sampleSize: len(series),
		builtAt:    builtAt,
	}, true
}

func buildCapacityModel(entityID, metricName string, series []models.Metric, builtAt time.Time) (*capacityModel, bool) {
	if len(series) < minCapacitySamples {
		return nil, false
	}
	slope, _, _, residual, ok := regress(series)
	if !ok {
		return nil, false
	}
	peak := series[0].Value
	for _, m := range series {
		if m.Value > peak {
			peak = m.Value
		}
	}
	return &capacityModel{
		entityID:   entityID,
		metricName: metricName,
		current:    series[len(series)-1].Value,
		peak:       peak,
		growth:     slope,
		residual:   residual,
		threshold:  capacityThreshold(metricName),
		sampleSize: len(series),
		builtAt:    builtAt,
	}, true
}

func buildCostModel(entityID string, series []models.Metric, builtAt time.Time) (*costModel, bool) {
	if len(series) < minCostSamples {
		return nil, false
	}
	slope, _, _, _, ok := regress(series)
	if !ok {
		return nil, false
	}
	values := make([]float64, len(series))
	for i, m := range series {
		values[i] = m.Value
	}
	return &costModel{
		entityID:   entityID,
		hourlyCost: stats.Mean(values),
		trend:      slope,
		sampleSize: len(series),
		builtAt:    builtAt,
	}, true
}
