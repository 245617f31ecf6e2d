package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful notification dispatches.
	OutcomeSuccess = "success"
	// OutcomeError labels failed notification dispatches.
	OutcomeError = "error"
)

var (
	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aiops",
			Name:      "anomalies_total",
			Help:      "Total anomalies raised, partitioned by severity.",
		},
		[]string{"severity"},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aiops",
			Name:      "alerts_total",
			Help:      "Alert lifecycle transitions, partitioned by resulting state.",
		},
		[]string{"state"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aiops",
			Name:      "notifications_total",
			Help:      "Notification dispatches, partitioned by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)

	insightsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aiops",
			Name:      "insights_total",
			Help:      "Predictive insights generated, partitioned by type.",
		},
		[]string{"type"},
	)

	alertProcessingSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "aiops",
			Name:      "alert_processing_seconds",
			Help:      "Alert processing pipeline latency in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)

	taskDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aiops",
			Name:      "task_seconds",
			Help:      "Periodic task run duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"task"},
	)

	taskSkipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aiops",
			Name:      "task_skips_total",
			Help:      "Periodic task ticks skipped because the previous run was still active.",
		},
		[]string{"task"},
	)
)

// Register attaches aiops collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		anomaliesTotal,
		alertsTotal,
		notificationsTotal,
		insightsTotal,
		alertProcessingSeconds,
		taskDurationSeconds,
		taskSkipsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// IncAnomaly counts one raised anomaly.
func IncAnomaly(severity string) {
	anomaliesTotal.WithLabelValues(severity).Inc()
}

// IncAlertState counts one lifecycle transition into the given state.
func IncAlertState(state string) {
	alertsTotal.WithLabelValues(state).Inc()
}

// IncNotification counts one notification dispatch attempt.
func IncNotification(channel, outcome string) {
	notificationsTotal.WithLabelValues(channel, outcome).Inc()
}

// IncInsight counts one generated insight.
func IncInsight(insightType string) {
	insightsTotal.WithLabelValues(insightType).Inc()
}

// ObserveProcessing records one alert pipeline latency sample.
func ObserveProcessing(d time.Duration) {
	if d < 0 {
		d = 0
	}
	alertProcessingSeconds.Observe(d.Seconds())
}

// ObserveTask records one periodic task run duration.
func ObserveTask(task string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	taskDurationSeconds.WithLabelValues(task).Observe(d.Seconds())
}

// TaskSkipped counts one skipped tick for the task.
func TaskSkipped(task string) {
	taskSkipsTotal.WithLabelValues(task).Inc()
}
