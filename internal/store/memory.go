package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aiopsstack/aiops-engine/internal/models"
)

// MemoryStore keeps all records in process memory. It is the default backend
// and the one used by tests; retention bounds the per-series metric history.
type MemoryStore struct {
	mu        sync.RWMutex
	metrics   map[string][]models.Metric // entity|name -> samples in arrival order
	anomalies []models.Anomaly
	alerts    map[string]models.Alert
	snapshots map[string][]models.PerformanceSnapshot
	insights  map[string]models.PredictiveInsight
	retention int
}

// NewMemoryStore creates a MemoryStore retaining up to retention samples per
// metric series (0 means the default of 10000).
func NewMemoryStore(retention int) *MemoryStore {
	if retention <= 0 {
		retention = 10000
	}
	return &MemoryStore{
		metrics:   make(map[string][]models.Metric),
		alerts:    make(map[string]models.Alert),
		snapshots: make(map[string][]models.PerformanceSnapshot),
		insights:  make(map[string]models.PredictiveInsight),
		retention: retention,
	}
}

func seriesKey(entityID, name string) string {
	return entityID + "|" + name
}

// StoreMetric appends a metric sample to its series.
func (s *MemoryStore) StoreMetric(_ context.Context, m models.Metric) error {
	if m.EntityID == "" || m.Name == "" {
		return fmt.Errorf("store metric: entity id and name are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := seriesKey(m.EntityID, m.Name)
	series := append(s.metrics[key], m)
	if len(series) > s.retention {
		series = series[len(series)-s.retention:]
	}
	s.metrics[key] = series
	return nil
}

// QueryMetrics returns samples matching the filter, ordered by timestamp.
func (s *MemoryStore) QueryMetrics(_ context.Context, f MetricFilter) ([]models.Metric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Metric, 0)
	for _, series := range s.metrics {
		for _, m := range series {
			if f.matches(m) {
				out = append(out, m)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// StoreAnomaly appends an anomaly record.
func (s *MemoryStore) StoreAnomaly(_ context.Context, a models.Anomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anomalies = append(s.anomalies, a)
	return nil
}

// QueryAnomalies returns anomalies matching the filter, oldest first.
func (s *MemoryStore) QueryAnomalies(_ context.Context, f AnomalyFilter) ([]models.Anomaly, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Anomaly, 0)
	for _, a := range s.anomalies {
		if f.matches(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

// StoreAlert inserts or replaces an alert record.
func (s *MemoryStore) StoreAlert(_ context.Context, a models.Alert) error {
	if a.ID == "" {
		return fmt.Errorf("store alert: id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[a.ID] = a
	return nil
}

// UpdateAlert applies a partial update to a stored alert.
func (s *MemoryStore) UpdateAlert(_ context.Context, id string, u AlertUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return fmt.Errorf("update alert %s: %w", id, ErrNotFound)
	}
	applyAlertUpdate(&a, u)
	s.alerts[id] = a
	return nil
}

// QueryAlerts returns alerts matching the filter, oldest first.
func (s *MemoryStore) QueryAlerts(_ context.Context, f AlertFilter) ([]models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Alert, 0)
	for _, a := range s.alerts {
		if f.matches(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// StoreSnapshot appends a performance snapshot for the entity.
func (s *MemoryStore) StoreSnapshot(_ context.Context, snap models.PerformanceSnapshot) error {
	if snap.EntityID == "" {
		return fmt.Errorf("store snapshot: entity id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	history := append(s.snapshots[snap.EntityID], snap)
	if len(history) > s.retention {
		history = history[len(history)-s.retention:]
	}
	s.snapshots[snap.EntityID] = history
	return nil
}

// QuerySnapshots returns an entity's snapshots within the time range.
func (s *MemoryStore) QuerySnapshots(_ context.Context, entityID string, start, end time.Time) ([]models.PerformanceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.PerformanceSnapshot, 0)
	for _, snap := range s.snapshots[entityID] {
		if !start.IsZero() && snap.LastUpdated.Before(start) {
			continue
		}
		if !end.IsZero() && snap.LastUpdated.After(end) {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// StoreInsight inserts or replaces a predictive insight.
func (s *MemoryStore) StoreInsight(_ context.Context, i models.PredictiveInsight) error {
	if i.ID == "" {
		return fmt.Errorf("store insight: id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insights[i.ID] = i
	return nil
}

// QueryInsights returns insights matching the filter. Filters carrying a
// non-zero ActiveAt never return expired insights, even though the records
// remain stored.
func (s *MemoryStore) QueryInsights(_ context.Context, f InsightFilter) ([]models.PredictiveInsight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.PredictiveInsight, 0)
	for _, i := range s.insights {
		if f.matches(i) {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
