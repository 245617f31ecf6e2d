// Package store defines the persistence contract consumed by the engine
// components, plus the in-memory and Redis-backed implementations.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/aiopsstack/aiops-engine/internal/models"
)

// ErrNotFound signals that a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// MetricFilter narrows metric queries. Zero fields match everything.
type MetricFilter struct {
	EntityID string
	Name     string
	Start    time.Time
	End      time.Time
	Limit    int
}

// AnomalyFilter narrows anomaly queries.
type AnomalyFilter struct {
	EntityID string
	Type     models.AnomalyType
	Start    time.Time
	End      time.Time
}

// AlertFilter narrows alert queries.
type AlertFilter struct {
	EntityID string
	States   []models.AlertState
	Start    time.Time
	End      time.Time
}

// InsightFilter narrows insight queries. A non-zero ActiveAt excludes
// insights expired at that instant.
type InsightFilter struct {
	EntityID string
	Type     models.InsightType
	ActiveAt time.Time
}

// AlertUpdate carries the mutable alert fields applied by UpdateAlert.
// Nil pointers leave the stored value untouched.
type AlertUpdate struct {
	State           *models.AlertState
	AcknowledgedAt  *time.Time
	AcknowledgedBy  *string
	ResolvedAt      *time.Time
	Resolution      *string
	EscalatedAt     *time.Time
	EscalationLevel *int
	Actions         []models.AlertAction
}

// Store is the durable record behind the in-memory working sets. The engine
// treats every call as a suspension point and abandons the unit of work on
// failure; it never retries.
type Store interface {
	StoreMetric(ctx context.Context, m models.Metric) error
	QueryMetrics(ctx context.Context, f MetricFilter) ([]models.Metric, error)

	StoreAnomaly(ctx context.Context, a models.Anomaly) error
	QueryAnomalies(ctx context.Context, f AnomalyFilter) ([]models.Anomaly, error)

	StoreAlert(ctx context.Context, a models.Alert) error
	UpdateAlert(ctx context.Context, id string, u AlertUpdate) error
	QueryAlerts(ctx context.Context, f AlertFilter) ([]models.Alert, error)

	StoreSnapshot(ctx context.Context, s models.PerformanceSnapshot) error
	QuerySnapshots(ctx context.Context, entityID string, start, end time.Time) ([]models.PerformanceSnapshot, error)

	StoreInsight(ctx context.Context, i models.PredictiveInsight) error
	QueryInsights(ctx context.Context, f InsightFilter) ([]models.PredictiveInsight, error)
}

func applyAlertUpdate(a *models.Alert, u AlertUpdate) {
	if u.State != nil {
		a.State = *u.State
	}
	if u.AcknowledgedAt != nil {
		a.AcknowledgedAt = u.AcknowledgedAt
	}
	if u.AcknowledgedBy != nil {
		a.AcknowledgedBy = *u.AcknowledgedBy
	}
	if u.ResolvedAt != nil {
		a.ResolvedAt = u.ResolvedAt
	}
	if u.Resolution != nil {
		a.Resolution = *u.Resolution
	}
	if u.EscalatedAt != nil {
		a.EscalatedAt = u.EscalatedAt
	}
	if u.EscalationLevel != nil {
		a.EscalationLevel = *u.EscalationLevel
	}
	if len(u.Actions) > 0 {
		a.ActionsTaken = append(a.ActionsTaken, u.Actions...)
	}
}

func (f MetricFilter) matches(m models.Metric) bool {
	if f.EntityID != "" && m.EntityID != f.EntityID {
		return false
	}
	if f.Name != "" && m.Name != f.Name {
		return false
	}
	if !f.Start.IsZero() && m.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && m.Timestamp.After(f.End) {
		return false
	}
	return true
}

func (f AnomalyFilter) matches(a models.Anomaly) bool {
	if f.EntityID != "" && a.EntityID != f.EntityID {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if !f.Start.IsZero() && a.DetectedAt.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && a.DetectedAt.After(f.End) {
		return false
	}
	return true
}

func (f AlertFilter) matches(a models.Alert) bool {
	if f.EntityID != "" && a.EntityID != f.EntityID {
		return false
	}
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if a.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Start.IsZero() && a.CreatedAt.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && a.CreatedAt.After(f.End) {
		return false
	}
	return true
}

func sortMetricsByTime(ms []models.Metric) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].Timestamp.Before(ms[j].Timestamp) })
}

func sortAlertsByTime(as []models.Alert) {
	sort.Slice(as, func(i, j int) bool { return as[i].CreatedAt.Before(as[j].CreatedAt) })
}

func sortInsightsByTime(is []models.PredictiveInsight) {
	sort.Slice(is, func(i, j int) bool { return is[i].CreatedAt.Before(is[j].CreatedAt) })
}

func (f InsightFilter) matches(i models.PredictiveInsight) bool {
	if f.EntityID != "" && i.EntityID != f.EntityID {
		return false
	}
	if f.Type != "" && i.Type != f.Type {
		return false
	}
	if !f.ActiveAt.IsZero() && !i.Active(f.ActiveAt) {
		return false
	}
	return true
}
