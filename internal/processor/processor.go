// Package processor owns the alert lifecycle state machine and the
// notification and escalation policy.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aiopsstack/aiops-engine/internal/bus"
	"github.com/aiopsstack/aiops-engine/internal/config"
	"github.com/aiopsstack/aiops-engine/internal/metrics"
	"github.com/aiopsstack/aiops-engine/internal/models"
	"github.com/aiopsstack/aiops-engine/internal/notify"
	"github.com/aiopsstack/aiops-engine/internal/store"
	"github.com/aiopsstack/aiops-engine/internal/utils"
)

// ErrAlertNotFound signals an operation on an alert outside the working set.
var ErrAlertNotFound = errors.New("alert not found in working set")

// Stats aggregates processing counters. AvgProcessing is a rolling average
// over recent pipeline runs.
type Stats struct {
	Processed     uint64
	Suppressed    uint64
	Escalated     uint64
	AutoResolved  uint64
	Resolved      uint64
	Acknowledged  uint64
	BySeverity    map[models.Severity]uint64
	ByType        map[models.AnomalyType]uint64
	AvgProcessing time.Duration
}

type suppressionState struct {
	until time.Time
	count int
}

// Processor owns the alert and correlation working sets; no other component
// writes to them.
type Processor struct {
	store    store.Store
	notifier *notify.Registry
	bus      bus.Bus
	cfg      config.AlertingConfig
	channels []models.NotificationChannelConfig
	logger   *slog.Logger
	now      func() time.Time

	mu               sync.Mutex
	alerts           map[string]*models.Alert
	correlations     map[string]*models.AlertCorrelation
	promoted         map[string]bool
	lastNotified     map[string]time.Time
	suppressions     map[string]*suppressionState
	suppressionRules []models.SuppressionRule
	escalationRules  []models.EscalationRule
	stats            Stats
	latency          *utils.LatencyTracker
}

// New constructs a Processor. Rules default to the built-in sets; a rules
// file configured in cfg overrides them.
func New(st store.Store, notifier *notify.Registry, b bus.Bus, cfg config.AlertingConfig, channels []models.NotificationChannelConfig, logger *slog.Logger) (*Processor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = 5 * time.Minute
	}
	if cfg.CorrelationWindow <= 0 {
		cfg.CorrelationWindow = 30 * time.Minute
	}
	if cfg.ResolvedRetention <= 0 {
		cfg.ResolvedRetention = 24 * time.Hour
	}
	if cfg.AutoResolveWindow <= 0 {
		cfg.AutoResolveWindow = 5 * time.Minute
	}

	rules, err := loadRules(cfg.RulesPath, logger)
	if err != nil {
		return nil, fmt.Errorf("load alert rules: %w", err)
	}

	return &Processor{
		store:            st,
		notifier:         notifier,
		bus:              b,
		cfg:              cfg,
		channels:         channels,
		logger:           logger,
		now:              time.Now,
		alerts:           make(map[string]*models.Alert),
		correlations:     make(map[string]*models.AlertCorrelation),
		promoted:         make(map[string]bool),
		lastNotified:     make(map[string]time.Time),
		suppressions:     make(map[string]*suppressionState),
		suppressionRules: rules.Suppression,
		escalationRules:  rules.Escalation,
		latency:          utils.NewLatencyTracker(1024),
	}, nil
}

// AlertFromAnomaly converts a detected anomaly into a fresh alert.
func AlertFromAnomaly(a models.Anomaly) models.Alert {
	return models.Alert{
		ID:          uuid.NewString(),
		EntityID:    a.EntityID,
		EntityKind:  a.EntityKind,
		Type:        a.Type,
		Severity:    a.Severity,
		Description: a.Description,
		State:       models.AlertProcessing,
		CreatedAt:   a.DetectedAt,
		Context:     anomalyContext(a),
	}
}

func anomalyContext(a models.Anomaly) map[string]string {
	ctx := map[string]string{
		"anomaly_id":    a.ID,
		"anomaly_score": strconv.FormatFloat(a.Score, 'f', 3, 64),
	}
	for name, value := range a.SupportingMetrics {
		ctx["metric:"+name] = strconv.FormatFloat(value, 'f', 3, 64)
	}
	return ctx
}

// Process runs the full alert pipeline: suppression, enrichment,
// correlation, routing, auto-resolution and statistics. It returns the alert
// in its post-pipeline state.
func (p *Processor) Process(ctx context.Context, alert models.Alert) (models.Alert, error) {
	start := p.now()
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = start.UTC()
	}
	alert.State = models.AlertProcessing

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.suppressLocked(ctx, &alert) {
		p.finishLocked(&alert, start)
		return alert, nil
	}

	p.enrichLocked(ctx, &alert)
	p.correlateLocked(&alert)
	p.routeLocked(ctx, &alert)

	if p.conditionCleared(ctx, &alert) {
		now := p.now().UTC()
		alert.State = models.AlertResolved
		alert.ResolvedAt = &now
		alert.Resolution = "auto-resolved: condition no longer observable in current metric window"
		alert.ActionsTaken = append(alert.ActionsTaken, models.AlertAction{
			Time: now, Action: "auto-resolve", Note: alert.Resolution,
		})
		p.stats.AutoResolved++
		p.bus.Publish(bus.Event{Type: bus.EventAlertAutoResolved, EntityID: alert.EntityID, Payload: alert})
	} else {
		alert.State = models.AlertActive
	}

	p.finishLocked(&alert, start)
	return alert, nil
}

func (p *Processor) finishLocked(alert *models.Alert, start time.Time) {
	copied := *alert
	p.alerts[alert.ID] = &copied

	if err := p.store.StoreAlert(context.Background(), copied); err != nil {
		p.logger.Warn("store alert failed", slog.String("alert", alert.ID), slog.Any("error", err))
	}

	elapsed := p.now().Sub(start)
	p.latency.Observe(elapsed)
	metrics.ObserveProcessing(elapsed)
	metrics.IncAlertState(string(alert.State))

	p.stats.Processed++
	if p.stats.BySeverity == nil {
		p.stats.BySeverity = make(map[models.Severity]uint64)
	}
	if p.stats.ByType == nil {
		p.stats.ByType = make(map[models.AnomalyType]uint64)
	}
	p.stats.BySeverity[alert.Severity]++
	p.stats.ByType[alert.Type]++

	p.bus.Publish(bus.Event{Type: bus.EventAlertProcessed, EntityID: alert.EntityID, Payload: copied})
}

// suppressLocked applies the suppression rules. Window decides whether the
// alert is a duplicate of a recent one; Duration keeps the suppression in
// force afterwards, capped at the rule's maximum count.
func (p *Processor) suppressLocked(_ context.Context, alert *models.Alert) bool {
	rule := p.matchSuppressionRule(alert.Type)
	if rule == nil {
		return false
	}

	now := p.now().UTC()
	key := alert.EntityID + "|" + string(alert.Type)

	if state, ok := p.suppressions[key]; ok && now.Before(state.until) {
		if state.count < rule.MaxSuppressions {
			state.count++
			p.markSuppressed(alert, now, fmt.Sprintf("suppression active until %s (%d/%d)", state.until.Format(time.RFC3339), state.count, rule.MaxSuppressions))
			return true
		}
		return false
	}

	if p.hasRecentDuplicateLocked(alert, rule.Window, now) {
		p.suppressions[key] = &suppressionState{until: now.Add(rule.Duration), count: 1}
		p.markSuppressed(alert, now, fmt.Sprintf("duplicate within %s window, suppressing for %s", rule.Window, rule.Duration))
		return true
	}
	return false
}

func (p *Processor) markSuppressed(alert *models.Alert, now time.Time, note string) {
	alert.State = models.AlertSuppressed
	alert.ActionsTaken = append(alert.ActionsTaken, models.AlertAction{Time: now, Action: "suppress", Note: note})
	p.stats.Suppressed++
	p.bus.Publish(bus.Event{Type: bus.EventAlertSuppressed, EntityID: alert.EntityID, Payload: *alert})
}

// matchSuppressionRule prefers rules scoped to the alert's type. A
// catch-all rule (no alert_types) applies only when no scoped rule
// matches, so file order cannot shadow a type-specific policy.
func (p *Processor) matchSuppressionRule(t models.AnomalyType) *models.SuppressionRule {
	var catchAll *models.SuppressionRule
	for i := range p.suppressionRules {
		rule := &p.suppressionRules[i]
		if !rule.Matches(t) {
			continue
		}
		if len(rule.AlertTypes) > 0 {
			return rule
		}
		if catchAll == nil {
			catchAll = rule
		}
	}
	return catchAll
}

func (p *Processor) hasRecentDuplicateLocked(alert *models.Alert, window time.Duration, now time.Time) bool {
	for _, existing := range p.alerts {
		if existing.ID == alert.ID {
			continue
		}
		if existing.EntityID != alert.EntityID || existing.Type != alert.Type {
			continue
		}
		if !existing.Open() {
			continue
		}
		if now.Sub(existing.CreatedAt) <= window {
			return true
		}
	}
	return false
}

// enrichLocked attaches entity and historical context. Best effort: failures
// degrade gracefully to the unenriched alert.
func (p *Processor) enrichLocked(ctx context.Context, alert *models.Alert) {
	if alert.Context == nil {
		alert.Context = make(map[string]string)
	}

	now := p.now().UTC()
	snapshots, err := p.store.QuerySnapshots(ctx, alert.EntityID, now.Add(-time.Hour), now)
	if err != nil {
		p.logger.Debug("enrichment snapshot query failed", slog.String("alert", alert.ID), slog.Any("error", err))
	} else if len(snapshots) > 0 {
		latest := snapshots[len(snapshots)-1]
		alert.Context["entity_avg_latency"] = strconv.FormatFloat(latest.AvgLatency, 'f', 1, 64)
		alert.Context["entity_error_rate"] = strconv.FormatFloat(latest.ErrorRate, 'f', 3, 64)
		alert.Context["entity_throughput"] = strconv.FormatFloat(latest.Throughput, 'f', 1, 64)
	}

	history, err := p.store.QueryAlerts(ctx, store.AlertFilter{EntityID: alert.EntityID, Start: now.Add(-24 * time.Hour)})
	if err != nil {
		p.logger.Debug("enrichment history query failed", slog.String("alert", alert.ID), slog.Any("error", err))
	} else {
		alert.Context["alerts_last_24h"] = strconv.Itoa(len(history))
	}
}

// correlateLocked links the alert to other open alerts sharing the entity,
// or sharing type and severity within the correlation window.
func (p *Processor) correlateLocked(alert *models.Alert) {
	for _, existing := range p.alerts {
		if existing.ID == alert.ID || !existing.Open() {
			continue
		}
		sameEntity := existing.EntityID == alert.EntityID
		delta := alert.CreatedAt.Sub(existing.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		sameShape := existing.Type == alert.Type && existing.Severity == alert.Severity && delta <= p.cfg.CorrelationWindow
		if !sameEntity && !sameShape {
			continue
		}
		alert.CorrelatedAlerts = appendUnique(alert.CorrelatedAlerts, existing.ID)
		existing.CorrelatedAlerts = appendUnique(existing.CorrelatedAlerts, alert.ID)
	}
}

// routeLocked dispatches the alert to each eligible notification channel,
// honouring per-(channel,entity) cooldowns. Dispatch failures are logged.
func (p *Processor) routeLocked(ctx context.Context, alert *models.Alert) {
	now := p.now().UTC()
	for _, channel := range p.channels {
		if !channel.Enabled {
			continue
		}
		if !channel.Accepts(alert.Severity) {
			continue
		}
		cooldown := channel.Cooldown
		if cooldown <= 0 {
			cooldown = p.cfg.DefaultCooldown
		}
		key := channel.Name + "|" + alert.EntityID
		if last, ok := p.lastNotified[key]; ok && now.Sub(last) < cooldown {
			continue
		}

		if err := p.notifier.Send(ctx, channel, *alert, ""); err != nil {
			p.logger.Warn("notification dispatch failed",
				slog.String("channel", channel.Name),
				slog.String("alert", alert.ID),
				slog.Any("error", err))
			metrics.IncNotification(channel.Name, metrics.OutcomeError)
			continue
		}
		metrics.IncNotification(channel.Name, metrics.OutcomeSuccess)
		p.lastNotified[key] = now
		alert.ActionsTaken = append(alert.ActionsTaken, models.AlertAction{
			Time: now, Action: "notify", Note: "channel " + channel.Name,
		})
	}
}

// conditionCleared reports whether the condition that raised the alert is no
// longer observable in the current metric window.
func (p *Processor) conditionCleared(ctx context.Context, alert *models.Alert) bool {
	now := p.now().UTC()
	window, err := p.store.QueryMetrics(ctx, store.MetricFilter{
		EntityID: alert.EntityID,
		Start:    now.Add(-p.cfg.AutoResolveWindow),
		End:      now,
	})
	if err != nil {
		p.logger.Debug("auto-resolve query failed", slog.String("alert", alert.ID), slog.Any("error", err))
		return false
	}

	raising := raisingValues(alert)
	if len(raising) == 0 {
		return false
	}

	latest := make(map[string]models.Metric)
	for _, m := range window {
		cur, ok := latest[m.Name]
		if !ok || m.Timestamp.After(cur.Timestamp) {
			latest[m.Name] = m
		}
	}

	for name, raised := range raising {
		m, ok := latest[name]
		if !ok {
			// The raising signal vanished from the window entirely.
			continue
		}
		if stillExtreme(alert.Type, m.Value, raised) {
			return false
		}
	}
	return true
}

// raisingValues recovers the supporting metric values recorded at raise time
// from the alert context.
func raisingValues(alert *models.Alert) map[string]float64 {
	out := make(map[string]float64)
	for key, raw := range alert.Context {
		if len(key) <= 7 || key[:7] != "metric:" {
			continue
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		out[key[7:]] = value
	}
	return out
}

// stillExtreme reports whether the current value remains close to (or beyond)
// the value that raised the alert, in the direction that matters for the
// alert type.
func stillExtreme(t models.AnomalyType, current, raised float64) bool {
	switch t {
	case models.AnomalyAccuracyDrop, models.AnomalyThroughputDrop:
		// Lower is worse; cleared once the value recovers above the raise point.
		return current <= raised*1.1
	default:
		// Higher is worse.
		return current >= raised*0.9
	}
}

// Stats returns a copy of the current processing statistics.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := p.stats
	out.AvgProcessing = p.latency.Average()
	out.BySeverity = make(map[models.Severity]uint64, len(p.stats.BySeverity))
	for k, v := range p.stats.BySeverity {
		out.BySeverity[k] = v
	}
	out.ByType = make(map[models.AnomalyType]uint64, len(p.stats.ByType))
	for k, v := range p.stats.ByType {
		out.ByType[k] = v
	}
	return out
}

// Alert returns a copy of a working-set alert.
func (p *Processor) Alert(id string) (models.Alert, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.alerts[id]
	if !ok {
		return models.Alert{}, false
	}
	return *a, true
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
