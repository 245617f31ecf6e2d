package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aiopsstack/aiops-engine/internal/bus"
	"github.com/aiopsstack/aiops-engine/internal/metrics"
	"github.com/aiopsstack/aiops-engine/internal/models"
	"github.com/aiopsstack/aiops-engine/internal/store"
	"github.com/aiopsstack/aiops-engine/internal/utils"
)

// Acknowledge transitions an active alert to acknowledged.
func (p *Processor) Acknowledge(ctx context.Context, id, actor, note string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	alert, ok := p.alerts[id]
	if !ok {
		return fmt.Errorf("acknowledge %s: %w", id, ErrAlertNotFound)
	}
	if alert.State != models.AlertActive {
		return utils.NewAppError("acknowledge", fmt.Sprintf("alert %s is %s, not active", id, alert.State), nil)
	}

	now := p.now().UTC()
	alert.State = models.AlertAcknowledged
	alert.AcknowledgedAt = &now
	alert.AcknowledgedBy = actor
	alert.ActionsTaken = append(alert.ActionsTaken, models.AlertAction{Time: now, Action: "acknowledge", Actor: actor, Note: note})

	p.persistLocked(ctx, alert)
	p.stats.Acknowledged++
	metrics.IncAlertState(string(models.AlertAcknowledged))
	p.bus.Publish(bus.Event{Type: bus.EventAlertAcknowledged, EntityID: alert.EntityID, Payload: *alert})
	return nil
}

// Resolve transitions an alert to resolved and cascades the resolution to
// correlated alerts sharing the same entity and type.
func (p *Processor) Resolve(ctx context.Context, id, actor, resolution string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	alert, ok := p.alerts[id]
	if !ok {
		return fmt.Errorf("resolve %s: %w", id, ErrAlertNotFound)
	}
	if alert.State == models.AlertResolved || alert.State == models.AlertSuppressed {
		return utils.NewAppError("resolve", fmt.Sprintf("alert %s is already %s", id, alert.State), nil)
	}

	now := p.now().UTC()
	alert.State = models.AlertResolved
	alert.ResolvedAt = &now
	alert.Resolution = resolution
	alert.ActionsTaken = append(alert.ActionsTaken, models.AlertAction{Time: now, Action: "resolve", Actor: actor, Note: resolution})

	p.persistLocked(ctx, alert)
	p.stats.Resolved++
	metrics.IncAlertState(string(models.AlertResolved))
	p.bus.Publish(bus.Event{Type: bus.EventAlertResolved, EntityID: alert.EntityID, Payload: *alert})

	p.cascadeLocked(ctx, alert, now)
	return nil
}

// cascadeLocked auto-resolves correlated alerts sharing the triggering
// alert's entity and type, and no others.
func (p *Processor) cascadeLocked(ctx context.Context, trigger *models.Alert, now time.Time) {
	for _, cid := range trigger.CorrelatedAlerts {
		correlated, ok := p.alerts[cid]
		if !ok || !correlated.Open() {
			continue
		}
		if correlated.EntityID != trigger.EntityID || correlated.Type != trigger.Type {
			continue
		}

		note := fmt.Sprintf("auto-resolved: correlated alert %s was resolved", trigger.ID)
		correlated.State = models.AlertResolved
		resolvedAt := now
		correlated.ResolvedAt = &resolvedAt
		correlated.Resolution = note
		correlated.ActionsTaken = append(correlated.ActionsTaken, models.AlertAction{Time: now, Action: "auto-resolve", Note: note})

		p.persistLocked(ctx, correlated)
		p.stats.AutoResolved++
		metrics.IncAlertState(string(models.AlertResolved))
		p.bus.Publish(bus.Event{Type: bus.EventAlertAutoResolved, EntityID: correlated.EntityID, Payload: *correlated})
	}
}

// Escalate raises the alert's escalation level and notifies the matching
// rule's targets. It never changes lifecycle state.
func (p *Processor) Escalate(ctx context.Context, id, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	alert, ok := p.alerts[id]
	if !ok {
		return fmt.Errorf("escalate %s: %w", id, ErrAlertNotFound)
	}
	rule := p.matchEscalationRule(alert.Severity, alert.Type)
	if rule != nil && alert.EscalationLevel >= rule.MaxEscalations {
		return utils.NewAppError("escalate", fmt.Sprintf("alert %s is already at maximum level %d", id, rule.MaxEscalations), nil)
	}
	p.escalateLocked(ctx, alert, rule, reason)
	return nil
}

func (p *Processor) escalateLocked(ctx context.Context, alert *models.Alert, rule *models.EscalationRule, reason string) {
	now := p.now().UTC()
	alert.EscalationLevel++
	alert.EscalatedAt = &now
	alert.ActionsTaken = append(alert.ActionsTaken, models.AlertAction{
		Time: now, Action: "escalate",
		Note: fmt.Sprintf("level %d: %s", alert.EscalationLevel, reason),
	})

	if rule != nil {
		for _, target := range rule.Targets {
			channel, ok := p.channelByName(target)
			if !ok {
				p.logger.Warn("escalation target has no channel", slog.String("target", target))
				continue
			}
			if err := p.notifier.Send(ctx, channel, *alert, "escalation: "+reason); err != nil {
				p.logger.Warn("escalation notification failed",
					slog.String("channel", channel.Name),
					slog.String("alert", alert.ID),
					slog.Any("error", err))
				metrics.IncNotification(channel.Name, metrics.OutcomeError)
				continue
			}
			metrics.IncNotification(channel.Name, metrics.OutcomeSuccess)
		}
	}

	p.persistLocked(ctx, alert)
	p.stats.Escalated++
	p.bus.Publish(bus.Event{Type: bus.EventAlertEscalated, EntityID: alert.EntityID, Payload: *alert})
}

// CheckEscalations is the periodic escalation tick: every active,
// unacknowledged alert is matched against the first applicable rule and
// escalated when it has stayed unacknowledged beyond the rule's duration and
// below the rule's maximum level.
func (p *Processor) CheckEscalations(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now().UTC()
	for _, alert := range p.alerts {
		if alert.State != models.AlertActive || alert.AcknowledgedAt != nil {
			continue
		}
		rule := p.matchEscalationRule(alert.Severity, alert.Type)
		if rule == nil {
			continue
		}
		if alert.EscalationLevel >= rule.MaxEscalations {
			continue
		}
		since := alert.CreatedAt
		if alert.EscalatedAt != nil {
			since = *alert.EscalatedAt
		}
		if now.Sub(since) < rule.After {
			continue
		}
		p.escalateLocked(ctx, alert, rule, fmt.Sprintf("unacknowledged for %s", now.Sub(alert.CreatedAt).Round(time.Second)))
	}
}

func (p *Processor) matchEscalationRule(severity models.Severity, t models.AnomalyType) *models.EscalationRule {
	for i := range p.escalationRules {
		if p.escalationRules[i].Matches(severity, t) {
			return &p.escalationRules[i]
		}
	}
	return nil
}

func (p *Processor) channelByName(name string) (models.NotificationChannelConfig, bool) {
	for _, channel := range p.channels {
		if channel.Name == name {
			return channel, true
		}
	}
	return models.NotificationChannelConfig{}, false
}

// SweepCorrelations promotes alerts that accumulated more than two
// correlated alerts into formal correlation records.
func (p *Processor) SweepCorrelations(_ context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now().UTC()
	for id, alert := range p.alerts {
		if p.promoted[id] || len(alert.CorrelatedAlerts) <= 2 {
			continue
		}

		correlation := &models.AlertCorrelation{
			ID:               uuid.NewString(),
			PrimaryAlertID:   id,
			CorrelatedAlerts: append([]string(nil), alert.CorrelatedAlerts...),
			CorrelationType:  correlationType(alert, p.alerts),
			Strength:         correlationStrength(len(alert.CorrelatedAlerts)),
			CreatedAt:        now,
		}
		p.correlations[correlation.ID] = correlation
		p.promoted[id] = true
		p.bus.Publish(bus.Event{Type: bus.EventAlertCorrelationCreated, EntityID: alert.EntityID, Payload: *correlation})
	}
}

func correlationType(primary *models.Alert, all map[string]*models.Alert) string {
	for _, cid := range primary.CorrelatedAlerts {
		if other, ok := all[cid]; ok && other.EntityID == primary.EntityID {
			return "same_entity"
		}
	}
	return "same_type_severity"
}

func correlationStrength(count int) float64 {
	strength := float64(count) / 5.0
	if strength > 1 {
		strength = 1
	}
	return strength
}

// Cleanup evicts resolved and suppressed alerts past the retention period,
// and stale correlations, from the working set. The store remains the
// durable record.
func (p *Processor) Cleanup(_ context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now().UTC()
	for id, alert := range p.alerts {
		var reference time.Time
		switch alert.State {
		case models.AlertResolved:
			if alert.ResolvedAt != nil {
				reference = *alert.ResolvedAt
			}
		case models.AlertSuppressed:
			reference = alert.CreatedAt
		default:
			continue
		}
		if reference.IsZero() || now.Sub(reference) > p.cfg.ResolvedRetention {
			delete(p.alerts, id)
			delete(p.promoted, id)
		}
	}

	for id, correlation := range p.correlations {
		if now.Sub(correlation.CreatedAt) > p.cfg.ResolvedRetention {
			delete(p.correlations, id)
		}
	}

	for key, state := range p.suppressions {
		if now.After(state.until) {
			delete(p.suppressions, key)
		}
	}
}

// Correlations returns copies of the formal correlation records.
func (p *Processor) Correlations() []models.AlertCorrelation {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]models.AlertCorrelation, 0, len(p.correlations))
	for _, c := range p.correlations {
		out = append(out, *c)
	}
	return out
}

func (p *Processor) persistLocked(ctx context.Context, alert *models.Alert) {
	state := alert.State
	update := store.AlertUpdate{
		State:           &state,
		AcknowledgedAt:  alert.AcknowledgedAt,
		ResolvedAt:      alert.ResolvedAt,
		EscalatedAt:     alert.EscalatedAt,
		EscalationLevel: &alert.EscalationLevel,
	}
	if alert.AcknowledgedBy != "" {
		update.AcknowledgedBy = &alert.AcknowledgedBy
	}
	if alert.Resolution != "" {
		update.Resolution = &alert.Resolution
	}
	if err := p.store.UpdateAlert(ctx, alert.ID, update); err != nil {
		p.logger.Warn("persist alert update failed", slog.String("alert", alert.ID), slog.Any("error", err))
	}
}
