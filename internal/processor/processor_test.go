package processor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aiopsstack/aiops-engine/internal/bus"
	"github.com/aiopsstack/aiops-engine/internal/config"
	"github.com/aiopsstack/aiops-engine/internal/models"
	"github.com/aiopsstack/aiops-engine/internal/notify"
	"github.com/aiopsstack/aiops-engine/internal/store"
)

type fixture struct {
	p   *Processor
	st  *store.MemoryStore
	bus *bus.ChannelBus
	now time.Time
}

func newFixture(t *testing.T, channels []models.NotificationChannelConfig) *fixture {
	t.Helper()
	st := store.NewMemoryStore(0)
	b := bus.NewChannelBus(256)
	p, err := New(st, notify.NewRegistry(nil), b, config.AlertingConfig{}, channels, nil)
	require.NoError(t, err)

	f := &fixture{p: p, st: st, bus: b, now: time.Now().UTC()}
	p.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func newAlert(entity string, t models.AnomalyType, severity models.Severity) models.Alert {
	return models.Alert{
		EntityID:    entity,
		EntityKind:  models.EntityAgent,
		Type:        t,
		Severity:    severity,
		Description: "test alert",
	}
}

func TestProcessActivatesFreshAlert(t *testing.T) {
	f := newFixture(t, nil)

	got, err := f.p.Process(context.Background(), newAlert("agent-1", models.AnomalyLatencyIncrease, models.SeverityHigh))
	require.NoError(t, err)
	require.Equal(t, models.AlertActive, got.State)
	require.NotEmpty(t, got.ID)
	require.Equal(t, "0", got.Context["alerts_last_24h"], "enrichment runs before the alert itself is stored")

	stored, err := f.st.QueryAlerts(context.Background(), store.AlertFilter{EntityID: "agent-1"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestDuplicateWithinWindowIsSuppressed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.p.Process(ctx, newAlert("agent-1", models.AnomalyLatencyIncrease, models.SeverityHigh))
	require.NoError(t, err)
	require.Equal(t, models.AlertActive, first.State)

	f.advance(2 * time.Minute)
	second, err := f.p.Process(ctx, newAlert("agent-1", models.AnomalyLatencyIncrease, models.SeverityHigh))
	require.NoError(t, err)
	require.Equal(t, models.AlertSuppressed, second.State, "exactly one alert stays active, the duplicate is suppressed")

	stats := f.p.Stats()
	require.Equal(t, uint64(1), stats.Suppressed)
	require.Equal(t, uint64(2), stats.Processed)
}

func TestTypeScopedSuppressionRulePrecedence(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Catch-all listed first; the scoped rule must still win for its type.
	f.p.suppressionRules = []models.SuppressionRule{
		{ID: "default-duplicate", Window: 5 * time.Minute, Duration: 30 * time.Minute, MaxSuppressions: 5},
		{ID: "resource-spike-burst", AlertTypes: []models.AnomalyType{models.AnomalyResourceSpike},
			Window: 2 * time.Minute, Duration: 15 * time.Minute, MaxSuppressions: 10},
	}

	_, err := f.p.Process(ctx, newAlert("agent-1", models.AnomalyResourceSpike, models.SeverityHigh))
	require.NoError(t, err)

	// 4m apart is outside the scoped 2m window but inside the catch-all 5m.
	f.advance(4 * time.Minute)
	got, err := f.p.Process(ctx, newAlert("agent-1", models.AnomalyResourceSpike, models.SeverityHigh))
	require.NoError(t, err)
	require.Equal(t, models.AlertActive, got.State, "resource spikes follow the scoped 2m window")

	f.advance(time.Minute)
	dup, err := f.p.Process(ctx, newAlert("agent-1", models.AnomalyResourceSpike, models.SeverityHigh))
	require.NoError(t, err)
	require.Equal(t, models.AlertSuppressed, dup.State, "duplicates inside the scoped window still suppress")

	// Other types keep the catch-all policy.
	_, err = f.p.Process(ctx, newAlert("agent-2", models.AnomalyLatencyIncrease, models.SeverityHigh))
	require.NoError(t, err)
	f.advance(4 * time.Minute)
	other, err := f.p.Process(ctx, newAlert("agent-2", models.AnomalyLatencyIncrease, models.SeverityHigh))
	require.NoError(t, err)
	require.Equal(t, models.AlertSuppressed, other.State)
}

func TestSuppressionCountCap(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.p.Process(ctx, newAlert("agent-1", models.AnomalyLatencyIncrease, models.SeverityHigh))
	require.NoError(t, err)

	// The duplicate activates a suppression (count 1); the default rule
	// allows 5 suppressions within the 30m duration.
	suppressed := 0
	for i := 0; i < 6; i++ {
		f.advance(time.Minute)
		got, err := f.p.Process(ctx, newAlert("agent-1", models.AnomalyLatencyIncrease, models.SeverityHigh))
		require.NoError(t, err)
		if got.State == models.AlertSuppressed {
			suppressed++
		}
	}
	require.Equal(t, 5, suppressed)

	// The sixth repeat exceeded the cap and was evaluated fresh.
	f.advance(time.Minute)
	got, err := f.p.Process(ctx, newAlert("agent-1", models.AnomalyLatencyIncrease, models.SeverityHigh))
	require.NoError(t, err)
	require.Equal(t, models.AlertActive, got.State)
}

func TestSuppressionExpiryAllowsFreshEvaluation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.p.Process(ctx, newAlert("agent-1", models.AnomalyLatencyIncrease, models.SeverityHigh))
	require.NoError(t, err)
	f.advance(time.Minute)
	dup, err := f.p.Process(ctx, newAlert("agent-1", models.AnomalyLatencyIncrease, models.SeverityHigh))
	require.NoError(t, err)
	require.Equal(t, models.AlertSuppressed, dup.State)

	// Past the 30m suppression duration and the 5m duplicate window.
	f.advance(31 * time.Minute)
	fresh, err := f.p.Process(ctx, newAlert("agent-1", models.AnomalyLatencyIncrease, models.SeverityHigh))
	require.NoError(t, err)
	require.Equal(t, models.AlertActive, fresh.State)
}

func TestCheckEscalationsRespectsRuleMaximum(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	alert, err := f.p.Process(ctx, newAlert("agent-1", models.AnomalyResourceSpike, models.SeverityCritical))
	require.NoError(t, err)

	// The default critical rule escalates after 15m, up to level 3.
	for i := 1; i <= 5; i++ {
		f.advance(16 * time.Minute)
		f.p.CheckEscalations(ctx)
	}

	got, ok := f.p.Alert(alert.ID)
	require.True(t, ok)
	require.Equal(t, 3, got.EscalationLevel, "escalation level never exceeds the rule maximum")

	err = f.p.Escalate(ctx, alert.ID, "manual push")
	require.Error(t, err, "manual escalation at the cap must fail")
}

func TestEscalationStopsAfterAcknowledge(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	alert, err := f.p.Process(ctx, newAlert("agent-1", models.AnomalyResourceSpike, models.SeverityCritical))
	require.NoError(t, err)
	require.NoError(t, f.p.Acknowledge(ctx, alert.ID, "oncall", "looking"))

	f.advance(time.Hour)
	f.p.CheckEscalations(ctx)

	got, _ := f.p.Alert(alert.ID)
	require.Equal(t, 0, got.EscalationLevel, "acknowledged alerts do not escalate")
	require.Equal(t, models.AlertAcknowledged, got.State)
}

func TestAcknowledgeRequiresActiveState(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	alert, err := f.p.Process(ctx, newAlert("agent-1", models.AnomalyLatencyIncrease, models.SeverityHigh))
	require.NoError(t, err)
	require.NoError(t, f.p.Acknowledge(ctx, alert.ID, "oncall", ""))
	require.Error(t, f.p.Acknowledge(ctx, alert.ID, "oncall", ""), "double acknowledge must fail")
	require.Error(t, f.p.Acknowledge(ctx, "missing", "oncall", ""))
}

func TestResolveCascadesToSameEntityAndTypeOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.p.Process(ctx, newAlert("agent-1", models.AnomalyLatencyIncrease, models.SeverityHigh))
	require.NoError(t, err)

	// Outside the duplicate window so the twin stays active.
	f.advance(6 * time.Minute)
	twin, err := f.p.Process(ctx, newAlert("agent-1", models.AnomalyLatencyIncrease, models.SeverityHigh))
	require.NoError(t, err)
	require.Equal(t, models.AlertActive, twin.State)

	other, err := f.p.Process(ctx, newAlert("agent-1", models.AnomalyErrorRateIncrease, models.SeverityHigh))
	require.NoError(t, err)

	require.NoError(t, f.p.Resolve(ctx, first.ID, "oncall", "rolled back deploy"))

	gotTwin, _ := f.p.Alert(twin.ID)
	require.Equal(t, models.AlertResolved, gotTwin.State, "correlated same-entity same-type alert cascades")
	require.Contains(t, gotTwin.Resolution, first.ID)

	gotOther, _ := f.p.Alert(other.ID)
	require.Equal(t, models.AlertActive, gotOther.State, "different type must not cascade")
}

func TestAutoResolveWhenConditionCleared(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Current latency has recovered well below the raising value.
	require.NoError(t, f.st.StoreMetric(ctx, models.Metric{
		EntityID: "agent-1", Name: "request_latency_ms", Value: 130,
		Kind: models.MetricLatency, Timestamp: f.now.Add(-time.Minute),
	}))

	alert := newAlert("agent-1", models.AnomalyLatencyIncrease, models.SeverityHigh)
	alert.Context = map[string]string{"metric:request_latency_ms": "2400.000"}

	got, err := f.p.Process(ctx, alert)
	require.NoError(t, err)
	require.Equal(t, models.AlertResolved, got.State)
	require.Contains(t, got.Resolution, "auto-resolved")
	require.Equal(t, uint64(1), f.p.Stats().AutoResolved)
}

func TestNoAutoResolveWhileConditionPersists(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.st.StoreMetric(ctx, models.Metric{
		EntityID: "agent-1", Name: "request_latency_ms", Value: 2300,
		Kind: models.MetricLatency, Timestamp: f.now.Add(-time.Minute),
	}))

	alert := newAlert("agent-1", models.AnomalyLatencyIncrease, models.SeverityHigh)
	alert.Context = map[string]string{"metric:request_latency_ms": "2400.000"}

	got, err := f.p.Process(ctx, alert)
	require.NoError(t, err)
	require.Equal(t, models.AlertActive, got.State)
}

func TestAlertFromAnomalyCarriesSupportingMetrics(t *testing.T) {
	anomaly := models.Anomaly{
		ID:         "an-1",
		EntityID:   "agent-1",
		EntityKind: models.EntityAgent,
		Type:       models.AnomalyLatencyIncrease,
		Severity:   models.SeverityCritical,
		Score:      0.97,
		DetectedAt: time.Now().UTC(),
		SupportingMetrics: map[string]float64{
			"request_latency_ms": 2400,
		},
	}
	alert := AlertFromAnomaly(anomaly)
	require.Equal(t, models.AlertProcessing, alert.State)
	require.Equal(t, "an-1", alert.Context["anomaly_id"])
	require.Equal(t, "2400.000", alert.Context["metric:request_latency_ms"])
	require.Equal(t, "0.970", alert.Context["anomaly_score"])
}

func TestSweepCorrelationsPromotesClusters(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Four distinct-type alerts on one entity: the first collects three
	// correlated alerts.
	types := []models.AnomalyType{
		models.AnomalyLatencyIncrease,
		models.AnomalyErrorRateIncrease,
		models.AnomalyThroughputDrop,
		models.AnomalyResourceSpike,
	}
	var firstID string
	for i, at := range types {
		got, err := f.p.Process(ctx, newAlert("agent-1", at, models.SeverityHigh))
		require.NoError(t, err)
		if i == 0 {
			firstID = got.ID
		}
	}

	f.p.SweepCorrelations(ctx)

	correlations := f.p.Correlations()
	require.NotEmpty(t, correlations)
	var found bool
	for _, c := range correlations {
		if c.PrimaryAlertID == firstID {
			found = true
			require.Equal(t, "same_entity", c.CorrelationType)
			require.Len(t, c.CorrelatedAlerts, 3)
			require.InDelta(t, 0.6, c.Strength, 1e-9)
		}
	}
	require.True(t, found, "the first alert's cluster should be promoted")

	// A second sweep must not duplicate the record.
	count := len(f.p.Correlations())
	f.p.SweepCorrelations(ctx)
	require.Len(t, f.p.Correlations(), count)
}

func TestCleanupEvictsExpiredAlerts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	alert, err := f.p.Process(ctx, newAlert("agent-1", models.AnomalyLatencyIncrease, models.SeverityHigh))
	require.NoError(t, err)
	require.NoError(t, f.p.Resolve(ctx, alert.ID, "oncall", "done"))

	f.advance(25 * time.Hour)
	f.p.Cleanup(ctx)

	_, ok := f.p.Alert(alert.ID)
	require.False(t, ok, "resolved alerts past retention leave the working set")

	// The durable record survives cleanup.
	stored, err := f.st.QueryAlerts(ctx, store.AlertFilter{EntityID: "agent-1"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestRoutingHonoursSeverityAndCooldown(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	channel := models.NotificationChannelConfig{
		Name:       "hooks",
		Kind:       "webhook",
		Enabled:    true,
		Severities: []models.Severity{models.SeverityCritical},
		Cooldown:   10 * time.Minute,
		Options:    map[string]string{"url": server.URL},
	}
	f := newFixture(t, []models.NotificationChannelConfig{channel})
	ctx := context.Background()

	// Below the channel's severity floor: no call.
	_, err := f.p.Process(ctx, newAlert("agent-1", models.AnomalyLatencyIncrease, models.SeverityMedium))
	require.NoError(t, err)
	require.Equal(t, int32(0), calls.Load())

	// Critical alert notifies.
	f.advance(6 * time.Minute)
	_, err = f.p.Process(ctx, newAlert("agent-2", models.AnomalyResourceSpike, models.SeverityCritical))
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())

	// Same entity inside the cooldown: silent.
	f.advance(6 * time.Minute)
	_, err = f.p.Process(ctx, newAlert("agent-2", models.AnomalyErrorRateIncrease, models.SeverityCritical))
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())

	// Past the cooldown the channel fires again.
	f.advance(11 * time.Minute)
	_, err = f.p.Process(ctx, newAlert("agent-2", models.AnomalyThroughputDrop, models.SeverityCritical))
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestLoadRulesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/rules.yaml"
	content := []byte(`
suppression:
  - id: tight
    window: 1m
    duration: 10m
    max_suppressions: 2
escalation:
  - id: everything
    after: 5m
    max_escalations: 1
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	rules, err := loadRules(path, nil)
	require.NoError(t, err)
	require.Len(t, rules.Suppression, 1)
	require.Equal(t, "tight", rules.Suppression[0].ID)
	require.Equal(t, 10*time.Minute, rules.Suppression[0].Duration)
	require.Len(t, rules.Escalation, 1)
}

func TestLoadRulesMissingFileUsesDefaults(t *testing.T) {
	rules, err := loadRules(t.TempDir()+"/absent.yaml", nil)
	require.NoError(t, err)
	require.NotEmpty(t, rules.Suppression)
	require.NotEmpty(t, rules.Escalation)
}

func TestLoadRulesRejectsInvalid(t *testing.T) {
	path := t.TempDir() + "/bad.yaml"
	require.NoError(t, os.WriteFile(path, []byte("suppression:\n  - id: broken\n    window: 0s\n    duration: 1m\n    max_suppressions: 1\n"), 0o600))
	_, err := loadRules(path, nil)
	require.Error(t, err)
}
