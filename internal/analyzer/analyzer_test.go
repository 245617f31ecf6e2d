package analyzer

import (
	"context"
	"testing"
	"time"

	"github.com/aiopsstack/aiops-engine/internal/bus"
	"github.com/aiopsstack/aiops-engine/internal/config"
	"github.com/aiopsstack/aiops-engine/internal/models"
	"github.com/aiopsstack/aiops-engine/internal/store"
)

func testAnalyzer(historyLimit int) (*Analyzer, *store.MemoryStore, *bus.ChannelBus) {
	st := store.NewMemoryStore(0)
	b := bus.NewChannelBus(64)
	a := New(st, b, config.AnalyzerConfig{
		HistoryLimit:       historyLimit,
		BaselineWindow:     7 * 24 * time.Hour,
		DeviationThreshold: 0.10,
	}, nil)
	return a, st, b
}

func TestRecordComputesSnapshot(t *testing.T) {
	ctx := context.Background()
	a, _, _ := testAnalyzer(100)

	samples := []struct {
		name  string
		value float64
		kind  models.MetricKind
	}{
		{"request_latency_ms", 100, models.MetricLatency},
		{"request_latency_ms", 200, models.MetricLatency},
		{"error_rate", 4, models.MetricErrorRate}, // percent style
		{"throughput", 50, models.MetricThroughput},
		{"cpu_usage", 60, models.MetricResource},
	}
	for _, s := range samples {
		err := a.Record(ctx, "agent-1", models.Metric{Name: s.name, Value: s.value, Kind: s.kind})
		if err != nil {
			t.Fatalf("record %s: %v", s.name, err)
		}
	}

	snap, ok := a.Snapshot("agent-1")
	if !ok {
		t.Fatal("expected a snapshot after recording")
	}
	if snap.AvgLatency != 150 {
		t.Fatalf("expected avg latency 150, got %f", snap.AvgLatency)
	}
	if snap.ErrorRate != 0.04 {
		t.Fatalf("percent error rate should normalize to 0.04, got %f", snap.ErrorRate)
	}
	if snap.SuccessRate != 0.96 {
		t.Fatalf("expected success rate 0.96, got %f", snap.SuccessRate)
	}
	if snap.Throughput != 50 {
		t.Fatalf("expected throughput 50, got %f", snap.Throughput)
	}
	if snap.ResourceUtilization != 60 {
		t.Fatalf("expected utilization 60, got %f", snap.ResourceUtilization)
	}
	// No quality samples recorded: neutral, not zero.
	if snap.QualityScore != 0.8 {
		t.Fatalf("expected neutral quality score, got %f", snap.QualityScore)
	}
}

func TestRecordValidation(t *testing.T) {
	a, _, _ := testAnalyzer(10)
	if err := a.Record(context.Background(), "", models.Metric{Name: "latency"}); err == nil {
		t.Fatal("expected error for missing entity id")
	}
	if err := a.Record(context.Background(), "agent-1", models.Metric{}); err == nil {
		t.Fatal("expected error for missing metric name")
	}
}

func TestRecordBoundsHistory(t *testing.T) {
	ctx := context.Background()
	a, _, _ := testAnalyzer(3)
	for i := 0; i < 6; i++ {
		err := a.Record(ctx, "agent-1", models.Metric{
			Name: "request_latency_ms", Value: float64(100 + i*100), Kind: models.MetricLatency,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	snap, _ := a.Snapshot("agent-1")
	// Only the last three samples (400, 500, 600) survive.
	if snap.AvgLatency != 500 {
		t.Fatalf("expected history bounded to last 3 samples (avg 500), got %f", snap.AvgLatency)
	}
}

func TestRecordPublishesEvents(t *testing.T) {
	a, _, b := testAnalyzer(10)
	events, cancel := b.Subscribe(bus.EventAgentMetricsUpdated, bus.EventAgentPerformanceCalculated)
	defer cancel()

	if err := a.Record(context.Background(), "agent-1", models.Metric{Name: "request_latency_ms", Value: 100}); err != nil {
		t.Fatal(err)
	}

	seen := map[bus.EventType]bool{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-events:
			seen[e.Type] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for analyzer events")
		}
	}
	if !seen[bus.EventAgentMetricsUpdated] || !seen[bus.EventAgentPerformanceCalculated] {
		t.Fatalf("expected both metric and performance events, got %v", seen)
	}
}

func TestCheckBaselinesFlagsDeviation(t *testing.T) {
	ctx := context.Background()
	a, st, b := testAnalyzer(5)
	now := time.Now().UTC()

	// A day of steady latency in the durable record only, so the baseline
	// and the in-memory snapshot can diverge.
	for i := 0; i < 20; i++ {
		err := st.StoreMetric(ctx, models.Metric{
			ID:       "old-" + time.Duration(i).String(),
			EntityID: "agent-1", Name: "request_latency_ms", Value: 100,
			Kind: models.MetricLatency, Timestamp: now.Add(-time.Duration(i+1) * time.Hour),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	changes, cancel := b.Subscribe(bus.EventPerformanceChangeDetected)
	defer cancel()

	// Current behavior is twice the baseline.
	if err := a.Record(ctx, "agent-1", models.Metric{Name: "request_latency_ms", Value: 220, Kind: models.MetricLatency}); err != nil {
		t.Fatal(err)
	}

	a.CheckBaselines(ctx)

	select {
	case e := <-changes:
		change, ok := e.Payload.(PerformanceChange)
		if !ok {
			t.Fatalf("unexpected payload type %T", e.Payload)
		}
		if change.Metric != "latency" {
			t.Fatalf("expected latency deviation, got %s", change.Metric)
		}
		if change.DeviationPct <= 10 {
			t.Fatalf("expected deviation above threshold, got %.1f%%", change.DeviationPct)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a performance-change event")
	}
}

func TestCheckBaselinesQuietWithinThreshold(t *testing.T) {
	ctx := context.Background()
	a, _, b := testAnalyzer(50)

	changes, cancel := b.Subscribe(bus.EventPerformanceChangeDetected)
	defer cancel()

	// Snapshot and baseline derive from the same samples: no deviation.
	for i := 0; i < 10; i++ {
		if err := a.Record(ctx, "agent-1", models.Metric{Name: "request_latency_ms", Value: 100, Kind: models.MetricLatency}); err != nil {
			t.Fatal(err)
		}
	}
	a.CheckBaselines(ctx)

	select {
	case e := <-changes:
		t.Fatalf("unexpected performance-change event: %+v", e.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}
