// Command loadgen drives the engine in-process with synthetic metric
// traffic: a week of steady baseline history, then a latency spike and a
// resource surge. Useful for watching the detection pipeline end to end
// without a real workload.
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/aiopsstack/aiops-engine/internal/analyzer"
	"github.com/aiopsstack/aiops-engine/internal/bus"
	"github.com/aiopsstack/aiops-engine/internal/config"
	"github.com/aiopsstack/aiops-engine/internal/detector"
	"github.com/aiopsstack/aiops-engine/internal/models"
	"github.com/aiopsstack/aiops-engine/internal/store"
)

func main() {
	ctx := context.Background()
	st := store.NewMemoryStore(0)
	eventBus := bus.NewChannelBus(1024)

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	perf := analyzer.New(st, eventBus, cfg.Analyzer, nil)
	det := detector.New(st, eventBus, cfg.Detection, nil)

	events, cancel := eventBus.Subscribe(bus.EventAnomalyDetected, bus.EventDetectionModelUpdated)
	defer cancel()
	go func() {
		for e := range events {
			fmt.Printf("event %-28s entity=%s\n", e.Type, e.EntityID)
		}
	}()

	now := time.Now().UTC()
	rng := rand.New(rand.NewSource(42))

	// A week of healthy baseline at one-minute resolution.
	for ts := now.Add(-7 * 24 * time.Hour); ts.Before(now.Add(-5 * time.Minute)); ts = ts.Add(time.Minute) {
		record(ctx, perf, "agent-1", "request_latency_ms", 120+rng.Float64()*30, "ms", models.MetricLatency, ts)
		record(ctx, perf, "agent-1", "cpu_usage", 45+rng.Float64()*10, "%", models.MetricResource, ts)
	}

	det.RebuildModels(ctx)

	// The incident: latency spikes and cpu climbs toward saturation.
	for ts := now.Add(-5 * time.Minute); ts.Before(now); ts = ts.Add(30 * time.Second) {
		record(ctx, perf, "agent-1", "request_latency_ms", 2400+rng.Float64()*200, "ms", models.MetricLatency, ts)
		record(ctx, perf, "agent-1", "cpu_usage", 92+rng.Float64()*4, "%", models.MetricResource, ts)
	}

	det.DetectBatch(ctx)

	time.Sleep(200 * time.Millisecond)
	if snap, ok := perf.Snapshot("agent-1"); ok {
		fmt.Printf("snapshot agent-1: success=%.2f latency=%.0fms\n", snap.SuccessRate, snap.AvgLatency)
	}
}

func record(ctx context.Context, perf *analyzer.Analyzer, entity, name string, value float64, unit string, kind models.MetricKind, ts time.Time) {
	m := models.Metric{
		EntityID:   entity,
		EntityKind: models.EntityAgent,
		Name:       name,
		Value:      value,
		Unit:       unit,
		Kind:       kind,
		Timestamp:  ts,
	}
	if err := perf.Record(ctx, entity, m); err != nil {
		log.Printf("record %s/%s: %v", entity, name, err)
	}
}
