package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aiopsstack/aiops-engine/internal/analyzer"
	"github.com/aiopsstack/aiops-engine/internal/bus"
	"github.com/aiopsstack/aiops-engine/internal/config"
	"github.com/aiopsstack/aiops-engine/internal/detector"
	"github.com/aiopsstack/aiops-engine/internal/metrics"
	"github.com/aiopsstack/aiops-engine/internal/models"
	"github.com/aiopsstack/aiops-engine/internal/notify"
	"github.com/aiopsstack/aiops-engine/internal/predictor"
	"github.com/aiopsstack/aiops-engine/internal/processor"
	"github.com/aiopsstack/aiops-engine/internal/sched"
	"github.com/aiopsstack/aiops-engine/internal/store"
	"github.com/aiopsstack/aiops-engine/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting aiops-engine", slog.String("store", cfg.Store.Backend))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	st, closeStore, err := buildStore(cfg.Store)
	if err != nil {
		logger.Error("failed to initialise store", slog.Any("error", err))
		os.Exit(1)
	}
	if closeStore != nil {
		defer closeStore()
	}

	channelBus := bus.NewChannelBus(cfg.Bus.Buffer)
	var eventBus bus.Bus = channelBus
	if cfg.Bus.NATS.Enabled && cfg.Bus.NATS.URL != "" {
		publisher, err := bus.NewNATSPublisher(channelBus, cfg.Bus.NATS.URL, cfg.Bus.NATS.SubjectPrefix, logger)
		if err != nil {
			logger.Warn("nats mirror unavailable, events stay in-process", slog.Any("error", err))
		} else {
			eventBus = publisher
			defer publisher.Close()
		}
	}

	registry := notify.NewRegistry(logger)

	perfAnalyzer := analyzer.New(st, eventBus, cfg.Analyzer, utils.ComponentLogger(logger, "analyzer"))
	anomalyDetector := detector.New(st, eventBus, cfg.Detection, utils.ComponentLogger(logger, "detector"))
	alertProcessor, err := processor.New(st, registry, eventBus, cfg.Alerting, cfg.Channels, utils.ComponentLogger(logger, "processor"))
	if err != nil {
		logger.Error("failed to initialise alert processor", slog.Any("error", err))
		os.Exit(1)
	}
	insightPredictor := predictor.New(st, eventBus, cfg.Predictor, utils.ComponentLogger(logger, "predictor"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Detected anomalies feed the alert pipeline through the event bus.
	anomalies, cancelAnomalies := channelBus.Subscribe(bus.EventAnomalyDetected)
	defer cancelAnomalies()
	go func() {
		for event := range anomalies {
			anomaly, ok := event.Payload.(models.Anomaly)
			if !ok {
				continue
			}
			if _, err := alertProcessor.Process(ctx, processor.AlertFromAnomaly(anomaly)); err != nil {
				logger.Warn("alert processing failed",
					slog.String("anomaly", anomaly.ID), slog.Any("error", err))
			}
		}
	}()

	scheduler := sched.New(utils.ComponentLogger(logger, "sched"))
	scheduler.Add("baseline-check", cfg.Analyzer.RecomputeInterval, perfAnalyzer.CheckBaselines)
	scheduler.Add("detection-model-rebuild", cfg.Detection.RebuildInterval, anomalyDetector.RebuildModels)
	scheduler.Add("anomaly-scoring", cfg.Detection.ScoreInterval, anomalyDetector.DetectBatch)
	scheduler.Add("alert-escalation", cfg.Alerting.EscalationInterval, alertProcessor.CheckEscalations)
	scheduler.Add("alert-correlation", cfg.Alerting.CorrelationInterval, alertProcessor.SweepCorrelations)
	scheduler.Add("alert-cleanup", cfg.Alerting.CleanupInterval, alertProcessor.Cleanup)
	scheduler.Add("prediction-model-rebuild", cfg.Predictor.RebuildInterval, insightPredictor.RebuildModels)
	scheduler.Add("performance-forecast", cfg.Predictor.PredictionInterval, insightPredictor.RunForecasts)
	scheduler.Add("capacity-analysis", cfg.Predictor.CapacityInterval, insightPredictor.RunCapacityAnalysis)
	if cfg.Predictor.CostMonitoring {
		scheduler.Add("cost-optimization", cfg.Predictor.CostInterval, insightPredictor.RunCostSweep)
	}
	scheduler.Start(ctx)

	var metricsServer *http.Server
	if cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Metrics.Address,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Metrics.Address))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	scheduler.Stop()

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("aiops-engine stopped")
}

func buildStore(cfg config.StoreConfig) (store.Store, func(), error) {
	switch cfg.Backend {
	case "", "memory":
		return store.NewMemoryStore(cfg.Retention), nil, nil
	case "redis":
		rs, err := store.NewRedisStore(store.RedisConfig{
			Addr:        cfg.Redis.Addr,
			Username:    cfg.Redis.Username,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
			Retention:   cfg.Redis.Retention,
		})
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { _ = rs.Close() }, nil
	default:
		return nil, nil, errors.New("unknown store backend: " + cfg.Backend)
	}
}
