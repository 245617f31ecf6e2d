package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aiopsstack/aiops-engine/internal/models"
)

// Config captures the settings required to boot the aiops engine.
type Config struct {
	Logging   LoggingConfig                      `yaml:"logging"`
	Metrics   MetricsConfig                      `yaml:"metrics"`
	Store     StoreConfig                        `yaml:"store"`
	Bus       BusConfig                          `yaml:"bus"`
	Analyzer  AnalyzerConfig                     `yaml:"analyzer"`
	Detection DetectionConfig                    `yaml:"detection"`
	Alerting  AlertingConfig                     `yaml:"alerting"`
	Predictor PredictorConfig                    `yaml:"predictor"`
	Channels  []models.NotificationChannelConfig `yaml:"channels"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig controls the Prometheus exposition listener.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend   string            `yaml:"backend"` // memory | redis
	Retention int               `yaml:"retention"`
	Redis     RedisClientConfig `yaml:"redis"`
}

// RedisClientConfig holds Redis connection options.
type RedisClientConfig struct {
	Addr        string        `yaml:"addr"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
	Retention   time.Duration `yaml:"retention"`
}

// BusConfig controls the event bus and the optional NATS mirror.
type BusConfig struct {
	Buffer int        `yaml:"buffer"`
	NATS   NATSConfig `yaml:"nats"`
}

// NATSConfig configures event mirroring onto NATS subjects.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

// AnalyzerConfig tunes the performance analyzer.
type AnalyzerConfig struct {
	RecomputeInterval  time.Duration `yaml:"recomputeInterval"`
	HistoryLimit       int           `yaml:"historyLimit"`
	BaselineWindow     time.Duration `yaml:"baselineWindow"`
	DeviationThreshold float64       `yaml:"deviationThreshold"`
}

// DetectionConfig tunes the anomaly detector.
type DetectionConfig struct {
	Sensitivity     float64       `yaml:"sensitivity"`
	RebuildInterval time.Duration `yaml:"rebuildInterval"`
	ModelWindow     time.Duration `yaml:"modelWindow"`
	ScoreInterval   time.Duration `yaml:"scoreInterval"`
	ScoreWindow     time.Duration `yaml:"scoreWindow"`
	MinSamples      int           `yaml:"minSamples"`
}

// AlertingConfig tunes the alert processor.
type AlertingConfig struct {
	EscalationInterval  time.Duration `yaml:"escalationInterval"`
	CorrelationInterval time.Duration `yaml:"correlationInterval"`
	CleanupInterval     time.Duration `yaml:"cleanupInterval"`
	CorrelationWindow   time.Duration `yaml:"correlationWindow"`
	ResolvedRetention   time.Duration `yaml:"resolvedRetention"`
	DefaultCooldown     time.Duration `yaml:"defaultCooldown"`
	AutoResolveWindow   time.Duration `yaml:"autoResolveWindow"`
	RulesPath           string        `yaml:"rulesPath"`
}

// PredictorConfig tunes the predictive analytics engine.
type PredictorConfig struct {
	PredictionInterval time.Duration `yaml:"predictionInterval"`
	CapacityInterval   time.Duration `yaml:"capacityInterval"`
	CostInterval       time.Duration `yaml:"costInterval"`
	RebuildInterval    time.Duration `yaml:"rebuildInterval"`
	HistoryWindow      time.Duration `yaml:"historyWindow"`
	CostMonitoring     bool          `yaml:"costMonitoring"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("AIOPS_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.Detection.Sensitivity < 0 || cfg.Detection.Sensitivity > 1 {
		return nil, fmt.Errorf("detection sensitivity %.2f outside [0,1]", cfg.Detection.Sensitivity)
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", JSON: false},
		Metrics: MetricsConfig{Address: ":9180"},
		Store: StoreConfig{
			Backend:   "memory",
			Retention: 10000,
			Redis: RedisClientConfig{
				DialTimeout: 2 * time.Second,
				Retention:   30 * 24 * time.Hour,
			},
		},
		Bus: BusConfig{
			Buffer: 256,
			NATS:   NATSConfig{SubjectPrefix: "aiops.events"},
		},
		Analyzer: AnalyzerConfig{
			RecomputeInterval:  5 * time.Minute,
			HistoryLimit:       1000,
			BaselineWindow:     7 * 24 * time.Hour,
			DeviationThreshold: 0.10,
		},
		Detection: DetectionConfig{
			Sensitivity:     0.7,
			RebuildInterval: 10 * time.Minute,
			ModelWindow:     7 * 24 * time.Hour,
			ScoreInterval:   time.Minute,
			ScoreWindow:     5 * time.Minute,
			MinSamples:      models.MinModelSamples,
		},
		Alerting: AlertingConfig{
			EscalationInterval:  time.Minute,
			CorrelationInterval: 30 * time.Second,
			CleanupInterval:     5 * time.Minute,
			CorrelationWindow:   30 * time.Minute,
			ResolvedRetention:   24 * time.Hour,
			DefaultCooldown:     5 * time.Minute,
			AutoResolveWindow:   5 * time.Minute,
		},
		Predictor: PredictorConfig{
			PredictionInterval: 30 * time.Minute,
			CapacityInterval:   time.Hour,
			CostInterval:       time.Hour,
			RebuildInterval:    6 * time.Hour,
			HistoryWindow:      30 * 24 * time.Hour,
			CostMonitoring:     false,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AIOPS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AIOPS_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("AIOPS_METRICS_ADDRESS"); v != "" {
		cfg.Metrics.Address = v
	}
	if v := os.Getenv("AIOPS_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("AIOPS_REDIS_ADDR"); v != "" {
		cfg.Store.Redis.Addr = v
	}
	if v := os.Getenv("AIOPS_REDIS_PASSWORD"); v != "" {
		cfg.Store.Redis.Password = v
	}
	if v := os.Getenv("AIOPS_NATS_URL"); v != "" {
		cfg.Bus.NATS.Enabled = true
		cfg.Bus.NATS.URL = v
	}
	if v := os.Getenv("AIOPS_SENSITIVITY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detection.Sensitivity = f
		}
	}
	if v := os.Getenv("AIOPS_PREDICTION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Predictor.PredictionInterval = d
		}
	}
	if v := os.Getenv("AIOPS_COST_MONITORING"); strings.EqualFold(v, "true") || v == "1" {
		cfg.Predictor.CostMonitoring = true
	}
	if v := os.Getenv("AIOPS_RULES_PATH"); v != "" {
		cfg.Alerting.RulesPath = v
	}
}
