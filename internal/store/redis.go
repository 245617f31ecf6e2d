package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aiopsstack/aiops-engine/internal/models"
)

const (
	keyEntities  = "aiops:entities"
	keyAnomalies = "aiops:anomalies"
	keyAlerts    = "aiops:alerts"
	keyInsights  = "aiops:insights"
)

// RedisConfig holds connection parameters for the Redis backend.
type RedisConfig struct {
	Addr        string
	Username    string
	Password    string
	DB          int
	DialTimeout time.Duration
	Retention   time.Duration
}

// RedisStore implements Store on a Redis server. Metric series live in
// per-(entity,name) sorted sets scored by unix milliseconds; alerts and
// insights are JSON values in hashes. Retention trims series on write.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisStore connects to Redis and pings it to fail fast on bad
// configuration.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}

	return &RedisStore{client: client, retention: cfg.Retention}, nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func metricKey(entityID, name string) string {
	return "aiops:metrics:" + entityID + ":" + name
}

func seriesSetKey(entityID string) string {
	return "aiops:series:" + entityID
}

func snapshotKey(entityID string) string {
	return "aiops:snapshots:" + entityID
}

// StoreMetric appends a sample to its series and trims beyond retention.
func (s *RedisStore) StoreMetric(ctx context.Context, m models.Metric) error {
	if m.EntityID == "" || m.Name == "" {
		return fmt.Errorf("store metric: entity id and name are required")
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal metric: %w", err)
	}

	key := metricKey(m.EntityID, m.Name)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(m.Timestamp.UnixMilli()), Member: payload})
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(time.Now().Add(-s.retention).UnixMilli(), 10))
	pipe.SAdd(ctx, seriesSetKey(m.EntityID), m.Name)
	pipe.SAdd(ctx, keyEntities, m.EntityID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store metric: %w", err)
	}
	return nil
}

// QueryMetrics fetches samples matching the filter, ordered by timestamp.
func (s *RedisStore) QueryMetrics(ctx context.Context, f MetricFilter) ([]models.Metric, error) {
	entities := []string{f.EntityID}
	if f.EntityID == "" {
		var err error
		entities, err = s.client.SMembers(ctx, keyEntities).Result()
		if err != nil {
			return nil, fmt.Errorf("list entities: %w", err)
		}
	}

	min, max := "-inf", "+inf"
	if !f.Start.IsZero() {
		min = strconv.FormatInt(f.Start.UnixMilli(), 10)
	}
	if !f.End.IsZero() {
		max = strconv.FormatInt(f.End.UnixMilli(), 10)
	}

	out := make([]models.Metric, 0)
	for _, entity := range entities {
		names := []string{f.Name}
		if f.Name == "" {
			var err error
			names, err = s.client.SMembers(ctx, seriesSetKey(entity)).Result()
			if err != nil {
				return nil, fmt.Errorf("list series for %s: %w", entity, err)
			}
		}
		for _, name := range names {
			raw, err := s.client.ZRangeByScore(ctx, metricKey(entity, name), &redis.ZRangeBy{Min: min, Max: max}).Result()
			if err != nil {
				return nil, fmt.Errorf("query metrics %s/%s: %w", entity, name, err)
			}
			for _, item := range raw {
				var m models.Metric
				if err := json.Unmarshal([]byte(item), &m); err != nil {
					continue
				}
				if f.matches(m) {
					out = append(out, m)
				}
			}
		}
	}
	sortMetricsByTime(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// StoreAnomaly appends an anomaly to the global anomaly timeline.
func (s *RedisStore) StoreAnomaly(ctx context.Context, a models.Anomaly) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal anomaly: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, keyAnomalies, redis.Z{Score: float64(a.DetectedAt.UnixMilli()), Member: payload})
	pipe.ZRemRangeByScore(ctx, keyAnomalies, "0", strconv.FormatInt(time.Now().Add(-s.retention).UnixMilli(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store anomaly: %w", err)
	}
	return nil
}

// QueryAnomalies returns anomalies matching the filter, oldest first.
func (s *RedisStore) QueryAnomalies(ctx context.Context, f AnomalyFilter) ([]models.Anomaly, error) {
	min, max := "-inf", "+inf"
	if !f.Start.IsZero() {
		min = strconv.FormatInt(f.Start.UnixMilli(), 10)
	}
	if !f.End.IsZero() {
		max = strconv.FormatInt(f.End.UnixMilli(), 10)
	}
	raw, err := s.client.ZRangeByScore(ctx, keyAnomalies, &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("query anomalies: %w", err)
	}
	out := make([]models.Anomaly, 0, len(raw))
	for _, item := range raw {
		var a models.Anomaly
		if err := json.Unmarshal([]byte(item), &a); err != nil {
			continue
		}
		if f.matches(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

// StoreAlert inserts or replaces an alert record.
func (s *RedisStore) StoreAlert(ctx context.Context, a models.Alert) error {
	if a.ID == "" {
		return fmt.Errorf("store alert: id is required")
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := s.client.HSet(ctx, keyAlerts, a.ID, payload).Err(); err != nil {
		return fmt.Errorf("store alert: %w", err)
	}
	return nil
}

// UpdateAlert applies a partial update via read-modify-write.
func (s *RedisStore) UpdateAlert(ctx context.Context, id string, u AlertUpdate) error {
	raw, err := s.client.HGet(ctx, keyAlerts, id).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("update alert %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update alert %s: %w", id, err)
	}

	var a models.Alert
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return fmt.Errorf("decode alert %s: %w", id, err)
	}
	applyAlertUpdate(&a, u)

	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := s.client.HSet(ctx, keyAlerts, id, payload).Err(); err != nil {
		return fmt.Errorf("update alert %s: %w", id, err)
	}
	return nil
}

// QueryAlerts returns alerts matching the filter, oldest first.
func (s *RedisStore) QueryAlerts(ctx context.Context, f AlertFilter) ([]models.Alert, error) {
	raw, err := s.client.HGetAll(ctx, keyAlerts).Result()
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	out := make([]models.Alert, 0, len(raw))
	for _, item := range raw {
		var a models.Alert
		if err := json.Unmarshal([]byte(item), &a); err != nil {
			continue
		}
		if f.matches(a) {
			out = append(out, a)
		}
	}
	sortAlertsByTime(out)
	return out, nil
}

// StoreSnapshot appends a performance snapshot for the entity.
func (s *RedisStore) StoreSnapshot(ctx context.Context, snap models.PerformanceSnapshot) error {
	if snap.EntityID == "" {
		return fmt.Errorf("store snapshot: entity id is required")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	key := snapshotKey(snap.EntityID)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(snap.LastUpdated.UnixMilli()), Member: payload})
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(time.Now().Add(-s.retention).UnixMilli(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

// QuerySnapshots returns an entity's snapshots within the time range.
func (s *RedisStore) QuerySnapshots(ctx context.Context, entityID string, start, end time.Time) ([]models.PerformanceSnapshot, error) {
	min, max := "-inf", "+inf"
	if !start.IsZero() {
		min = strconv.FormatInt(start.UnixMilli(), 10)
	}
	if !end.IsZero() {
		max = strconv.FormatInt(end.UnixMilli(), 10)
	}
	raw, err := s.client.ZRangeByScore(ctx, snapshotKey(entityID), &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("query snapshots %s: %w", entityID, err)
	}
	out := make([]models.PerformanceSnapshot, 0, len(raw))
	for _, item := range raw {
		var snap models.PerformanceSnapshot
		if err := json.Unmarshal([]byte(item), &snap); err != nil {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// StoreInsight inserts or replaces a predictive insight.
func (s *RedisStore) StoreInsight(ctx context.Context, i models.PredictiveInsight) error {
	if i.ID == "" {
		return fmt.Errorf("store insight: id is required")
	}
	payload, err := json.Marshal(i)
	if err != nil {
		return fmt.Errorf("marshal insight: %w", err)
	}
	if err := s.client.HSet(ctx, keyInsights, i.ID, payload).Err(); err != nil {
		return fmt.Errorf("store insight: %w", err)
	}
	return nil
}

// QueryInsights returns insights matching the filter; a non-zero ActiveAt
// excludes expired records.
func (s *RedisStore) QueryInsights(ctx context.Context, f InsightFilter) ([]models.PredictiveInsight, error) {
	raw, err := s.client.HGetAll(ctx, keyInsights).Result()
	if err != nil {
		return nil, fmt.Errorf("query insights: %w", err)
	}
	out := make([]models.PredictiveInsight, 0, len(raw))
	for _, item := range raw {
		var i models.PredictiveInsight
		if err := json.Unmarshal([]byte(item), &i); err != nil {
			continue
		}
		if f.matches(i) {
			out = append(out, i)
		}
	}
	sortInsightsByTime(out)
	return out, nil
}
