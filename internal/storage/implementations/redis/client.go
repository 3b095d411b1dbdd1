package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/tsdp/pkg/errors"
	"github.com/inferloop/tsdp/pkg/models"
)

// RedisConfig holds configuration for the Redis report cache
type RedisConfig struct {
	Addr         string        `json:"addr" mapstructure:"addr"`
	Password     string        `json:"password" mapstructure:"password"`
	DB           int           `json:"db" mapstructure:"db"`
	DialTimeout  time.Duration `json:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	PoolSize     int           `json:"pool_size" mapstructure:"pool_size"`
	MaxRetries   int           `json:"max_retries" mapstructure:"max_retries"`
	TTL          time.Duration `json:"ttl" mapstructure:"ttl"`
	KeyPrefix    string        `json:"key_prefix" mapstructure:"key_prefix"`
}

// RedisStorage caches experiment reports as JSON documents and keeps an
// index of run IDs ordered by start time.
type RedisStorage struct {
	config *RedisConfig
	client redis.UniversalClient
	logger *logrus.Logger
	mu     sync.RWMutex
	closed bool
}

// NewRedisStorage creates a new Redis storage instance
func NewRedisStorage(config *RedisConfig, logger *logrus.Logger) (*RedisStorage, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "Redis config cannot be nil")
	}

	if config.Addr == "" {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "Redis address is required")
	}

	if logger == nil {
		logger = logrus.New()
	}

	return &RedisStorage{
		config: config,
		logger: logger,
	}, nil
}

// Name returns the backend name
func (r *RedisStorage) Name() string {
	return "redis"
}

// Connect establishes connection to Redis
func (r *RedisStorage) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         r.config.Addr,
		Password:     r.config.Password,
		DB:           r.config.DB,
		DialTimeout:  r.config.DialTimeout,
		ReadTimeout:  r.config.ReadTimeout,
		WriteTimeout: r.config.WriteTimeout,
		PoolSize:     r.config.PoolSize,
		MaxRetries:   r.config.MaxRetries,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return errors.NewStorageConnectionError("redis", r.config.Addr, err)
	}

	r.client = client
	r.closed = false

	r.logger.WithFields(logrus.Fields{
		"addr": r.config.Addr,
		"db":   r.config.DB,
	}).Info("Connected to Redis")

	return nil
}

// Close closes the Redis connection
func (r *RedisStorage) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.client == nil {
		return nil
	}

	err := r.client.Close()
	r.client = nil
	r.closed = true
	if err != nil {
		return errors.WrapStorageError(err, "close", "redis")
	}

	r.logger.Info("Redis connection closed")
	return nil
}

// Store caches the report under its run ID
func (r *RedisStorage) Store(ctx context.Context, report *models.ExperimentReport) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.client == nil {
		return errors.NewStorageError(errors.CodeStorageError, "Redis not connected")
	}

	start := time.Now()
	payload, err := json.Marshal(report)
	if err != nil {
		return errors.WrapStorageError(err, "serialize", "redis")
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.generateReportKey(report.RunID), payload, r.config.TTL)
	pipe.ZAdd(ctx, r.generateIndexKey(), &redis.Z{
		Score:  float64(report.StartedAt.Unix()),
		Member: report.RunID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.WrapStorageError(err, "store", "redis").
			WithTarget(r.generateReportKey(report.RunID)).
			WithDuration(time.Since(start))
	}

	r.logger.WithFields(logrus.Fields{
		"run_id":   report.RunID,
		"bytes":    len(payload),
		"duration": time.Since(start),
	}).Debug("Cached report")

	return nil
}

// Get returns a cached report or ErrDataNotFound
func (r *RedisStorage) Get(ctx context.Context, runID string) (*models.ExperimentReport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.client == nil {
		return nil, errors.NewStorageError(errors.CodeStorageError, "Redis not connected")
	}

	key := r.generateReportKey(runID)
	payload, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, errors.WrapError(errors.ErrDataNotFound, errors.ErrorTypeStorage, errors.CodeDataNotFound,
			fmt.Sprintf("report %s not found", runID))
	}
	if err != nil {
		return nil, errors.WrapStorageError(err, "get", "redis").WithTarget(key)
	}

	return decodeReport(payload)
}

// List returns up to limit run IDs, most recent first. Expired reports may
// still be listed until Prune runs.
func (r *RedisStorage) List(ctx context.Context, limit int64) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.client == nil {
		return nil, errors.NewStorageError(errors.CodeStorageError, "Redis not connected")
	}
	if limit <= 0 {
		limit = 100
	}

	ids, err := r.client.ZRevRange(ctx, r.generateIndexKey(), 0, limit-1).Result()
	if err != nil {
		return nil, errors.WrapStorageError(err, "list", "redis").WithTarget(r.generateIndexKey())
	}
	return ids, nil
}

// Prune drops index entries whose report has expired
func (r *RedisStorage) Prune(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.client == nil {
		return 0, errors.NewStorageError(errors.CodeStorageError, "Redis not connected")
	}

	ids, err := r.client.ZRange(ctx, r.generateIndexKey(), 0, -1).Result()
	if err != nil {
		return 0, errors.WrapStorageError(err, "prune", "redis")
	}

	var stale []interface{}
	for _, id := range ids {
		exists, err := r.client.Exists(ctx, r.generateReportKey(id)).Result()
		if err != nil {
			return 0, errors.WrapStorageError(err, "prune", "redis")
		}
		if exists == 0 {
			stale = append(stale, id)
		}
	}

	if len(stale) > 0 {
		if err := r.client.ZRem(ctx, r.generateIndexKey(), stale...).Err(); err != nil {
			return 0, errors.WrapStorageError(err, "prune", "redis")
		}
	}
	return len(stale), nil
}

func (r *RedisStorage) generateReportKey(runID string) string {
	if r.config.KeyPrefix != "" {
		return fmt.Sprintf("%s:report:%s", r.config.KeyPrefix, runID)
	}
	return fmt.Sprintf("report:%s", runID)
}

func (r *RedisStorage) generateIndexKey() string {
	if r.config.KeyPrefix != "" {
		return fmt.Sprintf("%s:reports", r.config.KeyPrefix)
	}
	return "reports"
}

func decodeReport(payload []byte) (*models.ExperimentReport, error) {
	var report models.ExperimentReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return nil, errors.WrapStorageError(err, "deserialize", "redis")
	}
	return &report, nil
}
