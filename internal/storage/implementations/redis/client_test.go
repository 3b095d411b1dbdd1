package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/tsdp/pkg/errors"
	"github.com/inferloop/tsdp/pkg/models"
)

func TestNewRedisStorage(t *testing.T) {
	config := &RedisConfig{
		Addr:     "localhost:6379",
		Password: "",
		DB:       0,
	}

	logger := logrus.New()
	storage, err := NewRedisStorage(config, logger)

	require.NoError(t, err)
	require.NotNil(t, storage)
	assert.Equal(t, config, storage.config)
	assert.Equal(t, logger, storage.logger)
	assert.Equal(t, "redis", storage.Name())
}

func TestNewRedisStorageInvalidConfig(t *testing.T) {
	_, err := NewRedisStorage(nil, logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config cannot be nil")

	_, err = NewRedisStorage(&RedisConfig{}, logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address is required")
}

func TestRedisStorageGenerateKeys(t *testing.T) {
	storage, err := NewRedisStorage(&RedisConfig{Addr: "localhost:6379", KeyPrefix: "tsdp"}, logrus.New())
	require.NoError(t, err)

	assert.Equal(t, "tsdp:report:run-1", storage.generateReportKey("run-1"))
	assert.Equal(t, "tsdp:reports", storage.generateIndexKey())
}

func TestRedisStorageGenerateKeysNoPrefix(t *testing.T) {
	storage, err := NewRedisStorage(&RedisConfig{Addr: "localhost:6379"}, logrus.New())
	require.NoError(t, err)

	assert.Equal(t, "report:run-1", storage.generateReportKey("run-1"))
	assert.Equal(t, "reports", storage.generateIndexKey())
}

func TestRedisStorageNotConnected(t *testing.T) {
	storage, err := NewRedisStorage(&RedisConfig{Addr: "localhost:6379"}, logrus.New())
	require.NoError(t, err)

	ctx := context.Background()
	assert.Error(t, storage.Store(ctx, &models.ExperimentReport{RunID: "run-1"}))

	_, err = storage.Get(ctx, "run-1")
	require.Error(t, err)
	assert.Equal(t, errors.CodeStorageError, errors.CodeOf(err))

	_, err = storage.List(ctx, 10)
	assert.Error(t, err)

	assert.NoError(t, storage.Close())
}

func TestDecodeReport(t *testing.T) {
	report := &models.ExperimentReport{
		RunID:     "run-1",
		StartedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Rows:      []models.ExperimentRow{{SampleSize: 3, Coefficients: 2, Epsilon: 1, Reference: 3, Perturbed: 4, Noise: 1}},
	}
	payload, err := json.Marshal(report)
	require.NoError(t, err)

	decoded, err := decodeReport(payload)
	require.NoError(t, err)
	assert.Equal(t, report.RunID, decoded.RunID)
	assert.Equal(t, report.Rows, decoded.Rows)

	_, err = decodeReport([]byte("{"))
	assert.Error(t, err)
}
