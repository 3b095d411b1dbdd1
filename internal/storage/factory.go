package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/tsdp/internal/export"
	"github.com/inferloop/tsdp/internal/storage/implementations/file"
	"github.com/inferloop/tsdp/internal/storage/implementations/influxdb"
	"github.com/inferloop/tsdp/internal/storage/implementations/postgres"
	"github.com/inferloop/tsdp/internal/storage/implementations/redis"
	"github.com/inferloop/tsdp/internal/storage/implementations/s3"
	"github.com/inferloop/tsdp/internal/storage/interfaces"
	"github.com/inferloop/tsdp/pkg/constants"
	"github.com/inferloop/tsdp/pkg/errors"
	"github.com/inferloop/tsdp/pkg/models"
)

// Config selects the report sinks and carries each backend's settings
type Config struct {
	Backends []string                `json:"backends" mapstructure:"backends"`
	File     file.FileStorageConfig  `json:"file" mapstructure:"file"`
	Postgres postgres.PostgresConfig `json:"postgres" mapstructure:"postgres"`
	InfluxDB influxdb.InfluxDBConfig `json:"influxdb" mapstructure:"influxdb"`
	S3       s3.S3Config             `json:"s3" mapstructure:"s3"`
	Redis    redis.RedisConfig       `json:"redis" mapstructure:"redis"`
}

// CreateFunc builds one sink from the storage config
type CreateFunc func(config *Config, exporter *export.ExportEngine, logger *logrus.Logger) (interfaces.Sink, error)

// Factory creates sinks by backend name
type Factory struct {
	creators map[string]CreateFunc
	mu       sync.RWMutex
	logger   *logrus.Logger
}

// NewFactory creates a new storage factory
func NewFactory(logger *logrus.Logger) *Factory {
	if logger == nil {
		logger = logrus.New()
	}

	factory := &Factory{
		creators: make(map[string]CreateFunc),
		logger:   logger,
	}

	// Register default storage types
	factory.registerDefaults()

	return factory
}

// RegisterStorage registers a new storage type
func (f *Factory) RegisterStorage(storageType string, createFunc CreateFunc) error {
	if storageType == "" {
		return errors.NewValidationError(errors.CodeInvalidConfig, "storage type cannot be empty")
	}
	if createFunc == nil {
		return errors.NewValidationError(errors.CodeInvalidConfig, "create function cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.creators[storageType]; exists {
		return errors.NewValidationError(errors.CodeInvalidConfig, fmt.Sprintf("storage type '%s' is already registered", storageType))
	}

	f.creators[storageType] = createFunc
	return nil
}

// GetSupportedTypes returns all supported storage types, sorted
func (f *Factory) GetSupportedTypes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	types := make([]string, 0, len(f.creators))
	for storageType := range f.creators {
		types = append(types, storageType)
	}
	sort.Strings(types)

	return types
}

// CreateStorage creates a single sink
func (f *Factory) CreateStorage(storageType string, config *Config, exporter *export.ExportEngine) (interfaces.Sink, error) {
	f.mu.RLock()
	createFunc, exists := f.creators[storageType]
	f.mu.RUnlock()

	if !exists {
		return nil, errors.NewValidationError(errors.CodeInvalidConfig, fmt.Sprintf("storage type '%s' is not supported", storageType))
	}

	sink, err := createFunc(config, exporter, f.logger)
	if err != nil {
		return nil, err
	}

	f.logger.WithFields(logrus.Fields{
		"storage_type": storageType,
	}).Info("Created storage instance")

	return sink, nil
}

// NewSinks creates every configured backend. The returned cache is the
// first backend, in configuration order, able to read reports back; it is
// nil when none is.
func (f *Factory) NewSinks(config *Config, exporter *export.ExportEngine, recorder interfaces.OperationRecorder) (*MultiSink, interfaces.ReportCache, error) {
	if config == nil {
		return nil, nil, errors.NewValidationError(errors.CodeInvalidConfig, "storage config cannot be nil")
	}

	var sinks []interfaces.Sink
	var cache interfaces.ReportCache
	seen := make(map[string]bool)
	for _, backend := range config.Backends {
		if seen[backend] {
			continue
		}
		seen[backend] = true

		sink, err := f.CreateStorage(backend, config, exporter)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, sink)

		if cache == nil {
			if rc, ok := sink.(interfaces.ReportCache); ok && readable(sink) {
				cache = rc
			}
		}
	}

	return NewMultiSink(sinks, recorder, f.logger), cache, nil
}

func (f *Factory) registerDefaults() {
	f.creators[constants.StorageFile] = func(config *Config, exporter *export.ExportEngine, logger *logrus.Logger) (interfaces.Sink, error) {
		return file.NewFileStorage(&config.File, exporter, logger)
	}
	f.creators[constants.StoragePostgres] = func(config *Config, _ *export.ExportEngine, logger *logrus.Logger) (interfaces.Sink, error) {
		return postgres.NewPostgresStorage(&config.Postgres, logger)
	}
	f.creators[constants.StorageInfluxDB] = func(config *Config, _ *export.ExportEngine, logger *logrus.Logger) (interfaces.Sink, error) {
		return influxdb.NewInfluxDBStorage(&config.InfluxDB, logger)
	}
	f.creators[constants.StorageS3] = func(config *Config, exporter *export.ExportEngine, logger *logrus.Logger) (interfaces.Sink, error) {
		return s3.NewS3Storage(&config.S3, exporter, logger)
	}
	f.creators[constants.StorageRedis] = func(config *Config, _ *export.ExportEngine, logger *logrus.Logger) (interfaces.Sink, error) {
		return redis.NewRedisStorage(&config.Redis, logger)
	}
}

func readable(sink interfaces.Sink) bool {
	r, ok := sink.(interface{ Readable() bool })
	return !ok || r.Readable()
}

// MultiSink fans a report out to several sinks
type MultiSink struct {
	sinks    []interfaces.Sink
	recorder interfaces.OperationRecorder
	logger   *logrus.Logger
}

// NewMultiSink wraps sinks; recorder may be nil
func NewMultiSink(sinks []interfaces.Sink, recorder interfaces.OperationRecorder, logger *logrus.Logger) *MultiSink {
	if logger == nil {
		logger = logrus.New()
	}
	return &MultiSink{sinks: sinks, recorder: recorder, logger: logger}
}

// Names returns the backend names in order
func (ms *MultiSink) Names() []string {
	names := make([]string, len(ms.sinks))
	for i, sink := range ms.sinks {
		names[i] = sink.Name()
	}
	return names
}

// Len returns the number of sinks
func (ms *MultiSink) Len() int {
	return len(ms.sinks)
}

// Connect connects every sink and stops at the first failure
func (ms *MultiSink) Connect(ctx context.Context) error {
	for _, sink := range ms.sinks {
		if err := ms.observe(sink.Name(), "connect", func() error { return sink.Connect(ctx) }); err != nil {
			return err
		}
	}
	return nil
}

// Store writes the report to every sink. A failing sink does not stop the
// others; all failures are returned joined.
func (ms *MultiSink) Store(ctx context.Context, report *models.ExperimentReport) error {
	if report == nil {
		return errors.NewInvalidParameterError("report is required")
	}

	var errs []error
	for _, sink := range ms.sinks {
		if err := ms.observe(sink.Name(), "store", func() error { return sink.Store(ctx, report) }); err != nil {
			ms.logger.WithFields(logrus.Fields{
				"backend": sink.Name(),
				"run_id":  report.RunID,
			}).WithError(err).Error("Failed to store report")
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Close closes every sink
func (ms *MultiSink) Close() error {
	var errs []error
	for _, sink := range ms.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (ms *MultiSink) observe(backend, operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	if ms.recorder != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		ms.recorder.RecordStorageOperation(backend, operation, status, time.Since(start))
	}
	return err
}
