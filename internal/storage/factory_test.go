package storage

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/tsdp/internal/export"
	"github.com/inferloop/tsdp/internal/storage/implementations/file"
	"github.com/inferloop/tsdp/internal/storage/interfaces"
	"github.com/inferloop/tsdp/pkg/models"
)

func TestFactorySupportedTypes(t *testing.T) {
	factory := NewFactory(logrus.New())

	assert.Equal(t, []string{"file", "influxdb", "postgres", "redis", "s3"}, factory.GetSupportedTypes())
}

func TestFactoryRegisterStorage(t *testing.T) {
	factory := NewFactory(logrus.New())

	err := factory.RegisterStorage("memory", func(*Config, *export.ExportEngine, *logrus.Logger) (interfaces.Sink, error) {
		return &fakeSink{name: "memory"}, nil
	})
	require.NoError(t, err)
	assert.Contains(t, factory.GetSupportedTypes(), "memory")

	assert.Error(t, factory.RegisterStorage("memory", nil))
	assert.Error(t, factory.RegisterStorage("", nil))
	assert.Error(t, factory.RegisterStorage("file", func(*Config, *export.ExportEngine, *logrus.Logger) (interfaces.Sink, error) {
		return nil, nil
	}))
}

func TestFactoryUnknownBackend(t *testing.T) {
	factory := NewFactory(logrus.New())

	_, _, err := factory.NewSinks(&Config{Backends: []string{"cassandra"}}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cassandra")
}

func TestNewSinksFileCache(t *testing.T) {
	factory := NewFactory(logrus.New())
	config := &Config{
		Backends: []string{"file", "file"},
		File: file.FileStorageConfig{
			BasePath:   t.TempDir(),
			Format:     "json",
			CreateDirs: true,
		},
	}

	recorder := &recordingRecorder{}
	sinks, cache, err := factory.NewSinks(config, export.NewExportEngine(nil, logrus.New()), recorder)
	require.NoError(t, err)
	require.NotNil(t, cache)
	assert.Equal(t, []string{"file"}, sinks.Names())

	ctx := context.Background()
	require.NoError(t, sinks.Connect(ctx))
	defer sinks.Close()

	report := createTestReport()
	require.NoError(t, sinks.Store(ctx, report))

	loaded, err := cache.Get(ctx, report.RunID)
	require.NoError(t, err)
	assert.Equal(t, report.Rows, loaded.Rows)

	assert.Equal(t, []string{"file/connect/success", "file/store/success"}, recorder.operations())
}

func TestNewSinksCSVIsNotACache(t *testing.T) {
	factory := NewFactory(logrus.New())
	config := &Config{
		Backends: []string{"file"},
		File:     file.FileStorageConfig{BasePath: t.TempDir(), Format: "csv"},
	}

	sinks, cache, err := factory.NewSinks(config, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, cache)
	assert.Equal(t, 1, sinks.Len())
}

func TestMultiSinkStoreContinuesAfterFailure(t *testing.T) {
	failing := &fakeSink{name: "broken", storeErr: stderrors.New("disk full")}
	healthy := &fakeSink{name: "healthy"}
	recorder := &recordingRecorder{}

	sinks := NewMultiSink([]interfaces.Sink{failing, healthy}, recorder, logrus.New())
	err := sinks.Store(context.Background(), createTestReport())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, healthy.stored)
	assert.Equal(t, []string{"broken/store/error", "healthy/store/success"}, recorder.operations())
}

func TestMultiSinkConnectStopsAtFirstFailure(t *testing.T) {
	failing := &fakeSink{name: "broken", connectErr: stderrors.New("refused")}
	healthy := &fakeSink{name: "healthy"}

	sinks := NewMultiSink([]interfaces.Sink{failing, healthy}, nil, logrus.New())
	assert.Error(t, sinks.Connect(context.Background()))
	assert.False(t, healthy.connected)

	assert.NoError(t, sinks.Close())
	assert.True(t, failing.closed)
	assert.True(t, healthy.closed)
}

func TestMultiSinkNilReport(t *testing.T) {
	sinks := NewMultiSink(nil, nil, nil)
	assert.Error(t, sinks.Store(context.Background(), nil))
}

// Helper functions

type fakeSink struct {
	name       string
	connectErr error
	storeErr   error
	connected  bool
	closed     bool
	stored     int
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeSink) Store(ctx context.Context, report *models.ExperimentReport) error {
	if f.storeErr != nil {
		return f.storeErr
	}
	f.stored++
	return nil
}

func (f *fakeSink) Close() error {
	f.closed = true
	return nil
}

type recordingRecorder struct {
	mu  sync.Mutex
	ops []string
}

func (r *recordingRecorder) RecordStorageOperation(backend, operation, status string, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, backend+"/"+operation+"/"+status)
}

func (r *recordingRecorder) operations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

func createTestReport() *models.ExperimentReport {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &models.ExperimentReport{
		RunID:       "run-42",
		StartedAt:   start,
		CompletedAt: start.Add(time.Second),
		Parameters: models.ExperimentParameters{
			SampleSizes:  []int{10},
			Coefficients: []int{2},
			Epsilons:     []float64{1},
			Aggregate:    "count",
		},
		Rows: []models.ExperimentRow{
			{SampleSize: 10, Coefficients: 2, Epsilon: 1, Timestamp: start, Reference: 4, Perturbed: 5, Noise: 1},
			{SampleSize: 10, Coefficients: 2, Epsilon: 1, Timestamp: start.Add(time.Hour), Reference: 6, Perturbed: 6, Noise: 0},
		},
	}
}
