package influxdb

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/tsdp/pkg/constants"
	"github.com/inferloop/tsdp/pkg/models"
)

func TestNewInfluxDBStorage(t *testing.T) {
	storage, err := NewInfluxDBStorage(&InfluxDBConfig{
		URL:    "http://localhost:8086",
		Bucket: "experiments",
	}, logrus.New())
	require.NoError(t, err)

	assert.Equal(t, "influxdb", storage.Name())
	assert.Equal(t, constants.DefaultInfluxMeasurement, storage.config.Measurement)
	assert.Equal(t, 1000, storage.config.BatchSize)
	assert.Equal(t, constants.DefaultStorageTimeout, storage.config.Timeout)
}

func TestNewInfluxDBStorageInvalidConfig(t *testing.T) {
	_, err := NewInfluxDBStorage(nil, logrus.New())
	assert.Error(t, err)

	_, err = NewInfluxDBStorage(&InfluxDBConfig{URL: "http://localhost:8086"}, logrus.New())
	assert.Error(t, err)
}

func TestInfluxDBStorageNotConnected(t *testing.T) {
	storage, err := NewInfluxDBStorage(&InfluxDBConfig{URL: "http://localhost:8086", Bucket: "b"}, logrus.New())
	require.NoError(t, err)

	assert.Error(t, storage.Store(context.Background(), &models.ExperimentReport{RunID: "run-1"}))
	assert.NoError(t, storage.Close())
}

func TestReportPoints(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	report := &models.ExperimentReport{
		RunID:      "run-1",
		Parameters: models.ExperimentParameters{Aggregate: "count"},
		Rows: []models.ExperimentRow{
			{SampleSize: 50, Coefficients: 4, Epsilon: 0.5, Timestamp: ts, Reference: 10, Perturbed: 12, Noise: 2},
			{SampleSize: 50, Coefficients: 4, Epsilon: 0.5, Period: "2024-03-01", Timestamp: ts.Add(time.Hour), Reference: 8, Perturbed: 7, Noise: -1},
		},
	}

	points := reportPoints("perturbation", report)
	require.Len(t, points, 2)

	first := points[0]
	assert.Equal(t, "perturbation", first.Name())
	assert.Equal(t, ts, first.Time())

	tags := make(map[string]string)
	for _, tag := range first.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, map[string]string{
		"run_id":       "run-1",
		"aggregate":    "count",
		"sample_size":  "50",
		"coefficients": "4",
		"epsilon":      "0.5",
	}, tags)

	fields := make(map[string]interface{})
	for _, field := range first.FieldList() {
		fields[field.Key] = field.Value
	}
	assert.Equal(t, 10.0, fields["reference"])
	assert.Equal(t, 12.0, fields["perturbed"])
	assert.Equal(t, 2.0, fields["noise"])

	var period string
	for _, tag := range points[1].TagList() {
		if tag.Key == "period" {
			period = tag.Value
		}
	}
	assert.Equal(t, "2024-03-01", period)
}
