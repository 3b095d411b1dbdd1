package influxdb

import (
	"context"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/tsdp/pkg/constants"
	"github.com/inferloop/tsdp/pkg/errors"
	"github.com/inferloop/tsdp/pkg/models"
)

// InfluxDBConfig contains configuration for InfluxDB storage
type InfluxDBConfig struct {
	URL          string        `json:"url" mapstructure:"url"`
	Token        string        `json:"token" mapstructure:"token"`
	Organization string        `json:"organization" mapstructure:"organization"`
	Bucket       string        `json:"bucket" mapstructure:"bucket"`
	Measurement  string        `json:"measurement" mapstructure:"measurement"`
	Timeout      time.Duration `json:"timeout" mapstructure:"timeout"`
	BatchSize    int           `json:"batch_size" mapstructure:"batch_size"`
	UseGZip      bool          `json:"use_gzip" mapstructure:"use_gzip"`
}

// InfluxDBStorage writes every experiment row as a point, tagged with its
// sweep cell so dashboards can group noise by epsilon and coefficients.
type InfluxDBStorage struct {
	config    *InfluxDBConfig
	client    influxdb2.Client
	writeAPI  api.WriteAPIBlocking
	logger    *logrus.Logger
	connected bool
}

// NewInfluxDBStorage creates a new InfluxDB storage instance
func NewInfluxDBStorage(config *InfluxDBConfig, logger *logrus.Logger) (*InfluxDBStorage, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "InfluxDB config cannot be nil")
	}
	if config.URL == "" || config.Bucket == "" {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "InfluxDB url and bucket are required")
	}

	if logger == nil {
		logger = logrus.New()
	}

	// Set defaults
	if config.Timeout == 0 {
		config.Timeout = constants.DefaultStorageTimeout
	}
	if config.BatchSize == 0 {
		config.BatchSize = 1000
	}
	if config.Measurement == "" {
		config.Measurement = constants.DefaultInfluxMeasurement
	}

	return &InfluxDBStorage{
		config: config,
		logger: logger,
	}, nil
}

// Name returns the backend name
func (s *InfluxDBStorage) Name() string {
	return "influxdb"
}

// Connect establishes connection to InfluxDB
func (s *InfluxDBStorage) Connect(ctx context.Context) error {
	if s.connected {
		return nil
	}

	options := influxdb2.DefaultOptions()
	options.SetUseGZip(s.config.UseGZip)
	options.SetPrecision(time.Second)
	options.SetHTTPRequestTimeout(uint(s.config.Timeout.Seconds()))

	client := influxdb2.NewClientWithOptions(s.config.URL, s.config.Token, options)

	ok, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return errors.NewStorageConnectionError("influxdb", s.config.URL, err)
	}
	if !ok {
		client.Close()
		return errors.NewStorageError(errors.CodeStorageError, "InfluxDB ping failed")
	}

	s.client = client
	s.writeAPI = client.WriteAPIBlocking(s.config.Organization, s.config.Bucket)
	s.connected = true

	s.logger.WithFields(logrus.Fields{
		"url":          s.config.URL,
		"organization": s.config.Organization,
		"bucket":       s.config.Bucket,
	}).Info("Connected to InfluxDB")

	return nil
}

// Close closes the connection to InfluxDB
func (s *InfluxDBStorage) Close() error {
	if !s.connected {
		return nil
	}

	s.client.Close()
	s.connected = false
	s.logger.Info("Disconnected from InfluxDB")

	return nil
}

// Store writes the report rows in batches of BatchSize points
func (s *InfluxDBStorage) Store(ctx context.Context, report *models.ExperimentReport) error {
	if !s.connected {
		return errors.NewStorageError(errors.CodeStorageError, "Not connected to InfluxDB")
	}

	start := time.Now()
	points := reportPoints(s.config.Measurement, report)
	for offset := 0; offset < len(points); offset += s.config.BatchSize {
		end := offset + s.config.BatchSize
		if end > len(points) {
			end = len(points)
		}
		if err := s.writeAPI.WritePoint(ctx, points[offset:end]...); err != nil {
			return errors.WrapStorageError(err, "store", "influxdb").
				WithTarget(s.config.Bucket).
				WithRows(end - offset)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"run_id":   report.RunID,
		"points":   len(points),
		"duration": time.Since(start),
	}).Debug("Wrote report to InfluxDB")

	return nil
}

// reportPoints converts each row into one point stamped with the row's
// bucket timestamp.
func reportPoints(measurement string, report *models.ExperimentReport) []*write.Point {
	points := make([]*write.Point, 0, len(report.Rows))
	for _, row := range report.Rows {
		point := influxdb2.NewPointWithMeasurement(measurement).
			AddTag("run_id", report.RunID).
			AddTag("aggregate", report.Parameters.Aggregate).
			AddTag("sample_size", strconv.Itoa(row.SampleSize)).
			AddTag("coefficients", strconv.Itoa(row.Coefficients)).
			AddTag("epsilon", strconv.FormatFloat(row.Epsilon, 'f', -1, 64)).
			AddField("reference", row.Reference).
			AddField("perturbed", row.Perturbed).
			AddField("noise", row.Noise).
			SetTime(row.Timestamp)
		if row.Period != "" {
			point.AddTag("period", row.Period)
		}
		points = append(points, point)
	}
	return points
}
