package s3

import (
	"bytes"
	"context"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/tsdp/internal/export"
	"github.com/inferloop/tsdp/pkg/constants"
	"github.com/inferloop/tsdp/pkg/errors"
	"github.com/inferloop/tsdp/pkg/models"
)

// S3Config holds configuration for S3 storage
type S3Config struct {
	Region          string        `json:"region" mapstructure:"region"`
	Bucket          string        `json:"bucket" mapstructure:"bucket"`
	AccessKeyID     string        `json:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string        `json:"secret_access_key" mapstructure:"secret_access_key"`
	SessionToken    string        `json:"session_token,omitempty" mapstructure:"session_token"`
	Endpoint        string        `json:"endpoint,omitempty" mapstructure:"endpoint"`
	ForcePathStyle  bool          `json:"force_path_style" mapstructure:"force_path_style"`
	DisableSSL      bool          `json:"disable_ssl" mapstructure:"disable_ssl"`
	Prefix          string        `json:"prefix" mapstructure:"prefix"`
	Format          string        `json:"format" mapstructure:"format"`
	Timeout         time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxRetries      int           `json:"max_retries" mapstructure:"max_retries"`
	PartSize        int64         `json:"part_size" mapstructure:"part_size"`
	StorageClass    string        `json:"storage_class" mapstructure:"storage_class"`
}

// S3Storage uploads encoded experiment reports as objects
type S3Storage struct {
	config   *S3Config
	format   export.ExportFormat
	exporter *export.ExportEngine
	s3Client *s3.S3
	uploader *s3manager.Uploader
	logger   *logrus.Logger
	mu       sync.RWMutex
	closed   bool
}

// NewS3Storage creates a new S3 storage instance
func NewS3Storage(config *S3Config, exporter *export.ExportEngine, logger *logrus.Logger) (*S3Storage, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "S3 config cannot be nil")
	}

	if config.Bucket == "" {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "S3 bucket is required")
	}

	if logger == nil {
		logger = logrus.New()
	}
	if exporter == nil {
		exporter = export.NewExportEngine(nil, logger)
	}

	if config.Format == "" {
		config.Format = string(export.FormatJSON)
	}
	format, err := export.ParseFormat(config.Format)
	if err != nil {
		return nil, err
	}
	if config.Timeout == 0 {
		config.Timeout = constants.DefaultStorageTimeout
	}

	return &S3Storage{
		config:   config,
		format:   format,
		exporter: exporter,
		logger:   logger,
	}, nil
}

// Name returns the backend name
func (s *S3Storage) Name() string {
	return "s3"
}

// Connect creates the session and checks the bucket is reachable
func (s *S3Storage) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.s3Client != nil {
		return nil
	}

	awsConfig := &aws.Config{
		Region:     aws.String(s.config.Region),
		MaxRetries: aws.Int(s.config.MaxRetries),
	}

	if s.config.AccessKeyID != "" && s.config.SecretAccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(
			s.config.AccessKeyID,
			s.config.SecretAccessKey,
			s.config.SessionToken,
		)
	}

	// S3-compatible services such as MinIO
	if s.config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(s.config.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(s.config.ForcePathStyle)
	}

	if s.config.DisableSSL {
		awsConfig.DisableSSL = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return errors.NewStorageConnectionError("s3", s.config.Bucket, err)
	}

	client := s3.New(sess)
	uploader := s3manager.NewUploader(sess)
	if s.config.PartSize > 0 {
		uploader.PartSize = s.config.PartSize
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	if _, err := client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.config.Bucket),
	}); err != nil {
		return errors.NewStorageConnectionError("s3", s.config.Bucket, err)
	}

	s.s3Client = client
	s.uploader = uploader
	s.closed = false

	s.logger.WithFields(logrus.Fields{
		"region": s.config.Region,
		"bucket": s.config.Bucket,
		"format": s.format,
	}).Info("Connected to S3")

	return nil
}

// Close releases the client
func (s *S3Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.s3Client = nil
	s.uploader = nil
	s.closed = true

	s.logger.Info("S3 connection closed")
	return nil
}

// Store uploads the report encoded in the configured format
func (s *S3Storage) Store(ctx context.Context, report *models.ExperimentReport) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.uploader == nil {
		return errors.NewStorageError(errors.CodeStorageError, "S3 not connected")
	}

	start := time.Now()
	payload, err := s.exporter.EncodeReport(ctx, s.format, report)
	if err != nil {
		return err
	}

	key := s.generateKey(report.RunID)
	input := &s3manager.UploadInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String(contentType(s.format)),
		Metadata: map[string]*string{
			"run-id":     aws.String(report.RunID),
			"aggregate":  aws.String(report.Parameters.Aggregate),
			"rows":       aws.String(strconv.Itoa(len(report.Rows))),
			"started-at": aws.String(report.StartedAt.Format(time.RFC3339)),
		},
	}
	if s.exporter.Compressed() {
		input.ContentEncoding = aws.String("gzip")
	}
	if s.config.StorageClass != "" {
		input.StorageClass = aws.String(s.config.StorageClass)
	}

	if _, err := s.uploader.UploadWithContext(ctx, input); err != nil {
		return errors.WrapStorageError(err, "store", "s3").
			WithTarget(key).
			WithDuration(time.Since(start))
	}

	s.logger.WithFields(logrus.Fields{
		"run_id":   report.RunID,
		"key":      key,
		"bytes":    len(payload),
		"duration": time.Since(start),
	}).Debug("Uploaded report to S3")

	return nil
}

// generateKey returns <prefix>/<run id>.<format>, with .gz when compressed
func (s *S3Storage) generateKey(runID string) string {
	prefix := s.config.Prefix
	if prefix == "" {
		prefix = constants.DefaultS3Prefix
	}
	return path.Join(prefix, s.exporter.FileName(runID, s.format))
}

func contentType(format export.ExportFormat) string {
	switch format {
	case export.FormatCSV:
		return constants.ContentTypeCSV
	case export.FormatYAML:
		return constants.ContentTypeYAML
	default:
		return constants.ContentTypeJSON
	}
}
