package constants

import "time"

// Application constants
const (
	// Application metadata
	AppName        = "tsdp"
	AppDescription = "Differentially private spectral perturbation of time series"
	AppVersion     = "0.1.0"

	// API constants
	APIVersion = "v1"
	APIPrefix  = "/api/v1"

	// Default configuration values
	DefaultPort            = 8080
	DefaultHost            = "0.0.0.0"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 60 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultRequestTimeout  = 60 * time.Second

	// Privacy defaults
	DefaultEpsilon      = 1.0
	DefaultCoefficients = 10
	DefaultAggregate    = "count"
	DefaultSeed         = 42

	// Experiment defaults
	DefaultWorkers     = 4
	DefaultBucketWidth = 15 * time.Minute

	// Storage defaults
	DefaultStorageTimeout    = 30 * time.Second
	DefaultConnectionTimeout = 10 * time.Second
	DefaultCacheTTL          = 24 * time.Hour
	DefaultPostgresTable     = "experiment_rows"
	DefaultInfluxMeasurement = "perturbation"
	DefaultS3Prefix          = "experiments"

	// Metrics defaults
	DefaultMetricsPath = "/metrics"
	MetricsNamespace   = "tsdp"

	// File size limits
	MaxUploadSize   = 100 * 1024 * 1024 // 100MB
	MaxSeriesLength = 1000000
)

// HTTP headers
const (
	HeaderContentType = "Content-Type"
	HeaderRequestID   = "X-Request-ID"
)

// Content types
const (
	ContentTypeJSON = "application/json"
	ContentTypeYAML = "application/yaml"
	ContentTypeCSV  = "text/csv"
	ContentTypeGzip = "application/gzip"
)

// Log levels
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Log formats
const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// Export formats
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Storage backends
const (
	StorageFile     = "file"
	StoragePostgres = "postgres"
	StorageInfluxDB = "influxdb"
	StorageS3       = "s3"
	StorageRedis    = "redis"
)

// Environment variables
const (
	EnvPrefix = "TSDP"
)
