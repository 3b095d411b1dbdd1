package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/inferloop/tsdp/internal/export"
	"github.com/inferloop/tsdp/internal/observability/metrics"
	"github.com/inferloop/tsdp/internal/storage"
	"github.com/inferloop/tsdp/pkg/constants"
	"github.com/inferloop/tsdp/pkg/errors"
)

// Config is the complete configuration shared by the server and the CLI
type Config struct {
	Server     ServerConfig             `mapstructure:"server"`
	Logging    LoggingConfig            `mapstructure:"logging"`
	Metrics    metrics.PrometheusConfig `mapstructure:"metrics"`
	Privacy    PrivacyConfig            `mapstructure:"privacy"`
	Experiment ExperimentConfig         `mapstructure:"experiment"`
	Export     export.ExportConfig      `mapstructure:"export"`
	Storage    storage.Config           `mapstructure:"storage"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	MaxHeaderBytes  int           `mapstructure:"max_header_bytes" validate:"gte=0"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" validate:"gt=0"`
}

// LoggingConfig selects the logrus level and formatter
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// PrivacyConfig holds the defaults applied to perturbation requests
type PrivacyConfig struct {
	Epsilon      float64 `mapstructure:"epsilon" validate:"gt=0"`
	Coefficients int     `mapstructure:"coefficients" validate:"min=1"`
	Aggregate    string  `mapstructure:"aggregate" validate:"oneof=count sum"`
	Seed         int64   `mapstructure:"seed"`
}

// ExperimentConfig configures the experiment harness
type ExperimentConfig struct {
	Workers     int           `mapstructure:"workers" validate:"min=1"`
	BucketWidth time.Duration `mapstructure:"bucket_width" validate:"gte=0"`
	// MaxRecords bounds the population accepted over HTTP
	MaxRecords int `mapstructure:"max_records" validate:"min=1"`
}

// Address returns host:port
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

var validate = validator.New()

// Load reads cfgFile (or tsdp.yaml from the working directory and
// $HOME/.tsdp) layered over defaults and TSDP_ environment variables.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("tsdp")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".tsdp"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			return nil, errors.WrapError(err, errors.ErrorTypeConfiguration, errors.CodeInvalidConfig,
				"error reading config file")
		}
	}

	return FromViper(v)
}

// FromViper applies defaults and environment bindings to v, then decodes
// and validates the result.
func FromViper(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(constants.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeConfiguration, errors.CodeInvalidConfig,
			"error unmarshaling config")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks every field against its validate tag
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.WrapError(errors.ErrInvalidConfiguration, errors.ErrorTypeConfiguration,
			errors.CodeInvalidConfig, "invalid configuration").WithDetails(err.Error())
	}
	for _, backend := range c.Storage.Backends {
		switch backend {
		case constants.StorageFile, constants.StoragePostgres, constants.StorageInfluxDB,
			constants.StorageS3, constants.StorageRedis:
		default:
			return errors.WrapError(errors.ErrInvalidConfiguration, errors.ErrorTypeConfiguration,
				errors.CodeInvalidConfig, "invalid configuration").
				WithDetails(fmt.Sprintf("unknown storage backend %q", backend))
		}
	}
	return nil
}

// SetDefaults registers every key with its default so that environment
// variables reach nested fields on Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", constants.DefaultHost)
	v.SetDefault("server.port", constants.DefaultPort)
	v.SetDefault("server.read_timeout", constants.DefaultReadTimeout)
	v.SetDefault("server.write_timeout", constants.DefaultWriteTimeout)
	v.SetDefault("server.idle_timeout", constants.DefaultIdleTimeout)
	v.SetDefault("server.shutdown_timeout", constants.DefaultShutdownTimeout)
	v.SetDefault("server.request_timeout", constants.DefaultRequestTimeout)
	v.SetDefault("server.max_header_bytes", 1<<20)
	v.SetDefault("server.max_body_bytes", int64(constants.MaxUploadSize))

	v.SetDefault("logging.level", constants.DefaultLogLevel)
	v.SetDefault("logging.format", constants.DefaultLogFormat)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", constants.DefaultMetricsPath)
	v.SetDefault("metrics.namespace", constants.MetricsNamespace)
	v.SetDefault("metrics.subsystem", "")

	v.SetDefault("privacy.epsilon", constants.DefaultEpsilon)
	v.SetDefault("privacy.coefficients", constants.DefaultCoefficients)
	v.SetDefault("privacy.aggregate", constants.DefaultAggregate)
	v.SetDefault("privacy.seed", constants.DefaultSeed)

	v.SetDefault("experiment.workers", constants.DefaultWorkers)
	v.SetDefault("experiment.bucket_width", constants.DefaultBucketWidth)
	v.SetDefault("experiment.max_records", constants.MaxSeriesLength)

	v.SetDefault("export.output_directory", "")
	v.SetDefault("export.enable_compression", false)
	v.SetDefault("export.compression_level", 0)
	v.SetDefault("export.precision", 0)
	v.SetDefault("export.pretty", true)

	v.SetDefault("storage.backends", []string{})
	v.SetDefault("storage.file.base_path", "./reports")
	v.SetDefault("storage.file.format", constants.FormatJSON)
	v.SetDefault("storage.file.create_dirs", true)

	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("storage.postgres.database", "tsdp")
	v.SetDefault("storage.postgres.username", "tsdp")
	v.SetDefault("storage.postgres.password", "")
	v.SetDefault("storage.postgres.ssl_mode", "disable")
	v.SetDefault("storage.postgres.connect_timeout", constants.DefaultConnectionTimeout)
	v.SetDefault("storage.postgres.query_timeout", constants.DefaultStorageTimeout)
	v.SetDefault("storage.postgres.max_connections", 10)
	v.SetDefault("storage.postgres.max_idle_conns", 5)
	v.SetDefault("storage.postgres.conn_max_lifetime", time.Hour)
	v.SetDefault("storage.postgres.table", constants.DefaultPostgresTable)
	v.SetDefault("storage.postgres.hypertable", false)

	v.SetDefault("storage.influxdb.url", "http://localhost:8086")
	v.SetDefault("storage.influxdb.token", "")
	v.SetDefault("storage.influxdb.organization", "tsdp")
	v.SetDefault("storage.influxdb.bucket", "experiments")
	v.SetDefault("storage.influxdb.measurement", constants.DefaultInfluxMeasurement)
	v.SetDefault("storage.influxdb.timeout", constants.DefaultStorageTimeout)
	v.SetDefault("storage.influxdb.batch_size", 1000)
	v.SetDefault("storage.influxdb.use_gzip", false)

	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.bucket", "tsdp-experiments")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.force_path_style", false)
	v.SetDefault("storage.s3.prefix", constants.DefaultS3Prefix)
	v.SetDefault("storage.s3.format", constants.FormatJSON)
	v.SetDefault("storage.s3.timeout", constants.DefaultStorageTimeout)
	v.SetDefault("storage.s3.max_retries", 3)

	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.dial_timeout", 5*time.Second)
	v.SetDefault("storage.redis.read_timeout", 3*time.Second)
	v.SetDefault("storage.redis.write_timeout", 3*time.Second)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.max_retries", 3)
	v.SetDefault("storage.redis.ttl", constants.DefaultCacheTTL)
	v.SetDefault("storage.redis.key_prefix", constants.AppName)
}

// NewLogger builds a logrus logger from the logging section
func (l LoggingConfig) NewLogger() (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeConfiguration, errors.CodeInvalidConfig,
			fmt.Sprintf("invalid log level %q", l.Level))
	}
	logger.SetLevel(level)

	switch l.Format {
	case constants.LogFormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}

	return logger, nil
}
