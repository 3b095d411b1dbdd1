package file

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/inferloop/tsdp/internal/export"
	"github.com/inferloop/tsdp/pkg/errors"
	"github.com/inferloop/tsdp/pkg/models"
)

// FileStorageConfig contains configuration for file-based storage
type FileStorageConfig struct {
	BasePath   string `json:"base_path" yaml:"base_path" mapstructure:"base_path"`
	Format     string `json:"format" yaml:"format" mapstructure:"format"` // "csv", "json", "yaml"
	CreateDirs bool   `json:"create_dirs" yaml:"create_dirs" mapstructure:"create_dirs"`
}

// FileStorage writes one file per experiment report
type FileStorage struct {
	config    *FileStorageConfig
	format    export.ExportFormat
	exporter  *export.ExportEngine
	logger    *logrus.Logger
	mu        sync.RWMutex
	connected bool
}

// NewFileStorage creates a new file storage instance
func NewFileStorage(config *FileStorageConfig, exporter *export.ExportEngine, logger *logrus.Logger) (*FileStorage, error) {
	if config == nil {
		return nil, errors.NewValidationError(errors.CodeInvalidConfig, "FileStorageConfig cannot be nil")
	}

	if config.BasePath == "" {
		return nil, errors.NewValidationError(errors.CodeInvalidConfig, "BasePath is required")
	}

	if config.Format == "" {
		config.Format = string(export.FormatJSON)
	}

	format, err := export.ParseFormat(config.Format)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = logrus.New()
	}

	if exporter == nil {
		exporter = export.NewExportEngine(nil, logger)
	}

	return &FileStorage{
		config:   config,
		format:   format,
		exporter: exporter,
		logger:   logger,
	}, nil
}

// Name returns the backend name
func (fs *FileStorage) Name() string {
	return "file"
}

// Readable reports whether Get can decode the configured format
func (fs *FileStorage) Readable() bool {
	return fs.format != export.FormatCSV
}

// Connect verifies the base directory is writable
func (fs *FileStorage) Connect(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.connected {
		return nil
	}

	if fs.config.CreateDirs {
		if err := os.MkdirAll(fs.config.BasePath, 0755); err != nil {
			return errors.NewStorageConnectionError("file", fs.config.BasePath, err)
		}
	}

	info, err := os.Stat(fs.config.BasePath)
	if err != nil {
		return errors.NewStorageConnectionError("file", fs.config.BasePath, err)
	}
	if !info.IsDir() {
		return errors.NewStorageConnectionError("file", fs.config.BasePath, fmt.Errorf("not a directory"))
	}

	testFile := filepath.Join(fs.config.BasePath, ".write_test")
	file, err := os.Create(testFile)
	if err != nil {
		return errors.NewStorageConnectionError("file", fs.config.BasePath, err)
	}
	file.Close()
	os.Remove(testFile)

	fs.connected = true
	fs.logger.WithField("base_path", fs.config.BasePath).Info("File storage ready")
	return nil
}

// Store writes the report to <base_path>/<run_id>.<format>[.gz]. The file
// is written under a temporary name and renamed into place.
func (fs *FileStorage) Store(ctx context.Context, report *models.ExperimentReport) error {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if !fs.connected {
		return errors.NewStorageError(errors.CodeStorageError, "file storage not connected")
	}

	start := time.Now()
	data, err := fs.exporter.EncodeReport(ctx, fs.format, report)
	if err != nil {
		return errors.WrapStorageError(err, "encode", "file")
	}

	path := fs.reportPath(report.RunID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.WrapStorageError(err, "write", "file").WithTarget(tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.WrapStorageError(err, "rename", "file").WithTarget(path)
	}

	fs.logger.WithFields(logrus.Fields{
		"run_id":   report.RunID,
		"path":     path,
		"bytes":    len(data),
		"duration": time.Since(start),
	}).Debug("Stored report file")

	return nil
}

// Get reads a report back. Only JSON and YAML files carry the full report.
func (fs *FileStorage) Get(ctx context.Context, runID string) (*models.ExperimentReport, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.format == export.FormatCSV {
		return nil, errors.WrapError(errors.ErrInvalidFormat, errors.ErrorTypeStorage, errors.CodeStorageError,
			"csv report files cannot be read back")
	}

	path := fs.reportPath(runID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapError(errors.ErrDataNotFound, errors.ErrorTypeStorage, errors.CodeDataNotFound,
				fmt.Sprintf("report %s not found", runID))
		}
		return nil, errors.WrapStorageError(err, "read", "file").WithTarget(path)
	}

	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errors.WrapStorageError(err, "decompress", "file").WithTarget(path)
		}
		defer gz.Close()
		if data, err = io.ReadAll(gz); err != nil {
			return nil, errors.WrapStorageError(err, "decompress", "file").WithTarget(path)
		}
	}

	var report models.ExperimentReport
	if fs.format == export.FormatJSON {
		err = json.Unmarshal(data, &report)
	} else {
		err = yaml.Unmarshal(data, &report)
	}
	if err != nil {
		return nil, errors.WrapStorageError(err, "decode", "file").WithTarget(path)
	}
	return &report, nil
}

// Close releases the storage
func (fs *FileStorage) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.connected = false
	return nil
}

func (fs *FileStorage) reportPath(runID string) string {
	return filepath.Join(fs.config.BasePath, fs.exporter.FileName(runID, fs.format))
}
