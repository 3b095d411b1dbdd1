package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/tsdp/pkg/errors"
	"github.com/inferloop/tsdp/pkg/models"
)

// ExportEngine writes experiment reports, noise summaries and perturbed
// series in the registered formats.
type ExportEngine struct {
	logger    *logrus.Logger
	config    *ExportConfig
	mu        sync.RWMutex
	exporters map[ExportFormat]Exporter
}

// ExportConfig configures the export engine
type ExportConfig struct {
	OutputDirectory   string `json:"output_directory" mapstructure:"output_directory"`
	EnableCompression bool   `json:"enable_compression" mapstructure:"enable_compression"`
	CompressionLevel  int    `json:"compression_level" mapstructure:"compression_level"`
	Precision         int    `json:"precision" mapstructure:"precision"`
	Pretty            bool   `json:"pretty" mapstructure:"pretty"`
}

// ExportFormat defines supported export formats
type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
	FormatYAML ExportFormat = "yaml"
)

// ParseFormat parses csv, json or yaml
func ParseFormat(name string) (ExportFormat, error) {
	switch f := ExportFormat(strings.ToLower(strings.TrimSpace(name))); f {
	case FormatCSV, FormatJSON, FormatYAML:
		return f, nil
	case "yml":
		return FormatYAML, nil
	default:
		return "", errors.WrapError(errors.ErrInvalidFormat, errors.ErrorTypeValidation, errors.CodeInvalidParameter,
			fmt.Sprintf("unsupported export format %q", name))
	}
}

// Exporter writes one format
type Exporter interface {
	Format() ExportFormat
	ExportReport(ctx context.Context, writer io.Writer, report *models.ExperimentReport) error
	ExportSummaries(ctx context.Context, writer io.Writer, summaries []models.NoiseSummary) error
	ExportSeries(ctx context.Context, writer io.Writer, series *models.TimeSeries) error
}

// NewExportEngine creates a new export engine
func NewExportEngine(config *ExportConfig, logger *logrus.Logger) *ExportEngine {
	if config == nil {
		config = getDefaultExportConfig()
	}

	if logger == nil {
		logger = logrus.New()
	}

	engine := &ExportEngine{
		logger:    logger,
		config:    config,
		exporters: make(map[ExportFormat]Exporter),
	}

	engine.RegisterExporter(&CSVExporter{Precision: config.Precision})
	engine.RegisterExporter(&JSONExporter{Pretty: config.Pretty})
	engine.RegisterExporter(&YAMLExporter{})

	return engine
}

// RegisterExporter registers or replaces the exporter for its format
func (ee *ExportEngine) RegisterExporter(exporter Exporter) {
	ee.mu.Lock()
	defer ee.mu.Unlock()
	ee.exporters[exporter.Format()] = exporter
}

// ExportReport writes the report in the given format
func (ee *ExportEngine) ExportReport(ctx context.Context, format ExportFormat, writer io.Writer, report *models.ExperimentReport) error {
	exporter, err := ee.exporter(format)
	if err != nil {
		return err
	}
	if report == nil {
		return errors.NewInvalidParameterError("report is required")
	}

	if err := exporter.ExportReport(ctx, writer, report); err != nil {
		return fmt.Errorf("failed to export report %s as %s: %w", report.RunID, format, err)
	}

	ee.logger.WithFields(logrus.Fields{
		"format": format,
		"run_id": report.RunID,
		"rows":   len(report.Rows),
	}).Debug("Export completed")
	return nil
}

// ExportSummaries writes noise summaries in the given format
func (ee *ExportEngine) ExportSummaries(ctx context.Context, format ExportFormat, writer io.Writer, summaries []models.NoiseSummary) error {
	exporter, err := ee.exporter(format)
	if err != nil {
		return err
	}
	if err := exporter.ExportSummaries(ctx, writer, summaries); err != nil {
		return fmt.Errorf("failed to export summaries as %s: %w", format, err)
	}
	return nil
}

// ExportSeries writes a single series in the given format
func (ee *ExportEngine) ExportSeries(ctx context.Context, format ExportFormat, writer io.Writer, series *models.TimeSeries) error {
	exporter, err := ee.exporter(format)
	if err != nil {
		return err
	}
	if series == nil {
		return errors.NewInvalidParameterError("series is required")
	}
	if err := exporter.ExportSeries(ctx, writer, series); err != nil {
		return fmt.Errorf("failed to export series as %s: %w", format, err)
	}
	return nil
}

// EncodeReport renders the report into memory, gzip-compressed when the
// engine is configured for compression.
func (ee *ExportEngine) EncodeReport(ctx context.Context, format ExportFormat, report *models.ExperimentReport) ([]byte, error) {
	var buf bytes.Buffer
	var writer io.Writer = &buf

	var gz *gzip.Writer
	if ee.config.EnableCompression {
		var err error
		gz, err = gzip.NewWriterLevel(&buf, ee.compressionLevel())
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		writer = gz
	}

	if err := ee.ExportReport(ctx, format, writer, report); err != nil {
		return nil, err
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return nil, fmt.Errorf("failed to flush gzip writer: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// Compressed reports whether encoded reports are gzipped
func (ee *ExportEngine) Compressed() bool {
	return ee.config.EnableCompression
}

// FileName returns the output name of a report export, with a .gz suffix
// when compression is enabled.
func (ee *ExportEngine) FileName(runID string, format ExportFormat) string {
	name := fmt.Sprintf("%s.%s", runID, format)
	if ee.config.EnableCompression {
		name += ".gz"
	}
	return name
}

// CreateOutputFile creates path and its directory. A .gz extension wraps
// the file in a gzip writer.
func (ee *ExportEngine) CreateOutputFile(path string) (io.WriteCloser, error) {
	if !filepath.IsAbs(path) && ee.config.OutputDirectory != "" {
		path = filepath.Join(ee.config.OutputDirectory, path)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", path, err)
	}

	if strings.ToLower(filepath.Ext(path)) == ".gz" {
		gz, err := gzip.NewWriterLevel(file, ee.compressionLevel())
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		return &gzipWriter{file: file, gzWriter: gz}, nil
	}
	return file, nil
}

// FormatFromPath infers the export format from a file name, ignoring a
// trailing .gz.
func FormatFromPath(path string) (ExportFormat, error) {
	name := strings.TrimSuffix(strings.ToLower(path), ".gz")
	return ParseFormat(strings.TrimPrefix(filepath.Ext(name), "."))
}

func (ee *ExportEngine) exporter(format ExportFormat) (Exporter, error) {
	ee.mu.RLock()
	defer ee.mu.RUnlock()

	exporter, ok := ee.exporters[format]
	if !ok {
		return nil, errors.WrapError(errors.ErrInvalidFormat, errors.ErrorTypeValidation, errors.CodeInvalidParameter,
			fmt.Sprintf("no exporter found for format %q", format))
	}
	return exporter, nil
}

func (ee *ExportEngine) compressionLevel() int {
	if ee.config.CompressionLevel == 0 {
		return gzip.DefaultCompression
	}
	return ee.config.CompressionLevel
}

// gzipWriter wraps gzip writer with file
type gzipWriter struct {
	file     *os.File
	gzWriter *gzip.Writer
}

func (gw *gzipWriter) Write(p []byte) (int, error) {
	return gw.gzWriter.Write(p)
}

func (gw *gzipWriter) Close() error {
	if err := gw.gzWriter.Close(); err != nil {
		gw.file.Close()
		return err
	}
	return gw.file.Close()
}

func getDefaultExportConfig() *ExportConfig {
	return &ExportConfig{
		Pretty: true,
	}
}
