package export

import (
	"context"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/inferloop/tsdp/pkg/models"
)

// YAMLExporter writes documents as YAML
type YAMLExporter struct{}

// Format returns the exporter format
func (ye *YAMLExporter) Format() ExportFormat {
	return FormatYAML
}

// ExportReport writes the full report
func (ye *YAMLExporter) ExportReport(ctx context.Context, writer io.Writer, report *models.ExperimentReport) error {
	return ye.encode(ctx, writer, report)
}

// ExportSummaries writes the summaries as a YAML sequence
func (ye *YAMLExporter) ExportSummaries(ctx context.Context, writer io.Writer, summaries []models.NoiseSummary) error {
	return ye.encode(ctx, writer, summaries)
}

// ExportSeries writes the series document
func (ye *YAMLExporter) ExportSeries(ctx context.Context, writer io.Writer, series *models.TimeSeries) error {
	return ye.encode(ctx, writer, series)
}

func (ye *YAMLExporter) encode(ctx context.Context, writer io.Writer, v interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoder := yaml.NewEncoder(writer)
	encoder.SetIndent(2)
	if err := encoder.Encode(v); err != nil {
		return err
	}
	return encoder.Close()
}
