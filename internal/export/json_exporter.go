package export

import (
	"context"
	"encoding/json"
	"io"

	"github.com/inferloop/tsdp/pkg/models"
)

// JSONExporter writes documents as JSON
type JSONExporter struct {
	Pretty bool
}

// Format returns the exporter format
func (je *JSONExporter) Format() ExportFormat {
	return FormatJSON
}

// ExportReport writes the full report, parameters and failures included
func (je *JSONExporter) ExportReport(ctx context.Context, writer io.Writer, report *models.ExperimentReport) error {
	return je.encode(ctx, writer, report)
}

// ExportSummaries writes the summaries as a JSON array
func (je *JSONExporter) ExportSummaries(ctx context.Context, writer io.Writer, summaries []models.NoiseSummary) error {
	if summaries == nil {
		summaries = []models.NoiseSummary{}
	}
	return je.encode(ctx, writer, summaries)
}

// ExportSeries writes the series object
func (je *JSONExporter) ExportSeries(ctx context.Context, writer io.Writer, series *models.TimeSeries) error {
	return je.encode(ctx, writer, series)
}

func (je *JSONExporter) encode(ctx context.Context, writer io.Writer, v interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoder := json.NewEncoder(writer)
	if je.Pretty {
		encoder.SetIndent("", "  ")
	}
	return encoder.Encode(v)
}
