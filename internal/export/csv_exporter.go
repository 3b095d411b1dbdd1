package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/inferloop/tsdp/pkg/models"
)

var (
	reportHeaders  = []string{"sample_size", "coefficients", "epsilon", "period", "timestamp", "reference", "perturbed", "noise"}
	summaryHeaders = []string{"sample_size", "coefficients", "epsilon", "period", "points", "mean_noise", "mean_absolute_noise", "rmse", "noise_std_dev"}
	seriesHeaders  = []string{"timestamp", "value"}
)

// CSVExporter writes flat tables. A report exports its rows only.
type CSVExporter struct {
	// Precision is the number of decimals of measured values; zero or
	// negative keeps the shortest exact representation.
	Precision int
}

// Format returns the exporter format
func (ce *CSVExporter) Format() ExportFormat {
	return FormatCSV
}

// ExportReport writes one line per experiment row
func (ce *CSVExporter) ExportReport(ctx context.Context, writer io.Writer, report *models.ExperimentReport) error {
	csvWriter := csv.NewWriter(writer)
	if err := csvWriter.Write(reportHeaders); err != nil {
		return fmt.Errorf("failed to write CSV headers: %w", err)
	}

	for _, row := range report.Rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		record := []string{
			strconv.Itoa(row.SampleSize),
			strconv.Itoa(row.Coefficients),
			formatFloat(row.Epsilon),
			row.Period,
			row.Timestamp.Format(time.RFC3339),
			ce.formatValue(row.Reference),
			ce.formatValue(row.Perturbed),
			ce.formatValue(row.Noise),
		}
		if err := csvWriter.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	csvWriter.Flush()
	return csvWriter.Error()
}

// ExportSummaries writes one line per noise summary
func (ce *CSVExporter) ExportSummaries(ctx context.Context, writer io.Writer, summaries []models.NoiseSummary) error {
	csvWriter := csv.NewWriter(writer)
	if err := csvWriter.Write(summaryHeaders); err != nil {
		return fmt.Errorf("failed to write CSV headers: %w", err)
	}

	for _, s := range summaries {
		if err := ctx.Err(); err != nil {
			return err
		}
		record := []string{
			strconv.Itoa(s.SampleSize),
			strconv.Itoa(s.Coefficients),
			formatFloat(s.Epsilon),
			s.Period,
			strconv.Itoa(s.Points),
			ce.formatValue(s.MeanNoise),
			ce.formatValue(s.MeanAbsoluteNoise),
			ce.formatValue(s.RMSE),
			ce.formatValue(s.NoiseStdDev),
		}
		if err := csvWriter.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	csvWriter.Flush()
	return csvWriter.Error()
}

// ExportSeries writes timestamp,value lines
func (ce *CSVExporter) ExportSeries(ctx context.Context, writer io.Writer, series *models.TimeSeries) error {
	csvWriter := csv.NewWriter(writer)
	if err := csvWriter.Write(seriesHeaders); err != nil {
		return fmt.Errorf("failed to write CSV headers: %w", err)
	}

	for _, dp := range series.DataPoints {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := csvWriter.Write([]string{dp.Timestamp.Format(time.RFC3339), ce.formatValue(dp.Value)}); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	csvWriter.Flush()
	return csvWriter.Error()
}

func (ce *CSVExporter) formatValue(value float64) string {
	if ce.Precision <= 0 {
		return formatFloat(value)
	}
	return strconv.FormatFloat(value, 'f', ce.Precision, 64)
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
