package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/tsdp/pkg/errors"
	"github.com/inferloop/tsdp/pkg/models"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Reader loads populations and series from CSV. Rows that fail to parse
// are logged and skipped.
type Reader struct {
	logger *logrus.Logger
}

// NewReader creates a new CSV reader
func NewReader(logger *logrus.Logger) *Reader {
	if logger == nil {
		logger = logrus.New()
	}
	return &Reader{logger: logger}
}

// ReadPopulationFile reads a population CSV, gzip-compressed when the name
// ends in .gz.
func (r *Reader) ReadPopulationFile(path string) ([]models.Record, error) {
	rc, err := open(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return r.ReadPopulation(rc)
}

// ReadSeriesFile reads a series CSV, gzip-compressed when the name ends
// in .gz.
func (r *Reader) ReadSeriesFile(path string) (*models.TimeSeries, error) {
	rc, err := open(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	series, err := r.ReadSeries(rc)
	if err != nil {
		return nil, err
	}
	series.Name = strings.TrimSuffix(strings.TrimSuffix(filepath.Base(strings.ToLower(path)), ".gz"), ".csv")
	return series, nil
}

// ReadPopulation reads id,timestamp[,value][,attribute...] rows. A missing
// value column gives every record a value of 1. Every other column becomes
// an attribute.
func (r *Reader) ReadPopulation(in io.Reader) ([]models.Record, error) {
	header, rows, err := readAll(in)
	if err != nil {
		return nil, err
	}

	idCol, timestampCol, valueCol := -1, -1, -1
	for i, col := range header {
		switch col {
		case "id", "user_id", "card_id":
			idCol = i
		case "timestamp", "time", "date", "departure_time":
			timestampCol = i
		case "value", "amount":
			valueCol = i
		}
	}
	if idCol == -1 || timestampCol == -1 {
		return nil, errors.WrapError(errors.ErrInvalidInputData, errors.ErrorTypeValidation, errors.CodeInvalidInput,
			"population CSV must have id and timestamp columns")
	}

	records := make([]models.Record, 0, len(rows))
	for i, row := range rows {
		line := i + 2
		timestamp, err := parseTimestamp(row[timestampCol])
		if err != nil {
			r.logger.WithError(err).WithField("row", line).Warn("Failed to parse timestamp")
			continue
		}

		value := 1.0
		if valueCol != -1 {
			value, err = strconv.ParseFloat(strings.TrimSpace(row[valueCol]), 64)
			if err != nil {
				r.logger.WithError(err).WithField("row", line).Warn("Failed to parse value")
				continue
			}
		}

		var attributes map[string]string
		for j, col := range header {
			if j == idCol || j == timestampCol || j == valueCol {
				continue
			}
			if attributes == nil {
				attributes = make(map[string]string)
			}
			attributes[col] = row[j]
		}

		records = append(records, models.Record{
			ID:         row[idCol],
			Timestamp:  timestamp,
			Value:      value,
			Attributes: attributes,
		})
	}

	if len(records) == 0 {
		return nil, errors.WrapError(errors.ErrInvalidInputData, errors.ErrorTypeValidation, errors.CodeInvalidInput,
			"no valid records found in CSV")
	}

	r.logger.WithFields(logrus.Fields{
		"records": len(records),
		"skipped": len(rows) - len(records),
	}).Debug("Loaded population")

	return records, nil
}

// ReadSeries reads timestamp,value rows in strictly increasing time order
func (r *Reader) ReadSeries(in io.Reader) (*models.TimeSeries, error) {
	header, rows, err := readAll(in)
	if err != nil {
		return nil, err
	}

	timestampCol, valueCol := -1, -1
	for i, col := range header {
		switch col {
		case "timestamp", "time", "date":
			timestampCol = i
		case "value", "data":
			valueCol = i
		}
	}
	if timestampCol == -1 || valueCol == -1 {
		return nil, errors.WrapError(errors.ErrInvalidInputData, errors.ErrorTypeValidation, errors.CodeInvalidInput,
			"series CSV must have timestamp and value columns")
	}

	timestamps := make([]time.Time, 0, len(rows))
	values := make([]float64, 0, len(rows))
	for i, row := range rows {
		timestamp, err := parseTimestamp(row[timestampCol])
		if err != nil {
			r.logger.WithError(err).WithField("row", i+2).Warn("Failed to parse timestamp")
			continue
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(row[valueCol]), 64)
		if err != nil {
			r.logger.WithError(err).WithField("row", i+2).Warn("Failed to parse value")
			continue
		}
		timestamps = append(timestamps, timestamp)
		values = append(values, value)
	}

	if len(values) == 0 {
		return nil, errors.WrapError(errors.ErrInvalidInputData, errors.ErrorTypeValidation, errors.CodeInvalidInput,
			"no valid data points found in CSV")
	}

	series, err := models.NewTimeSeries("", timestamps, values)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeInvalidInput, "invalid series")
	}
	return series, nil
}

func readAll(in io.Reader) ([]string, [][]string, error) {
	reader := csv.NewReader(in)
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeInvalidInput, "failed to read CSV")
	}
	if len(records) < 2 {
		return nil, nil, errors.WrapError(errors.ErrInvalidInputData, errors.ErrorTypeValidation, errors.CodeInvalidInput,
			"CSV must have a header and at least one data row")
	}

	header := make([]string, len(records[0]))
	for i, col := range records[0] {
		header[i] = strings.ToLower(strings.TrimSpace(col))
	}
	return header, records[1:], nil
}

func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", value)
}

type gzipFile struct {
	*gzip.Reader
	file *os.File
}

func (g *gzipFile) Close() error {
	g.Reader.Close()
	return g.file.Close()
}

func open(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeInvalidInput,
			fmt.Sprintf("failed to open %s", path))
	}
	if !strings.HasSuffix(strings.ToLower(path), ".gz") {
		return file, nil
	}

	gz, err := gzip.NewReader(file)
	if err != nil {
		file.Close()
		return nil, errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeInvalidInput,
			fmt.Sprintf("failed to decompress %s", path))
	}
	return &gzipFile{Reader: gz, file: file}, nil
}
