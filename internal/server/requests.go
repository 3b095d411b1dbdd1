package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"

	"github.com/inferloop/tsdp/internal/experiment"
	"github.com/inferloop/tsdp/pkg/errors"
	"github.com/inferloop/tsdp/pkg/models"
)

var validate = validator.New()

// SeriesPoint is one timestamped value of a request or response series
type SeriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// RecordPayload is one population row. A missing value counts as 1.
type RecordPayload struct {
	ID         string            `json:"id" validate:"required"`
	Timestamp  time.Time         `json:"timestamp"`
	Value      *float64          `json:"value,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// FilterPayload restricts a population to rows whose attribute matches
type FilterPayload struct {
	Name   string   `json:"name" validate:"required"`
	Values []string `json:"values" validate:"required,min=1"`
}

// PerturbRequest is the body of POST /api/v1/perturb. Either values or
// points is required; a period needs points.
type PerturbRequest struct {
	Values       []float64     `json:"values" validate:"required_without=Points"`
	Points       []SeriesPoint `json:"points" validate:"required_without=Values"`
	Aggregate    string        `json:"aggregate" default:"count" validate:"oneof=count sum"`
	Boundary     *float64      `json:"boundary,omitempty" validate:"omitempty,gte=0"`
	Epsilon      float64       `json:"epsilon" validate:"gt=0"`
	Coefficients int           `json:"coefficients" validate:"min=1"`
	Period       string        `json:"period,omitempty" validate:"omitempty,oneof=day week month year"`
	Seed         *int64        `json:"seed,omitempty"`
}

// ExperimentRequest is the body of POST /api/v1/experiments
type ExperimentRequest struct {
	Records      []RecordPayload `json:"records" validate:"required,min=1,dive"`
	SampleSizes  []int           `json:"sample_sizes" validate:"required,min=1,dive,min=1"`
	Coefficients []int           `json:"coefficients" validate:"required,min=1,dive,min=1"`
	Epsilons     []float64       `json:"epsilons" validate:"required,min=1,dive,gt=0"`
	Aggregate    string          `json:"aggregate" default:"count" validate:"oneof=count sum"`
	Period       string          `json:"period,omitempty" validate:"omitempty,oneof=day week month year"`
	Filter       *FilterPayload  `json:"filter,omitempty" validate:"omitempty"`
	BucketWidth  string          `json:"bucket_width,omitempty"`
	Seed         *int64          `json:"seed,omitempty"`
	View         string          `json:"view" default:"report" validate:"oneof=report summary"`
}

// AnalyzeRequest is the body of POST /api/v1/analyze
type AnalyzeRequest struct {
	Records   []RecordPayload `json:"records" validate:"required,min=1,dive"`
	Columns   []string        `json:"columns,omitempty"`
	Subset    []string        `json:"subset,omitempty"`
	Distinct  string          `json:"distinct,omitempty"`
	Reindex   bool            `json:"reindex,omitempty"`
	Base      float64         `json:"base" default:"2" validate:"gt=0,ne=1"`
	Normalize bool            `json:"normalize,omitempty"`
}

// readAndValidateRequest decodes the body over req (which may carry
// configured defaults), fills tag defaults and validates.
func readAndValidateRequest(r *http.Request, req interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return requestTooLargeError(tooLarge.Limit)
		}
		return errors.WrapError(errors.ErrInvalidInputData, errors.ErrorTypeValidation, errors.CodeInvalidInput,
			"invalid request body").WithDetails(err.Error())
	}

	if err := defaults.Set(req); err != nil {
		return errors.NewInternalError(err.Error())
	}

	return validateStruct(r.Context(), req)
}

func validateStruct(ctx context.Context, req interface{}) error {
	err := validate.StructCtx(ctx, req)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !stderrors.As(err, &validationErrors) {
		return errors.NewInternalError(err.Error())
	}

	messages := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		messages = append(messages, getErrorMessage(fe))
	}
	return errors.WrapError(errors.ErrInvalidParameter, errors.ErrorTypeValidation, errors.CodeInvalidParameter,
		"request validation failed").WithDetails(strings.Join(messages, "; "))
}

func getErrorMessage(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_without":
		return fmt.Sprintf("%s is required when %s is empty", field, fe.Param())
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must have at least %s items", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "ne":
		return fmt.Sprintf("%s must not be %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}

func (p RecordPayload) record() models.Record {
	value := 1.0
	if p.Value != nil {
		value = *p.Value
	}
	return models.Record{ID: p.ID, Timestamp: p.Timestamp, Value: value, Attributes: p.Attributes}
}

func toRecords(payloads []RecordPayload) []models.Record {
	records := make([]models.Record, len(payloads))
	for i, p := range payloads {
		records[i] = p.record()
	}
	return records
}

func (f *FilterPayload) filter() *experiment.AttributeFilter {
	if f == nil {
		return nil
	}
	return &experiment.AttributeFilter{Name: f.Name, Values: f.Values}
}

func toSeries(points []SeriesPoint) (*models.TimeSeries, error) {
	timestamps := make([]time.Time, len(points))
	values := make([]float64, len(points))
	for i, p := range points {
		timestamps[i] = p.Timestamp
		values[i] = p.Value
	}
	series, err := models.NewTimeSeries("request", timestamps, values)
	if err != nil {
		return nil, errors.WrapError(errors.ErrInvalidInputData, errors.ErrorTypeValidation, errors.CodeInvalidInput,
			"invalid points").WithDetails(err.Error())
	}
	return series, nil
}

func toPoints(series *models.TimeSeries) []SeriesPoint {
	points := make([]SeriesPoint, series.Len())
	for i, dp := range series.DataPoints {
		points[i] = SeriesPoint{Timestamp: dp.Timestamp, Value: dp.Value}
	}
	return points
}
