package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common application errors
var (
	// Privacy engine errors
	ErrInvalidParameter       = errors.New("invalid parameter")
	ErrNotApplicable          = errors.New("series too short for the requested coefficients")
	ErrPeriodTooSmall         = errors.New("period too small for the requested coefficients")
	ErrInsufficientPopulation = errors.New("sample size exceeds available population")
	ErrUnknownAggregateKind   = errors.New("unknown aggregate kind")
	ErrUnknownPeriodUnit      = errors.New("unknown period unit")

	// Input errors
	ErrInvalidInputData = errors.New("invalid input data")
	ErrInvalidFormat    = errors.New("invalid output format")

	// Storage errors
	ErrStorageConnectionFailed = errors.New("storage connection failed")
	ErrStorageWriteFailed      = errors.New("storage write failed")
	ErrDataNotFound            = errors.New("data not found")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypePrivacy       ErrorType = "privacy"
	ErrorTypeStorage       ErrorType = "storage"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeInternal      ErrorType = "internal"
)

// Error codes
const (
	CodeInvalidParameter       = "INVALID_PARAMETER"
	CodeNotApplicable          = "NOT_APPLICABLE"
	CodePeriodTooSmall         = "PERIOD_TOO_SMALL"
	CodeInsufficientPopulation = "INSUFFICIENT_POPULATION"
	CodeUnknownAggregateKind   = "UNKNOWN_AGGREGATE_KIND"
	CodeUnknownPeriodUnit      = "UNKNOWN_PERIOD_UNIT"
	CodeInvalidInput           = "INVALID_INPUT"
	CodeStorageError           = "STORAGE_ERROR"
	CodeDataNotFound           = "DATA_NOT_FOUND"
	CodeNotFound               = "NOT_FOUND"
	CodeRequestTooLarge        = "REQUEST_TOO_LARGE"
	CodeInvalidConfig          = "INVALID_CONFIG"
	CodeCancelled              = "CANCELLED"
	CodeInternalError          = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Context    map[string]interface{} `json:"context,omitempty"`
	HTTPStatus int                    `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// NewAppError creates a new application error
func NewAppError(errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:       errType,
		Code:       code,
		Message:    message,
		HTTPStatus: getDefaultHTTPStatus(errType),
	}
}

// WrapError wraps an existing error with application context
func WrapError(err error, errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:       errType,
		Code:       code,
		Message:    message,
		Cause:      err,
		HTTPStatus: getDefaultHTTPStatus(errType),
	}
}

// NewInvalidParameterError reports a rejected numeric parameter such as a
// non-positive epsilon.
func NewInvalidParameterError(format string, args ...interface{}) *AppError {
	return WrapError(ErrInvalidParameter, ErrorTypeValidation, CodeInvalidParameter, fmt.Sprintf(format, args...))
}

// NewPeriodTooSmallError reports a period whose length does not exceed the
// number of released coefficients.
func NewPeriodTooSmallError(period string, length, coefficients int) *AppError {
	return WrapError(ErrPeriodTooSmall, ErrorTypePrivacy, CodePeriodTooSmall,
		fmt.Sprintf("period %q has %d points, need more than %d", period, length, coefficients)).
		WithContext("period", period).
		WithContext("length", length).
		WithContext("coefficients", coefficients)
}

// NewInsufficientPopulationError reports a sample size larger than the
// number of distinct individuals.
func NewInsufficientPopulationError(sampleSize, population int) *AppError {
	return WrapError(ErrInsufficientPopulation, ErrorTypePrivacy, CodeInsufficientPopulation,
		fmt.Sprintf("cannot sample %d ids from a population of %d", sampleSize, population)).
		WithContext("sample_size", sampleSize).
		WithContext("population", population)
}

// NewUnknownAggregateKindError reports an aggregate kind without a
// sensitivity bound.
func NewUnknownAggregateKindError(kind string) *AppError {
	return WrapError(ErrUnknownAggregateKind, ErrorTypeValidation, CodeUnknownAggregateKind,
		fmt.Sprintf("no sensitivity boundary for aggregate %q", kind))
}

// NewUnknownPeriodUnitError reports an unsupported period unit.
func NewUnknownPeriodUnitError(unit string) *AppError {
	return WrapError(ErrUnknownPeriodUnit, ErrorTypeValidation, CodeUnknownPeriodUnit,
		fmt.Sprintf("unsupported period unit %q", unit))
}

// NewValidationError creates a validation error
func NewValidationError(code, message string) *AppError {
	return NewAppError(ErrorTypeValidation, code, message)
}

// NewStorageError creates a storage error
func NewStorageError(code, message string) *AppError {
	return NewAppError(ErrorTypeStorage, code, message)
}

// NewInternalError creates an internal error
func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, CodeInternalError, message)
}

// CodeOf returns the AppError code carried by err, or CodeInternalError.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternalError
}

// HTTPStatusOf returns the HTTP status associated with err.
func HTTPStatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.HTTPStatus != 0 {
		if errors.Is(err, ErrDataNotFound) {
			return http.StatusNotFound
		}
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// getDefaultHTTPStatus returns the default HTTP status for an error type
func getDefaultHTTPStatus(errType ErrorType) int {
	switch errType {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypePrivacy:
		return http.StatusUnprocessableEntity
	case ErrorTypeStorage:
		return http.StatusBadGateway
	case ErrorTypeConfiguration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse represents an error response for APIs
type ErrorResponse struct {
	Error     *AppError `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp string    `json:"timestamp"`
	Path      string    `json:"path,omitempty"`
}
