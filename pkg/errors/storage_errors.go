package errors

import (
	"fmt"
	"time"
)

// StorageError represents a storage-specific error with additional context
type StorageError struct {
	*AppError
	StorageType string        `json:"storage_type,omitempty"` // "postgres", "influxdb", "s3", "redis", "file"
	Target      string        `json:"target,omitempty"`       // table, bucket, key or directory
	Operation   string        `json:"operation,omitempty"`    // "store", "get", "connect"
	Duration    time.Duration `json:"duration,omitempty"`
	Rows        int           `json:"rows,omitempty"`
}

// WrapStorageError wraps a storage error with additional context
func WrapStorageError(err error, operation, storageType string) *StorageError {
	if err == nil {
		return nil
	}

	return &StorageError{
		AppError:    WrapError(err, ErrorTypeStorage, CodeStorageError, fmt.Sprintf("%s %s failed", storageType, operation)),
		StorageType: storageType,
		Operation:   operation,
	}
}

// NewStorageConnectionError creates a storage connection error
func NewStorageConnectionError(storageType, target string, err error) *StorageError {
	return &StorageError{
		AppError: WrapError(fmt.Errorf("%w: %v", ErrStorageConnectionFailed, err), ErrorTypeStorage,
			"STORAGE_CONNECTION_ERROR", fmt.Sprintf("failed to connect to %s", storageType)),
		StorageType: storageType,
		Target:      target,
		Operation:   "connect",
	}
}

// WithTarget sets the table, bucket or key the operation touched
func (se *StorageError) WithTarget(target string) *StorageError {
	se.Target = target
	return se
}

// WithDuration records how long the failed operation ran
func (se *StorageError) WithDuration(duration time.Duration) *StorageError {
	se.Duration = duration
	return se
}

// WithRows records how many rows were part of the failed operation
func (se *StorageError) WithRows(rows int) *StorageError {
	se.Rows = rows
	return se
}

// Error implements the error interface
func (se *StorageError) Error() string {
	if se.Target != "" {
		return fmt.Sprintf("%s (%s)", se.AppError.Error(), se.Target)
	}
	return se.AppError.Error()
}

// Unwrap exposes the embedded AppError to errors.Is and errors.As
func (se *StorageError) Unwrap() error {
	return se.AppError
}
