package interfaces

import (
	"context"
	"time"

	"github.com/inferloop/tsdp/pkg/models"
)

// Sink persists experiment reports to one backend
type Sink interface {
	// Name returns the backend name, e.g. "postgres"
	Name() string
	Connect(ctx context.Context) error
	Store(ctx context.Context, report *models.ExperimentReport) error
	Close() error
}

// ReportCache is a sink that can also return a stored report by run ID
type ReportCache interface {
	Sink
	Get(ctx context.Context, runID string) (*models.ExperimentReport, error)
}

// OperationRecorder observes storage operations, typically for metrics
type OperationRecorder interface {
	RecordStorageOperation(backend, operation, status string, duration time.Duration)
}
