package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/tsdp/pkg/constants"
	"github.com/inferloop/tsdp/pkg/errors"
	"github.com/inferloop/tsdp/pkg/models"
)

// PostgresConfig holds configuration for the PostgreSQL report sink
type PostgresConfig struct {
	Host            string        `json:"host" mapstructure:"host"`
	Port            int           `json:"port" mapstructure:"port"`
	Database        string        `json:"database" mapstructure:"database"`
	Username        string        `json:"username" mapstructure:"username"`
	Password        string        `json:"password" mapstructure:"password"`
	SSLMode         string        `json:"ssl_mode" mapstructure:"ssl_mode"`
	ConnectTimeout  time.Duration `json:"connect_timeout" mapstructure:"connect_timeout"`
	QueryTimeout    time.Duration `json:"query_timeout" mapstructure:"query_timeout"`
	MaxConnections  int           `json:"max_connections" mapstructure:"max_connections"`
	MaxIdleConns    int           `json:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	Table           string        `json:"table" mapstructure:"table"`
	// Hypertable converts the rows table with TimescaleDB when the extension
	// is available.
	Hypertable bool `json:"hypertable" mapstructure:"hypertable"`
}

const (
	runsTable     = "experiment_runs"
	failuresTable = "experiment_failures"
)

// PostgresStorage writes experiment reports into three tables: runs, rows
// and failures.
type PostgresStorage struct {
	config *PostgresConfig
	db     *sql.DB
	logger *logrus.Logger
	mu     sync.RWMutex
	closed bool
}

// NewPostgresStorage creates a new PostgreSQL storage instance
func NewPostgresStorage(config *PostgresConfig, logger *logrus.Logger) (*PostgresStorage, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "Postgres config cannot be nil")
	}
	if config.Host == "" || config.Database == "" {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "Postgres host and database are required")
	}

	if logger == nil {
		logger = logrus.New()
	}

	if config.Port == 0 {
		config.Port = 5432
	}
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.Table == "" {
		config.Table = constants.DefaultPostgresTable
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.QueryTimeout == 0 {
		config.QueryTimeout = 30 * time.Second
	}

	return &PostgresStorage{
		config: config,
		logger: logger,
	}, nil
}

// Name returns the backend name
func (ps *PostgresStorage) Name() string {
	return "postgres"
}

// Connect opens the pool, pings the server and creates missing tables
func (ps *PostgresStorage) Connect(ctx context.Context) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.db != nil {
		return nil
	}

	db, err := sql.Open("postgres", ps.connectionString())
	if err != nil {
		return errors.NewStorageConnectionError("postgres", ps.config.Host, err)
	}

	db.SetMaxOpenConns(ps.config.MaxConnections)
	db.SetMaxIdleConns(ps.config.MaxIdleConns)
	db.SetConnMaxLifetime(ps.config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(ctx, ps.config.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return errors.NewStorageConnectionError("postgres", ps.config.Host, err)
	}

	ps.db = db

	if err := ps.initializeSchema(ctx); err != nil {
		db.Close()
		ps.db = nil
		return errors.WrapStorageError(err, "schema", "postgres")
	}

	ps.closed = false
	ps.logger.WithFields(logrus.Fields{
		"host":     ps.config.Host,
		"port":     ps.config.Port,
		"database": ps.config.Database,
		"table":    ps.config.Table,
	}).Info("Connected to PostgreSQL")

	return nil
}

// Close closes the database connection
func (ps *PostgresStorage) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed || ps.db == nil {
		return nil
	}

	err := ps.db.Close()
	ps.db = nil
	ps.closed = true
	if err != nil {
		return errors.WrapStorageError(err, "close", "postgres")
	}

	ps.logger.Info("PostgreSQL connection closed")
	return nil
}

// Store writes the report in a single transaction. Rows are bulk loaded with
// COPY; storing the same run ID twice fails on the runs primary key.
func (ps *PostgresStorage) Store(ctx context.Context, report *models.ExperimentReport) error {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	if ps.db == nil {
		return errors.NewStorageError(errors.CodeStorageError, "Database not connected")
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, ps.config.QueryTimeout)
	defer cancel()

	parameters, err := json.Marshal(report.Parameters)
	if err != nil {
		return errors.WrapStorageError(err, "serialize", "postgres")
	}

	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapStorageError(err, "begin", "postgres")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (run_id, started_at, completed_at, parameters) VALUES ($1, $2, $3, $4)`,
			pq.QuoteIdentifier(runsTable)),
		report.RunID, report.StartedAt, report.CompletedAt, parameters)
	if err != nil {
		return errors.WrapStorageError(err, "store", "postgres").WithTarget(runsTable)
	}

	if err := ps.copyRows(ctx, tx, report); err != nil {
		return errors.WrapStorageError(err, "store", "postgres").
			WithTarget(ps.config.Table).
			WithRows(len(report.Rows))
	}

	for _, failure := range report.Failures {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (run_id, sample_size, coefficients, epsilon, stage, code, message)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`, pq.QuoteIdentifier(failuresTable)),
			report.RunID, failure.SampleSize, failure.Coefficients, failure.Epsilon,
			failure.Stage, failure.Code, failure.Message)
		if err != nil {
			return errors.WrapStorageError(err, "store", "postgres").WithTarget(failuresTable)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapStorageError(err, "commit", "postgres").WithDuration(time.Since(start))
	}

	ps.logger.WithFields(logrus.Fields{
		"run_id":   report.RunID,
		"rows":     len(report.Rows),
		"failures": len(report.Failures),
		"duration": time.Since(start),
	}).Debug("Stored report in PostgreSQL")

	return nil
}

// Get reads a stored report back, rows ordered as they were written
func (ps *PostgresStorage) Get(ctx context.Context, runID string) (*models.ExperimentReport, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	if ps.db == nil {
		return nil, errors.NewStorageError(errors.CodeStorageError, "Database not connected")
	}

	ctx, cancel := context.WithTimeout(ctx, ps.config.QueryTimeout)
	defer cancel()

	report := &models.ExperimentReport{RunID: runID}
	var parameters []byte
	err := ps.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT started_at, completed_at, parameters FROM %s WHERE run_id = $1`, pq.QuoteIdentifier(runsTable)),
		runID).Scan(&report.StartedAt, &report.CompletedAt, &parameters)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.WrapError(errors.ErrDataNotFound, errors.ErrorTypeStorage, errors.CodeDataNotFound,
			fmt.Sprintf("report %s not found", runID))
	}
	if err != nil {
		return nil, errors.WrapStorageError(err, "get", "postgres").WithTarget(runsTable)
	}
	if err := json.Unmarshal(parameters, &report.Parameters); err != nil {
		return nil, errors.WrapStorageError(err, "deserialize", "postgres")
	}

	if report.Rows, err = ps.readRows(ctx, runID); err != nil {
		return nil, errors.WrapStorageError(err, "get", "postgres").WithTarget(ps.config.Table)
	}
	if report.Failures, err = ps.readFailures(ctx, runID); err != nil {
		return nil, errors.WrapStorageError(err, "get", "postgres").WithTarget(failuresTable)
	}

	return report, nil
}

func (ps *PostgresStorage) connectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		ps.config.Host,
		ps.config.Port,
		ps.config.Username,
		ps.config.Password,
		ps.config.Database,
		ps.config.SSLMode,
		int(ps.config.ConnectTimeout.Seconds()),
	)
}

func (ps *PostgresStorage) initializeSchema(ctx context.Context) error {
	for _, statement := range ps.schemaStatements() {
		if _, err := ps.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	if ps.config.Hypertable {
		query := fmt.Sprintf(`SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE, migrate_data => TRUE)`, ps.config.Table)
		if _, err := ps.db.ExecContext(ctx, query); err != nil {
			ps.logger.WithError(err).Warn("Failed to create hypertable, continuing with a plain table")
		}
	}

	return nil
}

func (ps *PostgresStorage) schemaStatements() []string {
	rows := pq.QuoteIdentifier(ps.config.Table)
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			run_id VARCHAR(64) PRIMARY KEY,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL,
			parameters JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, pq.QuoteIdentifier(runsTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			run_id VARCHAR(64) NOT NULL,
			seq INTEGER NOT NULL,
			sample_size INTEGER NOT NULL,
			coefficients INTEGER NOT NULL,
			epsilon DOUBLE PRECISION NOT NULL,
			period VARCHAR(32),
			ts TIMESTAMPTZ NOT NULL,
			reference DOUBLE PRECISION NOT NULL,
			perturbed DOUBLE PRECISION NOT NULL,
			noise DOUBLE PRECISION NOT NULL
		)`, rows),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			run_id VARCHAR(64) NOT NULL,
			sample_size INTEGER NOT NULL,
			coefficients INTEGER,
			epsilon DOUBLE PRECISION,
			stage VARCHAR(16) NOT NULL,
			code VARCHAR(64) NOT NULL,
			message TEXT
		)`, pq.QuoteIdentifier(failuresTable)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (run_id, seq)`,
			pq.QuoteIdentifier("idx_"+ps.config.Table+"_run"), rows),
	}
}

func (ps *PostgresStorage) copyRows(ctx context.Context, tx *sql.Tx, report *models.ExperimentReport) error {
	if len(report.Rows) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(ps.config.Table,
		"run_id", "seq", "sample_size", "coefficients", "epsilon", "period", "ts", "reference", "perturbed", "noise"))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, row := range report.Rows {
		var period interface{}
		if row.Period != "" {
			period = row.Period
		}
		if _, err := stmt.ExecContext(ctx, report.RunID, i, row.SampleSize, row.Coefficients, row.Epsilon,
			period, row.Timestamp, row.Reference, row.Perturbed, row.Noise); err != nil {
			return err
		}
	}

	_, err = stmt.ExecContext(ctx)
	return err
}

func (ps *PostgresStorage) readRows(ctx context.Context, runID string) ([]models.ExperimentRow, error) {
	rows, err := ps.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT sample_size, coefficients, epsilon, period, ts, reference, perturbed, noise
			FROM %s WHERE run_id = $1 ORDER BY seq`, pq.QuoteIdentifier(ps.config.Table)), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.ExperimentRow
	for rows.Next() {
		var row models.ExperimentRow
		var period sql.NullString
		if err := rows.Scan(&row.SampleSize, &row.Coefficients, &row.Epsilon, &period,
			&row.Timestamp, &row.Reference, &row.Perturbed, &row.Noise); err != nil {
			return nil, err
		}
		row.Period = period.String
		row.Timestamp = row.Timestamp.UTC()
		result = append(result, row)
	}
	return result, rows.Err()
}

func (ps *PostgresStorage) readFailures(ctx context.Context, runID string) ([]models.ExperimentFailure, error) {
	rows, err := ps.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT sample_size, coefficients, epsilon, stage, code, message
			FROM %s WHERE run_id = $1`, pq.QuoteIdentifier(failuresTable)), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.ExperimentFailure
	for rows.Next() {
		var failure models.ExperimentFailure
		var coefficients sql.NullInt64
		var epsilon sql.NullFloat64
		var message sql.NullString
		if err := rows.Scan(&failure.SampleSize, &coefficients, &epsilon, &failure.Stage, &failure.Code, &message); err != nil {
			return nil, err
		}
		failure.Coefficients = int(coefficients.Int64)
		failure.Epsilon = epsilon.Float64
		failure.Message = message.String
		result = append(result, failure)
	}
	return result, rows.Err()
}
