package experiment

import (
	"context"
	stderrors "errors"
	"math"
	"math/rand"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/inferloop/tsdp/internal/privacy"
	"github.com/inferloop/tsdp/pkg/errors"
	"github.com/inferloop/tsdp/pkg/models"
)

// Status labels passed to a Recorder
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Failure stages
const (
	StageSample = "sample"
	StageCell   = "cell"
)

// Recorder observes harness progress, typically for metrics
type Recorder interface {
	ObserveSample(status string)
	ObserveCell(status string, duration time.Duration, meanAbsNoise float64)
}

type noopRecorder struct{}

func (noopRecorder) ObserveSample(string)                        {}
func (noopRecorder) ObserveCell(string, time.Duration, float64) {}

// HarnessConfig configures the harness worker pool
type HarnessConfig struct {
	Workers int `json:"workers" mapstructure:"workers"`
}

// Harness sweeps sample sizes, coefficient counts and epsilons over a
// population and reports reference, perturbed and noise per bucket.
type Harness struct {
	logger      *logrus.Logger
	perturber   *privacy.SpectralPerturber
	partitioner *privacy.PeriodicPartitioner
	workers     int
	recorder    Recorder
}

// NewHarness creates a harness. A non-positive worker count uses GOMAXPROCS.
func NewHarness(config HarnessConfig, perturber *privacy.SpectralPerturber, logger *logrus.Logger) *Harness {
	if logger == nil {
		logger = logrus.New()
	}
	if perturber == nil {
		perturber = privacy.NewSpectralPerturber(nil, logger)
	}
	workers := config.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Harness{
		logger:      logger,
		perturber:   perturber,
		partitioner: privacy.NewPeriodicPartitioner(perturber, logger),
		workers:     workers,
		recorder:    noopRecorder{},
	}
}

// WithRecorder sets the progress recorder
func (h *Harness) WithRecorder(recorder Recorder) *Harness {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	h.recorder = recorder
	return h
}

type sampleResult struct {
	sample  *sample
	failure *models.ExperimentFailure
}

type cellResult struct {
	rows    []models.ExperimentRow
	failure *models.ExperimentFailure
}

// Run executes the sweep. Seeds for every sample and cell are drawn from rng
// up front in a fixed order, so the report does not depend on the number of
// workers. Per-sample and per-cell failures are recorded in the report; an
// unknown aggregate kind, an invalid parameter or cancellation fails the run.
func (h *Harness) Run(ctx context.Context, records []models.Record, cfg RunConfig, rng *rand.Rand) (*models.ExperimentReport, error) {
	if rng == nil {
		return nil, errors.NewInvalidParameterError("random generator is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	report := &models.ExperimentReport{
		RunID:      uuid.New().String(),
		StartedAt:  time.Now().UTC(),
		Parameters: cfg.Parameters(),
	}

	logger := h.logger.WithFields(logrus.Fields{
		"run_id":    report.RunID,
		"aggregate": cfg.Aggregate.String(),
		"records":   len(records),
	})
	logger.Info("Starting experiment")

	pop, err := preparePopulation(records, cfg)
	if err != nil {
		return nil, err
	}

	grid := cfg.cells()
	sampleSeeds := make([]int64, len(cfg.SampleSizes))
	cellSeeds := make([][]int64, len(cfg.SampleSizes))
	for i := range cfg.SampleSizes {
		sampleSeeds[i] = rng.Int63()
		cellSeeds[i] = make([]int64, len(grid))
		for j := range grid {
			cellSeeds[i][j] = rng.Int63()
		}
	}

	samples, err := h.drawSamples(ctx, pop, cfg, sampleSeeds)
	if err != nil {
		return nil, h.runError(err, logger)
	}

	cells, err := h.perturbCells(ctx, samples, cfg, grid, cellSeeds)
	if err != nil {
		return nil, h.runError(err, logger)
	}

	for i := range cfg.SampleSizes {
		if samples[i].failure != nil {
			report.Failures = append(report.Failures, *samples[i].failure)
			continue
		}
		for j := range grid {
			result := cells[i][j]
			if result.failure != nil {
				report.Failures = append(report.Failures, *result.failure)
				continue
			}
			report.Rows = append(report.Rows, result.rows...)
		}
	}

	report.CompletedAt = time.Now().UTC()
	logger.WithFields(logrus.Fields{
		"rows":     len(report.Rows),
		"failures": len(report.Failures),
		"duration": report.CompletedAt.Sub(report.StartedAt),
	}).Info("Experiment completed")

	return report, nil
}

func (h *Harness) drawSamples(ctx context.Context, pop *population, cfg RunConfig, seeds []int64) ([]sampleResult, error) {
	results := make([]sampleResult, len(cfg.SampleSizes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.workers)
	for i, size := range cfg.SampleSizes {
		i, size := i, size
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			s, err := pop.draw(size, cfg.Aggregate, rand.New(rand.NewSource(seeds[i])))
			if err != nil {
				if !stderrors.Is(err, errors.ErrInsufficientPopulation) {
					return err
				}
				h.logger.WithFields(logrus.Fields{
					"sample_size": size,
					"population":  len(pop.ids),
				}).Warn("Sample size exceeds population")
				h.recorder.ObserveSample(StatusFailed)
				results[i].failure = &models.ExperimentFailure{
					SampleSize: size,
					Stage:      StageSample,
					Code:       errors.CodeOf(err),
					Message:    err.Error(),
				}
				return nil
			}

			h.recorder.ObserveSample(StatusSucceeded)
			results[i].sample = s
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (h *Harness) perturbCells(ctx context.Context, samples []sampleResult, cfg RunConfig, grid []cell, seeds [][]int64) ([][]cellResult, error) {
	results := make([][]cellResult, len(samples))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.workers)
	for i := range samples {
		results[i] = make([]cellResult, len(grid))
		if samples[i].sample == nil {
			continue
		}
		for j := range grid {
			i, j := i, j
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				rng := rand.New(rand.NewSource(seeds[i][j]))
				result, err := h.perturbCell(samples[i].sample, grid[j], cfg.Period, rng)
				if err != nil {
					return err
				}
				results[i][j] = result
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (h *Harness) perturbCell(s *sample, c cell, period *privacy.PeriodUnit, rng *rand.Rand) (cellResult, error) {
	start := time.Now()
	failure := func(err error) cellResult {
		return cellResult{failure: &models.ExperimentFailure{
			SampleSize:   s.size,
			Coefficients: c.coefficients,
			Epsilon:      c.epsilon,
			Stage:        StageCell,
			Code:         errors.CodeOf(err),
			Message:      err.Error(),
		}}
	}

	var perturbed []float64
	if period != nil {
		out, err := h.partitioner.PerturbByPeriod(s.reference, s.boundary, c.epsilon, c.coefficients, *period, rng)
		if err != nil {
			if !stderrors.Is(err, errors.ErrPeriodTooSmall) {
				return cellResult{}, err
			}
			h.recorder.ObserveCell(StatusSkipped, time.Since(start), 0)
			return failure(err), nil
		}
		perturbed = out
	} else {
		out, ok, err := h.perturber.Perturb(s.reference.Values(), s.boundary, c.epsilon, c.coefficients, rng)
		if err != nil {
			return cellResult{}, err
		}
		if !ok {
			h.recorder.ObserveCell(StatusSkipped, time.Since(start), 0)
			return failure(errors.WrapError(errors.ErrNotApplicable, errors.ErrorTypePrivacy, errors.CodeNotApplicable,
				"series too short for the requested coefficients").
				WithDetails(formatShortSeries(s.reference.Len(), c.coefficients))), nil
		}
		perturbed = out
	}

	rows := make([]models.ExperimentRow, s.reference.Len())
	var absNoise float64
	for idx, dp := range s.reference.DataPoints {
		row := models.ExperimentRow{
			SampleSize:   s.size,
			Coefficients: c.coefficients,
			Epsilon:      c.epsilon,
			Timestamp:    dp.Timestamp,
			Reference:    dp.Value,
			Perturbed:    perturbed[idx],
			Noise:        perturbed[idx] - dp.Value,
		}
		if period != nil {
			row.Period, _ = period.Key(dp.Timestamp)
		}
		absNoise += math.Abs(row.Noise)
		rows[idx] = row
	}

	h.recorder.ObserveCell(StatusSucceeded, time.Since(start), absNoise/float64(len(rows)))
	return cellResult{rows: rows}, nil
}

func (h *Harness) runError(err error, logger *logrus.Entry) error {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		logger.WithError(err).Warn("Experiment cancelled")
		return errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeCancelled, "experiment cancelled")
	}
	logger.WithError(err).Error("Experiment failed")
	return err
}
