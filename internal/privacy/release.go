package privacy

import (
	"fmt"
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/tsdp/pkg/errors"
	"github.com/inferloop/tsdp/pkg/models"
)

// ReleaseOptions parameterise a single series release
type ReleaseOptions struct {
	Aggregate AggregateKind
	// Boundary overrides the boundary derived from Aggregate
	Boundary     *float64
	Epsilon      float64
	Coefficients int
	Period       *PeriodUnit
}

// Release is a perturbed series together with the calibration that
// produced it. Sensitivity and NoiseScale are zero for a periodic release,
// where each period is calibrated on its own length.
type Release struct {
	Values       []float64          `json:"values"`
	Series       *models.TimeSeries `json:"series,omitempty"`
	Boundary     float64            `json:"boundary"`
	Sensitivity  float64            `json:"sensitivity,omitempty"`
	NoiseScale   float64            `json:"noise_scale,omitempty"`
	Epsilon      float64            `json:"epsilon"`
	Coefficients int                `json:"coefficients"`
	Period       string             `json:"period,omitempty"`
}

// Releaser turns raw series into released ones for the API and the CLI
type Releaser struct {
	logger      *logrus.Logger
	perturber   *SpectralPerturber
	partitioner *PeriodicPartitioner
}

// NewReleaser creates a releaser on top of a spectral perturber
func NewReleaser(perturber *SpectralPerturber, logger *logrus.Logger) *Releaser {
	if logger == nil {
		logger = logrus.New()
	}
	if perturber == nil {
		perturber = NewSpectralPerturber(nil, logger)
	}
	return &Releaser{
		logger:      logger,
		perturber:   perturber,
		partitioner: NewPeriodicPartitioner(perturber, logger),
	}
}

// ReleaseValues perturbs a bare value sequence. Periodic releases need
// timestamps and are rejected.
func (r *Releaser) ReleaseValues(values []float64, opts ReleaseOptions, rng *rand.Rand) (*Release, error) {
	if opts.Period != nil {
		return nil, errors.NewInvalidParameterError("period %s needs timestamped points", opts.Period.String())
	}
	return r.release(values, nil, opts, rng)
}

// ReleaseSeries perturbs a series and keeps its timestamps
func (r *Releaser) ReleaseSeries(series *models.TimeSeries, opts ReleaseOptions, rng *rand.Rand) (*Release, error) {
	if series == nil {
		return nil, errors.NewInvalidParameterError("series is required")
	}
	return r.release(series.Values(), series, opts, rng)
}

func (r *Releaser) release(values []float64, series *models.TimeSeries, opts ReleaseOptions, rng *rand.Rand) (*Release, error) {
	budget := models.PrivacyBudget{Epsilon: opts.Epsilon, Coefficients: opts.Coefficients}
	if err := budget.Validate(); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, errors.NewInvalidParameterError("series is empty")
	}

	boundary, err := r.boundary(values, opts)
	if err != nil {
		return nil, err
	}

	result := &Release{
		Boundary:     boundary,
		Epsilon:      opts.Epsilon,
		Coefficients: opts.Coefficients,
	}

	if opts.Period != nil {
		perturbed, err := r.partitioner.PerturbByPeriod(series, boundary, opts.Epsilon, opts.Coefficients, *opts.Period, rng)
		if err != nil {
			return nil, err
		}
		result.Values = perturbed
		result.Period = opts.Period.String()
	} else {
		perturbed, ok, err := r.perturber.Perturb(values, boundary, opts.Epsilon, opts.Coefficients, rng)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.WrapError(errors.ErrNotApplicable, errors.ErrorTypePrivacy, errors.CodeNotApplicable,
				fmt.Sprintf("series of length %d cannot keep %d coefficients", len(values), opts.Coefficients))
		}
		result.Values = perturbed
		result.Sensitivity = Sensitivity(boundary, len(values), opts.Coefficients)
		result.NoiseScale = NoiseScale(result.Sensitivity, opts.Epsilon)
	}

	if series != nil {
		if result.Series, err = series.WithValues(result.Values); err != nil {
			return nil, errors.NewInternalError(err.Error())
		}
	}

	r.logger.WithFields(logrus.Fields{
		"length":       len(values),
		"boundary":     boundary,
		"epsilon":      opts.Epsilon,
		"coefficients": opts.Coefficients,
		"period":       result.Period,
	}).Debug("Released series")

	return result, nil
}

func (r *Releaser) boundary(values []float64, opts ReleaseOptions) (float64, error) {
	if opts.Boundary != nil {
		if !(*opts.Boundary >= 0) {
			return 0, errors.NewInvalidParameterError("boundary must be non-negative, got %f", *opts.Boundary)
		}
		return *opts.Boundary, nil
	}
	return opts.Aggregate.Boundary(values)
}
