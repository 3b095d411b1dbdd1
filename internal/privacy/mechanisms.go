package privacy

import (
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/tsdp/pkg/errors"
)

// LaplaceMechanism adds Laplace noise calibrated to sensitivity/epsilon.
// It holds no random state of its own: every call draws from the generator
// the caller passes in, so identical (values, sensitivity, epsilon, seed)
// always produce identical output.
type LaplaceMechanism struct {
	logger *logrus.Logger
}

// NewLaplaceMechanism creates a new Laplace mechanism
func NewLaplaceMechanism(logger *logrus.Logger) *LaplaceMechanism {
	if logger == nil {
		logger = logrus.New()
	}
	return &LaplaceMechanism{logger: logger}
}

// GetName returns the mechanism name
func (lm *LaplaceMechanism) GetName() string {
	return "laplace"
}

// NoiseScale returns the Laplace scale b = sensitivity / epsilon
func NoiseScale(sensitivity, epsilon float64) float64 {
	return sensitivity / epsilon
}

// Sample returns values[i] + Laplace(0, sensitivity/epsilon) for every
// coordinate, one independent draw per coordinate from rng.
func (lm *LaplaceMechanism) Sample(values []float64, sensitivity, epsilon float64, rng *rand.Rand) ([]float64, error) {
	if err := validateNoiseParameters(sensitivity, epsilon); err != nil {
		return nil, err
	}
	if rng == nil {
		return nil, errors.NewInvalidParameterError("random generator is required")
	}

	scale := NoiseScale(sensitivity, epsilon)
	result := make([]float64, len(values))
	for i, value := range values {
		result[i] = value + sampleLaplace(rng, scale)
	}

	lm.logger.WithFields(logrus.Fields{
		"size":        len(values),
		"sensitivity": sensitivity,
		"epsilon":     epsilon,
		"scale":       scale,
	}).Debug("Applied Laplace noise")

	return result, nil
}

func validateNoiseParameters(sensitivity, epsilon float64) error {
	if !(epsilon > 0) || math.IsInf(epsilon, 1) {
		return errors.NewInvalidParameterError("epsilon must be positive, got %f", epsilon)
	}
	if !(sensitivity >= 0) || math.IsInf(sensitivity, 1) {
		return errors.NewInvalidParameterError("sensitivity must be non-negative, got %f", sensitivity)
	}
	return nil
}

// sampleLaplace draws from Laplace(0, scale) by inverting the CDF:
// F^-1(u) = -b*sign(u)*ln(1-2|u|) for u uniform on (-0.5, 0.5).
func sampleLaplace(rng *rand.Rand, scale float64) float64 {
	if scale == 0 {
		return 0
	}

	u := rng.Float64() - 0.5
	for u == -0.5 {
		u = rng.Float64() - 0.5
	}
	return -scale * math.Copysign(1, u) * math.Log(1-2*math.Abs(u))
}
