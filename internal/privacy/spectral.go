package privacy

import (
	"math"
	"math/cmplx"
	"math/rand"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"

	"github.com/inferloop/tsdp/pkg/errors"
)

// SpectralPerturber releases a series through its first k DFT coefficients
// perturbed with the Laplace mechanism (Fourier Perturbation Algorithm).
type SpectralPerturber struct {
	logger    *logrus.Logger
	mechanism *LaplaceMechanism
}

// NewSpectralPerturber creates a perturber backed by the given mechanism
func NewSpectralPerturber(mechanism *LaplaceMechanism, logger *logrus.Logger) *SpectralPerturber {
	if logger == nil {
		logger = logrus.New()
	}
	if mechanism == nil {
		mechanism = NewLaplaceMechanism(logger)
	}
	return &SpectralPerturber{logger: logger, mechanism: mechanism}
}

// Sensitivity returns sqrt(k) times the L2 norm of an n-vector filled with
// boundary, i.e. the L2 sensitivity of releasing k coefficients.
func Sensitivity(boundary float64, n, k int) float64 {
	uniform := make([]float64, n)
	floats.AddConst(boundary, uniform)
	return math.Sqrt(float64(k)) * floats.Norm(uniform, 2)
}

// Perturb returns a length-n perturbed copy of values. ok is false when
// k >= n: the series is too short to truncate and the caller must skip it.
//
// Both the real and the imaginary part of the truncated spectrum are noised
// with the full epsilon.
func (sp *SpectralPerturber) Perturb(values []float64, boundary, epsilon float64, k int, rng *rand.Rand) ([]float64, bool, error) {
	if err := validatePerturbation(boundary, epsilon, k, rng); err != nil {
		return nil, false, err
	}

	n := len(values)
	if k >= n {
		sp.logger.WithFields(logrus.Fields{
			"length":       n,
			"coefficients": k,
		}).Debug("Series too short for truncation")
		return nil, false, nil
	}

	sensitivity := Sensitivity(boundary, n, k)

	// Forward transform, numpy ordering: bin 0 is the zero frequency.
	fft := fourier.NewCmplxFFT(n)
	signal := make([]complex128, n)
	for i, v := range values {
		signal[i] = complex(v, 0)
	}
	spectrum := fft.Coefficients(nil, signal)

	re := make([]float64, k)
	im := make([]float64, k)
	for i := 0; i < k; i++ {
		re[i] = real(spectrum[i])
		im[i] = imag(spectrum[i])
	}

	noisyRe, err := sp.mechanism.Sample(re, sensitivity, epsilon, rng)
	if err != nil {
		return nil, false, err
	}
	noisyIm, err := sp.mechanism.Sample(im, sensitivity, epsilon, rng)
	if err != nil {
		return nil, false, err
	}

	// Zero-padded back to n; gonum's inverse is unnormalised.
	padded := make([]complex128, n)
	for i := 0; i < k; i++ {
		padded[i] = complex(noisyRe[i], noisyIm[i])
	}
	sequence := fft.Sequence(nil, padded)

	scale := 1 / float64(n)
	result := make([]float64, n)
	for i, c := range sequence {
		v := math.RoundToEven(cmplx.Abs(c) * scale)
		if v < 0 {
			v = 0
		}
		result[i] = v
	}

	sp.logger.WithFields(logrus.Fields{
		"length":       n,
		"coefficients": k,
		"epsilon":      epsilon,
		"boundary":     boundary,
		"sensitivity":  sensitivity,
	}).Debug("Perturbed series")

	return result, true, nil
}

func validatePerturbation(boundary, epsilon float64, k int, rng *rand.Rand) error {
	if !(epsilon > 0) {
		return errors.NewInvalidParameterError("epsilon must be positive, got %f", epsilon)
	}
	if !(boundary >= 0) {
		return errors.NewInvalidParameterError("boundary must be non-negative, got %f", boundary)
	}
	if k < 1 {
		return errors.NewInvalidParameterError("coefficients must be at least 1, got %d", k)
	}
	if rng == nil {
		return errors.NewInvalidParameterError("random generator is required")
	}
	return nil
}
