package experiment

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/inferloop/tsdp/pkg/models"
)

type summaryKey struct {
	sampleSize   int
	coefficients int
	epsilon      float64
	period       string
}

// Summarize groups rows by (sample size, coefficients, epsilon, period) in
// first-occurrence order and reports the noise magnitude of every group.
// NoiseStdDev is zero for single-point groups.
func Summarize(rows []models.ExperimentRow) []models.NoiseSummary {
	var keys []summaryKey
	noise := make(map[summaryKey][]float64)

	for _, row := range rows {
		k := summaryKey{
			sampleSize:   row.SampleSize,
			coefficients: row.Coefficients,
			epsilon:      row.Epsilon,
			period:       row.Period,
		}
		if _, ok := noise[k]; !ok {
			keys = append(keys, k)
		}
		noise[k] = append(noise[k], row.Noise)
	}

	summaries := make([]models.NoiseSummary, 0, len(keys))
	for _, k := range keys {
		values := noise[k]
		n := float64(len(values))

		abs := make([]float64, len(values))
		for i, v := range values {
			abs[i] = math.Abs(v)
		}

		summary := models.NoiseSummary{
			SampleSize:        k.sampleSize,
			Coefficients:      k.coefficients,
			Epsilon:           k.epsilon,
			Period:            k.period,
			Points:            len(values),
			MeanNoise:         stat.Mean(values, nil),
			MeanAbsoluteNoise: floats.Sum(abs) / n,
			RMSE:              floats.Norm(values, 2) / math.Sqrt(n),
		}
		if len(values) > 1 {
			summary.NoiseStdDev = stat.StdDev(values, nil)
		}
		summaries = append(summaries, summary)
	}

	return summaries
}
