package models

import "time"

// ExperimentRow is one bucket of one (sample size, coefficients, epsilon)
// cell of an experiment sweep.
type ExperimentRow struct {
	SampleSize   int       `json:"sample_size" yaml:"sample_size"`
	Coefficients int       `json:"coefficients" yaml:"coefficients"`
	Epsilon      float64   `json:"epsilon" yaml:"epsilon"`
	Period       string    `json:"period,omitempty" yaml:"period,omitempty"`
	Timestamp    time.Time `json:"timestamp" yaml:"timestamp"`
	Reference    float64   `json:"reference" yaml:"reference"`
	Perturbed    float64   `json:"perturbed" yaml:"perturbed"`
	Noise        float64   `json:"noise" yaml:"noise"`
}

// ExperimentFailure records a sweep configuration that produced no rows
type ExperimentFailure struct {
	SampleSize   int     `json:"sample_size" yaml:"sample_size"`
	Coefficients int     `json:"coefficients,omitempty" yaml:"coefficients,omitempty"`
	Epsilon      float64 `json:"epsilon,omitempty" yaml:"epsilon,omitempty"`
	Stage        string  `json:"stage" yaml:"stage"` // "sample" or "cell"
	Code         string  `json:"code" yaml:"code"`
	Message      string  `json:"message" yaml:"message"`
}

// ExperimentParameters echoes the sweep configuration in a report
type ExperimentParameters struct {
	SampleSizes  []int     `json:"sample_sizes" yaml:"sample_sizes"`
	Coefficients []int     `json:"coefficients" yaml:"coefficients"`
	Epsilons     []float64 `json:"epsilons" yaml:"epsilons"`
	Aggregate    string    `json:"aggregate" yaml:"aggregate"`
	Period       string    `json:"period,omitempty" yaml:"period,omitempty"`
	Filter       string    `json:"filter,omitempty" yaml:"filter,omitempty"`
	BucketWidth  string    `json:"bucket_width,omitempty" yaml:"bucket_width,omitempty"`
}

// ExperimentReport is the full output of one experiment run
type ExperimentReport struct {
	RunID       string               `json:"run_id" yaml:"run_id"`
	StartedAt   time.Time            `json:"started_at" yaml:"started_at"`
	CompletedAt time.Time            `json:"completed_at" yaml:"completed_at"`
	Parameters  ExperimentParameters `json:"parameters" yaml:"parameters"`
	Rows        []ExperimentRow      `json:"rows" yaml:"rows"`
	Failures    []ExperimentFailure  `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// NoiseSummary aggregates the noise of one experiment cell
type NoiseSummary struct {
	SampleSize        int     `json:"sample_size" yaml:"sample_size"`
	Coefficients      int     `json:"coefficients" yaml:"coefficients"`
	Epsilon           float64 `json:"epsilon" yaml:"epsilon"`
	Period            string  `json:"period,omitempty" yaml:"period,omitempty"`
	Points            int     `json:"points" yaml:"points"`
	MeanNoise         float64 `json:"mean_noise" yaml:"mean_noise"`
	MeanAbsoluteNoise float64 `json:"mean_absolute_noise" yaml:"mean_absolute_noise"`
	RMSE              float64 `json:"rmse" yaml:"rmse"`
	NoiseStdDev       float64 `json:"noise_std_dev" yaml:"noise_std_dev"`
}
