package experiment

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/tsdp/internal/privacy"
	"github.com/inferloop/tsdp/pkg/errors"
	"github.com/inferloop/tsdp/pkg/models"
)

func TestHarnessRun(t *testing.T) {
	harness := newTestHarness(2)
	population := createPopulation(10, 48, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	cfg := RunConfig{
		SampleSizes:  []int{3, 5},
		Coefficients: []int{2, 4},
		Epsilons:     []float64{1.0, 0.5},
		Aggregate:    privacy.AggregateCount,
	}

	report, err := harness.Run(context.Background(), population, cfg, rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.NotEmpty(t, report.RunID)
	assert.Empty(t, report.Failures)
	assert.Len(t, report.Rows, 2*2*2*48)
	assert.Equal(t, "count", report.Parameters.Aggregate)
	assert.False(t, report.CompletedAt.Before(report.StartedAt))

	for _, row := range report.Rows {
		assert.Equal(t, float64(row.SampleSize), row.Reference, "every sampled id contributes once per bucket")
		assert.GreaterOrEqual(t, row.Perturbed, 0.0)
		assert.Equal(t, math.Round(row.Perturbed), row.Perturbed)
		assert.InDelta(t, row.Perturbed-row.Reference, row.Noise, 1e-9)
		assert.Empty(t, row.Period)
	}

	// Rows are grouped by sample size, then coefficients, then epsilon
	first := report.Rows[0]
	assert.Equal(t, 3, first.SampleSize)
	assert.Equal(t, 2, first.Coefficients)
	assert.Equal(t, 1.0, first.Epsilon)
	last := report.Rows[len(report.Rows)-1]
	assert.Equal(t, 5, last.SampleSize)
	assert.Equal(t, 4, last.Coefficients)
	assert.Equal(t, 0.5, last.Epsilon)
}

func TestHarnessRunIndependentOfWorkerCount(t *testing.T) {
	population := createPopulation(12, 30, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	cfg := RunConfig{
		SampleSizes:  []int{2, 6, 12},
		Coefficients: []int{3, 5},
		Epsilons:     []float64{2.0, 0.1},
		Aggregate:    privacy.AggregateSum,
	}

	sequential, err := newTestHarness(1).Run(context.Background(), population, cfg, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	parallel, err := newTestHarness(8).Run(context.Background(), population, cfg, rand.New(rand.NewSource(7)))
	require.NoError(t, err)

	assert.Equal(t, sequential.Rows, parallel.Rows)
	assert.NotEqual(t, sequential.RunID, parallel.RunID)

	other, err := newTestHarness(8).Run(context.Background(), population, cfg, rand.New(rand.NewSource(8)))
	require.NoError(t, err)
	assert.NotEqual(t, sequential.Rows, other.Rows)
}

func TestHarnessRunInsufficientPopulation(t *testing.T) {
	harness := newTestHarness(4)
	population := createPopulation(10, 24, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	cfg := RunConfig{
		SampleSizes:  []int{5, 20},
		Coefficients: []int{3},
		Epsilons:     []float64{1.0},
		Aggregate:    privacy.AggregateCount,
	}

	report, err := harness.Run(context.Background(), population, cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	require.Len(t, report.Failures, 1)
	failure := report.Failures[0]
	assert.Equal(t, 20, failure.SampleSize)
	assert.Equal(t, StageSample, failure.Stage)
	assert.Equal(t, errors.CodeInsufficientPopulation, failure.Code)

	assert.Len(t, report.Rows, 24)
	for _, row := range report.Rows {
		assert.Equal(t, 5, row.SampleSize)
	}
}

func TestHarnessRunNotApplicableCell(t *testing.T) {
	harness := newTestHarness(2)
	population := createPopulation(4, 6, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	cfg := RunConfig{
		SampleSizes:  []int{2},
		Coefficients: []int{3, 6, 9},
		Epsilons:     []float64{1.0},
		Aggregate:    privacy.AggregateCount,
	}

	report, err := harness.Run(context.Background(), population, cfg, rand.New(rand.NewSource(3)))
	require.NoError(t, err)

	assert.Len(t, report.Rows, 6)
	require.Len(t, report.Failures, 2)
	for i, k := range []int{6, 9} {
		assert.Equal(t, k, report.Failures[i].Coefficients)
		assert.Equal(t, StageCell, report.Failures[i].Stage)
		assert.Equal(t, errors.CodeNotApplicable, report.Failures[i].Code)
	}
}

func TestHarnessRunByPeriod(t *testing.T) {
	harness := newTestHarness(2)
	population := createPopulation(6, 48, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	day := privacy.PeriodDay

	cfg := RunConfig{
		SampleSizes:  []int{4},
		Coefficients: []int{3},
		Epsilons:     []float64{1.0},
		Aggregate:    privacy.AggregateCount,
		Period:       &day,
	}

	report, err := harness.Run(context.Background(), population, cfg, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	require.Empty(t, report.Failures)
	require.Len(t, report.Rows, 48)

	assert.Equal(t, "day", report.Parameters.Period)
	assert.Equal(t, "2024-01-01", report.Rows[0].Period)
	assert.Equal(t, "2024-01-02", report.Rows[47].Period)
}

func TestHarnessRunPeriodTooSmall(t *testing.T) {
	harness := newTestHarness(2)
	// Two points fall on the first day
	population := createPopulation(6, 26, time.Date(2024, 1, 1, 22, 0, 0, 0, time.UTC))
	day := privacy.PeriodDay

	cfg := RunConfig{
		SampleSizes:  []int{4},
		Coefficients: []int{1, 3},
		Epsilons:     []float64{1.0},
		Aggregate:    privacy.AggregateCount,
		Period:       &day,
	}

	report, err := harness.Run(context.Background(), population, cfg, rand.New(rand.NewSource(5)))
	require.NoError(t, err)

	assert.Len(t, report.Rows, 26)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, 3, report.Failures[0].Coefficients)
	assert.Equal(t, errors.CodePeriodTooSmall, report.Failures[0].Code)
}

func TestHarnessRunInvalid(t *testing.T) {
	harness := newTestHarness(1)
	population := createPopulation(3, 10, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	valid := RunConfig{
		SampleSizes:  []int{2},
		Coefficients: []int{2},
		Epsilons:     []float64{1.0},
		Aggregate:    privacy.AggregateCount,
	}

	_, err := harness.Run(context.Background(), population, valid, nil)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidParameter))

	unknown := valid
	unknown.Aggregate = privacy.AggregateKind(42)
	_, err = harness.Run(context.Background(), population, unknown, rand.New(rand.NewSource(1)))
	assert.True(t, stderrors.Is(err, errors.ErrUnknownAggregateKind))

	tests := []struct {
		name   string
		mutate func(*RunConfig)
	}{
		{"no sample sizes", func(c *RunConfig) { c.SampleSizes = nil }},
		{"zero sample size", func(c *RunConfig) { c.SampleSizes = []int{0} }},
		{"zero coefficients", func(c *RunConfig) { c.Coefficients = []int{0} }},
		{"negative epsilon", func(c *RunConfig) { c.Epsilons = []float64{-1} }},
		{"NaN epsilon", func(c *RunConfig) { c.Epsilons = []float64{math.NaN()} }},
		{"negative bucket width", func(c *RunConfig) { c.BucketWidth = -time.Minute }},
		{"filter without values", func(c *RunConfig) { c.Filter = &AttributeFilter{Name: "mode"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			_, err := harness.Run(context.Background(), population, cfg, rand.New(rand.NewSource(1)))
			assert.True(t, stderrors.Is(err, errors.ErrInvalidParameter))
		})
	}
}

func TestHarnessRunCancelled(t *testing.T) {
	harness := newTestHarness(2)
	population := createPopulation(5, 20, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := harness.Run(ctx, population, RunConfig{
		SampleSizes:  []int{2},
		Coefficients: []int{2},
		Epsilons:     []float64{1.0},
		Aggregate:    privacy.AggregateCount,
	}, rand.New(rand.NewSource(1)))

	require.Error(t, err)
	assert.Equal(t, errors.CodeCancelled, errors.CodeOf(err))
	assert.True(t, stderrors.Is(err, context.Canceled))
}

func TestHarnessRecorder(t *testing.T) {
	recorder := &countingRecorder{}
	harness := newTestHarness(3).WithRecorder(recorder)
	population := createPopulation(4, 5, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	_, err := harness.Run(context.Background(), population, RunConfig{
		SampleSizes:  []int{2, 10},
		Coefficients: []int{2, 5},
		Epsilons:     []float64{1.0},
		Aggregate:    privacy.AggregateCount,
	}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	assert.Equal(t, 1, recorder.samples[StatusSucceeded])
	assert.Equal(t, 1, recorder.samples[StatusFailed])
	assert.Equal(t, 1, recorder.cells[StatusSucceeded])
	assert.Equal(t, 1, recorder.cells[StatusSkipped])
}

func TestPreparePopulation(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	records := []models.Record{
		{ID: "a", Timestamp: base.Add(5 * time.Minute), Value: 4, Attributes: map[string]string{"mode": "bus"}},
		{ID: "a", Timestamp: base.Add(40 * time.Minute), Value: 6, Attributes: map[string]string{"mode": "bus"}},
		{ID: "b", Timestamp: base.Add(10 * time.Minute), Value: 3, Attributes: map[string]string{"mode": "car"}},
		{ID: "c", Timestamp: base.Add(70 * time.Minute), Value: 9, Attributes: map[string]string{"mode": "tram"}},
		{ID: "d", Timestamp: base.Add(20 * time.Minute), Value: 1},
	}

	t.Run("bucketed sum", func(t *testing.T) {
		pop, err := preparePopulation(records, RunConfig{Aggregate: privacy.AggregateSum, BucketWidth: time.Hour})
		require.NoError(t, err)

		assert.Equal(t, []string{"a", "b", "c", "d"}, pop.ids)
		require.Len(t, pop.contributions, 4)
		assert.Equal(t, 10.0, pop.contributions[0].value)
		assert.Equal(t, base, pop.contributions[0].bucket)
		assert.Equal(t, base.Add(time.Hour), pop.contributions[2].bucket)
	})

	t.Run("unbucketed count", func(t *testing.T) {
		pop, err := preparePopulation(records, RunConfig{Aggregate: privacy.AggregateCount})
		require.NoError(t, err)
		assert.Len(t, pop.contributions, 5)
		for _, c := range pop.contributions {
			assert.Equal(t, 1.0, c.value)
		}
	})

	t.Run("filtered", func(t *testing.T) {
		filter := &AttributeFilter{Name: "mode", Values: []string{"bus", "tram"}}
		pop, err := preparePopulation(records, RunConfig{Aggregate: privacy.AggregateCount, Filter: filter, BucketWidth: time.Hour})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, pop.ids)
		require.Len(t, pop.contributions, 2)
		assert.Equal(t, 2.0, pop.contributions[0].value)
		assert.Equal(t, "mode=bus|tram", filter.String())
	})
}

func TestPopulationDraw(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []models.Record{
		{ID: "a", Timestamp: base.Add(time.Hour), Value: 3},
		{ID: "b", Timestamp: base, Value: 17},
		{ID: "c", Timestamp: base.Add(time.Hour), Value: 42},
	}

	pop, err := preparePopulation(records, RunConfig{Aggregate: privacy.AggregateSum})
	require.NoError(t, err)

	s, err := pop.draw(3, privacy.AggregateSum, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	assert.Equal(t, 50.0, s.boundary)
	assert.Equal(t, []time.Time{base, base.Add(time.Hour)}, s.reference.Timestamps())
	assert.Equal(t, []float64{17, 45}, s.reference.Values())

	_, err = pop.draw(4, privacy.AggregateSum, rand.New(rand.NewSource(1)))
	assert.True(t, stderrors.Is(err, errors.ErrInsufficientPopulation))
}

// Helper functions

func newTestHarness(workers int) *Harness {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewHarness(HarnessConfig{Workers: workers}, privacy.NewSpectralPerturber(nil, logger), logger)
}

// createPopulation returns ids records at every hour of length hours, one
// record per id and hour.
func createPopulation(ids, hours int, start time.Time) []models.Record {
	records := make([]models.Record, 0, ids*hours)
	for h := 0; h < hours; h++ {
		for i := 0; i < ids; i++ {
			records = append(records, models.Record{
				ID:        fmt.Sprintf("user-%02d", i),
				Timestamp: start.Add(time.Duration(h) * time.Hour),
				Value:     float64(i%5 + 1),
			})
		}
	}
	return records
}

type countingRecorder struct {
	mu      sync.Mutex
	samples map[string]int
	cells   map[string]int
}

func (r *countingRecorder) ObserveSample(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.samples == nil {
		r.samples = make(map[string]int)
	}
	r.samples[status]++
}

func (r *countingRecorder) ObserveCell(status string, _ time.Duration, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cells == nil {
		r.cells = make(map[string]int)
	}
	r.cells[status]++
}
