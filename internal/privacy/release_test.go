package privacy

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tserrors "github.com/inferloop/tsdp/pkg/errors"
)

func TestReleaseValuesDerivesBoundary(t *testing.T) {
	releaser := NewReleaser(nil, logrus.New())
	values := []float64{10, 20, 30, 40, 50}

	release, err := releaser.ReleaseValues(values, ReleaseOptions{
		Aggregate:    AggregateSum,
		Epsilon:      1,
		Coefficients: 2,
	}, rand.New(rand.NewSource(42)))
	require.NoError(t, err)

	assert.Equal(t, 50.0, release.Boundary)
	assert.InDelta(t, Sensitivity(50, 5, 2), release.Sensitivity, 1e-9)
	assert.InDelta(t, release.Sensitivity, release.NoiseScale, 1e-9)
	assert.Len(t, release.Values, 5)
	assert.Nil(t, release.Series)

	direct, ok, err := NewSpectralPerturber(nil, nil).Perturb(values, 50, 1, 2, rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, direct, release.Values)
}

func TestReleaseValuesBoundaryOverride(t *testing.T) {
	releaser := NewReleaser(nil, nil)
	boundary := 5.0

	release, err := releaser.ReleaseValues([]float64{1, 2, 3, 4}, ReleaseOptions{
		Aggregate:    AggregateCount,
		Boundary:     &boundary,
		Epsilon:      0.5,
		Coefficients: 1,
	}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, 5.0, release.Boundary)

	negative := -1.0
	_, err = releaser.ReleaseValues([]float64{1, 2, 3, 4}, ReleaseOptions{
		Aggregate:    AggregateCount,
		Boundary:     &negative,
		Epsilon:      0.5,
		Coefficients: 1,
	}, rand.New(rand.NewSource(1)))
	assert.True(t, errors.Is(err, tserrors.ErrInvalidParameter))
}

func TestReleaseValuesNotApplicable(t *testing.T) {
	releaser := NewReleaser(nil, nil)

	_, err := releaser.ReleaseValues([]float64{1, 2, 3}, ReleaseOptions{
		Aggregate:    AggregateCount,
		Epsilon:      1,
		Coefficients: 3,
	}, rand.New(rand.NewSource(1)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, tserrors.ErrNotApplicable))
	assert.Equal(t, tserrors.CodeNotApplicable, tserrors.CodeOf(err))
}

func TestReleaseValuesRejectsPeriod(t *testing.T) {
	releaser := NewReleaser(nil, nil)
	unit := PeriodWeek

	_, err := releaser.ReleaseValues([]float64{1, 2, 3}, ReleaseOptions{
		Aggregate:    AggregateCount,
		Epsilon:      1,
		Coefficients: 1,
		Period:       &unit,
	}, rand.New(rand.NewSource(1)))
	assert.True(t, errors.Is(err, tserrors.ErrInvalidParameter))
}

func TestReleaseValuesInvalidBudget(t *testing.T) {
	releaser := NewReleaser(nil, nil)

	_, err := releaser.ReleaseValues([]float64{1, 2, 3}, ReleaseOptions{Aggregate: AggregateCount, Epsilon: 0, Coefficients: 1}, rand.New(rand.NewSource(1)))
	assert.True(t, errors.Is(err, tserrors.ErrInvalidParameter))

	_, err = releaser.ReleaseValues(nil, ReleaseOptions{Aggregate: AggregateCount, Epsilon: 1, Coefficients: 1}, rand.New(rand.NewSource(1)))
	assert.True(t, errors.Is(err, tserrors.ErrInvalidParameter))
}

func TestReleaseSeriesByPeriod(t *testing.T) {
	releaser := NewReleaser(nil, nil)
	series := createDailySeries(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 14)
	unit := PeriodWeek

	release, err := releaser.ReleaseSeries(series, ReleaseOptions{
		Aggregate:    AggregateSum,
		Epsilon:      1,
		Coefficients: 2,
		Period:       &unit,
	}, rand.New(rand.NewSource(3)))
	require.NoError(t, err)

	assert.Equal(t, "week", release.Period)
	assert.Zero(t, release.Sensitivity)
	require.NotNil(t, release.Series)
	assert.Equal(t, series.Timestamps(), release.Series.Timestamps())
	assert.Equal(t, release.Values, release.Series.Values())
}
