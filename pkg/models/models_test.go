package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tserrors "github.com/inferloop/tsdp/pkg/errors"
)

func TestNewTimeSeries(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	timestamps := []time.Time{start, start.Add(time.Hour), start.Add(2 * time.Hour)}

	ts, err := NewTimeSeries("validations", timestamps, []float64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 3, ts.Len())
	assert.Equal(t, []float64{1, 2, 3}, ts.Values())
	assert.Equal(t, timestamps, ts.Timestamps())
}

func TestNewTimeSeriesRejectsUnorderedTimestamps(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	timestamps := []time.Time{start, start, start.Add(time.Hour)}

	_, err := NewTimeSeries("validations", timestamps, []float64{1, 2, 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strictly increasing")

	_, err = NewTimeSeries("validations", timestamps[:2], []float64{1})
	require.Error(t, err)
}

func TestWithValuesDoesNotMutateInput(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ts, err := NewTimeSeries("s", []time.Time{start, start.Add(time.Minute)}, []float64{5, 6})
	require.NoError(t, err)

	out, err := ts.WithValues([]float64{7, 8})
	require.NoError(t, err)

	assert.Equal(t, []float64{5, 6}, ts.Values())
	assert.Equal(t, []float64{7, 8}, out.Values())
	assert.Equal(t, ts.Timestamps(), out.Timestamps())

	_, err = ts.WithValues([]float64{1})
	assert.Error(t, err)
}

func TestPrivacyBudgetValidate(t *testing.T) {
	assert.NoError(t, PrivacyBudget{Epsilon: 0.5, Coefficients: 3}.Validate())

	err := PrivacyBudget{Epsilon: 0, Coefficients: 3}.Validate()
	assert.True(t, errors.Is(err, tserrors.ErrInvalidParameter))

	err = PrivacyBudget{Epsilon: 1, Coefficients: 0}.Validate()
	assert.True(t, errors.Is(err, tserrors.ErrInvalidParameter))
}
