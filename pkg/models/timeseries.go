package models

import (
	"fmt"
	"time"
)

// DataPoint is a single observation of a time series
type DataPoint struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Value     float64   `json:"value" yaml:"value"`
}

// TimeSeries is an ordered sequence of data points. Timestamps are strictly
// increasing; the engine never mutates a TimeSeries it receives.
type TimeSeries struct {
	ID         string      `json:"id,omitempty" yaml:"id,omitempty"`
	Name       string      `json:"name,omitempty" yaml:"name,omitempty"`
	DataPoints []DataPoint `json:"data_points" yaml:"data_points"`
}

// NewTimeSeries builds a series from parallel timestamp and value slices.
func NewTimeSeries(name string, timestamps []time.Time, values []float64) (*TimeSeries, error) {
	if len(timestamps) != len(values) {
		return nil, fmt.Errorf("timestamps and values differ in length: %d != %d", len(timestamps), len(values))
	}

	points := make([]DataPoint, len(values))
	for i := range values {
		points[i] = DataPoint{Timestamp: timestamps[i], Value: values[i]}
	}

	ts := &TimeSeries{Name: name, DataPoints: points}
	if err := ts.Validate(); err != nil {
		return nil, err
	}
	return ts, nil
}

// Len returns the number of data points
func (ts *TimeSeries) Len() int {
	return len(ts.DataPoints)
}

// Values returns a copy of the series values
func (ts *TimeSeries) Values() []float64 {
	values := make([]float64, len(ts.DataPoints))
	for i, dp := range ts.DataPoints {
		values[i] = dp.Value
	}
	return values
}

// Timestamps returns a copy of the series timestamps
func (ts *TimeSeries) Timestamps() []time.Time {
	timestamps := make([]time.Time, len(ts.DataPoints))
	for i, dp := range ts.DataPoints {
		timestamps[i] = dp.Timestamp
	}
	return timestamps
}

// WithValues returns a new series sharing this series' timestamps and
// carrying the given values.
func (ts *TimeSeries) WithValues(values []float64) (*TimeSeries, error) {
	if len(values) != len(ts.DataPoints) {
		return nil, fmt.Errorf("expected %d values, got %d", len(ts.DataPoints), len(values))
	}

	points := make([]DataPoint, len(values))
	for i, dp := range ts.DataPoints {
		points[i] = DataPoint{Timestamp: dp.Timestamp, Value: values[i]}
	}
	return &TimeSeries{ID: ts.ID, Name: ts.Name, DataPoints: points}, nil
}

// Validate checks that timestamps are strictly increasing
func (ts *TimeSeries) Validate() error {
	for i := 1; i < len(ts.DataPoints); i++ {
		if !ts.DataPoints[i].Timestamp.After(ts.DataPoints[i-1].Timestamp) {
			return fmt.Errorf("timestamps not strictly increasing at index %d (%s <= %s)",
				i, ts.DataPoints[i].Timestamp.Format(time.RFC3339), ts.DataPoints[i-1].Timestamp.Format(time.RFC3339))
		}
	}
	return nil
}
