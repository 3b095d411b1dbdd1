package experiment

import (
	"fmt"
	"strings"
	"time"

	"github.com/inferloop/tsdp/internal/privacy"
	"github.com/inferloop/tsdp/pkg/errors"
	"github.com/inferloop/tsdp/pkg/models"
)

// AttributeFilter keeps records whose attribute Name takes one of Values
type AttributeFilter struct {
	Name   string   `json:"name" mapstructure:"name"`
	Values []string `json:"values" mapstructure:"values"`
}

// Matches reports whether the record passes the filter
func (f *AttributeFilter) Matches(record models.Record) bool {
	if f == nil || f.Name == "" {
		return true
	}
	value, ok := record.Attributes[f.Name]
	if !ok {
		return false
	}
	for _, v := range f.Values {
		if v == value {
			return true
		}
	}
	return false
}

// String renders the filter as name=v1|v2
func (f *AttributeFilter) String() string {
	if f == nil || f.Name == "" {
		return ""
	}
	return fmt.Sprintf("%s=%s", f.Name, strings.Join(f.Values, "|"))
}

// RunConfig describes one experiment sweep
type RunConfig struct {
	SampleSizes  []int
	Coefficients []int
	Epsilons     []float64
	Aggregate    privacy.AggregateKind
	Filter       *AttributeFilter
	// Period, when set, perturbs each calendar period independently
	Period *privacy.PeriodUnit
	// BucketWidth truncates timestamps before aggregation; zero keeps them
	BucketWidth time.Duration
}

// Validate checks the sweep grid
func (c RunConfig) Validate() error {
	if len(c.SampleSizes) == 0 {
		return errors.NewInvalidParameterError("at least one sample size is required")
	}
	if len(c.Coefficients) == 0 {
		return errors.NewInvalidParameterError("at least one coefficients value is required")
	}
	if len(c.Epsilons) == 0 {
		return errors.NewInvalidParameterError("at least one epsilon is required")
	}
	for _, n := range c.SampleSizes {
		if n < 1 {
			return errors.NewInvalidParameterError("sample size must be at least 1, got %d", n)
		}
	}
	for _, k := range c.Coefficients {
		if k < 1 {
			return errors.NewInvalidParameterError("coefficients must be at least 1, got %d", k)
		}
	}
	for _, eps := range c.Epsilons {
		if !(eps > 0) {
			return errors.NewInvalidParameterError("epsilon must be positive, got %f", eps)
		}
	}
	if c.BucketWidth < 0 {
		return errors.NewInvalidParameterError("bucket width must not be negative, got %s", c.BucketWidth)
	}
	if c.Aggregate != privacy.AggregateCount && c.Aggregate != privacy.AggregateSum {
		return errors.NewUnknownAggregateKindError(c.Aggregate.String())
	}
	if c.Period != nil {
		if _, err := c.Period.Key(time.Time{}); err != nil {
			return err
		}
	}
	if c.Filter != nil && c.Filter.Name != "" && len(c.Filter.Values) == 0 {
		return errors.NewInvalidParameterError("filter on %q needs at least one value", c.Filter.Name)
	}
	return nil
}

// Parameters echoes the configuration into a report
func (c RunConfig) Parameters() models.ExperimentParameters {
	params := models.ExperimentParameters{
		SampleSizes:  append([]int(nil), c.SampleSizes...),
		Coefficients: append([]int(nil), c.Coefficients...),
		Epsilons:     append([]float64(nil), c.Epsilons...),
		Aggregate:    c.Aggregate.String(),
		Filter:       c.Filter.String(),
	}
	if c.Period != nil {
		params.Period = c.Period.String()
	}
	if c.BucketWidth > 0 {
		params.BucketWidth = c.BucketWidth.String()
	}
	return params
}

type cell struct {
	coefficients int
	epsilon      float64
}

// cells returns the coefficients x epsilons grid, coefficients outermost
func (c RunConfig) cells() []cell {
	grid := make([]cell, 0, len(c.Coefficients)*len(c.Epsilons))
	for _, k := range c.Coefficients {
		for _, eps := range c.Epsilons {
			grid = append(grid, cell{coefficients: k, epsilon: eps})
		}
	}
	return grid
}

func formatShortSeries(length, coefficients int) string {
	return fmt.Sprintf("%d points, %d coefficients", length, coefficients)
}
