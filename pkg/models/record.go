package models

import (
	"time"

	"github.com/inferloop/tsdp/pkg/errors"
)

// Record is one row of the individual-level population supplied by the
// upstream ETL: who (ID), when, and how much.
type Record struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Value      float64           `json:"value"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// PrivacyBudget is the per-invocation budget of a perturbation
type PrivacyBudget struct {
	Epsilon      float64 `json:"epsilon" yaml:"epsilon"`
	Coefficients int     `json:"coefficients" yaml:"coefficients"`
}

// Validate checks epsilon > 0 and coefficients >= 1. Whether the
// coefficients fit a given series is decided by the perturber.
func (b PrivacyBudget) Validate() error {
	if b.Epsilon <= 0 {
		return errors.NewInvalidParameterError("epsilon must be positive, got %f", b.Epsilon)
	}
	if b.Coefficients < 1 {
		return errors.NewInvalidParameterError("coefficients must be at least 1, got %d", b.Coefficients)
	}
	return nil
}
