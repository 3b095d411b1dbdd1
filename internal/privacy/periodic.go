package privacy

import (
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/tsdp/pkg/errors"
	"github.com/inferloop/tsdp/pkg/models"
)

// PeriodUnit is the calendar window a series is partitioned by
type PeriodUnit int

const (
	PeriodDay PeriodUnit = iota + 1
	PeriodWeek
	PeriodMonth
	PeriodYear
)

// String returns the period unit name
func (u PeriodUnit) String() string {
	switch u {
	case PeriodDay:
		return "day"
	case PeriodWeek:
		return "week"
	case PeriodMonth:
		return "month"
	case PeriodYear:
		return "year"
	default:
		return "unknown"
	}
}

// ParsePeriodUnit parses day, week, month or year
func ParsePeriodUnit(name string) (PeriodUnit, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "day":
		return PeriodDay, nil
	case "week":
		return PeriodWeek, nil
	case "month":
		return PeriodMonth, nil
	case "year":
		return PeriodYear, nil
	default:
		return 0, errors.NewUnknownPeriodUnitError(name)
	}
}

// MarshalText implements encoding.TextMarshaler
func (u PeriodUnit) MarshalText() ([]byte, error) {
	if u < PeriodDay || u > PeriodYear {
		return nil, errors.NewUnknownPeriodUnitError(u.String())
	}
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (u *PeriodUnit) UnmarshalText(text []byte) error {
	parsed, err := ParsePeriodUnit(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// Key maps a timestamp to its period: the calendar date, the ISO week
// number, the English month name or the year. Week and month keys carry no
// year, so the same week of two different years shares a key.
func (u PeriodUnit) Key(t time.Time) (string, error) {
	switch u {
	case PeriodDay:
		return t.Format("2006-01-02"), nil
	case PeriodWeek:
		_, week := t.ISOWeek()
		return strconv.Itoa(week), nil
	case PeriodMonth:
		return t.Month().String(), nil
	case PeriodYear:
		return strconv.Itoa(t.Year()), nil
	default:
		return "", errors.NewUnknownPeriodUnitError(u.String())
	}
}

// PeriodGroup is the set of row indices sharing a period key, in input order
type PeriodGroup struct {
	Key     string
	Indices []int
}

// Partition groups the series rows by period key. Groups are ordered by the
// first occurrence of their key, not by sorting the keys.
func Partition(series *models.TimeSeries, unit PeriodUnit) ([]PeriodGroup, error) {
	var groups []PeriodGroup
	position := make(map[string]int)

	for i, dp := range series.DataPoints {
		key, err := unit.Key(dp.Timestamp)
		if err != nil {
			return nil, err
		}
		idx, ok := position[key]
		if !ok {
			idx = len(groups)
			position[key] = idx
			groups = append(groups, PeriodGroup{Key: key})
		}
		groups[idx].Indices = append(groups[idx].Indices, i)
	}

	return groups, nil
}

// PeriodicPartitioner perturbs each calendar period of a series on its own
type PeriodicPartitioner struct {
	logger    *logrus.Logger
	perturber *SpectralPerturber
}

// NewPeriodicPartitioner creates a partitioner on top of a spectral perturber
func NewPeriodicPartitioner(perturber *SpectralPerturber, logger *logrus.Logger) *PeriodicPartitioner {
	if logger == nil {
		logger = logrus.New()
	}
	if perturber == nil {
		perturber = NewSpectralPerturber(nil, logger)
	}
	return &PeriodicPartitioner{logger: logger, perturber: perturber}
}

// PerturbByPeriod perturbs every period independently, each spending the
// full epsilon with a sensitivity computed from its own length, and
// concatenates the results in group order.
//
// The caller must pass a series whose periods form contiguous blocks (a
// chronologically sorted series does, unless week or month keys repeat
// across years). Otherwise the output is not index-aligned with the input.
// Any period with no more than k points fails the whole call with
// ErrPeriodTooSmall and no partial output.
func (pp *PeriodicPartitioner) PerturbByPeriod(series *models.TimeSeries, boundary, epsilon float64, k int, unit PeriodUnit, rng *rand.Rand) ([]float64, error) {
	if series == nil {
		return nil, errors.NewInvalidParameterError("series is required")
	}
	if err := validatePerturbation(boundary, epsilon, k, rng); err != nil {
		return nil, err
	}

	groups, err := Partition(series, unit)
	if err != nil {
		return nil, err
	}

	result := make([]float64, 0, series.Len())
	for _, group := range groups {
		values := make([]float64, len(group.Indices))
		for i, idx := range group.Indices {
			values[i] = series.DataPoints[idx].Value
		}

		perturbed, ok, err := pp.perturber.Perturb(values, boundary, epsilon, k, rng)
		if err != nil {
			return nil, err
		}
		if !ok {
			pp.logger.WithFields(logrus.Fields{
				"period":       group.Key,
				"unit":         unit.String(),
				"length":       len(values),
				"coefficients": k,
			}).Warn("Period too small for perturbation")
			return nil, errors.NewPeriodTooSmallError(group.Key, len(values), k)
		}

		result = append(result, perturbed...)
	}

	return result, nil
}
