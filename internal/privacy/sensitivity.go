package privacy

import (
	"math"
	"strings"

	"github.com/inferloop/tsdp/pkg/errors"
)

// AggregateKind is the aggregate computed per time bucket. It is a closed
// set: adding a kind means adding a case to every switch below.
type AggregateKind int

const (
	AggregateCount AggregateKind = iota + 1
	AggregateSum
)

// String returns the aggregate kind name
func (k AggregateKind) String() string {
	switch k {
	case AggregateCount:
		return "count"
	case AggregateSum:
		return "sum"
	default:
		return "unknown"
	}
}

// ParseAggregateKind parses "count" or "sum"
func ParseAggregateKind(name string) (AggregateKind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "count":
		return AggregateCount, nil
	case "sum":
		return AggregateSum, nil
	default:
		return 0, errors.NewUnknownAggregateKindError(name)
	}
}

// MarshalText implements encoding.TextMarshaler
func (k AggregateKind) MarshalText() ([]byte, error) {
	if k != AggregateCount && k != AggregateSum {
		return nil, errors.NewUnknownAggregateKindError(k.String())
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *AggregateKind) UnmarshalText(text []byte) error {
	parsed, err := ParseAggregateKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Boundary bounds the contribution of a single record to the aggregate.
// An individual adds at most one unit to a count; for a sum the observed
// maximum is rounded up to the next multiple of ten. Kinds outside the
// closed set return ErrUnknownAggregateKind and must not be defaulted.
func (k AggregateKind) Boundary(values []float64) (float64, error) {
	switch k {
	case AggregateCount:
		return 1.0, nil
	case AggregateSum:
		if len(values) == 0 {
			return 0, errors.NewInvalidParameterError("sum boundary needs at least one value")
		}
		maximum := values[0]
		for _, v := range values[1:] {
			if v > maximum {
				maximum = v
			}
		}
		return 10 * math.Ceil(maximum/10), nil
	default:
		return 0, errors.NewUnknownAggregateKindError(k.String())
	}
}

// Aggregate reduces the values of one bucket
func (k AggregateKind) Aggregate(values []float64) (float64, error) {
	switch k {
	case AggregateCount:
		return float64(len(values)), nil
	case AggregateSum:
		var total float64
		for _, v := range values {
			total += v
		}
		return total, nil
	default:
		return 0, errors.NewUnknownAggregateKindError(k.String())
	}
}
