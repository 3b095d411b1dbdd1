package analytics

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/inferloop/tsdp/pkg/errors"
	"github.com/inferloop/tsdp/pkg/models"
)

// Built-in record columns. Any other name refers to a record attribute.
const (
	ColumnID        = "id"
	ColumnTimestamp = "timestamp"
	ColumnAmount    = "value"
)

// Engine computes re-identification metrics over a record population
type Engine struct {
	logger *logrus.Logger
	config *EngineConfig
}

// EngineConfig contains configuration for the analytics engine
type EngineConfig struct {
	// Base of the entropy logarithm
	Base float64 `json:"base" yaml:"base" mapstructure:"base"`
	// Normalize divides the entropy by its maximum, log(n)
	Normalize bool `json:"normalize" yaml:"normalize" mapstructure:"normalize"`
}

// AttributeEntropy is the entropy of one column
type AttributeEntropy struct {
	Attribute string  `json:"attribute" yaml:"attribute"`
	Entropy   float64 `json:"entropy" yaml:"entropy"`
}

// AnonymitySet counts how many value combinations are shared by exactly
// Cardinality records.
type AnonymitySet struct {
	Cardinality int `json:"cardinality" yaml:"cardinality"`
	Occurrences int `json:"occurrences" yaml:"occurrences"`
}

// AnonymityRequest selects the columns of an anonymity set computation
type AnonymityRequest struct {
	// Subset of columns forming the quasi-identifier; empty means all
	Subset []string `json:"subset,omitempty" yaml:"subset,omitempty"`
	// Distinct drops duplicate rows over Subset plus this column first. With
	// no Subset, rows are deduplicated on this column alone.
	Distinct string `json:"distinct,omitempty" yaml:"distinct,omitempty"`
	// Reindex fills every cardinality from 1 to the maximum, zeros included
	Reindex bool `json:"reindex,omitempty" yaml:"reindex,omitempty"`
}

// NewEngine creates a new analytics engine
func NewEngine(config *EngineConfig, logger *logrus.Logger) *Engine {
	if config == nil {
		config = getDefaultEngineConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{logger: logger, config: config}
}

// Entropy returns the Shannon entropy of the empirical distribution of
// values in the given base. Normalized entropy is h*ln(base)/ln(n) and is
// zero for fewer than two values.
func Entropy(values []string, base float64, normalize bool) (float64, error) {
	if !(base > 0) || base == 1 {
		return 0, errors.NewInvalidParameterError("entropy base must be positive and not 1, got %f", base)
	}
	if len(values) == 0 {
		return 0, nil
	}

	counts := make(map[string]int)
	var order []string
	for _, v := range values {
		if _, ok := counts[v]; !ok {
			order = append(order, v)
		}
		counts[v]++
	}

	n := float64(len(values))
	p := make([]float64, len(order))
	for i, v := range order {
		p[i] = float64(counts[v]) / n
	}

	// stat.Entropy uses the natural logarithm
	h := stat.Entropy(p)
	if normalize {
		if len(values) < 2 {
			return 0, nil
		}
		return h / math.Log(n), nil
	}
	return h / math.Log(base), nil
}

// Entropies computes the entropy of every requested column. An empty list
// selects the built-in columns followed by all attributes in sorted order.
func (e *Engine) Entropies(records []models.Record, columns []string) ([]AttributeEntropy, error) {
	if len(columns) == 0 {
		columns = Columns(records)
	}

	result := make([]AttributeEntropy, 0, len(columns))
	for _, column := range columns {
		values := make([]string, len(records))
		for i, record := range records {
			values[i] = ColumnValue(record, column)
		}

		h, err := Entropy(values, e.config.Base, e.config.Normalize)
		if err != nil {
			return nil, err
		}
		result = append(result, AttributeEntropy{Attribute: column, Entropy: h})
	}

	e.logger.WithFields(logrus.Fields{
		"records": len(records),
		"columns": len(columns),
	}).Debug("Computed entropies")

	return result, nil
}

// AnonymitySets groups records by their values on the subset columns and
// reports, for every group size, how many groups have that size. Sizes are
// ascending.
func (e *Engine) AnonymitySets(records []models.Record, req AnonymityRequest) []AnonymitySet {
	rows := records
	if req.Distinct != "" {
		rows = distinctRecords(records, req.Subset, req.Distinct)
	}

	subset := req.Subset
	if len(subset) == 0 {
		subset = Columns(rows)
	}

	multiplicity := make(map[string]int)
	for _, record := range rows {
		multiplicity[rowKey(record, subset)]++
	}

	occurrences := make(map[int]int)
	maxCardinality := 0
	for _, m := range multiplicity {
		occurrences[m]++
		if m > maxCardinality {
			maxCardinality = m
		}
	}

	var result []AnonymitySet
	if req.Reindex {
		result = make([]AnonymitySet, 0, maxCardinality)
		for c := 1; c <= maxCardinality; c++ {
			result = append(result, AnonymitySet{Cardinality: c, Occurrences: occurrences[c]})
		}
	} else {
		result = make([]AnonymitySet, 0, len(occurrences))
		for c, o := range occurrences {
			result = append(result, AnonymitySet{Cardinality: c, Occurrences: o})
		}
		sort.Slice(result, func(i, j int) bool { return result[i].Cardinality < result[j].Cardinality })
	}

	e.logger.WithFields(logrus.Fields{
		"records": len(rows),
		"groups":  len(multiplicity),
		"subset":  strings.Join(subset, ","),
	}).Debug("Computed anonymity sets")

	return result
}

// Columns returns the built-in columns followed by every attribute name
// present in records, sorted.
func Columns(records []models.Record) []string {
	seen := make(map[string]struct{})
	var attributes []string
	for _, record := range records {
		for name := range record.Attributes {
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				attributes = append(attributes, name)
			}
		}
	}
	sort.Strings(attributes)
	return append([]string{ColumnID, ColumnTimestamp, ColumnAmount}, attributes...)
}

// ColumnValue renders a record column as a string. Missing attributes are
// empty.
func ColumnValue(record models.Record, column string) string {
	switch column {
	case ColumnID:
		return record.ID
	case ColumnTimestamp:
		return record.Timestamp.UTC().Format(time.RFC3339Nano)
	case ColumnAmount:
		return strconv.FormatFloat(record.Value, 'g', -1, 64)
	default:
		return record.Attributes[column]
	}
}

func distinctRecords(records []models.Record, subset []string, distinct string) []models.Record {
	columns := subset
	if !contains(columns, distinct) {
		columns = append(append([]string(nil), subset...), distinct)
	}

	seen := make(map[string]struct{})
	var rows []models.Record
	for _, record := range records {
		key := rowKey(record, columns)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		rows = append(rows, record)
	}
	return rows
}

func rowKey(record models.Record, columns []string) string {
	parts := make([]string, len(columns))
	for i, column := range columns {
		parts[i] = ColumnValue(record, column)
	}
	return strings.Join(parts, "\x1f")
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func getDefaultEngineConfig() *EngineConfig {
	return &EngineConfig{Base: 2}
}
