package experiment

import (
	"math/rand"
	"sort"
	"time"

	"github.com/inferloop/tsdp/internal/privacy"
	"github.com/inferloop/tsdp/pkg/errors"
	"github.com/inferloop/tsdp/pkg/models"
)

// contribution is the collapsed value of one individual in one bucket
type contribution struct {
	id     string
	bucket time.Time
	value  float64
}

// population is the filtered, per-(id, bucket) view of the input records
type population struct {
	contributions []contribution
	// ids in first-occurrence order
	ids []string
}

// sample is the reference series and boundary of one sampled sub-population
type sample struct {
	size      int
	reference *models.TimeSeries
	boundary  float64
}

func bucketOf(t time.Time, width time.Duration) time.Time {
	if width <= 0 {
		return t
	}
	return t.Truncate(width)
}

// preparePopulation filters the records and collapses them to one value per
// (id, bucket) using the aggregate kind.
func preparePopulation(records []models.Record, cfg RunConfig) (*population, error) {
	type key struct {
		id     string
		bucket int64
	}

	position := make(map[key]int)
	seen := make(map[string]struct{})
	var grouped [][]float64
	pop := &population{}

	for _, record := range records {
		if !cfg.Filter.Matches(record) {
			continue
		}

		bucket := bucketOf(record.Timestamp, cfg.BucketWidth)
		k := key{id: record.ID, bucket: bucket.UnixNano()}
		idx, ok := position[k]
		if !ok {
			idx = len(pop.contributions)
			position[k] = idx
			pop.contributions = append(pop.contributions, contribution{id: record.ID, bucket: bucket})
			grouped = append(grouped, nil)
		}
		grouped[idx] = append(grouped[idx], record.Value)

		if _, ok := seen[record.ID]; !ok {
			seen[record.ID] = struct{}{}
			pop.ids = append(pop.ids, record.ID)
		}
	}

	for i, values := range grouped {
		v, err := cfg.Aggregate.Aggregate(values)
		if err != nil {
			return nil, err
		}
		pop.contributions[i].value = v
	}

	return pop, nil
}

// draw samples size distinct ids uniformly without replacement and builds
// the reference series and boundary over their contributions.
func (p *population) draw(size int, kind privacy.AggregateKind, rng *rand.Rand) (*sample, error) {
	if size > len(p.ids) {
		return nil, errors.NewInsufficientPopulationError(size, len(p.ids))
	}

	chosen := make(map[string]struct{}, size)
	for _, i := range rng.Perm(len(p.ids))[:size] {
		chosen[p.ids[i]] = struct{}{}
	}

	buckets := make(map[int64][]float64)
	stamps := make(map[int64]time.Time)
	var values []float64
	for _, c := range p.contributions {
		if _, ok := chosen[c.id]; !ok {
			continue
		}
		ns := c.bucket.UnixNano()
		buckets[ns] = append(buckets[ns], c.value)
		stamps[ns] = c.bucket
		values = append(values, c.value)
	}

	keys := make([]int64, 0, len(buckets))
	for ns := range buckets {
		keys = append(keys, ns)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	timestamps := make([]time.Time, len(keys))
	reference := make([]float64, len(keys))
	for i, ns := range keys {
		v, err := kind.Aggregate(buckets[ns])
		if err != nil {
			return nil, err
		}
		timestamps[i] = stamps[ns]
		reference[i] = v
	}

	series, err := models.NewTimeSeries("reference", timestamps, reference)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeInternalError, "failed to build reference series")
	}

	boundary, err := kind.Boundary(values)
	if err != nil {
		return nil, err
	}

	return &sample{size: size, reference: series, boundary: boundary}, nil
}
