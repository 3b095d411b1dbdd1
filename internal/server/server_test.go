package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/tsdp/internal/config"
	"github.com/inferloop/tsdp/internal/observability/metrics"
	"github.com/inferloop/tsdp/internal/storage"
	"github.com/inferloop/tsdp/internal/storage/implementations/file"
	"github.com/inferloop/tsdp/internal/storage/interfaces"
	"github.com/inferloop/tsdp/pkg/constants"
	"github.com/inferloop/tsdp/pkg/errors"
	"github.com/inferloop/tsdp/pkg/models"
)

func TestHealthAndVersion(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doRequest(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(constants.HeaderRequestID))

	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "test", health["version"])

	rec = doRequest(t, srv, http.MethodGet, "/version", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var build BuildInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &build))
	assert.Equal(t, "test", build.Version)
	assert.NotEmpty(t, build.GoVersion)
}

func TestRequestIDIsPropagated(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(constants.HeaderRequestID, "req-1")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, "req-1", rec.Header().Get(constants.HeaderRequestID))
}

func TestPerturbValues(t *testing.T) {
	srv := newTestServer(t, nil)

	body := map[string]interface{}{
		"values":       createValues(48),
		"epsilon":      1.0,
		"coefficients": 4,
		"seed":         7,
	}
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/perturb", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp PerturbResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Values, 48)
	assert.Equal(t, 1.0, resp.Boundary)
	assert.Equal(t, int64(7), resp.Seed)
	assert.Greater(t, resp.Sensitivity, 0.0)
	assert.Empty(t, resp.Points)

	again := doRequest(t, srv, http.MethodPost, "/api/v1/perturb", body)
	var second PerturbResponse
	require.NoError(t, json.Unmarshal(again.Body.Bytes(), &second))
	assert.Equal(t, resp.Values, second.Values, "the same seed releases the same series")
}

func TestPerturbUsesConfiguredDefaults(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/perturb", map[string]interface{}{
		"values": createValues(24),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp PerturbResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, constants.DefaultEpsilon, resp.Epsilon)
	assert.Equal(t, constants.DefaultCoefficients, resp.Coefficients)
	assert.Equal(t, int64(constants.DefaultSeed), resp.Seed)
}

func TestPerturbByPeriod(t *testing.T) {
	srv := newTestServer(t, nil)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	points := make([]SeriesPoint, 48)
	for i := range points {
		points[i] = SeriesPoint{Timestamp: start.Add(time.Duration(i) * time.Hour), Value: float64(i % 7)}
	}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/perturb", map[string]interface{}{
		"points":       points,
		"aggregate":    "sum",
		"coefficients": 3,
		"period":       "day",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp PerturbResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "day", resp.Period)
	assert.Equal(t, 10.0, resp.Boundary)
	assert.Zero(t, resp.Sensitivity)
	require.Len(t, resp.Points, 48)
	assert.True(t, resp.Points[0].Timestamp.Equal(start))
}

func TestPerturbErrors(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name   string
		body   interface{}
		status int
		code   string
	}{
		{
			name:   "malformed body",
			body:   "not json",
			status: http.StatusBadRequest,
			code:   errors.CodeInvalidInput,
		},
		{
			name:   "missing values",
			body:   map[string]interface{}{"epsilon": 1.0},
			status: http.StatusBadRequest,
			code:   errors.CodeInvalidParameter,
		},
		{
			name:   "negative epsilon",
			body:   map[string]interface{}{"values": createValues(24), "epsilon": -1.0},
			status: http.StatusBadRequest,
			code:   errors.CodeInvalidParameter,
		},
		{
			name:   "unknown aggregate",
			body:   map[string]interface{}{"values": createValues(24), "aggregate": "mean"},
			status: http.StatusBadRequest,
			code:   errors.CodeInvalidParameter,
		},
		{
			name:   "period without timestamps",
			body:   map[string]interface{}{"values": createValues(24), "period": "day"},
			status: http.StatusBadRequest,
			code:   errors.CodeInvalidParameter,
		},
		{
			name:   "series too short",
			body:   map[string]interface{}{"values": createValues(4), "coefficients": 4},
			status: http.StatusUnprocessableEntity,
			code:   errors.CodeNotApplicable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, srv, http.MethodPost, "/api/v1/perturb", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestCreateAndGetExperiment(t *testing.T) {
	cache := newFileCache(t)
	srv := newTestServer(t, cache)

	body := map[string]interface{}{
		"records":      createRecords(6, 24),
		"sample_sizes": []int{2, 4},
		"coefficients": []int{3},
		"epsilons":     []float64{1.0},
		"bucket_width": "1h",
		"seed":         3,
	}
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/experiments", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created ExperimentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.RunID)
	require.NotNil(t, created.Report)
	assert.Len(t, created.Report.Rows, 2*24)
	assert.Equal(t, []string{"file"}, created.StoredIn)
	assert.Empty(t, created.StorageError)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/experiments/"+created.RunID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var stored models.ExperimentReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))
	assert.Equal(t, created.RunID, stored.RunID)
	assert.Len(t, stored.Rows, len(created.Report.Rows))

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/experiments/"+created.RunID+"/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var summaries []models.NoiseSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 2)
	assert.Equal(t, 24, summaries[0].Points)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/experiments/"+created.RunID+"?format=csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, constants.ContentTypeCSV, rec.Header().Get(constants.HeaderContentType))
	assert.Len(t, strings.Split(strings.TrimSpace(rec.Body.String()), "\n"), 2*24+1)
}

func TestCreateExperimentSummaryView(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/experiments", map[string]interface{}{
		"records":      createRecords(5, 12),
		"sample_sizes": []int{3},
		"coefficients": []int{2},
		"bucket_width": "1h",
		"view":         "summary",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created ExperimentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Nil(t, created.Report)
	require.Len(t, created.Summaries, 1)
	assert.Equal(t, constants.DefaultEpsilon, created.Summaries[0].Epsilon)
	assert.Empty(t, created.StoredIn)
}

func TestCreateExperimentErrors(t *testing.T) {
	srv := newTestServer(t, nil)

	tests := []struct {
		name   string
		body   map[string]interface{}
		status int
	}{
		{
			name:   "no records",
			body:   map[string]interface{}{"sample_sizes": []int{1}},
			status: http.StatusBadRequest,
		},
		{
			name: "record without id",
			body: map[string]interface{}{
				"records":      []map[string]interface{}{{"timestamp": time.Now()}},
				"sample_sizes": []int{1},
			},
			status: http.StatusBadRequest,
		},
		{
			name: "bad bucket width",
			body: map[string]interface{}{
				"records":      createRecords(2, 2),
				"sample_sizes": []int{1},
				"bucket_width": "soon",
			},
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, srv, http.MethodPost, "/api/v1/experiments", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestGetExperimentNotFound(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/experiments/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, errors.CodeDataNotFound, decodeError(t, rec).Code)

	srv = newTestServer(t, newFileCache(t))
	rec = doRequest(t, srv, http.MethodGet, "/api/v1/experiments/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/experiments/missing?format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyze(t *testing.T) {
	srv := newTestServer(t, nil)

	records := []map[string]interface{}{
		{"id": "a", "attributes": map[string]string{"zip": "1000", "age": "30"}},
		{"id": "b", "attributes": map[string]string{"zip": "1000", "age": "30"}},
		{"id": "c", "attributes": map[string]string{"zip": "2000", "age": "40"}},
		{"id": "d", "attributes": map[string]string{"zip": "2000", "age": "50"}},
	}
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/analyze", map[string]interface{}{
		"records": records,
		"columns": []string{"zip"},
		"subset":  []string{"zip", "age"},
		"reindex": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp AnalyzeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Entropies, 1)
	assert.Equal(t, "zip", resp.Entropies[0].Attribute)
	assert.InDelta(t, 1.0, resp.Entropies[0].Entropy, 1e-9)
	require.Len(t, resp.AnonymitySets, 2)
	assert.Equal(t, 1, resp.AnonymitySets[0].Cardinality)
	assert.Equal(t, 2, resp.AnonymitySets[0].Occurrences)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/analyze", map[string]interface{}{
		"records": records,
		"base":    1,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotFoundRoute(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doRequest(t, srv, http.MethodGet, "/api/v1/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, errors.CodeNotFound, decodeError(t, rec).Code)
	assert.NotEmpty(t, rec.Header().Get(constants.HeaderRequestID))

	metricsRec := doRequest(t, srv, http.MethodGet, constants.DefaultMetricsPath, nil)
	assert.Contains(t, metricsRec.Body.String(), `path="unmatched"`)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	doRequest(t, srv, http.MethodPost, "/api/v1/perturb", map[string]interface{}{"values": createValues(24)})

	rec := doRequest(t, srv, http.MethodGet, constants.DefaultMetricsPath, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "perturbations_total")
	assert.Contains(t, rec.Body.String(), `path="/api/v1/perturb"`)
}

func TestRequestSizeLimit(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Server.MaxBodyBytes = 16
	srv := newServerWithConfig(t, cfg, nil)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/perturb", map[string]interface{}{"values": createValues(24)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, errors.CodeRequestTooLarge, decodeError(t, rec).Code)
}

func TestRequestSizeLimitWithoutContentLength(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Server.MaxBodyBytes = 16
	srv := newServerWithConfig(t, cfg, nil)

	data, err := json.Marshal(map[string]interface{}{"values": createValues(24)})
	require.NoError(t, err)

	// a plain io.Reader leaves ContentLength unknown, as with chunked bodies
	req := httptest.NewRequest(http.MethodPost, "/api/v1/perturb", io.MultiReader(bytes.NewReader(data)))
	req.ContentLength = -1
	req.Header.Set(constants.HeaderContentType, constants.ContentTypeJSON)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, errors.CodeRequestTooLarge, decodeError(t, rec).Code)
}

// Helper functions

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.FromViper(viper.New())
	require.NoError(t, err)
	cfg.Experiment.BucketWidth = time.Hour
	return cfg
}

func newTestServer(t *testing.T, cache interfaces.ReportCache) *Server {
	return newServerWithConfig(t, newTestConfig(t), cache)
}

func newServerWithConfig(t *testing.T, cfg *config.Config, cache interfaces.ReportCache) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	prom, err := metrics.NewPrometheusMetrics(&cfg.Metrics, logger)
	require.NoError(t, err)

	deps := Dependencies{Metrics: prom, Cache: cache}
	if cache != nil {
		deps.Sinks = storage.NewMultiSink([]interfaces.Sink{cache}, prom, logger)
	}

	handlers := NewHandlers(cfg, deps, BuildInfo{Version: "test"}, logger)
	return NewServer(cfg, handlers, prom, logger)
}

func newFileCache(t *testing.T) interfaces.ReportCache {
	t.Helper()
	sink, err := file.NewFileStorage(&file.FileStorageConfig{BasePath: t.TempDir(), Format: "json"}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, sink.Connect(context.Background()))
	t.Cleanup(func() { sink.Close() })
	return sink
}

func doRequest(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(constants.HeaderContentType, constants.ContentTypeJSON)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) *errors.AppError {
	t.Helper()
	var resp errors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	return resp.Error
}

func createValues(n int) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = float64(i%3 + 1)
	}
	return values
}

// createRecords returns one record per id and hour, without values
func createRecords(ids, hours int) []map[string]interface{} {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records := make([]map[string]interface{}, 0, ids*hours)
	for h := 0; h < hours; h++ {
		for i := 0; i < ids; i++ {
			records = append(records, map[string]interface{}{
				"id":        fmt.Sprintf("user-%d", i),
				"timestamp": start.Add(time.Duration(h) * time.Hour),
			})
		}
	}
	return records
}
