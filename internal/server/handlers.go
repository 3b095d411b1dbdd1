package server

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math/rand"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/tsdp/internal/analytics"
	"github.com/inferloop/tsdp/internal/config"
	"github.com/inferloop/tsdp/internal/experiment"
	"github.com/inferloop/tsdp/internal/export"
	"github.com/inferloop/tsdp/internal/observability/metrics"
	"github.com/inferloop/tsdp/internal/privacy"
	"github.com/inferloop/tsdp/internal/storage"
	"github.com/inferloop/tsdp/internal/storage/interfaces"
	"github.com/inferloop/tsdp/pkg/constants"
	"github.com/inferloop/tsdp/pkg/errors"
	"github.com/inferloop/tsdp/pkg/models"
)

// BuildInfo identifies the running binary
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform,omitempty"`
}

// Dependencies are the components the handlers delegate to. Sinks, Cache
// and Metrics may be nil.
type Dependencies struct {
	Releaser *privacy.Releaser
	Harness  *experiment.Harness
	Exporter *export.ExportEngine
	Sinks    *storage.MultiSink
	Cache    interfaces.ReportCache
	Metrics  *metrics.PrometheusMetrics
}

// Handlers contains all HTTP handlers of the API
type Handlers struct {
	deps       Dependencies
	privacy    config.PrivacyConfig
	experiment config.ExperimentConfig
	build      BuildInfo
	logger     *logrus.Logger
	startTime  time.Time
}

// PerturbResponse is returned by POST /api/v1/perturb
type PerturbResponse struct {
	Values       []float64     `json:"values"`
	Points       []SeriesPoint `json:"points,omitempty"`
	Boundary     float64       `json:"boundary"`
	Sensitivity  float64       `json:"sensitivity,omitempty"`
	NoiseScale   float64       `json:"noise_scale,omitempty"`
	Epsilon      float64       `json:"epsilon"`
	Coefficients int           `json:"coefficients"`
	Period       string        `json:"period,omitempty"`
	Seed         int64         `json:"seed"`
}

// ExperimentResponse is returned by POST /api/v1/experiments
type ExperimentResponse struct {
	RunID        string                   `json:"run_id"`
	Report       *models.ExperimentReport `json:"report,omitempty"`
	Summaries    []models.NoiseSummary    `json:"summaries,omitempty"`
	StoredIn     []string                 `json:"stored_in,omitempty"`
	StorageError string                   `json:"storage_error,omitempty"`
}

// AnalyzeResponse is returned by POST /api/v1/analyze
type AnalyzeResponse struct {
	Entropies     []analytics.AttributeEntropy `json:"entropies"`
	AnonymitySets []analytics.AnonymitySet     `json:"anonymity_sets"`
}

// NewHandlers creates a new handlers instance
func NewHandlers(cfg *config.Config, deps Dependencies, build BuildInfo, logger *logrus.Logger) *Handlers {
	if logger == nil {
		logger = logrus.New()
	}
	if deps.Releaser == nil {
		deps.Releaser = privacy.NewReleaser(nil, logger)
	}
	if deps.Harness == nil {
		deps.Harness = experiment.NewHarness(experiment.HarnessConfig{Workers: cfg.Experiment.Workers}, nil, logger)
	}
	if deps.Exporter == nil {
		deps.Exporter = export.NewExportEngine(&cfg.Export, logger)
	}
	if build.GoVersion == "" {
		build.GoVersion = runtime.Version()
	}

	return &Handlers{
		deps:       deps,
		privacy:    cfg.Privacy,
		experiment: cfg.Experiment,
		build:      build,
		logger:     logger,
		startTime:  time.Now(),
	}
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   h.build.Version,
		"uptime":    time.Since(h.startTime).String(),
	}
	if h.deps.Sinks != nil {
		health["storage"] = h.deps.Sinks.Names()
	}
	if h.deps.Cache != nil {
		health["cache"] = h.deps.Cache.Name()
	}

	h.writeJSON(w, http.StatusOK, health)
}

// Version handles GET /version
func (h *Handlers) Version(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.build)
}

// NotFound handles unmatched routes
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	err := errors.NewAppError(errors.ErrorTypeValidation, errors.CodeNotFound,
		fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path))
	err.HTTPStatus = http.StatusNotFound
	h.writeError(w, r, err)
}

// Perturb handles POST /api/v1/perturb
func (h *Handlers) Perturb(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req := PerturbRequest{
		Aggregate:    h.privacy.Aggregate,
		Epsilon:      h.privacy.Epsilon,
		Coefficients: h.privacy.Coefficients,
	}
	if err := readAndValidateRequest(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	mode := "direct"
	if req.Period != "" {
		mode = "periodic"
	}

	resp, err := h.perturb(&req)
	if err != nil {
		h.recordPerturbation(mode, err, start)
		h.writeError(w, r, err)
		return
	}
	h.recordPerturbation(mode, nil, start)

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) perturb(req *PerturbRequest) (*PerturbResponse, error) {
	kind, err := privacy.ParseAggregateKind(req.Aggregate)
	if err != nil {
		return nil, err
	}
	opts := privacy.ReleaseOptions{
		Aggregate:    kind,
		Boundary:     req.Boundary,
		Epsilon:      req.Epsilon,
		Coefficients: req.Coefficients,
	}
	if req.Period != "" {
		unit, err := privacy.ParsePeriodUnit(req.Period)
		if err != nil {
			return nil, err
		}
		opts.Period = &unit
	}

	seed := h.privacy.Seed
	if req.Seed != nil {
		seed = *req.Seed
	}
	rng := rand.New(rand.NewSource(seed))

	var release *privacy.Release
	if len(req.Points) > 0 {
		series, err := toSeries(req.Points)
		if err != nil {
			return nil, err
		}
		release, err = h.deps.Releaser.ReleaseSeries(series, opts, rng)
		if err != nil {
			return nil, err
		}
	} else {
		release, err = h.deps.Releaser.ReleaseValues(req.Values, opts, rng)
		if err != nil {
			return nil, err
		}
	}

	resp := &PerturbResponse{
		Values:       release.Values,
		Boundary:     release.Boundary,
		Sensitivity:  release.Sensitivity,
		NoiseScale:   release.NoiseScale,
		Epsilon:      release.Epsilon,
		Coefficients: release.Coefficients,
		Period:       release.Period,
		Seed:         seed,
	}
	if release.Series != nil {
		resp.Points = toPoints(release.Series)
	}
	return resp, nil
}

// CreateExperiment handles POST /api/v1/experiments
func (h *Handlers) CreateExperiment(w http.ResponseWriter, r *http.Request) {
	req := ExperimentRequest{
		Coefficients: []int{h.privacy.Coefficients},
		Epsilons:     []float64{h.privacy.Epsilon},
		Aggregate:    h.privacy.Aggregate,
	}
	if h.experiment.BucketWidth > 0 {
		req.BucketWidth = h.experiment.BucketWidth.String()
	}
	if err := readAndValidateRequest(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.experiment.MaxRecords > 0 && len(req.Records) > h.experiment.MaxRecords {
		h.writeError(w, r, errors.NewInvalidParameterError("population of %d records exceeds the limit of %d",
			len(req.Records), h.experiment.MaxRecords))
		return
	}

	runCfg, err := req.runConfig()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	seed := h.privacy.Seed
	if req.Seed != nil {
		seed = *req.Seed
	}

	report, err := h.deps.Harness.Run(r.Context(), toRecords(req.Records), runCfg, rand.New(rand.NewSource(seed)))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := &ExperimentResponse{RunID: report.RunID}
	if req.View == "summary" {
		resp.Summaries = experiment.Summarize(report.Rows)
	} else {
		resp.Report = report
	}

	if h.deps.Sinks != nil && h.deps.Sinks.Len() > 0 {
		if err := h.deps.Sinks.Store(r.Context(), report); err != nil {
			h.logger.WithError(err).WithField("run_id", report.RunID).Error("Failed to persist experiment report")
			resp.StorageError = err.Error()
		}
		resp.StoredIn = h.deps.Sinks.Names()
	}

	h.writeJSON(w, http.StatusCreated, resp)
}

func (req *ExperimentRequest) runConfig() (experiment.RunConfig, error) {
	kind, err := privacy.ParseAggregateKind(req.Aggregate)
	if err != nil {
		return experiment.RunConfig{}, err
	}

	cfg := experiment.RunConfig{
		SampleSizes:  req.SampleSizes,
		Coefficients: req.Coefficients,
		Epsilons:     req.Epsilons,
		Aggregate:    kind,
		Filter:       req.Filter.filter(),
	}
	if req.Period != "" {
		unit, err := privacy.ParsePeriodUnit(req.Period)
		if err != nil {
			return experiment.RunConfig{}, err
		}
		cfg.Period = &unit
	}
	if req.BucketWidth != "" {
		width, err := time.ParseDuration(req.BucketWidth)
		if err != nil {
			return experiment.RunConfig{}, errors.NewInvalidParameterError("invalid bucket width %q", req.BucketWidth)
		}
		cfg.BucketWidth = width
	}
	return cfg, nil
}

// GetExperiment handles GET /api/v1/experiments/{id}. The format query
// parameter selects json (default), yaml or csv.
func (h *Handlers) GetExperiment(w http.ResponseWriter, r *http.Request) {
	report, format, err := h.lookupReport(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if format == export.FormatJSON {
		h.writeJSON(w, http.StatusOK, report)
		return
	}

	w.Header().Set(constants.HeaderContentType, contentType(format))
	w.WriteHeader(http.StatusOK)
	if err := h.deps.Exporter.ExportReport(r.Context(), format, w, report); err != nil {
		h.logger.WithError(err).WithField("run_id", report.RunID).Error("Failed to export report")
	}
}

// GetExperimentSummary handles GET /api/v1/experiments/{id}/summary
func (h *Handlers) GetExperimentSummary(w http.ResponseWriter, r *http.Request) {
	report, format, err := h.lookupReport(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	summaries := experiment.Summarize(report.Rows)
	if format == export.FormatJSON {
		h.writeJSON(w, http.StatusOK, summaries)
		return
	}

	w.Header().Set(constants.HeaderContentType, contentType(format))
	w.WriteHeader(http.StatusOK)
	if err := h.deps.Exporter.ExportSummaries(r.Context(), format, w, summaries); err != nil {
		h.logger.WithError(err).WithField("run_id", report.RunID).Error("Failed to export summaries")
	}
}

func (h *Handlers) lookupReport(r *http.Request) (*models.ExperimentReport, export.ExportFormat, error) {
	format := export.FormatJSON
	if name := r.URL.Query().Get("format"); name != "" {
		parsed, err := export.ParseFormat(name)
		if err != nil {
			return nil, "", errors.WrapError(err, errors.ErrorTypeValidation, errors.CodeInvalidParameter,
				fmt.Sprintf("unsupported format %q", name))
		}
		format = parsed
	}

	if h.deps.Cache == nil {
		return nil, "", errors.WrapError(errors.ErrDataNotFound, errors.ErrorTypeStorage, errors.CodeDataNotFound,
			"no report cache configured")
	}

	report, err := h.deps.Cache.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return nil, "", err
	}
	return report, format, nil
}

// Analyze handles POST /api/v1/analyze
func (h *Handlers) Analyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := readAndValidateRequest(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	engine := analytics.NewEngine(&analytics.EngineConfig{Base: req.Base, Normalize: req.Normalize}, h.logger)
	records := toRecords(req.Records)

	columns := req.Columns
	if len(columns) == 0 {
		columns = analytics.Columns(records)
	}
	entropies, err := engine.Entropies(records, columns)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, &AnalyzeResponse{
		Entropies: entropies,
		AnonymitySets: engine.AnonymitySets(records, analytics.AnonymityRequest{
			Subset:   req.Subset,
			Distinct: req.Distinct,
			Reindex:  req.Reindex,
		}),
	})
}

func (h *Handlers) recordPerturbation(mode string, err error, start time.Time) {
	if h.deps.Metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
		h.deps.Metrics.RecordError("perturb", errors.CodeOf(err))
	}
	h.deps.Metrics.RecordPerturbation(mode, status, time.Since(start))
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Error("Failed to encode response")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.NewInternalError(err.Error())
	}
	status := errors.HTTPStatusOf(appErr)

	entry := h.logger.WithFields(logrus.Fields{
		"path":       r.URL.Path,
		"status":     status,
		"code":       appErr.Code,
		"request_id": getRequestID(r),
	})
	if status >= http.StatusInternalServerError {
		entry.WithError(err).Error("Request failed")
	} else {
		entry.WithError(err).Debug("Request rejected")
	}

	h.writeJSON(w, status, &errors.ErrorResponse{
		Error:     appErr,
		RequestID: getRequestID(r),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Path:      r.URL.Path,
	})
}

func contentType(format export.ExportFormat) string {
	switch format {
	case export.FormatYAML:
		return constants.ContentTypeYAML
	case export.FormatCSV:
		return constants.ContentTypeCSV
	default:
		return constants.ContentTypeJSON
	}
}
