package commands

import (
	"io"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inferloop/tsdp/internal/dataset"
	"github.com/inferloop/tsdp/internal/experiment"
	"github.com/inferloop/tsdp/internal/export"
	"github.com/inferloop/tsdp/internal/privacy"
	"github.com/inferloop/tsdp/internal/storage"
	"github.com/inferloop/tsdp/pkg/models"
)

type ExperimentOptions struct {
	InputFile    string
	SampleSizes  []int
	Coefficients []int
	Epsilons     []float64
	Aggregate    string
	Period       string
	Filter       string
	BucketWidth  time.Duration
	Workers      int
	Seed         int64
	OutputFile   string
	Format       string
	Summary      bool
	Store        bool
}

func NewExperimentCmd(load ConfigLoader, global *GlobalOptions) *cobra.Command {
	opts := &ExperimentOptions{}

	cmd := &cobra.Command{
		Use:   "experiment",
		Short: "Measure perturbation noise over sampled populations",
		Long: `Draw random samples of individuals from a population CSV, aggregate their
records per time bucket and perturb the result for every combination of
sample size, coefficient count and epsilon.`,
		Example: `  # Sweep three sample sizes and two epsilons
  tsdp experiment --input trips.csv --sample-sizes 100,500,1000 --epsilons 0.5,1 --coefficients 10

  # Summarise noise per cell for one weekday subset, stored in the configured backends
  tsdp experiment --input trips.csv --sample-sizes 100 --filter weekday=Mon|Tue --summary --store`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExperiment(cmd, load, global, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.InputFile, "input", "i", "", "Population CSV with id and timestamp columns (required)")
	cmd.Flags().IntSliceVarP(&opts.SampleSizes, "sample-sizes", "n", nil, "Sample sizes to draw (required)")
	cmd.Flags().IntSliceVarP(&opts.Coefficients, "coefficients", "k", nil, "Coefficient counts to sweep")
	cmd.Flags().Float64SliceVarP(&opts.Epsilons, "epsilons", "e", nil, "Epsilons to sweep")
	cmd.Flags().StringVarP(&opts.Aggregate, "aggregate", "a", "", "Aggregate per bucket (count, sum)")
	cmd.Flags().StringVarP(&opts.Period, "period", "p", "", "Perturb each period independently (day, week, month, year)")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "Keep records whose attribute matches, as name=value1|value2")
	cmd.Flags().DurationVar(&opts.BucketWidth, "bucket-width", 0, "Truncate timestamps to this width before aggregating")
	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", 0, "Worker goroutines")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "Random seed")
	cmd.Flags().StringVarP(&opts.OutputFile, "output", "o", "-", "Output file (- for stdout)")
	cmd.Flags().StringVarP(&opts.Format, "format", "f", "", "Output format (json, yaml, csv)")
	cmd.Flags().BoolVar(&opts.Summary, "summary", false, "Write per-cell noise summaries instead of rows")
	cmd.Flags().BoolVar(&opts.Store, "store", false, "Persist the report to the configured storage backends")

	cmd.MarkFlagRequired("input")
	cmd.MarkFlagRequired("sample-sizes")

	return cmd
}

func runExperiment(cmd *cobra.Command, load ConfigLoader, global *GlobalOptions, opts *ExperimentOptions) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	logger, err := setupLogger(cfg, global.Verbose)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if !flags.Changed("coefficients") {
		opts.Coefficients = []int{cfg.Privacy.Coefficients}
	}
	if !flags.Changed("epsilons") {
		opts.Epsilons = []float64{cfg.Privacy.Epsilon}
	}
	if !flags.Changed("aggregate") {
		opts.Aggregate = cfg.Privacy.Aggregate
	}
	if !flags.Changed("bucket-width") {
		opts.BucketWidth = cfg.Experiment.BucketWidth
	}
	if !flags.Changed("workers") {
		opts.Workers = cfg.Experiment.Workers
	}
	if !flags.Changed("seed") {
		opts.Seed = cfg.Privacy.Seed
	}

	format, err := outputFormat(opts.Format, opts.OutputFile)
	if err != nil {
		return err
	}

	runCfg, err := opts.runConfig()
	if err != nil {
		return err
	}

	records, err := dataset.NewReader(logger).ReadPopulationFile(opts.InputFile)
	if err != nil {
		return err
	}

	harness := experiment.NewHarness(experiment.HarnessConfig{Workers: opts.Workers}, nil, logger)
	report, err := harness.Run(cmd.Context(), records, runCfg, rand.New(rand.NewSource(opts.Seed)))
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"run_id":   report.RunID,
		"rows":     len(report.Rows),
		"failures": len(report.Failures),
		"duration": report.CompletedAt.Sub(report.StartedAt),
	}).Info("Experiment completed")

	exporter := export.NewExportEngine(&cfg.Export, logger)
	if opts.Store {
		if err := storeReport(cmd, cfg.Storage, exporter, report, logger); err != nil {
			return err
		}
	}

	return writeOutput(cmd, exporter, opts.OutputFile, func(out io.Writer) error {
		if opts.Summary {
			return exporter.ExportSummaries(cmd.Context(), format, out, experiment.Summarize(report.Rows))
		}
		return exporter.ExportReport(cmd.Context(), format, out, report)
	})
}

func (opts *ExperimentOptions) runConfig() (experiment.RunConfig, error) {
	kind, err := privacy.ParseAggregateKind(opts.Aggregate)
	if err != nil {
		return experiment.RunConfig{}, err
	}
	filter, err := parseFilter(opts.Filter)
	if err != nil {
		return experiment.RunConfig{}, err
	}

	cfg := experiment.RunConfig{
		SampleSizes:  opts.SampleSizes,
		Coefficients: opts.Coefficients,
		Epsilons:     opts.Epsilons,
		Aggregate:    kind,
		Filter:       filter,
		BucketWidth:  opts.BucketWidth,
	}
	if opts.Period != "" {
		unit, err := privacy.ParsePeriodUnit(opts.Period)
		if err != nil {
			return experiment.RunConfig{}, err
		}
		cfg.Period = &unit
	}
	return cfg, cfg.Validate()
}

func storeReport(cmd *cobra.Command, cfg storage.Config, exporter *export.ExportEngine, report *models.ExperimentReport, logger *logrus.Logger) error {
	sinks, _, err := storage.NewFactory(logger).NewSinks(&cfg, exporter, nil)
	if err != nil {
		return err
	}
	if sinks.Len() == 0 {
		logger.Warn("No storage backends configured, report not stored")
		return nil
	}

	if err := sinks.Connect(cmd.Context()); err != nil {
		return err
	}
	defer sinks.Close()

	if err := sinks.Store(cmd.Context(), report); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"run_id":   report.RunID,
		"backends": sinks.Names(),
	}).Info("Stored experiment report")
	return nil
}
