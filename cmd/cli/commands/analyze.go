package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/inferloop/tsdp/internal/analytics"
	"github.com/inferloop/tsdp/internal/dataset"
	"github.com/inferloop/tsdp/internal/export"
	"github.com/inferloop/tsdp/pkg/errors"
)

type AnalyzeOptions struct {
	InputFile  string
	Columns    []string
	Subset     []string
	Distinct   string
	Reindex    bool
	Base       float64
	Normalize  bool
	OutputFile string
	Format     string
}

// AnalyzeResult is the output of the analyze command
type AnalyzeResult struct {
	Records       int                          `json:"records" yaml:"records"`
	Entropies     []analytics.AttributeEntropy `json:"entropies" yaml:"entropies"`
	AnonymitySets []analytics.AnonymitySet     `json:"anonymity_sets" yaml:"anonymity_sets"`
}

func NewAnalyzeCmd(load ConfigLoader, global *GlobalOptions) *cobra.Command {
	opts := &AnalyzeOptions{}

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Measure re-identification risk of a population",
		Long: `Compute the Shannon entropy of every column and the anonymity sets of a
quasi-identifier, i.e. how many value combinations are shared by exactly
one, two, ... records.`,
		Example: `  # Entropy of every column
  tsdp analyze --input trips.csv

  # Anonymity sets of (zip, age), one row per user
  tsdp analyze --input trips.csv --subset zip,age --distinct id --reindex`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd, load, global, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.InputFile, "input", "i", "", "Population CSV to analyze (required)")
	cmd.Flags().StringSliceVarP(&opts.Columns, "columns", "c", nil, "Columns to compute entropy for (default all)")
	cmd.Flags().StringSliceVarP(&opts.Subset, "subset", "s", nil, "Quasi-identifier columns (default all)")
	cmd.Flags().StringVar(&opts.Distinct, "distinct", "", "Drop duplicate rows over the subset plus this column first")
	cmd.Flags().BoolVar(&opts.Reindex, "reindex", false, "Report every cardinality up to the maximum, zeros included")
	cmd.Flags().Float64Var(&opts.Base, "base", 2, "Logarithm base of the entropy")
	cmd.Flags().BoolVar(&opts.Normalize, "normalize", false, "Divide each entropy by its maximum")
	cmd.Flags().StringVarP(&opts.OutputFile, "output", "o", "-", "Output file (- for stdout)")
	cmd.Flags().StringVarP(&opts.Format, "format", "f", "text", "Output format (text, json, yaml)")

	cmd.MarkFlagRequired("input")

	return cmd
}

func runAnalyze(cmd *cobra.Command, load ConfigLoader, global *GlobalOptions, opts *AnalyzeOptions) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	logger, err := setupLogger(cfg, global.Verbose)
	if err != nil {
		return err
	}

	records, err := dataset.NewReader(logger).ReadPopulationFile(opts.InputFile)
	if err != nil {
		return err
	}

	engine := analytics.NewEngine(&analytics.EngineConfig{Base: opts.Base, Normalize: opts.Normalize}, logger)

	columns := opts.Columns
	if len(columns) == 0 {
		columns = analytics.Columns(records)
	}
	entropies, err := engine.Entropies(records, columns)
	if err != nil {
		return err
	}

	result := &AnalyzeResult{
		Records:   len(records),
		Entropies: entropies,
		AnonymitySets: engine.AnonymitySets(records, analytics.AnonymityRequest{
			Subset:   opts.Subset,
			Distinct: opts.Distinct,
			Reindex:  opts.Reindex,
		}),
	}

	return writeOutput(cmd, export.NewExportEngine(&cfg.Export, logger), opts.OutputFile, func(out io.Writer) error {
		return writeAnalyzeResult(out, opts.Format, result)
	})
}

func writeAnalyzeResult(w io.Writer, format string, result *AnalyzeResult) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	case "yaml":
		encoder := yaml.NewEncoder(w)
		if err := encoder.Encode(result); err != nil {
			encoder.Close()
			return err
		}
		return encoder.Close()
	case "text":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "Records:\t%d\n\n", result.Records)
		fmt.Fprintln(tw, "ATTRIBUTE\tENTROPY")
		for _, e := range result.Entropies {
			fmt.Fprintf(tw, "%s\t%.4f\n", e.Attribute, e.Entropy)
		}
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "CARDINALITY\tOCCURRENCES")
		for _, s := range result.AnonymitySets {
			fmt.Fprintf(tw, "%d\t%d\n", s.Cardinality, s.Occurrences)
		}
		return tw.Flush()
	default:
		return errors.NewInvalidParameterError("unsupported output format %q", format)
	}
}
