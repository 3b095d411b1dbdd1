package commands

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inferloop/tsdp/internal/config"
	"github.com/inferloop/tsdp/internal/experiment"
	"github.com/inferloop/tsdp/internal/export"
	"github.com/inferloop/tsdp/pkg/errors"
)

// ConfigLoader returns the configuration a command runs with
type ConfigLoader func() (*config.Config, error)

// GlobalOptions are the persistent flags of the root command
type GlobalOptions struct {
	ConfigFile string
	Verbose    bool
}

func setupLogger(cfg *config.Config, verbose bool) (*logrus.Logger, error) {
	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		return nil, err
	}
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	logger.SetOutput(os.Stderr)
	return logger, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// openOutput returns the command's stdout for "-" and a new file otherwise
func openOutput(cmd *cobra.Command, exporter *export.ExportEngine, path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return nopCloser{cmd.OutOrStdout()}, nil
	}
	return exporter.CreateOutputFile(path)
}

// writeOutput opens the destination, runs write and closes it. A close
// error is returned when write succeeded, since it may carry the final flush.
func writeOutput(cmd *cobra.Command, exporter *export.ExportEngine, path string, write func(io.Writer) error) error {
	out, err := openOutput(cmd, exporter, path)
	if err != nil {
		return err
	}
	return finishOutput(out, write)
}

func finishOutput(out io.WriteCloser, write func(io.Writer) error) error {
	if err := write(out); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeInternalError, "failed to close output")
	}
	return nil
}

// outputFormat resolves --format, falling back to the output file extension
// and then to JSON.
func outputFormat(format, path string) (export.ExportFormat, error) {
	if format != "" {
		return export.ParseFormat(format)
	}
	if path != "" && path != "-" {
		if f, err := export.FormatFromPath(path); err == nil {
			return f, nil
		}
	}
	return export.FormatJSON, nil
}

// parseFilter parses name=v1|v2
func parseFilter(expr string) (*experiment.AttributeFilter, error) {
	if expr == "" {
		return nil, nil
	}
	name, values, ok := strings.Cut(expr, "=")
	if !ok || name == "" || values == "" {
		return nil, errors.NewInvalidParameterError("filter %q must look like name=value1|value2", expr)
	}
	return &experiment.AttributeFilter{Name: name, Values: strings.Split(values, "|")}, nil
}
