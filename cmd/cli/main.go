package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/inferloop/tsdp/cmd/cli/commands"
	"github.com/inferloop/tsdp/internal/config"
	"github.com/inferloop/tsdp/pkg/constants"
)

var (
	Version   = constants.AppVersion
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	global := &commands.GlobalOptions{}

	rootCmd := &cobra.Command{
		Use:   "tsdp",
		Short: "Differentially private time series release",
		Long: `A command-line interface for releasing time series under differential
privacy with the Fourier Perturbation Algorithm, and for measuring the
noise it adds on sampled populations.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&global.ConfigFile, "config", "", "config file (default is ./tsdp.yaml or $HOME/.tsdp/tsdp.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&global.Verbose, "verbose", "v", false, "verbose output")

	cobra.OnInitialize(func() { initConfig(global) })

	load := func() (*config.Config, error) {
		return config.FromViper(viper.GetViper())
	}

	rootCmd.AddCommand(commands.NewPerturbCmd(load, global))
	rootCmd.AddCommand(commands.NewExperimentCmd(load, global))
	rootCmd.AddCommand(commands.NewAnalyzeCmd(load, global))
	rootCmd.AddCommand(commands.NewVersionCmd(commands.VersionInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func initConfig(global *commands.GlobalOptions) {
	if global.ConfigFile != "" {
		viper.SetConfigFile(global.ConfigFile)
	} else {
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".tsdp"))
		}
		viper.SetConfigType("yaml")
		viper.SetConfigName(constants.AppName)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || global.ConfigFile != "" {
			cobra.CheckErr(err)
		}
	} else if global.Verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
