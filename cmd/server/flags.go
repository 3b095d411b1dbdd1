package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/inferloop/tsdp/pkg/constants"
)

type Flags struct {
	ConfigFile string
	Host       string
	Port       int
	LogLevel   string
	LogFormat  string
	Storage    string
	Version    bool
}

func ParseFlags() *Flags {
	flags := &Flags{}

	flag.StringVar(&flags.ConfigFile, "config", "", "Path to configuration file")
	flag.StringVar(&flags.Host, "host", "", "Server host (overrides config)")
	flag.IntVar(&flags.Port, "port", 0, "Server port (overrides config)")
	flag.StringVar(&flags.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&flags.LogFormat, "log-format", "", "Log format (json, text)")
	flag.StringVar(&flags.Storage, "storage", "", "Comma-separated storage backends (file, postgres, influxdb, s3, redis)")
	flag.BoolVar(&flags.Version, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nDifferentially private time series API server\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if flags.Version {
		info := buildInfo()
		fmt.Printf("%s %s (commit %s, built %s, %s %s)\n", constants.AppName, info.Version, info.Commit,
			info.BuildTime, info.GoVersion, info.Platform)
		os.Exit(0)
	}

	return flags
}
