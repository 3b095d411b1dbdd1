package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/inferloop/tsdp/internal/config"
	"github.com/inferloop/tsdp/internal/experiment"
	"github.com/inferloop/tsdp/internal/export"
	"github.com/inferloop/tsdp/internal/observability/metrics"
	"github.com/inferloop/tsdp/internal/privacy"
	"github.com/inferloop/tsdp/internal/server"
	"github.com/inferloop/tsdp/internal/storage"
	"github.com/inferloop/tsdp/internal/storage/interfaces"
	"github.com/inferloop/tsdp/pkg/constants"
)

func main() {
	flags := ParseFlags()

	cfg, err := loadConfig(flags)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger, err := cfg.Logging.NewLogger()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up logger")
	}

	build := buildInfo()
	logger.WithFields(logrus.Fields{
		"version":    build.Version,
		"commit":     build.Commit,
		"build_time": build.BuildTime,
	}).Info("Starting differential privacy server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var prom *metrics.PrometheusMetrics
	if cfg.Metrics.Enabled {
		prom, err = metrics.NewPrometheusMetrics(&cfg.Metrics, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize metrics")
		}
	}

	exporter := export.NewExportEngine(&cfg.Export, logger)

	var recorder interfaces.OperationRecorder
	if prom != nil {
		recorder = prom
	}
	sinks, cache, err := storage.NewFactory(logger).NewSinks(&cfg.Storage, exporter, recorder)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create storage backends")
	}
	if err := sinks.Connect(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to connect storage backends")
	}
	defer sinks.Close()

	perturber := privacy.NewSpectralPerturber(nil, logger)
	harness := experiment.NewHarness(experiment.HarnessConfig{Workers: cfg.Experiment.Workers}, perturber, logger)
	if prom != nil {
		harness.WithRecorder(prom)
	}

	handlers := server.NewHandlers(cfg, server.Dependencies{
		Releaser: privacy.NewReleaser(perturber, logger),
		Harness:  harness,
		Exporter: exporter,
		Sinks:    sinks,
		Cache:    cache,
		Metrics:  prom,
	}, build, logger)

	srv := server.NewServer(cfg, handlers, prom, logger)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	<-sigChan
	logger.Info("Shutdown signal received")

	if err := srv.Stop(context.Background()); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
	}

	logger.Info("Server stopped")
}

// loadConfig layers command-line flags over the configuration file and
// TSDP_ environment variables.
func loadConfig(flags *Flags) (*config.Config, error) {
	v := viper.New()
	if flags.ConfigFile != "" {
		v.SetConfigFile(flags.ConfigFile)
	} else {
		v.SetConfigName(constants.AppName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tsdp")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || flags.ConfigFile != "" {
			return nil, err
		}
	}

	if flags.Host != "" {
		v.Set("server.host", flags.Host)
	}
	if flags.Port != 0 {
		v.Set("server.port", flags.Port)
	}
	if flags.LogLevel != "" {
		v.Set("logging.level", flags.LogLevel)
	}
	if flags.LogFormat != "" {
		v.Set("logging.format", flags.LogFormat)
	}
	if flags.Storage != "" {
		v.Set("storage.backends", strings.Split(flags.Storage, ","))
	}

	return config.FromViper(v)
}
