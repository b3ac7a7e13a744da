package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dicomsim/dicomsim/internal/config"
	"github.com/dicomsim/dicomsim/internal/dicom"
	"github.com/dicomsim/dicomsim/internal/metrics"
	"github.com/dicomsim/dicomsim/internal/patients"
	"github.com/dicomsim/dicomsim/internal/registry"
	"github.com/dicomsim/dicomsim/internal/status"
	"github.com/dicomsim/dicomsim/pkg/api"
	"github.com/dicomsim/dicomsim/pkg/health"
)

func newServeCmd() *cobra.Command {
	var configFile string
	var simulate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the DICOM endpoint and status API in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.NewDefault()
			if configFile != "" {
				if err := cfg.LoadFromFile(configFile); err != nil {
					return err
				}
			}
			if err := cfg.LoadFromEnv(); err != nil {
				return err
			}
			if cmd.Flags().Changed("simulate") {
				cfg.Simulator.Enabled = simulate
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to YAML configuration file")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "generate synthetic modality traffic")
	return cmd
}

func runServe(parent context.Context, cfg *config.Configuration) error {
	logger, closeLog, err := setupLogging(cfg.Logging)
	if err != nil {
		return err
	}
	if closeLog != nil {
		defer closeLog()
	}
	slog.SetDefault(logger)

	collector, err := metrics.NewCollector(metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Namespace: cfg.Metrics.Namespace,
		Path:      cfg.Metrics.Path,
	})
	if err != nil {
		return err
	}

	reg := registry.New(registry.Config{
		RecentSessionsPerClient: cfg.History.RecentSessionsPerClient,
		ConnectionSnapshots:     cfg.History.ConnectionSnapshots,
		SnapshotMinInterval:     cfg.History.SnapshotMinInterval,
	}, logger)
	patientLog := patients.NewLog(cfg.History.PatientRecords)

	tracker := health.NewTracker(health.DefaultConfig())
	tracker.RegisterComponent("dicom")
	tracker.RegisterComponent("api")

	adapter := dicom.NewAdapter(reg, patientLog, collector, logger)
	listener := dicom.NewListener(cfg.DicomAddress(), adapter, tracker, logger)

	statusService := status.NewService(status.Config{
		DicomHost:    cfg.Dicom.Host,
		DicomPort:    cfg.Dicom.Port,
		AETitle:      cfg.Dicom.AETitle,
		APIHost:      cfg.API.Host,
		APIPort:      cfg.API.Port,
		LogFile:      cfg.Logging.File,
		TailMaxLines: cfg.Logging.TailMaxLines,
	}, reg, patientLog, tracker, collector, logger)

	apiServer := api.NewServer(api.ServerConfig{
		Address:          cfg.APIAddress(),
		ReadTimeout:      cfg.API.ReadTimeout,
		WriteTimeout:     cfg.API.WriteTimeout,
		IdleTimeout:      cfg.API.IdleTimeout,
		EnableCORS:       cfg.API.EnableCORS,
		TailDefaultLines: cfg.Logging.TailDefaultLines,
	}, statusService, tracker, collector, logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting dicomsimd",
		"version", Version,
		"ae_title", cfg.Dicom.AETitle,
		"dicom_address", cfg.DicomAddress(),
		"api_address", cfg.APIAddress())

	listenErr := make(chan error, 1)
	go func() { listenErr <- listener.Start(ctx) }()
	apiServer.StartBackground()

	var simulator *dicom.Simulator
	if cfg.Simulator.Enabled {
		simulator = dicom.NewSimulator(dicom.SimulatorConfig{
			Workers:               cfg.Simulator.Workers,
			AssociationInterval:   cfg.Simulator.AssociationInterval,
			ObjectsPerAssociation: cfg.Simulator.ObjectsPerAssociation,
			AETitle:               cfg.Simulator.AETitle,
		}, adapter, logger)
		simulator.Start(ctx)
	}

	runErr := heartbeat(ctx, reg, logger, cfg.Logging.HeartbeatInterval, listenErr)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API shutdown failed", "error", err)
	}
	listener.Close()
	if simulator != nil {
		simulator.Wait()
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("dicomsimd stopped")
	return nil
}

// heartbeat logs a periodic liveness line until the context is canceled or
// the DICOM listener fails fatally, returning the listener's error if any.
func heartbeat(ctx context.Context, reg *registry.Registry, logger *slog.Logger, interval time.Duration, listenErr <-chan error) error {
	started := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-listenErr:
			if err != nil {
				logger.Error("DICOM listener failed", "error", err)
			}
			return err
		case <-ticker.C:
			active, total, maxConcurrent := reg.Counters()
			logger.Info("heartbeat",
				"uptime", time.Since(started).Round(time.Second).String(),
				"active", active,
				"total", total,
				"max_concurrent", maxConcurrent)
		}
	}
}

// setupLogging builds the process logger: text to stdout, plus the log file
// that backs the tail endpoint when one is configured.
func setupLogging(cfg config.LoggingConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	switch strings.ToUpper(cfg.Level) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	var closeLog func()
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		out = io.MultiWriter(os.Stdout, f)
		closeLog = func() { _ = f.Close() }
	}

	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	return slog.New(handler), closeLog, nil
}
