package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"forge-trainkit/internal/config"
	"forge-trainkit/internal/metrics"
	"forge-trainkit/internal/trainer"
)

func newTrainCmd() *cobra.Command {
	var (
		cfgPath   string
		overrides config.Overrides
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run the training loop",
		Long: `Run the training loop and checkpoint after every epoch.

Configuration is read from the YAML file, then FORGE_* environment
variables, then flags.

Examples:
  trainkit train --config configs/demo.yaml
  trainkit train --config configs/demo.yaml --epochs 5 --resume runs/demo/checkpoint.pkl`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			cfg.ApplyOverrides(overrides)
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger(cfg)

			reg := prometheus.NewRegistry()
			collector, err := metrics.NewCollector(reg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.MetricsAddr != "" {
				srv := serveMetrics(cfg.MetricsAddr, reg, logger)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			rc, err := trainer.Setup(cfg, collector, logger)
			if err != nil {
				return err
			}
			logger.Info("training started",
				slog.String("run_id", cfg.RunID),
				slog.Int("epochs", cfg.Epochs),
				slog.Int("steps_per_epoch", cfg.StepsPerEpoch),
				slog.Int("batch_size", cfg.BatchSize),
			)

			res, err := trainer.Run(ctx, rc)
			if err != nil {
				logger.Error("training failed", slog.Any("error", err))
				return err
			}
			logger.Info("training finished",
				slog.Int("epochs", res.Epochs),
				slog.Int("steps", res.Steps),
				slog.Float64("best_loss", res.BestLoss),
				slog.Float64("best_acc", res.BestAcc),
			)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgPath, "config", "configs/demo.yaml", "Path to YAML config")
	flags.StringVar(&overrides.TrainRoot, "train-root", "", "Override training root")
	flags.StringVar(&overrides.ValRoot, "val-root", "", "Override validation root")
	flags.StringVar(&overrides.ExperimentPath, "experiment-path", "", "Override checkpoint directory")
	flags.IntVar(&overrides.Epochs, "epochs", 0, "Number of epochs")
	flags.IntVar(&overrides.StepsPerEpoch, "steps-per-epoch", 0, "Training steps per epoch")
	flags.IntVar(&overrides.BatchSize, "batch-size", 0, "Batch size")
	flags.Int64Var(&overrides.Seed, "seed", 0, "PRNG seed")
	flags.IntVar(&overrides.LogEvery, "log-every", 0, "Log every N steps")
	flags.StringVar(&overrides.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&overrides.CheckpointFormat, "checkpoint-format", "", "Checkpoint encoding (json, proto)")
	flags.StringVar(&overrides.Resume, "resume", "", "Checkpoint to resume from")

	return cmd
}

func newLogger(cfg *config.Config) *slog.Logger {
	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Level(),
	})
	logger := slog.New(logHandler).With(slog.String("run_id", cfg.RunID))
	slog.SetDefault(logger)
	return logger
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	return srv
}
