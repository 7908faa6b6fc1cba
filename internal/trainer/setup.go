package trainer

import (
	"fmt"
	"log/slog"
	"os"

	"forge-trainkit/internal/checkpoint"
	"forge-trainkit/internal/config"
	"forge-trainkit/internal/dataset"
	"forge-trainkit/internal/device"
	"forge-trainkit/internal/metrics"
	"forge-trainkit/internal/model"
)

// Setup discovers the dataset, builds the model on the detected device and,
// when cfg.Resume is set, restores model, optimizer, counters and best
// values from that checkpoint. The experiment directory is created.
func Setup(cfg *config.Config, collector *metrics.Collector, logger *slog.Logger) (RunConfig, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return RunConfig{}, err
	}

	trainShards, valShards, err := dataset.DiscoverSplits(cfg.TrainRoot, cfg.ValRoot)
	if err != nil {
		return RunConfig{}, err
	}
	logger.Info("dataset discovered",
		slog.String("train_root", cfg.TrainRoot),
		slog.Int("train_shards", len(trainShards)),
		slog.String("val_root", cfg.ValRoot),
		slog.Int("val_shards", len(valShards)),
	)

	train, err := dataset.NewLoader(dataset.LoaderOptions{
		Shards:     trainShards,
		BatchSize:  cfg.BatchSize,
		NumClasses: cfg.NumClasses,
		Seed:       cfg.Seed,
		Shuffle:    true,
	})
	if err != nil {
		return RunConfig{}, err
	}
	var val Batcher
	if len(valShards) > 0 {
		val, err = dataset.NewLoader(dataset.LoaderOptions{
			Shards:     valShards,
			BatchSize:  cfg.BatchSize,
			NumClasses: cfg.NumClasses,
			Seed:       cfg.Seed,
		})
		if err != nil {
			return RunConfig{}, err
		}
	} else {
		logger.Warn("no validation root, checkpoints will track training metrics")
	}

	dev := device.Detect()
	logger.Info("device selected",
		slog.String("device", dev.Kind.String()),
		slog.String("brand", dev.Brand),
		slog.Int("lanes", dev.Lanes),
	)

	format, err := checkpoint.ParseFormat(cfg.CheckpointFormat)
	if err != nil {
		return RunConfig{}, err
	}
	if err := os.MkdirAll(cfg.ExperimentPath, 0o755); err != nil {
		return RunConfig{}, fmt.Errorf("create experiment path: %w", err)
	}
	opts := []checkpoint.Option{checkpoint.WithLogger(logger)}
	if collector != nil {
		opts = append(opts, checkpoint.WithObserver(collector))
	}

	mdl := model.NewSimpleCNN(cfg.NumClasses, dataset.FeatureSize, cfg.LearningRate, cfg.Seed)
	rc := RunConfig{
		Config:    cfg,
		Model:     mdl,
		Optimizer: mdl.Optimizer(),
		Train:     train,
		Val:       val,
		Device:    dev,
		Saver:     checkpoint.NewSaver(format, opts...),
		Collector: collector,
		Logger:    logger,
	}

	if cfg.Resume != "" {
		rec, err := checkpoint.Restore(cfg.Resume, mdl, mdl.Optimizer())
		if err != nil {
			return RunConfig{}, err
		}
		rc.StartEpoch = rec.Epoch
		rc.StartStep = rec.Step
		if rec.Args != nil {
			cfg.BestLoss = rec.Args.BestLoss
			cfg.BestAcc = rec.Args.BestAcc
		}
		logger.Info("resumed from checkpoint",
			slog.String("path", cfg.Resume),
			slog.Int("epoch", rec.Epoch),
			slog.Int("step", rec.Step),
			slog.Float64("best_loss", cfg.BestLoss),
			slog.Float64("best_acc", cfg.BestAcc),
		)
	}

	return rc, nil
}
