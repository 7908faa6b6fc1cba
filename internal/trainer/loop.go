package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"forge-trainkit/internal/checkpoint"
	"forge-trainkit/internal/config"
	"forge-trainkit/internal/device"
	"forge-trainkit/internal/metrics"
	"forge-trainkit/internal/model"
)

// Batcher yields training or validation batches.
type Batcher interface {
	Next(ctx context.Context) (model.Batch, error)
}

// resetter is implemented by batchers that can rewind to their first
// batch. Validation rewinds before every pass so each epoch is scored on
// the same batches.
type resetter interface {
	Reset()
}

// RunConfig captures everything the training loop needs.
type RunConfig struct {
	Config    *config.Config
	Model     model.Model
	Optimizer model.Stateful
	Train     Batcher
	// Val may be nil, in which case the training averages of each epoch
	// stand in for validation results.
	Val       Batcher
	Device    device.Device
	Saver     *checkpoint.Saver
	Collector *metrics.Collector
	Logger    *slog.Logger

	// StartEpoch and StartStep resume the counters of a restored run.
	StartEpoch int
	StartStep  int
}

// Result summarises a finished run.
type Result struct {
	Epochs   int
	Steps    int
	BestLoss float64
	BestAcc  float64
}

// phaseMeters holds the running loss and one accuracy meter per k.
type phaseMeters struct {
	loss metrics.AverageMeter
	acc  []metrics.AverageMeter
}

func newPhaseMeters(topk []int) *phaseMeters {
	return &phaseMeters{acc: make([]metrics.AverageMeter, len(topk))}
}

func (p *phaseMeters) update(loss float64, acc []float64, n int) {
	p.loss.Update(loss, n)
	for i, v := range acc {
		p.acc[i].Update(v, n)
	}
}

func (p *phaseMeters) accByK(topk []int) map[string]float64 {
	out := make(map[string]float64, len(topk))
	for i, k := range topk {
		out[strconv.Itoa(k)] = p.acc[i].Avg
	}
	return out
}

// Run executes the training workload and saves a checkpoint after every
// epoch.
func Run(ctx context.Context, rc RunConfig) (*Result, error) {
	cfg := rc.Config
	if cfg == nil {
		return nil, errors.New("trainer: config is nil")
	}
	if rc.Model == nil || rc.Optimizer == nil {
		return nil, errors.New("trainer: model and optimizer are required")
	}
	if rc.Train == nil {
		return nil, errors.New("trainer: training batches are required")
	}
	if cfg.StepsPerEpoch <= 0 {
		return nil, errors.New("trainer: steps per epoch must be > 0")
	}
	if len(cfg.TopK) == 0 {
		return nil, errors.New("trainer: topk must not be empty")
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 50
	}
	logger := rc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	saver := rc.Saver
	if saver == nil {
		saver = checkpoint.NewSaver(checkpoint.FormatJSON, checkpoint.WithLogger(logger))
	}

	res := &Result{Steps: rc.StartStep, BestLoss: cfg.BestLoss, BestAcc: cfg.BestAcc}
	step := rc.StartStep
	var window metrics.Window

	for epoch := rc.StartEpoch + 1; epoch <= cfg.Epochs; epoch++ {
		train := newPhaseMeters(cfg.TopK)
		for i := 0; i < cfg.StepsPerEpoch; i++ {
			startData := time.Now()
			batch, err := nextBatch(ctx, rc.Train, rc.Device)
			if err != nil {
				return res, fmt.Errorf("epoch %d: %w", epoch, err)
			}
			dataTime := time.Since(startData)

			startCompute := time.Now()
			_, outputs := rc.Model.Evaluate(batch)
			acc, err := metrics.Accuracy(outputs, batch.Labels, cfg.TopK...)
			if err != nil {
				return res, fmt.Errorf("epoch %d: %w", epoch, err)
			}
			loss := rc.Model.TrainStep(batch)
			computeTime := time.Since(startCompute)
			step++

			train.update(loss, acc, batch.Len())
			window.Record(batch.Len(), dataTime, computeTime, loss)

			if step%cfg.LogEvery == 0 {
				snap := window.Snapshot()
				logger.Info("train step",
					slog.Int("epoch", epoch),
					slog.Int("step", step),
					slog.Float64("images_per_sec", snap.ImagesPerSec),
					slog.Float64("data_ms", snap.AvgDataMS),
					slog.Float64("compute_ms", snap.AvgComputeMS),
					slog.Float64("loss", snap.AvgLoss),
					slog.Float64("acc", train.acc[0].Avg),
				)
			}
		}

		eval := train
		phase := "train"
		if rc.Val != nil && cfg.ValSteps > 0 {
			var err error
			eval, err = validate(ctx, rc, cfg.ValSteps)
			if err != nil {
				return res, fmt.Errorf("epoch %d: validate: %w", epoch, err)
			}
			phase = "val"
		}

		valLoss := eval.loss.Avg
		valAcc := eval.acc[0].Avg
		if _, err := saver.Save(rc.Model, rc.Optimizer, epoch, step, cfg, valLoss, valAcc, cfg.CheckpointName); err != nil {
			return res, fmt.Errorf("epoch %d: %w", epoch, err)
		}

		logger.Info("epoch complete",
			slog.Int("epoch", epoch),
			slog.Int("step", step),
			slog.Float64("train_loss", train.loss.Avg),
			slog.Float64("train_acc", train.acc[0].Avg),
			slog.String("eval_phase", phase),
			slog.Float64("eval_loss", valLoss),
			slog.Float64("eval_acc", valAcc),
			slog.Float64("best_loss", cfg.BestLoss),
			slog.Float64("best_acc", cfg.BestAcc),
		)
		if rc.Collector != nil {
			rc.Collector.ObserveEpoch("train", epoch, train.loss.Avg, train.accByK(cfg.TopK))
			if phase == "val" {
				rc.Collector.ObserveEpoch("val", epoch, valLoss, eval.accByK(cfg.TopK))
			}
			rc.Collector.ObserveBest(cfg.BestLoss, cfg.BestAcc)
		}

		res.Epochs++
		res.Steps = step
		res.BestLoss = cfg.BestLoss
		res.BestAcc = cfg.BestAcc
	}

	return res, nil
}

func validate(ctx context.Context, rc RunConfig, steps int) (*phaseMeters, error) {
	meters := newPhaseMeters(rc.Config.TopK)
	if r, ok := rc.Val.(resetter); ok {
		r.Reset()
	}
	for i := 0; i < steps; i++ {
		batch, err := nextBatch(ctx, rc.Val, rc.Device)
		if err != nil {
			return nil, err
		}
		loss, outputs := rc.Model.Evaluate(batch)
		acc, err := metrics.Accuracy(outputs, batch.Labels, rc.Config.TopK...)
		if err != nil {
			return nil, err
		}
		meters.update(loss, acc, batch.Len())
	}
	return meters, nil
}

func nextBatch(ctx context.Context, b Batcher, dev device.Device) (model.Batch, error) {
	if err := ctx.Err(); err != nil {
		return model.Batch{}, err
	}
	batch, err := b.Next(ctx)
	if err != nil {
		return model.Batch{}, err
	}
	return dev.Transfer(batch), nil
}
