// Package checkpoint persists training state and mirrors it into the
// best-loss and best-accuracy slots of an experiment directory.
package checkpoint

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"forge-trainkit/internal/config"
	"forge-trainkit/internal/model"
)

// Fixed file names of the best slots, siblings of the latest checkpoint.
const (
	BestLossFile = "model_best_loss.pkl"
	BestAccFile  = "model_best_acc.pkl"
)

// Slots reported to an Observer.
const (
	SlotLatest   = "latest"
	SlotBestLoss = "best_loss"
	SlotBestAcc  = "best_acc"
)

// Record is the on-disk training state. The JSON keys are the contract
// with anything that reloads a checkpoint.
type Record struct {
	Epoch     int             `json:"epoch"`
	Step      int             `json:"step"`
	Args      *config.Config  `json:"args"`
	StateDict model.StateDict `json:"state_dict"`
	ValLoss   config.Float    `json:"val_loss"`
	ValAcc    config.Float    `json:"val_acc"`
	Optimizer model.StateDict `json:"optimizer"`
}

// Observer is notified after every file a Saver writes.
type Observer interface {
	CheckpointWritten(slot string)
}

// Saver writes checkpoints in one format.
type Saver struct {
	format   Format
	logger   *slog.Logger
	observer Observer
}

// Option configures a Saver.
type Option func(*Saver)

// WithLogger sets the logger used for write events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Saver) {
		s.logger = logger
	}
}

// WithObserver registers an observer for written files.
func WithObserver(o Observer) Option {
	return func(s *Saver) {
		s.observer = o
	}
}

// NewSaver creates a saver for the specified format.
func NewSaver(format Format, opts ...Option) *Saver {
	s := &Saver{format: format, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Format reports the encoding the saver writes.
func (s *Saver) Format() Format {
	return s.format
}

// Save writes the training state to args.ExperimentPath/filename and copies
// it into the best-loss and best-accuracy slots when currLoss is strictly
// lower than args.BestLoss or currAcc strictly higher than args.BestAcc.
// args is updated in place with the new best values and returned.
//
// Nothing is locked: concurrent saves to one directory race and the last
// writer wins. The experiment directory must already exist.
func (s *Saver) Save(mdl, opt model.Stateful, epoch, step int, args *config.Config, currLoss, currAcc float64, filename string) (*config.Config, error) {
	isBestLoss := currLoss < args.BestLoss
	isBestAcc := currAcc > args.BestAcc

	// NaN never compares as an improvement, so a diverged epoch leaves the
	// previous best values in place.
	if isBestLoss {
		args.BestLoss = currLoss
	}
	if isBestAcc {
		args.BestAcc = currAcc
	}

	rec := &Record{
		Epoch:     epoch,
		Step:      step,
		Args:      args,
		StateDict: mdl.StateDict(),
		ValLoss:   config.Float(args.BestLoss),
		ValAcc:    config.Float(args.BestAcc),
		Optimizer: opt.StateDict(),
	}

	path := filepath.Join(args.ExperimentPath, filename)
	if err := s.write(rec, path); err != nil {
		return args, err
	}
	s.written(SlotLatest, path)

	if isBestLoss {
		dst := filepath.Join(args.ExperimentPath, BestLossFile)
		if err := copyFile(path, dst); err != nil {
			return args, err
		}
		s.written(SlotBestLoss, dst)
	}
	if isBestAcc {
		dst := filepath.Join(args.ExperimentPath, BestAccFile)
		if err := copyFile(path, dst); err != nil {
			return args, err
		}
		s.written(SlotBestAcc, dst)
	}

	return args, nil
}

// Load reads a checkpoint written in either format.
func Load(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	rec, _, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	return rec, nil
}

// Restore loads path into mdl and opt and returns the record.
func Restore(path string, mdl, opt model.Stateful) (*Record, error) {
	rec, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := mdl.LoadStateDict(rec.StateDict); err != nil {
		return nil, fmt.Errorf("restore model: %w", err)
	}
	if err := opt.LoadStateDict(rec.Optimizer); err != nil {
		return nil, fmt.Errorf("restore optimizer: %w", err)
	}
	return rec, nil
}

func (s *Saver) write(rec *Record, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: create %s: %w", path, err)
	}
	if err := encode(f, rec, s.format); err != nil {
		f.Close()
		return fmt.Errorf("checkpoint: write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("checkpoint: close %s: %w", path, err)
	}
	return nil
}

func (s *Saver) written(slot, path string) {
	s.logger.Debug("checkpoint written",
		slog.String("slot", slot),
		slog.String("path", path),
		slog.String("format", s.format.String()),
	)
	if s.observer != nil {
		s.observer.CheckpointWritten(slot)
	}
}

// copyFile overwrites dst with the contents of src. Copying a file onto
// itself is a no-op.
func copyFile(src, dst string) error {
	if filepath.Clean(src) == filepath.Clean(dst) {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("checkpoint: copy %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("checkpoint: copy to %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("checkpoint: copy to %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("checkpoint: copy to %s: %w", dst, err)
	}
	return nil
}
