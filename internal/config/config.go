package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FORGE_"

// Checkpoint encodings accepted by checkpoint_format.
const (
	FormatJSON  = "json"
	FormatProto = "proto"
)

// Config captures the runtime knobs for a training run. It also carries the
// best validation values seen so far and is stored as the args of every
// checkpoint.
type Config struct {
	TrainRoot        string  `yaml:"train_root" json:"train_root" env:"TRAIN_ROOT"`
	ValRoot          string  `yaml:"val_root" json:"val_root" env:"VAL_ROOT"`
	ExperimentPath   string  `yaml:"experiment_path" json:"experiment_path" env:"EXPERIMENT_PATH"`
	Epochs           int     `yaml:"epochs" json:"epochs" env:"EPOCHS"`
	StepsPerEpoch    int     `yaml:"steps_per_epoch" json:"steps_per_epoch" env:"STEPS_PER_EPOCH"`
	ValSteps         int     `yaml:"val_steps" json:"val_steps" env:"VAL_STEPS"`
	BatchSize        int     `yaml:"batch_size" json:"batch_size" env:"BATCH_SIZE"`
	NumClasses       int     `yaml:"num_classes" json:"num_classes" env:"NUM_CLASSES"`
	LearningRate     float64 `yaml:"learning_rate" json:"learning_rate" env:"LEARNING_RATE"`
	Seed             int64   `yaml:"seed" json:"seed" env:"SEED"`
	LogEvery         int     `yaml:"log_every" json:"log_every" env:"LOG_EVERY"`
	LogLevel         string  `yaml:"log_level" json:"log_level" env:"LOG_LEVEL"`
	CheckpointName   string  `yaml:"checkpoint_name" json:"checkpoint_name" env:"CHECKPOINT_NAME"`
	CheckpointFormat string  `yaml:"checkpoint_format" json:"checkpoint_format" env:"CHECKPOINT_FORMAT"`
	TopK             []int   `yaml:"topk" json:"topk" env:"TOPK" envSeparator:","`
	MetricsAddr      string  `yaml:"metrics_addr" json:"metrics_addr" env:"METRICS_ADDR"`
	RunID            string  `yaml:"run_id" json:"run_id" env:"RUN_ID"`
	Resume           string  `yaml:"resume" json:"resume" env:"RESUME"`
	BestLoss         float64 `yaml:"best_loss" json:"best_loss" env:"BEST_LOSS"`
	BestAcc          float64 `yaml:"best_acc" json:"best_acc" env:"BEST_ACC"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	TrainRoot        string
	ValRoot          string
	ExperimentPath   string
	Epochs           int
	StepsPerEpoch    int
	BatchSize        int
	Seed             int64
	LogEvery         int
	LogLevel         string
	CheckpointFormat string
	Resume           string
}

// Default returns a Config with every optional knob set. BestLoss starts at
// +Inf so the first saved checkpoint always counts as the best loss.
func Default() *Config {
	return &Config{
		Epochs:           1,
		StepsPerEpoch:    100,
		ValSteps:         10,
		BatchSize:        32,
		NumClasses:       10,
		LearningRate:     0.05,
		Seed:             42,
		LogEvery:         50,
		LogLevel:         "info",
		CheckpointName:   "checkpoint.pkl",
		CheckpointFormat: FormatJSON,
		TopK:             []int{1, 5},
		BestLoss:         math.Inf(1),
	}
}

// Load reads a Config from YAML on top of Default, then applies FORGE_*
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.TrainRoot != "" {
		c.TrainRoot = o.TrainRoot
	}
	if o.ValRoot != "" {
		c.ValRoot = o.ValRoot
	}
	if o.ExperimentPath != "" {
		c.ExperimentPath = o.ExperimentPath
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.StepsPerEpoch > 0 {
		c.StepsPerEpoch = o.StepsPerEpoch
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.CheckpointFormat != "" {
		c.CheckpointFormat = o.CheckpointFormat
	}
	if o.Resume != "" {
		c.Resume = o.Resume
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.TrainRoot == "" {
		return errors.New("train_root must be set")
	}
	if c.ExperimentPath == "" {
		return errors.New("experiment_path must be set")
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.StepsPerEpoch <= 0 {
		return fmt.Errorf("steps_per_epoch must be > 0 (got %d)", c.StepsPerEpoch)
	}
	if c.ValSteps < 0 {
		return fmt.Errorf("val_steps must be >= 0 (got %d)", c.ValSteps)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.NumClasses <= 0 {
		return fmt.Errorf("num_classes must be > 0 (got %d)", c.NumClasses)
	}
	if len(c.TopK) == 0 {
		c.TopK = []int{1}
	}
	for _, k := range c.TopK {
		if k < 1 || k > c.NumClasses {
			return fmt.Errorf("topk value %d outside [1, %d]", k, c.NumClasses)
		}
	}
	switch c.CheckpointFormat {
	case "":
		c.CheckpointFormat = FormatJSON
	case FormatJSON, FormatProto:
	default:
		return fmt.Errorf("unknown checkpoint_format %q", c.CheckpointFormat)
	}
	if c.CheckpointName == "" {
		c.CheckpointName = "checkpoint.pkl"
	}
	if c.CheckpointName != filepath.Base(c.CheckpointName) {
		return fmt.Errorf("checkpoint_name must be a bare file name (got %q)", c.CheckpointName)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	if c.RunID == "" {
		c.RunID = uuid.NewString()
	}
	return nil
}

// Level returns the parsed log level, defaulting to info.
func (c *Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// MarshalJSON encodes the best values as Float so an untouched +Inf loss
// still serialises.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	return json.Marshal(struct {
		alias
		BestLoss Float `json:"best_loss"`
		BestAcc  Float `json:"best_acc"`
	}{alias(c), Float(c.BestLoss), Float(c.BestAcc)})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (c *Config) UnmarshalJSON(data []byte) error {
	type alias Config
	aux := struct {
		*alias
		BestLoss Float `json:"best_loss"`
		BestAcc  Float `json:"best_acc"`
	}{alias: (*alias)(c), BestLoss: Float(c.BestLoss), BestAcc: Float(c.BestAcc)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.BestLoss = float64(aux.BestLoss)
	c.BestAcc = float64(aux.BestAcc)
	return nil
}
