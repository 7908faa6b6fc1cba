package config

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	path := writeConfig(t, `
train_root: /data/train
experiment_path: /tmp/exp
epochs: 3
batch_size: 16
topk: [1, 3]
checkpoint_format: proto
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/train", cfg.TrainRoot)
	assert.Equal(t, 3, cfg.Epochs)
	assert.Equal(t, 16, cfg.BatchSize)
	assert.Equal(t, []int{1, 3}, cfg.TopK)
	assert.Equal(t, FormatProto, cfg.CheckpointFormat)
	assert.Equal(t, 100, cfg.StepsPerEpoch)
	assert.Equal(t, "checkpoint.pkl", cfg.CheckpointName)
	assert.True(t, math.IsInf(cfg.BestLoss, 1))
	assert.Zero(t, cfg.BestAcc)
	assert.NotEmpty(t, cfg.RunID)
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := writeConfig(t, "train_root: /data\nexperiment_path: /tmp\nbogus: 1\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "train_root: /data\nexperiment_path: /tmp/exp\nepochs: 2\n")
	t.Setenv("FORGE_EPOCHS", "7")
	t.Setenv("FORGE_TOPK", "1,2")
	t.Setenv("FORGE_RUN_ID", "run-42")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Epochs)
	assert.Equal(t, []int{1, 2}, cfg.TopK)
	assert.Equal(t, "run-42", cfg.RunID)
	assert.Equal(t, "/data", cfg.TrainRoot)
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	cfg.TrainRoot = "/a"
	cfg.ApplyOverrides(Overrides{TrainRoot: "/b", Epochs: 4, CheckpointFormat: FormatProto})
	assert.Equal(t, "/b", cfg.TrainRoot)
	assert.Equal(t, 4, cfg.Epochs)
	assert.Equal(t, FormatProto, cfg.CheckpointFormat)
	assert.Equal(t, 32, cfg.BatchSize)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.TrainRoot = "/data"
		cfg.ExperimentPath = "/tmp/exp"
		return cfg
	}
	cases := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "train root", mutate: func(c *Config) { c.TrainRoot = "" }, errMsg: "train_root"},
		{name: "experiment path", mutate: func(c *Config) { c.ExperimentPath = "" }, errMsg: "experiment_path"},
		{name: "epochs", mutate: func(c *Config) { c.Epochs = 0 }, errMsg: "epochs"},
		{name: "batch size", mutate: func(c *Config) { c.BatchSize = -1 }, errMsg: "batch_size"},
		{name: "topk", mutate: func(c *Config) { c.TopK = []int{1, 11} }, errMsg: "topk"},
		{name: "format", mutate: func(c *Config) { c.CheckpointFormat = "pickle" }, errMsg: "checkpoint_format"},
		{name: "checkpoint name", mutate: func(c *Config) { c.CheckpointName = "sub/ckpt.pkl" }, errMsg: "checkpoint_name"},
		{name: "log level", mutate: func(c *Config) { c.LogLevel = "loud" }, errMsg: "log_level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}

	require.NoError(t, valid().Validate())
	var nilCfg *Config
	require.Error(t, nilCfg.Validate())
}

func TestConfigJSONKeepsInfiniteLoss(t *testing.T) {
	cfg := Default()
	cfg.TrainRoot = "/data"
	cfg.BestAcc = 12.5

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"best_loss":"inf"`)
	assert.Contains(t, string(data), `"best_acc":12.5`)

	var decoded Config
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, math.IsInf(decoded.BestLoss, 1))
	assert.Equal(t, 12.5, decoded.BestAcc)
	assert.Equal(t, "/data", decoded.TrainRoot)
	assert.Equal(t, cfg.TopK, decoded.TopK)
}

func TestFloatRoundTrip(t *testing.T) {
	for _, v := range []float64{0, 1.25, -3, math.Inf(1), math.Inf(-1)} {
		data, err := json.Marshal(Float(v))
		require.NoError(t, err)
		var got Float
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, v, float64(got))
	}

	data, err := json.Marshal(Float(math.NaN()))
	require.NoError(t, err)
	var got Float
	require.NoError(t, json.Unmarshal(data, &got))
	assert.True(t, math.IsNaN(float64(got)))

	require.Error(t, json.Unmarshal([]byte(`"many"`), &got))
}
