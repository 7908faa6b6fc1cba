package trainer

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge-trainkit/internal/checkpoint"
	"forge-trainkit/internal/config"
	"forge-trainkit/internal/device"
	"forge-trainkit/internal/metrics"
	"forge-trainkit/internal/model"
)

// fixedBatcher returns the same linearly separable batch forever.
type fixedBatcher struct {
	batch model.Batch
	calls int
	err   error
}

func (f *fixedBatcher) Next(context.Context) (model.Batch, error) {
	f.calls++
	if f.err != nil {
		return model.Batch{}, f.err
	}
	return f.batch, nil
}

// resettableBatcher counts how often validation rewinds it.
type resettableBatcher struct {
	fixedBatcher
	resets int
}

func (r *resettableBatcher) Reset() { r.resets++ }

func separable() model.Batch {
	return model.Batch{
		Inputs: [][]float64{
			{1, 0, 0, 0},
			{0, 1, 0, 0},
			{0, 0, 1, 0},
			{0, 0, 0, 1},
		},
		Labels: []int{0, 1, 2, 0},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.TrainRoot = "/unused"
	cfg.ExperimentPath = t.TempDir()
	cfg.NumClasses = 3
	cfg.TopK = []int{1, 2}
	cfg.Epochs = 3
	cfg.StepsPerEpoch = 20
	cfg.ValSteps = 2
	cfg.LogEvery = 10
	cfg.LearningRate = 0.5
	require.NoError(t, cfg.Validate())
	return cfg
}

func testRunConfig(t *testing.T, cfg *config.Config) RunConfig {
	t.Helper()
	mdl := model.NewSimpleCNN(3, 4, cfg.LearningRate, 1)
	return RunConfig{
		Config:    cfg,
		Model:     mdl,
		Optimizer: mdl.Optimizer(),
		Train:     &fixedBatcher{batch: separable()},
		Val:       &fixedBatcher{batch: separable()},
		Device:    device.Device{Kind: device.CPU, Lanes: 1},
		Logger:    discardLogger(),
	}
}

func TestRunSavesCheckpointsEachEpoch(t *testing.T) {
	cfg := testConfig(t)
	rc := testRunConfig(t, cfg)
	reg := prometheus.NewRegistry()
	collector, err := metrics.NewCollector(reg)
	require.NoError(t, err)
	rc.Collector = collector
	rc.Saver = checkpoint.NewSaver(checkpoint.FormatJSON, checkpoint.WithObserver(collector))

	res, err := Run(context.Background(), rc)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Epochs)
	assert.Equal(t, 60, res.Steps)
	assert.Less(t, res.BestLoss, 1.0)
	assert.Equal(t, 100.0, res.BestAcc)
	assert.Equal(t, cfg.BestLoss, res.BestLoss)
	assert.Equal(t, 2*3, rc.Val.(*fixedBatcher).calls)

	rec, err := checkpoint.Load(filepath.Join(cfg.ExperimentPath, cfg.CheckpointName))
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Epoch)
	assert.Equal(t, 60, rec.Step)
	assert.Equal(t, config.Float(res.BestLoss), rec.ValLoss)
	assert.FileExists(t, filepath.Join(cfg.ExperimentPath, checkpoint.BestLossFile))
	assert.FileExists(t, filepath.Join(cfg.ExperimentPath, checkpoint.BestAccFile))

	expected := `
# HELP forge_epoch Last completed training epoch.
# TYPE forge_epoch gauge
forge_epoch 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "forge_epoch"))
	assert.Equal(t, 3.0, slotWrites(t, reg, checkpoint.SlotLatest))
	assert.GreaterOrEqual(t, slotWrites(t, reg, checkpoint.SlotBestAcc), 1.0)
}

func TestRunWithoutValidationUsesTrainingAverages(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epochs = 1
	rc := testRunConfig(t, cfg)
	rc.Val = nil

	res, err := Run(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Epochs)
	assert.Less(t, res.BestLoss, 10.0)
	assert.Greater(t, res.BestAcc, 0.0)
}

func TestRunRewindsValidationEachEpoch(t *testing.T) {
	cfg := testConfig(t)
	rc := testRunConfig(t, cfg)
	val := &resettableBatcher{fixedBatcher: fixedBatcher{batch: separable()}}
	rc.Val = val

	_, err := Run(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, cfg.Epochs, val.resets)
	assert.Equal(t, cfg.Epochs*cfg.ValSteps, val.calls)
}

func TestRunResumesCounters(t *testing.T) {
	cfg := testConfig(t)
	rc := testRunConfig(t, cfg)
	rc.StartEpoch = 2
	rc.StartStep = 40

	res, err := Run(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Epochs)
	assert.Equal(t, 60, res.Steps)
	assert.Equal(t, 20, rc.Train.(*fixedBatcher).calls)
}

func TestRunPropagatesErrors(t *testing.T) {
	cfg := testConfig(t)
	rc := testRunConfig(t, cfg)
	boom := errors.New("boom")
	rc.Train = &fixedBatcher{err: boom}
	_, err := Run(context.Background(), rc)
	require.ErrorIs(t, err, boom)

	rc = testRunConfig(t, cfg)
	cfg.ExperimentPath = filepath.Join(cfg.ExperimentPath, "missing")
	_, err = Run(context.Background(), rc)
	require.ErrorIs(t, err, os.ErrNotExist)

	rc = testRunConfig(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Run(ctx, rc)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunRejectsIncompleteConfig(t *testing.T) {
	_, err := Run(context.Background(), RunConfig{})
	require.Error(t, err)

	rc := testRunConfig(t, testConfig(t))
	rc.Train = nil
	_, err = Run(context.Background(), rc)
	require.Error(t, err)
}

func TestSetupAndResume(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, filepath.Join(dir, "train", "shard-000000.tar"), 6)
	writeShard(t, filepath.Join(dir, "val", "shard-000000.tar"), 4)

	cfg := config.Default()
	cfg.TrainRoot = filepath.Join(dir, "train")
	cfg.ValRoot = filepath.Join(dir, "val")
	cfg.ExperimentPath = filepath.Join(dir, "exp")
	cfg.NumClasses = 3
	cfg.TopK = []int{1}
	cfg.BatchSize = 2
	cfg.Epochs = 2
	cfg.StepsPerEpoch = 3
	cfg.ValSteps = 1
	cfg.CheckpointFormat = config.FormatProto

	rc, err := Setup(cfg, nil, discardLogger())
	require.NoError(t, err)
	require.NotNil(t, rc.Val)
	res, err := Run(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Steps)

	resumed := config.Default()
	*resumed = *cfg
	resumed.BestLoss = 0
	resumed.BestAcc = 0
	resumed.Epochs = 3
	resumed.Resume = filepath.Join(cfg.ExperimentPath, cfg.CheckpointName)

	rc, err = Setup(resumed, nil, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, rc.StartEpoch)
	assert.Equal(t, 6, rc.StartStep)
	assert.Equal(t, res.BestLoss, resumed.BestLoss)
	assert.Equal(t, res.BestAcc, resumed.BestAcc)

	res, err = Run(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Epochs)
	assert.Equal(t, 9, res.Steps)
}

func TestSetupMissingTrainRoot(t *testing.T) {
	cfg := config.Default()
	cfg.TrainRoot = filepath.Join(t.TempDir(), "missing")
	cfg.ExperimentPath = t.TempDir()
	_, err := Setup(cfg, nil, discardLogger())
	require.Error(t, err)
}

func slotWrites(t *testing.T, reg *prometheus.Registry, slot string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != "forge_checkpoint_writes_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "slot" && lp.GetValue() == slot {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func writeShard(t *testing.T, path string, n int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for i := 0; i < n; i++ {
		img := image.NewGray(image.Rect(0, 0, 4, 4))
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				img.SetGray(x, y, color.Gray{Y: uint8(40 * (i % 3))})
			}
		}
		imgBuf := &bytes.Buffer{}
		require.NoError(t, png.Encode(imgBuf, img))
		key := "sample" + strconv.Itoa(i)
		addEntry(t, tw, key+".png", imgBuf.Bytes())
		addEntry(t, tw, key+".cls", []byte(strconv.Itoa(i%3)))
	}
	require.NoError(t, tw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func addEntry(t *testing.T, tw *tar.Writer, name string, data []byte) {
	t.Helper()
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}))
	_, err := tw.Write(data)
	require.NoError(t, err)
}
