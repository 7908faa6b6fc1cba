package metrics

import "time"

// Window accumulates timing stats across multiple steps.
type Window struct {
	samples int
	data    AverageMeter
	compute AverageMeter
	loss    AverageMeter
}

// Record adds a new measurement to the window.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64) {
	w.samples += batchSize
	w.data.UpdateOne(dataTime.Seconds() * 1000)
	w.compute.UpdateOne(computeTime.Seconds() * 1000)
	w.loss.Update(loss, batchSize)
}

// Steps reports how many records the window holds.
func (w *Window) Steps() int {
	return w.data.Count
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{}
	totalMS := w.data.Sum + w.compute.Sum
	if totalMS > 0 {
		snap.ImagesPerSec = float64(w.samples) / (totalMS / 1000)
	}
	if w.Steps() > 0 {
		snap.AvgDataMS = w.data.Avg
		snap.AvgComputeMS = w.compute.Avg
	}
	if w.loss.Count > 0 {
		snap.AvgLoss = w.loss.Avg
	}
	snap.LastLoss = w.loss.Val

	w.samples = 0
	w.data.Reset()
	w.compute.Reset()
	w.loss.Reset()
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	AvgLoss      float64
	LastLoss     float64
}
