package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "forge"

// Collector exports training progress as Prometheus metrics.
type Collector struct {
	epoch     prometheus.Gauge
	bestLoss  prometheus.Gauge
	bestAcc   prometheus.Gauge
	epochLoss *prometheus.GaugeVec
	epochAcc  *prometheus.GaugeVec
	writes    *prometheus.CounterVec
}

// NewCollector creates the training collectors and registers them on reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "epoch",
			Help:      "Last completed training epoch.",
		}),
		bestLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_val_loss",
			Help:      "Lowest validation loss seen so far.",
		}),
		bestAcc: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_val_accuracy",
			Help:      "Highest validation top-1 accuracy seen so far, in percent.",
		}),
		epochLoss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "epoch_loss",
			Help:      "Average loss of the last epoch per phase.",
		}, []string{"phase"}),
		epochAcc: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "epoch_accuracy",
			Help:      "Average top-k accuracy of the last epoch per phase, in percent.",
		}, []string{"phase", "k"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_writes_total",
			Help:      "Checkpoint files written, by slot.",
		}, []string{"slot"}),
	}
	for _, col := range []prometheus.Collector{c.epoch, c.bestLoss, c.bestAcc, c.epochLoss, c.epochAcc, c.writes} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ObserveEpoch records the averages of one phase of an epoch.
func (c *Collector) ObserveEpoch(phase string, epoch int, loss float64, acc map[string]float64) {
	c.epoch.Set(float64(epoch))
	c.epochLoss.WithLabelValues(phase).Set(loss)
	for k, v := range acc {
		c.epochAcc.WithLabelValues(phase, k).Set(v)
	}
}

// ObserveBest records the best validation values.
func (c *Collector) ObserveBest(loss, acc float64) {
	c.bestLoss.Set(loss)
	c.bestAcc.Set(acc)
}

// CheckpointWritten counts a file written to the named slot.
func (c *Collector) CheckpointWritten(slot string) {
	c.writes.WithLabelValues(slot).Inc()
}
