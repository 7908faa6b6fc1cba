package metrics

// AverageMeter tracks the latest value and the weighted running mean of
// everything seen since the last Reset. The zero value is ready to use.
// It is not safe for concurrent use.
type AverageMeter struct {
	Val   float64
	Sum   float64
	Count int
	Avg   float64
}

// Reset clears the meter.
func (m *AverageMeter) Reset() {
	m.Val = 0
	m.Sum = 0
	m.Count = 0
	m.Avg = 0
}

// Update records val with weight n. Avg is undefined if Count ends at zero.
func (m *AverageMeter) Update(val float64, n int) {
	m.Val = val
	m.Sum += val * float64(n)
	m.Count += n
	m.Avg = m.Sum / float64(m.Count)
}

// UpdateOne records val with weight 1.
func (m *AverageMeter) UpdateOne(val float64) {
	m.Update(val, 1)
}
