package metrics

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrEmptyBatch is returned when there are no examples to score.
	ErrEmptyBatch = errors.New("metrics: empty batch")
	// ErrInvalidK is returned for k < 1 or k larger than the class count.
	ErrInvalidK = errors.New("metrics: invalid k")
	// ErrShapeMismatch is returned when outputs and targets disagree in shape.
	ErrShapeMismatch = errors.New("metrics: shape mismatch")
)

// Accuracy computes precision@k for each requested k, as a percentage of
// the batch. outputs is batch × classes, target holds one class index per
// row. Results follow the order of topk, which defaults to (1).
func Accuracy(outputs [][]float64, target []int, topk ...int) ([]float64, error) {
	if len(topk) == 0 {
		topk = []int{1}
	}
	batchSize := len(target)
	if batchSize == 0 || len(outputs) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(outputs) != batchSize {
		return nil, fmt.Errorf("%w: %d output rows for %d targets", ErrShapeMismatch, len(outputs), batchSize)
	}
	numClasses := len(outputs[0])
	maxK := 0
	for _, k := range topk {
		if k < 1 || k > numClasses {
			return nil, fmt.Errorf("%w: k=%d with %d classes", ErrInvalidK, k, numClasses)
		}
		if k > maxK {
			maxK = k
		}
	}

	// hitRank[r] counts rows whose label sits at rank r of the prediction.
	hitRank := make([]int, maxK)
	for i, row := range outputs {
		if len(row) != numClasses {
			return nil, fmt.Errorf("%w: row %d has %d classes, want %d", ErrShapeMismatch, i, len(row), numClasses)
		}
		for rank, class := range TopK(row, maxK) {
			if class == target[i] {
				hitRank[rank]++
				break
			}
		}
	}

	res := make([]float64, len(topk))
	for i, k := range topk {
		correct := 0
		for _, n := range hitRank[:k] {
			correct += n
		}
		res[i] = float64(correct) * 100.0 / float64(batchSize)
	}
	return res, nil
}

// TopK returns the indices of the k highest scores, highest first. Equal
// scores keep ascending index order.
func TopK(scores []float64, k int) []int {
	if k > len(scores) {
		k = len(scores)
	}
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})
	return idx[:k]
}
