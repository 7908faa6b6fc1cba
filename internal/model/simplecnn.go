package model

import (
	"fmt"
	"math"
	"math/rand"
)

// SimpleCNN is a tiny linear classifier with softmax cross-entropy.
type SimpleCNN struct {
	numClasses int
	inputSize  int
	weights    []float64
	bias       []float64
	opt        *SGD
}

// NewSimpleCNN constructs the model with random initialization.
func NewSimpleCNN(numClasses, inputSize int, lr float64, seed int64) *SimpleCNN {
	if numClasses <= 0 {
		numClasses = 10
	}
	if inputSize <= 0 {
		inputSize = 64
	}
	rng := rand.New(rand.NewSource(seed))
	weights := make([]float64, numClasses*inputSize)
	for i := range weights {
		weights[i] = (rng.Float64()*2 - 1) * 0.01
	}
	return &SimpleCNN{
		numClasses: numClasses,
		inputSize:  inputSize,
		weights:    weights,
		bias:       make([]float64, numClasses),
		opt:        NewSGD(lr),
	}
}

// NumClasses reports the width of the output layer.
func (m *SimpleCNN) NumClasses() int { return m.numClasses }

// InputSize reports the expected feature vector length.
func (m *SimpleCNN) InputSize() int { return m.inputSize }

// Optimizer returns the optimizer driving TrainStep.
func (m *SimpleCNN) Optimizer() *SGD { return m.opt }

// Logits returns the unnormalised class scores for a single input.
func (m *SimpleCNN) Logits(input []float64) []float64 {
	logits := make([]float64, m.numClasses)
	for c := 0; c < m.numClasses; c++ {
		sum := m.bias[c]
		wStart := c * m.inputSize
		for j := 0; j < m.inputSize && j < len(input); j++ {
			sum += m.weights[wStart+j] * input[j]
		}
		logits[c] = sum
	}
	return logits
}

// TrainStep executes one SGD step and returns average loss.
func (m *SimpleCNN) TrainStep(batch Batch) float64 {
	if batch.Len() == 0 {
		return 0
	}
	totalLoss := 0.0
	for i, input := range batch.Inputs {
		if len(input) != m.inputSize {
			continue
		}
		label := m.wrapLabel(batch.Labels[i])
		probs := softmax(m.Logits(input))
		totalLoss += -math.Log(math.Max(probs[label], 1e-9))

		probs[label] -= 1
		for c := 0; c < m.numClasses; c++ {
			grad := probs[c]
			m.opt.apply(&m.bias[c], grad)
			wStart := c * m.inputSize
			for j := 0; j < m.inputSize; j++ {
				m.opt.apply(&m.weights[wStart+j], grad*input[j])
			}
		}
	}
	m.opt.Steps++
	return totalLoss / float64(batch.Len())
}

// Evaluate returns the average loss and the per-example logits without
// updating parameters.
func (m *SimpleCNN) Evaluate(batch Batch) (float64, [][]float64) {
	if batch.Len() == 0 {
		return 0, nil
	}
	outputs := make([][]float64, batch.Len())
	totalLoss := 0.0
	for i, input := range batch.Inputs {
		logits := m.Logits(input)
		outputs[i] = logits
		probs := softmax(logits)
		totalLoss += -math.Log(math.Max(probs[m.wrapLabel(batch.Labels[i])], 1e-9))
	}
	return totalLoss / float64(batch.Len()), outputs
}

// StateDict implements Stateful.
func (m *SimpleCNN) StateDict() StateDict {
	return StateDict{
		"linear.weight": {
			Shape: []int{m.numClasses, m.inputSize},
			Data:  append([]float64(nil), m.weights...),
		},
		"linear.bias": {
			Shape: []int{m.numClasses},
			Data:  append([]float64(nil), m.bias...),
		},
	}
}

// LoadStateDict implements Stateful. The shapes must match the model.
func (m *SimpleCNN) LoadStateDict(sd StateDict) error {
	weights, err := sd.tensor("linear.weight", m.numClasses*m.inputSize)
	if err != nil {
		return fmt.Errorf("simplecnn: %w", err)
	}
	bias, err := sd.tensor("linear.bias", m.numClasses)
	if err != nil {
		return fmt.Errorf("simplecnn: %w", err)
	}
	m.weights = weights
	m.bias = bias
	return nil
}

func (m *SimpleCNN) wrapLabel(label int) int {
	if label < 0 || label >= m.numClasses {
		label = label % m.numClasses
		if label < 0 {
			label += m.numClasses
		}
	}
	return label
}

func softmax(logits []float64) []float64 {
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	sum := 0.0
	out := make([]float64, len(logits))
	for i, v := range logits {
		exp := math.Exp(v - maxLogit)
		out[i] = exp
		sum += exp
	}
	inv := 1.0 / sum
	for i := range out {
		out[i] *= inv
	}
	return out
}
