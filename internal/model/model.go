package model

import "fmt"

// Batch represents a minibatch of features and labels.
type Batch struct {
	Inputs [][]float64
	Labels []int
}

// Len returns the number of examples in the batch.
func (b Batch) Len() int {
	return len(b.Inputs)
}

// Tensor is a dense row-major buffer with its shape.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// Scalar wraps a single value as a shapeless tensor.
func Scalar(v float64) Tensor {
	return Tensor{Data: []float64{v}}
}

// StateDict maps parameter names to tensors.
type StateDict map[string]Tensor

// Stateful is anything whose state can be checkpointed and restored.
type Stateful interface {
	StateDict() StateDict
	LoadStateDict(sd StateDict) error
}

// Model defines the training functionality required by the trainer.
type Model interface {
	Stateful
	TrainStep(batch Batch) float64
	Evaluate(batch Batch) (float64, [][]float64)
}

func (sd StateDict) scalar(name string) (float64, error) {
	t, ok := sd[name]
	if !ok {
		return 0, fmt.Errorf("state dict: missing %q", name)
	}
	if len(t.Data) != 1 {
		return 0, fmt.Errorf("state dict: %q has %d values, want 1", name, len(t.Data))
	}
	return t.Data[0], nil
}

func (sd StateDict) tensor(name string, size int) ([]float64, error) {
	t, ok := sd[name]
	if !ok {
		return nil, fmt.Errorf("state dict: missing %q", name)
	}
	if len(t.Data) != size {
		return nil, fmt.Errorf("state dict: %q has %d values, want %d", name, len(t.Data), size)
	}
	return append([]float64(nil), t.Data...), nil
}
