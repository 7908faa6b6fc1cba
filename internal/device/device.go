// Package device selects where batches live during training and moves them
// there explicitly.
package device

import (
	"github.com/klauspost/cpuid/v2"

	"forge-trainkit/internal/model"
)

// Kind identifies a class of compute device.
type Kind int

const (
	CPU Kind = iota
	AVX2
	AVX512
)

func (k Kind) String() string {
	switch k {
	case CPU:
		return "cpu"
	case AVX2:
		return "cpu-avx2"
	case AVX512:
		return "cpu-avx512"
	default:
		return "unknown"
	}
}

// Device describes the selected compute device.
type Device struct {
	Kind     Kind
	Brand    string
	Lanes    int
	Features []string
}

// Detect probes the host and returns the most capable available device.
func Detect() Device {
	d := Device{
		Kind:     CPU,
		Brand:    cpuid.CPU.BrandName,
		Lanes:    1,
		Features: cpuid.CPU.FeatureSet(),
	}
	switch {
	case Available(AVX512):
		d.Kind, d.Lanes = AVX512, 8
	case Available(AVX2):
		d.Kind, d.Lanes = AVX2, 4
	}
	return d
}

// Available reports whether the host can run kind.
func Available(kind Kind) bool {
	switch kind {
	case CPU:
		return true
	case AVX2:
		return cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3)
	case AVX512:
		return cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ)
	default:
		return false
	}
}

// Stride is the buffer length a row of width values occupies on d: width
// rounded up to a whole number of vector lanes.
func (d Device) Stride(width int) int {
	lanes := d.Lanes
	if lanes < 1 {
		lanes = 1
	}
	return (width + lanes - 1) / lanes * lanes
}

// Transfer places batch in device memory: every row is packed into one
// contiguous buffer owned by the returned batch, starting on a lane
// boundary with zeroed padding up to Stride. The input is not modified.
func (d Device) Transfer(batch model.Batch) model.Batch {
	total := 0
	for _, row := range batch.Inputs {
		total += d.Stride(len(row))
	}
	buf := make([]float64, total)
	inputs := make([][]float64, len(batch.Inputs))
	off := 0
	for i, row := range batch.Inputs {
		n := copy(buf[off:], row)
		stride := d.Stride(n)
		inputs[i] = buf[off : off+n : off+stride]
		off += stride
	}
	return model.Batch{
		Inputs: inputs,
		Labels: append([]int(nil), batch.Labels...),
	}
}
