package dataset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"math/rand"

	"forge-trainkit/internal/model"
)

const (
	// FeatureGrid is the side of the intensity grid sampled from each image.
	FeatureGrid = 16
	// FeatureSize is the length of every feature vector.
	FeatureSize = FeatureGrid * FeatureGrid
)

// ErrNoSamples is returned when a full pass over the shards produced no
// decodable sample.
var ErrNoSamples = errors.New("dataset: no usable samples")

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	Shards     []string
	BatchSize  int
	NumClasses int
	Seed       int64
	PendingCap int
	// Shuffle reorders shards and the samples of each shard every pass.
	Shuffle bool
}

// Loader turns shards into fixed-size feature batches, cycling through
// the shards as often as needed. It is not safe for concurrent use.
type Loader struct {
	opts    LoaderOptions
	rng     *rand.Rand
	queue   []string
	buf     []example
	passes  int
	yielded int // samples produced in the current pass
}

type example struct {
	features []float64
	label    int
}

// NewLoader validates opts and returns a loader positioned before its
// first pass.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	if len(opts.Shards) == 0 {
		return nil, errors.New("loader: no shards")
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("loader: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if opts.NumClasses <= 0 {
		return nil, fmt.Errorf("loader: num classes must be > 0 (got %d)", opts.NumClasses)
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}
	return &Loader{
		opts: opts,
		rng:  rand.New(rand.NewSource(opts.Seed)),
	}, nil
}

// Passes reports how many passes over the shards have been started.
func (l *Loader) Passes() int {
	return l.passes
}

// Reset rewinds the loader to the state NewLoader returned, so the next
// pass yields the same batches in the same order as the first one.
func (l *Loader) Reset() {
	l.rng = rand.New(rand.NewSource(l.opts.Seed))
	l.queue = nil
	l.buf = nil
	l.passes = 0
	l.yielded = 0
}

// Next returns the next full batch.
func (l *Loader) Next(ctx context.Context) (model.Batch, error) {
	for len(l.buf) < l.opts.BatchSize {
		if len(l.queue) == 0 {
			if l.passes > 0 && l.yielded == 0 {
				return model.Batch{}, ErrNoSamples
			}
			l.startPass()
		}
		path := l.queue[0]
		l.queue = l.queue[1:]
		if err := l.fill(ctx, path); err != nil {
			return model.Batch{}, err
		}
	}

	batch := model.Batch{
		Inputs: make([][]float64, l.opts.BatchSize),
		Labels: make([]int, l.opts.BatchSize),
	}
	for i, ex := range l.buf[:l.opts.BatchSize] {
		batch.Inputs[i] = ex.features
		batch.Labels[i] = ex.label
	}
	l.buf = l.buf[l.opts.BatchSize:]
	return batch, nil
}

func (l *Loader) startPass() {
	l.queue = append(l.queue[:0], l.opts.Shards...)
	if l.opts.Shuffle {
		l.rng.Shuffle(len(l.queue), func(i, j int) {
			l.queue[i], l.queue[j] = l.queue[j], l.queue[i]
		})
	}
	l.passes++
	l.yielded = 0
}

func (l *Loader) fill(ctx context.Context, path string) error {
	start := len(l.buf)
	err := ReadShard(ctx, path, l.opts.PendingCap, func(s Sample) error {
		features, err := ExtractFeatures(s.Image)
		if err != nil {
			return nil
		}
		l.buf = append(l.buf, example{features: features, label: clampLabel(s.Label, l.opts.NumClasses)})
		return nil
	})
	if err != nil {
		return err
	}
	added := l.buf[start:]
	if l.opts.Shuffle {
		l.rng.Shuffle(len(added), func(i, j int) {
			added[i], added[j] = added[j], added[i]
		})
	}
	l.yielded += len(added)
	return nil
}

// ExtractFeatures decodes an image and samples a FeatureGrid × FeatureGrid
// grid of mean RGB intensities in [0, 1].
func ExtractFeatures(raw []byte) ([]float64, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("empty image")
	}
	features := make([]float64, FeatureSize)
	stepX := float64(width) / float64(FeatureGrid)
	stepY := float64(height) / float64(FeatureGrid)
	for gy := 0; gy < FeatureGrid; gy++ {
		for gx := 0; gx < FeatureGrid; gx++ {
			px := bounds.Min.X + int(math.Min(float64(width-1), float64(gx)*stepX))
			py := bounds.Min.Y + int(math.Min(float64(height-1), float64(gy)*stepY))
			r, g, b, _ := img.At(px, py).RGBA()
			features[gy*FeatureGrid+gx] = (float64(r) + float64(g) + float64(b)) / (3 * 65535.0)
		}
	}
	return features, nil
}

func clampLabel(label, numClasses int) int {
	if label < 0 {
		return 0
	}
	if label >= numClasses {
		return label % numClasses
	}
	return label
}
